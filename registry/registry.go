package registry

import "context"

// TargetInstance is one reachable peer of a named target, e.g. one board of
// a farm or one simulator process.
type TargetInstance struct {
	Addr   string `json:"addr"`            // host:port serving the framed stream
	Weight int    `json:"weight"`          // Weight for load balancing
	Board  string `json:"board,omitempty"` // Hardware revision or simulator name
}

type Registry interface {
	Register(ctx context.Context, target string, instance TargetInstance, ttl int64) error
	Deregister(ctx context.Context, target string, addr string) error
	Discover(ctx context.Context, target string) ([]TargetInstance, error)
	Watch(ctx context.Context, target string) <-chan []TargetInstance
}

// KeyPrefix is the root of every key the registry writes.
const KeyPrefix = "/comms-ccf/"

func targetPrefix(target string) string {
	return KeyPrefix + target + "/"
}
