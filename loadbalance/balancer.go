// Package loadbalance picks which registered instance of a target the host
// connects to.
//
// Three strategies are implemented:
//   - RoundRobin:      spread sessions over identical simulators
//   - WeightedRandom:  prefer instances with more capacity (e.g. faster links)
//   - ConsistentHash:  keep one user or CI job on the same board across runs
package loadbalance

import (
	"errors"
	"fmt"
	"strings"

	"comms-ccf/registry"
)

var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer selects one instance from a discovered list.
type Balancer interface {
	// Pick must be safe for concurrent use.
	Pick(instances []registry.TargetInstance) (*registry.TargetInstance, error)

	// Name returns the strategy name for logs.
	Name() string
}

// New returns the balancer for strategy: "round-robin", "weighted" or
// "hash:<key>".
func New(strategy string) (Balancer, error) {
	if key, ok := strings.CutPrefix(strategy, "hash:"); ok && key != "" {
		return NewConsistentHashBalancer(key), nil
	}
	switch strategy {
	case "", "round-robin":
		return &RoundRobinBalancer{}, nil
	case "weighted":
		return &WeightedRandomBalancer{}, nil
	default:
		return nil, fmt.Errorf("loadbalance: unknown strategy %q", strategy)
	}
}
