// Package registry lets peers announce where they can be reached and lets
// hosts find them by target name.
//
// Entries live in etcd under per-target prefixes:
//
//	Key:   /comms-ccf/{target}/{addr}
//	Value: JSON-encoded TargetInstance
//
// Registration uses TTL leases: if a simulator or board agent dies, its
// lease expires and the entry disappears.
package registry

import (
	"context"
	"encoding/json"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"comms-ccf/logx"
)

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // Safe for concurrent use
}

func NewEtcdRegistry(endpoints []string) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c}, nil
}

func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}

// Register stores instance under a lease of ttl seconds and keeps the lease
// alive until ctx is done.
//
// leaseID stays local so one EtcdRegistry can serve several registrations.
func (r *EtcdRegistry) Register(ctx context.Context, target string, instance TargetInstance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	_, err = r.client.Put(ctx, targetPrefix(target)+instance.Addr, string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return err
	}

	// Drain KeepAlive responses so the channel never fills up
	go func() {
		for range ch {
		}
		logx.Log.Debug().Str("target", target).Str("addr", instance.Addr).Msg("registry lease keepalive stopped")
	}()
	return nil
}

func (r *EtcdRegistry) Deregister(ctx context.Context, target string, addr string) error {
	_, err := r.client.Delete(ctx, targetPrefix(target)+addr)
	return err
}

// Watch emits the full instance list of target after every change under its
// prefix, until ctx is done.
func (r *EtcdRegistry) Watch(ctx context.Context, target string) <-chan []TargetInstance {
	ch := make(chan []TargetInstance, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, targetPrefix(target), clientv3.WithPrefix())
		for range watchChan {
			// Re-read the whole list rather than applying events
			instances, err := r.Discover(ctx, target)
			if err != nil {
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

func (r *EtcdRegistry) Discover(ctx context.Context, target string) ([]TargetInstance, error) {
	resp, err := r.client.Get(ctx, targetPrefix(target), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]TargetInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance TargetInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			continue // Skip malformed entries
		}
		instances = append(instances, instance)
	}
	return instances, nil
}
