package loadbalance

import (
	"sync/atomic"

	"comms-ccf/registry"
)

// RoundRobinBalancer hands out instances in order, lock-free.
type RoundRobinBalancer struct {
	counter atomic.Uint64 // Incremented on each Pick
}

func (b *RoundRobinBalancer) Pick(instances []registry.TargetInstance) (*registry.TargetInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	index := (b.counter.Add(1) - 1) % uint64(len(instances))
	return &instances[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
