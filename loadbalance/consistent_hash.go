package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"

	"comms-ccf/registry"
)

// ConsistentHashBalancer maps a fixed key (a user name, a CI job id) to the
// same instance for as long as that instance stays registered. When the
// instance list changes only the keys of the added or removed instance move.
//
// Each instance appears on the ring as several virtual nodes so that a few
// instances still split the ring evenly.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	key      string
	replicas int // Virtual nodes per instance
}

func NewConsistentHashBalancer(key string) *ConsistentHashBalancer {
	return &ConsistentHashBalancer{key: key, replicas: 100}
}

// Pick builds the ring for instances and returns the owner of the key. The
// ring is rebuilt per call since discovery returns a fresh list each time.
func (b *ConsistentHashBalancer) Pick(instances []registry.TargetInstance) (*registry.TargetInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	ring := make([]uint32, 0, len(instances)*b.replicas)
	nodes := make(map[uint32]int, len(instances)*b.replicas)
	for i, inst := range instances {
		for r := 0; r < b.replicas; r++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", inst.Addr, r)))
			ring = append(ring, hash)
			nodes[hash] = i
		}
	}
	sort.Slice(ring, func(i, j int) bool { return ring[i] < ring[j] })

	hash := crc32.ChecksumIEEE([]byte(b.key))
	// first node at or after the key's hash, wrapping past the end
	idx := sort.Search(len(ring), func(i int) bool { return ring[i] >= hash })
	if idx == len(ring) {
		idx = 0
	}
	return &instances[nodes[ring[idx]]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
