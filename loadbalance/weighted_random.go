package loadbalance

import (
	"math/rand/v2"

	"comms-ccf/registry"
)

// WeightedRandomBalancer picks instances with probability proportional to
// their weight. Instances with weight 0 or less count as weight 1.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(instances []registry.TargetInstance) (*registry.TargetInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	// 计算总权重
	totalWeight := 0
	for _, v := range instances {
		totalWeight += weight(v)
	}

	// 生成一个随机数，范围是0到总权重
	r := rand.IntN(totalWeight)
	for i := range instances {
		r -= weight(instances[i])
		if r < 0 {
			return &instances[i], nil
		}
	}
	return &instances[len(instances)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}

func weight(inst registry.TargetInstance) int {
	if inst.Weight <= 0 {
		return 1
	}
	return inst.Weight
}
