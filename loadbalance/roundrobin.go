package loadbalance

import (
	"sync/atomic"

	"meshrpc/registry"
)

// RoundRobin distributes sends evenly across all instances in order, using
// an atomic counter for lock-free operation.
type RoundRobin struct {
	counter atomic.Int64
}

// Pick selects the next instance in rotation.
func (b *RoundRobin) Pick(instances []registry.Instance) (*registry.Instance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	index := b.counter.Add(1) % int64(len(instances))
	return &instances[index], nil
}

func (b *RoundRobin) Name() string {
	return "RoundRobin"
}
