// Package loadbalance provides strategies for picking one destination among
// the instances a service has published to the directory.
//
// Three strategies are implemented:
//   - RoundRobin:      stateless services, equal-capacity instances
//   - WeightedRandom:  heterogeneous instances
//   - ConsistentHash:  command affinity — the same key keeps hitting the
//     same destination while the instance set is stable
package loadbalance

import (
	"errors"

	"meshrpc/registry"
)

// ErrNoInstances is returned when a service has nothing published.
var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer picks one instance from the available list. Called before every
// command send — implementations must be goroutine-safe.
type Balancer interface {
	Pick(instances []registry.Instance) (*registry.Instance, error)

	// Name returns the strategy name, for logging.
	Name() string
}
