// Package loadbalance picks one rendering service instance among those
// returned by discovery.
//
// Three strategies are implemented:
//   - RoundRobin:      spread successive connections evenly
//   - WeightedRandom:  favor instances announced with a larger weight
//   - ConsistentHash:  pin a client (by key) to the same instance, so a
//     session keeps finding the scene it loaded earlier
package loadbalance

import (
	"render-rpc/discovery"

	"github.com/pkg/errors"
)

// ErrNoInstances is returned when there is nothing to pick from.
var ErrNoInstances = errors.New("no instances available")

// Balancer selects a target instance. Pick must be goroutine-safe.
type Balancer interface {
	Pick(instances []discovery.Instance) (*discovery.Instance, error)

	// Name returns the strategy name (for logging).
	Name() string
}

// ByName returns the balancer registered under name. The key is only used by
// the consistent hash strategy.
func ByName(name, key string) (Balancer, error) {
	switch name {
	case "", "roundrobin":
		return &RoundRobinBalancer{}, nil
	case "random":
		return &WeightedRandomBalancer{}, nil
	case "hash":
		return NewConsistentHashBalancer(key), nil
	default:
		return nil, errors.Errorf("unknown balancer %q", name)
	}
}
