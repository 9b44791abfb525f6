package loadbalance

import (
	"fmt"
	"hash/crc32"
	"slices"
	"sort"
	"strings"
	"sync"

	"render-rpc/discovery"
)

// ConsistentHashBalancer maps a fixed key onto a hash ring of instances.
// While the instance set is stable the same key always lands on the same
// instance; when an instance disappears only the keys it owned move.
//
// Each instance is placed on the ring as many virtual nodes, hashed from
// "{addr}#{i}", so that a handful of instances still spread evenly.
type ConsistentHashBalancer struct {
	key      string
	replicas int

	mu    sync.Mutex
	ring  []uint32          // Sorted virtual node hashes
	nodes map[uint32]string // Virtual node hash → instance addr
	addrs string            // Fingerprint of the instance set the ring was built from
}

// NewConsistentHashBalancer returns a balancer pinning key, with 100 virtual nodes per instance.
func NewConsistentHashBalancer(key string) *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		key:      key,
		replicas: 100,
		nodes:    make(map[uint32]string),
	}
}

// Pick rebuilds the ring if the instance set changed, then returns the first
// virtual node clockwise from the key hash.
func (b *ConsistentHashBalancer) Pick(instances []discovery.Instance) (*discovery.Instance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	b.mu.Lock()
	b.rebuild(instances)
	addr := b.lookup(b.key)
	b.mu.Unlock()

	for i := range instances {
		if instances[i].Addr == addr {
			return &instances[i], nil
		}
	}
	return &instances[0], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

func (b *ConsistentHashBalancer) rebuild(instances []discovery.Instance) {
	addrs := make([]string, len(instances))
	for i, instance := range instances {
		addrs[i] = instance.Addr
	}
	slices.Sort(addrs)
	fingerprint := strings.Join(addrs, ",")
	if fingerprint == b.addrs {
		return
	}

	b.addrs = fingerprint
	b.ring = b.ring[:0]
	clear(b.nodes)
	for _, addr := range addrs {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", addr, i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = addr
		}
	}
	slices.Sort(b.ring)
}

func (b *ConsistentHashBalancer) lookup(key string) string {
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	// Past the last node: wrap around to the first one.
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]]
}
