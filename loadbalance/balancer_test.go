package loadbalance

import (
	"fmt"
	"testing"

	"render-rpc/discovery"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testInstances = []discovery.Instance{
	{Addr: "render-1:5000", Weight: 10},
	{Addr: "render-2:5000", Weight: 5},
	{Addr: "render-3:5000", Weight: 10},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	var results []string
	for i := 0; i < 3; i++ {
		inst, err := b.Pick(testInstances)
		require.NoError(t, err)
		results = append(results, inst.Addr)
	}
	assert.Equal(t, []string{"render-1:5000", "render-2:5000", "render-3:5000"}, results)

	inst, _ := b.Pick(testInstances)
	assert.Equal(t, results[0], inst.Addr, "should wrap around")
}

func TestEmptyInstances(t *testing.T) {
	for _, b := range []Balancer{&RoundRobinBalancer{}, &WeightedRandomBalancer{}, NewConsistentHashBalancer("k")} {
		_, err := b.Pick(nil)
		assert.True(t, errors.Is(err, ErrNoInstances), b.Name())
	}
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := map[string]int{}
	for i := 0; i < 10000; i++ {
		inst, err := b.Pick(testInstances)
		require.NoError(t, err)
		counts[inst.Addr]++
	}

	// Weights are 10:5:10, so render-1 should be picked about twice as often as render-2.
	ratio := float64(counts["render-1:5000"]) / float64(counts["render-2:5000"])
	assert.InDelta(t, 2.0, ratio, 0.5)
}

func TestWeightedRandomZeroWeights(t *testing.T) {
	b := &WeightedRandomBalancer{}
	inst, err := b.Pick([]discovery.Instance{{Addr: "a"}, {Addr: "b"}})
	require.NoError(t, err)
	assert.Contains(t, []string{"a", "b"}, inst.Addr)
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer("session-123")
	inst1, err := b.Pick(testInstances)
	require.NoError(t, err)
	inst2, err := b.Pick(testInstances)
	require.NoError(t, err)
	assert.Equal(t, inst1.Addr, inst2.Addr)

	// Order of discovery results does not matter.
	reversed := []discovery.Instance{testInstances[2], testInstances[1], testInstances[0]}
	inst3, err := b.Pick(reversed)
	require.NoError(t, err)
	assert.Equal(t, inst1.Addr, inst3.Addr)

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		inst, _ := NewConsistentHashBalancer(fmt.Sprintf("key-%d", i)).Pick(testInstances)
		seen[inst.Addr] = true
	}
	assert.GreaterOrEqual(t, len(seen), 2)
}

func TestByName(t *testing.T) {
	for name, want := range map[string]string{"": "RoundRobin", "random": "WeightedRandom", "hash": "ConsistentHash"} {
		b, err := ByName(name, "k")
		require.NoError(t, err)
		assert.Equal(t, want, b.Name())
	}
	_, err := ByName("fastest", "")
	assert.Error(t, err)
}
