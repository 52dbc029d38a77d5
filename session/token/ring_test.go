package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildRing(t *testing.T, tokens map[HostRef][]Token, topo map[HostRef]HostTopology) *Ring {
	t.Helper()
	return NewRing(tokens, topo)
}

func TestSimpleStrategyReplicaCorrectness(t *testing.T) {
	tokens := map[HostRef][]Token{
		"A": {10},
		"B": {20},
		"C": {30},
	}
	ring := buildRing(t, tokens, nil)
	m := NewMap(Murmur3Partitioner{}, ring, nil, map[string]ReplicationStrategy{
		"ks": SimpleStrategy{ReplicationFactor: 2},
	})

	got := m.Replicas("ks", 15)
	require.Len(t, got, 2)
	assert.Equal(t, []HostRef{"B", "C"}, got)
}

func TestNetworkTopologyStrategyReplicaCorrectness(t *testing.T) {
	tokens := map[HostRef][]Token{
		"A": {10},
		"B": {20},
		"C": {30},
		"D": {40},
	}
	topo := map[HostRef]HostTopology{
		"A": {DC: "dc1", Rack: "r1"},
		"B": {DC: "dc2", Rack: "r1"},
		"C": {DC: "dc1", Rack: "r1"},
		"D": {DC: "dc2", Rack: "r1"},
	}
	ring := buildRing(t, tokens, topo)
	m := NewMap(Murmur3Partitioner{}, ring, topo, map[string]ReplicationStrategy{
		"ks": NetworkTopologyStrategy{ReplicationFactors: map[string]int{"dc1": 1, "dc2": 1}},
	})

	got := m.Replicas("ks", 0)
	assert.Equal(t, []HostRef{"A", "B"}, got)
}

func TestTokenMapUnknownKeyspaceReturnsEmpty(t *testing.T) {
	ring := buildRing(t, map[HostRef][]Token{"A": {10}}, nil)
	m := NewMap(Murmur3Partitioner{}, ring, nil, map[string]ReplicationStrategy{})
	assert.Nil(t, m.Replicas("nope", 5))
}

func TestTokenMapDeterministicAcrossRebuilds(t *testing.T) {
	tokens := map[HostRef][]Token{"A": {10}, "B": {20}, "C": {30}}
	strategies := map[string]ReplicationStrategy{"ks": SimpleStrategy{ReplicationFactor: 2}}

	ring1 := buildRing(t, tokens, nil)
	m1 := NewMap(Murmur3Partitioner{}, ring1, nil, strategies)

	ring2 := buildRing(t, tokens, nil)
	m2 := NewMap(Murmur3Partitioner{}, ring2, nil, strategies)

	assert.Equal(t, m1.Replicas("ks", 15), m2.Replicas("ks", 15))
}
