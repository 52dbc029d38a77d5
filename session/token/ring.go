package token

import (
	"sort"
	"sync"
)

// HostRef identifies a host by its registry endpoint key. The ring never
// holds a host object directly, only this key, so token maps and host
// objects cannot form a reference cycle.
type HostRef string

// HostTopology is the minimal per-host information the replication
// strategies need: its datacenter and rack.
type HostTopology struct {
	DC   string
	Rack string
}

// ReplicationStrategy computes, for a fixed ring and topology, the ordered
// replica list owning each token.
type ReplicationStrategy interface {
	Replicas(ring *Ring, topology map[HostRef]HostTopology, start int) []HostRef
}

// SimpleStrategy walks the ring clockwise from the owning position and
// takes the next RF distinct hosts, ignoring topology.
type SimpleStrategy struct {
	ReplicationFactor int
}

func (s SimpleStrategy) Replicas(ring *Ring, _ map[HostRef]HostTopology, start int) []HostRef {
	if ring.Len() == 0 {
		return nil
	}
	seen := make(map[HostRef]bool, s.ReplicationFactor)
	out := make([]HostRef, 0, s.ReplicationFactor)
	n := ring.Len()
	for i := 0; i < n && len(out) < s.ReplicationFactor; i++ {
		h := ring.entries[(start+i)%n].Host
		if seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	return out
}

// NetworkTopologyStrategy walks the ring clockwise per datacenter, taking
// hosts from that DC until its RF is satisfied, skipping hosts whose rack
// has already been used in that DC while the DC still has unused racks.
// DCs are concatenated in the order their first replica is encountered
// walking the ring.
type NetworkTopologyStrategy struct {
	ReplicationFactors map[string]int // dc -> RF
}

func (s NetworkTopologyStrategy) Replicas(ring *Ring, topology map[HostRef]HostTopology, start int) []HostRef {
	n := ring.Len()
	if n == 0 {
		return nil
	}

	dcOrder := make([]string, 0, len(s.ReplicationFactors))
	dcDone := make(map[string]bool, len(s.ReplicationFactors))
	dcCount := make(map[string]int, len(s.ReplicationFactors))
	dcRacksUsed := make(map[string]map[string]bool, len(s.ReplicationFactors))
	dcSkippedSameRack := make(map[string][]HostRef, len(s.ReplicationFactors))

	seen := make(map[HostRef]bool)
	var out []HostRef

	allDone := func() bool {
		for dc, rf := range s.ReplicationFactors {
			if dcCount[dc] < rf && dcCount[dc] < ring.dcSize[dc] {
				return false
			}
		}
		return true
	}

	for i := 0; i < n && !allDone(); i++ {
		h := ring.entries[(start+i)%n].Host
		if seen[h] {
			continue
		}
		topo, ok := topology[h]
		if !ok {
			continue
		}
		rf, wanted := s.ReplicationFactors[topo.DC]
		if !wanted || dcDone[topo.DC] {
			continue
		}
		if dcCount[topo.DC] >= rf {
			dcDone[topo.DC] = true
			continue
		}

		if dcRacksUsed[topo.DC] == nil {
			dcRacksUsed[topo.DC] = make(map[string]bool)
		}
		racksUsed := dcRacksUsed[topo.DC]

		if racksUsed[topo.Rack] && len(racksUsed) < ring.racksInDC[topo.DC] {
			// a host from an unused rack may still be encountered later in
			// this pass; remember this one in case we run out of choices.
			dcSkippedSameRack[topo.DC] = append(dcSkippedSameRack[topo.DC], h)
			continue
		}

		seen[h] = true
		racksUsed[topo.Rack] = true
		if len(dcOrder) == 0 || dcOrder[len(dcOrder)-1] != topo.DC {
			alreadyListed := false
			for _, dc := range dcOrder {
				if dc == topo.DC {
					alreadyListed = true
					break
				}
			}
			if !alreadyListed {
				dcOrder = append(dcOrder, topo.DC)
			}
		}
		out = append(out, h)
		dcCount[topo.DC]++
	}

	// fall back to same-rack skips for any DC that is still short, in the
	// order they were skipped (ring order).
	for dc, rf := range s.ReplicationFactors {
		for _, h := range dcSkippedSameRack[dc] {
			if dcCount[dc] >= rf || seen[h] {
				continue
			}
			seen[h] = true
			out = append(out, h)
			dcCount[dc]++
		}
	}

	return orderByDC(out, topology, dcOrder)
}

// orderByDC stabilizes the final concatenation so replicas group by the DC
// order in which they were first encountered, preserving ring order within
// each DC (ties break by ring order per spec).
func orderByDC(hosts []HostRef, topology map[HostRef]HostTopology, dcOrder []string) []HostRef {
	rank := make(map[string]int, len(dcOrder))
	for i, dc := range dcOrder {
		rank[dc] = i
	}
	sorted := make([]HostRef, len(hosts))
	copy(sorted, hosts)
	sort.SliceStable(sorted, func(i, j int) bool {
		return rank[topology[sorted[i]].DC] < rank[topology[sorted[j]].DC]
	})
	return sorted
}

// ringEntry is one (token, host) pair on the sorted ring.
type ringEntry struct {
	Token Token
	Host  HostRef
}

// Ring is the sorted (token, host) ring shared by every keyspace's replica
// computation for a given snapshot.
type Ring struct {
	entries   []ringEntry
	dcSize    map[string]int
	racksInDC map[string]int
}

// NewRing builds a sorted ring from a host -> token-set map and the
// per-host topology needed by NetworkTopologyStrategy's rack accounting.
func NewRing(tokensByHost map[HostRef][]Token, topology map[HostRef]HostTopology) *Ring {
	dcSize := make(map[string]int)
	racksByDC := make(map[string]map[string]bool)
	var entries []ringEntry
	for host, tokens := range tokensByHost {
		topo := topology[host]
		if racksByDC[topo.DC] == nil {
			racksByDC[topo.DC] = make(map[string]bool)
		}
		if !racksByDC[topo.DC][topo.Rack] {
			racksByDC[topo.DC][topo.Rack] = true
		}
		dcSize[topo.DC]++
		for _, tok := range tokens {
			entries = append(entries, ringEntry{Token: tok, Host: host})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Token < entries[j].Token })

	racksInDC := make(map[string]int, len(racksByDC))
	for dc, racks := range racksByDC {
		racksInDC[dc] = len(racks)
	}
	return &Ring{entries: entries, dcSize: dcSize, racksInDC: racksInDC}
}

func (r *Ring) Len() int { return len(r.entries) }

// OwnerIndex returns the index of the first ring entry at or after tok,
// wrapping to 0 if tok is greater than every token on the ring.
func (r *Ring) OwnerIndex(tok Token) int {
	idx := sort.Search(len(r.entries), func(i int) bool { return r.entries[i].Token >= tok })
	if idx == len(r.entries) {
		return 0
	}
	return idx
}

// Map is the immutable per-keyspace replica-function snapshot described in
// section 4.4. A new Map is built and atomically swapped in whenever the
// ring or a keyspace's replication settings change; readers never see a
// partially updated snapshot.
type Map struct {
	partitioner Partitioner
	ring        *Ring
	topology    map[HostRef]HostTopology
	strategies  map[string]ReplicationStrategy // keyspace -> strategy

	cacheMu sync.Mutex
	cache   map[string]map[Token][]HostRef
}

// NewMap builds an immutable token map snapshot. Replica lists are computed
// lazily per (keyspace, token) pair and cached for the lifetime of this
// snapshot; rebuilding on topology/schema change means constructing a new
// Map, never mutating one in place.
func NewMap(p Partitioner, ring *Ring, topology map[HostRef]HostTopology, strategies map[string]ReplicationStrategy) *Map {
	return &Map{
		partitioner: p,
		ring:        ring,
		topology:    topology,
		strategies:  strategies,
		cache:       make(map[string]map[Token][]HostRef),
	}
}

// Hash applies this map's partitioner to a partition key.
func (m *Map) Hash(partitionKey []byte) Token { return m.partitioner.Hash(partitionKey) }

// StrategiesSnapshot returns the keyspace->strategy table this Map was
// built with, so a caller rebuilding the ring after a topology change can
// carry forward replication settings a schema refresh hasn't touched yet.
func (m *Map) StrategiesSnapshot() map[string]ReplicationStrategy {
	out := make(map[string]ReplicationStrategy, len(m.strategies))
	for k, v := range m.strategies {
		out[k] = v
	}
	return out
}

// Replicas returns the ordered replica list for a token under a keyspace's
// replication strategy, or nil if the keyspace is unknown. The function is
// pure for fixed inputs: the same (keyspace, token) always yields the same
// list from this snapshot.
func (m *Map) Replicas(keyspace string, tok Token) []HostRef {
	strategy, ok := m.strategies[keyspace]
	if !ok || m.ring.Len() == 0 {
		return nil
	}

	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	byToken, ok := m.cache[keyspace]
	if !ok {
		byToken = make(map[Token][]HostRef)
		m.cache[keyspace] = byToken
	}
	if cached, ok := byToken[tok]; ok {
		return cached
	}
	start := m.ring.OwnerIndex(tok)
	replicas := strategy.Replicas(m.ring, m.topology, start)
	byToken[tok] = replicas
	return replicas
}
