package session

import (
	"math/rand"
	"sync"

	"cqlcore/session/token"
)

// Plan is a lazy, finite sequence of distinct up hosts produced by a
// HostSelectionPolicy for one request. The Executor stops consuming a Plan
// as soon as a request succeeds, so Next must do no work beyond producing
// its one next candidate (section 4.6, query plan laziness).
type Plan interface {
	Next() (*HostInfo, bool)
}

// HostSelectionPolicy yields a Plan for a request, optionally aware of a
// routing key and keyspace for token-aware routing.
type HostSelectionPolicy interface {
	NewPlan(keyspace string, routingKey []byte) Plan
}

// slicePlan walks a precomputed, already-ordered slice of hosts.
type slicePlan struct {
	hosts []*HostInfo
	idx   int
}

func (p *slicePlan) Next() (*HostInfo, bool) {
	if p.idx >= len(p.hosts) {
		return nil, false
	}
	h := p.hosts[p.idx]
	p.idx++
	return h, true
}

// RoundRobinPolicy rotates the starting point among all up hosts on each
// call to NewPlan so load spreads evenly across requests.
type RoundRobinPolicy struct {
	registry *Registry

	mu   sync.Mutex
	next int
}

func NewRoundRobinPolicy(registry *Registry) *RoundRobinPolicy {
	return &RoundRobinPolicy{registry: registry}
}

func (p *RoundRobinPolicy) NewPlan(_ string, _ []byte) Plan {
	hosts := p.registry.UpHosts()
	if len(hosts) == 0 {
		return &slicePlan{}
	}
	p.mu.Lock()
	start := p.next % len(hosts)
	p.next++
	p.mu.Unlock()

	rotated := make([]*HostInfo, len(hosts))
	for i := range hosts {
		rotated[i] = hosts[(start+i)%len(hosts)]
	}
	return &slicePlan{hosts: rotated}
}

// DCAwareRoundRobinPolicy prefers hosts in LocalDC, rotated, then appends
// up to UsedHostsPerRemoteDC hosts from each other datacenter in the order
// those DCs are encountered. Remote hosts beyond that budget are skipped.
type DCAwareRoundRobinPolicy struct {
	LocalDC               string
	UsedHostsPerRemoteDC  int

	registry *Registry

	mu   sync.Mutex
	next int
}

func NewDCAwareRoundRobinPolicy(registry *Registry, localDC string, usedHostsPerRemoteDC int) *DCAwareRoundRobinPolicy {
	return &DCAwareRoundRobinPolicy{registry: registry, LocalDC: localDC, UsedHostsPerRemoteDC: usedHostsPerRemoteDC}
}

func (p *DCAwareRoundRobinPolicy) NewPlan(_ string, _ []byte) Plan {
	all := p.registry.UpHosts()
	var local []*HostInfo
	remoteByDC := make(map[string][]*HostInfo)
	var remoteDCOrder []string
	for _, h := range all {
		if h.DC == p.LocalDC {
			local = append(local, h)
			continue
		}
		if _, seen := remoteByDC[h.DC]; !seen {
			remoteDCOrder = append(remoteDCOrder, h.DC)
		}
		remoteByDC[h.DC] = append(remoteByDC[h.DC], h)
	}

	p.mu.Lock()
	start := 0
	if len(local) > 0 {
		start = p.next % len(local)
	}
	p.next++
	p.mu.Unlock()

	rotatedLocal := make([]*HostInfo, len(local))
	for i := range local {
		rotatedLocal[i] = local[(start+i)%len(local)]
	}

	out := rotatedLocal
	for _, dc := range remoteDCOrder {
		hosts := remoteByDC[dc]
		n := p.UsedHostsPerRemoteDC
		if n > len(hosts) {
			n = len(hosts)
		}
		out = append(out, hosts[:n]...)
	}
	return &slicePlan{hosts: out}
}

// TokenAwarePolicy prepends the token map's replica list (shuffled among
// itself to spread reads across replicas) for requests carrying a routing
// key and keyspace, then appends the child policy's plan minus duplicates.
type TokenAwarePolicy struct {
	Child       HostSelectionPolicy
	TokenMapFn  func() *token.Map // returns the current immutable snapshot
	Partitioner token.Partitioner
	registry    *Registry
}

func NewTokenAwarePolicy(registry *Registry, child HostSelectionPolicy, tokenMapFn func() *token.Map) *TokenAwarePolicy {
	return &TokenAwarePolicy{Child: child, TokenMapFn: tokenMapFn, registry: registry}
}

func (p *TokenAwarePolicy) NewPlan(keyspace string, routingKey []byte) Plan {
	childPlan := p.Child.NewPlan(keyspace, routingKey)
	if keyspace == "" || routingKey == nil || p.TokenMapFn == nil {
		return childPlan
	}
	tm := p.TokenMapFn()
	if tm == nil {
		return childPlan
	}
	replicaRefs := tm.Replicas(keyspace, tm.Hash(routingKey))
	if len(replicaRefs) == 0 {
		return childPlan
	}

	replicas := make([]*HostInfo, 0, len(replicaRefs))
	replicaSet := make(map[string]bool, len(replicaRefs))
	for _, ref := range replicaRefs {
		h, ok := p.registry.TryGet(string(ref))
		if !ok || !h.IsUp() {
			continue
		}
		replicas = append(replicas, h)
		replicaSet[h.Endpoint] = true
	}
	rand.Shuffle(len(replicas), func(i, j int) { replicas[i], replicas[j] = replicas[j], replicas[i] })

	var rest []*HostInfo
	for {
		h, ok := childPlan.Next()
		if !ok {
			break
		}
		if !replicaSet[h.Endpoint] {
			rest = append(rest, h)
		}
	}
	return &slicePlan{hosts: append(replicas, rest...)}
}
