package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"cqlcore/session/token"
)

// HostInfo is one known cluster endpoint. Pools and policies address a
// host through its Endpoint key, never through a *HostInfo pointer, so a
// Pool and the Registry never form a reference cycle (section 9).
type HostInfo struct {
	Endpoint string // "ip:port", also the Registry key
	HostID   uuid.UUID
	DC       string
	Rack     string
	Tokens   []token.Token
	Release  string

	mu               sync.Mutex
	up               bool
	nextReconnect    time.Time
	reconnectAttempt int
}

func (h *HostInfo) String() string { return fmt.Sprintf("<Host %s dc=%s rack=%s>", h.Endpoint, h.DC, h.Rack) }

// IsUp reports the host's current up/down status.
func (h *HostInfo) IsUp() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.up
}

func (h *HostInfo) setUp(up bool) {
	h.mu.Lock()
	h.up = up
	h.mu.Unlock()
}

// NextReconnect returns when a reconnection attempt to this down host
// should next be tried.
func (h *HostInfo) NextReconnect() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nextReconnect
}

func (h *HostInfo) scheduleReconnect(delay time.Duration) {
	h.mu.Lock()
	h.reconnectAttempt++
	h.nextReconnect = time.Now().Add(delay)
	h.mu.Unlock()
}

func (h *HostInfo) resetReconnect() {
	h.mu.Lock()
	h.reconnectAttempt = 0
	h.nextReconnect = time.Time{}
	h.mu.Unlock()
}

func (h *HostInfo) reconnectAttemptCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reconnectAttempt
}

// HostEvent is published by the Registry on a state transition. External
// collaborators subscribe through Registry.Events(); the thread-affine
// publisher/subscriber-with-mutable-callback-list pattern from the source
// system becomes a typed, multi-consumer channel (section 9).
type HostEvent struct {
	Kind EventKind
	Host *HostInfo
}

type EventKind int

const (
	EventHostUp EventKind = iota
	EventHostDown
	EventHostAdded
	EventHostRemoved
)

// Registry is the authoritative set of known hosts. It replaces the
// teacher's CassandraHostList: instead of a periodic liveness poll the
// up/down transitions are driven by the Control Connection's events and by
// the Session's reconnection loop, with reconnection scheduling via a
// ReconnectionPolicy. Pool connect failures do not mark a host down.
type Registry struct {
	reconnectPolicy ReconnectionPolicy

	mu    sync.RWMutex
	hosts map[string]*HostInfo

	subMu sync.Mutex
	subs  []chan HostEvent
}

// NewRegistry creates an empty Registry using the given reconnection policy
// to schedule retries for down hosts.
func NewRegistry(policy ReconnectionPolicy) *Registry {
	return &Registry{
		reconnectPolicy: policy,
		hosts:           make(map[string]*HostInfo),
	}
}

// AddOrBringUp inserts a new host (initially up) or flips an existing down
// host back to up, resetting its reconnection schedule. Returns true if a
// transition (create or down->up) occurred.
func (r *Registry) AddOrBringUp(endpoint string, fill func(*HostInfo)) bool {
	r.mu.Lock()
	h, existed := r.hosts[endpoint]
	transitioned := false
	if !existed {
		h = &HostInfo{Endpoint: endpoint}
		r.hosts[endpoint] = h
		transitioned = true
	} else if !h.IsUp() {
		transitioned = true
	}
	if fill != nil {
		fill(h)
	}
	h.setUp(true)
	h.resetReconnect()
	r.mu.Unlock()

	if transitioned {
		kind := EventHostAdded
		if existed {
			kind = EventHostUp
		}
		r.publish(HostEvent{Kind: kind, Host: h})
	}
	return transitioned
}

// SetDown marks a host down and schedules its first reconnection attempt.
func (r *Registry) SetDown(endpoint string) {
	r.mu.RLock()
	h, ok := r.hosts[endpoint]
	r.mu.RUnlock()
	if !ok || !h.IsUp() {
		return
	}
	h.setUp(false)
	h.scheduleReconnect(r.reconnectPolicy.NextDelay(h.reconnectAttemptCount()))
	r.publish(HostEvent{Kind: EventHostDown, Host: h})
}

// ReconnectFailed reschedules the next attempt for a host that is still
// down after a failed reconnection attempt.
func (r *Registry) ReconnectFailed(endpoint string) {
	r.mu.RLock()
	h, ok := r.hosts[endpoint]
	r.mu.RUnlock()
	if !ok {
		return
	}
	h.scheduleReconnect(r.reconnectPolicy.NextDelay(h.reconnectAttemptCount()))
}

// Remove permanently removes a host, e.g. on DECOMMISSIONED_NODE/REMOVED_NODE.
func (r *Registry) Remove(endpoint string) {
	r.mu.Lock()
	h, ok := r.hosts[endpoint]
	if ok {
		delete(r.hosts, endpoint)
	}
	r.mu.Unlock()
	if ok {
		r.publish(HostEvent{Kind: EventHostRemoved, Host: h})
	}
}

// TryGet returns the host at endpoint, if known.
func (r *Registry) TryGet(endpoint string) (*HostInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hosts[endpoint]
	return h, ok
}

// Snapshot returns every known host, up or down, in a stable order. This is
// a non-suspending read: it never blocks on I/O, only a brief mutex.
func (r *Registry) Snapshot() []*HostInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*HostInfo, 0, len(r.hosts))
	for _, h := range r.hosts {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

// UpHosts returns every currently up host, in a stable order.
func (r *Registry) UpHosts() []*HostInfo {
	all := r.Snapshot()
	out := make([]*HostInfo, 0, len(all))
	for _, h := range all {
		if h.IsUp() {
			out = append(out, h)
		}
	}
	return out
}

// Events returns a new channel of HostEvents; the Registry never blocks
// publishing to a full or abandoned subscriber channel.
func (r *Registry) Events() <-chan HostEvent {
	ch := make(chan HostEvent, 16)
	r.subMu.Lock()
	r.subs = append(r.subs, ch)
	r.subMu.Unlock()
	return ch
}

func (r *Registry) publish(ev HostEvent) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// DueForReconnect returns every down host whose reconnect deadline has
// elapsed, for the reconnection loop to attempt.
func (r *Registry) DueForReconnect(now time.Time) []*HostInfo {
	all := r.Snapshot()
	var due []*HostInfo
	for _, h := range all {
		if !h.IsUp() && !h.NextReconnect().After(now) {
			due = append(due, h)
		}
	}
	return due
}
