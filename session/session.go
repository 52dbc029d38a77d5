package session

import (
	"fmt"
	"sync"
	"time"

	"cqlcore/session/config"
	"cqlcore/session/token"
	"cqlcore/session/wire"
)

// Session is the public entry point: it owns the Host Registry, the
// current Token Map, one Pool per up host, the Control Connection, and the
// prepared-statement cache, and wires together the pluggable policy
// capability sets section 9 describes. Grounded on the teacher's
// CassBouncer/server.go top-level wiring (Listen, PoolManager,
// CassandraHostList), generalized from one Thrift-proxy process to one CQL
// Session per cluster.
type Session struct {
	cfg     *config.ClusterConfig
	version wire.ProtocolVersion

	registry        *Registry
	control         *ControlConnection
	policy          HostSelectionPolicy
	retryPolicy     RetryPolicy
	reconnectPolicy ReconnectionPolicy
	specPolicy      SpeculativeExecutionPolicy
	translator      AddressTranslator
	metrics         *sessionMetrics

	poolsMu sync.RWMutex
	pools   map[string]*Pool

	preparedMu sync.Mutex
	prepared   map[string][]byte // keyspace\x00query -> prepared id

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// Open creates a Session, bootstraps the Control Connection against cfg's
// initial hosts, and starts the background heartbeat/reconnection/pool
// maintenance loops. Mirrors the teacher's main.go startup sequence
// (parse settings, build host list, start listener) adapted to a library
// entry point rather than a standalone process.
func Open(cfg *config.ClusterConfig) (*Session, error) {
	if len(cfg.Hosts) == 0 {
		return nil, fmt.Errorf("cqlcore: ClusterConfig.Hosts must name at least one contact point")
	}

	version := wire.ProtocolVersion(cfg.ProtocolVersion)
	if version == 0 {
		version = wire.ProtoV4
	}

	s := &Session{
		cfg:             cfg,
		version:         version,
		registry:        NewRegistry(reconnectionPolicyFor(cfg)),
		reconnectPolicy: reconnectionPolicyFor(cfg),
		retryPolicy:     DefaultRetryPolicy{},
		specPolicy:      NoSpeculativeExecution{},
		translator:      IdentityAddressTranslator{},
		metrics:         newSessionMetrics(cfg),
		pools:           make(map[string]*Pool),
		prepared:        make(map[string][]byte),
		closed:          make(chan struct{}),
	}
	s.policy = policyFor(cfg, s.registry, func() *token.Map {
		if s.control == nil {
			return nil
		}
		return s.control.CurrentTokenMap()
	})

	s.control = NewControlConnection(cfg, s.registry, version, func(*token.Map) {})
	if err := s.control.Start(translateAll(s.translator, cfg.Hosts)); err != nil {
		return nil, err
	}

	for _, h := range s.registry.UpHosts() {
		pool, err := s.poolFor(h.Endpoint)
		if err != nil {
			continue
		}
		_ = pool.EnsureCore()
	}

	s.wg.Add(4)
	go s.heartbeatLoop()
	go s.reconnectLoop()
	go s.shrinkLoop()
	go s.controlLoop()

	return s, nil
}

func translateAll(t AddressTranslator, endpoints []string) []string {
	out := make([]string, len(endpoints))
	for i, e := range endpoints {
		out[i] = t.Translate(e)
	}
	return out
}

func reconnectionPolicyFor(cfg *config.ClusterConfig) ReconnectionPolicy {
	return ExponentialReconnectionPolicy{Base: time.Second, Max: time.Minute}
}

// policyFor builds the load-balancing policy chain section 4.6 describes:
// RoundRobin or DCAwareRoundRobin as the base, optionally wrapped in
// TokenAware.
func policyFor(cfg *config.ClusterConfig, registry *Registry, tokenMapFn func() *token.Map) HostSelectionPolicy {
	var base HostSelectionPolicy
	if cfg.LocalDC != "" {
		base = NewDCAwareRoundRobinPolicy(registry, cfg.LocalDC, cfg.UsedHostsPerRemoteDC)
	} else {
		base = NewRoundRobinPolicy(registry)
	}
	if cfg.TokenAware {
		return NewTokenAwarePolicy(registry, base, tokenMapFn)
	}
	return base
}

// poolFor returns the Pool for endpoint, creating and core-filling it on
// first use. Pools are addressed by endpoint, never by *HostInfo, per
// section 9's reference-cycle note.
func (s *Session) poolFor(endpoint string) (*Pool, error) {
	s.poolsMu.RLock()
	p, ok := s.pools[endpoint]
	s.poolsMu.RUnlock()
	if ok {
		return p, nil
	}

	s.poolsMu.Lock()
	p, ok = s.pools[endpoint]
	if !ok {
		p = NewPool(endpoint, s.version, s.cfg, s.onConnEvent, s.metrics)
		s.pools[endpoint] = p
	}
	s.poolsMu.Unlock()

	if err := p.EnsureCore(); err != nil {
		return p, err
	}
	return p, nil
}

// onConnEvent is wired as every non-control Connection's EventHandler.
// Ordinary pooled connections never REGISTER for push events, so in
// practice this never fires; it exists so Conn's handshake path is uniform
// whether or not the connection ends up promoted to a control connection.
func (s *Session) onConnEvent(wire.Header, []byte) {}

func (s *Session) removePool(endpoint string) {
	s.poolsMu.Lock()
	p, ok := s.pools[endpoint]
	delete(s.pools, endpoint)
	s.poolsMu.Unlock()
	if ok {
		p.Close()
	}
}

func (s *Session) getPreparedID(keyspace, query string) ([]byte, bool) {
	s.preparedMu.Lock()
	defer s.preparedMu.Unlock()
	id, ok := s.prepared[keyspace+"\x00"+query]
	return id, ok
}

func (s *Session) cachePreparedID(keyspace, query string, id []byte) {
	s.preparedMu.Lock()
	s.prepared[keyspace+"\x00"+query] = id
	s.preparedMu.Unlock()
}

// invalidatePreparedID drops a cached prepared id after the server reports
// it UNPREPARED, forcing the next attempt to re-PREPARE before resending.
func (s *Session) invalidatePreparedID(keyspace, query string) {
	s.preparedMu.Lock()
	delete(s.prepared, keyspace+"\x00"+query)
	s.preparedMu.Unlock()
}

// heartbeatLoop probes idle connections in every pool at a fixed fraction
// of IdleTimeout, closing any connection that fails twice in a row (Conn
// enforces the two-miss rule itself; this just calls in periodically).
func (s *Session) heartbeatLoop() {
	defer s.wg.Done()
	interval := s.cfg.IdleTimeout / 3
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.poolsMu.RLock()
			pools := make([]*Pool, 0, len(s.pools))
			for _, p := range s.pools {
				pools = append(pools, p)
			}
			s.poolsMu.RUnlock()
			for _, p := range pools {
				p.Heartbeat()
			}
		case <-s.closed:
			return
		}
	}
}

// reconnectLoop retries down hosts whose ReconnectionPolicy deadline has
// elapsed, bringing their pool back once a connection succeeds.
func (s *Session) reconnectLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, h := range s.registry.DueForReconnect(time.Now()) {
				endpoint := h.Endpoint
				pool, err := s.poolFor(endpoint)
				if err != nil {
					s.registry.ReconnectFailed(endpoint)
					continue
				}
				if err := pool.EnsureCore(); err != nil {
					s.registry.ReconnectFailed(endpoint)
					continue
				}
				s.registry.AddOrBringUp(endpoint, nil)
			}
		case <-s.closed:
			return
		}
	}
}

// shrinkLoop periodically closes idle connections above each pool's core
// size, serialized per pool by Pool.ShrinkIfIdle itself.
func (s *Session) shrinkLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	const lowWaterMark = 2.0
	for {
		select {
		case <-ticker.C:
			s.poolsMu.RLock()
			pools := make([]*Pool, 0, len(s.pools))
			for _, p := range s.pools {
				pools = append(pools, p)
			}
			s.poolsMu.RUnlock()
			for _, p := range pools {
				p.ShrinkIfIdle(lowWaterMark)
			}
		case <-s.closed:
			return
		}
	}
}

// controlLoop watches the Control Connection and fails it over to the first
// reachable up host (in endpoint order, falling back to the original seeds
// when no host is up) when it goes
// unhealthy, backing off between attempts via the Reconnection Policy
// (section 4.5, "Failover"). The last good metadata snapshot stays visible
// for the whole gap, since rebuildTokenMap is only ever called on success.
func (s *Session) controlLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	attempt := 0
	var nextTry time.Time
	for {
		select {
		case <-ticker.C:
			if s.control.Healthy() {
				attempt = 0
				nextTry = time.Time{}
				continue
			}
			now := time.Now()
			if !nextTry.IsZero() && now.Before(nextTry) {
				continue
			}
			candidates := endpointsOf(s.registry.UpHosts())
			if len(candidates) == 0 {
				candidates = translateAll(s.translator, s.cfg.Hosts)
			}
			if err := s.control.Reconnect(candidates); err != nil {
				attempt++
				nextTry = now.Add(s.reconnectPolicy.NextDelay(attempt))
				continue
			}
			attempt = 0
			nextTry = time.Time{}
		case <-s.closed:
			return
		}
	}
}

func endpointsOf(hosts []*HostInfo) []string {
	out := make([]string, len(hosts))
	for i, h := range hosts {
		out[i] = h.Endpoint
	}
	return out
}

// Events exposes the Host Registry's up/down/added/removed event stream to
// external collaborators (section 9's typed-event-channel design note).
func (s *Session) Events() <-chan HostEvent { return s.registry.Events() }

// SchemaChanges exposes the Control Connection's debounced schema-change
// notifications.
func (s *Session) SchemaChanges() <-chan SchemaChangeEvent { return s.control.Subscribe() }

// Close tears down every pool and the control connection, stopping the
// background maintenance loops.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.control.Close()

		s.poolsMu.Lock()
		pools := s.pools
		s.pools = nil
		s.poolsMu.Unlock()

		errs := make([]error, 0, len(pools))
		for _, p := range pools {
			errs = append(errs, p.Close())
		}
		err = aggregateClose(errs)
		s.wg.Wait()
	})
	return err
}
