package session

import (
	"sync"

	"cqlcore/session/config"
	"cqlcore/session/wire"
)

// Pool is the per-host set of Connections described in the teacher's
// pool.go design comment, generalized from "one Thrift connection per
// inbound client request" to "a sized pool of multiplexed CQL
// connections per cluster host". It maintains between CoreSize and
// MaxSize Connections and grows asynchronously under saturation. Close
// tears it down wholesale; the Session does not call Close on host Remove
// or Down, so a pool stays open until Session.Close.
type Pool struct {
	endpoint string
	version  wire.ProtocolVersion
	cfg      *config.ClusterConfig
	onEvent  EventHandler
	metrics  *sessionMetrics

	mu     sync.Mutex
	conns  []*Conn
	closed bool
	growing bool
}

// NewPool creates an empty Pool for endpoint; callers must call EnsureCore
// to open its initial connections.
func NewPool(endpoint string, version wire.ProtocolVersion, cfg *config.ClusterConfig, onEvent EventHandler, m *sessionMetrics) *Pool {
	return &Pool{endpoint: endpoint, version: version, cfg: cfg, onEvent: onEvent, metrics: m}
}

// EnsureCore opens connections up to cfg.PoolCoreConnsPerHost, skipping any
// that are already open. Returns the first dial error encountered, if any,
// but keeps whatever connections did succeed.
func (p *Pool) EnsureCore() error {
	p.reapDead()

	p.mu.Lock()
	need := p.cfg.PoolCoreConnsPerHost - len(p.conns)
	p.mu.Unlock()

	var firstErr error
	for i := 0; i < need; i++ {
		if err := p.openOne(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if p.metrics != nil {
				p.metrics.connectsFail.Inc(1)
			}
			continue
		}
		if p.metrics != nil {
			p.metrics.connectsOK.Inc(1)
		}
	}
	return firstErr
}

func (p *Pool) openOne() error {
	c, err := Dial(p.endpoint, p.version, p.cfg, p.onEvent)
	if err != nil {
		return err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		c.Close()
		return ErrPoolClosed
	}
	p.conns = append(p.conns, c)
	p.mu.Unlock()
	return nil
}

// Acquire returns the open Connection with the fewest in-flight requests.
// If every connection is saturated (in-flight at or above the per-stream
// limit) and the pool is below MaxSize, it grows asynchronously and
// returns the least-loaded connection anyway rather than blocking the
// caller.
func (p *Pool) Acquire() (*Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}

	var best *Conn
	var bestLoad int64 = -1
	saturated := true
	for _, c := range p.conns {
		if c.State() != stateReady {
			continue
		}
		load := c.InFlight()
		if best == nil || load < bestLoad {
			best = c
			bestLoad = load
		}
		if load < int64(p.version.MaxStreams()) {
			saturated = false
		}
	}
	if best == nil {
		return nil, ErrNoReadyConnection
	}

	if saturated && len(p.conns) < p.cfg.PoolMaxConnsPerHost && !p.growing {
		p.growing = true
		go p.growAsync()
	}
	if p.metrics != nil {
		p.metrics.inFlightGauge(p.endpoint).Update(bestLoad)
	}
	return best, nil
}

func (p *Pool) growAsync() {
	defer func() {
		p.mu.Lock()
		p.growing = false
		p.mu.Unlock()
	}()
	_ = p.openOne()
}

// MeanInFlight returns the mean in-flight request count across every
// connection in this pool, whatever its state. ShrinkIfIdle computes the
// same mean itself rather than calling this.
func (p *Pool) MeanInFlight() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.conns) == 0 {
		return 0
	}
	var total int64
	for _, c := range p.conns {
		total += c.InFlight()
	}
	return float64(total) / float64(len(p.conns))
}

// ShrinkIfIdle closes one connection above CoreSize if mean in-flight is
// below the low-water mark, serialized per pool (section 5).
func (p *Pool) ShrinkIfIdle(lowWaterMark float64) {
	p.reapDead()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.conns) <= p.cfg.PoolCoreConnsPerHost {
		return
	}
	var total int64
	for _, c := range p.conns {
		total += c.InFlight()
	}
	mean := float64(total) / float64(len(p.conns))
	if mean >= lowWaterMark {
		return
	}
	victim := p.conns[len(p.conns)-1]
	p.conns = p.conns[:len(p.conns)-1]
	victim.Close()
}

// Heartbeat runs the idle-connection probe on every connection in the
// pool; called periodically by the Session. It reaps any connection that
// has already died before probing, and tops back up to CoreSize afterward,
// so a dead connection never lingers as a pool member Acquire must skip
// over forever and EnsureCore doesn't under-provision against a stale count.
func (p *Pool) Heartbeat() {
	p.reapDead()

	p.mu.Lock()
	conns := make([]*Conn, len(p.conns))
	copy(conns, p.conns)
	p.mu.Unlock()
	for _, c := range conns {
		c.Heartbeat()
	}

	_ = p.EnsureCore()
}

// Close tears the pool down, closing every connection and aggregating any
// close errors via go-multierror.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()

	errs := make([]error, 0, len(conns))
	for _, c := range conns {
		errs = append(errs, c.Close())
	}
	return aggregateClose(errs)
}

// reapDead removes any connection that has transitioned to closed,
// called periodically so a dead connection doesn't linger as a pool member
// that Acquire must skip over forever.
func (p *Pool) reapDead() {
	p.mu.Lock()
	defer p.mu.Unlock()
	live := p.conns[:0]
	for _, c := range p.conns {
		if c.State() != stateClosed {
			live = append(live, c)
		}
	}
	p.conns = live
}
