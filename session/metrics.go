package session

import (
	"github.com/rcrowley/go-metrics"

	"cqlcore/session/config"
)

// sessionMetrics groups the counters and timers a Session publishes into
// its ClusterConfig's registry, mirroring the teacher's single Timer
// helper but with the additional gauges/counters a connection pool needs.
type sessionMetrics struct {
	cfg *config.ClusterConfig

	connectsOK   metrics.Counter
	connectsFail metrics.Counter
	retries      metrics.Counter
	speculative  metrics.Counter
	requestTimer metrics.Timer
}

func newSessionMetrics(cfg *config.ClusterConfig) *sessionMetrics {
	return &sessionMetrics{
		cfg:          cfg,
		connectsOK:   cfg.Counter("cqlcore.connects.ok"),
		connectsFail: cfg.Counter("cqlcore.connects.fail"),
		retries:      cfg.Counter("cqlcore.retries"),
		speculative:  cfg.Counter("cqlcore.speculative.launches"),
		requestTimer: cfg.Timer("cqlcore.request"),
	}
}

// inFlightGauge returns a per-host gauge tracking a pool's outstanding
// request count.
func (m *sessionMetrics) inFlightGauge(endpoint string) metrics.Gauge {
	name := "cqlcore.pool." + endpoint + ".inflight"
	if existing := m.cfg.Metrics.Get(name); existing != nil {
		return existing.(metrics.Gauge)
	}
	g := metrics.NewGauge()
	m.cfg.Metrics.Register(name, g)
	return g
}
