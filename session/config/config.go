// Package config holds the settings a Session needs to start: initial
// hosts, pool sizing, timeouts, and the metrics registry connections and
// pools report into.
package config

import (
	"log"
	"os"
	"time"

	"github.com/rcrowley/go-metrics"
)

// StdLogger is satisfied by *log.Logger; callers may substitute their own
// sink without pulling in a logging framework.
type StdLogger interface {
	Print(v ...interface{})
	Printf(format string, v ...interface{})
	Println(v ...interface{})
}

// ClusterConfig carries everything a Session needs to start. Unlike the
// teacher's AppSettings there is no process-wide singleton: each Session
// owns its own ClusterConfig and MetricsRegistry, since a process may open
// more than one Session against more than one cluster.
type ClusterConfig struct {
	Hosts    []string // initial contact points, "host:port"
	Keyspace string

	ProtocolVersion int // 2, 3, or 4; 0 is treated as 4 (no downward negotiation)

	// NodeAutodiscovery is not read by the Session: hosts listed in
	// system.peers are always added to the registry.
	NodeAutodiscovery bool

	ConnectTimeout time.Duration
	IdleTimeout    time.Duration // heartbeat interval, default 30s

	PoolCoreConnsPerHost int
	PoolMaxConnsPerHost  int
	PoolAcquireTimeout   time.Duration

	SchemaRefreshDebounce time.Duration // default 1s
	SchemaAgreementTimeout time.Duration // default 10s

	RequestTimeout time.Duration // default per-request deadline, default 10s

	LocalDC              string // for DCAwareRoundRobinPolicy; empty disables DC awareness
	UsedHostsPerRemoteDC int
	TokenAware           bool // wrap the base policy in TokenAwarePolicy

	DefaultConsistency int // wire.Consistency value

	Logger  StdLogger
	Metrics metrics.Registry
}

// NewClusterConfig returns a ClusterConfig populated with the defaults a
// production driver would ship, analogous to the teacher's
// NewAppSettings().
func NewClusterConfig(hosts ...string) *ClusterConfig {
	return &ClusterConfig{
		Hosts:                  hosts,
		ProtocolVersion:        4,
		ConnectTimeout:         5 * time.Second,
		IdleTimeout:            30 * time.Second,
		PoolCoreConnsPerHost:   2,
		PoolMaxConnsPerHost:    8,
		PoolAcquireTimeout:     100 * time.Millisecond,
		SchemaRefreshDebounce:  time.Second,
		SchemaAgreementTimeout: 10 * time.Second,
		RequestTimeout:         10 * time.Second,
		TokenAware:             true,
		DefaultConsistency:     1, // wire.One
		Logger:                 log.New(os.Stderr, "cqlcore: ", log.LstdFlags),
		Metrics:                metrics.NewRegistry(),
	}
}

// Timer returns (creating if necessary) a named timer in this config's
// metrics registry, mirroring the teacher's App.Timer helper.
func (c *ClusterConfig) Timer(name string) metrics.Timer {
	if existing := c.Metrics.Get(name); existing != nil {
		return existing.(metrics.Timer)
	}
	t := metrics.NewTimer()
	c.Metrics.Register(name, t)
	return t
}

// Counter returns (creating if necessary) a named counter.
func (c *ClusterConfig) Counter(name string) metrics.Counter {
	if existing := c.Metrics.Get(name); existing != nil {
		return existing.(metrics.Counter)
	}
	cnt := metrics.NewCounter()
	c.Metrics.Register(name, cnt)
	return cnt
}
