package session

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"cqlcore/session/config"
	"cqlcore/session/token"
	"cqlcore/session/wire"
)

// ControlConnection owns a single privileged Connection used solely for
// metadata bootstrap and event subscription, never for user queries
// (section 4.5). At startup it tries the seeds in their configured order;
// on failover it tries whatever candidate list it is given, in that order.
type ControlConnection struct {
	cfg      *config.ClusterConfig
	registry *Registry
	version  wire.ProtocolVersion

	bus        *eventBus
	debouncer  *refreshDebouncer
	onTokenMap func(*token.Map) // installs a newly rebuilt snapshot

	mu          sync.Mutex
	conn        *Conn
	curHost     string
	partitioner token.Partitioner

	tokenMap atomic.Pointer[token.Map]

	closed chan struct{}
}

// NewControlConnection creates a ControlConnection; call Start to bootstrap
// and begin following cluster events.
func NewControlConnection(cfg *config.ClusterConfig, registry *Registry, version wire.ProtocolVersion, onTokenMap func(*token.Map)) *ControlConnection {
	cc := &ControlConnection{
		cfg:        cfg,
		registry:   registry,
		version:    version,
		bus:        newEventBus(),
		onTokenMap: onTokenMap,
		closed:     make(chan struct{}),
	}
	cc.debouncer = newRefreshDebouncer(cfg.SchemaRefreshDebounce, cc.refreshSchema)
	return cc
}

// Subscribe returns a channel of schema-change notifications.
func (cc *ControlConnection) Subscribe() <-chan SchemaChangeEvent { return cc.bus.subscribe() }

// CurrentTokenMap returns the last published immutable token map snapshot,
// or nil before the first bootstrap completes. Non-suspending read.
func (cc *ControlConnection) CurrentTokenMap() *token.Map { return cc.tokenMap.Load() }

// Start connects to the first reachable seed, bootstraps metadata, and
// registers for push events. On failure it tries the remaining seeds in
// order.
func (cc *ControlConnection) Start(seeds []string) error {
	var lastErr error
	for _, seed := range seeds {
		if err := cc.connectTo(seed); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return &NoHostAvailableError{Errors: map[string]error{"seeds": lastErr}}
}

func (cc *ControlConnection) connectTo(endpoint string) error {
	conn, err := Dial(endpoint, cc.version, cc.cfg, cc.handleEvent)
	if err != nil {
		return err
	}
	cc.mu.Lock()
	cc.curHost = endpoint
	cc.mu.Unlock()
	if err := cc.bootstrap(conn); err != nil {
		conn.Close()
		return err
	}
	if err := conn.Register([]string{"TOPOLOGY_CHANGE", "STATUS_CHANGE", "SCHEMA_CHANGE"}); err != nil {
		conn.Close()
		return err
	}

	cc.mu.Lock()
	cc.conn = conn
	cc.mu.Unlock()
	return nil
}

// bootstrap performs the system.local / system.peers sequence from
// section 4.5 steps 1-3.
func (cc *ControlConnection) bootstrap(conn *Conn) error {
	localRow, err := cc.queryOne(conn, "SELECT cluster_name, partitioner, tokens, data_center, rack, release_version FROM system.local")
	if err != nil {
		return err
	}
	cc.mu.Lock()
	cc.partitioner = token.ForName(localRow.partitioner)
	cc.mu.Unlock()

	tokensByHost := make(map[token.HostRef][]token.Token)
	topology := make(map[token.HostRef]token.HostTopology)

	selfEndpoint := cc.curHost
	tokensByHost[token.HostRef(selfEndpoint)] = localRow.tokens
	topology[token.HostRef(selfEndpoint)] = token.HostTopology{DC: localRow.dc, Rack: localRow.rack}
	cc.registry.AddOrBringUp(selfEndpoint, func(h *HostInfo) {
		h.DC, h.Rack, h.Release = localRow.dc, localRow.rack, localRow.release
		h.Tokens = localRow.tokens
	})

	peers, err := cc.queryPeers(conn)
	if err != nil {
		return err
	}
	for _, p := range peers {
		tokensByHost[token.HostRef(p.endpoint)] = p.tokens
		topology[token.HostRef(p.endpoint)] = token.HostTopology{DC: p.dc, Rack: p.rack}
		cc.registry.AddOrBringUp(p.endpoint, func(h *HostInfo) {
			h.DC, h.Rack, h.Release = p.dc, p.rack, p.release
			h.Tokens = p.tokens
			if id, perr := uuid.Parse(p.hostID); perr == nil {
				h.HostID = id
			}
		})
	}

	cc.rebuildTokenMap(tokensByHost, topology)
	return nil
}

// rebuildTokenMap constructs a fresh immutable snapshot and atomically
// swaps it in (section 4.4, section 5: publish-once, atomic pointer swap).
func (cc *ControlConnection) rebuildTokenMap(tokensByHost map[token.HostRef][]token.Token, topology map[token.HostRef]token.HostTopology) {
	ring := token.NewRing(tokensByHost, topology)
	// keyspace replication strategies are only carried forward from the
	// previous snapshot; nothing here queries or fills them in, so the map
	// starts empty and Replicas returns nil for every keyspace. The ring is
	// still valid for Hash() callers.
	strategies := map[string]token.ReplicationStrategy{}
	if existing := cc.tokenMap.Load(); existing != nil {
		strategies = existing.StrategiesSnapshot()
	}
	p := cc.partitioner
	if p == nil {
		p = token.Murmur3Partitioner{}
	}
	m := token.NewMap(p, ring, topology, strategies)
	cc.tokenMap.Store(m)
	if cc.onTokenMap != nil {
		cc.onTokenMap(m)
	}
}

// handleEvent is the Conn.EventHandler invoked on stream id -1 frames.
func (cc *ControlConnection) handleEvent(header wire.Header, body []byte) {
	if header.Opcode != wire.OpEvent {
		return
	}
	ev, r, err := wire.ParseEventBody(body)
	if err != nil {
		return
	}
	switch ev.Type {
	case "TOPOLOGY_CHANGE":
		addr, _ := r.ReadString()
		switch ev.Change {
		case "NEW_NODE":
			cc.registry.AddOrBringUp(addr, nil)
			cc.debouncer.debounce()
		case "REMOVED_NODE":
			cc.registry.Remove(addr)
			cc.debouncer.debounce()
		}
	case "STATUS_CHANGE":
		addr, _ := r.ReadString()
		switch ev.Change {
		case "UP":
			cc.registry.AddOrBringUp(addr, nil)
		case "DOWN":
			cc.registry.SetDown(addr)
		}
	case "SCHEMA_CHANGE":
		cc.debouncer.debounce()
	}
}

// refreshSchema is the debouncer's flush function: it re-runs the
// system.local/system.peers bootstrap sequence to pick up whatever
// triggered the refresh, then publishes a schema-change notification.
func (cc *ControlConnection) refreshSchema() error {
	cc.mu.Lock()
	conn := cc.conn
	cc.mu.Unlock()
	if conn == nil {
		return ErrConnectionClosed
	}
	if err := cc.bootstrap(conn); err != nil {
		return err
	}
	cc.bus.publish(SchemaChangeEvent{})
	return nil
}

// RefreshNow forces an immediate schema refresh, used by the Executor when
// awaiting schema agreement after a DDL response.
func (cc *ControlConnection) RefreshNow() <-chan error { return cc.debouncer.refreshNow() }

// AwaitSchemaAgreement polls system.local/system.peers schema_version
// until every known host reports the same version or the timeout elapses
// (section 4.9).
func (cc *ControlConnection) AwaitSchemaAgreement(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		cc.mu.Lock()
		conn := cc.conn
		cc.mu.Unlock()
		if conn == nil {
			return ErrConnectionClosed
		}

		versions := make(map[string]bool)
		local, err := cc.queryOne(conn, "SELECT schema_version FROM system.local")
		if err == nil {
			versions[local.schemaVersion] = true
		}
		peers, err := cc.queryPeers(conn)
		if err == nil {
			for _, p := range peers {
				versions[p.schemaVersion] = true
			}
		}
		if len(versions) <= 1 {
			return nil
		}
		if time.Now().After(deadline) {
			return &TimeoutError{Request: "schema agreement"}
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// Healthy reports whether the control connection currently has a live,
// ready underlying Conn. The monitor loop polls this to decide whether a
// failover is due.
func (cc *ControlConnection) Healthy() bool {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.conn != nil && cc.conn.State() == stateReady
}

// Reconnect closes the current connection and fails over to the first
// reachable host in candidates, tried in the order given, retaining the last good metadata snapshot in the gap (section
// 4.5, failover).
func (cc *ControlConnection) Reconnect(candidates []string) error {
	cc.mu.Lock()
	old := cc.conn
	cc.conn = nil
	cc.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return cc.Start(candidates)
}

// Close stops the control connection and its debouncer.
func (cc *ControlConnection) Close() {
	select {
	case <-cc.closed:
		return
	default:
		close(cc.closed)
	}
	cc.debouncer.stop()
	cc.mu.Lock()
	conn := cc.conn
	cc.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// localRow / peerRow / queryOne / queryPeers below are a deliberately thin
// reader over system.local and system.peers: the control connection only
// needs the handful of columns section 4.5 names, not a general row codec
// (explicitly out of scope per section 1).

type localRow struct {
	clusterName   string
	partitioner   string
	tokens        []token.Token
	dc            string
	rack          string
	release       string
	schemaVersion string
}

type peerRow struct {
	endpoint      string
	hostID        string
	tokens        []token.Token
	dc            string
	rack          string
	release       string
	schemaVersion string
}

// queryOne issues query and decodes its single-row RESULT into a localRow.
// The wire-level row decoding (RESULT kind=Rows metadata + row bytes) is
// intentionally minimal: it extracts exactly the columns system.local
// queries ask for, by column name, rather than implementing a general
// CQL type codec.
func (cc *ControlConnection) queryOne(conn *Conn, cql string) (localRow, error) {
	resp, err := conn.Send(&wire.QueryRequest{Query: cql, Params: wire.QueryParams{Consistency: wire.One}})
	if err != nil {
		return localRow{}, err
	}
	if resp.header.Opcode == wire.OpError {
		body, perr := wire.ParseErrorBody(resp.body)
		if perr != nil {
			return localRow{}, perr
		}
		return localRow{}, classifyServerError(body)
	}
	cols, rows, err := decodeRowsResult(resp.body)
	if err != nil {
		return localRow{}, err
	}
	if len(rows) == 0 {
		return localRow{}, fmt.Errorf("%s returned no rows", cql)
	}
	return rowToLocal(cols, rows[0]), nil
}

func (cc *ControlConnection) queryPeers(conn *Conn) ([]peerRow, error) {
	resp, err := conn.Send(&wire.QueryRequest{
		Query:  "SELECT peer, host_id, tokens, data_center, rack, release_version, schema_version FROM system.peers",
		Params: wire.QueryParams{Consistency: wire.One},
	})
	if err != nil {
		return nil, err
	}
	if resp.header.Opcode == wire.OpError {
		body, perr := wire.ParseErrorBody(resp.body)
		if perr != nil {
			return nil, perr
		}
		return nil, classifyServerError(body)
	}
	cols, rows, err := decodeRowsResult(resp.body)
	if err != nil {
		return nil, err
	}
	out := make([]peerRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, rowToPeer(cols, row))
	}
	return out, nil
}
