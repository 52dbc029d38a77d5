package session

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"cqlcore/session/config"
	"cqlcore/session/wire"
)

// connState is a Conn's lifecycle per section 4.2: handshake -> ready ->
// draining -> closed.
type connState int32

const (
	stateHandshake connState = iota
	stateReady
	stateDraining
	stateClosed
)

// callReq is the record of one in-flight request waiting for its response.
type callReq struct {
	streamID int16
	resp     chan callResp
}

type callResp struct {
	header wire.Header
	body   []byte
	err    error
}

// EventHandler receives frames delivered on the reserved event stream id.
type EventHandler func(header wire.Header, body []byte)

// Conn owns one TCP socket to one host: a write queue drained by a single
// writer goroutine (to preserve submission order on the wire), a reader
// goroutine dispatching decoded frames to waiters by stream id, and a
// bounded stream-id allocator. Grounded on the reference driver's
// Conn/callReq shape and on the teacher's dial-with-timeout idiom.
type Conn struct {
	endpoint string
	netConn  net.Conn
	version  wire.ProtocolVersion
	cfg      *config.ClusterConfig

	onEvent EventHandler

	state atomic.Int32

	streamMu   sync.Mutex
	streamCond *sync.Cond
	freeIDs    []int16
	pending    map[int16]*callReq

	writeCh chan []byte

	inFlight atomic.Int64

	lastActivity atomic.Int64 // unix nanos
	missedBeats  atomic.Int32

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// Dial opens a TCP connection to endpoint and runs the STARTUP handshake.
// Mirrors the teacher's goroutine+channel dial-with-timeout idiom, adapted
// from a Thrift socket connect to a CQL STARTUP/READY/AUTHENTICATE
// round-trip.
func Dial(endpoint string, version wire.ProtocolVersion, cfg *config.ClusterConfig, onEvent EventHandler) (*Conn, error) {
	dialCh := make(chan net.Conn, 1)
	errCh := make(chan error, 1)
	go func() {
		nc, err := net.DialTimeout("tcp", endpoint, cfg.ConnectTimeout)
		if err != nil {
			errCh <- err
			return
		}
		dialCh <- nc
	}()

	var netConn net.Conn
	select {
	case netConn = <-dialCh:
	case err := <-errCh:
		return nil, &TransportError{Endpoint: endpoint, Err: err}
	case <-time.After(cfg.ConnectTimeout):
		return nil, &TransportError{Endpoint: endpoint, Err: fmt.Errorf("connect timed out")}
	}

	c := &Conn{
		endpoint: endpoint,
		netConn:  netConn,
		version:  version,
		cfg:      cfg,
		onEvent:  onEvent,
		pending:  make(map[int16]*callReq),
		writeCh:  make(chan []byte, 256),
		closed:   make(chan struct{}),
	}
	c.streamCond = sync.NewCond(&c.streamMu)
	c.initStreamPool()
	c.state.Store(int32(stateHandshake))
	c.touch()

	go c.writeLoop()
	go c.readLoop()

	if err := c.handshake(); err != nil {
		c.closeWithError(err)
		return nil, err
	}
	c.state.Store(int32(stateReady))
	return c, nil
}

func (c *Conn) initStreamPool() {
	n := c.version.MaxStreams()
	c.freeIDs = make([]int16, n)
	for i := 0; i < n; i++ {
		c.freeIDs[i] = int16(i)
	}
}

func (c *Conn) touch() { c.lastActivity.Store(time.Now().UnixNano()) }

// IdleSince reports how long it has been since this Conn last sent or
// received a frame, for the heartbeat loop to check.
func (c *Conn) IdleSince() time.Duration {
	return time.Since(time.Unix(0, c.lastActivity.Load()))
}

func (c *Conn) handshake() error {
	startup := &wire.StartupRequest{Options: map[string]string{"CQL_VERSION": "3.0.0"}}
	resp, err := c.Send(startup)
	if err != nil {
		return err
	}
	switch resp.header.Opcode {
	case wire.OpReady:
		return nil
	case wire.OpAuthenticate:
		// no authenticator configured at this layer; a caller supplying
		// credentials would plug an Authenticator in here following the
		// same AUTH_RESPONSE/AUTH_CHALLENGE/AUTH_SUCCESS loop.
		return &AuthenticationError{Err: fmt.Errorf("server requires authentication")}
	case wire.OpError:
		body, perr := wire.ParseErrorBody(resp.body)
		if perr != nil {
			return perr
		}
		return classifyServerError(body)
	default:
		return &wire.ProtocolError{Reason: fmt.Sprintf("unexpected response to STARTUP: %s", resp.header.Opcode)}
	}
}

// Register subscribes this connection to the named server push events.
// Only meaningful on a control connection.
func (c *Conn) Register(eventTypes []string) error {
	resp, err := c.Send(&wire.RegisterRequest{EventTypes: eventTypes})
	if err != nil {
		return err
	}
	if resp.header.Opcode == wire.OpError {
		body, perr := wire.ParseErrorBody(resp.body)
		if perr != nil {
			return perr
		}
		return classifyServerError(body)
	}
	return nil
}

// acquireStream reserves a stream id, blocking (cooperatively, via a
// condition variable) until one frees or the deadline elapses.
func (c *Conn) acquireStream(deadline time.Time) (int16, error) {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()

	for len(c.freeIDs) == 0 {
		if connState(c.state.Load()) != stateReady {
			return 0, ErrConnectionClosed
		}
		if deadline.IsZero() {
			c.streamCond.Wait()
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, ErrNoStreams
		}
		timer := time.AfterFunc(remaining, func() {
			c.streamMu.Lock()
			c.streamCond.Broadcast()
			c.streamMu.Unlock()
		})
		c.streamCond.Wait()
		timer.Stop()
	}
	id := c.freeIDs[len(c.freeIDs)-1]
	c.freeIDs = c.freeIDs[:len(c.freeIDs)-1]
	return id, nil
}

// releaseStream returns a stream id to the pool. A stream id is only ever
// released when its response has actually arrived or the Conn is closing -
// never early on a client-side timeout, so a late response can still be
// matched (section 5, cancellation).
func (c *Conn) releaseStream(id int16) {
	c.streamMu.Lock()
	delete(c.pending, id)
	c.freeIDs = append(c.freeIDs, id)
	c.streamCond.Broadcast()
	c.streamMu.Unlock()
}

// InFlight returns the current number of outstanding requests, used by the
// Pool to pick the least-loaded connection.
func (c *Conn) InFlight() int64 { return c.inFlight.Load() }

// State reports the Conn's current lifecycle state.
func (c *Conn) State() connState { return connState(c.state.Load()) }

// Send writes req and blocks for its matching response. Cancellation via
// ctx-style deadlines is the caller's job (see SendWithDeadline); Send
// itself waits indefinitely for either a response or connection close.
func (c *Conn) Send(req wire.Request) (callResp, error) {
	return c.SendWithDeadline(req, time.Time{})
}

// SendWithDeadline is Send with a client-side wait deadline for stream
// acquisition and for the response itself. On deadline elapse the waiter
// completes with a TimeoutError but the stream id is not released early.
func (c *Conn) SendWithDeadline(req wire.Request, deadline time.Time) (callResp, error) {
	if connState(c.state.Load()) == stateClosed || connState(c.state.Load()) == stateDraining {
		return callResp{}, ErrConnectionClosed
	}

	id, err := c.acquireStream(deadline)
	if err != nil {
		return callResp{}, err
	}

	call := &callReq{streamID: id, resp: make(chan callResp, 1)}
	c.streamMu.Lock()
	c.pending[id] = call
	c.streamMu.Unlock()
	c.inFlight.Add(1)
	defer c.inFlight.Add(-1)

	encoded := wire.Encode(c.version, req, id, false)

	select {
	case c.writeCh <- encoded:
	case <-c.closed:
		c.releaseStream(id)
		return callResp{}, ErrConnectionClosed
	}

	if deadline.IsZero() {
		select {
		case resp := <-call.resp:
			return resp, resp.err
		case <-c.closed:
			return callResp{}, ErrConnectionClosed
		}
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case resp := <-call.resp:
		return resp, resp.err
	case <-c.closed:
		return callResp{}, ErrConnectionClosed
	case <-timer.C:
		return callResp{}, &TimeoutError{Request: req.Opcode().String()}
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case buf := <-c.writeCh:
			if _, err := c.netConn.Write(buf); err != nil {
				c.closeWithError(&TransportError{Endpoint: c.endpoint, Err: err})
				return
			}
			c.touch()
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) readLoop() {
	decoder := wire.NewDecoder(c.version)
	buf := make([]byte, 64*1024)
	for {
		n, err := c.netConn.Read(buf)
		if err != nil {
			c.closeWithError(&TransportError{Endpoint: c.endpoint, Err: err})
			return
		}
		decoder.Feed(buf[:n])
		c.touch()
		for {
			header, body, ok, derr := decoder.Next()
			if derr != nil {
				c.closeWithError(derr)
				return
			}
			if !ok {
				break
			}
			c.dispatch(header, body)
		}
	}
}

func (c *Conn) dispatch(header wire.Header, body []byte) {
	if header.Stream == wire.EventStreamID {
		if c.onEvent != nil {
			c.onEvent(header, body)
		}
		return
	}

	// remove the waiter under the lock so closeWithError cannot also
	// resolve it after the response below has been delivered
	c.streamMu.Lock()
	call, ok := c.pending[header.Stream]
	delete(c.pending, header.Stream)
	c.streamMu.Unlock()
	if !ok {
		return // late response for an already-released stream; drop it
	}
	call.resp <- callResp{header: header, body: body}
	c.releaseStream(header.Stream)
}

// closeWithError transitions the Conn through draining to closed, failing
// every pending waiter with a transport error exactly once.
func (c *Conn) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(stateDraining))
		c.closeErr = err

		c.streamMu.Lock()
		pending := make([]*callReq, 0, len(c.pending))
		for _, call := range c.pending {
			pending = append(pending, call)
		}
		c.streamMu.Unlock()

		for _, call := range pending {
			call.resp <- callResp{err: err}
		}

		c.state.Store(int32(stateClosed))
		close(c.closed)
		c.netConn.Close()

		c.streamMu.Lock()
		c.streamCond.Broadcast()
		c.streamMu.Unlock()
	})
}

// Close gracefully tears down the connection.
func (c *Conn) Close() error {
	c.closeWithError(ErrConnectionClosed)
	return nil
}

// Heartbeat sends an OPTIONS probe if the connection has been idle for
// longer than cfg.IdleTimeout; two consecutive timeouts close the Conn.
func (c *Conn) Heartbeat() {
	if c.IdleSince() < c.cfg.IdleTimeout {
		return
	}
	deadline := time.Now().Add(c.cfg.IdleTimeout)
	if _, err := c.SendWithDeadline(&wire.OptionsRequest{}, deadline); err != nil {
		if c.missedBeats.Add(1) >= 2 {
			c.closeWithError(&TransportError{Endpoint: c.endpoint, Err: fmt.Errorf("heartbeat failed twice: %w", err)})
		}
		return
	}
	c.missedBeats.Store(0)
}
