package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cqlcore/session/config"
	"cqlcore/session/wire"
)

// testClusterConfig returns a ClusterConfig with production defaults, for
// tests that need to Dial against a fake server but don't care about the
// specific contact points.
func testClusterConfig() *config.ClusterConfig {
	return config.NewClusterConfig("127.0.0.1:0")
}

// newBareConn builds a Conn with its stream pool initialized but no real
// socket behind it, for tests that only exercise stream id bookkeeping.
func newBareConn(version wire.ProtocolVersion) *Conn {
	c := &Conn{version: version, pending: make(map[int16]*callReq), closed: make(chan struct{})}
	c.streamCond = sync.NewCond(&c.streamMu)
	c.initStreamPool()
	c.state.Store(int32(stateReady))
	return c
}

func TestStreamIDsAreUniqueUntilReleased(t *testing.T) {
	c := newBareConn(wire.ProtoV2)

	seen := make(map[int16]bool)
	for i := 0; i < wire.ProtoV2.MaxStreams(); i++ {
		id, err := c.acquireStream(time.Time{})
		require.NoError(t, err)
		assert.False(t, seen[id], "stream id %d handed out twice while still pending", id)
		seen[id] = true
	}
	assert.Len(t, seen, 128)
}

func TestStreamIDPoolExhaustionV2ReturnsErrNoStreams(t *testing.T) {
	c := newBareConn(wire.ProtoV2)
	for i := 0; i < wire.ProtoV2.MaxStreams(); i++ {
		_, err := c.acquireStream(time.Time{})
		require.NoError(t, err)
	}

	_, err := c.acquireStream(time.Now().Add(20 * time.Millisecond))
	assert.ErrorIs(t, err, ErrNoStreams)
}

func TestReleasedStreamIDIsReusable(t *testing.T) {
	c := newBareConn(wire.ProtoV3)
	first, err := c.acquireStream(time.Time{})
	require.NoError(t, err)
	c.pending[first] = &callReq{streamID: first, resp: make(chan callResp, 1)}

	c.releaseStream(first)

	second, err := c.acquireStream(time.Time{})
	require.NoError(t, err)
	assert.Equal(t, first, second, "a released id should be handed back out before any other free id")
}

func TestAcquireStreamUnblocksOnRelease(t *testing.T) {
	c := newBareConn(wire.ProtoV2)
	for i := 0; i < wire.ProtoV2.MaxStreams(); i++ {
		id, err := c.acquireStream(time.Time{})
		require.NoError(t, err)
		c.pending[id] = &callReq{streamID: id, resp: make(chan callResp, 1)}
	}

	var victim int16
	for id := range c.pending {
		victim = id
		break
	}

	done := make(chan int16, 1)
	go func() {
		id, err := c.acquireStream(time.Time{})
		require.NoError(t, err)
		done <- id
	}()

	time.Sleep(10 * time.Millisecond)
	c.releaseStream(victim)

	select {
	case id := <-done:
		assert.Equal(t, victim, id)
	case <-time.After(time.Second):
		t.Fatal("acquireStream never woke up after release")
	}
}

func TestDialHandshakesAgainstFakeServer(t *testing.T) {
	addr := startFakeServer(t, wire.ProtoV4, func(op wire.Opcode, body []byte) (wire.Opcode, []byte) {
		t.Fatalf("unexpected opcode %s during handshake-only test", op)
		return wire.OpError, nil
	})

	cfg := testClusterConfig()
	conn, err := Dial(addr, wire.ProtoV4, cfg, func(wire.Header, []byte) {})
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, stateReady, conn.State())
}

func TestConnMultiplexesConcurrentRequests(t *testing.T) {
	addr := startFakeServer(t, wire.ProtoV4, func(op wire.Opcode, body []byte) (wire.Opcode, []byte) {
		return wire.OpResult, voidResultBody()
	})

	cfg := testClusterConfig()
	conn, err := Dial(addr, wire.ProtoV4, cfg, func(wire.Header, []byte) {})
	require.NoError(t, err)
	defer conn.Close()

	const n = 50
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := conn.Send(&wire.QueryRequest{Query: "SELECT 1", Params: wire.QueryParams{Consistency: wire.One}})
			errs[i] = err
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
}
