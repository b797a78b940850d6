package socket

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courier-im/courier/internal/wire"
)

// fakeConn is an in-memory Conn. Tests inject inbound frames with deliver
// and observe outbound frames on sent.
type fakeConn struct {
	in   chan []byte
	sent chan *wire.Frame

	mu     sync.Mutex
	closed bool
	code   int
	reason string
	done   chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:   make(chan []byte, 64),
		sent: make(chan *wire.Frame, 64),
		done: make(chan struct{}),
	}
}

func (c *fakeConn) deliver(t *testing.T, f *wire.Frame) {
	t.Helper()
	data, err := f.Encode()
	require.NoError(t, err)
	c.in <- data
}

func (c *fakeConn) ReadFrame() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, &CloseError{Code: c.code, Reason: c.reason}
	}
}

func (c *fakeConn) WriteFrame(data []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("write on closed conn")
	}
	f, err := wire.Decode(data)
	if err != nil {
		return err
	}
	c.sent <- f
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.code = code
		c.reason = reason
		close(c.done)
	}
	return nil
}

// peerClose simulates the server closing the connection with a code.
func (c *fakeConn) peerClose(code int, reason string) {
	c.Close(code, reason)
}

func (c *fakeConn) nextSent(t *testing.T) *wire.Frame {
	t.Helper()
	select {
	case f := <-c.sent:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return nil
	}
}

func quietOpts(handler RequestHandler) Options {
	return Options{Name: "test", Handler: handler, KeepAliveInterval: -1}
}

func TestResource_CorrelatesConcurrentRequests(t *testing.T) {
	conn := newFakeConn()
	r := NewResource(conn, quietOpts(nil))
	defer r.Close(CloseCodeIntentional, "test over")

	const n = 8

	var wg sync.WaitGroup
	results := make([]*Response, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.SendRequest(context.Background(), Request{
				Verb: "GET",
				Path: fmt.Sprintf("/v1/call/%d", i),
			})
		}(i)
	}

	// Collect the outbound frames, then answer them in reverse order with
	// a body that names the request path.
	frames := make([]*wire.Frame, n)
	for i := 0; i < n; i++ {
		frames[i] = conn.nextSent(t)
	}
	for i := n - 1; i >= 0; i-- {
		f := frames[i]
		conn.deliver(t, wire.NewResponse(f.ID, 200, "OK", nil, []byte(f.Path)))
	}

	wg.Wait()
	seen := map[uint64]bool{}
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, 200, results[i].Status)
		assert.Equal(t, fmt.Sprintf("/v1/call/%d", i), string(results[i].Body),
			"request %d got a mismatched response", i)
	}
	for _, f := range frames {
		assert.False(t, seen[f.ID], "sequence id %d reused", f.ID)
		seen[f.ID] = true
	}
}

func TestResource_RequestTimeout(t *testing.T) {
	conn := newFakeConn()
	r := NewResource(conn, quietOpts(nil))
	defer r.Close(CloseCodeIntentional, "test over")

	_, err := r.SendRequest(context.Background(), Request{
		Verb:    "GET",
		Path:    "/v1/slow",
		Timeout: 30 * time.Millisecond,
	})
	require.ErrorIs(t, err, ErrRequestTimeout)

	// A late response for the expired entry is dropped; the resource keeps
	// serving new requests.
	expired := conn.nextSent(t)
	conn.deliver(t, wire.NewResponse(expired.ID, 200, "OK", nil, nil))

	done := make(chan struct{})
	go func() {
		defer close(done)
		resp, err := r.SendRequest(context.Background(), Request{Verb: "GET", Path: "/v1/ok"})
		assert.NoError(t, err)
		assert.Equal(t, 204, resp.Status)
	}()
	f := conn.nextSent(t)
	conn.deliver(t, wire.NewResponse(f.ID, 204, "No Content", nil, nil))
	<-done
}

func TestResource_CloseRejectsAllPending(t *testing.T) {
	conn := newFakeConn()
	r := NewResource(conn, quietOpts(nil))

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.SendRequest(context.Background(), Request{Verb: "PUT", Path: "/v1/pending"})
			assert.ErrorIs(t, err, ErrResourceClosed)
		}()
	}
	for i := 0; i < 3; i++ {
		conn.nextSent(t)
	}

	conn.peerClose(1006, "gone")
	wg.Wait()

	select {
	case <-r.Closed():
	case <-time.After(time.Second):
		t.Fatal("close event not observed")
	}
	info := r.CloseInfo()
	assert.Equal(t, 1006, info.Code)
	assert.False(t, info.Intentional())

	// Terminal: new requests fail immediately.
	_, err := r.SendRequest(context.Background(), Request{Verb: "GET", Path: "/v1/late"})
	assert.ErrorIs(t, err, ErrResourceClosed)
}

func TestResource_KeepAliveAutoAck(t *testing.T) {
	handled := make(chan *IncomingRequest, 1)
	conn := newFakeConn()
	r := NewResource(conn, quietOpts(func(req *IncomingRequest) {
		handled <- req
	}))
	defer r.Close(CloseCodeIntentional, "test over")

	conn.deliver(t, wire.NewKeepAlive(99))

	ack := conn.nextSent(t)
	assert.Equal(t, wire.FrameResponse, ack.Type)
	assert.Equal(t, uint64(99), ack.ID)
	assert.Equal(t, http.StatusOK, ack.Status)

	select {
	case <-handled:
		t.Fatal("keepalive reached the request handler")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestResource_ForceKeepAlive(t *testing.T) {
	conn := newFakeConn()
	r := NewResource(conn, quietOpts(nil))
	defer r.Close(CloseCodeIntentional, "test over")

	r.ForceKeepAlive()

	probe := conn.nextSent(t)
	assert.True(t, probe.IsKeepAlive())
	conn.deliver(t, wire.NewResponse(probe.ID, 200, "OK", nil, nil))
}

func TestResource_KeepAliveTimeoutClosesConnection(t *testing.T) {
	conn := newFakeConn()
	r := NewResource(conn, Options{
		Name:              "test",
		KeepAliveInterval: -1,
		KeepAliveTimeout:  30 * time.Millisecond,
	})

	r.ForceKeepAlive()
	conn.nextSent(t) // probe goes out, never answered

	select {
	case <-r.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("unanswered keepalive did not close the resource")
	}
	assert.Equal(t, CloseCodeKeepAliveTimeout, r.CloseInfo().Code)
}

func TestResource_DispatchesInboundRequests(t *testing.T) {
	conn := newFakeConn()
	r := NewResource(conn, quietOpts(func(req *IncomingRequest) {
		assert.Equal(t, "PUT", req.Verb)
		assert.Equal(t, "/api/v1/message", req.Path)
		assert.Equal(t, []byte("payload"), req.Body)
		require.NoError(t, req.Respond(200, "OK"))
		// Extra Respond calls are swallowed.
		req.Respond(500, "again")
	}))
	defer r.Close(CloseCodeIntentional, "test over")

	conn.deliver(t, wire.NewRequest(7, "PUT", "/api/v1/message", nil, []byte("payload")))

	ack := conn.nextSent(t)
	assert.Equal(t, uint64(7), ack.ID)
	assert.Equal(t, 200, ack.Status)

	select {
	case extra := <-conn.sent:
		t.Fatalf("unexpected extra frame: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestResource_NilHandlerAnswers404(t *testing.T) {
	conn := newFakeConn()
	r := NewResource(conn, quietOpts(nil))
	defer r.Close(CloseCodeIntentional, "test over")

	conn.deliver(t, wire.NewRequest(11, "PUT", "/api/v1/message", nil, nil))

	ack := conn.nextSent(t)
	assert.Equal(t, uint64(11), ack.ID)
	assert.Equal(t, http.StatusNotFound, ack.Status)
}

func TestResource_UnmatchedResponseDropped(t *testing.T) {
	conn := newFakeConn()
	r := NewResource(conn, quietOpts(nil))
	defer r.Close(CloseCodeIntentional, "test over")

	conn.deliver(t, wire.NewResponse(12345, 200, "OK", nil, nil))

	// Resource stays healthy.
	done := make(chan struct{})
	go func() {
		defer close(done)
		resp, err := r.SendRequest(context.Background(), Request{Verb: "GET", Path: "/v1/ping"})
		assert.NoError(t, err)
		assert.Equal(t, 200, resp.Status)
	}()
	f := conn.nextSent(t)
	conn.deliver(t, wire.NewResponse(f.ID, 200, "OK", nil, nil))
	<-done
}
