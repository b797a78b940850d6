package transport

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/courier-im/courier/internal/socket"
	"github.com/courier-im/courier/internal/wire"
)

// testBackend fakes the messaging backend behind the dial primitive. Each
// accepted connection answers every client request with 200 unless told
// otherwise, and lets tests push server-initiated requests or close with an
// arbitrary code.
type testBackend struct {
	mu       sync.Mutex
	failures []error
	dials    int
	conns    []*testConn

	dialCh chan *testConn
}

func newTestBackend() *testBackend {
	return &testBackend{dialCh: make(chan *testConn, 16)}
}

// failNext queues scripted dial failures, consumed in order before any
// connection is accepted.
func (b *testBackend) failNext(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = append(b.failures, errs...)
}

func (b *testBackend) dial(ctx context.Context, rawURL string, opts socket.DialOptions) (socket.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.dials++
	if len(b.failures) > 0 {
		err := b.failures[0]
		b.failures = b.failures[1:]
		b.mu.Unlock()
		return nil, err
	}
	c := &testConn{
		url:          rawURL,
		query:        opts.Query,
		in:           make(chan []byte, 64),
		requests:     make(chan *wire.Frame, 64),
		done:         make(chan struct{}),
		provisioning: strings.Contains(rawURL, "provisioning"),
	}
	c.pushID.Store(1000)
	b.conns = append(b.conns, c)
	b.mu.Unlock()

	b.dialCh <- c
	return c, nil
}

func (b *testBackend) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// nextConn waits for the backend to accept a connection.
func (b *testBackend) nextConn(t *testing.T) *testConn {
	t.Helper()
	select {
	case c := <-b.dialCh:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a connection")
		return nil
	}
}

// testConn is one accepted server-side connection.
type testConn struct {
	url   string
	query url.Values

	in       chan []byte      // server -> client
	requests chan *wire.Frame // client requests, in order (keepalives included)
	manual   atomic.Bool      // suppress the automatic 200 response

	pushID atomic.Uint64

	mu           sync.Mutex
	closed       bool
	code         int
	reason       string
	done         chan struct{}
	provisioning bool
}

func (c *testConn) authenticated() bool {
	return c.query.Get("login") != ""
}

func (c *testConn) ReadFrame() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, &socket.CloseError{Code: c.code, Reason: c.reason}
	}
}

func (c *testConn) WriteFrame(data []byte) error {
	f, err := wire.Decode(data)
	if err != nil {
		return err
	}
	if f.Type == wire.FrameRequest {
		c.requests <- f
		if !c.manual.Load() {
			c.serverSend(wire.NewResponse(f.ID, 200, "OK", nil, []byte(f.Path)))
		}
	}
	return nil
}

func (c *testConn) Close(code int, reason string) error {
	c.terminate(code, reason)
	return nil
}

// serverClose simulates the backend closing the connection.
func (c *testConn) serverClose(code int, reason string) {
	c.terminate(code, reason)
}

func (c *testConn) terminate(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.code = code
	c.reason = reason
	close(c.done)
}

func (c *testConn) closeCode() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code, c.closed
}

func (c *testConn) serverSend(f *wire.Frame) {
	data, err := f.Encode()
	if err != nil {
		panic(err)
	}
	select {
	case c.in <- data:
	case <-c.done:
	}
}

// push delivers a server-initiated request over this connection.
func (c *testConn) push(verb, path string, body []byte) {
	c.serverSend(wire.NewRequest(c.pushID.Add(1), verb, path, nil, body))
}

// nextRequest waits for the next client request frame.
func (c *testConn) nextRequest(t *testing.T) *wire.Frame {
	t.Helper()
	select {
	case f := <-c.requests:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a client request")
		return nil
	}
}

// testManager builds a manager wired to a fresh backend with short timings.
func testManager(t *testing.T, adjust func(*Options)) (*Manager, *testBackend) {
	t.Helper()
	b := newTestBackend()
	opts := Options{
		ServerURL:                 "wss://chat.test",
		UserAgent:                 "courier-test",
		Dial:                      b.dial,
		ConnectTimeout:            time.Second,
		RequestTimeout:            time.Second,
		KeepAliveInterval:         -1, // quiet unless forced
		UnauthExpiry:              time.Hour,
		BackoffBase:               10 * time.Millisecond,
		BackoffMax:                50 * time.Millisecond,
		ReconnectOnAmbiguousClose: true,
	}
	if adjust != nil {
		adjust(&opts)
	}
	return NewManager(opts), b
}

var testCreds = Credentials{Username: "alice.7", Password: "hunter2"}

func authenticate(t *testing.T, m *Manager, b *testBackend) *testConn {
	t.Helper()
	require.NoError(t, m.Authenticate(context.Background(), testCreds))
	conn := b.nextConn(t)
	require.True(t, conn.authenticated())
	return conn
}
