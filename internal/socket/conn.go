package socket

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultConnectTimeout bounds the WebSocket handshake.
const DefaultConnectTimeout = 10 * time.Second

// Conn is one physical WebSocket connection as consumed by a Resource.
// Implementations must allow WriteFrame calls from multiple goroutines.
type Conn interface {
	// ReadFrame blocks until the next message arrives or the connection
	// terminates. Terminal errors are reported as *CloseError.
	ReadFrame() ([]byte, error)
	// WriteFrame sends one binary message.
	WriteFrame(data []byte) error
	// Close announces the given close code to the peer and tears the
	// connection down. Safe to call more than once.
	Close(code int, reason string) error
}

// DialOptions shapes one connect attempt.
type DialOptions struct {
	Query   url.Values
	Header  http.Header
	Timeout time.Duration // handshake ceiling; DefaultConnectTimeout when zero
	Proxy   *url.URL      // optional CONNECT proxy
}

// DialFunc opens a physical connection. The manager is wired with Dial in
// production; tests substitute in-process fakes.
type DialFunc func(ctx context.Context, rawURL string, opts DialOptions) (Conn, error)

// Dial opens a WebSocket connection to rawURL, rewriting http(s) schemes to
// ws(s) and merging query parameters. Failures are classified into the
// package error taxonomy: a handshake that drew an HTTP response yields
// *HTTPError with that status, a deadline yields ErrConnectTimeout, and
// anything else yields *HTTPError{Code: -1}.
func Dial(ctx context.Context, rawURL string, opts DialOptions) (Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &HTTPError{Code: -1, Message: err.Error()}
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if len(opts.Query) > 0 {
		q := u.Query()
		for name, values := range opts.Query {
			for _, v := range values {
				q.Add(name, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	dialer := websocket.Dialer{
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HandshakeTimeout: timeout,
	}
	if opts.Proxy != nil {
		proxy := opts.Proxy
		dialer.Proxy = func(*http.Request) (*url.URL, error) { return proxy, nil }
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, u.String(), opts.Header)
	if err != nil {
		if resp != nil {
			return nil, &HTTPError{Code: resp.StatusCode, Message: resp.Status}
		}
		if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
			return nil, ErrConnectTimeout
		}
		return nil, &HTTPError{Code: -1, Message: err.Error()}
	}
	return newWSConn(conn), nil
}

// wsConn adapts a gorilla connection to the Conn interface, serializing
// writes and translating read errors into *CloseError.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, translateReadError(err)
		}
		if messageType != websocket.BinaryMessage && messageType != websocket.TextMessage {
			continue
		}
		return data, nil
	}
}

func (c *wsConn) WriteFrame(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsConn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func translateReadError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return &CloseError{Code: ce.Code, Reason: ce.Text}
	}
	reason := err.Error()
	if strings.Contains(reason, "use of closed network connection") {
		reason = "connection closed locally"
	}
	return &CloseError{Code: websocket.CloseAbnormalClosure, Reason: reason}
}
