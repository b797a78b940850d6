package socket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/courier-im/courier/internal/wire"
)

const (
	// DefaultRequestTimeout is the uniform per-call ceiling applied when a
	// request does not specify its own. Long-poll style calls must opt out
	// explicitly by passing a larger value.
	DefaultRequestTimeout = 10 * time.Second

	// DefaultKeepAliveInterval is how often an idle resource probes the
	// backend.
	DefaultKeepAliveInterval = 55 * time.Second

	// DefaultKeepAliveTimeout bounds how long a probe may go unanswered
	// before the resource declares the connection dead.
	DefaultKeepAliveTimeout = 30 * time.Second
)

// Close codes reserved by the transport. CloseCodeIntentional marks a
// deliberate local shutdown; close handlers must not reconnect on it.
const (
	CloseCodeIntentional      = 3000
	CloseCodeKeepAliveTimeout = 3001
)

// Request is one outbound call over a resource.
type Request struct {
	Verb    string
	Path    string
	Headers http.Header
	Body    []byte
	Timeout time.Duration // DefaultRequestTimeout when zero
}

// Response is the correlated answer to a Request.
type Response struct {
	Status  int
	Message string
	Headers http.Header
	Body    []byte
}

// IncomingRequest is a server-initiated request delivered to the configured
// handler. The handler must eventually call Respond exactly once; extra
// calls are ignored.
type IncomingRequest struct {
	Verb    string
	Path    string
	Headers http.Header
	Body    []byte

	id       uint64
	resource *Resource
	ackOnce  sync.Once
}

// Respond sends the acknowledging response frame back over the resource the
// request arrived on.
func (r *IncomingRequest) Respond(status int, message string) error {
	err := ErrResourceClosed
	r.ackOnce.Do(func() {
		err = r.resource.writeFrame(wire.NewResponse(r.id, status, message, nil, nil))
	})
	return err
}

// RequestHandler consumes inbound server-initiated requests.
type RequestHandler func(req *IncomingRequest)

// CloseInfo is the final close code and reason of a resource.
type CloseInfo struct {
	Code   int
	Reason string
}

// Intentional reports whether the close was a deliberate local shutdown.
func (c CloseInfo) Intentional() bool {
	return c.Code == CloseCodeIntentional
}

// Options configures a Resource.
type Options struct {
	// Name labels the resource in logs ("authenticated", "unauthenticated",
	// "provisioning").
	Name string
	// Handler receives inbound requests other than keepalives. When nil,
	// such requests are answered 404 without dispatch.
	Handler RequestHandler
	// KeepAliveInterval overrides DefaultKeepAliveInterval; negative
	// disables periodic probes (forced probes still work).
	KeepAliveInterval time.Duration
	// KeepAliveTimeout overrides DefaultKeepAliveTimeout.
	KeepAliveTimeout time.Duration
}

// Resource owns one physical connection: it frames outbound requests,
// correlates inbound responses to pending requests by sequence id,
// dispatches inbound requests to the handler, and supervises keepalive in
// both directions. A resource is single-use: once closed it is never
// revived, the owner must build a new one.
type Resource struct {
	id      string
	name    string
	conn    Conn
	handler RequestHandler

	keepAliveEvery   time.Duration
	keepAliveTimeout time.Duration
	kick             chan struct{}

	nextID atomic.Uint64

	mu        sync.Mutex
	pending   map[uint64]chan *Response
	closed    bool
	closeInfo CloseInfo

	closedCh chan struct{}
	downOnce sync.Once
}

// NewResource wraps an established connection and starts its read and
// keepalive loops.
func NewResource(conn Conn, opts Options) *Resource {
	r := &Resource{
		id:               uuid.NewString(),
		name:             opts.Name,
		conn:             conn,
		handler:          opts.Handler,
		keepAliveEvery:   opts.KeepAliveInterval,
		keepAliveTimeout: opts.KeepAliveTimeout,
		kick:             make(chan struct{}, 1),
		pending:          make(map[uint64]chan *Response),
		closedCh:         make(chan struct{}),
	}
	if r.keepAliveEvery == 0 {
		r.keepAliveEvery = DefaultKeepAliveInterval
	}
	if r.keepAliveTimeout <= 0 {
		r.keepAliveTimeout = DefaultKeepAliveTimeout
	}

	go r.readLoop()
	go r.keepAliveLoop()

	log.Debug().Str("resource", r.name).Str("id", r.id).Msg("socket resource up")
	return r
}

// Name returns the log label the resource was created with.
func (r *Resource) Name() string { return r.name }

// ID returns the unique id assigned to this resource instance.
func (r *Resource) ID() string { return r.id }

// Closed is closed once the resource is terminally down.
func (r *Resource) Closed() <-chan struct{} { return r.closedCh }

// CloseInfo returns the final close code and reason. Meaningful only after
// Closed has fired.
func (r *Resource) CloseInfo() CloseInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeInfo
}

// SendRequest frames req, sends it, and blocks until the matching response
// arrives, the timeout elapses, ctx is done, or the resource closes.
func (r *Resource) SendRequest(ctx context.Context, req Request) (*Response, error) {
	id := r.nextID.Add(1)

	ch := make(chan *Response, 1)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrResourceClosed
	}
	r.pending[id] = ch
	r.mu.Unlock()

	frame := wire.NewRequest(id, req.Verb, req.Path, wire.HeaderList(req.Headers), req.Body)
	if err := r.writeFrame(frame); err != nil {
		r.dropPending(id)
		return nil, fmt.Errorf("send request %s %s: %w", req.Verb, req.Path, err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		r.dropPending(id)
		return nil, fmt.Errorf("%s %s: %w", req.Verb, req.Path, ErrRequestTimeout)
	case <-r.closedCh:
		// A response that raced with the close still wins.
		select {
		case resp := <-ch:
			return resp, nil
		default:
		}
		return nil, ErrResourceClosed
	case <-ctx.Done():
		r.dropPending(id)
		return nil, ctx.Err()
	}
}

// ForceKeepAlive schedules an immediate keepalive probe irrespective of the
// idle timer. Used as an external liveness check.
func (r *Resource) ForceKeepAlive() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Close tears down the physical connection and rejects all pending requests.
func (r *Resource) Close(code int, reason string) {
	r.conn.Close(code, reason)
	r.teardown(CloseInfo{Code: code, Reason: reason})
}

func (r *Resource) writeFrame(f *wire.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	if err := r.conn.WriteFrame(data); err != nil {
		return &HTTPError{Code: -1, Message: err.Error()}
	}
	return nil
}

func (r *Resource) dropPending(id uint64) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

func (r *Resource) readLoop() {
	for {
		data, err := r.conn.ReadFrame()
		if err != nil {
			r.teardown(closeInfoFromError(err))
			return
		}
		frame, err := wire.Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("resource", r.name).Msg("dropping undecodable frame")
			continue
		}
		switch frame.Type {
		case wire.FrameResponse:
			r.resolve(frame)
		case wire.FrameRequest:
			r.dispatch(frame)
		}
	}
}

func (r *Resource) resolve(frame *wire.Frame) {
	r.mu.Lock()
	ch, ok := r.pending[frame.ID]
	if ok {
		delete(r.pending, frame.ID)
	}
	r.mu.Unlock()

	if !ok {
		// Late or duplicate response; the pending entry already settled.
		log.Warn().Str("resource", r.name).Uint64("id", frame.ID).
			Int("status", frame.Status).Msg("dropping unmatched response")
		return
	}
	ch <- &Response{
		Status:  frame.Status,
		Message: frame.Message,
		Headers: wire.ParseHeaderList(frame.Headers),
		Body:    frame.Body,
	}
}

func (r *Resource) dispatch(frame *wire.Frame) {
	if frame.IsKeepAlive() {
		// Answered below the handler layer.
		if err := r.writeFrame(wire.NewResponse(frame.ID, http.StatusOK, "OK", nil, nil)); err != nil {
			log.Warn().Err(err).Str("resource", r.name).Msg("keepalive ack failed")
		}
		return
	}

	req := &IncomingRequest{
		Verb:     frame.Verb,
		Path:     frame.Path,
		Headers:  wire.ParseHeaderList(frame.Headers),
		Body:     frame.Body,
		id:       frame.ID,
		resource: r,
	}
	if r.handler == nil {
		req.Respond(http.StatusNotFound, "Not found")
		return
	}
	// Dispatched inline so push requests keep their arrival order.
	r.handler(req)
}

func (r *Resource) keepAliveLoop() {
	if r.keepAliveEvery < 0 {
		// Periodic probing disabled; still honor forced probes.
		for {
			select {
			case <-r.kick:
				r.probe()
			case <-r.closedCh:
				return
			}
		}
	}

	ticker := time.NewTicker(r.keepAliveEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.probe()
		case <-r.kick:
			r.probe()
		case <-r.closedCh:
			return
		}
	}
}

func (r *Resource) probe() {
	_, err := r.SendRequest(context.Background(), Request{
		Verb:    http.MethodGet,
		Path:    wire.KeepAlivePath,
		Timeout: r.keepAliveTimeout,
	})
	if err == nil {
		log.Debug().Str("resource", r.name).Msg("keepalive ok")
		return
	}
	if errors.Is(err, ErrResourceClosed) {
		return
	}
	log.Warn().Err(err).Str("resource", r.name).Str("id", r.id).
		Msg("keepalive probe failed, closing connection")
	r.Close(CloseCodeKeepAliveTimeout, "keepalive timeout")
}

func (r *Resource) teardown(info CloseInfo) {
	r.downOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.closeInfo = info
		pending := len(r.pending)
		r.pending = make(map[uint64]chan *Response)
		r.mu.Unlock()

		// Waiters observe closedCh and fail with ErrResourceClosed.
		close(r.closedCh)
		r.conn.Close(info.Code, info.Reason)

		log.Info().Str("resource", r.name).Str("id", r.id).
			Int("code", info.Code).Str("reason", info.Reason).
			Int("pending_rejected", pending).
			Msg("socket resource closed")
	})
}

func closeInfoFromError(err error) CloseInfo {
	var ce *CloseError
	if errors.As(err, &ce) {
		return CloseInfo{Code: ce.Code, Reason: ce.Reason}
	}
	return CloseInfo{Code: -1, Reason: err.Error()}
}
