package transport

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/courier-im/courier/internal/metrics"
	"github.com/courier-im/courier/internal/socket"
)

// registry holds the consumers of inbound push requests on the
// authenticated channel, plus the FIFO backlog of requests that arrived
// before any handler existed. The backlog drains exactly once, the moment
// the first handler registers; it is cleared whenever the authenticated
// resource is torn down (push delivery is at most once).
type registry struct {
	mu       sync.Mutex
	handlers map[uint64]socket.RequestHandler
	nextID   uint64
	backlog  []*socket.IncomingRequest
	draining bool
	metrics  *metrics.Registry
}

func newRegistry(m *metrics.Registry) *registry {
	return &registry{
		handlers: make(map[uint64]socket.RequestHandler),
		metrics:  m,
	}
}

// register adds a handler. If a backlog accumulated while no handlers were
// registered, it is drained in arrival order to every handler registered at
// that moment. While the drain runs, concurrent pushes from the read loop
// keep appending to the backlog instead of overtaking it, so delivery order
// stays FIFO end to end. Returns the handler's removal function.
func (r *registry) register(h socket.RequestHandler) (unregister func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.handlers[id] = h

	if !r.draining && len(r.backlog) > 0 {
		log.Info().Int("queued", len(r.backlog)).Msg("draining queued push requests")
		r.draining = true
		for len(r.backlog) > 0 {
			req := r.backlog[0]
			r.backlog = r.backlog[1:]
			targets := r.snapshotLocked()
			r.mu.Unlock()

			for _, fn := range targets {
				safeDispatch(fn, req)
			}

			r.mu.Lock()
		}
		r.draining = false
		r.metrics.SetQueuedPush(0)
	}
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.handlers, id)
		r.mu.Unlock()
	}
}

// dispatch routes an inbound push request to the registered handlers, or
// queues it when none exist yet or a backlog drain is in progress.
func (r *registry) dispatch(req *socket.IncomingRequest) {
	r.mu.Lock()
	if r.draining || len(r.handlers) == 0 {
		r.backlog = append(r.backlog, req)
		n := len(r.backlog)
		draining := r.draining
		r.mu.Unlock()
		r.metrics.SetQueuedPush(n)
		if !draining {
			log.Debug().Str("verb", req.Verb).Str("path", req.Path).Int("queued", n).
				Msg("no push handlers registered, queueing request")
		}
		return
	}
	targets := r.snapshotLocked()
	r.mu.Unlock()

	for _, fn := range targets {
		safeDispatch(fn, req)
	}
}

// clear discards any queued requests. Called on authenticated teardown.
func (r *registry) clear() {
	r.mu.Lock()
	dropped := len(r.backlog)
	r.backlog = nil
	r.mu.Unlock()

	if dropped > 0 {
		r.metrics.SetQueuedPush(0)
		r.metrics.ObserveDroppedPush(dropped)
		log.Warn().Int("dropped", dropped).Msg("discarding queued push requests on teardown")
	}
}

func (r *registry) snapshotLocked() []socket.RequestHandler {
	out := make([]socket.RequestHandler, 0, len(r.handlers))
	for _, fn := range r.handlers {
		out = append(out, fn)
	}
	return out
}

// safeDispatch isolates handler failures: one misbehaving handler must not
// break delivery to the others or poison the read loop.
func safeDispatch(fn socket.RequestHandler, req *socket.IncomingRequest) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Str("path", req.Path).
				Msg("push request handler panicked")
		}
	}()
	fn(req)
}
