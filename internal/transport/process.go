package transport

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/courier-im/courier/internal/socket"
)

// process wraps one in-flight or settled attempt to produce a socket
// resource: a cancelable handle plus the eventual result. The manager keeps
// at most one per channel slot and replaces, never mutates, it on reconnect.
type process struct {
	label  string
	gen    uint64
	cancel context.CancelFunc

	mu      sync.Mutex
	settled bool
	aborted bool
	res     *socket.Resource
	err     error

	done chan struct{}
}

func newProcess(label string, gen uint64, cancel context.CancelFunc) *process {
	return &process{
		label:  label,
		gen:    gen,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// settle records the attempt outcome and wakes all waiters. If the process
// was aborted while the attempt was still in flight, a successfully
// produced resource is closed immediately instead of leaking.
func (p *process) settle(res *socket.Resource, err error) {
	p.mu.Lock()
	if p.settled {
		p.mu.Unlock()
		if res != nil {
			res.Close(socket.CloseCodeIntentional, "duplicate settle")
		}
		return
	}
	p.settled = true
	p.res, p.err = res, err
	aborted := p.aborted
	p.mu.Unlock()

	close(p.done)

	if aborted && res != nil {
		res.Close(socket.CloseCodeIntentional, "aborted")
	}
}

// Result blocks until the attempt settles and returns its outcome.
func (p *process) Result(ctx context.Context) (*socket.Resource, error) {
	select {
	case <-p.done:
		return p.res, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resource returns the produced resource if the process settled
// successfully, nil otherwise.
func (p *process) resource() *socket.Resource {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.settled {
		return nil
	}
	return p.res
}

// Abort cancels an in-flight attempt or gracefully closes the resource it
// produced. Idempotent: repeated calls never double-close.
func (p *process) Abort() {
	p.mu.Lock()
	if p.aborted {
		p.mu.Unlock()
		return
	}
	p.aborted = true
	settled, res := p.settled, p.res
	p.mu.Unlock()

	log.Debug().Str("process", p.label).Uint64("generation", p.gen).Msg("aborting connect process")
	p.cancel()
	if settled && res != nil {
		res.Close(socket.CloseCodeIntentional, "superseded")
	}
}
