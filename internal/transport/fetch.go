package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/courier-im/courier/internal/metrics"
	"github.com/courier-im/courier/internal/socket"
)

// ErrUnsupportedBody is returned by Fetch for body values that are neither
// string nor []byte.
var ErrUnsupportedBody = errors.New("transport: unsupported fetch body type")

// FetchOptions mirrors the init argument of a fetch call.
type FetchOptions struct {
	Method  string // GET when empty
	Headers http.Header
	Body    any // string, []byte, or nil
	Timeout time.Duration
}

// FetchResponse is the response-shaped value returned by Fetch.
type FetchResponse struct {
	Status     int
	StatusText string
	Headers    http.Header
	Body       []byte
}

// Ok reports whether the status is in the 2xx range.
func (r *FetchResponse) Ok() bool {
	return r.Status >= 200 && r.Status < 300
}

// Fetch issues one request over the socket transport. The Authorization
// header decides routing: Basic auth matching the stored credentials goes
// over the authenticated channel, everything else over the demand-driven
// unauthenticated one. Backend error statuses are returned in the response,
// not as errors.
func (m *Manager) Fetch(ctx context.Context, rawURL string, opts FetchOptions) (*FetchResponse, error) {
	body, err := coerceBody(opts.Body)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	path := u.Path
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.opts.RequestTimeout
	}

	res, channel, err := m.routeResource(ctx, opts.Headers.Get("Authorization"))
	if err != nil {
		return nil, err
	}

	m.metrics.RequestStarted()
	started := time.Now()
	resp, err := res.SendRequest(ctx, socket.Request{
		Verb:    method,
		Path:    path,
		Headers: opts.Headers,
		Body:    body,
		Timeout: timeout,
	})
	m.metrics.RequestFinished(channel, time.Since(started))
	if err != nil {
		return nil, err
	}
	return &FetchResponse{
		Status:     resp.Status,
		StatusText: resp.Message,
		Headers:    resp.Headers,
		Body:       resp.Body,
	}, nil
}

// routeResource picks the socket resource matching the request's
// authorization header.
func (m *Manager) routeResource(ctx context.Context, authorization string) (*socket.Resource, string, error) {
	m.mu.Lock()
	if m.offline {
		m.mu.Unlock()
		return nil, "", socket.ErrOffline()
	}
	creds := m.creds
	m.mu.Unlock()

	if !creds.Empty() && authorization == creds.BasicAuth() {
		res, err := m.authenticatedResource(ctx, creds)
		return res, metrics.ChannelAuth, err
	}
	res, err := m.unauthenticatedResource(ctx)
	return res, metrics.ChannelUnauth, err
}

// authenticatedResource awaits the authenticated slot, lazily starting a
// connect attempt when none is active.
func (m *Manager) authenticatedResource(ctx context.Context, creds Credentials) (*socket.Resource, error) {
	m.mu.Lock()
	if m.offline {
		m.mu.Unlock()
		return nil, socket.ErrOffline()
	}
	p := m.auth
	if p == nil {
		if m.creds != creds {
			// Credentials rotated while this call was routing.
			creds = m.creds
		}
		if creds.Empty() {
			m.mu.Unlock()
			return nil, ErrNoCredentials
		}
		p = m.startAuthProcessLocked()
	}
	m.mu.Unlock()
	return p.Result(ctx)
}

// unauthenticatedResource returns the live unauthenticated resource,
// opening one on demand. Dials go through the circuit breaker so a down
// backend fails fast instead of being hammered by every fetch.
func (m *Manager) unauthenticatedResource(ctx context.Context) (*socket.Resource, error) {
	for attempt := 0; attempt < 2; attempt++ {
		m.mu.Lock()
		if m.offline {
			m.mu.Unlock()
			return nil, socket.ErrOffline()
		}
		p := m.unauth
		if p == nil {
			p = m.startUnauthProcessLocked()
		}
		m.mu.Unlock()

		res, err := p.Result(ctx)
		if err != nil {
			return nil, err
		}
		select {
		case <-res.Closed():
			// The slot held a resource that died since; clear it and retry
			// once with a fresh connection.
			m.mu.Lock()
			if m.unauth == p {
				m.dropUnauthLocked()
			}
			m.mu.Unlock()
			continue
		default:
			return res, nil
		}
	}
	return nil, socket.ErrResourceClosed
}

// startUnauthProcessLocked launches a new unauthenticated connect attempt.
// Caller holds m.mu.
func (m *Manager) startUnauthProcessLocked() *process {
	m.unauthGen++
	gen := m.unauthGen

	ctx, cancel := context.WithCancel(context.Background())
	p := newProcess("unauthenticated", gen, cancel)
	m.unauth = p

	go m.connectUnauthenticated(ctx, gen, p)
	return p
}

func (m *Manager) connectUnauthenticated(ctx context.Context, gen uint64, p *process) {
	log.Info().Str("channel", metrics.ChannelUnauth).Msg("opening unauthenticated socket")

	dialed, err := m.breaker.Execute(func() (interface{}, error) {
		return m.dial(ctx, m.opts.ServerURL+authSocketPath, socket.DialOptions{
			Header:  m.baseHeader(),
			Timeout: m.opts.ConnectTimeout,
			Proxy:   m.opts.Proxy,
		})
	})
	if err != nil {
		m.metrics.ObserveConnect(metrics.ChannelUnauth, "error")
		p.settle(nil, err)
		m.mu.Lock()
		if gen == m.unauthGen && m.unauth == p {
			m.unauth = nil
		}
		m.mu.Unlock()
		return
	}

	res := socket.NewResource(dialed.(socket.Conn), socket.Options{
		Name:              metrics.ChannelUnauth,
		KeepAliveInterval: m.opts.KeepAliveInterval,
		KeepAliveTimeout:  m.opts.KeepAliveTimeout,
	})
	m.metrics.ObserveConnect(metrics.ChannelUnauth, "ok")

	m.mu.Lock()
	if gen != m.unauthGen || m.offline {
		m.mu.Unlock()
		res.Close(socket.CloseCodeIntentional, "superseded")
		p.settle(res, nil)
		return
	}
	// One expiry timer per resource instance; superseding the resource
	// cancels it.
	m.stopUnauthExpiryLocked()
	m.unauthExpiry = time.AfterFunc(m.opts.UnauthExpiry, func() {
		m.rotateUnauth(gen)
	})
	m.mu.Unlock()
	p.settle(res, nil)

	go func() {
		<-res.Closed()
		m.handleUnauthClose(gen)
	}()
}

// rotateUnauth gracefully retires an expired unauthenticated resource and,
// if it is still the current one, immediately starts a replacement.
// Replacement failures are logged, not surfaced; the next fetch retries.
func (m *Manager) rotateUnauth(gen uint64) {
	m.mu.Lock()
	if gen != m.unauthGen || m.unauth == nil || m.offline {
		m.mu.Unlock()
		return
	}
	log.Info().Msg("unauthenticated socket expired, rotating")
	old := m.unauth
	m.unauthExpiry = nil
	replacement := m.startUnauthProcessLocked()
	m.mu.Unlock()

	old.Abort()
	go func() {
		if _, err := replacement.Result(context.Background()); err != nil {
			log.Warn().Err(err).Msg("unauthenticated socket rotation failed")
		}
	}()
}

// handleUnauthClose reacts to an external close of the unauthenticated
// resource: cancel the pending expiry and drop the slot. Reconnection is
// demand-driven only.
func (m *Manager) handleUnauthClose(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.unauthGen {
		return
	}
	m.stopUnauthExpiryLocked()
	m.unauth = nil
	m.unauthGen++
}

func coerceBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedBody, body)
	}
}
