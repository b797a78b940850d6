// Package transport implements the client endpoint that multiplexes all
// traffic to the messaging backend over two logical WebSocket connections,
// one authenticated and one anonymous. It presents a fetch-like
// request/response surface, a push-request handler registry, and
// online/offline/authenticate/logout lifecycle calls.
package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/courier-im/courier/internal/backoff"
	"github.com/courier-im/courier/internal/config"
	"github.com/courier-im/courier/internal/metrics"
	"github.com/courier-im/courier/internal/socket"
)

// Endpoint paths on the backend.
const (
	authSocketPath         = "/v1/websocket/"
	provisioningSocketPath = "/v1/websocket/provisioning/"
)

// ErrNoCredentials is returned by Authenticate when both credential fields
// are empty: no authenticated connection is ever attempted without them.
var ErrNoCredentials = errors.New("transport: no credentials stored")

// Status is the authoritative connection state of the authenticated channel.
type Status int

const (
	StatusClosed Status = iota
	StatusConnecting
	StatusOpen
)

func (s Status) String() string {
	switch s {
	case StatusClosed:
		return "closed"
	case StatusConnecting:
		return "connecting"
	case StatusOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Credentials identifies the device to the backend.
type Credentials struct {
	Username string
	Password string
}

// Empty reports whether no credentials are present.
func (c Credentials) Empty() bool {
	return c.Username == "" && c.Password == ""
}

// BasicAuth renders the credentials as an HTTP Basic Authorization value.
func (c Credentials) BasicAuth() string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(c.Username+":"+c.Password))
}

// Options configures a Manager.
type Options struct {
	// ServerURL is the backend base URL (http(s) or ws(s) scheme).
	ServerURL string
	// Proxy optionally routes the handshake through a CONNECT proxy.
	Proxy *url.URL
	// UserAgent is sent on every handshake.
	UserAgent string
	// Dial overrides the connect primitive; socket.Dial when nil.
	Dial socket.DialFunc

	ConnectTimeout    time.Duration
	RequestTimeout    time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	// UnauthExpiry is the fixed lifetime of an unauthenticated resource
	// before it is rotated.
	UnauthExpiry time.Duration

	// BackoffBase and BackoffMax bound the reconnect delay sequence.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// ReconnectOnAmbiguousClose keeps the historical behavior of
	// reconnecting on close codes that are neither the intentional sentinel
	// nor clearly transient.
	ReconnectOnAmbiguousClose bool

	// BreakerFailures and BreakerCooldown tune the circuit breaker guarding
	// demand-driven unauthenticated dials.
	BreakerFailures uint32
	BreakerCooldown time.Duration

	// Metrics receives instrumentation; nil disables it.
	Metrics *metrics.Registry
}

// OptionsFromConfig maps a loaded config file onto manager options.
func OptionsFromConfig(cfg *config.Config, m *metrics.Registry) (Options, error) {
	var proxy *url.URL
	if cfg.Server.Proxy != "" {
		u, err := url.Parse(cfg.Server.Proxy)
		if err != nil {
			return Options{}, err
		}
		proxy = u
	}
	return Options{
		ServerURL:                 cfg.Server.URL,
		Proxy:                     proxy,
		UserAgent:                 cfg.Server.UserAgent,
		ConnectTimeout:            cfg.Socket.ConnectTimeout(),
		RequestTimeout:            cfg.Socket.RequestTimeout(),
		KeepAliveInterval:         cfg.Socket.KeepAliveInterval(),
		KeepAliveTimeout:          cfg.Socket.KeepAliveTimeout(),
		UnauthExpiry:              cfg.Socket.UnauthExpiry(),
		BackoffBase:               cfg.Backoff.BaseDuration(),
		BackoffMax:                cfg.Backoff.MaxDuration(),
		ReconnectOnAmbiguousClose: cfg.Socket.ReconnectOnAmbiguousCloseEnabled(),
		BreakerFailures:           cfg.Breaker.ConsecutiveFailures,
		BreakerCooldown:           cfg.Breaker.Cooldown(),
		Metrics:                   m,
	}, nil
}

// Manager orchestrates the two logical channel slots. Each slot holds zero
// or one connect process, replaced wholesale on reconnect; a generation
// counter per slot lets late events detect that they belong to a superseded
// attempt.
type Manager struct {
	opts    Options
	dial    socket.DialFunc
	metrics *metrics.Registry
	breaker *gobreaker.CircuitBreaker
	checkLM *rate.Limiter

	mu      sync.Mutex
	status  Status
	creds   Credentials
	offline bool
	backoff *backoff.Policy

	auth     *process
	authGen  uint64
	authWait *time.Timer // pending backoff reconnect

	unauth       *process
	unauthGen    uint64
	unauthExpiry *time.Timer

	registry  *registry
	statusObs observerList[Status]
	authObs   observerList[error]
}

// NewManager builds a manager in the Closed state. Defaults are applied for
// any zero-valued timing option.
func NewManager(opts Options) *Manager {
	if opts.Dial == nil {
		opts.Dial = socket.Dial
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = socket.DefaultConnectTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = socket.DefaultRequestTimeout
	}
	if opts.UnauthExpiry <= 0 {
		opts.UnauthExpiry = 5 * time.Minute
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = 30 * time.Second
	}

	m := &Manager{
		opts:    opts,
		dial:    opts.Dial,
		metrics: opts.Metrics,
		backoff: backoff.New(opts.BackoffBase, opts.BackoffMax),
		checkLM: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	m.registry = newRegistry(opts.Metrics)
	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "unauthenticated-dial",
		Timeout: opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})
	return m
}

// GetStatus returns the current connection status.
func (m *Manager) GetStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// OnStatusChange subscribes to status transitions. The callback runs off
// the manager lock and observes transitions in the order they happened.
func (m *Manager) OnStatusChange(fn func(Status)) (unsubscribe func()) {
	return m.statusObs.subscribe(fn)
}

// OnAuthError subscribes to authentication rejections (HTTP 401/403 during
// the authenticated handshake).
func (m *Manager) OnAuthError(fn func(error)) (unsubscribe func()) {
	return m.authObs.subscribe(fn)
}

// RegisterRequestHandler adds a consumer of inbound push requests on the
// authenticated channel, draining any backlog queued before the first
// handler appeared. The returned function unregisters the handler.
func (m *Manager) RegisterRequestHandler(h socket.RequestHandler) (unregister func()) {
	return m.registry.register(h)
}

// Authenticate stores credentials and establishes the authenticated
// channel, blocking until the attempt settles. Calling it again with the
// credentials of the already-active connection coalesces onto the existing
// attempt instead of reconnecting.
func (m *Manager) Authenticate(ctx context.Context, creds Credentials) error {
	if creds.Empty() {
		return ErrNoCredentials
	}

	m.mu.Lock()
	if m.offline {
		m.mu.Unlock()
		return socket.ErrOffline()
	}
	if m.auth != nil && m.creds == creds {
		p := m.auth
		m.mu.Unlock()
		log.Debug().Msg("authenticate call coalesced onto active connection")
		_, err := p.Result(ctx)
		return err
	}

	m.creds = creds
	p := m.startAuthProcessLocked()
	m.mu.Unlock()

	_, err := p.Result(ctx)
	return err
}

// startAuthProcessLocked aborts any previous authenticated process and
// launches a new connect attempt. Caller holds m.mu.
func (m *Manager) startAuthProcessLocked() *process {
	if m.auth != nil {
		m.auth.Abort()
		m.auth = nil
	}
	m.stopReconnectTimerLocked()

	m.authGen++
	gen := m.authGen

	ctx, cancel := context.WithCancel(context.Background())
	p := newProcess("authenticated", gen, cancel)
	m.auth = p
	m.setStatusLocked(StatusConnecting)

	go m.connectAuthenticated(ctx, gen, p)
	return p
}

func (m *Manager) connectAuthenticated(ctx context.Context, gen uint64, p *process) {
	m.mu.Lock()
	creds := m.creds
	m.mu.Unlock()

	log.Info().Str("channel", metrics.ChannelAuth).Msg("opening authenticated socket")
	conn, err := m.dial(ctx, m.opts.ServerURL+authSocketPath, socket.DialOptions{
		Query: url.Values{
			"login":    {creds.Username},
			"password": {creds.Password},
		},
		Header:  m.baseHeader(),
		Timeout: m.opts.ConnectTimeout,
		Proxy:   m.opts.Proxy,
	})
	if err != nil {
		m.metrics.ObserveConnect(metrics.ChannelAuth, "error")
		p.settle(nil, err)
		m.handleAuthConnectFailure(gen, err)
		return
	}

	res := socket.NewResource(conn, socket.Options{
		Name:              metrics.ChannelAuth,
		Handler:           m.registry.dispatch,
		KeepAliveInterval: m.opts.KeepAliveInterval,
		KeepAliveTimeout:  m.opts.KeepAliveTimeout,
	})
	m.metrics.ObserveConnect(metrics.ChannelAuth, "ok")

	m.mu.Lock()
	if gen != m.authGen || m.offline {
		m.mu.Unlock()
		res.Close(socket.CloseCodeIntentional, "superseded")
		p.settle(res, nil)
		return
	}
	m.backoff.Reset()
	m.setStatusLocked(StatusOpen)
	m.mu.Unlock()
	p.settle(res, nil)

	go func() {
		<-res.Closed()
		m.handleAuthClose(gen, res.CloseInfo())
	}()
}

func (m *Manager) handleAuthConnectFailure(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.authGen {
		m.mu.Unlock()
		return
	}
	m.auth = nil
	m.setStatusLocked(StatusClosed)

	if m.offline {
		m.mu.Unlock()
		return
	}

	switch {
	case socket.IsAuthFailure(err):
		m.mu.Unlock()
		m.metrics.ObserveAuthFailure()
		log.Warn().Err(err).Msg("authenticated handshake rejected, not retrying")
		m.authObs.notify(err)
	case socket.IsTransient(err):
		delay := m.backoff.Next()
		m.scheduleReconnectLocked(gen, delay)
		m.mu.Unlock()
		log.Warn().Err(err).Dur("retry_in", delay).Msg("authenticated connect failed, retrying")
	default:
		m.mu.Unlock()
		log.Error().Err(err).Msg("authenticated connect failed, giving up")
	}
}

// handleAuthClose reacts to the authenticated resource closing. A close
// from a superseded generation is ignored entirely.
func (m *Manager) handleAuthClose(gen uint64, info socket.CloseInfo) {
	m.mu.Lock()
	if gen != m.authGen {
		m.mu.Unlock()
		return
	}
	m.auth = nil
	m.setStatusLocked(StatusClosed)
	m.registry.clear()

	if m.offline || info.Intentional() {
		m.mu.Unlock()
		return
	}
	if m.creds.Empty() {
		m.mu.Unlock()
		return
	}
	if !m.opts.ReconnectOnAmbiguousClose && !transientCloseCode(info.Code) {
		m.mu.Unlock()
		log.Warn().Int("code", info.Code).Msg("ambiguous close code, reconnect disabled by policy")
		return
	}

	delay := m.backoff.Next()
	m.scheduleReconnectLocked(gen, delay)
	m.mu.Unlock()

	log.Warn().Int("code", info.Code).Str("reason", info.Reason).
		Dur("retry_in", delay).Msg("authenticated socket closed, scheduling reconnect")
}

// scheduleReconnectLocked arms the backoff timer for the given generation.
// The callback re-checks currency before acting. Caller holds m.mu.
func (m *Manager) scheduleReconnectLocked(gen uint64, delay time.Duration) {
	m.metrics.ObserveReconnect()
	m.stopReconnectTimerLocked()
	m.authWait = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if gen != m.authGen || m.offline || m.auth != nil || m.creds.Empty() {
			m.mu.Unlock()
			return
		}
		m.startAuthProcessLocked()
		m.mu.Unlock()
	})
}

func (m *Manager) stopReconnectTimerLocked() {
	if m.authWait != nil {
		m.authWait.Stop()
		m.authWait = nil
	}
}

// Logout aborts the authenticated channel and forgets the credentials. It
// does not touch the offline flag or the unauthenticated channel.
func (m *Manager) Logout() {
	m.mu.Lock()
	m.creds = Credentials{}
	m.dropAuthLocked("logout")
	m.mu.Unlock()
	log.Info().Msg("logged out")
}

// OnOffline drops both channels immediately and suppresses all network
// activity until OnOnline.
func (m *Manager) OnOffline() {
	m.mu.Lock()
	m.offline = true
	m.dropAuthLocked("offline")
	m.dropUnauthLocked()
	m.mu.Unlock()
	log.Info().Msg("transport offline")
}

// OnOnline clears the offline flag and, if credentials are stored,
// reestablishes the authenticated channel.
func (m *Manager) OnOnline(ctx context.Context) error {
	m.mu.Lock()
	m.offline = false
	creds := m.creds
	m.mu.Unlock()
	log.Info().Msg("transport online")

	if creds.Empty() {
		return nil
	}
	return m.Authenticate(ctx, creds)
}

// Check issues a forced keepalive on whichever resources currently exist,
// as an external liveness probe. No-op while offline; rate-limited to once
// per second.
func (m *Manager) Check() {
	m.mu.Lock()
	offline := m.offline
	auth, unauth := m.auth, m.unauth
	m.mu.Unlock()

	if offline || !m.checkLM.Allow() {
		return
	}
	if auth != nil {
		if res := auth.resource(); res != nil {
			res.ForceKeepAlive()
			m.metrics.ObserveKeepAlive(metrics.ChannelAuth)
		}
	}
	if unauth != nil {
		if res := unauth.resource(); res != nil {
			res.ForceKeepAlive()
			m.metrics.ObserveKeepAlive(metrics.ChannelUnauth)
		}
	}
}

// dropAuthLocked aborts and discards the authenticated slot, invalidating
// any pending reconnect or close callbacks. Caller holds m.mu.
func (m *Manager) dropAuthLocked(reason string) {
	m.stopReconnectTimerLocked()
	if m.auth != nil {
		log.Debug().Str("reason", reason).Msg("dropping authenticated socket")
		m.auth.Abort()
		m.auth = nil
	}
	m.authGen++
	m.registry.clear()
	m.setStatusLocked(StatusClosed)
}

// dropUnauthLocked aborts and discards the unauthenticated slot. Caller
// holds m.mu.
func (m *Manager) dropUnauthLocked() {
	m.stopUnauthExpiryLocked()
	if m.unauth != nil {
		m.unauth.Abort()
		m.unauth = nil
	}
	m.unauthGen++
}

func (m *Manager) stopUnauthExpiryLocked() {
	if m.unauthExpiry != nil {
		m.unauthExpiry.Stop()
		m.unauthExpiry = nil
	}
}

// setStatusLocked transitions the status and notifies subscribers. Caller
// holds m.mu; delivery happens off the observer list's own goroutine, in
// transition order, so observers may call back into the manager and always
// see the transitions as they happened.
func (m *Manager) setStatusLocked(s Status) {
	if m.status == s {
		return
	}
	log.Debug().Str("from", m.status.String()).Str("to", s.String()).Msg("socket status change")
	m.status = s
	m.metrics.SetStatus(float64(s))
	m.statusObs.notify(s)
}

func (m *Manager) baseHeader() http.Header {
	h := http.Header{}
	if m.opts.UserAgent != "" {
		h.Set("User-Agent", m.opts.UserAgent)
	}
	return h
}

// transientCloseCode reports whether a close code clearly indicates a
// transient condition worth reconnecting through even under the strict
// close policy.
func transientCloseCode(code int) bool {
	switch code {
	case -1, 1001, 1006, 1012, 1013:
		return true
	default:
		return false
	}
}
