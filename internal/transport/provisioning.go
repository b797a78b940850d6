package transport

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/courier-im/courier/internal/metrics"
	"github.com/courier-im/courier/internal/socket"
)

// GetProvisioningResource opens the one-shot unauthenticated-style socket
// used during device linking. The resource is not tracked in either channel
// slot: the caller owns it, receives its inbound requests through handler,
// and must close it when the linking ritual completes.
func (m *Manager) GetProvisioningResource(ctx context.Context, handler socket.RequestHandler) (*socket.Resource, error) {
	m.mu.Lock()
	offline := m.offline
	m.mu.Unlock()
	if offline {
		return nil, socket.ErrOffline()
	}

	attempt := uuid.NewString()
	log.Info().Str("attempt", attempt).Msg("opening provisioning socket")

	conn, err := m.dial(ctx, m.opts.ServerURL+provisioningSocketPath, socket.DialOptions{
		Header:  m.baseHeader(),
		Timeout: m.opts.ConnectTimeout,
		Proxy:   m.opts.Proxy,
	})
	if err != nil {
		m.metrics.ObserveConnect(metrics.ChannelProvisioning, "error")
		log.Warn().Err(err).Str("attempt", attempt).Msg("provisioning connect failed")
		return nil, err
	}
	m.metrics.ObserveConnect(metrics.ChannelProvisioning, "ok")

	return socket.NewResource(conn, socket.Options{
		Name:              metrics.ChannelProvisioning,
		Handler:           handler,
		KeepAliveInterval: m.opts.KeepAliveInterval,
		KeepAliveTimeout:  m.opts.KeepAliveTimeout,
	}), nil
}
