package transport

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/mcpflow/internal/tlsutil"
	"github.com/BaSui01/mcpflow/registry"
	"github.com/BaSui01/mcpflow/types"
)

// ClientPool caches one socket client per worker endpoint and hands them
// out by registration. Endpoints starting with "ws://" or "wss://" get a
// WebSocket client, "tls://" a framed TCP client over TLS, everything
// else a plaintext framed TCP client. A crashed connection is evicted so
// the next request redials.
type ClientPool struct {
	logger      *zap.Logger
	dialTimeout time.Duration

	mu      sync.Mutex
	clients map[string]Transport
	local   Transport
	closed  bool

	// onCrash is invoked with the worker address whose connection
	// dropped; the supervisor hooks registry eviction here.
	onCrash func(addr types.Address, err error)
}

// NewClientPool creates an empty pool.
func NewClientPool(logger *zap.Logger) *ClientPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClientPool{
		logger:      logger.With(zap.String("component", "transport.pool")),
		dialTimeout: 5 * time.Second,
		clients:     make(map[string]Transport),
	}
}

// SetLocal installs the transport used for registrations without an
// endpoint (in-process workers).
func (p *ClientPool) SetLocal(t Transport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = t
}

// OnCrash registers the connection-loss callback.
func (p *ClientPool) OnCrash(fn func(addr types.Address, err error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCrash = fn
}

// TransportFor returns the transport reaching the registered worker,
// dialing and caching on first use.
func (p *ClientPool) TransportFor(reg registry.Registration) (Transport, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, types.NewError(types.ErrServiceUnavailable, "client pool closed")
	}
	if reg.Endpoint == "" {
		local := p.local
		p.mu.Unlock()
		if local == nil {
			return nil, types.NewError(types.ErrServiceUnavailable,
				"no local transport for "+reg.Address.String())
		}
		return local, nil
	}
	if t, ok := p.clients[reg.Endpoint]; ok {
		p.mu.Unlock()
		return t, nil
	}
	p.mu.Unlock()

	t, err := p.dial(reg)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = t.Close()
		return nil, types.NewError(types.ErrServiceUnavailable, "client pool closed")
	}
	// A concurrent dial may have won; keep the first one.
	if existing, ok := p.clients[reg.Endpoint]; ok {
		_ = t.Close()
		return existing, nil
	}
	p.clients[reg.Endpoint] = t
	return t, nil
}

func (p *ClientPool) dial(reg registry.Registration) (Transport, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.dialTimeout)
	defer cancel()

	evict := func(err error) {
		p.mu.Lock()
		delete(p.clients, reg.Endpoint)
		onCrash := p.onCrash
		p.mu.Unlock()
		p.logger.Warn("worker connection lost",
			zap.String("endpoint", reg.Endpoint),
			zap.String("address", reg.Address.String()),
			zap.Error(err),
		)
		if onCrash != nil {
			onCrash(reg.Address, err)
		}
	}

	if strings.HasPrefix(reg.Endpoint, "ws://") || strings.HasPrefix(reg.Endpoint, "wss://") {
		c, err := DialWS(ctx, WSConfig{URL: reg.Endpoint, Logger: p.logger})
		if err != nil {
			return nil, err
		}
		c.OnCrash(evict)
		return c, nil
	}

	sockCfg := SocketConfig{
		Endpoint:    reg.Endpoint,
		DialTimeout: p.dialTimeout,
		Logger:      p.logger,
	}
	if ep, ok := strings.CutPrefix(reg.Endpoint, "tls://"); ok {
		host, _, err := net.SplitHostPort(ep)
		if err != nil {
			return nil, types.NewError(types.ErrConstraintInvalid, "bad tls endpoint "+reg.Endpoint).WithCause(err)
		}
		sockCfg.Endpoint = ep
		sockCfg.TLS = tlsutil.ClientConfig(host, false)
	}
	c, err := DialSocket(ctx, sockCfg)
	if err != nil {
		return nil, err
	}
	c.OnCrash(evict)
	return c, nil
}

// Close closes every pooled client.
func (p *ClientPool) Close() error {
	p.mu.Lock()
	p.closed = true
	clients := make([]Transport, 0, len(p.clients))
	for ep, t := range p.clients {
		delete(p.clients, ep)
		clients = append(clients, t)
	}
	p.mu.Unlock()

	var firstErr error
	for _, t := range clients {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
