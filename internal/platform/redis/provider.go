package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"strings"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/hanko-field/cartengine/internal/platform/config"
)

var ErrProviderClosed = errors.New("redis: provider is closed")

// Provider owns the shared Redis client used by the cart store.
type Provider struct {
	cfg config.RedisConfig

	mu     sync.Mutex
	client *goredis.Client
	closed bool
}

// ProviderOption customises the Provider behaviour.
type ProviderOption func(*Provider)

// WithClient injects a pre-built client, typically pointed at an in-memory server in tests.
func WithClient(client *goredis.Client) ProviderOption {
	return func(p *Provider) {
		if client != nil {
			p.client = client
		}
	}
}

// NewProvider constructs a Provider using the supplied configuration. The connection pool is
// created lazily by go-redis on first use.
func NewProvider(cfg config.RedisConfig, opts ...ProviderOption) *Provider {
	provider := &Provider{cfg: cfg}
	for _, opt := range opts {
		if opt != nil {
			opt(provider)
		}
	}
	return provider
}

// Client returns the shared client, building it on first call.
func (p *Provider) Client() (*goredis.Client, error) {
	if p == nil {
		return nil, errors.New("redis: provider is nil")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrProviderClosed
	}
	if p.client != nil {
		return p.client, nil
	}
	addr := strings.TrimSpace(p.cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis: address is required")
	}
	p.client = goredis.NewClient(clientOptions(p.cfg))
	return p.client, nil
}

// Ping verifies connectivity with the configured server.
func (p *Provider) Ping(ctx context.Context) error {
	client, err := p.Client()
	if err != nil {
		return err
	}
	return WrapError("redis.ping", client.Ping(ctx).Err())
}

// Close releases the connection pool. The Provider cannot be reused afterwards.
func (p *Provider) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	client := p.client
	p.client = nil
	if client == nil {
		return nil
	}
	return client.Close()
}

func clientOptions(cfg config.RedisConfig) *goredis.Options {
	opts := &goredis.Options{
		Addr:         strings.TrimSpace(cfg.Addr),
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts
}
