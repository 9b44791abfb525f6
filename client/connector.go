package client

import (
	"context"
	"crypto/tls"
	"time"

	"render-rpc/discovery"
	"render-rpc/loadbalance"
	"render-rpc/metrics"
	"render-rpc/transport"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DialFunc opens a transport, transport.Dial by default.
type DialFunc func(ctx context.Context, uri string, opts transport.DialOptions) (*transport.Transport, error)

// Connector establishes client connections, retrying while the service is
// not listening yet.
//
//	attempt 1 ──ErrServiceUnavailable──► sleep(AttemptDelay) ──► attempt 2 ... MaxAttempts
//	any other error (protocol, certificate) ──► returned at once, retrying cannot fix it
type Connector struct {
	cfg        Config
	tls        *tls.Config
	logger     *zap.Logger
	metrics    *metrics.Metrics
	discoverer discovery.Discoverer
	balancer   loadbalance.Balancer
	dial       DialFunc
	sleep      func(ctx context.Context, d time.Duration) error
	clientOpts []Option
}

// ConnectorOption configures a Connector.
type ConnectorOption func(*Connector)

// WithConnectorLogger sets the logger of the connector and of the clients it creates.
func WithConnectorLogger(logger *zap.Logger) ConnectorOption {
	return func(c *Connector) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithConnectorMetrics records connection attempts and client activity in m.
func WithConnectorMetrics(m *metrics.Metrics) ConnectorOption {
	return func(c *Connector) { c.metrics = m }
}

// WithDiscovery resolves Config.Service through d and picks an instance with b.
func WithDiscovery(d discovery.Discoverer, b loadbalance.Balancer) ConnectorOption {
	return func(c *Connector) {
		c.discoverer = d
		if b != nil {
			c.balancer = b
		}
	}
}

// WithDialer replaces transport.Dial.
func WithDialer(dial DialFunc) ConnectorOption {
	return func(c *Connector) { c.dial = dial }
}

// WithSleep replaces the pause between attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) ConnectorOption {
	return func(c *Connector) { c.sleep = sleep }
}

// WithClientOptions passes options to every client created by the connector.
func WithClientOptions(opts ...Option) ConnectorOption {
	return func(c *Connector) { c.clientOpts = append(c.clientOpts, opts...) }
}

// NewConnector validates cfg and prepares its TLS settings.
func NewConnector(cfg Config, opts ...ConnectorOption) (*Connector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tlsConfig, err := cfg.TLS.Build()
	if err != nil {
		return nil, err
	}
	c := &Connector{
		cfg:      cfg,
		tls:      tlsConfig,
		logger:   zap.NewNop(),
		balancer: &loadbalance.RoundRobinBalancer{},
		dial:     transport.Dial,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	if cfg.Service != "" && c.discoverer == nil {
		return nil, errors.Errorf("service %q needs a discoverer", cfg.Service)
	}
	return c, nil
}

// Connect is a shortcut for NewConnector(cfg, opts...).Connect(ctx).
func Connect(ctx context.Context, cfg Config, opts ...ConnectorOption) (*Client, error) {
	c, err := NewConnector(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return c.Connect(ctx)
}

// Connect dials until a connection is established, the attempt budget is
// spent, a non-retryable error occurs, or ctx ends.
func (c *Connector) Connect(ctx context.Context) (*Client, error) {
	for attempt := 1; ; attempt++ {
		t, err := c.attempt(ctx)
		if err == nil {
			c.metrics.ConnectAttempt(metrics.AttemptSuccess)
			opts := append([]Option{WithLogger(c.logger), WithMetrics(c.metrics)}, c.clientOpts...)
			return New(t, opts...), nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if !errors.Is(err, transport.ErrServiceUnavailable) {
			c.metrics.ConnectAttempt(metrics.AttemptFatal)
			return nil, err
		}
		c.metrics.ConnectAttempt(metrics.AttemptUnavailable)
		if c.cfg.MaxAttempts != Unbounded && attempt >= c.cfg.MaxAttempts {
			return nil, errors.Wrapf(err, "giving up after %d attempts", attempt)
		}
		c.logger.Info("service unavailable, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", c.cfg.AttemptDelay),
			zap.Error(err))
		if err := c.sleep(ctx, c.cfg.AttemptDelay); err != nil {
			return nil, err
		}
	}
}

func (c *Connector) attempt(ctx context.Context) (*transport.Transport, error) {
	uri, tlsConfig, err := c.target(ctx)
	if err != nil {
		return nil, err
	}
	return c.dial(ctx, uri, transport.DialOptions{
		Options: transport.Options{
			Logger:       c.logger,
			InboxSize:    c.cfg.InboxSize,
			PingInterval: c.cfg.PingInterval,
		},
		TLS:              tlsConfig,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
		ReadLimit:        c.cfg.ReadLimit,
	})
}

// target returns the address to dial. With discovery, an empty or
// unreachable registry counts as the service being unavailable.
func (c *Connector) target(ctx context.Context) (string, *tls.Config, error) {
	if c.cfg.Service == "" {
		return c.cfg.URI, c.tls, nil
	}
	instances, err := c.discoverer.Discover(ctx, c.cfg.Service)
	if err != nil {
		return "", nil, errors.Wrap(transport.ErrServiceUnavailable, err.Error())
	}
	instance, err := c.balancer.Pick(instances)
	if err != nil {
		return "", nil, errors.Wrapf(transport.ErrServiceUnavailable, "%s: %v", c.cfg.Service, err)
	}
	tlsConfig := c.tls
	if instance.TLS && tlsConfig == nil {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	c.logger.Debug("instance selected",
		zap.String("service", c.cfg.Service),
		zap.String("addr", instance.Addr),
		zap.String("balancer", c.balancer.Name()))
	return instance.Addr, tlsConfig, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
