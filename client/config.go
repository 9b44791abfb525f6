package client

import (
	"time"

	"render-rpc/transport"

	"github.com/pkg/errors"
)

// Unbounded disables the connection attempt limit.
const Unbounded = 0

// Config describes how to reach the rendering service.
type Config struct {
	// URI is the service address, "host:port" or a ws(s):// URL.
	URI string
	// Service is looked up through discovery when set, instead of URI.
	Service string
	// TLS enables wss and describes the trusted CAs. nil means plaintext.
	TLS *transport.TLSConfig

	// MaxAttempts bounds connection attempts while the service is
	// unavailable. Unbounded (0) retries until the context ends.
	MaxAttempts int
	// AttemptDelay is the pause between two attempts.
	AttemptDelay time.Duration

	HandshakeTimeout time.Duration
	PingInterval     time.Duration // 0 disables websocket pings
	InboxSize        int           // Inbound frames buffered, 0 uses the transport default
	ReadLimit        int64         // Maximum inbound message size, 0 means no limit
}

// DefaultConfig returns the configuration used by the CLI: a single attempt
// on localhost:5000 without TLS.
func DefaultConfig() Config {
	return Config{
		URI:              "localhost:5000",
		MaxAttempts:      1,
		AttemptDelay:     100 * time.Millisecond,
		HandshakeTimeout: 10 * time.Second,
	}
}

// Validate checks the configuration for obvious mistakes.
func (c Config) Validate() error {
	if c.URI == "" && c.Service == "" {
		return errors.New("either a service uri or a service name is required")
	}
	if c.MaxAttempts < 0 {
		return errors.Errorf("max attempts must be positive or Unbounded, got %d", c.MaxAttempts)
	}
	if c.AttemptDelay < 0 {
		return errors.Errorf("attempt delay must not be negative, got %s", c.AttemptDelay)
	}
	return nil
}
