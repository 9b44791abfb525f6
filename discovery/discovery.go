// Package discovery locates rendering service instances.
//
// A rendering service announces the address of its websocket endpoint under a
// service name; clients look the name up before connecting instead of being
// configured with a fixed host:port.
package discovery

import "context"

// Instance is one announced rendering service endpoint.
type Instance struct {
	Addr    string `json:"addr"`              // host:port or ws(s):// URL
	Weight  int    `json:"weight"`            // Relative capacity, used by weighted balancers
	Version string `json:"version,omitempty"` // Service version, informational
	TLS     bool   `json:"tls,omitempty"`     // Endpoint expects wss
}

// Discoverer resolves a service name to its live instances.
type Discoverer interface {
	Discover(ctx context.Context, service string) ([]Instance, error)
}

// Registry is a Discoverer that services can also announce themselves in.
type Registry interface {
	Discoverer
	Register(ctx context.Context, service string, instance Instance, ttl int64) error
	Deregister(ctx context.Context, service string, addr string) error
	Watch(ctx context.Context, service string) <-chan []Instance
}

// Static is a fixed instance list, handy for tests and single-host setups.
type Static map[string][]Instance

func (s Static) Discover(_ context.Context, service string) ([]Instance, error) {
	return s[service], nil
}
