// Package transport provides the stream transports retrieval requests travel
// over: QUIC (default) and TCP, both secured with TLS 1.3.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/WebFirstLanguage/weeb3/pkg/constants"
)

// ErrHandshake marks Accept failures that concern a single inbound
// connection; the listener stays usable.
var ErrHandshake = errors.New("handshake failed")

// Transport represents a transport protocol (QUIC or TCP)
type Transport interface {
	// Listen starts listening for incoming connections on the given address
	Listen(ctx context.Context, addr string, tlsConfig *tls.Config) (Listener, error)

	// Dial establishes a connection to the given address
	Dial(ctx context.Context, addr string, tlsConfig *tls.Config) (Conn, error)

	// Name returns the transport name (e.g., "quic", "tcp")
	Name() string

	// DefaultPort returns the default port for this transport
	DefaultPort() int
}

// Listener represents a transport listener
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
	Addr() net.Addr
}

// Conn is a single bidirectional stream to a peer
type Conn interface {
	net.Conn

	// ConnectionState returns the TLS connection state
	ConnectionState() tls.ConnectionState
}

// Config holds transport configuration
type Config struct {
	// ALPN protocols to negotiate
	ALPNProtocols []string

	// Connection timeout
	ConnectTimeout time.Duration

	// Keep-alive settings
	KeepAlive time.Duration

	// Maximum idle timeout
	MaxIdleTimeout time.Duration
}

// DefaultConfig returns a default transport configuration
func DefaultConfig() *Config {
	return &Config{
		ALPNProtocols:  []string{constants.ALPN},
		ConnectTimeout: 10 * time.Second,
		KeepAlive:      30 * time.Second,
		MaxIdleTimeout: time.Minute,
	}
}

// PrepareTLS clones tlsConfig and fills in ALPN and the TLS 1.3 minimum
func (c *Config) PrepareTLS(tlsConfig *tls.Config) *tls.Config {
	out := tlsConfig.Clone()
	if out == nil {
		out = &tls.Config{}
	}
	if len(out.NextProtos) == 0 {
		out.NextProtos = append([]string(nil), c.ALPNProtocols...)
	}
	if out.MinVersion == 0 {
		out.MinVersion = tls.VersionTLS13
	}
	return out
}

// Registry manages available transports
type Registry struct {
	mu         sync.RWMutex
	transports map[string]Transport
}

// NewRegistry creates a new transport registry
func NewRegistry() *Registry {
	return &Registry{
		transports: make(map[string]Transport),
	}
}

// Register registers a transport under its name
func (r *Registry) Register(transport Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[transport.Name()] = transport
}

// Get returns the transport with the given name
func (r *Registry) Get(name string) (Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transports[name]
	return t, ok
}

// List returns all registered transport names, sorted
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.transports))
	for name := range r.transports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
