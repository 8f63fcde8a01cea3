// Package tcp implements the TCP + TLS 1.3 transport, the fallback for
// peers that only expose a TCP underlay.
package tcp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/WebFirstLanguage/weeb3/pkg/constants"
	"github.com/WebFirstLanguage/weeb3/pkg/transport"
)

// Transport implements the TCP+TLS transport
type Transport struct {
	config *transport.Config
}

// New creates a TCP transport. A nil config uses transport.DefaultConfig.
func New(config *transport.Config) transport.Transport {
	if config == nil {
		config = transport.DefaultConfig()
	}
	return &Transport{config: config}
}

// Name returns the transport name
func (t *Transport) Name() string {
	return "tcp"
}

// DefaultPort returns the default TCP port (shared with QUIC)
func (t *Transport) DefaultPort() int {
	return constants.DefaultP2PPort
}

// Listen starts listening for TCP+TLS connections
func (t *Transport) Listen(ctx context.Context, addr string, tlsConfig *tls.Config) (transport.Listener, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve TCP address: %w", err)
	}

	listener, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create TCP listener: %w", err)
	}

	return &Listener{
		listener:  listener,
		tlsConfig: t.config.PrepareTLS(tlsConfig),
	}, nil
}

// Dial establishes a TCP+TLS connection
func (t *Transport) Dial(ctx context.Context, addr string, tlsConfig *tls.Config) (transport.Conn, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{
			Timeout:   t.config.ConnectTimeout,
			KeepAlive: t.config.KeepAlive,
		},
		Config: t.config.PrepareTLS(tlsConfig),
	}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial TCP+TLS connection: %w", err)
	}

	return &Conn{Conn: conn.(*tls.Conn)}, nil
}

// Listener wraps a TCP listener with TLS
type Listener struct {
	listener  *net.TCPListener
	tlsConfig *tls.Config
}

// Accept waits for the next connection and completes its TLS handshake
func (l *Listener) Accept(ctx context.Context) (transport.Conn, error) {
	if deadline, ok := ctx.Deadline(); ok {
		l.listener.SetDeadline(deadline)
	}

	tcpConn, err := l.listener.AcceptTCP()
	if err != nil {
		return nil, err
	}

	tlsConn := tls.Server(tcpConn, l.tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		tcpConn.Close()
		return nil, fmt.Errorf("%w: TLS: %w", transport.ErrHandshake, err)
	}

	return &Conn{Conn: tlsConn}, nil
}

// Close closes the listener
func (l *Listener) Close() error {
	return l.listener.Close()
}

// Addr returns the listener's network address
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Conn is a TLS connection; *tls.Conn already satisfies transport.Conn
type Conn struct {
	*tls.Conn
}
