// Package quic implements the QUIC + TLS 1.3 transport. Each transport
// connection carries exactly one bidirectional stream.
package quic

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/multierr"

	"github.com/WebFirstLanguage/weeb3/pkg/constants"
	"github.com/WebFirstLanguage/weeb3/pkg/transport"
)

// lingerTimeout bounds how long Close waits for the peer to finish the stream
const lingerTimeout = 2 * time.Second

// Transport implements the QUIC transport
type Transport struct {
	config *transport.Config
}

// New creates a QUIC transport. A nil config uses transport.DefaultConfig.
func New(config *transport.Config) transport.Transport {
	if config == nil {
		config = transport.DefaultConfig()
	}
	return &Transport{config: config}
}

// Name returns the transport name
func (t *Transport) Name() string {
	return "quic"
}

// DefaultPort returns the default QUIC port
func (t *Transport) DefaultPort() int {
	return constants.DefaultP2PPort
}

func (t *Transport) quicConfig() *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: t.config.ConnectTimeout,
		MaxIdleTimeout:       t.config.MaxIdleTimeout,
		KeepAlivePeriod:      t.config.KeepAlive,
	}
}

// Listen starts listening for QUIC connections
func (t *Transport) Listen(ctx context.Context, addr string, tlsConfig *tls.Config) (transport.Listener, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	listener, err := quic.ListenAddr(udpAddr.String(), t.config.PrepareTLS(tlsConfig), t.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create QUIC listener: %w", err)
	}

	return &Listener{listener: listener}, nil
}

// Dial establishes a QUIC connection and opens its stream
func (t *Transport) Dial(ctx context.Context, addr string, tlsConfig *tls.Config) (transport.Conn, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.config.ConnectTimeout)
	defer cancel()

	connection, err := quic.DialAddr(dialCtx, addr, t.config.PrepareTLS(tlsConfig), t.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to dial QUIC connection: %w", err)
	}

	stream, err := connection.OpenStreamSync(dialCtx)
	if err != nil {
		connection.CloseWithError(0, "failed to open stream")
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}

	return &Conn{connection: connection, stream: stream}, nil
}

// Listener wraps a QUIC listener
type Listener struct {
	listener *quic.Listener
}

// Accept returns the next connection once its peer has opened a stream
func (l *Listener) Accept(ctx context.Context) (transport.Conn, error) {
	connection, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}

	stream, err := connection.AcceptStream(ctx)
	if err != nil {
		connection.CloseWithError(0, "failed to accept stream")
		return nil, fmt.Errorf("%w: failed to accept stream: %w", transport.ErrHandshake, err)
	}

	return &Conn{connection: connection, stream: stream}, nil
}

// Close closes the listener
func (l *Listener) Close() error {
	return l.listener.Close()
}

// Addr returns the listener's network address
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Conn wraps a QUIC connection and its single stream
type Conn struct {
	connection *quic.Conn
	stream     *quic.Stream
}

func (c *Conn) Read(b []byte) (n int, err error) {
	return c.stream.Read(b)
}

func (c *Conn) Write(b []byte) (n int, err error) {
	return c.stream.Write(b)
}

// Close finishes the send side of the stream and waits up to lingerTimeout
// for the peer to finish its side before closing the connection. Closing the
// connection right away would discard data still in flight to the peer.
func (c *Conn) Close() error {
	err := c.stream.Close()
	c.stream.SetReadDeadline(time.Now().Add(lingerTimeout))
	io.Copy(io.Discard, c.stream)
	return multierr.Append(err, c.connection.CloseWithError(0, "normal close"))
}

func (c *Conn) LocalAddr() net.Addr {
	return c.connection.LocalAddr()
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.connection.RemoteAddr()
}

func (c *Conn) SetDeadline(t time.Time) error {
	return c.stream.SetDeadline(t)
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.stream.SetReadDeadline(t)
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.stream.SetWriteDeadline(t)
}

// ConnectionState returns the TLS connection state
func (c *Conn) ConnectionState() tls.ConnectionState {
	return c.connection.ConnectionState().TLS
}
