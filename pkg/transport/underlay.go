package transport

import (
	"fmt"
	"net"
	"strconv"

	ma "github.com/multiformats/go-multiaddr"
)

// Underlay is a dialable peer address resolved from a multiaddr
type Underlay struct {
	Transport string // "quic" or "tcp"
	Addr      string // host:port
}

func (u Underlay) String() string {
	return u.Transport + "://" + u.Addr
}

// Dialable reports an error if u cannot be dialed. Port 0 is only valid for
// listening on an ephemeral port.
func (u Underlay) Dialable() error {
	_, port, err := net.SplitHostPort(u.Addr)
	if err != nil {
		return fmt.Errorf("invalid underlay %s: %w", u, err)
	}
	if port == "0" {
		return fmt.Errorf("underlay %s has no port to dial", u)
	}
	return nil
}

// ParseUnderlay resolves a multiaddr such as /ip4/1.2.3.4/udp/1634/quic-v1
// or /dns4/peer.example/tcp/1634 into a transport name and host:port.
// Port 0 is accepted; see Dialable.
func ParseUnderlay(s string) (Underlay, error) {
	addr, err := ma.NewMultiaddr(s)
	if err != nil {
		return Underlay{}, fmt.Errorf("invalid underlay %q: %w", s, err)
	}

	host, err := hostOf(addr)
	if err != nil {
		return Underlay{}, fmt.Errorf("invalid underlay %q: %w", s, err)
	}

	if port, err := addr.ValueForProtocol(ma.P_UDP); err == nil {
		if _, err := addr.ValueForProtocol(ma.P_QUIC_V1); err != nil {
			return Underlay{}, fmt.Errorf("invalid underlay %q: udp without quic-v1", s)
		}
		if err := checkPort(port); err != nil {
			return Underlay{}, fmt.Errorf("invalid underlay %q: %w", s, err)
		}
		return Underlay{Transport: "quic", Addr: net.JoinHostPort(host, port)}, nil
	}

	if port, err := addr.ValueForProtocol(ma.P_TCP); err == nil {
		if err := checkPort(port); err != nil {
			return Underlay{}, fmt.Errorf("invalid underlay %q: %w", s, err)
		}
		return Underlay{Transport: "tcp", Addr: net.JoinHostPort(host, port)}, nil
	}

	return Underlay{}, fmt.Errorf("invalid underlay %q: no tcp or udp component", s)
}

func hostOf(addr ma.Multiaddr) (string, error) {
	for _, code := range []int{ma.P_IP4, ma.P_IP6, ma.P_DNS4, ma.P_DNS6, ma.P_DNS} {
		if v, err := addr.ValueForProtocol(code); err == nil {
			return v, nil
		}
	}
	return "", fmt.Errorf("no host component")
}

func checkPort(port string) error {
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("bad port %q", port)
	}
	return nil
}
