package servers

import (
	"context"
	"fmt"
	"net"
	"time"

	xproxy "golang.org/x/net/proxy"
)

// DefaultSOCKSTarget is the destination requested through the relay by the
// socks strategy.
const DefaultSOCKSTarget = "am.i.mullvad.net:443"

// Strategy defines how a single SOCKS endpoint is measured.
type Strategy interface {
	// Name returns the strategy identifier ("tcp" or "socks").
	Name() string
	// Measure returns the time taken to reach addr.
	Measure(ctx context.Context, dial DialFunc, addr string) (time.Duration, error)
}

// TCPStrategy times the TCP handshake with the endpoint. It only shows that
// the relay is reachable.
type TCPStrategy struct{}

func (TCPStrategy) Name() string { return "tcp" }

func (TCPStrategy) Measure(ctx context.Context, dial DialFunc, addr string) (time.Duration, error) {
	start := time.Now()
	conn, err := dial(ctx, "tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("tcp handshake failed: %w", err)
	}
	elapsed := time.Since(start)
	conn.Close()
	return elapsed, nil
}

// SOCKSStrategy times a full SOCKS5 CONNECT to Target through the endpoint,
// which proves the relay's proxy accepts traffic from this machine.
type SOCKSStrategy struct {
	Target string
}

func (SOCKSStrategy) Name() string { return "socks" }

func (s SOCKSStrategy) Measure(ctx context.Context, dial DialFunc, addr string) (time.Duration, error) {
	target := s.Target
	if target == "" {
		target = DefaultSOCKSTarget
	}

	d, err := xproxy.SOCKS5("tcp", addr, nil, contextDialer(dial))
	if err != nil {
		return 0, err
	}

	start := time.Now()
	conn, err := d.(xproxy.ContextDialer).DialContext(ctx, "tcp", target)
	if err != nil {
		return 0, fmt.Errorf("socks connect failed: %w", err)
	}
	elapsed := time.Since(start)
	conn.Close()
	return elapsed, nil
}

// NewStrategy creates a Strategy by name. Valid names: "tcp", "socks".
func NewStrategy(name string) (Strategy, error) {
	switch name {
	case "tcp", "":
		return TCPStrategy{}, nil
	case "socks":
		return SOCKSStrategy{}, nil
	default:
		return nil, fmt.Errorf("unknown probe strategy: %s (available: tcp, socks)", name)
	}
}

// contextDialer adapts a DialFunc to the forward dialer of x/net/proxy.
type contextDialer DialFunc

func (d contextDialer) Dial(network, addr string) (net.Conn, error) {
	return d(context.Background(), network, addr)
}

func (d contextDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return d(ctx, network, addr)
}
