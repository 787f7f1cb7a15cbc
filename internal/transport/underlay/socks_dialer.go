package underlay

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/net/proxy"
)

// SOCKSConfig points at a SOCKS5 proxy.
type SOCKSConfig struct {
	Address  string `yaml:"address"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// SOCKSDialer implements dialing through SOCKS5 proxy
type SOCKSDialer struct {
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewSOCKSDialer creates a new SOCKS5 dialer
func NewSOCKSDialer(cfg Config) (*SOCKSDialer, error) {
	cfg.ApplyDefaults()
	if cfg.SOCKS.Address == "" {
		return nil, fmt.Errorf("SOCKS5 address is required")
	}

	var auth *proxy.Auth
	if cfg.SOCKS.Username != "" || cfg.SOCKS.Password != "" {
		auth = &proxy.Auth{
			User:     cfg.SOCKS.Username,
			Password: cfg.SOCKS.Password,
		}
	}

	dialer, err := proxy.SOCKS5("tcp", cfg.SOCKS.Address, auth, &net.Dialer{
		Timeout:   cfg.Timeout,
		KeepAlive: cfg.KeepAlive,
	})
	if err != nil {
		return nil, fmt.Errorf("create SOCKS5 dialer: %w", err)
	}

	return &SOCKSDialer{dial: contextDial(dialer)}, nil
}

// Dial establishes a connection through SOCKS5 proxy
func (d *SOCKSDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	conn, err := d.dial(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("SOCKS5 dial: %w", err)
	}
	return conn, nil
}

func (d *SOCKSDialer) Type() string { return "socks" }
func (d *SOCKSDialer) Close() error { return nil }
