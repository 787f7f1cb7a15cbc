// Package tlsconn is the TLS-over-TCP Connection variant, in client and
// server role.
package tlsconn

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync"

	utls "github.com/refraction-networking/utls"

	"taps/internal/netutil"
	"taps/internal/transport"
	"taps/internal/transport/tcp"
	"taps/internal/transport/underlay"
)

// Role is the side of the handshake a connection played.
type Role uint8

const (
	RoleClient Role = iota + 1
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// Options configures client connections.
type Options struct {
	Trust              Trust
	ALPN               []string
	Fingerprint        string // uTLS ClientHello; empty uses crypto/tls
	InsecureSkipVerify bool
	Dialer             underlay.Dialer
	TCP                netutil.TCPOptions
	ReadBufferSize     int
}

func (o Options) dialer() underlay.Dialer {
	if o.Dialer != nil {
		return o.Dialer
	}
	return underlay.NewDirectDialer(underlay.Config{})
}

// Connect builds the trust store, dials addr and handshakes bound to
// serverName.
func Connect(ctx context.Context, addr, serverName string, opts Options) (*transport.Connection, error) {
	if serverName == "" {
		if host, _, err := net.SplitHostPort(addr); err == nil {
			serverName = host
		}
	}
	cfg, err := ClientConfig(opts.Trust, serverName, opts.ALPN, opts.InsecureSkipVerify)
	if err != nil {
		return nil, transport.NewConnectError(transport.KindTLS, transport.StageTrust, addr, err)
	}

	raw, err := opts.dialer().Dial(ctx, "tcp", addr)
	if err != nil {
		return nil, transport.NewConnectError(transport.KindTLS, transport.StageDial, addr, err)
	}
	netutil.ApplyTCPOptions(raw, opts.TCP)

	var (
		stream tlsStream
		alpn   string
	)
	if opts.Fingerprint != "" {
		var uc *utls.UConn
		uc, err = handshakeUTLS(ctx, raw, cfg, opts.Fingerprint)
		if err == nil {
			stream, alpn = uc, uc.ConnectionState().NegotiatedProtocol
		}
	} else {
		tc := tls.Client(raw, cfg)
		err = tc.HandshakeContext(ctx)
		stream, alpn = tc, tc.ConnectionState().NegotiatedProtocol
	}
	if err != nil {
		_ = raw.Close()
		return nil, transport.NewConnectError(transport.KindTLS, HandshakeStage(err), addr, err)
	}
	return transport.NewConnection(newConn(stream, RoleClient, alpn), transport.WithReadBufferSize(opts.ReadBufferSize)), nil
}

// Server handshakes as the server over an accepted socket. raw is closed
// when the handshake fails.
func Server(ctx context.Context, raw net.Conn, cfg *tls.Config, readBufferSize int) (*transport.Connection, error) {
	tc := tls.Server(raw, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		return nil, transport.NewConnectError(transport.KindTLS, HandshakeStage(err), raw.RemoteAddr().String(), err)
	}
	return transport.NewConnection(newConn(tc, RoleServer, tc.ConnectionState().NegotiatedProtocol), transport.WithReadBufferSize(readBufferSize)), nil
}

// HandshakeStage separates certificate validation failures from other
// handshake failures.
func HandshakeStage(err error) transport.Stage {
	var (
		verr    *tls.CertificateVerificationError
		unknown x509.UnknownAuthorityError
		host    x509.HostnameError
		invalid x509.CertificateInvalidError
	)
	switch {
	case errors.As(err, &verr), errors.As(err, &unknown), errors.As(err, &host), errors.As(err, &invalid):
		return transport.StageTrust
	}
	return transport.StageHandshake
}

// Dialer implements transport.Dialer for TLS.
type Dialer struct {
	ServerName string
	Options    Options
}

func (d *Dialer) Dial(ctx context.Context, addr string) (*transport.Connection, error) {
	return Connect(ctx, addr, d.ServerName, d.Options)
}

// tlsStream is what *tls.Conn and *utls.UConn have in common.
type tlsStream interface {
	net.Conn
	CloseWrite() error
}

// Conn adapts a TLS session to transport.ByteTransport. Client and server
// roles close identically.
type Conn struct {
	tlsStream
	role     Role
	alpn     string
	once     sync.Once
	closeErr error
}

func newConn(s tlsStream, role Role, alpn string) *Conn {
	return &Conn{tlsStream: s, role: role, alpn: alpn}
}

func (c *Conn) Kind() transport.Kind { return transport.KindTLS }
func (c *Conn) Role() Role           { return c.role }

// NegotiatedProtocol reports the ALPN protocol agreed during the handshake.
func (c *Conn) NegotiatedProtocol() string { return c.alpn }

// Shutdown sends close_notify before the socket is closed. CloseWrite,
// promoted from the session, sends close_notify alone.
func (c *Conn) Shutdown() error {
	c.once.Do(func() {
		notifyErr := c.tlsStream.CloseWrite()
		closeErr := c.tlsStream.Close()
		switch {
		case closeErr != nil:
			c.closeErr = closeErr
		case notifyErr != nil:
			c.closeErr = fmt.Errorf("close_notify: %w", notifyErr)
		}
	})
	return c.closeErr
}

// Listener accepts TLS Connections.
type Listener struct {
	ln             net.Listener
	cfg            *tls.Config
	tcp            netutil.TCPOptions
	readBufferSize int
}

// Listen binds addr. Handshakes run in Accept, or in the Handshake of
// what AcceptPending returns.
func Listen(addr string, cfg *tls.Config, tcpOpts netutil.TCPOptions, readBufferSize int) (*Listener, error) {
	if cfg == nil || len(cfg.Certificates) == 0 && cfg.GetCertificate == nil {
		return nil, fmt.Errorf("tls listener requires a certificate")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln, cfg: cfg, tcp: tcpOpts, readBufferSize: readBufferSize}, nil
}

// Accept waits for a client and completes the server handshake.
func (l *Listener) Accept(ctx context.Context) (*transport.Connection, error) {
	p, err := l.AcceptPending(ctx)
	if err != nil {
		return nil, err
	}
	return p.Handshake(ctx)
}

// AcceptPending waits for a client socket only.
func (l *Listener) AcceptPending(ctx context.Context) (transport.Pending, error) {
	raw, err := tcp.AcceptContext(ctx, l.ln)
	if err != nil {
		return nil, err
	}
	netutil.ApplyTCPOptions(raw, l.tcp)
	return &pending{raw: raw, l: l}, nil
}

// pending is an accepted socket that has not seen a ClientHello yet.
type pending struct {
	raw net.Conn
	l   *Listener
}

func (p *pending) Handshake(ctx context.Context) (*transport.Connection, error) {
	return Server(ctx, p.raw, p.l.cfg, p.l.readBufferSize)
}

func (p *pending) RemoteAddr() net.Addr { return p.raw.RemoteAddr() }
func (p *pending) Close() error         { return p.raw.Close() }

func (l *Listener) Close() error   { return l.ln.Close() }
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

var (
	_ transport.Dialer   = (*Dialer)(nil)
	_ transport.Listener = (*Listener)(nil)
)
