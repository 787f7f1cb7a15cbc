// Package quicstream is the QUIC Connection variant: one QUIC connection
// carrying exactly one bidirectional stream.
package quicstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"taps/internal/transport"
	"taps/internal/transport/tlsconn"
)

// DefaultALPN is offered when no protocol list is configured.
const DefaultALPN = "hq-29"

// DefaultCloseReason accompanies the application close code.
const DefaultCloseReason = "done"

// Options configures both roles.
type Options struct {
	Trust              tlsconn.Trust
	ALPN               []string
	InsecureSkipVerify bool
	HandshakeTimeout   time.Duration
	MaxIdleTimeout     time.Duration
	KeepAlivePeriod    time.Duration
	// ErrorCode and CloseReason are sent with CONNECTION_CLOSE.
	ErrorCode   uint64
	CloseReason string
	// Linger bounds how long Close waits for the peer to close first so
	// that stream data still in flight is not discarded. Negative disables.
	Linger         time.Duration
	ReadBufferSize int
}

// ApplyDefaults fills missing values.
func (o *Options) ApplyDefaults() {
	if len(o.ALPN) == 0 {
		o.ALPN = []string{DefaultALPN}
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 8 * time.Second
	}
	if o.MaxIdleTimeout <= 0 {
		o.MaxIdleTimeout = 45 * time.Second
	}
	if o.KeepAlivePeriod <= 0 {
		o.KeepAlivePeriod = 15 * time.Second
	}
	if o.CloseReason == "" {
		o.CloseReason = DefaultCloseReason
	}
	if o.Linger == 0 {
		o.Linger = 250 * time.Millisecond
	}
}

func cloneOptions(o Options) Options {
	o.ALPN = append([]string(nil), o.ALPN...)
	o.ApplyDefaults()
	return o
}

func (o *Options) quicConfig() *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: o.HandshakeTimeout,
		MaxIdleTimeout:       o.MaxIdleTimeout,
		KeepAlivePeriod:      o.KeepAlivePeriod,
		MaxIncomingStreams:   1,
	}
}

// Connect binds a UDP socket at localBind (empty for any), handshakes with
// remote bound to serverName and opens the connection's single stream.
func Connect(ctx context.Context, remote, localBind, serverName string, opts Options) (*transport.Connection, error) {
	opts = cloneOptions(opts)
	fail := func(stage transport.Stage, err error) (*transport.Connection, error) {
		return nil, transport.NewConnectError(transport.KindQUIC, stage, remote, err)
	}

	raddr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return fail(transport.StageResolve, err)
	}
	var laddr *net.UDPAddr
	if localBind != "" {
		if laddr, err = net.ResolveUDPAddr("udp", localBind); err != nil {
			return fail(transport.StageBind, err)
		}
	}
	udp, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return fail(transport.StageBind, err)
	}

	if serverName == "" {
		if host, _, err := net.SplitHostPort(remote); err == nil {
			serverName = host
		}
	}
	tlsConf, err := tlsconn.ClientConfig(opts.Trust, serverName, opts.ALPN, opts.InsecureSkipVerify)
	if err != nil {
		_ = udp.Close()
		return fail(transport.StageTrust, err)
	}

	tr := &quic.Transport{Conn: udp}
	conn, err := tr.Dial(ctx, raddr, tlsConf, opts.quicConfig())
	if err != nil {
		_ = tr.Close()
		_ = udp.Close()
		return fail(handshakeStage(err), err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(quic.ApplicationErrorCode(opts.ErrorCode), "open")
		_ = tr.Close()
		_ = udp.Close()
		return fail(transport.StageStream, err)
	}

	c := newConn(conn, stream, opts)
	c.tr, c.udp = tr, udp
	return transport.NewConnection(c, transport.WithReadBufferSize(opts.ReadBufferSize)), nil
}

// Dialer implements transport.Dialer for QUIC.
type Dialer struct {
	LocalBind  string
	ServerName string
	Options    Options
}

func (d *Dialer) Dial(ctx context.Context, addr string) (*transport.Connection, error) {
	return Connect(ctx, addr, d.LocalBind, d.ServerName, d.Options)
}

// Conn adapts one QUIC stream to transport.ByteTransport. Client
// connections own their UDP socket and release it on Shutdown.
type Conn struct {
	conn   *quic.Conn
	stream *quic.Stream
	opts   Options
	tr     *quic.Transport
	udp    net.PacketConn

	once     sync.Once
	closeErr error
}

func newConn(conn *quic.Conn, stream *quic.Stream, opts Options) *Conn {
	return &Conn{conn: conn, stream: stream, opts: opts}
}

// Read maps a peer's zero-code application close to io.EOF.
func (c *Conn) Read(p []byte) (int, error) {
	n, err := c.stream.Read(p)
	if err != nil && isGracefulClose(err) {
		err = io.EOF
	}
	return n, err
}

func (c *Conn) Write(p []byte) (int, error) { return c.stream.Write(p) }

// CloseWrite sends FIN on the stream; reading stays possible.
func (c *Conn) CloseWrite() error { return c.stream.Close() }

// Shutdown closes the connection with the configured code. A zero code is
// an orderly close: FIN is sent and the peer gets up to Linger to close
// first, so its reads end in io.EOF. A non-zero code aborts at once and the
// peer's reads fail with that code.
func (c *Conn) Shutdown() error {
	c.once.Do(func() {
		if c.opts.ErrorCode == 0 {
			c.linger()
		}
		c.closeErr = c.conn.CloseWithError(quic.ApplicationErrorCode(c.opts.ErrorCode), c.opts.CloseReason)
		if c.tr != nil {
			_ = c.tr.Close()
		}
		if c.udp != nil {
			if err := c.udp.Close(); err != nil && c.closeErr == nil {
				c.closeErr = err
			}
		}
	})
	return c.closeErr
}

func (c *Conn) linger() {
	_ = c.stream.Close()
	if c.opts.Linger <= 0 {
		return
	}
	t := time.NewTimer(c.opts.Linger)
	defer t.Stop()
	select {
	case <-c.conn.Context().Done():
	case <-t.C:
	}
}

func (c *Conn) SetDeadline(t time.Time) error { return c.stream.SetDeadline(t) }
func (c *Conn) LocalAddr() net.Addr           { return c.conn.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr          { return c.conn.RemoteAddr() }
func (c *Conn) Kind() transport.Kind          { return transport.KindQUIC }

// NegotiatedProtocol reports the ALPN protocol agreed during the handshake.
func (c *Conn) NegotiatedProtocol() string {
	return c.conn.ConnectionState().TLS.NegotiatedProtocol
}

// handshakeStage also recognises certificate alerts the peer sent back.
func handshakeStage(err error) transport.Stage {
	if stage := tlsconn.HandshakeStage(err); stage == transport.StageTrust {
		return stage
	}
	var te *quic.TransportError
	if errors.As(err, &te) && te.ErrorCode.IsCryptoError() {
		switch uint8(te.ErrorCode - 0x100) {
		case 42, 43, 44, 45, 46, 48: // certificate alerts
			return transport.StageTrust
		}
	}
	return transport.StageHandshake
}

func isGracefulClose(err error) bool {
	var appErr *quic.ApplicationError
	return errors.As(err, &appErr) && appErr.Remote && appErr.ErrorCode == 0
}

// Listener accepts QUIC connections and their first stream.
type Listener struct {
	ln   *quic.Listener
	opts Options
}

// Listen binds addr. tlsCfg must carry a certificate; the default ALPN is
// appended when missing.
func Listen(addr string, tlsCfg *tls.Config, opts Options) (*Listener, error) {
	if tlsCfg == nil {
		return nil, fmt.Errorf("quic listener requires tls config")
	}
	opts = cloneOptions(opts)
	tlsConf := tlsCfg.Clone()
	tlsConf.NextProtos = ensureALPN(tlsConf.NextProtos, opts.ALPN)
	ln, err := quic.ListenAddr(addr, tlsConf, opts.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic listen: %w", err)
	}
	return &Listener{ln: ln, opts: opts}, nil
}

// Accept waits for a connection and for the peer to open its stream, which
// happens with the peer's first write.
func (l *Listener) Accept(ctx context.Context) (*transport.Connection, error) {
	p, err := l.AcceptPending(ctx)
	if err != nil {
		return nil, err
	}
	return p.Handshake(ctx)
}

// AcceptPending waits for a handshaken connection. Its stream is accepted
// by Handshake.
func (l *Listener) AcceptPending(ctx context.Context) (transport.Pending, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return &pending{conn: conn, opts: l.opts}, nil
}

// pending is a QUIC connection whose peer has not opened its stream yet.
type pending struct {
	conn *quic.Conn
	opts Options
}

func (p *pending) Handshake(ctx context.Context) (*transport.Connection, error) {
	stream, err := p.conn.AcceptStream(ctx)
	if err != nil {
		_ = p.conn.CloseWithError(quic.ApplicationErrorCode(p.opts.ErrorCode), "accept")
		return nil, transport.NewConnectError(transport.KindQUIC, transport.StageStream, p.conn.RemoteAddr().String(), err)
	}
	return transport.NewConnection(newConn(p.conn, stream, p.opts), transport.WithReadBufferSize(p.opts.ReadBufferSize)), nil
}

func (p *pending) RemoteAddr() net.Addr { return p.conn.RemoteAddr() }

func (p *pending) Close() error {
	return p.conn.CloseWithError(quic.ApplicationErrorCode(p.opts.ErrorCode), p.opts.CloseReason)
}

func (l *Listener) Close() error   { return l.ln.Close() }
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

func ensureALPN(existing, want []string) []string {
	out := append([]string(nil), existing...)
	for _, w := range want {
		found := false
		for _, p := range out {
			if p == w {
				found = true
				break
			}
		}
		if !found {
			out = append(out, w)
		}
	}
	return out
}

var (
	_ transport.ByteTransport = (*Conn)(nil)
	_ transport.Dialer        = (*Dialer)(nil)
	_ transport.Listener      = (*Listener)(nil)
)
