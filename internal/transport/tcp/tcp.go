// Package tcp is the plain TCP Connection variant.
package tcp

import (
	"context"
	"net"
	"sync"
	"time"

	"taps/internal/netutil"
	"taps/internal/transport"
	"taps/internal/transport/underlay"
)

// Options configures plain TCP connections.
type Options struct {
	Dialer         underlay.Dialer // nil dials directly
	TCP            netutil.TCPOptions
	ReadBufferSize int
}

func (o Options) dialer() underlay.Dialer {
	if o.Dialer != nil {
		return o.Dialer
	}
	return underlay.NewDirectDialer(underlay.Config{})
}

// Connect dials addr and returns a ready Connection.
func Connect(ctx context.Context, addr string, opts Options) (*transport.Connection, error) {
	c, err := opts.dialer().Dial(ctx, "tcp", addr)
	if err != nil {
		return nil, transport.NewConnectError(transport.KindTCP, transport.StageDial, addr, err)
	}
	netutil.ApplyTCPOptions(c, opts.TCP)
	return transport.NewConnection(Wrap(c), transport.WithReadBufferSize(opts.ReadBufferSize)), nil
}

var (
	_ transport.Dialer   = (*Dialer)(nil)
	_ transport.Listener = (*Listener)(nil)
)

// Dialer implements transport.Dialer for plain TCP.
type Dialer struct {
	Options Options
}

func (d *Dialer) Dial(ctx context.Context, addr string) (*transport.Connection, error) {
	return Connect(ctx, addr, d.Options)
}

// Conn adapts a net.Conn to transport.ByteTransport.
type Conn struct {
	net.Conn
	once     sync.Once
	closeErr error
}

// Wrap adapts an established stream socket.
func Wrap(c net.Conn) *Conn {
	return &Conn{Conn: c}
}

func (c *Conn) Kind() transport.Kind { return transport.KindTCP }

func (c *Conn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// Shutdown shuts down both directions in order, then releases the socket.
func (c *Conn) Shutdown() error {
	c.once.Do(func() {
		if tc, ok := c.Conn.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
			_ = tc.CloseRead()
		}
		c.closeErr = c.Conn.Close()
	})
	return c.closeErr
}

// Listener accepts plain TCP Connections.
type Listener struct {
	ln   net.Listener
	opts Options
}

// Listen binds addr.
func Listen(addr string, opts Options) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln, opts: opts}, nil
}

// Accept waits for the next client. A done ctx unblocks it.
func (l *Listener) Accept(ctx context.Context) (*transport.Connection, error) {
	c, err := AcceptContext(ctx, l.ln)
	if err != nil {
		return nil, err
	}
	netutil.ApplyTCPOptions(c, l.opts.TCP)
	return transport.NewConnection(Wrap(c), transport.WithReadBufferSize(l.opts.ReadBufferSize)), nil
}

// AcceptPending is Accept; plain TCP has no handshake to defer.
func (l *Listener) AcceptPending(ctx context.Context) (transport.Pending, error) {
	c, err := l.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return transport.Established{Conn: c}, nil
}

func (l *Listener) Close() error   { return l.ln.Close() }
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

type deadliner interface {
	SetDeadline(t time.Time) error
}

// AcceptContext accepts from ln, returning ctx.Err() once ctx is done.
// Listeners without deadline support are only interrupted by Close.
func AcceptContext(ctx context.Context, ln net.Listener) (net.Conn, error) {
	dl, ok := ln.(deadliner)
	if ok && ctx.Done() != nil {
		fired := make(chan struct{})
		stop := context.AfterFunc(ctx, func() {
			_ = dl.SetDeadline(time.Unix(1, 0))
			close(fired)
		})
		defer func() {
			if !stop() {
				<-fired
				_ = dl.SetDeadline(time.Time{})
			}
		}()
	}
	c, err := ln.Accept()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return c, nil
}
