package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"taps/internal/metrics"
)

// DefaultReadBufferSize is the most a single Recv returns.
const DefaultReadBufferSize = 1024

// maxEmptyReads is how many (0, nil) reads Recv tolerates in a row.
const maxEmptyReads = 100

var (
	errFinished  = errors.New("write side finished")
	aLongTimeAgo = time.Unix(1, 0)
)

// Option configures a Connection.
type Option func(*Connection)

// WithReadBufferSize sets the per-Recv buffer size. Non-positive values keep
// the default.
func WithReadBufferSize(n int) Option {
	return func(c *Connection) {
		if n > 0 {
			c.buf = make([]byte, n)
		}
	}
}

// Connection is the single handle callers use whatever the wire protocol.
// It owns its ByteTransport for its whole life and never switches variant.
//
// A Connection belongs to one goroutine at a time; it does no locking of
// its own.
type Connection struct {
	tr       ByteTransport
	buf      []byte
	closed   bool
	finished bool
}

// NewConnection wraps an established transport. Variant packages call it
// once the handshake is done.
func NewConnection(tr ByteTransport, opts ...Option) *Connection {
	c := &Connection{tr: tr, buf: make([]byte, DefaultReadBufferSize)}
	for _, opt := range opts {
		opt(c)
	}
	metrics.ConnectionOpened(tr.Kind().String())
	return c
}

func (c *Connection) Kind() Kind           { return c.tr.Kind() }
func (c *Connection) LocalAddr() net.Addr  { return c.tr.LocalAddr() }
func (c *Connection) RemoteAddr() net.Addr { return c.tr.RemoteAddr() }

// Transport exposes the variant for inspection, e.g. negotiated ALPN.
func (c *Connection) Transport() ByteTransport { return c.tr }

// Send writes all of p or fails with KindWriteFailed. Short writes are
// retried until p is drained. A done ctx aborts the write.
func (c *Connection) Send(ctx context.Context, p []byte) error {
	if c.closed {
		return c.closedErr("send", ErrClosed)
	}
	if c.finished {
		return c.closedErr("send", errFinished)
	}
	if err := ctx.Err(); err != nil {
		return c.fail(KindWriteFailed, "send", err)
	}

	stop := c.watch(ctx)
	defer stop()

	for len(p) > 0 {
		n, err := c.tr.Write(p)
		metrics.AddBytesSent(c.tr.Kind().String(), n)
		p = p[n:]
		if err != nil {
			return c.fail(KindWriteFailed, "send", c.cause(ctx, err))
		}
		if n == 0 {
			return c.fail(KindWriteFailed, "send", io.ErrShortWrite)
		}
	}
	return nil
}

// Recv blocks until at least one byte arrives and returns a fresh slice of
// at most the read buffer size. A graceful end of stream returns io.EOF,
// which is not a *Error.
func (c *Connection) Recv(ctx context.Context) ([]byte, error) {
	if c.closed {
		return nil, c.closedErr("recv", ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return nil, c.fail(KindReadFailed, "recv", err)
	}

	stop := c.watch(ctx)
	defer stop()

	for empty := 0; ; empty++ {
		if empty == maxEmptyReads {
			return nil, c.fail(KindReadFailed, "recv", io.ErrNoProgress)
		}
		n, err := c.tr.Read(c.buf)
		if n > 0 {
			metrics.AddBytesReceived(c.tr.Kind().String(), n)
			out := make([]byte, n)
			copy(out, c.buf[:n])
			// Data that arrived with EOF is delivered now; the next Recv
			// sees the EOF again.
			return out, nil
		}
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if err != nil {
			return nil, c.fail(KindReadFailed, "recv", c.cause(ctx, err))
		}
	}
}

// Finish ends the local write direction and leaves reading open: TCP half
// close, TLS close_notify, QUIC stream FIN. It is not a substitute for
// Close.
func (c *Connection) Finish() error {
	if c.closed {
		return c.closedErr("finish", ErrClosed)
	}
	if c.finished {
		return nil
	}
	c.finished = true
	if err := c.tr.CloseWrite(); err != nil {
		return c.fail(KindWriteFailed, "finish", err)
	}
	return nil
}

// Close performs the variant's orderly close and makes the Connection
// terminal. Calling it again is a no-op.
func (c *Connection) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	metrics.ConnectionClosed(c.tr.Kind().String())
	if err := c.tr.Shutdown(); err != nil {
		return c.fail(KindWriteFailed, "close", err)
	}
	return nil
}

// watch expires the transport deadline when ctx is done so a blocked Read or
// Write returns. The returned func must run before the next operation.
func (c *Connection) watch(ctx context.Context) func() {
	if ctx.Done() == nil {
		return func() {}
	}
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = c.tr.SetDeadline(aLongTimeAgo)
		close(fired)
	})
	return func() {
		if !stop() {
			<-fired
			_ = c.tr.SetDeadline(time.Time{})
		}
	}
}

func (c *Connection) cause(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w (%v)", ctxErr, err)
	}
	return err
}

func (c *Connection) closedErr(op string, err error) error {
	return &Error{Kind: KindClosed, Transport: c.tr.Kind(), Op: op, Err: err}
}

func (c *Connection) fail(kind ErrKind, op string, err error) error {
	metrics.IOError(c.tr.Kind().String(), kind.String())
	return &Error{Kind: kind, Transport: c.tr.Kind(), Op: op, Err: err}
}

func connectFailed(kind Kind, stage Stage) {
	metrics.ConnectFailed(kind.String(), string(stage))
}
