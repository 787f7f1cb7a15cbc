// Package exchange runs the request/response cycle over a Connection: it
// loops Recv and the incremental parser until a head is complete, and
// writes serialized heads with Send.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"taps/internal/framer"
	"taps/internal/metrics"
	"taps/internal/transport"
)

// ErrProtocolViolation is returned, wrapping the *framer.MalformedError,
// once a malformed head has caused the connection to be closed.
var ErrProtocolViolation = errors.New("protocol violation, connection closed")

// Reader reads heads and bodies from one connection. Bytes received past
// a head stay buffered for the next call.
type Reader struct {
	conn   transport.Conn
	parser framer.Parser
	buf    []byte
}

// NewReader wraps conn. A zero parser applies no limits.
func NewReader(conn transport.Conn, parser framer.Parser) *Reader {
	return &Reader{conn: conn, parser: parser}
}

// ReadRequest returns the next request head.
func (r *Reader) ReadRequest(ctx context.Context) (framer.Request, error) {
	return readHead(ctx, r, "request", r.parser.ParseRequest)
}

// ReadResponse returns the next response head.
func (r *Reader) ReadResponse(ctx context.Context) (framer.Response, error) {
	return readHead(ctx, r, "response", r.parser.ParseResponse)
}

// Buffered returns bytes already received past the last head.
func (r *Reader) Buffered() []byte { return r.buf }

// ReadBody returns exactly n body bytes, draining the buffer first.
func (r *Reader) ReadBody(ctx context.Context, n int) ([]byte, error) {
	for len(r.buf) < n {
		p, err := r.conn.Recv(ctx)
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		if err != nil {
			return nil, err
		}
		r.buf = append(r.buf, p...)
	}
	body := r.buf[:n:n]
	r.buf = r.buf[n:]
	return body, nil
}

// Discard drops the next n body bytes. Unlike ReadBody it never holds more
// than one received chunk.
func (r *Reader) Discard(ctx context.Context, n int) error {
	k := min(n, len(r.buf))
	r.buf = r.buf[k:]
	n -= k
	for n > 0 {
		p, err := r.conn.Recv(ctx)
		if err == io.EOF {
			return io.ErrUnexpectedEOF
		}
		if err != nil {
			return err
		}
		if len(p) > n {
			r.buf = p[n:]
			return nil
		}
		n -= len(p)
	}
	return nil
}

// ReadToEOF returns buffered bytes plus everything received until the peer
// ends the stream.
func (r *Reader) ReadToEOF(ctx context.Context) ([]byte, error) {
	for {
		p, err := r.conn.Recv(ctx)
		if err == io.EOF {
			out := r.buf
			r.buf = nil
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		r.buf = append(r.buf, p...)
	}
}

func readHead[M any](ctx context.Context, r *Reader, message string, parse func([]byte) framer.Outcome[M]) (M, error) {
	var zero M
	for {
		if len(r.buf) > 0 {
			out := parse(r.buf)
			metrics.ParseOutcome(message, out.State.String())
			switch out.State {
			case framer.Complete:
				r.buf = r.buf[out.Consumed:]
				return out.Message, nil
			case framer.Malformed:
				if err := r.conn.Close(); err != nil {
					return zero, fmt.Errorf("%w: %w (close: %v)", ErrProtocolViolation, out.Err(), err)
				}
				return zero, fmt.Errorf("%w: %w", ErrProtocolViolation, out.Err())
			}
		}
		p, err := r.conn.Recv(ctx)
		if err == io.EOF {
			if len(r.buf) == 0 {
				return zero, io.EOF
			}
			return zero, io.ErrUnexpectedEOF
		}
		if err != nil {
			return zero, err
		}
		r.buf = append(r.buf, p...)
	}
}

// ReadRequest reads one request head and returns it with any bytes that
// followed it. io.EOF means the peer ended the stream before sending
// anything; a partial head ends in io.ErrUnexpectedEOF.
func ReadRequest(ctx context.Context, conn transport.Conn, parser framer.Parser) (framer.Request, []byte, error) {
	r := NewReader(conn, parser)
	req, err := r.ReadRequest(ctx)
	return req, r.Buffered(), err
}

// ReadResponse reads one response head and returns it with any bytes that
// followed it.
func ReadResponse(ctx context.Context, conn transport.Conn, parser framer.Parser) (framer.Response, []byte, error) {
	r := NewReader(conn, parser)
	resp, err := r.ReadResponse(ctx)
	return resp, r.Buffered(), err
}

// WriteRequest sends the serialized head followed by body in one Send.
func WriteRequest(ctx context.Context, conn transport.Conn, req framer.Request, body []byte) error {
	return conn.Send(ctx, append(framer.SerializeRequest(req), body...))
}

// WriteResponse sends the serialized head followed by body in one Send.
func WriteResponse(ctx context.Context, conn transport.Conn, resp framer.Response, body []byte) error {
	return conn.Send(ctx, append(framer.SerializeResponse(resp), body...))
}

// RoundTrip writes req and reads the response head.
func RoundTrip(ctx context.Context, conn transport.Conn, req framer.Request, body []byte, parser framer.Parser) (framer.Response, []byte, error) {
	if err := WriteRequest(ctx, conn, req, body); err != nil {
		return framer.Response{}, nil, err
	}
	return ReadResponse(ctx, conn, parser)
}

// ContentLength reads the Content-Length header. ok is false when the
// header is absent.
func ContentLength(h framer.Headers) (n int, ok bool, err error) {
	v, ok := h.Get("Content-Length")
	if !ok {
		return 0, false, nil
	}
	n, err = strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, true, fmt.Errorf("invalid Content-Length %q", v)
	}
	return n, true, nil
}
