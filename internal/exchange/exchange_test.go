package exchange

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taps/internal/framer"
	"taps/internal/transport"
	"taps/internal/transport/tcp"
)

// scriptConn hands out scripted chunks, then io.EOF.
type scriptConn struct {
	chunks [][]byte
	sent   []byte
	closed int
	err    error
}

func (c *scriptConn) Send(_ context.Context, p []byte) error {
	c.sent = append(c.sent, p...)
	return nil
}

func (c *scriptConn) Recv(context.Context) ([]byte, error) {
	if len(c.chunks) == 0 {
		if c.err != nil {
			return nil, c.err
		}
		return nil, io.EOF
	}
	p := c.chunks[0]
	c.chunks = c.chunks[1:]
	return p, nil
}

func (c *scriptConn) Close() error {
	c.closed++
	return nil
}

func split(s string, size int) [][]byte {
	var out [][]byte
	for len(s) > size {
		out = append(out, []byte(s[:size]))
		s = s[size:]
	}
	return append(out, []byte(s))
}

func TestReadRequestAcrossChunks(t *testing.T) {
	wire := "GET /index.html HTTP/1\r\nHost: example.com\r\n\r\nextra"
	c := &scriptConn{chunks: split(wire, 3)}

	req, rest, err := ReadRequest(context.Background(), c, framer.DefaultParser)
	require.NoError(t, err)
	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "/index.html", req.Path)
	assert.Equal(t, framer.Headers{{Name: "Host", Value: "example.com"}}, req.Headers)
	// The chunk carrying the blank line may carry body bytes too.
	assert.Contains(t, "extra", string(rest))
	assert.Zero(t, c.closed)
}

func TestReadMalformedClosesConnection(t *testing.T) {
	c := &scriptConn{chunks: [][]byte{[]byte(" /path HTTP/1.1\r\n\r\n")}}

	_, _, err := ReadRequest(context.Background(), c, framer.DefaultParser)
	require.ErrorIs(t, err, ErrProtocolViolation)
	var me *framer.MalformedError
	require.ErrorAs(t, err, &me)
	assert.Contains(t, me.Reason, "missing method")
	assert.Equal(t, 1, c.closed)
}

func TestReadEOFHandling(t *testing.T) {
	_, _, err := ReadResponse(context.Background(), &scriptConn{}, framer.DefaultParser)
	assert.Equal(t, io.EOF, err)

	_, _, err = ReadResponse(context.Background(), &scriptConn{chunks: [][]byte{[]byte("HTTP/1.1 200 O")}}, framer.DefaultParser)
	assert.Equal(t, io.ErrUnexpectedEOF, err)
}

func TestReadPassesTransportErrors(t *testing.T) {
	boom := &transport.Error{Kind: transport.KindReadFailed, Transport: transport.KindTCP, Op: "recv", Err: errors.New("reset")}
	_, _, err := ReadRequest(context.Background(), &scriptConn{err: boom}, framer.DefaultParser)
	assert.True(t, errors.Is(err, &transport.Error{Kind: transport.KindReadFailed}))
}

func TestReaderPipelinedHeadsAndBodies(t *testing.T) {
	wire := "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello" +
		"HTTP/1.1 204 No Content\r\n\r\n"
	r := NewReader(&scriptConn{chunks: split(wire, 7)}, framer.Parser{})
	ctx := context.Background()

	first, err := r.ReadResponse(ctx)
	require.NoError(t, err)
	n, ok, err := ContentLength(first.Headers)
	require.NoError(t, err)
	require.True(t, ok)
	body, err := r.ReadBody(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))

	second, err := r.ReadResponse(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(204), second.Code)

	_, err = r.ReadResponse(ctx)
	assert.Equal(t, io.EOF, err)
}

func TestReadBodyShort(t *testing.T) {
	r := NewReader(&scriptConn{chunks: [][]byte{[]byte("abc")}}, framer.Parser{})
	_, err := r.ReadBody(context.Background(), 10)
	assert.Equal(t, io.ErrUnexpectedEOF, err)
}

func TestDiscardBody(t *testing.T) {
	wire := "POST /a HTTP/1.1\r\nContent-Length: 26\r\n\r\nabcdefghijklmnopqrstuvwxyz" +
		"GET /b HTTP/1.1\r\n\r\n"
	r := NewReader(&scriptConn{chunks: split(wire, 4)}, framer.Parser{})
	ctx := context.Background()

	first, err := r.ReadRequest(ctx)
	require.NoError(t, err)
	n, _, err := ContentLength(first.Headers)
	require.NoError(t, err)
	require.NoError(t, r.Discard(ctx, n))
	assert.LessOrEqual(t, len(r.Buffered()), 4)

	second, err := r.ReadRequest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/b", second.Path)
}

func TestDiscardShort(t *testing.T) {
	r := NewReader(&scriptConn{chunks: [][]byte{[]byte("abc")}}, framer.Parser{})
	assert.Equal(t, io.ErrUnexpectedEOF, r.Discard(context.Background(), 10))

	failing := &scriptConn{err: errors.New("reset")}
	r = NewReader(failing, framer.Parser{})
	assert.EqualError(t, r.Discard(context.Background(), 1), "reset")
}

func TestReadToEOF(t *testing.T) {
	r := NewReader(&scriptConn{chunks: [][]byte{[]byte("HTTP/1 200 OK\r\n\r\nab"), []byte("cd")}}, framer.Parser{})
	_, err := r.ReadResponse(context.Background())
	require.NoError(t, err)
	rest, err := r.ReadToEOF(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(rest))
}

func TestWriteHeadAndBody(t *testing.T) {
	c := &scriptConn{}
	req := framer.Request{Method: "POST", Path: "/", Version: 1, Minor: 1, HasMinor: true,
		Headers: framer.Headers{{Name: "Content-Length", Value: "2"}}}
	require.NoError(t, WriteRequest(context.Background(), c, req, []byte("hi")))
	assert.Equal(t, "POST / HTTP/1.1\r\nContent-Length: 2\r\n\r\nhi", string(c.sent))

	c = &scriptConn{}
	require.NoError(t, WriteResponse(context.Background(), c, framer.Response{Version: 1, Code: 200, Reason: "OK"}, nil))
	assert.Equal(t, "HTTP/1 200 OK\r\n\r\n", string(c.sent))
}

func TestContentLength(t *testing.T) {
	_, ok, err := ContentLength(nil)
	assert.False(t, ok)
	assert.NoError(t, err)

	_, ok, err = ContentLength(framer.Headers{{Name: "content-length", Value: "-1"}})
	assert.True(t, ok)
	assert.Error(t, err)
}

func TestRoundTripOverTCP(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ln, err := tcp.Listen("127.0.0.1:0", tcp.Options{})
	require.NoError(t, err)
	defer ln.Close()

	served := make(chan framer.Request, 1)
	go func() {
		c, err := ln.Accept(ctx)
		if err != nil {
			return
		}
		defer c.Close()
		req, _, err := ReadRequest(ctx, c, framer.DefaultParser)
		if err != nil {
			return
		}
		served <- req
		_ = WriteResponse(ctx, c, framer.Response{
			Version: 1, Minor: 1, HasMinor: true, Code: 200, Reason: "OK",
			Headers: framer.Headers{{Name: "Content-Length", Value: "2"}},
		}, []byte("ok"))
	}()

	c, err := tcp.Connect(ctx, ln.Addr().String(), tcp.Options{})
	require.NoError(t, err)
	defer c.Close()

	req := framer.Request{Method: "GET", Path: "/status", Version: 1, Minor: 1, HasMinor: true,
		Headers: framer.Headers{{Name: "Host", Value: "localhost"}}}
	resp, rest, err := RoundTrip(ctx, c, req, nil, framer.DefaultParser)
	require.NoError(t, err)
	assert.Equal(t, req, <-served)
	assert.Equal(t, uint16(200), resp.Code)

	r := NewReader(c, framer.DefaultParser)
	r.buf = rest
	body, err := r.ReadBody(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
}
