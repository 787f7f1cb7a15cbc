package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taps/internal/config"
	"taps/internal/exchange"
	"taps/internal/framer"
	"taps/internal/testcert"
	"taps/internal/transport"
	"taps/internal/transport/quicstream"
	"taps/internal/transport/tlsconn"
)

func mustConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(yaml))
	require.NoError(t, err)
	return cfg
}

// serve starts s on a fresh listener and returns its address.
func serve(t *testing.T, cfg *config.Config) string {
	t.Helper()
	s, err := New(cfg)
	require.NoError(t, err)
	ln, err := Listen(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after cancel")
		}
	})
	return ln.Addr().String()
}

func rawExchange(t *testing.T, addr, wire string) string {
	t.Helper()
	c, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))
	_, err = io.WriteString(c, wire)
	require.NoError(t, err)
	got, err := io.ReadAll(c)
	require.NoError(t, err)
	return string(got)
}

const tcpServer = `role: server
server:
  listen: "127.0.0.1:0"
  response:
    code: 200
    reason: OK
    headers:
      - {name: Server, value: taps}
    body: hello
`

func TestServeTCP(t *testing.T) {
	addr := serve(t, mustConfig(t, tcpServer))

	got := rawExchange(t, addr, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.Equal(t, "HTTP/1.1 200 OK\r\nServer: taps\r\nContent-Length: 5\r\n\r\nhello", got)

	// HEAD gets the same head and no body.
	got = rawExchange(t, addr, "HEAD / HTTP/1.1\r\n\r\n")
	assert.Equal(t, "HTTP/1.1 200 OK\r\nServer: taps\r\nContent-Length: 5\r\n\r\n", got)
}

func TestServeRequestAcrossWrites(t *testing.T) {
	addr := serve(t, mustConfig(t, tcpServer))

	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))
	for _, part := range []string{"GE", "T /a HTTP/1", ".1\r\n", "\r\n"} {
		_, err := io.WriteString(c, part)
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond)
	}
	got, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Contains(t, string(got), "HTTP/1.1 200 OK\r\n")
}

func TestServeMalformedClosesWithoutResponse(t *testing.T) {
	addr := serve(t, mustConfig(t, tcpServer))
	assert.Empty(t, rawExchange(t, addr, " /path HTTP/1.1\r\n\r\n"))
}

func TestServeTLSAndQUIC(t *testing.T) {
	b, err := testcert.New()
	require.NoError(t, err)
	certFile, keyFile, _, err := b.WriteFiles(t.TempDir())
	require.NoError(t, err)

	for _, kind := range []string{"tls", "quic"} {
		t.Run(kind, func(t *testing.T) {
			cfg := mustConfig(t, fmt.Sprintf(`role: server
transport:
  kind: %s
  tls: {cert_file: %q, key_file: %q}
server:
  listen: "127.0.0.1:0"
  response: {code: 204, reason: No Content}
`, kind, certFile, keyFile))
			addr := serve(t, cfg)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			trust := tlsconn.Trust{Roots: b.Roots}
			var c *transport.Connection
			if kind == "tls" {
				c, err = tlsconn.Connect(ctx, addr, "localhost", tlsconn.Options{Trust: trust})
			} else {
				c, err = quicstream.Connect(ctx, addr, "", "localhost", quicstream.Options{Trust: trust})
			}
			require.NoError(t, err)
			defer c.Close()

			req := framer.Request{Method: "GET", Path: "/", Version: 1, Minor: 1, HasMinor: true}
			resp, _, err := exchange.RoundTrip(ctx, c, req, nil, framer.DefaultParser)
			require.NoError(t, err)
			assert.Equal(t, uint16(204), resp.Code)
			assert.Equal(t, "No Content", resp.Reason)
		})
	}
}

func TestServeIdlePeerDoesNotHoldUpOthers(t *testing.T) {
	b, err := testcert.New()
	require.NoError(t, err)
	certFile, keyFile, _, err := b.WriteFiles(t.TempDir())
	require.NoError(t, err)
	trust := tlsconn.Trust{Roots: b.Roots}

	for _, kind := range []string{"tls", "quic"} {
		t.Run(kind, func(t *testing.T) {
			addr := serve(t, mustConfig(t, fmt.Sprintf(`role: server
transport:
  kind: %s
  tls: {cert_file: %q, key_file: %q}
server:
  listen: "127.0.0.1:0"
  handshake_timeout: 300ms
`, kind, certFile, keyFile)))

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			// The idle peer connects first and never sends a byte: no
			// ClientHello over tls, no stream data over quic.
			var idleTCP net.Conn
			if kind == "tls" {
				idleTCP, err = net.Dial("tcp", addr)
				require.NoError(t, err)
				defer idleTCP.Close()
			} else {
				idle, err := quicstream.Connect(ctx, addr, "", "localhost", quicstream.Options{Trust: trust, Linger: -1})
				require.NoError(t, err)
				defer idle.Close()
			}

			quick, cancelQuick := context.WithTimeout(ctx, 3*time.Second)
			defer cancelQuick()
			var c *transport.Connection
			if kind == "tls" {
				c, err = tlsconn.Connect(quick, addr, "localhost", tlsconn.Options{Trust: trust})
			} else {
				c, err = quicstream.Connect(quick, addr, "", "localhost", quicstream.Options{Trust: trust})
			}
			require.NoError(t, err)
			defer c.Close()
			resp, _, err := exchange.RoundTrip(quick, c, framer.Request{Method: "GET", Path: "/", Version: 1}, nil, framer.DefaultParser)
			require.NoError(t, err)
			assert.Equal(t, uint16(200), resp.Code)

			if idleTCP != nil {
				// The handshake timeout released the idle socket.
				require.NoError(t, idleTCP.SetReadDeadline(time.Now().Add(5*time.Second)))
				_, err = idleTCP.Read(make([]byte, 1))
				var ne net.Error
				assert.False(t, errors.As(err, &ne) && ne.Timeout(), "idle peer still open: %v", err)
			}
		})
	}
}

func TestServeRequestBodyLimit(t *testing.T) {
	addr := serve(t, mustConfig(t, tcpServer+"  max_body_bytes: 8\n"))

	got := rawExchange(t, addr, "POST / HTTP/1.1\r\nContent-Length: 8\r\n\r\n12345678")
	assert.Equal(t, "HTTP/1.1 200 OK\r\nServer: taps\r\nContent-Length: 5\r\n\r\nhello", got)

	// Larger bodies are refused unanswered.
	assert.Empty(t, lenientExchange(addr, "POST / HTTP/1.1\r\nContent-Length: 9\r\n\r\n123456789"))
}

func TestListenTLSWithoutCertificate(t *testing.T) {
	cfg := mustConfig(t, tcpServer)
	cfg.Transport.Kind = "tls"
	_, err := Listen(cfg)
	assert.Error(t, err)
}

func TestServeRefusesRepeatedViolations(t *testing.T) {
	cfg := mustConfig(t, tcpServer+"  max_violations: 1\n  violation_window: 1m\n")
	addr := serve(t, cfg)

	assert.Empty(t, rawExchange(t, addr, "GET / HTTP/1.1\nHost: x\n\n"))

	// Later connections from the same host are closed unanswered. The
	// violation is recorded after the close, so allow for the race.
	assert.Eventually(t, func() bool {
		return lenientExchange(addr, "GET / HTTP/1.1\r\n\r\n") == ""
	}, 5*time.Second, 20*time.Millisecond)
}

// lenientExchange ignores write and read errors: a refused peer may see a
// reset instead of EOF.
func lenientExchange(addr, wire string) string {
	c, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return "dial failed"
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	_, _ = io.WriteString(c, wire)
	got, _ := io.ReadAll(c)
	return string(got)
}
