// Package client runs one configured request against the configured
// endpoint over tcp, tls or quic.
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/netip"
	"strconv"
	"time"

	"taps/internal/config"
	"taps/internal/endpoint"
	"taps/internal/exchange"
	"taps/internal/framer"
	"taps/internal/transport"
	"taps/internal/transport/quicstream"
	"taps/internal/transport/tcp"
	"taps/internal/transport/tlsconn"
	"taps/internal/transport/underlay"
)

// Result is one completed exchange.
type Result struct {
	Addr     string
	Protocol string // negotiated ALPN, tls and quic only
	Response framer.Response
	Body     []byte
}

type Client struct {
	cfg *config.Config
}

func New(cfg *config.Config) *Client {
	return &Client{cfg: cfg}
}

// Do resolves the endpoint, connects, sends the request and reads the
// response. Connect failures are retried up to transport.connect_retries
// times; certificate failures are not.
func (c *Client) Do(ctx context.Context) (*Result, error) {
	attempt := 0
	for {
		res, err := c.doOnce(ctx)
		if err == nil || !retryable(err) || attempt >= c.cfg.Transport.ConnectRetries {
			return res, err
		}
		wait := jitterBackoff(c.cfg.RetryBackoff(), attempt)
		log.Printf("connect failed (attempt %d), retrying in %s: %v", attempt+1, wait.Round(time.Millisecond), err)
		attempt++
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func retryable(err error) bool {
	var ce *transport.ConnectError
	return errors.As(err, &ce) && ce.Stage != transport.StageTrust
}

func (c *Client) doOnce(ctx context.Context) (*Result, error) {
	target, err := c.cfg.Endpoint.Descriptor()
	if err != nil {
		return nil, err
	}
	req, body, err := c.cfg.Request.Message()
	if err != nil {
		return nil, err
	}
	if host := hostHeader(target); host != "" {
		if _, ok := req.Headers.Get("Host"); !ok {
			req.Headers = append(framer.Headers{{Name: "Host", Value: host}}, req.Headers...)
		}
	}

	conn, addr, err := c.connect(ctx, target)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			log.Printf("close %s: %v", addr, err)
		}
	}()

	res := &Result{Addr: addr, Protocol: negotiatedProtocol(conn)}
	r := exchange.NewReader(conn, c.cfg.Parser())
	if err := exchange.WriteRequest(ctx, conn, req, body); err != nil {
		return nil, err
	}
	if res.Response, err = r.ReadResponse(ctx); err != nil {
		return nil, fmt.Errorf("read response from %s: %w", addr, err)
	}
	if res.Body, err = readBody(ctx, r, req.Method, res.Response); err != nil {
		return nil, fmt.Errorf("read body from %s: %w", addr, err)
	}
	return res, nil
}

// connect tries each resolved address in order and returns the first
// Connection established. A trust failure stops the walk.
func (c *Client) connect(ctx context.Context, target endpoint.Endpoint) (*transport.Connection, string, error) {
	kind := c.cfg.Transport.KindValue()
	resolver, err := endpoint.NewResolver(c.cfg.ResolverConfig())
	if err != nil {
		return nil, "", transport.NewConnectError(kind, transport.StageResolve, target.String(), err)
	}
	addrs, err := resolver.Resolve(ctx, target)
	if err != nil {
		return nil, "", transport.NewConnectError(kind, transport.StageResolve, target.String(), err)
	}

	var dialer underlay.Dialer
	if kind != transport.KindQUIC {
		dialer, err = underlay.NewDialer(c.cfg.Transport.Dialer)
		if err != nil {
			return nil, "", transport.NewConnectError(kind, transport.StageDial, target.String(), err)
		}
		defer dialer.Close()
	}

	var errs []error
	for _, ap := range addrs {
		addr := ap.String()
		dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout())
		conn, err := c.dial(dialCtx, kind, dialer, addr, c.serverName(target, ap.Addr()))
		cancel()
		if err == nil {
			return conn, addr, nil
		}
		errs = append(errs, err)
		var ce *transport.ConnectError
		if errors.As(err, &ce) && ce.Stage == transport.StageTrust {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 1 {
		return nil, "", errs[0]
	}
	return nil, "", errors.Join(errs...)
}

func (c *Client) dial(ctx context.Context, kind transport.Kind, dialer underlay.Dialer, addr, serverName string) (*transport.Connection, error) {
	t := c.cfg.Transport
	switch kind {
	case transport.KindTLS:
		return tlsconn.Connect(ctx, addr, serverName, c.cfg.TLSOptions(dialer))
	case transport.KindQUIC:
		return quicstream.Connect(ctx, addr, t.LocalBind, serverName, c.cfg.QUICOptions())
	default:
		return tcp.Connect(ctx, addr, tcp.Options{Dialer: dialer, TCP: t.TCP, ReadBufferSize: t.ReadBufferSize})
	}
}

// serverName is the explicit transport.server_name, else the hostname,
// else the address literal itself.
func (c *Client) serverName(target endpoint.Endpoint, addr netip.Addr) string {
	if c.cfg.Transport.ServerName != "" {
		return c.cfg.Transport.ServerName
	}
	if host, ok := target.Hostname(); ok && host != "" {
		return host
	}
	return addr.String()
}

func hostHeader(target endpoint.Endpoint) string {
	host, ok := target.Hostname()
	if !ok || host == "" {
		if a, ok := target.IPv6(); ok {
			host = a.String()
		} else if a, ok := target.IPv4(); ok {
			host = a.String()
		} else {
			return ""
		}
	}
	if port, ok := target.Port(); ok {
		return net.JoinHostPort(host, strconv.Itoa(int(port)))
	}
	return host
}

func negotiatedProtocol(conn *transport.Connection) string {
	if p, ok := conn.Transport().(interface{ NegotiatedProtocol() string }); ok {
		return p.NegotiatedProtocol()
	}
	return ""
}

// readBody follows the usual HTTP/1.x framing: no body for HEAD, 1xx, 204
// and 304, Content-Length when present, otherwise until the peer finishes.
func readBody(ctx context.Context, r *exchange.Reader, method string, resp framer.Response) ([]byte, error) {
	if method == "HEAD" || resp.Code < 200 || resp.Code == 204 || resp.Code == 304 {
		return nil, nil
	}
	n, ok, err := exchange.ContentLength(resp.Headers)
	if err != nil {
		return nil, err
	}
	if ok {
		return r.ReadBody(ctx, n)
	}
	return r.ReadToEOF(ctx)
}
