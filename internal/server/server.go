// Package server answers every request head it reads with the configured
// response, over tcp, tls or quic.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"taps/internal/config"
	"taps/internal/exchange"
	"taps/internal/framer"
	"taps/internal/transport"
	"taps/internal/transport/quicstream"
	"taps/internal/transport/tcp"
	"taps/internal/transport/tlsconn"
)

type Server struct {
	cfg      *config.Config
	response framer.Response
	body     []byte
	limiter  *violationLimiter
	wg       sync.WaitGroup
}

// New prepares the configured response; Load has already validated it.
func New(cfg *config.Config) (*Server, error) {
	resp, body, err := cfg.Server.Response.Message()
	if err != nil {
		return nil, fmt.Errorf("server.response: %w", err)
	}
	return &Server{
		cfg:      cfg,
		response: resp,
		body:     body,
		limiter:  newViolationLimiter(cfg.Server.MaxViolations, cfg.ViolationWindow()),
	}, nil
}

// Listen binds server.listen with the configured transport kind.
func Listen(cfg *config.Config) (transport.Listener, error) {
	t := cfg.Transport
	switch t.KindValue() {
	case transport.KindTLS:
		tlsCfg, err := tlsconn.ServerConfig(t.TLS.CertFile, t.TLS.KeyFile, t.TLS.CAFile, t.TLS.ALPN)
		if err != nil {
			return nil, err
		}
		ln, err := tlsconn.Listen(cfg.Server.Listen, tlsCfg, t.TCP, t.ReadBufferSize)
		if err != nil {
			return nil, err
		}
		return ln, nil
	case transport.KindQUIC:
		opts := cfg.QUICOptions()
		tlsCfg, err := tlsconn.ServerConfig(t.TLS.CertFile, t.TLS.KeyFile, t.TLS.CAFile, opts.ALPN)
		if err != nil {
			return nil, err
		}
		ln, err := quicstream.Listen(cfg.Server.Listen, tlsCfg, opts)
		if err != nil {
			return nil, err
		}
		return ln, nil
	default:
		ln, err := tcp.Listen(cfg.Server.Listen, tcp.Options{TCP: t.TCP, ReadBufferSize: t.ReadBufferSize})
		if err != nil {
			return nil, err
		}
		return ln, nil
	}
}

// Start listens and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := Listen(s.cfg)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Server.Listen, err)
	}
	log.Printf("server listening on %s (%s)", ln.Addr(), s.cfg.Transport.KindValue())
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln until ctx is done, then closes ln and
// waits for in-flight connections. Each peer's handshake runs in its own
// goroutine, bounded by server.handshake_timeout.
func (s *Server) Serve(ctx context.Context, ln transport.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer func() {
		stop()
		_ = ln.Close()
		s.wg.Wait()
	}()

	for {
		p, err := ln.AcceptPending(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, p)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, p transport.Pending) {
	if s.limiter.limited(p.RemoteAddr()) {
		if s.cfg.Logging.Level == "debug" {
			log.Printf("refusing %s: too many protocol violations", p.RemoteAddr())
		}
		_ = p.Close()
		return
	}

	hsCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout())
	conn, err := p.Handshake(hsCtx)
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("accept: %v", err)
		}
		return
	}
	s.handle(ctx, conn)
}

func (s *Server) handle(ctx context.Context, conn *transport.Connection) {
	remote := conn.RemoteAddr().String()
	defer func() {
		if err := conn.Close(); err != nil && s.cfg.Logging.Level == "debug" {
			log.Printf("close %s: %v", remote, err)
		}
	}()

	readCtx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout())
	defer cancel()
	r := exchange.NewReader(conn, s.cfg.Parser())
	req, err := r.ReadRequest(readCtx)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		return
	case errors.Is(err, exchange.ErrProtocolViolation):
		s.limiter.record(conn.RemoteAddr())
		log.Printf("%s: %v", remote, err)
		return
	default:
		log.Printf("read request from %s: %v", remote, err)
		return
	}
	s.limiter.clear(conn.RemoteAddr())
	if s.cfg.Logging.Level == "debug" {
		log.Printf("%s %s %s", remote, req.Method, req.Path)
	}

	// Consume a declared request body so closing does not reset the peer.
	if n, ok, err := exchange.ContentLength(req.Headers); err != nil {
		log.Printf("%s: %v", remote, err)
		return
	} else if ok {
		if n > s.cfg.Server.MaxBodyBytes {
			log.Printf("%s: request body of %d bytes exceeds server.max_body_bytes", remote, n)
			return
		}
		if err := r.Discard(readCtx, n); err != nil {
			log.Printf("read body from %s: %v", remote, err)
			return
		}
	}

	body := s.body
	if req.Method == "HEAD" {
		body = nil
	}
	if err := exchange.WriteResponse(ctx, conn, s.response, body); err != nil {
		log.Printf("write response to %s: %v", remote, err)
		return
	}
	if err := conn.Finish(); err != nil && s.cfg.Logging.Level == "debug" {
		log.Printf("finish %s: %v", remote, err)
	}
}
