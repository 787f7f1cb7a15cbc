package transport

import (
	"context"
	"net"
	"time"
)

// Kind identifies the wire protocol behind a Connection.
type Kind uint8

const (
	KindTCP Kind = iota + 1
	KindTLS
	KindQUIC
)

func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindTLS:
		return "tls"
	case KindQUIC:
		return "quic"
	default:
		return "unknown"
	}
}

// ParseKind maps a config string to a Kind.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "tcp", "plain":
		return KindTCP, true
	case "tls":
		return KindTLS, true
	case "quic":
		return KindQUIC, true
	}
	return 0, false
}

// ByteTransport is the raw primitive set each variant provides.
//
// Read returns io.EOF once the peer has ended the stream gracefully.
// Shutdown releases everything the transport owns and must be safe to call
// twice. CloseWrite ends the local write direction only.
type ByteTransport interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	CloseWrite() error
	Shutdown() error
	SetDeadline(t time.Time) error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	Kind() Kind
}

// Conn is the uniform contract consumers depend on.
type Conn interface {
	Send(ctx context.Context, p []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer establishes a Connection to addr. Each variant package provides
// one.
type Dialer interface {
	Dial(ctx context.Context, addr string) (*Connection, error)
}

// Pending is an accepted peer whose handshake has not run yet. Handshake
// or Close must be called exactly once.
type Pending interface {
	Handshake(ctx context.Context) (*Connection, error)
	RemoteAddr() net.Addr
	Close() error
}

// Listener accepts server-role Connections. AcceptPending returns as soon
// as a peer arrives so that a slow handshake never holds up the next one;
// Accept also waits for the handshake.
type Listener interface {
	Accept(ctx context.Context) (*Connection, error)
	AcceptPending(ctx context.Context) (Pending, error)
	Close() error
	Addr() net.Addr
}

// Established is a Pending with no handshake left to run.
type Established struct {
	Conn *Connection
}

func (e Established) Handshake(context.Context) (*Connection, error) { return e.Conn, nil }
func (e Established) RemoteAddr() net.Addr                           { return e.Conn.RemoteAddr() }
func (e Established) Close() error                                   { return e.Conn.Close() }
