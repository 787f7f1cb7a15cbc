// Package netutil applies per-connection socket options.
package netutil

import (
	"net"
	"time"
)

// TCPOptions are the safe per-connection knobs; none of them need raw file
// descriptor access.
type TCPOptions struct {
	NoDelay         bool          `yaml:"no_delay"`
	ReadBufferSize  int           `yaml:"read_buffer_size"`  // 0 = system default
	WriteBufferSize int           `yaml:"write_buffer_size"` // 0 = system default
	KeepAlive       bool          `yaml:"keep_alive"`
	KeepAlivePeriod time.Duration `yaml:"keep_alive_period"`
}

// ApplyTCPOptions applies opts when conn is a *net.TCPConn. Connections
// from proxies or pipes are left alone.
func ApplyTCPOptions(conn net.Conn, opts TCPOptions) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tc.SetNoDelay(opts.NoDelay)
	if opts.ReadBufferSize > 0 {
		_ = tc.SetReadBuffer(opts.ReadBufferSize)
	}
	if opts.WriteBufferSize > 0 {
		_ = tc.SetWriteBuffer(opts.WriteBufferSize)
	}
	if opts.KeepAlive {
		_ = tc.SetKeepAlive(true)
		if opts.KeepAlivePeriod > 0 {
			_ = tc.SetKeepAlivePeriod(opts.KeepAlivePeriod)
		}
	}
}
