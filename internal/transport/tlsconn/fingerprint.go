package tlsconn

import (
	"context"
	"crypto/tls"
	"net"

	utls "github.com/refraction-networking/utls"
)

var fingerprints = map[string]utls.ClientHelloID{
	"chrome":      utls.HelloChrome_Auto,
	"chrome_auto": utls.HelloChrome_Auto,
	"chrome_120":  utls.HelloChrome_120,
	"firefox":     utls.HelloFirefox_Auto,
	"ff":          utls.HelloFirefox_Auto,
	"safari":      utls.HelloSafari_Auto,
	"ios":         utls.HelloIOS_Auto,
	"edge":        utls.HelloEdge_Auto,
	"random":      utls.HelloRandomized,
	"randomized":  utls.HelloRandomized,
	"golang":      utls.HelloGolang,
}

// KnownFingerprint reports whether name selects a uTLS ClientHello.
func KnownFingerprint(name string) bool {
	_, ok := fingerprints[name]
	return ok
}

func helloID(name string) utls.ClientHelloID {
	if id, ok := fingerprints[name]; ok {
		return id
	}
	return utls.HelloChrome_Auto
}

// handshakeUTLS runs a fingerprinted client handshake over conn. The caller
// owns conn on failure.
func handshakeUTLS(ctx context.Context, conn net.Conn, cfg *tls.Config, fingerprint string) (*utls.UConn, error) {
	uCfg := &utls.Config{
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		RootCAs:            cfg.RootCAs,
		NextProtos:         cfg.NextProtos,
		MinVersion:         cfg.MinVersion,
		MaxVersion:         cfg.MaxVersion,
	}
	uconn := utls.UClient(conn, uCfg, helloID(fingerprint))
	if err := uconn.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return uconn, nil
}
