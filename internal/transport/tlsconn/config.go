package tlsconn

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// Trust is the trust-anchor source for certificate validation. Roots wins
// over CAFile; with neither set the system pool is used.
type Trust struct {
	CAFile string
	Roots  *x509.CertPool
}

// Pool returns the configured root pool, nil meaning system roots.
func (t Trust) Pool() (*x509.CertPool, error) {
	if t.Roots != nil {
		return t.Roots, nil
	}
	if t.CAFile == "" {
		return nil, nil
	}
	return LoadCertPool(t.CAFile)
}

// ClientConfig builds a client tls.Config bound to serverName.
func ClientConfig(trust Trust, serverName string, alpn []string, insecure bool) (*tls.Config, error) {
	pool, err := trust.Pool()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		ServerName:         serverName,
		RootCAs:            pool,
		NextProtos:         append([]string(nil), alpn...),
		InsecureSkipVerify: insecure,
		MinVersion:         tls.VersionTLS12,
	}, nil
}

// ServerConfig loads a certificate pair; caFile, when set, enables optional
// client certificate verification.
func ServerConfig(certFile, keyFile, caFile string, alpn []string) (*tls.Config, error) {
	if certFile == "" || keyFile == "" {
		return nil, fmt.Errorf("tls cert_file and key_file are required for server")
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   append([]string(nil), alpn...),
		MinVersion:   tls.VersionTLS12,
	}
	if caFile != "" {
		pool, err := LoadCertPool(caFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return cfg, nil
}

// LoadCertPool reads a root bundle. PEM bundles may hold several
// certificates; a file that is not PEM is parsed as one DER certificate.
func LoadCertPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if block, _ := pem.Decode(data); block != nil {
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("failed to parse ca file: %s", path)
		}
		return pool, nil
	}
	cert, err := x509.ParseCertificate(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ca file: %s: %w", path, err)
	}
	pool.AddCert(cert)
	return pool, nil
}
