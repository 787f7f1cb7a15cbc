// Package testcert issues throwaway self-signed certificates for tests.
package testcert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// Bundle is a self-signed certificate that is also its own root.
type Bundle struct {
	Cert    tls.Certificate
	Roots   *x509.CertPool
	CertPEM []byte
	KeyPEM  []byte
	DER     []byte
}

// New issues a certificate valid for localhost, 127.0.0.1, ::1 and any
// extra hosts.
func New(hosts ...string) (*Bundle, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	tpl := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: "localhost"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tpl.IPAddresses = append(tpl.IPAddresses, ip)
		} else {
			tpl.DNSNames = append(tpl.DNSNames, h)
		}
	}
	der, err := x509.CreateCertificate(rand.Reader, &tpl, &tpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, err
	}
	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	roots := x509.NewCertPool()
	roots.AddCert(leaf)
	return &Bundle{Cert: cert, Roots: roots, CertPEM: certPEM, KeyPEM: keyPEM, DER: der}, nil
}

// WriteFiles stores cert.pem, key.pem and cert.der under dir and returns
// their paths.
func (b *Bundle) WriteFiles(dir string) (certFile, keyFile, derFile string, err error) {
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	derFile = filepath.Join(dir, "cert.der")
	if err = os.WriteFile(certFile, b.CertPEM, 0o600); err != nil {
		return
	}
	if err = os.WriteFile(keyFile, b.KeyPEM, 0o600); err != nil {
		return
	}
	err = os.WriteFile(derFile, b.DER, 0o600)
	return
}

// ServerConfig returns a tls.Config serving the bundle's certificate.
func (b *Bundle) ServerConfig(alpn ...string) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{b.Cert},
		NextProtos:   alpn,
		MinVersion:   tls.VersionTLS12,
	}
}
