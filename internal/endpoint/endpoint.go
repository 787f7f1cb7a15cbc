// Package endpoint describes the remote target of a connection attempt.
package endpoint

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// Endpoint is an address record. Every field is independently optional and
// no agreement between hostname and literal addresses is checked; picking
// which one to dial is the caller's business.
type Endpoint struct {
	hostname string
	service  string
	ipv4     netip.Addr
	ipv6     netip.Addr
	port     uint16
	hasHost  bool
	hasSvc   bool
	hasPort  bool
}

// New returns an empty Endpoint.
func New() Endpoint {
	return Endpoint{}
}

func (e Endpoint) WithHostname(hostname string) Endpoint {
	e.hostname = hostname
	e.hasHost = true
	return e
}

func (e Endpoint) WithService(service string) Endpoint {
	e.service = service
	e.hasSvc = true
	return e
}

// WithIPv4 sets the IPv4 literal. IPv4-mapped IPv6 addresses are unmapped;
// anything else that is not IPv4 is ignored.
func (e Endpoint) WithIPv4(addr netip.Addr) Endpoint {
	addr = addr.Unmap()
	if addr.Is4() {
		e.ipv4 = addr
	}
	return e
}

// WithIPv6 sets the IPv6 literal. IPv4 addresses are ignored.
func (e Endpoint) WithIPv6(addr netip.Addr) Endpoint {
	if addr.Is6() && !addr.Is4In6() {
		e.ipv6 = addr
	}
	return e
}

func (e Endpoint) WithPort(port uint16) Endpoint {
	e.port = port
	e.hasPort = true
	return e
}

func (e Endpoint) Hostname() (string, bool) { return e.hostname, e.hasHost }
func (e Endpoint) Service() (string, bool)  { return e.service, e.hasSvc }
func (e Endpoint) IPv4() (netip.Addr, bool) { return e.ipv4, e.ipv4.IsValid() }
func (e Endpoint) IPv6() (netip.Addr, bool) { return e.ipv6, e.ipv6.IsValid() }
func (e Endpoint) Port() (uint16, bool)     { return e.port, e.hasPort }

// IsZero reports whether no field has been set.
func (e Endpoint) IsZero() bool {
	return !e.hasHost && !e.hasSvc && !e.hasPort && !e.ipv4.IsValid() && !e.ipv6.IsValid()
}

// HostPort returns a dial target built from the most specific address
// available: IPv6 literal, then IPv4 literal, then hostname. It fails when
// no address or no port is set.
func (e Endpoint) HostPort() (string, error) {
	if !e.hasPort {
		return "", fmt.Errorf("endpoint %s has no port", e)
	}
	port := strconv.Itoa(int(e.port))
	switch {
	case e.ipv6.IsValid():
		return net.JoinHostPort(e.ipv6.String(), port), nil
	case e.ipv4.IsValid():
		return net.JoinHostPort(e.ipv4.String(), port), nil
	case e.hasHost && e.hostname != "":
		return net.JoinHostPort(e.hostname, port), nil
	}
	return "", fmt.Errorf("endpoint %s has no address", e)
}

func (e Endpoint) String() string {
	var parts []string
	if e.hasHost {
		parts = append(parts, "host="+e.hostname)
	}
	if e.hasSvc {
		parts = append(parts, "service="+e.service)
	}
	if e.ipv4.IsValid() {
		parts = append(parts, "ipv4="+e.ipv4.String())
	}
	if e.ipv6.IsValid() {
		parts = append(parts, "ipv6="+e.ipv6.String())
	}
	if e.hasPort {
		parts = append(parts, "port="+strconv.Itoa(int(e.port)))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

// Parse builds an Endpoint from a "host:port" string. A literal host fills
// the matching IP field, anything else becomes the hostname. A non-numeric
// port is kept as the service name.
func Parse(hostport string) (Endpoint, error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: %w", hostport, err)
	}
	e := New()
	if addr, err := netip.ParseAddr(host); err == nil {
		if addr.Unmap().Is4() {
			e = e.WithIPv4(addr)
		} else {
			e = e.WithIPv6(addr)
		}
	} else if host != "" {
		e = e.WithHostname(host)
	}
	if port != "" {
		if n, err := strconv.ParseUint(port, 10, 16); err == nil {
			e = e.WithPort(uint16(n))
		} else {
			e = e.WithService(port)
		}
	}
	return e, nil
}
