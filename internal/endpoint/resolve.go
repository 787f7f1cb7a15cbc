package endpoint

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"
)

const defaultResolvConf = "/etc/resolv.conf"

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	Servers    []string      // host:port of DNS servers; empty reads resolv.conf
	Timeout    time.Duration // per query
	PreferIPv6 bool
}

// ApplyDefaults fills unset values.
func (c *ResolverConfig) ApplyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
}

// Resolver turns an Endpoint into dialable addresses. Literal addresses win
// over the hostname; a missing port comes from SRV, then from the local
// services table.
type Resolver struct {
	servers    []string
	preferIPv6 bool
	client     *dns.Client
}

// NewResolver creates a Resolver. With no servers configured it falls back
// to the system resolv.conf.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	cfg.ApplyDefaults()
	servers := append([]string(nil), cfg.Servers...)
	if len(servers) == 0 {
		cc, err := dns.ClientConfigFromFile(defaultResolvConf)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", defaultResolvConf, err)
		}
		for _, s := range cc.Servers {
			servers = append(servers, net.JoinHostPort(s, cc.Port))
		}
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("no dns servers configured")
	}
	return &Resolver{
		servers:    servers,
		preferIPv6: cfg.PreferIPv6,
		client:     &dns.Client{Net: "udp", Timeout: cfg.Timeout},
	}, nil
}

// Resolve returns the addresses to try for e, in preference order.
func (r *Resolver) Resolve(ctx context.Context, e Endpoint) ([]netip.AddrPort, error) {
	host, hasHost := e.Hostname()
	port, hasPort := e.Port()
	if !hasPort {
		svc, ok := e.Service()
		if !ok || svc == "" {
			return nil, fmt.Errorf("resolve %s: no port or service", e)
		}
		p, target, err := r.lookupService(ctx, svc, host)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", e, err)
		}
		port = p
		if target != "" {
			host, hasHost = target, true
		}
	}

	var addrs []netip.Addr
	v4, ok4 := e.IPv4()
	v6, ok6 := e.IPv6()
	if ok6 {
		addrs = append(addrs, v6)
	}
	if ok4 {
		addrs = append(addrs, v4)
	}
	if len(addrs) == 0 {
		if !hasHost || host == "" {
			return nil, fmt.Errorf("resolve %s: no address or hostname", e)
		}
		if lit, err := netip.ParseAddr(host); err == nil {
			addrs = append(addrs, lit.Unmap())
		} else {
			found, err := r.lookupHost(ctx, host)
			if err != nil {
				return nil, fmt.Errorf("resolve %s: %w", e, err)
			}
			addrs = found
		}
	}

	r.order(addrs)
	out := make([]netip.AddrPort, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, netip.AddrPortFrom(a, port))
	}
	return out, nil
}

func (r *Resolver) order(addrs []netip.Addr) {
	sort.SliceStable(addrs, func(i, j int) bool {
		if r.preferIPv6 {
			return addrs[i].Is6() && !addrs[j].Is6()
		}
		return addrs[i].Is4() && !addrs[j].Is4()
	})
}

func (r *Resolver) lookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	var out []netip.Addr
	var lastErr error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg, err := r.exchange(ctx, host, qtype)
		if err != nil {
			lastErr = err
			continue
		}
		for _, rr := range msg.Answer {
			switch rec := rr.(type) {
			case *dns.A:
				if a, ok := netip.AddrFromSlice(rec.A.To4()); ok {
					out = append(out, a)
				}
			case *dns.AAAA:
				if a, ok := netip.AddrFromSlice(rec.AAAA.To16()); ok {
					out = append(out, a)
				}
			}
		}
	}
	if len(out) == 0 {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, fmt.Errorf("no addresses for %s", host)
	}
	return out, nil
}

// lookupService resolves a service name to a port. The SRV target, when
// present, replaces the hostname.
func (r *Resolver) lookupService(ctx context.Context, service, host string) (uint16, string, error) {
	if host != "" {
		name := "_" + service + "._tcp." + host
		if msg, err := r.exchange(ctx, name, dns.TypeSRV); err == nil {
			var srvs []*dns.SRV
			for _, rr := range msg.Answer {
				if srv, ok := rr.(*dns.SRV); ok {
					srvs = append(srvs, srv)
				}
			}
			if len(srvs) > 0 {
				sort.SliceStable(srvs, func(i, j int) bool {
					if srvs[i].Priority != srvs[j].Priority {
						return srvs[i].Priority < srvs[j].Priority
					}
					return srvs[i].Weight > srvs[j].Weight
				})
				return srvs[0].Port, strings.TrimSuffix(srvs[0].Target, "."), nil
			}
		}
	}
	port, err := net.DefaultResolver.LookupPort(ctx, "tcp", service)
	if err != nil {
		return 0, "", fmt.Errorf("lookup service %q: %w", service, err)
	}
	return uint16(port), "", nil
}

func (r *Resolver) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		resp, _, err := r.client.ExchangeContext(ctx, m, server)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("%s %s: %s", dns.TypeToString[qtype], name, dns.RcodeToString[resp.Rcode])
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}
