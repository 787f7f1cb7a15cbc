package endpoint

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startDNS(t *testing.T, records map[string][]dns.RR) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
			m := new(dns.Msg)
			m.SetReply(r)
			q := r.Question[0]
			for _, rr := range records[q.Name] {
				if rr.Header().Rrtype == q.Qtype {
					m.Answer = append(m.Answer, rr)
				}
			}
			_ = w.WriteMsg(m)
		}),
	}
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("dns server did not start")
	}
	return pc.LocalAddr().String()
}

func mustRR(t *testing.T, s string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(s)
	require.NoError(t, err)
	return rr
}

func TestResolverHostname(t *testing.T) {
	server := startDNS(t, map[string][]dns.RR{
		"svc.test.": {
			mustRR(t, "svc.test. 60 IN A 192.0.2.10"),
			mustRR(t, "svc.test. 60 IN AAAA 2001:db8::10"),
		},
	})
	r, err := NewResolver(ResolverConfig{Servers: []string{server}, Timeout: time.Second})
	require.NoError(t, err)

	got, err := r.Resolve(context.Background(), New().WithHostname("svc.test").WithPort(8080))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "192.0.2.10:8080", got[0].String())
	assert.Equal(t, "[2001:db8::10]:8080", got[1].String())
}

func TestResolverPreferIPv6(t *testing.T) {
	server := startDNS(t, map[string][]dns.RR{
		"svc.test.": {
			mustRR(t, "svc.test. 60 IN A 192.0.2.10"),
			mustRR(t, "svc.test. 60 IN AAAA 2001:db8::10"),
		},
	})
	r, err := NewResolver(ResolverConfig{Servers: []string{server}, PreferIPv6: true})
	require.NoError(t, err)

	got, err := r.Resolve(context.Background(), New().WithHostname("svc.test").WithPort(1))
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.True(t, got[0].Addr().Is6())
}

func TestResolverLiteralsSkipDNS(t *testing.T) {
	r, err := NewResolver(ResolverConfig{Servers: []string{"127.0.0.1:1"}, Timeout: 100 * time.Millisecond})
	require.NoError(t, err)

	e := New().WithHostname("ignored.test").WithIPv4(netip.MustParseAddr("198.51.100.4")).WithPort(80)
	got, err := r.Resolve(context.Background(), e)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "198.51.100.4:80", got[0].String())
}

func TestResolverSRV(t *testing.T) {
	server := startDNS(t, map[string][]dns.RR{
		"_web._tcp.svc.test.": {
			mustRR(t, "_web._tcp.svc.test. 60 IN SRV 20 0 9000 backup.test."),
			mustRR(t, "_web._tcp.svc.test. 60 IN SRV 10 0 8443 primary.test."),
		},
		"primary.test.": {mustRR(t, "primary.test. 60 IN A 192.0.2.20")},
	})
	r, err := NewResolver(ResolverConfig{Servers: []string{server}})
	require.NoError(t, err)

	got, err := r.Resolve(context.Background(), New().WithHostname("svc.test").WithService("web"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "192.0.2.20:8443", got[0].String())
}

func TestResolverErrors(t *testing.T) {
	server := startDNS(t, nil)
	r, err := NewResolver(ResolverConfig{Servers: []string{server}})
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), New().WithHostname("x.test"))
	assert.Error(t, err, "no port and no service")

	_, err = r.Resolve(context.Background(), New().WithPort(80))
	assert.Error(t, err, "no address")

	_, err = r.Resolve(context.Background(), New().WithHostname("missing.test").WithPort(80))
	assert.Error(t, err)
}
