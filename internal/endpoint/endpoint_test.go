package endpoint

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointFieldsIndependent(t *testing.T) {
	e := New()
	assert.True(t, e.IsZero())

	e = e.WithHostname("example.com").WithPort(443)
	host, ok := e.Hostname()
	assert.True(t, ok)
	assert.Equal(t, "example.com", host)
	_, ok = e.IPv4()
	assert.False(t, ok)
	_, ok = e.Service()
	assert.False(t, ok)

	// Disagreeing fields are accepted as-is.
	e = e.WithIPv4(netip.MustParseAddr("192.0.2.1"))
	v4, ok := e.IPv4()
	assert.True(t, ok)
	assert.Equal(t, "192.0.2.1", v4.String())
	host, _ = e.Hostname()
	assert.Equal(t, "example.com", host)
}

func TestEndpointSettersDoNotAlias(t *testing.T) {
	base := New().WithHostname("a.example")
	other := base.WithHostname("b.example")
	h, _ := base.Hostname()
	assert.Equal(t, "a.example", h)
	h, _ = other.Hostname()
	assert.Equal(t, "b.example", h)
}

func TestEndpointWrongFamilyIgnored(t *testing.T) {
	e := New().WithIPv4(netip.MustParseAddr("2001:db8::1")).WithIPv6(netip.MustParseAddr("192.0.2.1"))
	assert.True(t, e.IsZero())

	e = New().WithIPv4(netip.MustParseAddr("::ffff:192.0.2.7"))
	v4, ok := e.IPv4()
	require.True(t, ok)
	assert.Equal(t, "192.0.2.7", v4.String())
}

func TestEndpointHostPort(t *testing.T) {
	tests := []struct {
		name    string
		e       Endpoint
		want    string
		wantErr bool
	}{
		{"hostname", New().WithHostname("example.com").WithPort(80), "example.com:80", false},
		{"ipv4 beats hostname", New().WithHostname("example.com").WithIPv4(netip.MustParseAddr("192.0.2.1")).WithPort(80), "192.0.2.1:80", false},
		{"ipv6 beats ipv4", New().WithIPv4(netip.MustParseAddr("192.0.2.1")).WithIPv6(netip.MustParseAddr("2001:db8::1")).WithPort(443), "[2001:db8::1]:443", false},
		{"no port", New().WithHostname("example.com"), "", true},
		{"no address", New().WithPort(80), "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.e.HostPort()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse(t *testing.T) {
	e, err := Parse("example.com:https")
	require.NoError(t, err)
	h, _ := e.Hostname()
	svc, ok := e.Service()
	assert.Equal(t, "example.com", h)
	assert.True(t, ok)
	assert.Equal(t, "https", svc)
	_, ok = e.Port()
	assert.False(t, ok)

	e, err = Parse("[2001:db8::2]:8443")
	require.NoError(t, err)
	v6, ok := e.IPv6()
	assert.True(t, ok)
	assert.Equal(t, "2001:db8::2", v6.String())
	p, _ := e.Port()
	assert.Equal(t, uint16(8443), p)

	_, err = Parse("no-port")
	assert.Error(t, err)
}

func TestEndpointString(t *testing.T) {
	e := New().WithHostname("h").WithPort(1)
	assert.Equal(t, "{host=h port=1}", e.String())
}
