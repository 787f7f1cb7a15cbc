package server

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestViolationLimiter(t *testing.T) {
	l := newViolationLimiter(2, time.Minute)
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }

	a := &net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 4000}
	sameHost := &net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 4001}
	other := &net.UDPAddr{IP: net.ParseIP("2001:db8::1"), Port: 4000}

	assert.False(t, l.limited(a))
	l.record(a)
	assert.False(t, l.limited(sameHost))
	l.record(sameHost)
	assert.True(t, l.limited(a))
	assert.False(t, l.limited(other))

	now = now.Add(2 * time.Minute)
	assert.False(t, l.limited(a))

	l.record(a)
	l.record(a)
	assert.True(t, l.limited(a))
	l.clear(a)
	assert.False(t, l.limited(a))
}

func TestViolationLimiterForgetsExpiredHosts(t *testing.T) {
	l := newViolationLimiter(3, time.Minute)
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }

	for i := 0; i < 100; i++ {
		l.record(&net.TCPAddr{IP: net.IPv4(198, 51, 100, byte(i)), Port: 1})
	}
	assert.Len(t, l.peers, 100)

	now = now.Add(30 * time.Second)
	recent := &net.TCPAddr{IP: net.ParseIP("192.0.2.7"), Port: 1}
	l.record(recent)
	assert.Len(t, l.peers, 101)

	// A record after the window has passed sweeps every expired host but
	// keeps the ones still inside it.
	now = now.Add(45 * time.Second)
	l.record(&net.TCPAddr{IP: net.ParseIP("192.0.2.8"), Port: 1})
	assert.Len(t, l.peers, 2)
	l.record(recent)
	l.record(recent)
	assert.True(t, l.limited(recent))
}

func TestViolationLimiterDisabled(t *testing.T) {
	l := newViolationLimiter(0, time.Minute)
	assert.Nil(t, l)
	l.record(&net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 1})
	assert.False(t, l.limited(&net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 1}))
}
