package server

import (
	"net"
	"net/netip"
	"sync"
	"time"
)

type violationState struct {
	count int
	last  time.Time
}

// violationLimiter refuses peers that sent too many malformed heads within
// a window. A nil limiter never refuses.
type violationLimiter struct {
	mu     sync.Mutex
	peers  map[netip.Addr]violationState
	max    int
	window time.Duration
	now    func() time.Time
	swept  time.Time
}

func newViolationLimiter(max int, window time.Duration) *violationLimiter {
	if max <= 0 {
		return nil
	}
	if window <= 0 {
		window = 2 * time.Minute
	}
	return &violationLimiter{
		peers:  make(map[netip.Addr]violationState),
		max:    max,
		window: window,
		now:    time.Now,
	}
}

// peerKey drops the port: each new connection comes from a new one.
func peerKey(addr net.Addr) (netip.Addr, bool) {
	if addr == nil {
		return netip.Addr{}, false
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return netip.Addr{}, false
	}
	return ap.Addr().Unmap(), true
}

func (l *violationLimiter) limited(addr net.Addr) bool {
	if l == nil {
		return false
	}
	key, ok := peerKey(addr)
	if !ok {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.peers[key]
	if !ok {
		return false
	}
	if l.now().Sub(state.last) > l.window {
		delete(l.peers, key)
		return false
	}
	return state.count >= l.max
}

func (l *violationLimiter) record(addr net.Addr) {
	if l == nil {
		return
	}
	key, ok := peerKey(addr)
	if !ok {
		return
	}

	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.swept) > l.window {
		l.sweep(now)
	}
	state := l.peers[key]
	if now.Sub(state.last) > l.window {
		state.count = 0
	}
	state.count++
	state.last = now
	l.peers[key] = state
}

// sweep drops expired peers so hosts that never return do not pile up.
// Callers hold mu.
func (l *violationLimiter) sweep(now time.Time) {
	for key, state := range l.peers {
		if now.Sub(state.last) > l.window {
			delete(l.peers, key)
		}
	}
	l.swept = now
}

func (l *violationLimiter) clear(addr net.Addr) {
	if l == nil {
		return
	}
	key, ok := peerKey(addr)
	if !ok {
		return
	}

	l.mu.Lock()
	delete(l.peers, key)
	l.mu.Unlock()
}
