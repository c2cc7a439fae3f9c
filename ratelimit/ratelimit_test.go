package ratelimit

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func addr(ip string) net.Addr {
	return &net.TCPAddr{IP: net.ParseIP(ip), Port: 1234}
}

func TestAllowPermitsUpToBurstThenBlocks(t *testing.T) {
	l := NewIPRateLimiter(1, 2, time.Minute)
	defer l.Stop()

	a := addr("10.0.0.1")
	assert.True(t, l.Allow(a))
	assert.True(t, l.Allow(a))
	assert.False(t, l.Allow(a), "third attempt within the same instant exceeds burst")
}

func TestAllowTracksEachIPIndependently(t *testing.T) {
	l := NewIPRateLimiter(1, 1, time.Minute)
	defer l.Stop()

	assert.True(t, l.Allow(addr("10.0.0.1")))
	assert.True(t, l.Allow(addr("10.0.0.2")), "a different IP has its own bucket")
}

func TestAllowWithNilAddrIsPermissive(t *testing.T) {
	l := NewIPRateLimiter(1, 1, time.Minute)
	defer l.Stop()

	assert.True(t, l.Allow(nil))
}

func TestSweepStaleRemovesOldEntries(t *testing.T) {
	l := NewIPRateLimiter(1, 1, time.Millisecond)
	defer l.Stop()

	l.Allow(addr("10.0.0.1"))
	l.limiters["10.0.0.1"].lastSeen = time.Now().Add(-time.Hour)

	l.sweepStale()

	l.mu.Lock()
	_, stillThere := l.limiters["10.0.0.1"]
	l.mu.Unlock()
	assert.False(t, stillThere)
}
