package middleware

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"leasecast/pkg/clock"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestRateLimiter_AllowsBurst(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerMinute: 10, BurstSize: 5, CleanupInterval: time.Minute}, clock.NewManual(t0))

	for i := 0; i < 5; i++ {
		assert.True(t, rl.Allow("client1"), "request %d", i+1)
	}
	assert.False(t, rl.Allow("client1"))
}

func TestRateLimiter_SeparatesClients(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: time.Minute}, clock.NewManual(t0))

	assert.True(t, rl.Allow("client1"))
	assert.False(t, rl.Allow("client1"))
	assert.True(t, rl.Allow("client2"))
}

func TestRateLimiter_RefillsOverTime(t *testing.T) {
	clk := clock.NewManual(t0)
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: time.Minute}, clk)

	assert.True(t, rl.Allow("client1"))
	assert.False(t, rl.Allow("client1"))

	clk.Advance(time.Second)
	assert.True(t, rl.Allow("client1"))
}

func TestRateLimiter_CleanupDropsIdleClients(t *testing.T) {
	clk := clock.NewManual(t0)
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: time.Minute}, clk)

	rl.Allow("old")
	clk.Advance(2 * time.Minute)
	rl.Allow("new")

	rl.Cleanup()
	assert.Equal(t, 1, rl.Clients())
}
