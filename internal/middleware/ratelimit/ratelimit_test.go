package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllow_PerKeyBurstAndRefill(t *testing.T) {
	rl := New(Config{MaxRequestsPerMinute: 60, Burst: 2})
	defer rl.Stop()

	now := time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"), "burst spent")
	assert.True(t, rl.Allow("b"), "keys are independent")

	now = now.Add(time.Second)
	assert.True(t, rl.Allow("a"), "one token per second")
	assert.False(t, rl.Allow("a"))
}

func TestEvictIdle(t *testing.T) {
	rl := New(Config{IdleTTL: time.Minute})
	defer rl.Stop()

	now := time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.Allow("a")
	now = now.Add(30 * time.Second)
	rl.Allow("b")
	now = now.Add(45 * time.Second)

	assert.Equal(t, 1, rl.evictIdle())
	assert.Len(t, rl.clients, 1)
	assert.Contains(t, rl.clients, "b")
}

func TestMiddleware_RejectsOverLimit(t *testing.T) {
	rl := New(Config{MaxRequestsPerMinute: 1, Burst: 1})
	defer rl.Stop()

	app := fiber.New()
	app.Use(rl.Middleware())
	app.Post("/trigger", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusAccepted) })

	for i, want := range []int{fiber.StatusAccepted, fiber.StatusTooManyRequests} {
		req := httptest.NewRequest("POST", "/trigger", nil)
		req.Header.Set("X-User-ID", "user-1")
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, want, resp.StatusCode, "request %d", i)
	}

	req := httptest.NewRequest("POST", "/trigger", nil)
	req.Header.Set("X-User-ID", "user-2")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusAccepted, resp.StatusCode)
}
