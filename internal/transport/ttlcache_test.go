package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTTLCache_PutGet(t *testing.T) {
	c := NewTTLCache(time.Minute)
	_, ok := c.Get("k")
	require.False(t, ok)

	c.Put("k", "v")
	v, ok := c.Get("k")
	require.True(t, ok)
	require.Equal(t, "v", v)
}

func TestTTLCache_Expiry(t *testing.T) {
	c := NewTTLCache(20 * time.Millisecond)
	c.Put("k", "v")
	time.Sleep(40 * time.Millisecond)
	_, ok := c.Get("k")
	require.False(t, ok)
}

func TestTTLCache_Invalidate(t *testing.T) {
	c := NewTTLCache(time.Minute)
	c.Put("k", "v")
	c.Invalidate("k")
	_, ok := c.Get("k")
	require.False(t, ok)
}

func TestTTLCache_Sweep(t *testing.T) {
	c := NewTTLCache(10 * time.Millisecond)
	c.Put("stale", "v")
	time.Sleep(30 * time.Millisecond)
	c.Put("fresh", "v")
	c.Sweep()

	c.mu.Lock()
	_, hasStale := c.entries["stale"]
	_, hasFresh := c.entries["fresh"]
	c.mu.Unlock()
	require.False(t, hasStale)
	require.True(t, hasFresh)
}

func TestMapHTTPStatus(t *testing.T) {
	require.EqualValues(t, "PERMISSION_DENIED", MapHTTPStatus(401))
	require.EqualValues(t, "PERMISSION_DENIED", MapHTTPStatus(403))
	require.EqualValues(t, "ISSUE_NOT_FOUND", MapHTTPStatus(404))
	require.EqualValues(t, "RATE_LIMITED", MapHTTPStatus(429))
	require.EqualValues(t, "API_ERROR", MapHTTPStatus(500))
}
