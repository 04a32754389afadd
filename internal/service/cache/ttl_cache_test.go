package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTLCacheExpiry(t *testing.T) {
	now := time.Unix(100, 0)
	c := NewTTLCacheWithClock(func() time.Time { return now })

	c.Set("a", 1, time.Second)
	c.Set("forever", 2, 0)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	now = now.Add(2 * time.Second)
	_, ok = c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("forever")
	assert.True(t, ok)

	c.Delete("forever")
	_, ok = c.Get("forever")
	assert.False(t, ok)
}

func TestTTLCacheGetOrLoad(t *testing.T) {
	now := time.Unix(100, 0)
	c := NewTTLCacheWithClock(func() time.Time { return now })
	calls := 0
	load := func() (any, error) { calls++; return calls, nil }

	v, err := c.GetOrLoad("k", time.Second, load)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	v, _ = c.GetOrLoad("k", time.Second, load)
	assert.Equal(t, 1, v)

	now = now.Add(2 * time.Second)
	v, _ = c.GetOrLoad("k", time.Second, load)
	assert.Equal(t, 2, v)

	_, err = c.GetOrLoad("bad", time.Second, func() (any, error) { return nil, errors.New("nope") })
	require.Error(t, err)
	_, ok := c.Get("bad")
	assert.False(t, ok)
}
