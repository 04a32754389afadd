package venue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }
func newFakeClock() *fakeClock               { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }
func (c *fakeClock) breaker(n int, w time.Duration) *Breaker {
	return NewBreaker(n, w, c.now)
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	clk := newFakeClock()
	b := clk.breaker(3, 30*time.Second)

	assert.False(t, b.RecordFailure())
	assert.False(t, b.RecordFailure())
	assert.True(t, b.RecordFailure(), "third failure trips")
	assert.True(t, b.Open())
	assert.False(t, b.RecordFailure(), "already open")
}

func TestBreakerWindowSlides(t *testing.T) {
	clk := newFakeClock()
	b := clk.breaker(3, 30*time.Second)

	b.RecordFailure()
	clk.advance(20 * time.Second)
	b.RecordFailure()
	clk.advance(15 * time.Second)

	assert.Equal(t, 1, b.Failures(), "first failure aged out")
	assert.False(t, b.RecordFailure())
	assert.False(t, b.Open())
}

func TestBreakerReset(t *testing.T) {
	clk := newFakeClock()
	b := clk.breaker(1, time.Second)

	assert.False(t, b.Reset(), "closed breaker")
	assert.True(t, b.RecordFailure())
	assert.True(t, b.Reset())
	assert.False(t, b.Open())
	assert.Equal(t, 0, b.Failures())
}

func TestBreakerDefaults(t *testing.T) {
	b := NewBreaker(0, 0, nil)
	assert.Equal(t, 30*time.Second, b.Window())
	for i := 0; i < 4; i++ {
		assert.False(t, b.RecordFailure())
	}
	assert.True(t, b.RecordFailure())
}
