package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiterAllowsUpToMax(t *testing.T) {
	l := New(3, time.Minute)

	assert.True(t, l.Allow("u1"))
	assert.True(t, l.Allow("u1"))
	assert.True(t, l.Allow("u1"))
	assert.False(t, l.Allow("u1"))
}

func TestLimiterTracksRecipientsIndependently(t *testing.T) {
	l := New(1, time.Minute)

	assert.True(t, l.Allow("u1"))
	assert.True(t, l.Allow("u2"))
	assert.False(t, l.Allow("u1"))
}

func TestLimiterWindowExpiresAdmittedEvents(t *testing.T) {
	l := New(1, 10*time.Millisecond)

	assert.True(t, l.Allow("u1"))
	assert.False(t, l.Allow("u1"))

	time.Sleep(20 * time.Millisecond)
	assert.True(t, l.Allow("u1"))
}

func TestLimiterCurrentRateUntrackedRecipient(t *testing.T) {
	l := New(5, time.Minute)

	rate, tracked := l.CurrentRate("ghost")
	assert.False(t, tracked)
	assert.Equal(t, 0, rate)
}

func TestLimiterCurrentRateReflectsAdmittedCount(t *testing.T) {
	l := New(5, time.Minute)
	l.Allow("u1")
	l.Allow("u1")

	rate, tracked := l.CurrentRate("u1")
	assert.True(t, tracked)
	assert.Equal(t, 2, rate)
}

func TestLimiterRemove(t *testing.T) {
	l := New(1, time.Minute)
	l.Allow("u1")
	assert.Equal(t, 1, l.TrackedRecipients())

	l.Remove("u1")
	assert.Equal(t, 0, l.TrackedRecipients())

	_, tracked := l.CurrentRate("u1")
	assert.False(t, tracked)
}

func TestLimiterReapRemovesIdleWindows(t *testing.T) {
	l := New(5, time.Minute)
	l.Allow("u1")

	removed := l.Reap(0)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, l.TrackedRecipients())
}

func TestLimiterReapKeepsActiveWindows(t *testing.T) {
	l := New(5, time.Minute)
	l.Allow("u1")

	removed := l.Reap(time.Hour)
	assert.Equal(t, 0, removed)
	assert.Equal(t, 1, l.TrackedRecipients())
}

func TestLimiterMaxPerWindow(t *testing.T) {
	l := New(42, time.Minute)
	assert.Equal(t, 42, l.MaxPerWindow())
}
