package transport

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestAcceptLimiterAllowsWithinBurst(t *testing.T) {
	l := newAcceptLimiter(100, 3, zerolog.Nop())
	defer l.Stop()

	assert.True(t, l.Allow("1.2.3.4"))
	assert.True(t, l.Allow("1.2.3.4"))
	assert.True(t, l.Allow("1.2.3.4"))
}

func TestAcceptLimiterPerIPExhaustionDoesNotStarveOtherIPs(t *testing.T) {
	l := newAcceptLimiter(1000, 1000, zerolog.Nop())
	defer l.Stop()

	// Per-IP rate is capped at max(perSecond/10, 1); burst 5, so an
	// aggressive single IP runs out well before the global bucket does.
	for i := 0; i < 5; i++ {
		l.Allow("1.1.1.1")
	}
	exhausted := l.Allow("1.1.1.1")
	freshIP := l.Allow("2.2.2.2")

	assert.False(t, exhausted)
	assert.True(t, freshIP)
}

func TestAcceptLimiterGlobalBucketCapsTotalThroughput(t *testing.T) {
	l := newAcceptLimiter(2, 2, zerolog.Nop())
	defer l.Stop()

	assert.True(t, l.Allow("1.1.1.1"))
	assert.True(t, l.Allow("2.2.2.2"))
	assert.False(t, l.Allow("3.3.3.3"))
}

func TestAcceptLimiterCleanupRemovesStaleEntries(t *testing.T) {
	l := newAcceptLimiter(100, 100, zerolog.Nop())
	defer l.Stop()
	l.ipTTL = 0

	l.Allow("1.2.3.4")
	assert.Len(t, l.ipEntry, 1)

	time.Sleep(time.Millisecond)
	l.cleanup()
	assert.Len(t, l.ipEntry, 0)
}
