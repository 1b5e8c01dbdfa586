package transport

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// acceptLimiter rate-limits WebSocket upgrade attempts: a global token
// bucket plus one bucket per client IP, so a single abusive client can't
// starve everyone else's accept budget.
type acceptLimiter struct {
	ipMu     sync.RWMutex
	ipEntry  map[string]*ipEntry
	ipRate   float64
	ipBurst  int
	ipTTL    time.Duration

	global *rate.Limiter

	logger zerolog.Logger

	stopCleanup chan struct{}
}

type ipEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// newAcceptLimiter builds a limiter admitting perSecond global upgrades
// (burst allowance burst), with each IP further capped to one tenth of
// the global rate (minimum 1/sec, burst 5).
func newAcceptLimiter(perSecond float64, burst int, logger zerolog.Logger) *acceptLimiter {
	ipRate := perSecond / 10
	if ipRate < 1 {
		ipRate = 1
	}
	l := &acceptLimiter{
		ipEntry:     make(map[string]*ipEntry),
		ipRate:      ipRate,
		ipBurst:     5,
		ipTTL:       5 * time.Minute,
		global:      rate.NewLimiter(rate.Limit(perSecond), burst),
		logger:      logger.With().Str("component", "accept_limiter").Logger(),
		stopCleanup: make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a connection attempt from ip should be
// admitted: the global bucket is checked first, then the per-IP bucket.
func (l *acceptLimiter) Allow(ip string) bool {
	if !l.global.Allow() {
		return false
	}
	return l.ipLimiterFor(ip).Allow()
}

func (l *acceptLimiter) ipLimiterFor(ip string) *rate.Limiter {
	l.ipMu.RLock()
	entry, ok := l.ipEntry[ip]
	l.ipMu.RUnlock()
	if ok {
		l.ipMu.Lock()
		entry.lastAccess = time.Now()
		l.ipMu.Unlock()
		return entry.limiter
	}

	l.ipMu.Lock()
	defer l.ipMu.Unlock()
	if entry, ok := l.ipEntry[ip]; ok {
		entry.lastAccess = time.Now()
		return entry.limiter
	}
	entry = &ipEntry{limiter: rate.NewLimiter(rate.Limit(l.ipRate), l.ipBurst), lastAccess: time.Now()}
	l.ipEntry[ip] = entry
	return entry.limiter
}

func (l *acceptLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCleanup:
			return
		}
	}
}

func (l *acceptLimiter) cleanup() {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()
	now := time.Now()
	for ip, entry := range l.ipEntry {
		if now.Sub(entry.lastAccess) > l.ipTTL {
			delete(l.ipEntry, ip)
		}
	}
}

func (l *acceptLimiter) Stop() {
	close(l.stopCleanup)
}
