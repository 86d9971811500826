package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultClaimRatePerMinute = 6
	claimBurst                = 1
	idleLimiterTTL            = 10 * time.Minute
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// userRateLimiter keeps one token bucket per user for manual claim triggers.
// Buckets idle past idleLimiterTTL have refilled and are dropped.
type userRateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	limit     rate.Limit
	clock     func() time.Time
	lastSweep time.Time
}

func newUserRateLimiter(perMinute int) *userRateLimiter {
	if perMinute <= 0 {
		perMinute = defaultClaimRatePerMinute
	}
	return &userRateLimiter{
		limiters: make(map[string]*limiterEntry),
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		clock:    time.Now,
	}
}

func (l *userRateLimiter) Allow(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	l.sweep(now)
	entry, ok := l.limiters[userID]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, claimBurst)}
		l.limiters[userID] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (l *userRateLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < idleLimiterTTL {
		return
	}
	l.lastSweep = now
	for userID, entry := range l.limiters {
		if now.Sub(entry.lastSeen) >= idleLimiterTTL {
			delete(l.limiters, userID)
		}
	}
}
