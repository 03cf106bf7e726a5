package channels

import (
	"sync"

	"golang.org/x/time/rate"
)

const (
	// maxTrackedSenders caps the limiter map so rotating sender ids
	// cannot exhaust memory.
	maxTrackedSenders = 4096

	// senderRatePerSec and senderBurst bound how fast one sender can
	// push messages through a channel.
	senderRatePerSec = 0.5
	senderBurst      = 10
)

// SenderRateLimiter holds one token bucket per sender id. Safe for
// concurrent use.
type SenderRateLimiter struct {
	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
}

// NewSenderRateLimiter builds a bounded per-sender limiter.
func NewSenderRateLimiter() *SenderRateLimiter {
	return &SenderRateLimiter{limiters: map[int64]*rate.Limiter{}}
}

// Allow reports whether the sender may proceed right now.
func (r *SenderRateLimiter) Allow(userID int64) bool {
	r.mu.Lock()
	lim, ok := r.limiters[userID]
	if !ok {
		if len(r.limiters) >= maxTrackedSenders {
			// Hard eviction; map iteration order is as good as any.
			for id := range r.limiters {
				delete(r.limiters, id)
				break
			}
		}
		lim = rate.NewLimiter(rate.Limit(senderRatePerSec), senderBurst)
		r.limiters[userID] = lim
	}
	r.mu.Unlock()
	return lim.Allow()
}
