package channel

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL    = 3 * time.Minute
	limiterSweepEvery = time.Minute
)

// chatLimiter paces outbound calls per chat with a token bucket per chat ID.
// Idle buckets are swept on access.
type chatLimiter struct {
	limit rate.Limit
	burst int

	mu        sync.Mutex
	chats     map[int64]*chatBucket
	lastSweep time.Time
	now       func() time.Time
}

type chatBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newChatLimiter returns a limiter allowing perSecond calls per chat with the
// given burst. A non-positive rate disables pacing.
func newChatLimiter(perSecond float64, burst int) *chatLimiter {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &chatLimiter{
		limit: limit,
		burst: burst,
		chats: make(map[int64]*chatBucket),
		now:   time.Now,
	}
}

// Wait blocks until a call to chatID is allowed or ctx is done.
func (l *chatLimiter) Wait(ctx context.Context, chatID int64) error {
	if l.limit == rate.Inf {
		return nil
	}
	return l.bucket(chatID).Wait(ctx)
}

func (l *chatLimiter) bucket(chatID int64) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) >= limiterSweepEvery {
		for id, b := range l.chats {
			if now.Sub(b.lastSeen) > limiterIdleTTL {
				delete(l.chats, id)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.chats[chatID]
	if !ok {
		b = &chatBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.chats[chatID] = b
	}
	b.lastSeen = now
	return b.limiter
}

func (l *chatLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.chats)
}
