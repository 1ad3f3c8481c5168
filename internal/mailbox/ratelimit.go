package mailbox

import (
	"context"
	"sync"
	"time"

	"github.com/quarkrt/quark/internal/quarkerr"
)

// rateLimiter is a fixed-window token bucket: MaxMessagesPerWindow tokens
// are available per TimeWindow, refilled in a single step when the window
// rolls over.
type rateLimiter struct {
	cfg RateLimitConfig

	mu          sync.Mutex
	windowStart time.Time
	used        int
	waiters     []chan struct{}
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	return &rateLimiter{
		cfg:         cfg,
		windowStart: time.Now(),
	}
}

// Admit applies the configured RateLimitAction, returning (true, nil) if
// the post should proceed, (false, nil) if it should be silently dropped,
// or (false, err) if it should be rejected.
func (l *rateLimiter) Admit(ctx context.Context) (bool, error) {
	for {
		l.mu.Lock()
		l.rollWindowLocked()

		if l.used < l.cfg.MaxMessagesPerWindow {
			l.used++
			l.mu.Unlock()

			return true, nil
		}

		switch l.cfg.Action {
		case RateLimitReject:
			l.mu.Unlock()
			return false, quarkerr.ErrRateLimited

		case RateLimitQueue:
			wait := make(chan struct{})
			l.waiters = append(l.waiters, wait)
			remaining := l.cfg.TimeWindow - time.Since(l.windowStart)
			l.mu.Unlock()

			if remaining < 0 {
				remaining = 0
			}

			timer := time.NewTimer(remaining)
			select {
			case <-wait:
				timer.Stop()
				continue
			case <-timer.C:
				continue
			case <-ctx.Done():
				timer.Stop()
				return false, ctx.Err()
			}

		default: // RateLimitDrop
			l.mu.Unlock()
			return false, nil
		}
	}
}

// rollWindowLocked resets the token count once TimeWindow has elapsed
// since the last roll, waking any Queue-mode waiters.
func (l *rateLimiter) rollWindowLocked() {
	if time.Since(l.windowStart) < l.cfg.TimeWindow {
		return
	}

	l.windowStart = time.Now()
	l.used = 0

	for _, w := range l.waiters {
		close(w)
	}
	l.waiters = nil
}
