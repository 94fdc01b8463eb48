package relay

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// JoinLimiter caps connection attempts per client token within a sliding
// window.
type JoinLimiter struct {
	mu       sync.Mutex
	clock    clock.Clock
	history  map[string][]time.Time
	limit    int
	interval time.Duration
}

// NewJoinLimiter returns a limiter allowing limit attempts per interval. A
// non-positive limit disables it.
func NewJoinLimiter(clk clock.Clock, limit int, interval time.Duration) *JoinLimiter {
	if clk == nil {
		clk = clock.New()
	}
	return &JoinLimiter{
		clock:    clk,
		history:  make(map[string][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (rl *JoinLimiter) Allow(token string) bool {
	if rl == nil || rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[token]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= rl.limit {
		rl.history[token] = fresh
		return false
	}
	rl.history[token] = append(fresh, now)
	return true
}

// Prune forgets tokens with no attempt inside the window.
func (rl *JoinLimiter) Prune() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	windowStart := rl.clock.Now().Add(-rl.interval)
	for token, attempts := range rl.history {
		if len(attempts) == 0 || !attempts[len(attempts)-1].After(windowStart) {
			delete(rl.history, token)
		}
	}
}
