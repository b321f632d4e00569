package handlers

import (
	"strings"
	"sync"
	"time"
)

// checkoutLimiter caps how many checkout sessions one actor may open per window.
type checkoutLimiter interface {
	Allow(actorID string) bool
}

type fixedWindowLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	windows map[string]actorWindow
}

type actorWindow struct {
	count int
	reset time.Time
}

// newFixedWindowLimiter returns nil when limiting is disabled.
func newFixedWindowLimiter(limit int, window time.Duration, clock func() time.Time) checkoutLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &fixedWindowLimiter{
		limit:   limit,
		window:  window,
		clock:   clock,
		windows: make(map[string]actorWindow),
	}
}

func (l *fixedWindowLimiter) Allow(actorID string) bool {
	actorID = strings.TrimSpace(actorID)
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok := l.windows[actorID]
	if !ok || !now.Before(current.reset) {
		l.evictLocked(now)
		l.windows[actorID] = actorWindow{count: 1, reset: now.Add(l.window)}
		return true
	}
	if current.count >= l.limit {
		return false
	}
	current.count++
	l.windows[actorID] = current
	return true
}

func (l *fixedWindowLimiter) evictLocked(now time.Time) {
	for actorID, w := range l.windows {
		if !now.Before(w.reset) {
			delete(l.windows, actorID)
		}
	}
}
