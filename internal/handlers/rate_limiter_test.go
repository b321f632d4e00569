package handlers

import (
	"testing"
	"time"
)

func TestFixedWindowLimiter(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	limiter := newFixedWindowLimiter(2, time.Minute, func() time.Time { return now })

	if !limiter.Allow("user-1") || !limiter.Allow("user-1") {
		t.Fatalf("expected first two attempts allowed")
	}
	if limiter.Allow("user-1") {
		t.Fatalf("expected third attempt throttled")
	}

	now = now.Add(time.Minute)
	if !limiter.Allow("user-1") {
		t.Fatalf("expected window reset after a minute")
	}
}

func TestFixedWindowLimiterDisabled(t *testing.T) {
	if newFixedWindowLimiter(0, time.Minute, nil) != nil {
		t.Fatalf("expected nil limiter for zero limit")
	}
	if newFixedWindowLimiter(5, 0, nil) != nil {
		t.Fatalf("expected nil limiter for zero window")
	}
}
