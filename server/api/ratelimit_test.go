package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/GoCodeAlone/taskdeck/auth"
)

func TestNilRateLimiterAllowsEverything(t *testing.T) {
	var l *RateLimiter
	if NewRateLimiter(0, 5) != nil {
		t.Fatal("expected nil limiter for a zero rate")
	}
	for i := 0; i < 100; i++ {
		if !l.Allow("k") {
			t.Fatal("nil limiter rejected a request")
		}
	}
	if l.Sweep() != 0 || l.Len() != 0 {
		t.Error("nil limiter tracked callers")
	}
}

func TestRateLimiterBurstAndRefill(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := NewRateLimiter(60, 2) // one per second
	l.SetClock(func() time.Time { return now })

	if !l.Allow("a") || !l.Allow("a") {
		t.Fatal("burst not honored")
	}
	if l.Allow("a") {
		t.Fatal("expected the bucket to be empty")
	}
	if !l.Allow("b") {
		t.Fatal("buckets must be per key")
	}
	now = now.Add(time.Second)
	if !l.Allow("a") {
		t.Fatal("expected a token after one second")
	}
}

func TestRateLimiterSweep(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := NewRateLimiter(60, 1)
	l.SetClock(func() time.Time { return now })

	l.Allow("old")
	now = now.Add(DefaultLimiterIdle / 2)
	l.Allow("recent")
	now = now.Add(DefaultLimiterIdle/2 + time.Second)

	if n := l.Sweep(); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	if l.Len() != 1 {
		t.Errorf("expected 1 remaining, got %d", l.Len())
	}
}

func TestCallerKey(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/api/generate", nil)
	r.RemoteAddr = "10.0.0.7:5555"
	if got := callerKey(r); got != "addr:10.0.0.7" {
		t.Errorf("callerKey = %q", got)
	}
	r = r.WithContext(auth.WithSubject(r.Context(), "u1"))
	if got := callerKey(r); got != "user:u1" {
		t.Errorf("callerKey = %q", got)
	}
}
