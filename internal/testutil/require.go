// Package testutil holds channel helpers shared by tests.
package testutil

import (
	"fmt"
	"time"
)

// TB is the subset of testing.TB the helpers need.
type TB interface {
	Helper()
	Fatalf(format string, args ...any)
}

// RequireReceive reads one value from ch within timeout, or fails the test.
func RequireReceive[T any](t TB, ch <-chan T, timeout time.Duration, msg string, args ...any) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed without sending a value: %s", fmt.Sprintf(msg, args...))
		}
		return v
	case <-time.After(timeout):
		t.Fatalf("timed out after %v: %s", timeout, fmt.Sprintf(msg, args...))
	}
	panic("unreachable")
}

// RequireClosed waits for ch to be closed within timeout, discarding any
// values still buffered, or fails the test.
func RequireClosed[T any](t TB, ch <-chan T, timeout time.Duration, msg string, args ...any) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("timed out after %v waiting for close: %s", timeout, fmt.Sprintf(msg, args...))
		}
	}
}

// RequireNoReceive fails the test if ch yields a value within wait.
func RequireNoReceive[T any](t TB, ch <-chan T, wait time.Duration, msg string, args ...any) {
	t.Helper()
	select {
	case v, ok := <-ch:
		if ok {
			t.Fatalf("unexpected value %v: %s", v, fmt.Sprintf(msg, args...))
		}
	case <-time.After(wait):
	}
}
