package redact

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestRedact(t *testing.T) {
	g := NewGuard()
	g.AddKnownSecret("api_key", "sk-live-123")
	g.AddKnownSecret("empty", "")

	got := g.Redact("auth failed for sk-live-123, retry with sk-live-123")
	want := "auth failed for [REDACTED:api_key], retry with [REDACTED:api_key]"
	if got != want {
		t.Errorf("Redact = %q, want %q", got, want)
	}
	if g.Redact("nothing to hide") != "nothing to hide" {
		t.Error("unexpected change to clean text")
	}
}

func TestHandler(t *testing.T) {
	g := NewGuard()
	g.AddKnownSecret("api_key", "sk-live-123")

	var buf bytes.Buffer
	logger := slog.New(g.Handler(slog.NewTextHandler(&buf, nil)))
	logger.With(slog.String("key", "sk-live-123")).Error("upstream said sk-live-123",
		slog.Any("err", errors.New("invalid key sk-live-123")),
		slog.Group("req", slog.String("auth", "Bearer sk-live-123")),
		slog.Int("status", 401),
	)

	out := buf.String()
	if strings.Contains(out, "sk-live-123") {
		t.Fatalf("secret leaked: %s", out)
	}
	for _, want := range []string{"status=401", "[REDACTED:api_key]", "req.auth="} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %s", want, out)
		}
	}
}
