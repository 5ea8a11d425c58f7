// Package redact scrubs known secret values out of log output.
package redact

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// Guard holds secret values and replaces them with [REDACTED:name].
type Guard struct {
	mu          sync.RWMutex
	knownValues map[string]string // value -> name
}

// NewGuard returns an empty Guard.
func NewGuard() *Guard {
	return &Guard{knownValues: make(map[string]string)}
}

// AddKnownSecret adds a secret value to the redaction list. Empty values
// are ignored.
func (g *Guard) AddKnownSecret(name, value string) {
	if value == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.knownValues[value] = name
}

// Redact replaces every known secret value in text.
func (g *Guard) Redact(text string) string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for val, name := range g.knownValues {
		if strings.Contains(text, val) {
			text = strings.ReplaceAll(text, val, "[REDACTED:"+name+"]")
		}
	}
	return text
}

// Handler wraps next so that record messages and string or error
// attributes pass through g before being written.
func (g *Guard) Handler(next slog.Handler) slog.Handler {
	return &handler{next: next, guard: g}
}

type handler struct {
	next  slog.Handler
	guard *Guard
}

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, h.guard.Redact(r.Message), r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.attr(a))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = h.attr(a)
	}
	return &handler{next: h.next.WithAttrs(clean), guard: h.guard}
}

func (h *handler) WithGroup(name string) slog.Handler {
	return &handler{next: h.next.WithGroup(name), guard: h.guard}
}

func (h *handler) attr(a slog.Attr) slog.Attr {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return slog.String(a.Key, h.guard.Redact(v.String()))
	case slog.KindGroup:
		group := v.Group()
		clean := make([]any, len(group))
		for i, ga := range group {
			clean[i] = h.attr(ga)
		}
		return slog.Group(a.Key, clean...)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return slog.String(a.Key, h.guard.Redact(err.Error()))
		}
	}
	return slog.Attr{Key: a.Key, Value: v}
}
