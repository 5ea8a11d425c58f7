// Package generate proxies text generation to a provider, either buffered
// or streamed fragment by fragment, and produces schema-validated recipe
// objects.
package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/GoCodeAlone/taskdeck/internal/apperr"
	"github.com/GoCodeAlone/taskdeck/provider"
)

// Request is one generation call from a client.
type Request struct {
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
	Stream bool   `json:"stream,omitempty"`
}

// Result is a completed buffered generation.
type Result struct {
	Text         string         `json:"text"`
	Usage        provider.Usage `json:"usage"`
	FinishReason string         `json:"finishReason,omitempty"`
}

// Sink receives streamed fragments. Write must deliver the fragment to the
// client (write and flush) before returning.
type Sink interface {
	Write(fragment string) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(fragment string) error

func (f SinkFunc) Write(fragment string) error { return f(fragment) }

// StreamSummary describes a finished or aborted stream.
type StreamSummary struct {
	Fragments    int            `json:"fragments"`
	Bytes        int            `json:"bytes"`
	Usage        provider.Usage `json:"usage"`
	FinishReason string         `json:"finishReason,omitempty"`
	Duration     time.Duration  `json:"duration"`
}

// Service validates requests and relays them to a provider.
type Service struct {
	provider provider.Provider
	logger   *slog.Logger

	mu    sync.Mutex
	usage provider.Usage
}

// NewService creates a generation service over p.
func NewService(p provider.Provider, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{provider: p, logger: logger}
}

// Provider returns the backing provider name.
func (s *Service) Provider() string { return s.provider.Name() }

// Usage returns the tokens consumed by every completed generation since the
// service was created.
func (s *Service) Usage() provider.Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

func (s *Service) record(u provider.Usage) {
	s.mu.Lock()
	s.usage.Add(u)
	s.mu.Unlock()
}

func validate(op, prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return apperr.New(apperr.KindInvalidArgument, op, "Prompt is required")
	}
	return nil
}

func messages(system, prompt string) []provider.Message {
	var msgs []provider.Message
	if strings.TrimSpace(system) != "" {
		msgs = append(msgs, provider.Message{Role: provider.RoleSystem, Content: system})
	}
	return append(msgs, provider.Message{Role: provider.RoleUser, Content: prompt})
}

// upstream classifies a provider failure. The upstream message is kept as
// the error message.
func upstream(op string, err error) error {
	return &apperr.Error{Kind: apperr.KindUpstreamFailure, Op: op, Msg: err.Error(), Err: err}
}

// Generate runs a buffered generation.
func (s *Service) Generate(ctx context.Context, req Request) (*Result, error) {
	if err := validate("generate", req.Prompt); err != nil {
		return nil, err
	}
	resp, err := s.provider.Chat(ctx, provider.Request{Messages: messages(req.System, req.Prompt)})
	if err != nil {
		s.logger.Error("generation failed", slog.String("provider", s.provider.Name()), slog.Any("err", err))
		return nil, upstream("generate", err)
	}
	s.record(resp.Usage)
	return &Result{Text: resp.Text, Usage: resp.Usage, FinishReason: resp.FinishReason}, nil
}

// ErrStreamIncomplete reports a provider stream that closed without a
// terminal event.
var ErrStreamIncomplete = errors.New("stream ended without a terminal event")

// Stream relays a provider stream to sink, one Write per fragment in the
// order produced. The returned summary is never nil; when the error is
// non-nil it covers the fragments delivered before the failure. A failed
// Write or a cancelled ctx stops the upstream.
func (s *Service) Stream(ctx context.Context, req Request, sink Sink) (*StreamSummary, error) {
	start := time.Now()
	sum := &StreamSummary{}
	if err := validate("generate.stream", req.Prompt); err != nil {
		return sum, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := s.provider.Stream(ctx, provider.Request{Messages: messages(req.System, req.Prompt)})
	if err != nil {
		s.logger.Error("generation stream failed to start", slog.String("provider", s.provider.Name()), slog.Any("err", err))
		return sum, upstream("generate.stream", err)
	}

	for ev := range events {
		if ctx.Err() != nil {
			break
		}
		switch ev.Type {
		case provider.EventText:
			if err := sink.Write(ev.Text); err != nil {
				sum.Duration = time.Since(start)
				s.logger.Info("generation stream aborted by client",
					slog.Int("fragments", sum.Fragments), slog.Any("err", err))
				return sum, fmt.Errorf("generate: write fragment: %w", err)
			}
			sum.Fragments++
			sum.Bytes += len(ev.Text)

		case provider.EventDone:
			if ev.Usage != nil {
				sum.Usage = *ev.Usage
			}
			sum.FinishReason = ev.FinishReason
			sum.Duration = time.Since(start)
			s.record(sum.Usage)
			s.logger.Info("generation stream complete",
				slog.String("provider", s.provider.Name()),
				slog.Int("fragments", sum.Fragments),
				slog.Int("bytes", sum.Bytes),
				slog.Int("prompt_tokens", sum.Usage.PromptTokens),
				slog.Int("completion_tokens", sum.Usage.CompletionTokens),
				slog.String("finish_reason", sum.FinishReason),
				slog.Duration("duration", sum.Duration),
			)
			return sum, nil

		case provider.EventError:
			sum.Duration = time.Since(start)
			s.logger.Error("generation stream failed",
				slog.String("provider", s.provider.Name()),
				slog.Int("fragments", sum.Fragments),
				slog.String("err", ev.Error))
			return sum, upstream("generate.stream", errors.New(ev.Error))
		}
	}

	sum.Duration = time.Since(start)
	if err := ctx.Err(); err != nil {
		return sum, fmt.Errorf("generate: stream: %w", err)
	}
	s.logger.Error("generation stream failed", slog.String("provider", s.provider.Name()), slog.Any("err", ErrStreamIncomplete))
	return sum, upstream("generate.stream", ErrStreamIncomplete)
}
