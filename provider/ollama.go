package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"
)

const (
	defaultOllamaBaseURL = "http://127.0.0.1:11434"
	defaultOllamaModel   = "llama3.2"
)

// OllamaConfig holds configuration for a local Ollama server.
type OllamaConfig struct {
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

// OllamaProvider implements Provider with the Ollama chat API.
type OllamaProvider struct {
	client *api.Client
	model  string
}

// NewOllamaProvider creates a provider for the Ollama server at cfg.BaseURL.
func NewOllamaProvider(cfg OllamaConfig) (*OllamaProvider, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOllamaBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultOllamaModel
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("ollama: parse base url %q: %w", cfg.BaseURL, err)
	}
	return &OllamaProvider{client: api.NewClient(base, cfg.HTTPClient), model: cfg.Model}, nil
}

func (p *OllamaProvider) Name() string { return "ollama" }

func (p *OllamaProvider) chatRequest(r Request, stream bool) *api.ChatRequest {
	req := &api.ChatRequest{
		Model:  p.model,
		Stream: &stream,
	}
	if len(r.Schema) > 0 {
		req.Format = r.Schema
	}
	for _, m := range r.Messages {
		req.Messages = append(req.Messages, api.Message{Role: string(m.Role), Content: m.Content})
	}
	return req
}

func ollamaUsage(m api.Metrics) Usage {
	return Usage{
		PromptTokens:     m.PromptEvalCount,
		CompletionTokens: m.EvalCount,
		TotalTokens:      m.PromptEvalCount + m.EvalCount,
	}
}

func (p *OllamaProvider) Chat(ctx context.Context, r Request) (*Response, error) {
	var out *Response
	err := p.client.Chat(ctx, p.chatRequest(r, false), func(resp api.ChatResponse) error {
		out = &Response{
			Text:         resp.Message.Content,
			Usage:        ollamaUsage(resp.Metrics),
			FinishReason: resp.DoneReason,
		}
		return nil
	})
	if err != nil {
		return nil, ollamaError(err)
	}
	if out == nil {
		return nil, errors.New("ollama: empty response")
	}
	return out, nil
}

// Stream runs the chat call on its own goroutine. Connection and status
// failures surface as an error event, since the client only reports them
// once the call returns.
func (p *OllamaProvider) Stream(ctx context.Context, r Request) (<-chan StreamEvent, error) {
	ch := make(chan StreamEvent, StreamBuffer)
	req := p.chatRequest(r, true)

	go func() {
		defer close(ch)
		done := false
		err := p.client.Chat(ctx, req, func(resp api.ChatResponse) error {
			if resp.Message.Content != "" {
				if !send(ctx, ch, StreamEvent{Type: EventText, Text: resp.Message.Content}) {
					return ctx.Err()
				}
			}
			if resp.Done {
				done = true
				u := ollamaUsage(resp.Metrics)
				if !send(ctx, ch, StreamEvent{Type: EventDone, Usage: &u, FinishReason: resp.DoneReason}) {
					return ctx.Err()
				}
			}
			return nil
		})
		switch {
		case ctx.Err() != nil:
		case err != nil:
			send(ctx, ch, StreamEvent{Type: EventError, Error: ollamaError(err).Error()})
		case !done:
			send(ctx, ch, StreamEvent{Type: EventError, Error: "ollama: stream ended before done"})
		}
	}()
	return ch, nil
}

func ollamaError(err error) error {
	var se api.StatusError
	if errors.As(err, &se) {
		msg := se.ErrorMessage
		if msg == "" {
			msg = se.Status
		}
		return &APIError{Provider: "ollama", StatusCode: se.StatusCode, Message: msg}
	}
	return fmt.Errorf("ollama: %w", err)
}
