package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestOpenAIChat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("expected Authorization=Bearer test-key, got %s", r.Header.Get("Authorization"))
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("expected Content-Type=application/json, got %s", r.Header.Get("Content-Type"))
		}

		var req openaiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		if req.Model != defaultOpenAIModel {
			t.Errorf("expected model %s, got %s", defaultOpenAIModel, req.Model)
		}
		if len(req.Messages) != 2 {
			t.Errorf("expected 2 messages, got %d", len(req.Messages))
			return
		}
		if req.Messages[0].Role != "system" || req.Messages[0].Content != "You are helpful." {
			t.Errorf("unexpected system message %+v", req.Messages[0])
		}
		if req.ResponseFormat != nil {
			t.Errorf("did not expect response_format, got %+v", req.ResponseFormat)
		}

		resp := openaiResponse{
			ID: "chatcmpl-123",
			Choices: []openaiChoice{{
				Message:      openaiMessage{Role: "assistant", Content: "Hello! How can I help?"},
				FinishReason: "stop",
			}},
			Usage: openaiUsage{PromptTokens: 15, CompletionTokens: 8, TotalTokens: 23},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := NewOpenAIProvider(OpenAIConfig{APIKey: "test-key", BaseURL: server.URL})

	resp, err := p.Chat(context.Background(), Request{Messages: []Message{
		{Role: RoleSystem, Content: "You are helpful."},
		{Role: RoleUser, Content: "Hello"},
	}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Text != "Hello! How can I help?" {
		t.Errorf("expected text %q, got %q", "Hello! How can I help?", resp.Text)
	}
	if resp.Usage.PromptTokens != 15 || resp.Usage.CompletionTokens != 8 || resp.Usage.TotalTokens != 23 {
		t.Errorf("unexpected usage %+v", resp.Usage)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("expected finish reason stop, got %q", resp.FinishReason)
	}
}

func TestOpenAIChatWithSchema(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openaiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		if req.ResponseFormat == nil || req.ResponseFormat.Type != "json_object" {
			t.Errorf("expected json_object response_format, got %+v", req.ResponseFormat)
		}
		if len(req.Messages) != 2 || !strings.Contains(req.Messages[0].Content, `"recipe"`) {
			t.Errorf("expected schema instruction as first message, got %+v", req.Messages)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"{}"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":1}}`)
	}))
	defer server.Close()

	p := NewOpenAIProvider(OpenAIConfig{APIKey: "test-key", BaseURL: server.URL})
	resp, err := p.Chat(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "lasagna"}},
		Schema:   json.RawMessage(`{"type":"object","properties":{"recipe":{"type":"object"}}}`),
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Usage.TotalTokens != 4 {
		t.Errorf("expected total tokens derived as 4, got %d", resp.Usage.TotalTokens)
	}
}

func TestOpenAIChatAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = fmt.Fprint(w, `{"error":{"type":"invalid_request_error","message":"Incorrect API key provided"}}`)
	}))
	defer server.Close()

	p := NewOpenAIProvider(OpenAIConfig{APIKey: "bad-key", BaseURL: server.URL})

	_, err := p.Chat(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "Hello"}}})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", apiErr.StatusCode)
	}
	if apiErr.Message != "Incorrect API key provided" {
		t.Errorf("expected upstream message, got %q", apiErr.Message)
	}
}

func writeChunks(t *testing.T, w http.ResponseWriter, chunks []string, done bool) {
	t.Helper()
	w.Header().Set("Content-Type", "text/event-stream")
	flusher, ok := w.(http.Flusher)
	if !ok {
		t.Error("expected response writer to support flushing")
		return
	}
	for _, c := range chunks {
		_, _ = fmt.Fprintf(w, "data: %s\n\n", c)
		flusher.Flush()
	}
	if done {
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}
}

func TestOpenAIStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openaiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		if !req.Stream {
			t.Error("expected stream=true in request")
		}
		if req.StreamOptions == nil || !req.StreamOptions.IncludeUsage {
			t.Error("expected stream_options.include_usage")
		}
		writeChunks(t, w, []string{
			`{"id":"s1","choices":[{"index":0,"delta":{"role":"assistant","content":""}}]}`,
			`{"id":"s1","choices":[{"index":0,"delta":{"content":"Hello"}}]}`,
			`{"id":"s1","choices":[{"index":0,"delta":{"content":" world"}}]}`,
			`{"id":"s1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
			`{"id":"s1","choices":[],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`,
		}, true)
	}))
	defer server.Close()

	p := NewOpenAIProvider(OpenAIConfig{APIKey: "test-key", BaseURL: server.URL})
	ch, err := p.Stream(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "Hi"}}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var (
		texts []string
		final StreamEvent
	)
	for event := range ch {
		switch event.Type {
		case EventText:
			texts = append(texts, event.Text)
		default:
			final = event
		}
	}

	if strings.Join(texts, "|") != "Hello| world" {
		t.Errorf("unexpected fragments %q", texts)
	}
	if final.Type != EventDone {
		t.Fatalf("expected done event, got %+v", final)
	}
	if final.Usage == nil || final.Usage.TotalTokens != 15 {
		t.Errorf("unexpected usage %+v", final.Usage)
	}
	if final.FinishReason != "stop" {
		t.Errorf("expected finish reason stop, got %q", final.FinishReason)
	}
}

func TestOpenAIStreamTruncated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeChunks(t, w, []string{`{"choices":[{"index":0,"delta":{"content":"partial"}}]}`}, false)
	}))
	defer server.Close()

	p := NewOpenAIProvider(OpenAIConfig{APIKey: "test-key", BaseURL: server.URL})
	ch, err := p.Stream(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "Hi"}}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	var events []StreamEvent
	for ev := range ch {
		events = append(events, ev)
	}
	if len(events) != 2 || events[0].Text != "partial" || events[1].Type != EventError {
		t.Fatalf("expected text then error, got %+v", events)
	}
}

func TestOpenAIStreamAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"message":"rate limited"}}`, http.StatusTooManyRequests)
	}))
	defer server.Close()

	p := NewOpenAIProvider(OpenAIConfig{APIKey: "test-key", BaseURL: server.URL})
	_, err := p.Stream(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "Hi"}}})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 APIError, got %v", err)
	}
}

func TestOpenAIStreamStopsOnCancel(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := 0; ; i++ {
			_, err := fmt.Fprintf(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"tok%d \"}}]}\n\n", i)
			if err != nil {
				return
			}
			flusher.Flush()
			select {
			case <-r.Context().Done():
				return
			case <-release:
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	p := NewOpenAIProvider(OpenAIConfig{APIKey: "test-key", BaseURL: server.URL})
	ch, err := p.Stream(ctx, Request{Messages: []Message{{Role: RoleUser, Content: "Hi"}}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	<-ch
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream channel not closed after cancel")
		}
	}
}

func TestOpenAIProviderName(t *testing.T) {
	p := NewOpenAIProvider(OpenAIConfig{})
	if p.Name() != "openai" {
		t.Errorf("expected name 'openai', got %q", p.Name())
	}
}

func TestOpenAIDefaults(t *testing.T) {
	p := NewOpenAIProvider(OpenAIConfig{})
	if p.config.Model != defaultOpenAIModel {
		t.Errorf("expected default model %s, got %s", defaultOpenAIModel, p.config.Model)
	}
	if p.config.BaseURL != defaultOpenAIBaseURL {
		t.Errorf("expected default base URL %s, got %s", defaultOpenAIBaseURL, p.config.BaseURL)
	}
	if p.config.MaxTokens != defaultOpenAIMaxTokens {
		t.Errorf("expected default max tokens %d, got %d", defaultOpenAIMaxTokens, p.config.MaxTokens)
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		want    string
		wantErr bool
	}{
		{"deepseek", Config{Name: "deepseek", APIKey: "k"}, "openai", false},
		{"default name", Config{APIKey: "k"}, "openai", false},
		{"missing key", Config{Name: "deepseek"}, "", true},
		{"anthropic", Config{Name: "anthropic", APIKey: "k"}, "anthropic", false},
		{"anthropic missing key", Config{Name: "anthropic"}, "", true},
		{"ollama", Config{Name: "ollama"}, "ollama", false},
		{"unknown", Config{Name: "nope"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if p.Name() != tt.want {
				t.Errorf("Name() = %q, want %q", p.Name(), tt.want)
			}
		})
	}
}
