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

	"github.com/ollama/ollama/api"
)

const ollamaTS = "2026-01-01T00:00:00Z"

func fakeOllama(t *testing.T, handle func(w http.ResponseWriter, req map[string]any)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		handle(w, req)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func ollamaLine(content string, done bool) string {
	if done {
		return fmt.Sprintf(`{"model":"m","created_at":%q,"message":{"role":"assistant","content":%q},"done":true,"done_reason":"stop","prompt_eval_count":3,"eval_count":2}`, ollamaTS, content)
	}
	return fmt.Sprintf(`{"model":"m","created_at":%q,"message":{"role":"assistant","content":%q},"done":false}`, ollamaTS, content)
}

func TestOllamaChat(t *testing.T) {
	srv := fakeOllama(t, func(w http.ResponseWriter, req map[string]any) {
		if req["model"] != "llama3.2" {
			t.Errorf("expected default model, got %v", req["model"])
		}
		if req["stream"] != false {
			t.Errorf("expected stream=false, got %v", req["stream"])
		}
		if _, ok := req["format"]; !ok {
			t.Error("expected format to carry the schema")
		}
		fmt.Fprintln(w, ollamaLine(`{"ok":true}`, true))
	})

	p, err := NewOllamaProvider(OllamaConfig{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewOllamaProvider: %v", err)
	}
	resp, err := p.Chat(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
		Schema:   json.RawMessage(`{"type":"object"}`),
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Text != `{"ok":true}` {
		t.Errorf("unexpected text %q", resp.Text)
	}
	if resp.Usage.TotalTokens != 5 || resp.FinishReason != "stop" {
		t.Errorf("unexpected usage/finish %+v %q", resp.Usage, resp.FinishReason)
	}
}

func TestOllamaStream(t *testing.T) {
	srv := fakeOllama(t, func(w http.ResponseWriter, req map[string]any) {
		if req["stream"] != true {
			t.Errorf("expected stream=true, got %v", req["stream"])
		}
		flusher := w.(http.Flusher)
		for _, line := range []string{ollamaLine("Hel", false), ollamaLine("lo", false), ollamaLine("", true)} {
			fmt.Fprintln(w, line)
			flusher.Flush()
		}
	})

	p, err := NewOllamaProvider(OllamaConfig{BaseURL: srv.URL, Model: "m"})
	if err != nil {
		t.Fatalf("NewOllamaProvider: %v", err)
	}
	ch, err := p.Stream(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	var (
		texts []string
		last  StreamEvent
	)
	for ev := range ch {
		if ev.Type == EventText {
			texts = append(texts, ev.Text)
		}
		last = ev
	}
	if strings.Join(texts, "") != "Hello" || len(texts) != 2 {
		t.Errorf("unexpected fragments %q", texts)
	}
	if last.Type != EventDone || last.Usage == nil || last.Usage.CompletionTokens != 2 {
		t.Errorf("unexpected terminal event %+v", last)
	}
}

func TestOllamaChatError(t *testing.T) {
	srv := fakeOllama(t, func(w http.ResponseWriter, _ map[string]any) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":"model crashed"}`)
	})
	p, err := NewOllamaProvider(OllamaConfig{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewOllamaProvider: %v", err)
	}
	_, err = p.Chat(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	if err == nil {
		t.Fatal("expected error for failed upstream")
	}
	if !strings.Contains(err.Error(), "model crashed") {
		t.Errorf("expected upstream message in error, got %v", err)
	}
}

func TestOllamaErrorMapsStatus(t *testing.T) {
	err := ollamaError(fmt.Errorf("wrapped: %w", api.StatusError{StatusCode: 404, Status: "404 Not Found"}))
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.StatusCode != 404 || apiErr.Message != "404 Not Found" {
		t.Errorf("unexpected error %+v", apiErr)
	}
}

func TestOllamaProviderName(t *testing.T) {
	p, err := NewOllamaProvider(OllamaConfig{})
	if err != nil {
		t.Fatalf("NewOllamaProvider: %v", err)
	}
	if p.Name() != "ollama" {
		t.Errorf("expected name 'ollama', got %q", p.Name())
	}
}
