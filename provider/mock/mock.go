// Package mock provides a scripted provider for tests and offline runs.
package mock

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/GoCodeAlone/taskdeck/provider"
)

const defaultResponse = "Task acknowledged. Working on it."

// MockProvider implements provider.Provider with scripted responses. Each
// response is streamed as its whitespace-delimited words, keeping the
// separators, so the fragments concatenate back to the full text.
type MockProvider struct {
	mu        sync.Mutex
	responses []string
	idx       int
	calls     int
	last      provider.Request

	// Err, when set, fails Chat and Stream before any output.
	Err error
	// FailAfter, when positive, ends a stream with an error event after
	// that many text fragments.
	FailAfter int
}

// New creates a MockProvider that cycles through the given responses.
func New(responses ...string) *MockProvider {
	return &MockProvider{responses: responses}
}

// Name returns the provider identifier.
func (m *MockProvider) Name() string { return "mock" }

// Calls returns how many times Chat or Stream has been invoked.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// LastRequest returns the most recent request.
func (m *MockProvider) LastRequest() provider.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *MockProvider) next(req provider.Request) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.last = req
	if m.Err != nil {
		return "", m.Err
	}
	if len(m.responses) == 0 {
		return defaultResponse, nil
	}
	resp := m.responses[m.idx%len(m.responses)]
	m.idx++
	return resp, nil
}

func usageFor(text string) provider.Usage {
	n := len(Fragments(text))
	return provider.Usage{PromptTokens: 1, CompletionTokens: n, TotalTokens: n + 1}
}

// Chat returns the next scripted response, cycling through the queue.
func (m *MockProvider) Chat(_ context.Context, req provider.Request) (*provider.Response, error) {
	text, err := m.next(req)
	if err != nil {
		return nil, err
	}
	return &provider.Response{Text: text, Usage: usageFor(text), FinishReason: "stop"}, nil
}

// Stream emits the next scripted response as fragments.
func (m *MockProvider) Stream(ctx context.Context, req provider.Request) (<-chan provider.StreamEvent, error) {
	text, err := m.next(req)
	if err != nil {
		return nil, err
	}
	failAfter := m.FailAfter

	ch := make(chan provider.StreamEvent, provider.StreamBuffer)
	go func() {
		defer close(ch)
		emit := func(ev provider.StreamEvent) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for i, frag := range Fragments(text) {
			if failAfter > 0 && i == failAfter {
				emit(provider.StreamEvent{Type: provider.EventError, Error: ErrMidStream.Error()})
				return
			}
			if !emit(provider.StreamEvent{Type: provider.EventText, Text: frag}) {
				return
			}
		}
		u := usageFor(text)
		emit(provider.StreamEvent{Type: provider.EventDone, Usage: &u, FinishReason: "stop"})
	}()
	return ch, nil
}

// ErrMidStream is the error text emitted when FailAfter triggers.
var ErrMidStream = errors.New("mock: upstream failed mid-stream")

// Fragments splits s into words, each carrying its trailing whitespace.
func Fragments(s string) []string {
	var out []string
	for len(s) > 0 {
		i := strings.IndexAny(s, " \n\t")
		if i < 0 {
			out = append(out, s)
			break
		}
		j := i
		for j < len(s) && strings.ContainsRune(" \n\t", rune(s[j])) {
			j++
		}
		out = append(out, s[:j])
		s = s[j:]
	}
	return out
}
