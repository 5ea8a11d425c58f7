// Package provider defines the language-model backend interface used by the
// generation proxy, with OpenAI-compatible and Ollama implementations.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
)

// Role identifies the sender of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single turn in a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is one generation call.
type Request struct {
	Messages []Message

	// Schema, when set, asks the model for a single JSON object conforming
	// to this JSON Schema document.
	Schema json.RawMessage
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.PromptTokens += u2.PromptTokens
	u.CompletionTokens += u2.CompletionTokens
	u.TotalTokens += u2.TotalTokens
}

// Response is a completed (non-streaming) provider response.
type Response struct {
	Text         string `json:"text"`
	Usage        Usage  `json:"usage"`
	FinishReason string `json:"finishReason,omitempty"`
}

// EventType discriminates StreamEvent.
type EventType string

const (
	EventText  EventType = "text"
	EventDone  EventType = "done"
	EventError EventType = "error"
)

// StreamEvent is emitted during streaming responses. A stream carries any
// number of text events followed by exactly one done or error event.
type StreamEvent struct {
	Type         EventType `json:"type"`
	Text         string    `json:"text,omitempty"`
	Usage        *Usage    `json:"usage,omitempty"`
	FinishReason string    `json:"finishReason,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// Provider is a language-model backend.
type Provider interface {
	// Name returns the provider identifier (e.g., "openai", "ollama", "mock").
	Name() string

	// Chat sends a non-streaming request and returns the complete response.
	Chat(ctx context.Context, req Request) (*Response, error)

	// Stream sends a streaming request. Events are delivered on the returned
	// channel, which is closed after the terminal event or when ctx is done.
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)
}

// StreamBuffer is the capacity of provider stream channels. A consumer that
// falls this far behind stalls the upstream read.
const StreamBuffer = 16

// APIError is a non-success answer from an upstream API.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: API error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// send delivers ev unless ctx is done first.
func send(ctx context.Context, ch chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
