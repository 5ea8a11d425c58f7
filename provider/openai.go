package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	defaultOpenAIBaseURL   = "https://api.deepseek.com"
	defaultOpenAIModel     = "deepseek-chat"
	defaultOpenAIMaxTokens = 4096
)

// OpenAIConfig holds configuration for the OpenAI-compatible provider.
type OpenAIConfig struct {
	APIKey     string
	Model      string
	BaseURL    string
	MaxTokens  int
	HTTPClient *http.Client
}

// OpenAIProvider implements Provider against any OpenAI Chat Completions
// compatible API. The defaults target DeepSeek.
type OpenAIProvider struct {
	config OpenAIConfig
}

// NewOpenAIProvider creates a new provider with the given config.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOpenAIBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultOpenAIMaxTokens
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &OpenAIProvider{config: cfg}
}

func (p *OpenAIProvider) Name() string { return "openai" }

// openaiRequest is the request body for the Chat Completions API.
type openaiRequest struct {
	Model          string                `json:"model"`
	Messages       []openaiMessage       `json:"messages"`
	Stream         bool                  `json:"stream,omitempty"`
	StreamOptions  *openaiStreamOptions  `json:"stream_options,omitempty"`
	MaxTokens      int                   `json:"max_tokens,omitempty"`
	ResponseFormat *openaiResponseFormat `json:"response_format,omitempty"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openaiResponseFormat struct {
	Type string `json:"type"` // "json_object"
}

// openaiResponse is the response from the Chat Completions API.
type openaiResponse struct {
	ID      string         `json:"id"`
	Choices []openaiChoice `json:"choices"`
	Usage   openaiUsage    `json:"usage"`
	Error   *openaiError   `json:"error,omitempty"`
}

type openaiChoice struct {
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u openaiUsage) usage() Usage {
	total := u.TotalTokens
	if total == 0 {
		total = u.PromptTokens + u.CompletionTokens
	}
	return Usage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: total}
}

type openaiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func (p *OpenAIProvider) Chat(ctx context.Context, r Request) (*Response, error) {
	resp, err := p.post(ctx, p.buildRequest(r, false))
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai: read response: %w", err)
	}

	var apiResp openaiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("openai: unmarshal response: %w", err)
	}
	if apiResp.Error != nil {
		return nil, fmt.Errorf("openai: %s: %s", apiResp.Error.Type, apiResp.Error.Message)
	}

	out := &Response{Usage: apiResp.Usage.usage()}
	if len(apiResp.Choices) > 0 {
		out.Text = apiResp.Choices[0].Message.Content
		out.FinishReason = apiResp.Choices[0].FinishReason
	}
	return out, nil
}

func (p *OpenAIProvider) Stream(ctx context.Context, r Request) (<-chan StreamEvent, error) {
	resp, err := p.post(ctx, p.buildRequest(r, true))
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamEvent, StreamBuffer)
	go relaySSE(ctx, "openai", "[DONE]", resp.Body, ch, openaiStreamParser())
	return ch, nil
}

// post sends body and returns the response when the status is 200. The
// caller owns the response body.
func (p *OpenAIProvider) post(ctx context.Context, body *openaiRequest) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+"/v1/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.config.APIKey)

	resp, err := p.config.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai: send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
		return nil, &APIError{Provider: "openai", StatusCode: resp.StatusCode, Message: errorMessage(raw)}
	}
	return resp, nil
}

// errorMessage extracts error.message from an API error body, falling back
// to the raw body.
func errorMessage(raw []byte) string {
	var e struct {
		Error *openaiError `json:"error"`
	}
	if json.Unmarshal(raw, &e) == nil && e.Error != nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return strings.TrimSpace(string(raw))
}

func (p *OpenAIProvider) buildRequest(r Request, stream bool) *openaiRequest {
	req := &openaiRequest{
		Model:     p.config.Model,
		MaxTokens: p.config.MaxTokens,
		Stream:    stream,
	}
	if stream {
		req.StreamOptions = &openaiStreamOptions{IncludeUsage: true}
	}

	messages := r.Messages
	if len(r.Schema) > 0 {
		// json_object mode needs the word "json" and the shape in the prompt.
		req.ResponseFormat = &openaiResponseFormat{Type: "json_object"}
		messages = append([]Message{{
			Role:    RoleSystem,
			Content: "Respond with a single JSON object that conforms to this JSON Schema:\n" + string(r.Schema),
		}}, messages...)
	}
	for _, msg := range messages {
		req.Messages = append(req.Messages, openaiMessage{Role: string(msg.Role), Content: msg.Content})
	}
	return req
}

type openaiStreamDelta struct {
	Role    string  `json:"role"`
	Content *string `json:"content"`
}

type openaiStreamChoice struct {
	Index        int               `json:"index"`
	Delta        openaiStreamDelta `json:"delta"`
	FinishReason *string           `json:"finish_reason"`
}

type openaiStreamChunk struct {
	ID      string               `json:"id"`
	Choices []openaiStreamChoice `json:"choices"`
	Usage   *openaiUsage         `json:"usage"`
	Error   *openaiError         `json:"error,omitempty"`
}

// openaiStreamParser carries usage and the finish reason across chunks
// until [DONE] arrives. With include_usage the final chunk carries usage
// and no choices.
func openaiStreamParser() streamParser {
	var (
		usage        *Usage
		finishReason string
	)
	return func(data string) (*StreamEvent, bool) {
		if data == "[DONE]" {
			return &StreamEvent{Type: EventDone, Usage: usage, FinishReason: finishReason}, true
		}
		var chunk openaiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil, false
		}
		if chunk.Error != nil {
			return &StreamEvent{Type: EventError, Error: "openai: " + chunk.Error.Message}, true
		}
		if chunk.Usage != nil {
			u := chunk.Usage.usage()
			usage = &u
		}
		if len(chunk.Choices) == 0 {
			return nil, false
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != nil {
			finishReason = *choice.FinishReason
		}
		if choice.Delta.Content == nil || *choice.Delta.Content == "" {
			return nil, false
		}
		return &StreamEvent{Type: EventText, Text: *choice.Delta.Content}, false
	}
}
