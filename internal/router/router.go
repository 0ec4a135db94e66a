// Package router calls out to an LLM provider to generate the short
// "what we're doing right now" status hints broadcast alongside agent
// tool calls. It is a deliberately small slice of a much larger
// multi-provider routing layer: a ModelRouter tries its drivers in
// priority order and falls back to the next on error; cost accounting
// is out of scope here.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// ChatMessage is one turn in a completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest asks a provider for a single completion, no streaming.
type CompletionRequest struct {
	Model     string
	Messages  []ChatMessage
	MaxTokens int
}

// CompletionResponse is a provider's answer to a CompletionRequest.
type CompletionResponse struct {
	Content string
	Usage   TokenUsage
}

// TokenUsage mirrors what providers report back about a single call.
type TokenUsage struct {
	InputTokens  int64
	OutputTokens int64
}

// ProviderDriver calls a single LLM provider's chat-completion endpoint.
type ProviderDriver interface {
	Kind() string
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// ModelRouter dispatches completion calls to a configured driver with a
// bounded retry over a fallback list, in priority order.
type ModelRouter struct {
	drivers []ProviderDriver
	model   string
}

// Option configures a ModelRouter at construction.
type Option func(*ModelRouter)

// WithModel overrides the model name passed to the driver on every call.
func WithModel(model string) Option {
	return func(mr *ModelRouter) { mr.model = model }
}

// NewModelRouter builds a router over drivers, tried in order until one
// succeeds. The first driver is the primary; the rest are fallbacks.
func NewModelRouter(drivers []ProviderDriver, opts ...Option) *ModelRouter {
	mr := &ModelRouter{drivers: drivers}
	for _, opt := range opts {
		opt(mr)
	}
	return mr
}

// Complete tries each configured driver in order, returning the first
// success. All drivers failing returns the last error.
func (mr *ModelRouter) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if len(mr.drivers) == 0 {
		return nil, fmt.Errorf("router: no providers configured")
	}
	if req.Model == "" {
		req.Model = mr.model
	}

	var lastErr error
	for _, d := range mr.drivers {
		resp, err := d.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		log.Debug().Err(err).Str("provider", d.Kind()).Msg("router: provider failed, trying next")
		lastErr = err
	}
	return nil, fmt.Errorf("router: all providers failed: %w", lastErr)
}

// Hint implements agentrunner.StatusHinter: it asks the configured model
// for a short present-progressive sentence describing a tool call, for
// the status_hint side-channel broadcast.
func (mr *ModelRouter) Hint(ctx context.Context, agentID, toolName string, input map[string]interface{}) (string, error) {
	prompt := fmt.Sprintf(
		"In five words or fewer, present progressive tense, describe what a coding agent is doing "+
			"when it calls tool %q with arguments %v. Reply with only the phrase, no punctuation.",
		toolName, input,
	)
	resp, err := mr.Complete(ctx, CompletionRequest{
		Messages:  []ChatMessage{{Role: "user", Content: prompt}},
		MaxTokens: 32,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// ── OpenAI-compatible driver (OpenAI, and anything speaking the same
// chat/completions wire format, e.g. local gateways) ──────────────────

type OpenAIDriver struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewOpenAIDriver(endpoint, apiKey string) *OpenAIDriver {
	if endpoint == "" {
		endpoint = "https://api.openai.com/v1"
	}
	return &OpenAIDriver{endpoint: endpoint, apiKey: apiKey, client: &http.Client{Timeout: 20 * time.Second}}
}

func (d *OpenAIDriver) Kind() string { return "openai" }

type openAIRequest struct {
	Model     string        `json:"model"`
	Messages  []ChatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

func (d *OpenAIDriver) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	body, _ := json.Marshal(openAIRequest{Model: req.Model, Messages: req.Messages, MaxTokens: req.MaxTokens})

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+d.apiKey)

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("openai: status %d: %s", httpResp.StatusCode, string(respBody))
	}

	var oaiResp openAIResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&oaiResp); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}

	content := ""
	if len(oaiResp.Choices) > 0 {
		content = oaiResp.Choices[0].Message.Content
	}
	return &CompletionResponse{
		Content: content,
		Usage:   TokenUsage{InputTokens: oaiResp.Usage.PromptTokens, OutputTokens: oaiResp.Usage.CompletionTokens},
	}, nil
}

// ── Anthropic driver ───────────────────────────────────────────────────

type AnthropicDriver struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewAnthropicDriver(endpoint, apiKey string) *AnthropicDriver {
	if endpoint == "" {
		endpoint = "https://api.anthropic.com/v1"
	}
	return &AnthropicDriver{endpoint: endpoint, apiKey: apiKey, client: &http.Client{Timeout: 20 * time.Second}}
}

func (d *AnthropicDriver) Kind() string { return "anthropic" }

type anthropicRequest struct {
	Model     string        `json:"model"`
	Messages  []ChatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type anthropicResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

func (d *AnthropicDriver) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 256
	}
	body, _ := json.Marshal(anthropicRequest{Model: req.Model, Messages: req.Messages, MaxTokens: maxTokens})

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", d.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("anthropic: status %d: %s", httpResp.StatusCode, string(respBody))
	}

	var aResp anthropicResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&aResp); err != nil {
		return nil, fmt.Errorf("anthropic: decode response: %w", err)
	}

	content := ""
	if len(aResp.Content) > 0 {
		content = aResp.Content[0].Text
	}
	return &CompletionResponse{
		Content: content,
		Usage:   TokenUsage{InputTokens: aResp.Usage.InputTokens, OutputTokens: aResp.Usage.OutputTokens},
	}, nil
}

// ── Ollama driver (local models, no API key) ───────────────────────────

type OllamaDriver struct {
	endpoint string
	client   *http.Client
}

func NewOllamaDriver(endpoint string) *OllamaDriver {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	return &OllamaDriver{endpoint: endpoint, client: &http.Client{Timeout: 30 * time.Second}}
}

func (d *OllamaDriver) Kind() string { return "ollama" }

type ollamaRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type ollamaResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	PromptEvalCount int64 `json:"prompt_eval_count"`
	EvalCount       int64 `json:"eval_count"`
}

func (d *OllamaDriver) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	body, _ := json.Marshal(ollamaRequest{Model: req.Model, Messages: req.Messages, Stream: false})

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("ollama: status %d: %s", httpResp.StatusCode, string(respBody))
	}

	var oResp ollamaResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&oResp); err != nil {
		return nil, fmt.Errorf("ollama: decode response: %w", err)
	}

	return &CompletionResponse{
		Content: oResp.Message.Content,
		Usage:   TokenUsage{InputTokens: oResp.PromptEvalCount, OutputTokens: oResp.EvalCount},
	}, nil
}
