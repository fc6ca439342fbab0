package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cad-orchestrator/internal/config"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float32   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type ChatResponse struct {
	Content      string
	FinishReason string
}

// Client is a chat completion provider
type Client interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// ChatClient calls an OpenAI compatible chat completions endpoint such as
// Fireworks. Every failure wraps ErrProviderDegraded.
type ChatClient struct {
	url    string
	model  string
	apiKey string
	http   *http.Client
	guard  *Guard
}

func NewChatClient(cfg *config.Config) *ChatClient {
	timeout := cfg.CompletionTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ChatClient{
		url:    cfg.FireworksAPIURL,
		model:  cfg.FireworksModel,
		apiKey: cfg.FireworksAPIKey,
		http:   &http.Client{Timeout: timeout},
		guard:  NewGuard(3, time.Minute),
	}
}

type chatCompletionResponse struct {
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
}

func (c *ChatClient) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if c == nil {
		return ChatResponse{}, fmt.Errorf("%w: llm client is nil", ErrProviderDegraded)
	}
	if len(req.Messages) == 0 {
		return ChatResponse{}, errors.New("llm chat requires at least one message")
	}
	if c.apiKey == "" {
		return ChatResponse{}, fmt.Errorf("%w: completion api key not configured", ErrProviderDegraded)
	}
	if !c.guard.Allow() {
		return ChatResponse{}, fmt.Errorf("%w: completion provider disabled until %s",
			ErrProviderDegraded, c.guard.DisabledUntil().Format(time.RFC3339))
	}
	if req.Model == "" {
		req.Model = c.model
	}

	resp, err := c.chat(ctx, req)
	if err != nil {
		c.guard.RecordFailure()
		return ChatResponse{}, fmt.Errorf("%w: %v", ErrProviderDegraded, err)
	}
	c.guard.RecordSuccess()
	return resp, nil
}

func (c *ChatClient) chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("marshal request: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return ChatResponse{}, fmt.Errorf("create request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(request)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ChatResponse{}, fmt.Errorf("status %s", resp.Status)
	}

	var decoded chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return ChatResponse{}, fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return ChatResponse{}, fmt.Errorf("response missing choices")
	}
	content := decoded.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return ChatResponse{}, fmt.Errorf("response empty")
	}
	return ChatResponse{
		Content:      content,
		FinishReason: strings.TrimSpace(decoded.Choices[0].FinishReason),
	}, nil
}
