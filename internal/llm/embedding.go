// Package llm holds the clients for the external AI providers: an embedding
// provider used by the memory store and a chat completion provider used to
// answer questions about a job.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cad-orchestrator/internal/config"
)

// ErrProviderDegraded marks a provider call that failed or was skipped.
// Callers recover locally rather than surfacing it as fatal.
var ErrProviderDegraded = errors.New("provider degraded")

// EmbeddingResult is the outcome of an embedding call: either a vector, or
// Degraded with the reason in Err.
type EmbeddingResult struct {
	Vector   []float64
	Degraded bool
	Err      error
}

func degraded(err error) EmbeddingResult {
	return EmbeddingResult{Degraded: true, Err: fmt.Errorf("%w: %v", ErrProviderDegraded, err)}
}

// Embedder turns text into a fixed-length vector
type Embedder interface {
	Embed(ctx context.Context, text string) EmbeddingResult
}

// EmbeddingClient calls a Voyage style embeddings endpoint
type EmbeddingClient struct {
	url       string
	apiKey    string
	model     string
	dimension int
	timeout   time.Duration
	http      *http.Client
	guard     *Guard
}

func NewEmbeddingClient(cfg *config.Config) *EmbeddingClient {
	timeout := cfg.EmbeddingTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &EmbeddingClient{
		url:       cfg.VoyageAPIURL,
		apiKey:    cfg.VoyageAPIKey,
		model:     cfg.VoyageModel,
		dimension: cfg.EmbeddingDimension,
		timeout:   timeout,
		http:      &http.Client{Timeout: timeout},
		guard:     NewGuard(3, time.Minute),
	}
}

type embeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Embed never returns an error value: every failure is a degraded result.
// The call is bounded by the configured timeout regardless of ctx.
func (c *EmbeddingClient) Embed(ctx context.Context, text string) EmbeddingResult {
	if c.apiKey == "" {
		return degraded(errors.New("embedding api key not configured"))
	}
	if !c.guard.Allow() {
		return degraded(fmt.Errorf("embedding provider disabled until %s", c.guard.DisabledUntil().Format(time.RFC3339)))
	}

	vector, err := c.embed(ctx, text)
	if err != nil {
		c.guard.RecordFailure()
		return degraded(err)
	}
	c.guard.RecordSuccess()
	return EmbeddingResult{Vector: vector}
}

func (c *EmbeddingClient) embed(ctx context.Context, text string) ([]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(embeddingRequest{Input: []string{text}, Model: c.model})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(request)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status %s", resp.Status)
	}

	var decoded embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Data) == 0 {
		return nil, errors.New("response missing data")
	}
	vector := decoded.Data[0].Embedding
	if c.dimension > 0 && len(vector) != c.dimension {
		return nil, fmt.Errorf("expected %d dimensions, got %d", c.dimension, len(vector))
	}
	return vector, nil
}
