// Package agent talks to the external analysis agent that runs the pipeline.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cad-orchestrator/internal/logger"
)

// ResumeContext tells the agent where to pick a job back up
type ResumeContext struct {
	CheckpointID        string                 `json:"checkpointId"`
	Stage               string                 `json:"stage"`
	StageIndex          int                    `json:"stageIndex"`
	State               map[string]interface{} `json:"state"`
	IntermediateResults map[string]interface{} `json:"intermediateResults"`
}

// StartRequest asks the agent to start, or resume, a job
type StartRequest struct {
	JobID                string         `json:"jobId"`
	FileStorageID        string         `json:"fileStorageId"`
	ManufacturingProcess string         `json:"manufacturingProcess"`
	Material             string         `json:"material,omitempty"`
	Stages               []string       `json:"stages"`
	CallbackURL          string         `json:"callbackUrl"`
	ResumeFromCheckpoint *ResumeContext `json:"resumeFromCheckpoint"`
	// Run is the job's resume count when the request was issued
	Run                  int            `json:"run"`
}

// Client is the agent's control surface
type Client interface {
	Start(ctx context.Context, req *StartRequest) error
	Cancel(ctx context.Context, jobID string) error
}

// HTTPClient drives the agent over its HTTP API
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewHTTPClient creates a client for the agent at baseURL
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// Start posts a start or resume request. Any non-2xx status is an error.
func (c *HTTPClient) Start(ctx context.Context, req *StartRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal start request: %w", err)
	}
	logger.Debugf("[AGENT] POST /agent/jobs/start JobID=%s Resume=%t", req.JobID, req.ResumeFromCheckpoint != nil)
	return c.do(ctx, http.MethodPost, "/agent/jobs/start", body)
}

// Cancel asks the agent to stop working on a job
func (c *HTTPClient) Cancel(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodDelete, "/agent/jobs/"+url.PathEscape(jobID)+"/cancel", nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte) error {
	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		request.Header.Set("X-Agent-Api-Key", c.apiKey)
	}

	resp, err := c.http.Do(request)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %s", method, path, resp.Status)
	}
	return nil
}

// CallbackURL is the base the agent appends checkpoint, complete and fail to
func CallbackURL(base, jobID string) string {
	return strings.TrimRight(base, "/") + "/internal/jobs/" + url.PathEscape(jobID)
}
