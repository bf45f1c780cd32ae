// Package kieclient talks to the third-party generative-media API:
// createTask and recordInfo (polling), with pre-flight model
// validation, typed-error response classification, and
// exponential-backoff-with-full-jitter retry.
package kieclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"

	"mediagate/internal/catalog"
	"mediagate/pkg/logger"

	"go.uber.org/zap"
)

const (
	maxRetries       = 3
	backoffCap       = 60 * time.Second
	defaultTimeout   = 30 * time.Second
	defaultConnect   = 10 * time.Second
)

// Client is the external API's HTTP gateway. A single instance is
// shared process-wide — the spec names this one of the few pieces of
// legitimate global state (the "API-client singleton").
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	catalog    *catalog.Catalog
}

func New(baseURL, apiKey string, cat *catalog.Catalog, httpClient *http.Client) *Client {
	if httpClient == nil {
		dialer := &net.Dialer{Timeout: defaultConnect}
		httpClient = &http.Client{
			Timeout: defaultTimeout,
			Transport: &http.Transport{
				DialContext: dialer.DialContext,
			},
		}
	}
	return &Client{httpClient: httpClient, baseURL: baseURL, apiKey: apiKey, catalog: cat}
}

// envelope mirrors the upstream API's {code, data} response shape.
type envelope struct {
	Code int             `json:"code"`
	Data json.RawMessage `json:"data"`
	Msg  string          `json:"msg"`
}

type createTaskData struct {
	TaskID string `json:"taskId"`
}

type recordInfoData struct {
	State      string `json:"state"`
	ResultJSON string `json:"resultJson"`
	FailMsg    string `json:"failMsg"`
	CostTime   int    `json:"costTime"`
}

// TaskState is the parsed result of GetTask.
type TaskState struct {
	State      string
	ResultJSON string
	FailMsg    string
	CostTime   int
}

// CreateTask validates model against the catalog before any I/O, then
// POSTs to /api/v1/jobs/createTask with retry/backoff.
func (c *Client) CreateTask(ctx context.Context, correlationID, model string, input json.RawMessage, callbackURL string) (string, error) {
	if c.catalog != nil {
		if _, ok := c.catalog.Lookup(model); !ok {
			return "", &ValidationError{Model: model}
		}
	}

	body := map[string]any{
		"model": model,
		"input": input,
	}
	if callbackURL != "" {
		body["callBackUrl"] = callbackURL
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal createTask payload: %w", err)
	}

	var taskID string
	err = c.withRetry(ctx, correlationID, func() error {
		env, err := c.doJSON(ctx, http.MethodPost, "/api/v1/jobs/createTask", payload)
		if err != nil {
			return err
		}
		if env.Code != 200 {
			return &ClientError{StatusCode: env.Code, Message: env.Msg}
		}
		var data createTaskData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return fmt.Errorf("decode createTask data: %w", err)
		}
		taskID = data.TaskID
		return nil
	})
	if err != nil {
		return "", err
	}
	return taskID, nil
}

// GetTask polls /api/v1/jobs/recordInfo for the current state of taskID.
func (c *Client) GetTask(ctx context.Context, correlationID, taskID string) (TaskState, error) {
	var state TaskState
	err := c.withRetry(ctx, correlationID, func() error {
		url := fmt.Sprintf("/api/v1/jobs/recordInfo?taskId=%s", taskID)
		env, err := c.doJSON(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		if env.Code != 200 {
			return &ClientError{StatusCode: env.Code, Message: env.Msg}
		}
		var data recordInfoData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return fmt.Errorf("decode recordInfo data: %w", err)
		}
		state = TaskState{State: data.State, ResultJSON: data.ResultJSON, FailMsg: data.FailMsg, CostTime: data.CostTime}
		return nil
	})
	return state, err
}

// doJSON issues one HTTP request and classifies the response into a
// typed error, or decodes the envelope on success.
func (c *Client) doJSON(ctx context.Context, method, path string, body []byte) (*envelope, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, &RateLimitError{RetryAfterSeconds: retryAfter}
	case resp.StatusCode >= 500:
		return nil, &ServerError{StatusCode: resp.StatusCode, Message: string(respBody)}
	case resp.StatusCode >= 400:
		return nil, &ClientError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, fmt.Errorf("decode response envelope: %w", err)
	}
	return &env, nil
}

// withRetry runs fn up to maxRetries+1 times, applying exponential
// backoff with full jitter between attempts: delay = min(2^n +
// U[0,1], 60s). A RateLimitError's RetryAfterSeconds, when present,
// overrides the computed delay.
func (c *Client) withRetry(ctx context.Context, correlationID string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt, lastErr)
			logger.Warn("retrying external API call",
				zap.String("correlation_id", correlationID),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("external API call failed after %d retries: %w", maxRetries, lastErr)
}

func backoffDelay(attempt int, lastErr error) time.Duration {
	if rl, ok := lastErr.(*RateLimitError); ok && rl.RetryAfterSeconds > 0 {
		return time.Duration(rl.RetryAfterSeconds) * time.Second
	}

	base := math.Pow(2, float64(attempt))
	jitter := rand.Float64()
	delay := time.Duration((base + jitter) * float64(time.Second))
	if delay > backoffCap {
		return backoffCap
	}
	return delay
}

func parseRetryAfter(header string) int {
	if header == "" {
		return 0
	}
	var seconds int
	if _, err := fmt.Sscanf(header, "%d", &seconds); err != nil {
		return 0
	}
	return seconds
}
