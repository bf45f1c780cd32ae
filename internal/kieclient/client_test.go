package kieclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"mediagate/internal/catalog"
	"mediagate/pkg/logger"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	_ = logger.Init("development")
}

func testCatalog() *catalog.Catalog {
	return catalog.New([]catalog.Model{
		{ModelID: "flux-pro", Category: catalog.CategoryImage, PriceUSD: decimal.NewFromFloat(0.05), Enabled: true},
	})
}

func TestCreateTask_ValidationError(t *testing.T) {
	c := New("http://unused.invalid", "key", testCatalog(), nil)

	_, err := c.CreateTask(context.Background(), "corr-1", "unknown-model", json.RawMessage(`{}`), "")
	require.Error(t, err)
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestCreateTask_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/jobs/createTask", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(envelope{
			Code: 200,
			Data: json.RawMessage(`{"taskId":"task-123"}`),
		})
	}))
	defer server.Close()

	c := New(server.URL, "key", testCatalog(), server.Client())
	taskID, err := c.CreateTask(context.Background(), "corr-1", "flux-pro", json.RawMessage(`{"prompt":"a cat"}`), "")

	require.NoError(t, err)
	assert.Equal(t, "task-123", taskID)
}

func TestCreateTask_ClientErrorFromEnvelopeCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(envelope{Code: 400, Msg: "bad input"})
	}))
	defer server.Close()

	c := New(server.URL, "key", testCatalog(), server.Client())
	_, err := c.CreateTask(context.Background(), "corr-1", "flux-pro", json.RawMessage(`{}`), "")

	require.Error(t, err)
	var ce *ClientError
	assert.ErrorAs(t, err, &ce)
}

func TestCreateTask_RetriesOnServerErrorThenSucceeds(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(envelope{Code: 200, Data: json.RawMessage(`{"taskId":"task-ok"}`)})
	}))
	defer server.Close()

	c := New(server.URL, "key", testCatalog(), server.Client())
	start := time.Now()
	taskID, err := c.CreateTask(context.Background(), "corr-1", "flux-pro", json.RawMessage(`{}`), "")

	require.NoError(t, err)
	assert.Equal(t, "task-ok", taskID)
	assert.Equal(t, 3, attempts)
	assert.GreaterOrEqual(t, time.Since(start), 2*time.Second)
}

func TestCreateTask_NonRetryableClientErrorStopsImmediately(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	c := New(server.URL, "key", testCatalog(), server.Client())
	_, err := c.CreateTask(context.Background(), "corr-1", "flux-pro", json.RawMessage(`{}`), "")

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestCreateTask_ExhaustsRetriesOnPersistentServerError(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := New(server.URL, "key", testCatalog(), server.Client())
	_, err := c.CreateTask(context.Background(), "corr-1", "flux-pro", json.RawMessage(`{}`), "")

	require.Error(t, err)
	assert.Equal(t, maxRetries+1, attempts)
}

func TestCreateTask_RateLimitHonorsRetryAfter(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(envelope{Code: 200, Data: json.RawMessage(`{"taskId":"task-rl"}`)})
	}))
	defer server.Close()

	c := New(server.URL, "key", testCatalog(), server.Client())
	start := time.Now()
	taskID, err := c.CreateTask(context.Background(), "corr-1", "flux-pro", json.RawMessage(`{}`), "")

	require.NoError(t, err)
	assert.Equal(t, "task-rl", taskID)
	assert.GreaterOrEqual(t, time.Since(start), 1*time.Second)
}

func TestGetTask_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/jobs/recordInfo", r.URL.Path)
		assert.Equal(t, "task-123", r.URL.Query().Get("taskId"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(envelope{
			Code: 200,
			Data: json.RawMessage(`{"state":"success","resultJson":"{\"resultUrls\":[\"http://x/1.png\"]}"}`),
		})
	}))
	defer server.Close()

	c := New(server.URL, "key", testCatalog(), server.Client())
	state, err := c.GetTask(context.Background(), "corr-1", "task-123")

	require.NoError(t, err)
	assert.Equal(t, "success", state.State)
	assert.Contains(t, state.ResultJSON, "resultUrls")
}

func TestGetTask_NetworkErrorIsRetryableAndEventuallyFails(t *testing.T) {
	c := New("http://127.0.0.1:1", "key", testCatalog(), &http.Client{Timeout: 200 * time.Millisecond})
	_, err := c.GetTask(context.Background(), "corr-1", "task-x")

	require.Error(t, err)
}

func TestBackoffDelay_CapsAtMaximum(t *testing.T) {
	d := backoffDelay(10, nil)
	assert.LessOrEqual(t, d, backoffCap)
}

func TestBackoffDelay_HonorsRateLimitRetryAfter(t *testing.T) {
	d := backoffDelay(1, &RateLimitError{RetryAfterSeconds: 5})
	assert.Equal(t, 5*time.Second, d)
}
