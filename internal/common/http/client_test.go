// internal/common/http/client_test.go
package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"fleet-compiler/internal/common/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestConfig(baseURL string) Config {
	return Config{
		BaseURL:       baseURL,
		APIKey:        "test-key",
		Timeout:       2 * time.Second,
		RetryAttempts: 2,
	}
}

// ==========================
// Success Paths
// ==========================

func TestClient_Post_SendsJSONAndAuth(t *testing.T) {
	var gotBody map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/maintenance/schedule", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"m-1","status":"scheduled"}`))
	}))
	defer server.Close()

	client := NewClient(createTestConfig(server.URL+"/"), logger.NewTestLogger(t))
	result, err := client.Post(context.Background(), "/maintenance/schedule", map[string]interface{}{"vehicle_id": "V-123"})

	require.NoError(t, err)
	assert.Equal(t, "m-1", result["id"])
	assert.Equal(t, "V-123", gotBody["vehicle_id"])
}

func TestClient_Get_WrapsArrayAndEmptyBody(t *testing.T) {
	tests := []struct {
		name     string
		response string
		validate func(t *testing.T, result map[string]interface{})
	}{
		{
			name:     "array response",
			response: `[{"id":1},{"id":2}]`,
			validate: func(t *testing.T, result map[string]interface{}) {
				items, ok := result["items"].([]interface{})
				require.True(t, ok)
				assert.Len(t, items, 2)
			},
		},
		{
			name:     "empty body",
			response: "",
			validate: func(t *testing.T, result map[string]interface{}) {
				assert.Empty(t, result)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.response))
			}))
			defer server.Close()

			client := NewClient(createTestConfig(server.URL), logger.NewTestLogger(t))
			result, err := client.Get(context.Background(), "vehicles")
			require.NoError(t, err)
			tt.validate(t, result)
		})
	}
}

// ==========================
// Error Paths
// ==========================

func TestClient_Do_RetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	client := NewClient(createTestConfig(server.URL), logger.NewTestLogger(t))
	result, err := client.Get(context.Background(), "/vehicles/V-1")

	require.NoError(t, err)
	assert.Equal(t, true, result["ok"])
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClient_Do_DoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"vehicle not found"}`))
	}))
	defer server.Close()

	client := NewClient(createTestConfig(server.URL), logger.NewTestLogger(t))
	_, err := client.Get(context.Background(), "/vehicles/V-404")

	require.Error(t, err)
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.HTTPStatus())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClient_Do_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := NewClient(createTestConfig(server.URL), logger.NewTestLogger(t))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.Get(ctx, "/vehicles")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
