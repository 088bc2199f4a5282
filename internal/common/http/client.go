// internal/common/http/client.go
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"fleet-compiler/internal/common/logger"
)

// StatusError is returned for non-2xx fleet API answers.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fleet api returned status %d: %s", e.StatusCode, e.Body)
}

// HTTPStatus lets callers outside this package inspect the status without
// importing it.
func (e *StatusError) HTTPStatus() int {
	return e.StatusCode
}

type Config struct {
	BaseURL       string
	APIKey        string
	Timeout       time.Duration
	RetryAttempts int
}

// Client is the fleet management API client used to execute generated
// requests and to look up resources during validation.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     logger.Logger
}

func NewClient(cfg Config, log logger.Logger) *Client {
	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger.Component(log, "fleet-api"),
	}
}

func (c *Client) Get(ctx context.Context, path string) (map[string]interface{}, error) {
	return c.Do(ctx, http.MethodGet, path, nil)
}

func (c *Client) Post(ctx context.Context, path string, body map[string]interface{}) (map[string]interface{}, error) {
	return c.Do(ctx, http.MethodPost, path, body)
}

func (c *Client) Put(ctx context.Context, path string, body map[string]interface{}) (map[string]interface{}, error) {
	return c.Do(ctx, http.MethodPut, path, body)
}

func (c *Client) Delete(ctx context.Context, path string) (map[string]interface{}, error) {
	return c.Do(ctx, http.MethodDelete, path, nil)
}

// Do sends one request. Transport errors and 5xx answers are retried with
// exponential backoff; 4xx answers are returned at once as *StatusError.
// A JSON array answer is wrapped as {"items": [...]}.
func (c *Client) Do(ctx context.Context, method, path string, body map[string]interface{}) (map[string]interface{}, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
	}

	url := strings.TrimRight(c.config.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")

	var lastErr error
	for attempt := 0; attempt <= c.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(100*(1<<(attempt-1))) * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		result, err := c.send(ctx, method, url, payload)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode < 500 {
			return nil, err
		}

		c.logger.Warn("fleet api call failed", map[string]interface{}{
			"method":  method,
			"path":    path,
			"attempt": attempt + 1,
			"error":   err.Error(),
		})
	}
	return nil, lastErr
}

func (c *Client) send(ctx context.Context, method, url string, payload []byte) (map[string]interface{}, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return map[string]interface{}{}, nil
	}

	var decoded interface{}
	if err := json.Unmarshal(trimmed, &decoded); err != nil {
		return nil, fmt.Errorf("decode fleet api response: %w", err)
	}
	switch v := decoded.(type) {
	case map[string]interface{}:
		return v, nil
	case []interface{}:
		return map[string]interface{}{"items": v}, nil
	default:
		return map[string]interface{}{"value": v}, nil
	}
}
