package llm

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

var (
	// ErrModelUnavailable covers transport failures, timeouts and non-2xx answers.
	ErrModelUnavailable = errors.New("MODEL_UNAVAILABLE")
	// ErrModelResponse means the model answered but the payload is not a JSON object.
	ErrModelResponse = errors.New("MODEL_RESPONSE_INVALID")
)

// Generator is the language-model collaborator contract.
type Generator interface {
	Generate(ctx context.Context, prompt string, promptContext map[string]interface{}) (map[string]interface{}, error)
}

type Config struct {
	BaseURL     string
	Model       string
	Temperature float64
	Timeout     time.Duration
	MaxRetries  int
}

// Client talks to an Ollama-compatible /api/generate endpoint in JSON mode.
type Client struct {
	config *Config
	client *http.Client
	logger logger.Logger
}

func NewClient(config *Config, log logger.Logger) *Client {
	return &Client{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: logger.Component(log, "llm"),
	}
}

type generateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	System  string                 `json:"system,omitempty"`
	Format  string                 `json:"format"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type generateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// Generate sends prompt and returns the decoded JSON object the model
// produced. promptContext["system"] becomes the system prompt; any other keys
// are appended to the prompt as a JSON context block.
func (c *Client) Generate(ctx context.Context, prompt string, promptContext map[string]interface{}) (map[string]interface{}, error) {
	reqBody := generateRequest{
		Model:   c.config.Model,
		Prompt:  buildPrompt(prompt, promptContext),
		Format:  "json",
		Stream:  false,
		Options: map[string]interface{}{"temperature": c.config.Temperature},
	}
	if sys, ok := promptContext["system"].(string); ok {
		reqBody.System = sys
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrModelResponse, err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(100*(1<<(attempt-1))) * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, ctx.Err())
			}
		}

		var raw string
		raw, lastErr = c.post(ctx, body)
		if lastErr == nil {
			return decodePayload(raw)
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, ctx.Err())
		}
		c.logger.Warn("model call failed", map[string]interface{}{
			"attempt": attempt + 1,
			"error":   lastErr.Error(),
		})
	}
	return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, lastErr)
}

func (c *Client) post(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.config.BaseURL, "/")+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var gr generateResponse
	if err := json.Unmarshal(data, &gr); err != nil {
		// Not the envelope: treat the whole body as the model output.
		return string(data), nil
	}
	if gr.Error != "" {
		return "", fmt.Errorf("model error: %s", gr.Error)
	}
	return gr.Response, nil
}

func buildPrompt(prompt string, promptContext map[string]interface{}) string {
	extra := make(map[string]interface{}, len(promptContext))
	for k, v := range promptContext {
		if k == "system" {
			continue
		}
		extra[k] = v
	}
	if len(extra) == 0 {
		return prompt
	}
	ctxJSON, err := json.MarshalIndent(extra, "", "  ")
	if err != nil {
		return prompt
	}
	return prompt + "\n\nContext:\n" + string(ctxJSON)
}

// decodePayload extracts the first JSON object from raw model output,
// tolerating markdown fences and leading prose.
func decodePayload(raw string) (map[string]interface{}, error) {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if end := strings.LastIndex(text, "```"); end >= 0 {
			text = text[:end]
		}
		text = strings.TrimSpace(text)
	}
	if !strings.HasPrefix(text, "{") {
		start := strings.Index(text, "{")
		end := strings.LastIndex(text, "}")
		if start < 0 || end <= start {
			return nil, fmt.Errorf("%w: no JSON object in model output: %s", ErrModelResponse, truncate(raw, 120))
		}
		text = text[start : end+1]
	}

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelResponse, err)
	}
	return payload, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
