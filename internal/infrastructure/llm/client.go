package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ChatMessage is one turn of a chat completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Response is the outcome of one completion call. Err carries a short
// machine-readable failure class instead of a Go error so callers can
// branch on it without unwrapping.
type Response struct {
	Text  string
	Model string
	Done  bool
	Err   string
}

// OK reports whether the call produced usable text.
func (r Response) OK() bool {
	return r.Err == "" && r.Text != ""
}

// Client talks to a local Ollama server.
type Client struct {
	baseURL    string
	model      string
	numCtx     int
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a client for the given Ollama endpoint and default model.
func NewClient(baseURL, model string, timeout time.Duration, numCtx int, logger *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		model:   model,
		numCtx:  numCtx,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// Model returns the default model name.
func (c *Client) Model() string {
	return c.model
}

// Generate runs a single-prompt completion. An empty model uses the default;
// an empty system omits the system field entirely.
func (c *Client) Generate(ctx context.Context, prompt, system, model string) Response {
	if model == "" {
		model = c.model
	}
	payload := map[string]any{
		"model":  model,
		"prompt": prompt,
		"stream": false,
		"options": map[string]any{
			"num_ctx": c.numCtx,
		},
	}
	if system != "" {
		payload["system"] = system
	}

	var body struct {
		Response string `json:"response"`
		Model    string `json:"model"`
		Done     bool   `json:"done"`
	}
	if errClass := c.post(ctx, "/api/generate", payload, &body); errClass != "" {
		return Response{Model: model, Err: errClass}
	}
	return Response{Text: body.Response, Model: body.Model, Done: body.Done}
}

// Chat runs a multi-turn completion. A non-empty system is prepended as a
// system-role message.
func (c *Client) Chat(ctx context.Context, messages []ChatMessage, system, model string) Response {
	if model == "" {
		model = c.model
	}
	turns := messages
	if system != "" {
		turns = append([]ChatMessage{{Role: "system", Content: system}}, messages...)
	}
	payload := map[string]any{
		"model":    model,
		"messages": turns,
		"stream":   false,
		"options": map[string]any{
			"num_ctx": c.numCtx,
		},
	}

	var body struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Model string `json:"model"`
		Done  bool   `json:"done"`
	}
	if errClass := c.post(ctx, "/api/chat", payload, &body); errClass != "" {
		return Response{Model: model, Err: errClass}
	}
	return Response{Text: body.Message.Content, Model: body.Model, Done: body.Done}
}

// post sends one JSON request and decodes the reply. Returns the error
// class ("timeout", "http_error: <code>", "connection_error", ...) or
// empty on success.
func (c *Client) post(ctx context.Context, path string, payload, out any) string {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("encode_error: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Sprintf("request_error: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			c.logger.Warn("LLM request timed out",
				zap.String("path", path),
				zap.Duration("elapsed", time.Since(start)))
			return "timeout"
		}
		c.logger.Warn("LLM request failed", zap.String("path", path), zap.Error(err))
		return "connection_error"
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		c.logger.Warn("LLM returned error status",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return fmt.Sprintf("http_error: %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Sprintf("decode_error: %v", err)
	}

	c.logger.Debug("LLM call complete",
		zap.String("path", path),
		zap.Duration("elapsed", time.Since(start)))
	return ""
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
