// ABOUTME: HTTP client that forwards conversation messages to the AI backend
// ABOUTME: Handles the warm-up/retry protocol for evicted agent configurations

package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrNoEndpoint indicates the session has no AI endpoint configured.
var ErrNoEndpoint = errors.New("no AI endpoint configured")

// UpstreamError is a failure response from the AI backend.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("AI backend returned %d: %s", e.StatusCode, truncate(e.Body, 200))
}

// Request describes one message to forward.
type Request struct {
	Endpoint       string
	APIKey         string
	Message        string
	ConversationID string
}

// Result is the AI backend's payload plus the extracted reply text.
type Result struct {
	// Payload is the decoded JSON value, or a sanitized string for
	// non-JSON and markup responses.
	Payload any

	// Reply is the extracted plain-text reply, empty if none was found.
	Reply string
}

// Client posts messages to AI backend endpoints. Safe for concurrent use;
// concurrent warm-up calls against the same credential+endpoint are
// collapsed into a single request.
type Client struct {
	http   *http.Client
	warm   singleflight.Group
	logger *slog.Logger
}

// New creates a forwarding client with the given per-request timeout.
func New(timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Forward posts the message to the AI endpoint and returns the reply
// payload. A 400 response whose body mentions an uncached configuration
// triggers one warm-up call followed by exactly one retry; any other
// failure propagates.
func (c *Client) Forward(ctx context.Context, req Request) (*Result, error) {
	if req.Endpoint == "" {
		return nil, ErrNoEndpoint
	}

	status, body, err := c.post(ctx, req.Endpoint, req.APIKey, forwardBody{
		Input:     req.Message,
		SessionID: req.ConversationID,
	})
	if err != nil {
		return nil, fmt.Errorf("forwarding to AI backend: %w", err)
	}

	if status >= 200 && status < 300 {
		c.logger.Info("forwarded message to AI backend", "endpoint", req.Endpoint, "status", status)
		return decodeResult(body), nil
	}

	if status != http.StatusBadRequest || !mentionsColdConfig(body) {
		return nil, &UpstreamError{StatusCode: status, Body: string(body)}
	}

	// The backend evicted this agent's configuration. Warm it and retry
	// the original request exactly once.
	if err := c.warmAgent(ctx, req.Endpoint, req.APIKey); err != nil {
		return nil, fmt.Errorf("warming AI agent config: %w", err)
	}

	status, body, err = c.post(ctx, req.Endpoint, req.APIKey, forwardBody{
		Input:     req.Message,
		SessionID: req.ConversationID,
	})
	if err != nil {
		return nil, fmt.Errorf("forwarding to AI backend after warm: %w", err)
	}
	if status < 200 || status >= 300 {
		return nil, &UpstreamError{StatusCode: status, Body: string(body)}
	}

	c.logger.Info("forwarded message to AI backend after warm", "endpoint", req.Endpoint, "status", status)
	return decodeResult(body), nil
}

type forwardBody struct {
	Input     string `json:"input"`
	SessionID string `json:"session_id"`
}

// post sends a bearer-authenticated JSON POST and returns status and body.
func (c *Client) post(ctx context.Context, endpoint, apiKey string, payload any) (int, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("encoding request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return 0, nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("reading response body: %w", err)
	}
	return resp.StatusCode, body, nil
}

// warmAgent posts to the derived warm-up endpoint. Concurrent callers
// sharing the same credential+endpoint share one in-flight call.
func (c *Client) warmAgent(ctx context.Context, endpoint, apiKey string) error {
	warmURL := warmEndpoint(endpoint)

	key := apiKey + ":" + warmURL
	_, err, _ := c.warm.Do(key, func() (any, error) {
		status, body, err := c.post(ctx, warmURL, apiKey, struct{}{})
		if err != nil {
			return nil, err
		}
		if status < 200 || status >= 300 {
			return nil, &UpstreamError{StatusCode: status, Body: string(body)}
		}
		c.logger.Info("warmed AI agent config", "warm_endpoint", warmURL)
		return nil, nil
	})
	if err != nil {
		c.logger.Error("failed to warm AI agent config", "warm_endpoint", warmURL, "error", err)
	}
	return err
}

// warmEndpoint derives the warm-up URL from a run endpoint: a trailing
// "/run" path segment is replaced with "/warm", otherwise "/warm" is
// appended.
func warmEndpoint(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		trimmed := strings.TrimSuffix(endpoint, "/")
		if strings.HasSuffix(trimmed, "/run") {
			return strings.TrimSuffix(trimmed, "/run") + "/warm"
		}
		return trimmed + "/warm"
	}

	path := strings.TrimSuffix(u.Path, "/")
	if strings.HasSuffix(path, "/run") {
		u.Path = strings.TrimSuffix(path, "/run") + "/warm"
	} else {
		u.Path = path + "/warm"
	}
	return u.String()
}

// mentionsColdConfig reports whether an error body carries the signature
// of an evicted agent configuration.
func mentionsColdConfig(body []byte) bool {
	var candidates []string

	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err == nil {
		for _, key := range []string{"detail", "message", "error"} {
			if s, ok := obj[key].(string); ok {
				candidates = append(candidates, s)
			}
		}
	} else {
		candidates = append(candidates, string(body))
	}

	for _, text := range candidates {
		lower := strings.ToLower(text)
		if strings.Contains(lower, "warm") || strings.Contains(lower, "config not cached") {
			return true
		}
	}
	return false
}

// decodeResult turns a response body into a Result. JSON bodies are
// decoded; everything else is treated as a raw string. String payloads
// that look like markup are stripped to plain text.
func decodeResult(body []byte) *Result {
	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		payload = string(body)
	}

	if s, ok := payload.(string); ok && looksLikeMarkup(s) {
		payload = stripMarkup(s)
	}

	return &Result{Payload: payload, Reply: ExtractReplyText(payload)}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
