// Package bookmark forwards archived links to a Karakeep instance.
package bookmark

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Defaults applied when the caller leaves a field empty.
const (
	DefaultTimeout = 30 * time.Second
	DefaultSource  = "discord_bot_archivebot"
	linkType       = "link"
	unknownError   = "Unknown error"
)

// Doer executes a request through the shared session.
type Doer interface {
	Do(req *http.Request, followRedirects bool) (*http.Response, error)
}

// Config wires the endpoint and credential.
type Config struct {
	Endpoint string
	APIKey   string
	Source   string
	Timeout  time.Duration
}

// StatusError is a rejected submission. Detail carries the response's
// "error" field, or "Unknown error" when absent.
type StatusError struct {
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("karakeep: status %d: %s", e.StatusCode, e.Detail)
}

// Receipt describes an accepted submission.
type Receipt struct {
	StatusCode int
	Body       map[string]any
}

type payload struct {
	URL    string `json:"url"`
	Source string `json:"source"`
	Type   string `json:"type"`
}

// Client submits links; a zero endpoint or key leaves it disabled.
type Client struct {
	cfg Config
}

// New builds a Client, filling defaults.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Source == "" {
		cfg.Source = DefaultSource
	}
	return &Client{cfg: cfg}
}

// Enabled reports whether both the endpoint and the API key are set.
func (c *Client) Enabled() bool {
	return c != nil && c.cfg.Endpoint != "" && c.cfg.APIKey != ""
}

// Submit posts link as a bookmark. The body is decoded whatever the status,
// since failures carry their reason in it. An empty or non-object body is
// accepted and leaves Receipt.Body nil.
func (c *Client) Submit(ctx context.Context, doer Doer, link string) (Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(payload{URL: link, Source: c.cfg.Source, Type: linkType})
	if err != nil {
		return Receipt{}, fmt.Errorf("marshal bookmark: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, fmt.Errorf("build bookmark request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := doer.Do(req, true)
	if err != nil {
		return Receipt{}, err
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	var raw any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return Receipt{StatusCode: resp.StatusCode}, fmt.Errorf("decode karakeep response (status %d): %w", resp.StatusCode, err)
	}
	// Empty and non-object bodies carry no detail.
	decoded, _ := raw.(map[string]any)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return Receipt{StatusCode: resp.StatusCode, Body: decoded}, nil
	default:
		return Receipt{StatusCode: resp.StatusCode, Body: decoded}, &StatusError{
			StatusCode: resp.StatusCode,
			Detail:     errorDetail(decoded),
		}
	}
}

func errorDetail(body map[string]any) string {
	raw, ok := body["error"]
	if !ok || raw == nil {
		return unknownError
	}
	if s, ok := raw.(string); ok {
		return s
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return fmt.Sprint(raw)
	}
	return string(encoded)
}
