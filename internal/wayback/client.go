// Package wayback submits URLs to the Wayback Machine save endpoint and
// interprets its inconsistent redirect semantics.
package wayback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds a single save request.
const DefaultTimeout = 180 * time.Second

// maxDrainBytes caps how much of an unused body is read back for connection reuse.
const maxDrainBytes = 64 << 10

// ErrMissingLocation is returned for a 302 without a Location header.
var ErrMissingLocation = errors.New("wayback: redirect without location")

// StatusError reports a save response that is neither 200 nor 302.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("wayback: unexpected status %d", e.StatusCode)
}

// Doer executes a request without following redirects when asked to.
type Doer interface {
	Do(req *http.Request, followRedirects bool) (*http.Response, error)
}

// Snapshot is the interpreted save response.
type Snapshot struct {
	SaveURL    string
	Location   string
	StatusCode int
	// FromHeader is false when a 200 carried no Location and SaveURL was used.
	FromHeader bool
}

// Client talks to one archive host.
type Client struct {
	baseURL string
	timeout time.Duration
}

// New creates a Client for baseURL (e.g. https://web.archive.org).
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
	}
}

// SaveURL returns the save endpoint for target. The target is appended
// verbatim, the way the service expects it.
func (c *Client) SaveURL(target string) string {
	return c.baseURL + "/save/" + target
}

// Timeout returns the per-request deadline.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// Save issues the save request through doer. A 200 yields the Location header
// or, failing that, the save URL itself; a 302 must carry a Location.
func (c *Client) Save(ctx context.Context, doer Doer, target string) (Snapshot, error) {
	saveURL := c.SaveURL(target)
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, saveURL, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("build save request: %w", err)
	}
	resp, err := doer.Do(req, false)
	if err != nil {
		return Snapshot{}, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
		_ = resp.Body.Close()
	}()

	snap := Snapshot{SaveURL: saveURL, StatusCode: resp.StatusCode}
	location := resp.Header.Get("Location")
	switch resp.StatusCode {
	case http.StatusOK:
		snap.Location = saveURL
		if location != "" {
			snap.Location = location
			snap.FromHeader = true
		}
		return snap, nil
	case http.StatusFound:
		if location == "" {
			return snap, ErrMissingLocation
		}
		snap.Location = location
		snap.FromHeader = true
		return snap, nil
	default:
		return snap, &StatusError{StatusCode: resp.StatusCode}
	}
}
