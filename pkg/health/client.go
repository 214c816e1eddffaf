package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/3morii74/Hybrid-AIOps-for-Autonomous-Reliability-in-Cloud-Native-Systems/pkg/version"
)

// DefaultTimeout bounds a health fetch when no timeout is configured.
const DefaultTimeout = 5 * time.Second

const maxBodyBytes = 1 << 20

// Fetcher is the health-report contract consumed by the doctor.
type Fetcher interface {
	Fetch(ctx context.Context) Sample
}

// FetchError describes why a fetch produced no data.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("health fetch %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("health fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Timeout reports whether the fetch failed because its deadline elapsed.
func (e *FetchError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(e.Err, &te) && te.Timeout()
}

// Client fetches health reports from the monitored service's /health endpoint.
// It never retries; a failed fetch yields a NoData sample.
type Client struct {
	url     string
	timeout time.Duration
	http    *http.Client
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout overrides the per-fetch timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewClient builds a Client for the service rooted at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return nil, errors.New("health client requires a base url")
	}
	c := &Client{
		url:     base + "/health",
		timeout: DefaultTimeout,
		http:    &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// URL returns the health endpoint being polled.
func (c *Client) URL() string { return c.url }

// Fetch issues a single GET against the health endpoint.
func (c *Client) Fetch(ctx context.Context) Sample {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return NoData(&FetchError{URL: c.url, Err: err})
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.http.Do(req)
	if err != nil {
		return NoData(&FetchError{URL: c.url, Err: err})
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return NoData(&FetchError{URL: c.url, StatusCode: resp.StatusCode})
	}

	var body payload
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&body); err != nil {
		return NoData(&FetchError{URL: c.url, Err: fmt.Errorf("decode body: %w", err)})
	}
	report, err := body.report()
	if err != nil {
		return NoData(&FetchError{URL: c.url, Err: err})
	}
	return Observed(report)
}

var _ Fetcher = (*Client)(nil)
