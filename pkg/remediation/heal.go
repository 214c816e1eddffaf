package remediation

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

	"github.com/3morii74/Hybrid-AIOps-for-Autonomous-Reliability-in-Cloud-Native-Systems/pkg/version"
)

// DefaultHealTimeout bounds a soft heal request.
const DefaultHealTimeout = 5 * time.Second

const maxDetailBytes = 256

// Healer applies the soft remediation to the monitored service.
type Healer interface {
	Heal(ctx context.Context) (string, error)
}

// SoftHealer asks the monitored service to reset its error counters by POSTing
// to its /heal endpoint.
type SoftHealer struct {
	url     string
	token   string
	timeout time.Duration
	http    *http.Client
}

// HealerOption customises a SoftHealer.
type HealerOption func(*SoftHealer)

// WithHealToken sends the token as a bearer credential on every heal request.
func WithHealToken(token string) HealerOption {
	return func(h *SoftHealer) {
		h.token = strings.TrimSpace(token)
	}
}

// WithHealTimeout overrides the per-request timeout.
func WithHealTimeout(d time.Duration) HealerOption {
	return func(h *SoftHealer) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithHealHTTPClient overrides the underlying HTTP client.
func WithHealHTTPClient(hc *http.Client) HealerOption {
	return func(h *SoftHealer) {
		if hc != nil {
			h.http = hc
		}
	}
}

// NewSoftHealer builds a healer for the service rooted at baseURL.
func NewSoftHealer(baseURL string, opts ...HealerOption) (*SoftHealer, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return nil, errors.New("soft healer requires a base url")
	}
	h := &SoftHealer{
		url:     base + "/heal",
		timeout: DefaultHealTimeout,
		http:    &http.Client{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// URL returns the heal endpoint.
func (h *SoftHealer) URL() string { return h.url }

type healRequest struct {
	Action string `json:"action"`
}

type healResponse struct {
	PreviousErrorCount *int   `json:"previous_error_count"`
	CurrentStatus      string `json:"current_status"`
}

// Heal implements Healer. Only HTTP 200 counts as success.
func (h *SoftHealer) Heal(ctx context.Context) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	body, err := json.Marshal(healRequest{Action: "reset_errors"})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build heal request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("heal request: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("heal endpoint returned HTTP %d: %s", resp.StatusCode, truncate(strings.TrimSpace(string(raw)), maxDetailBytes))
	}

	var parsed healResponse
	if err := json.Unmarshal(raw, &parsed); err != nil || parsed.PreviousErrorCount == nil {
		return "errors reset (HTTP 200)", nil
	}
	detail := fmt.Sprintf("errors reset (previous_error_count=%d", *parsed.PreviousErrorCount)
	if parsed.CurrentStatus != "" {
		detail += ", current_status=" + parsed.CurrentStatus
	}
	return detail + ")", nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ Healer = (*SoftHealer)(nil)
