package oracle

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

// Features is the predictor input. HourOfDay is derived from the wall clock at
// decision time and is not part of the health report.
type Features struct {
	CPUUsage    int `json:"cpu_usage"`
	MemoryUsage int `json:"memory_usage"`
	ErrorCount  int `json:"error_count"`
	Uptime      int `json:"uptime"`
	HourOfDay   int `json:"hour_of_day"`
}

// Prediction is the predictor output.
type Prediction struct {
	RecommendedAction string             `json:"recommended_action"`
	Confidence        float64            `json:"confidence"`
	Probabilities     map[string]float64 `json:"probabilities"`
}

// Predictor is an external model that recommends an action for a feature vector.
type Predictor interface {
	Predict(ctx context.Context, features Features) (Prediction, error)
}

// Pinger is implemented by predictors that can report their availability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PredictorFunc adapts a function into a Predictor.
type PredictorFunc func(context.Context, Features) (Prediction, error)

// Predict implements Predictor.
func (f PredictorFunc) Predict(ctx context.Context, features Features) (Prediction, error) {
	return f(ctx, features)
}

// HTTPPredictor calls a model server exposing POST /predict and GET /healthz.
type HTTPPredictor struct {
	base    string
	timeout time.Duration
	http    *http.Client
}

// NewHTTPPredictor builds a predictor client for the model server at baseURL.
func NewHTTPPredictor(baseURL string, timeout time.Duration, hc *http.Client) (*HTTPPredictor, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return nil, errors.New("predictor url must not be empty")
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if hc == nil {
		hc = &http.Client{}
	}
	return &HTTPPredictor{base: base, timeout: timeout, http: hc}, nil
}

// Ping implements Pinger.
func (p *HTTPPredictor) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+"/healthz", nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", version.UserAgent())
	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("ping predictor: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("ping predictor: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Predict implements Predictor.
func (p *HTTPPredictor) Predict(ctx context.Context, features Features) (Prediction, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	body, err := json.Marshal(features)
	if err != nil {
		return Prediction{}, fmt.Errorf("encode features: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+"/predict", bytes.NewReader(body))
	if err != nil {
		return Prediction{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := p.http.Do(req)
	if err != nil {
		return Prediction{}, fmt.Errorf("predict: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		return Prediction{}, fmt.Errorf("predict: unexpected status %d", resp.StatusCode)
	}

	var out Prediction
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return Prediction{}, fmt.Errorf("decode prediction: %w", err)
	}
	return out, nil
}

var _ Predictor = (*HTTPPredictor)(nil)
var _ Pinger = (*HTTPPredictor)(nil)
