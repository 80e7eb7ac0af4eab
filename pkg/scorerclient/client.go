/**
 * @description
 * Client for the external risk-scoring model. The scorer receives a feature vector
 * and answers with a risk score in [0,1].
 */
package scorerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/ecs/credit-pipeline/internal/domain"
)

var (
	// ErrUnavailable covers network errors, timeouts and non-2xx answers.
	ErrUnavailable = errors.New("scorer unavailable")
	// ErrInvalidScore covers undecodable bodies and missing or out-of-range scores.
	ErrInvalidScore = errors.New("scorer returned an invalid score")
)

// maxResponseBytes caps how much of a scorer response is read.
const maxResponseBytes = 64 << 10

type predictResponse struct {
	RiskScore *float64 `json:"risk_score"`
}

// Client is a client for the risk scorer.
type Client struct {
	url        string
	timeout    time.Duration
	httpClient *http.Client
}

// NewClient creates a scorer client posting to url. timeout bounds each call.
func NewClient(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		url:        strings.TrimSpace(url),
		timeout:    timeout,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Score posts features and returns the risk score.
func (c *Client) Score(ctx context.Context, features domain.FeatureVector) (float64, error) {
	if c.url == "" {
		return 0, fmt.Errorf("%w: scorer URL is not configured", ErrUnavailable)
	}

	body, err := json.Marshal(features)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal feature vector: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewBuffer(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return 0, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var decoded predictResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&decoded); err != nil {
		return 0, fmt.Errorf("%w: decode response: %v", ErrInvalidScore, err)
	}
	if decoded.RiskScore == nil {
		return 0, fmt.Errorf("%w: risk_score missing", ErrInvalidScore)
	}
	score := *decoded.RiskScore
	if math.IsNaN(score) || score < 0 || score > 1 {
		return 0, fmt.Errorf("%w: risk_score %v outside [0,1]", ErrInvalidScore, score)
	}
	return score, nil
}
