// Package hikvision talks to the Hikvision event search proxy that fronts a
// branch's access-control devices.
package hikvision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/forgefit/accessbridge/internal/accessbridge/types"
	"github.com/forgefit/accessbridge/internal/metrics"
)

// ErrVendorRequest wraps every failure to obtain events from the vendor,
// including an open circuit breaker.
var ErrVendorRequest = errors.New("vendor request failed")

// maxResponseBody caps how much of a search response is read.
const maxResponseBody = 16 << 20

type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxResults int

	BreakerMinRequests  uint32
	BreakerFailureRatio float64
	BreakerOpenTimeout  time.Duration
}

type searchRequest struct {
	BranchID   string `json:"branchId"`
	StartTime  string `json:"startTime"`
	EndTime    string `json:"endTime"`
	MaxResults int    `json:"maxResults,omitempty"`
}

type searchResponse struct {
	Success bool              `json:"success"`
	Events  []json.RawMessage `json:"events"`
	Error   string            `json:"error,omitempty"`
}

type Client struct {
	baseURL    string
	apiKey     string
	maxResults int
	http       *http.Client
	cb         *gobreaker.CircuitBreaker[[]types.VendorEvent]
	logger     zerolog.Logger
}

func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 1000
	}

	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		maxResults: cfg.MaxResults,
		http:       &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With().Str("component", "hikvision").Logger(),
	}
	c.cb = newBreaker("hikvision-api", cfg, c.logger)
	return c
}

// FetchEvents returns the events the vendor recorded for branchID in
// [start, end). Any failure is reported as ErrVendorRequest.
func (c *Client) FetchEvents(ctx context.Context, branchID string, start, end time.Time) ([]types.VendorEvent, error) {
	started := time.Now()
	events, err := c.cb.Execute(func() ([]types.VendorEvent, error) {
		return c.search(ctx, branchID, start, end)
	})
	metrics.VendorRequestDuration.Observe(time.Since(started).Seconds())

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.VendorRequests.WithLabelValues("breaker_open").Inc()
			return nil, fmt.Errorf("%w: %w", ErrVendorRequest, err)
		}
		metrics.VendorRequests.WithLabelValues("error").Inc()
		if errors.Is(err, ErrVendorRequest) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrVendorRequest, err)
	}

	metrics.VendorRequests.WithLabelValues("success").Inc()
	return events, nil
}

// State exposes the breaker state for health reporting.
func (c *Client) State() gobreaker.State {
	return c.cb.State()
}

func (c *Client) search(ctx context.Context, branchID string, start, end time.Time) ([]types.VendorEvent, error) {
	body, err := json.Marshal(searchRequest{
		BranchID:   branchID,
		StartTime:  start.UTC().Format(time.RFC3339),
		EndTime:    end.UTC().Format(time.RFC3339),
		MaxResults: c.maxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("encode search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/events/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read search response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d", ErrVendorRequest, resp.StatusCode)
	}

	var sr searchResponse
	if err := json.Unmarshal(raw, &sr); err != nil {
		return nil, fmt.Errorf("%w: decode search response: %w", ErrVendorRequest, err)
	}
	if !sr.Success {
		msg := sr.Error
		if msg == "" {
			msg = "success=false"
		}
		return nil, fmt.Errorf("%w: %s", ErrVendorRequest, msg)
	}

	out := make([]types.VendorEvent, 0, len(sr.Events))
	for i, rawEvent := range sr.Events {
		var p types.EventPayload
		if err := json.Unmarshal(rawEvent, &p); err != nil {
			// One malformed entry should not hide the rest of the window.
			c.logger.Warn().Err(err).Int("index", i).Str("branch_id", branchID).Msg("skipping undecodable vendor event")
			continue
		}
		out = append(out, types.VendorEvent{Payload: p, Raw: []byte(rawEvent)})
	}

	c.logger.Debug().
		Str("branch_id", branchID).
		Int("events", len(out)).
		Msg("vendor search complete")
	return out, nil
}
