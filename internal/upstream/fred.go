package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/l0p7/marketgate/internal/throttle"
)

// Observation is one dated reading from a FRED series. Readings the API
// reports as missing (value ".") are dropped during parsing.
type Observation struct {
	Date  string  `json:"date"`
	Value float64 `json:"value"`
}

// FREDConfig configures the series client.
type FREDConfig struct {
	BaseURL string
	APIKey  string
}

// FREDClient fetches series observations from the FRED API (or a
// compatible mirror). All requests flow through the shared throttle queue.
type FREDClient struct {
	baseURL string
	apiKey  string
	client  httpDoer
	queue   *throttle.Queue
	logger  *slog.Logger
}

// NewFRED constructs a client. A nil httpClient falls back to a default
// with a conservative timeout; the queue's per-request timeout is the
// effective bound.
func NewFRED(cfg FREDConfig, queue *throttle.Queue, httpClient httpDoer, logger *slog.Logger) (*FREDClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("upstream: fred base url required")
	}
	if queue == nil {
		return nil, fmt.Errorf("upstream: fred throttle queue required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &FREDClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  httpClient,
		queue:   queue,
		logger:  logger.With(slog.String("component", "fred_client")),
	}, nil
}

type fredObservationsResponse struct {
	Observations []struct {
		Date  string `json:"date"`
		Value string `json:"value"`
	} `json:"observations"`
}

// LatestObservations returns up to limit most-recent observations for the
// series, newest first. It blocks in the throttle queue until a dispatch
// slot opens.
func (c *FREDClient) LatestObservations(ctx context.Context, seriesID string, limit int) ([]Observation, error) {
	if seriesID == "" {
		return nil, fmt.Errorf("upstream: fred series id required")
	}
	if limit <= 0 {
		limit = 1
	}

	endpoint, err := url.Parse(c.baseURL + "/fred/series/observations")
	if err != nil {
		return nil, fmt.Errorf("upstream: fred url: %w", err)
	}
	query := endpoint.Query()
	query.Set("series_id", seriesID)
	query.Set("api_key", c.apiKey)
	query.Set("file_type", "json")
	query.Set("sort_order", "desc")
	query.Set("limit", strconv.Itoa(limit))
	endpoint.RawQuery = query.Encode()

	var payload fredObservationsResponse
	start := time.Now()
	err = c.queue.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
		if err != nil {
			return fmt.Errorf("upstream: fred request: %w", err)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("upstream: fred request: %w", err)
		}
		if err := classifyStatus(endpoint.Host, resp.StatusCode); err != nil {
			_ = resp.Body.Close()
			return err
		}
		return decodeJSON(resp, &payload)
	})
	if err != nil {
		return nil, err
	}

	observations := make([]Observation, 0, len(payload.Observations))
	for _, raw := range payload.Observations {
		if raw.Value == "." {
			// FRED reports holidays and unpublished dates as ".".
			continue
		}
		value, err := strconv.ParseFloat(raw.Value, 64)
		if err != nil {
			c.logger.Warn("skipping unparseable observation",
				slog.String("series", seriesID),
				slog.String("date", raw.Date),
				slog.String("value", raw.Value))
			continue
		}
		observations = append(observations, Observation{Date: raw.Date, Value: value})
	}
	if len(observations) == 0 {
		return nil, fmt.Errorf("upstream: fred series %s returned no usable observations", seriesID)
	}

	c.logger.Debug("fetched series observations",
		slog.String("series", seriesID),
		slog.Int("count", len(observations)),
		slog.Duration("elapsed", time.Since(start)))
	return observations, nil
}
