package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/l0p7/marketgate/internal/throttle"
)

// Quote is the latest price snapshot for one symbol.
type Quote struct {
	Symbol        string    `json:"symbol"`
	Price         float64   `json:"price"`
	PreviousClose float64   `json:"previousClose"`
	Change        float64   `json:"change"`
	ChangePercent float64   `json:"changePercent"`
	MarketTime    time.Time `json:"marketTime"`
}

// YahooConfig configures the quote/chart client.
type YahooConfig struct {
	BaseURL string
}

// YahooClient fetches quote snapshots from the Yahoo chart API. All
// requests flow through the shared throttle queue.
type YahooClient struct {
	baseURL string
	client  httpDoer
	queue   *throttle.Queue
	logger  *slog.Logger
}

// NewYahoo constructs a client with the same defaulting rules as NewFRED.
func NewYahoo(cfg YahooConfig, queue *throttle.Queue, httpClient httpDoer, logger *slog.Logger) (*YahooClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("upstream: yahoo base url required")
	}
	if queue == nil {
		return nil, fmt.Errorf("upstream: yahoo throttle queue required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &YahooClient{
		baseURL: cfg.BaseURL,
		client:  httpClient,
		queue:   queue,
		logger:  logger.With(slog.String("component", "yahoo_client")),
	}, nil
}

type yahooChartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Symbol             string  `json:"symbol"`
				RegularMarketPrice float64 `json:"regularMarketPrice"`
				PreviousClose      float64 `json:"chartPreviousClose"`
				RegularMarketTime  int64   `json:"regularMarketTime"`
			} `json:"meta"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// Quote fetches the latest snapshot for symbol. It blocks in the throttle
// queue until a dispatch slot opens.
func (c *YahooClient) Quote(ctx context.Context, symbol string) (Quote, error) {
	if symbol == "" {
		return Quote{}, fmt.Errorf("upstream: yahoo symbol required")
	}

	endpoint, err := url.Parse(c.baseURL + "/v8/finance/chart/" + url.PathEscape(symbol))
	if err != nil {
		return Quote{}, fmt.Errorf("upstream: yahoo url: %w", err)
	}
	query := endpoint.Query()
	query.Set("interval", "1d")
	query.Set("range", "1d")
	endpoint.RawQuery = query.Encode()

	var payload yahooChartResponse
	err = c.queue.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
		if err != nil {
			return fmt.Errorf("upstream: yahoo request: %w", err)
		}
		req.Header.Set("User-Agent", "marketgate/1.0")
		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("upstream: yahoo request: %w", err)
		}
		if err := classifyStatus(endpoint.Host, resp.StatusCode); err != nil {
			_ = resp.Body.Close()
			return err
		}
		return decodeJSON(resp, &payload)
	})
	if err != nil {
		return Quote{}, err
	}

	if payload.Chart.Error != nil {
		return Quote{}, fmt.Errorf("upstream: yahoo chart error for %s: %s", symbol, payload.Chart.Error.Description)
	}
	if len(payload.Chart.Result) == 0 {
		return Quote{}, fmt.Errorf("upstream: yahoo chart empty result for %s", symbol)
	}

	meta := payload.Chart.Result[0].Meta
	quote := Quote{
		Symbol:        meta.Symbol,
		Price:         meta.RegularMarketPrice,
		PreviousClose: meta.PreviousClose,
		MarketTime:    time.Unix(meta.RegularMarketTime, 0).UTC(),
	}
	if quote.Symbol == "" {
		quote.Symbol = symbol
	}
	if quote.PreviousClose != 0 {
		quote.Change = quote.Price - quote.PreviousClose
		quote.ChangePercent = quote.Change / quote.PreviousClose * 100
	}

	c.logger.Debug("fetched quote",
		slog.String("symbol", quote.Symbol),
		slog.Float64("price", quote.Price))
	return quote, nil
}
