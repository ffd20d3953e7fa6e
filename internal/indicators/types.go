package indicators

import (
	"time"

	"github.com/l0p7/marketgate/internal/rules"
	"github.com/l0p7/marketgate/internal/upstream"
)

// Meta describes where a served value came from so callers can distinguish
// degraded (stale) data from fresh reads.
type Meta struct {
	Source    string              `json:"source"`
	Stale     bool                `json:"stale"`
	FetchedAt time.Time           `json:"fetchedAt"`
	Alerts    []rules.AlertResult `json:"alerts,omitempty"`
}

// Source labels for Meta.Source.
const (
	SourceCache    = "cache"
	SourceStore    = "store"
	SourceUpstream = "upstream"
)

// YieldPoint is one maturity on the treasury curve.
type YieldPoint struct {
	Maturity string  `json:"maturity"`
	SeriesID string  `json:"seriesId"`
	Value    float64 `json:"value"`
	Date     string  `json:"date"`
}

// YieldCurve is the assembled curve plus the 10Y-2Y spread, the usual
// inversion signal.
type YieldCurve struct {
	Points      []YieldPoint `json:"points"`
	Spread10Y2Y float64      `json:"spread10y2y"`
	Inverted    bool         `json:"inverted"`
}

// YieldCurveReport is the served yield-curve payload.
type YieldCurveReport struct {
	Curve YieldCurve `json:"curve"`
	Meta
}

// ReadingReport is a single-value indicator payload (VIX, put/call ratio).
type ReadingReport struct {
	Indicator string  `json:"indicator"`
	Value     float64 `json:"value"`
	Date      string  `json:"date"`
	Meta
}

// QuoteReport is one watchlist quote payload.
type QuoteReport struct {
	Quote upstream.Quote `json:"quote"`
	Meta
}

// Snapshot envelopes persisted to the cache and the snapshot store. FetchedAt
// travels with the value so cache and store hits can report when the data was
// actually retrieved.
type curveSnapshot struct {
	Curve     YieldCurve `json:"curve"`
	FetchedAt time.Time  `json:"fetchedAt"`
}

type readingSnapshot struct {
	Value     float64   `json:"value"`
	Date      string    `json:"date"`
	FetchedAt time.Time `json:"fetchedAt"`
}

type quoteSnapshot struct {
	Quote     upstream.Quote `json:"quote"`
	FetchedAt time.Time      `json:"fetchedAt"`
}
