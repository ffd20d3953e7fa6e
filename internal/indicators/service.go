package indicators

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/l0p7/marketgate/internal/cache"
	"github.com/l0p7/marketgate/internal/metrics"
	"github.com/l0p7/marketgate/internal/rules"
	"github.com/l0p7/marketgate/internal/store"
	"github.com/l0p7/marketgate/internal/upstream"
)

// Cache keys are prefixed by indicator class so quote invalidation on a
// watchlist reload cannot touch series data.
const (
	yieldCurveKey  = "series:yield-curve"
	quoteKeyPrefix = "quotes:"

	vixSeriesID            = "VIXCLS"
	defaultPutCallSeriesID = "PCRATIO"

	observationLimit = 5
)

var yieldSeries = []struct {
	maturity string
	seriesID string
}{
	{"3M", "DGS3MO"},
	{"2Y", "DGS2"},
	{"5Y", "DGS5"},
	{"10Y", "DGS10"},
	{"30Y", "DGS30"},
}

// SeriesSource fetches the latest observations for one series, newest first.
// Implementations must return an error rather than an empty slice when no
// usable observation exists.
type SeriesSource interface {
	LatestObservations(ctx context.Context, seriesID string, limit int) ([]upstream.Observation, error)
}

// QuoteSource fetches the current quote for one symbol.
type QuoteSource interface {
	Quote(ctx context.Context, symbol string) (upstream.Quote, error)
}

// Config carries the service TTL windows. Zero values fall back to
// conservative defaults.
type Config struct {
	QuoteTTL        time.Duration
	SeriesTTL       time.Duration
	StoreTTL        time.Duration
	PutCallSeriesID string
}

func (c Config) withDefaults() Config {
	if c.QuoteTTL <= 0 {
		c.QuoteTTL = 5 * time.Minute
	}
	if c.SeriesTTL <= 0 {
		c.SeriesTTL = time.Hour
	}
	if c.StoreTTL <= 0 {
		c.StoreTTL = 15 * time.Minute
	}
	if c.PutCallSeriesID == "" {
		c.PutCallSeriesID = defaultPutCallSeriesID
	}
	return c
}

// Service assembles market indicators from the upstream clients with a
// read-through TTL cache, an optional shared snapshot store, and a stale
// fallback when the upstream is unavailable.
type Service struct {
	cfg       Config
	fred      SeriesSource
	yahoo     QuoteSource
	curves    *cache.Cache[curveSnapshot]
	series    *cache.Cache[readingSnapshot]
	quotes    *cache.Cache[quoteSnapshot]
	snapshots store.SnapshotStore
	validator *rules.Validator
	recorder  *metrics.Recorder
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.RWMutex
	symbols []string
	alerts  []*rules.Alert
}

// NewService wires the indicator pipeline. The snapshot store and recorder
// may be nil; the validator is required so implausible upstream values never
// reach the cache.
func NewService(cfg Config, fred SeriesSource, yahoo QuoteSource, snapshots store.SnapshotStore, validator *rules.Validator, recorder *metrics.Recorder, logger *slog.Logger) (*Service, error) {
	if fred == nil {
		return nil, errors.New("indicators: series source required")
	}
	if yahoo == nil {
		return nil, errors.New("indicators: quote source required")
	}
	if validator == nil {
		return nil, errors.New("indicators: validator required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:       cfg,
		fred:      fred,
		yahoo:     yahoo,
		snapshots: snapshots,
		validator: validator,
		recorder:  recorder,
		logger:    logger,
		now:       time.Now,
	}
	// The caches read time through the service clock so entry expiry and
	// report timestamps always agree on what "now" is.
	clock := func() time.Time { return s.now() }
	s.curves = cache.NewWithClock[curveSnapshot](cfg.SeriesTTL, clock)
	s.series = cache.NewWithClock[readingSnapshot](cfg.SeriesTTL, clock)
	s.quotes = cache.NewWithClock[quoteSnapshot](cfg.QuoteTTL, clock)
	return s, nil
}

// ReloadWatchlist swaps the watched symbols and compiled alerts, then
// invalidates every cached and stored quote so the next read reflects the
// new list.
func (s *Service) ReloadWatchlist(ctx context.Context, symbols []string, alerts []*rules.Alert) {
	normalized := normalizeSymbols(symbols)
	s.mu.Lock()
	s.symbols = normalized
	s.alerts = alerts
	s.mu.Unlock()

	s.quotes.Clear()
	if s.snapshots != nil {
		if err := s.snapshots.DeletePrefix(ctx, quoteKeyPrefix); err != nil {
			s.logger.Warn("stored quote invalidation failed", "error", err)
		}
	}
}

// WatchedSymbols returns the current watchlist tickers in sorted order.
func (s *Service) WatchedSymbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.symbols))
	copy(out, s.symbols)
	return out
}

// CacheStats exposes per-class cache counters for the health endpoint.
func (s *Service) CacheStats() map[string]cache.Stats {
	return map[string]cache.Stats{
		"curves": s.curves.Stats(),
		"series": s.series.Stats(),
		"quotes": s.quotes.Stats(),
	}
}

// GetYieldCurve serves the treasury curve. force bypasses the fresh cache
// and the snapshot store, so a failed forced fetch cannot fall back to the
// entry it just evicted.
func (s *Service) GetYieldCurve(ctx context.Context, force bool) (YieldCurveReport, error) {
	started := s.now()
	if force {
		s.curves.ForceRefresh(yieldCurveKey)
	} else {
		if snap, ok := s.curves.Get(yieldCurveKey); ok {
			s.recorder.ObserveCacheRead("series", metrics.CacheReadHit)
			return s.curveReport(snap, SourceCache, false, started), nil
		}
		s.recorder.ObserveCacheRead("series", metrics.CacheReadMiss)
		if snap, ok := storeLookup[curveSnapshot](ctx, s, yieldCurveKey); ok {
			s.curves.Set(yieldCurveKey, snap)
			return s.curveReport(snap, SourceStore, false, started), nil
		}
	}

	snap, err := s.fetchYieldCurve(ctx)
	if err != nil {
		if stale, ok := s.curves.GetStale(yieldCurveKey); ok {
			s.recorder.ObserveCacheRead("series", metrics.CacheReadStale)
			s.logger.Warn("serving stale yield curve", "error", err)
			return s.curveReport(stale, SourceCache, true, started), nil
		}
		s.recorder.ObserveIndicator("yield-curve", "error", SourceUpstream, false, s.now().Sub(started))
		return YieldCurveReport{}, fmt.Errorf("indicators: yield curve: %w", err)
	}
	s.curves.Set(yieldCurveKey, snap)
	s.storeWrite(ctx, yieldCurveKey, "yield-curve", snap)
	return s.curveReport(snap, SourceUpstream, false, started), nil
}

// GetVIX serves the latest volatility index close.
func (s *Service) GetVIX(ctx context.Context, force bool) (ReadingReport, error) {
	return s.getReading(ctx, "vix", vixSeriesID, "vix", force)
}

// GetPutCallRatio serves the latest equity put/call ratio.
func (s *Service) GetPutCallRatio(ctx context.Context, force bool) (ReadingReport, error) {
	return s.getReading(ctx, "put-call", s.cfg.PutCallSeriesID, "put-call", force)
}

// GetQuotes serves quotes for the given symbols, or the whole watchlist when
// none are named. Symbols that fail without a stale fallback are dropped
// from the response; an error is returned only when nothing could be served.
func (s *Service) GetQuotes(ctx context.Context, symbols []string, force bool) ([]QuoteReport, error) {
	requested := normalizeSymbols(symbols)
	if len(requested) == 0 {
		requested = s.WatchedSymbols()
	}
	if len(requested) == 0 {
		return nil, nil
	}

	reports := make([]QuoteReport, 0, len(requested))
	var errs []error
	for _, symbol := range requested {
		report, err := s.getQuote(ctx, symbol, force)
		if err != nil {
			s.logger.Warn("quote unavailable", "symbol", symbol, "error", err)
			errs = append(errs, err)
			continue
		}
		reports = append(reports, report)
	}
	if len(reports) == 0 && len(errs) > 0 {
		return nil, fmt.Errorf("indicators: quotes: %w", errors.Join(errs...))
	}
	return reports, nil
}

func (s *Service) getReading(ctx context.Context, indicator, seriesID, check string, force bool) (ReadingReport, error) {
	key := "series:" + indicator
	started := s.now()
	if force {
		s.series.ForceRefresh(key)
	} else {
		if snap, ok := s.series.Get(key); ok {
			s.recorder.ObserveCacheRead("series", metrics.CacheReadHit)
			return s.readingReport(indicator, snap, SourceCache, false, started), nil
		}
		s.recorder.ObserveCacheRead("series", metrics.CacheReadMiss)
		if snap, ok := storeLookup[readingSnapshot](ctx, s, key); ok {
			s.series.Set(key, snap)
			return s.readingReport(indicator, snap, SourceStore, false, started), nil
		}
	}

	snap, err := s.fetchReading(ctx, indicator, seriesID, check)
	if err != nil {
		if stale, ok := s.series.GetStale(key); ok {
			s.recorder.ObserveCacheRead("series", metrics.CacheReadStale)
			s.logger.Warn("serving stale reading", "indicator", indicator, "error", err)
			return s.readingReport(indicator, stale, SourceCache, true, started), nil
		}
		s.recorder.ObserveIndicator(indicator, "error", SourceUpstream, false, s.now().Sub(started))
		return ReadingReport{}, fmt.Errorf("indicators: %s: %w", indicator, err)
	}
	s.series.Set(key, snap)
	s.storeWrite(ctx, key, indicator, snap)
	return s.readingReport(indicator, snap, SourceUpstream, false, started), nil
}

func (s *Service) getQuote(ctx context.Context, symbol string, force bool) (QuoteReport, error) {
	key := quoteKeyPrefix + symbol
	started := s.now()
	if force {
		s.quotes.ForceRefresh(key)
	} else {
		if snap, ok := s.quotes.Get(key); ok {
			s.recorder.ObserveCacheRead("quotes", metrics.CacheReadHit)
			return s.quoteReport(snap, SourceCache, false, started), nil
		}
		s.recorder.ObserveCacheRead("quotes", metrics.CacheReadMiss)
		if snap, ok := storeLookup[quoteSnapshot](ctx, s, key); ok {
			s.quotes.Set(key, snap)
			return s.quoteReport(snap, SourceStore, false, started), nil
		}
	}

	snap, err := s.fetchQuote(ctx, symbol)
	if err != nil {
		if stale, ok := s.quotes.GetStale(key); ok {
			s.recorder.ObserveCacheRead("quotes", metrics.CacheReadStale)
			s.logger.Warn("serving stale quote", "symbol", symbol, "error", err)
			return s.quoteReport(stale, SourceCache, true, started), nil
		}
		s.recorder.ObserveIndicator("quotes", "error", SourceUpstream, false, s.now().Sub(started))
		return QuoteReport{}, fmt.Errorf("indicators: quote %s: %w", symbol, err)
	}
	s.quotes.Set(key, snap)
	s.storeWrite(ctx, key, "quotes", snap)
	return s.quoteReport(snap, SourceUpstream, false, started), nil
}

func (s *Service) fetchYieldCurve(ctx context.Context) (curveSnapshot, error) {
	points := make([]YieldPoint, 0, len(yieldSeries))
	for _, series := range yieldSeries {
		obs, err := s.fred.LatestObservations(ctx, series.seriesID, observationLimit)
		if err != nil {
			return curveSnapshot{}, fmt.Errorf("series %s: %w", series.seriesID, err)
		}
		if len(obs) == 0 {
			return curveSnapshot{}, fmt.Errorf("series %s: no observations", series.seriesID)
		}
		latest := obs[0]
		if err := s.validator.Validate("yield", series.maturity+" yield", latest.Value); err != nil {
			return curveSnapshot{}, err
		}
		points = append(points, YieldPoint{
			Maturity: series.maturity,
			SeriesID: series.seriesID,
			Value:    latest.Value,
			Date:     latest.Date,
		})
	}

	curve := YieldCurve{Points: points}
	var twoYear, tenYear float64
	for _, p := range points {
		switch p.Maturity {
		case "2Y":
			twoYear = p.Value
		case "10Y":
			tenYear = p.Value
		}
	}
	curve.Spread10Y2Y = tenYear - twoYear
	curve.Inverted = curve.Spread10Y2Y < 0
	return curveSnapshot{Curve: curve, FetchedAt: s.now()}, nil
}

func (s *Service) fetchReading(ctx context.Context, indicator, seriesID, check string) (readingSnapshot, error) {
	obs, err := s.fred.LatestObservations(ctx, seriesID, observationLimit)
	if err != nil {
		return readingSnapshot{}, err
	}
	if len(obs) == 0 {
		return readingSnapshot{}, fmt.Errorf("series %s: no observations", seriesID)
	}
	latest := obs[0]
	if err := s.validator.Validate(check, indicator, latest.Value); err != nil {
		return readingSnapshot{}, err
	}
	return readingSnapshot{Value: latest.Value, Date: latest.Date, FetchedAt: s.now()}, nil
}

func (s *Service) fetchQuote(ctx context.Context, symbol string) (quoteSnapshot, error) {
	quote, err := s.yahoo.Quote(ctx, symbol)
	if err != nil {
		return quoteSnapshot{}, err
	}
	if err := s.validator.Validate("quote-price", symbol, quote.Price); err != nil {
		return quoteSnapshot{}, err
	}
	return quoteSnapshot{Quote: quote, FetchedAt: s.now()}, nil
}

func (s *Service) curveReport(snap curveSnapshot, source string, stale bool, started time.Time) YieldCurveReport {
	values := make(map[string]any, len(snap.Curve.Points)+1)
	for _, p := range snap.Curve.Points {
		values[p.Maturity] = p.Value
	}
	values["spread10y2y"] = snap.Curve.Spread10Y2Y
	report := YieldCurveReport{
		Curve: snap.Curve,
		Meta:  Meta{Source: source, Stale: stale, FetchedAt: snap.FetchedAt},
	}
	report.Alerts = s.evaluateAlerts("yield-curve", "", snap.Curve.Spread10Y2Y, values, nil, stale)
	s.recorder.ObserveIndicator("yield-curve", "ok", source, stale, s.now().Sub(started))
	return report
}

func (s *Service) readingReport(indicator string, snap readingSnapshot, source string, stale bool, started time.Time) ReadingReport {
	report := ReadingReport{
		Indicator: indicator,
		Value:     snap.Value,
		Date:      snap.Date,
		Meta:      Meta{Source: source, Stale: stale, FetchedAt: snap.FetchedAt},
	}
	report.Alerts = s.evaluateAlerts(indicator, "", snap.Value, nil, nil, stale)
	s.recorder.ObserveIndicator(indicator, "ok", source, stale, s.now().Sub(started))
	return report
}

func (s *Service) quoteReport(snap quoteSnapshot, source string, stale bool, started time.Time) QuoteReport {
	quote := map[string]any{
		"symbol":        snap.Quote.Symbol,
		"price":         snap.Quote.Price,
		"previousClose": snap.Quote.PreviousClose,
		"change":        snap.Quote.Change,
		"changePercent": snap.Quote.ChangePercent,
	}
	report := QuoteReport{
		Quote: snap.Quote,
		Meta:  Meta{Source: source, Stale: stale, FetchedAt: snap.FetchedAt},
	}
	report.Alerts = s.evaluateAlerts("quote", snap.Quote.Symbol, snap.Quote.Price, nil, quote, stale)
	s.recorder.ObserveIndicator("quotes", "ok", source, stale, s.now().Sub(started))
	return report
}

func (s *Service) evaluateAlerts(indicator, symbol string, value float64, values, quote map[string]any, stale bool) []rules.AlertResult {
	s.mu.RLock()
	alerts := s.alerts
	s.mu.RUnlock()
	if len(alerts) == 0 {
		return nil
	}
	if values == nil {
		values = map[string]any{}
	}
	if quote == nil {
		quote = map[string]any{}
	}
	now := s.now()
	vars := map[string]any{
		"indicator": indicator,
		"symbol":    symbol,
		"value":     value,
		"values":    values,
		"quote":     quote,
		"stale":     stale,
		"now":       now,
	}
	msgCtx := rules.MessageContext{Indicator: indicator, Symbol: symbol, Value: value, Stale: stale, Time: now}

	var fired []rules.AlertResult
	for _, alert := range alerts {
		result, ok, err := alert.Evaluate(vars, msgCtx)
		if err != nil {
			s.logger.Warn("alert evaluation failed", "alert", alert.Name(), "error", err)
			continue
		}
		if ok {
			fired = append(fired, result)
		}
	}
	return fired
}

// storeLookup fetches and decodes a snapshot envelope, treating backend
// errors and expired or corrupt payloads as misses.
func storeLookup[T any](ctx context.Context, s *Service, key string) (T, bool) {
	var zero T
	if s.snapshots == nil {
		return zero, false
	}
	snap, ok, err := s.snapshots.Lookup(ctx, key)
	s.recorder.ObserveStoreOperation(metrics.StoreOperationLookup, err)
	if err != nil {
		s.logger.Warn("snapshot lookup failed", "key", key, "error", err)
		return zero, false
	}
	if !ok {
		return zero, false
	}
	if !snap.ExpiresAt.IsZero() && s.now().After(snap.ExpiresAt) {
		return zero, false
	}
	var out T
	if err := json.Unmarshal(snap.Payload, &out); err != nil {
		s.logger.Warn("snapshot payload corrupt", "key", key, "error", err)
		return zero, false
	}
	return out, true
}

func (s *Service) storeWrite(ctx context.Context, key, indicator string, payload any) {
	if s.snapshots == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("snapshot encode failed", "key", key, "error", err)
		return
	}
	now := s.now()
	err = s.snapshots.Store(ctx, key, store.Snapshot{
		Indicator: indicator,
		Payload:   raw,
		FetchedAt: now,
		ExpiresAt: now.Add(s.cfg.StoreTTL),
	})
	s.recorder.ObserveStoreOperation(metrics.StoreOperationStore, err)
	if err != nil {
		s.logger.Warn("snapshot write failed", "key", key, "error", err)
	}
}

func normalizeSymbols(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		ticker := strings.ToUpper(strings.TrimSpace(symbol))
		if ticker == "" {
			continue
		}
		if _, ok := seen[ticker]; ok {
			continue
		}
		seen[ticker] = struct{}{}
		out = append(out, ticker)
	}
	sort.Strings(out)
	return out
}
