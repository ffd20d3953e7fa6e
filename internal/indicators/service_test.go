package indicators

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/marketgate/internal/rules"
	"github.com/l0p7/marketgate/internal/store"
	"github.com/l0p7/marketgate/internal/upstream"
)

type stubSeriesSource struct {
	mu     sync.Mutex
	values map[string]upstream.Observation
	err    error
	calls  int
}

func (s *stubSeriesSource) LatestObservations(_ context.Context, seriesID string, _ int) ([]upstream.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	obs, ok := s.values[seriesID]
	if !ok {
		return nil, fmt.Errorf("unknown series %s", seriesID)
	}
	return []upstream.Observation{obs}, nil
}

func (s *stubSeriesSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubSeriesSource) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

type stubQuoteSource struct {
	mu     sync.Mutex
	quotes map[string]upstream.Quote
	failed map[string]error
	calls  int
}

func (s *stubQuoteSource) Quote(_ context.Context, symbol string) (upstream.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if err, ok := s.failed[symbol]; ok {
		return upstream.Quote{}, err
	}
	quote, ok := s.quotes[symbol]
	if !ok {
		return upstream.Quote{}, fmt.Errorf("unknown symbol %s", symbol)
	}
	return quote, nil
}

func (s *stubQuoteSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// fakeClock starts at the real current time so snapshot-store expiry
// checks, which use the wall clock, agree with the injected clock.
type fakeClock struct {
	mu sync.Mutex
	at time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{at: time.Now()}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.at = c.at.Add(d)
}

func testSeriesSource() *stubSeriesSource {
	return &stubSeriesSource{values: map[string]upstream.Observation{
		"DGS3MO":               {Date: "2024-06-03", Value: 5.4},
		"DGS2":                 {Date: "2024-06-03", Value: 4.9},
		"DGS5":                 {Date: "2024-06-03", Value: 4.5},
		"DGS10":                {Date: "2024-06-03", Value: 4.4},
		"DGS30":                {Date: "2024-06-03", Value: 4.6},
		vixSeriesID:            {Date: "2024-06-03", Value: 13.2},
		defaultPutCallSeriesID: {Date: "2024-06-03", Value: 0.85},
	}}
}

func testQuoteSource() *stubQuoteSource {
	return &stubQuoteSource{quotes: map[string]upstream.Quote{
		"AAPL": {Symbol: "AAPL", Price: 195.5, PreviousClose: 193.0, Change: 2.5},
		"MSFT": {Symbol: "MSFT", Price: 420.0, PreviousClose: 418.5, Change: 1.5},
	}}
}

func newTestService(t *testing.T, fred SeriesSource, yahoo QuoteSource, snapshots store.SnapshotStore) (*Service, *fakeClock) {
	t.Helper()
	env, err := rules.NewEnvironment()
	require.NoError(t, err)
	validator, err := rules.NewValidator(env, rules.DefaultRangeChecks())
	require.NoError(t, err)

	svc, err := NewService(Config{
		QuoteTTL:  time.Minute,
		SeriesTTL: time.Hour,
		StoreTTL:  30 * time.Minute,
	}, fred, yahoo, snapshots, validator, nil, nil)
	require.NoError(t, err)

	clock := newFakeClock()
	svc.now = clock.now
	return svc, clock
}

func TestGetYieldCurveFetchesAndCaches(t *testing.T) {
	fred := testSeriesSource()
	svc, _ := newTestService(t, fred, testQuoteSource(), nil)

	report, err := svc.GetYieldCurve(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, SourceUpstream, report.Source)
	require.False(t, report.Stale)
	require.Len(t, report.Curve.Points, 5)
	require.InDelta(t, -0.5, report.Curve.Spread10Y2Y, 0.0001)
	require.True(t, report.Curve.Inverted)
	require.Equal(t, 5, fred.callCount())

	cached, err := svc.GetYieldCurve(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, SourceCache, cached.Source)
	require.Equal(t, 5, fred.callCount())
}

func TestGetVIXServesStaleOnUpstreamFailure(t *testing.T) {
	fred := testSeriesSource()
	svc, clock := newTestService(t, fred, testQuoteSource(), nil)

	fresh, err := svc.GetVIX(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 13.2, fresh.Value)
	require.Equal(t, 1, fred.callCount())

	clock.advance(2 * time.Hour)
	fred.fail(errors.New("connection refused"))

	stale, err := svc.GetVIX(context.Background(), false)
	require.NoError(t, err)
	require.True(t, stale.Stale)
	require.Equal(t, SourceCache, stale.Source)
	require.Equal(t, 13.2, stale.Value)
	// The expired entry must have missed the fresh read and forced a fetch.
	require.Equal(t, 2, fred.callCount())
}

type emptySeriesSource struct{}

func (emptySeriesSource) LatestObservations(context.Context, string, int) ([]upstream.Observation, error) {
	return nil, nil
}

func TestEmptySeriesIsAnError(t *testing.T) {
	svc, _ := newTestService(t, emptySeriesSource{}, testQuoteSource(), nil)

	_, err := svc.GetVIX(context.Background(), false)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no observations")

	_, err = svc.GetYieldCurve(context.Background(), false)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no observations")
}

func TestGetVIXErrorWithoutFallback(t *testing.T) {
	fred := testSeriesSource()
	fred.fail(errors.New("connection refused"))
	svc, _ := newTestService(t, fred, testQuoteSource(), nil)

	_, err := svc.GetVIX(context.Background(), false)
	require.Error(t, err)
	require.Contains(t, err.Error(), "vix")
}

func TestForceRefreshBypassesCacheAndFallback(t *testing.T) {
	fred := testSeriesSource()
	svc, _ := newTestService(t, fred, testQuoteSource(), nil)

	_, err := svc.GetVIX(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 1, fred.callCount())

	_, err = svc.GetVIX(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, 2, fred.callCount())

	// After a forced eviction a failed fetch has no stale entry to serve.
	fred.fail(errors.New("connection refused"))
	_, err = svc.GetVIX(context.Background(), true)
	require.Error(t, err)
}

func TestSnapshotStoreSharedAcrossInstances(t *testing.T) {
	snapshots := store.NewMemory(time.Hour)
	fredA := testSeriesSource()
	svcA, _ := newTestService(t, fredA, testQuoteSource(), snapshots)

	_, err := svcA.GetVIX(context.Background(), false)
	require.NoError(t, err)

	fredB := testSeriesSource()
	svcB, _ := newTestService(t, fredB, testQuoteSource(), snapshots)

	report, err := svcB.GetVIX(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, SourceStore, report.Source)
	require.Equal(t, 13.2, report.Value)
	require.Equal(t, 0, fredB.callCount())
}

func TestValidationRejectsImplausibleValues(t *testing.T) {
	fred := testSeriesSource()
	fred.values[vixSeriesID] = upstream.Observation{Date: "2024-06-03", Value: 512.0}
	svc, _ := newTestService(t, fred, testQuoteSource(), nil)

	_, err := svc.GetVIX(context.Background(), false)
	require.Error(t, err)
	require.Contains(t, err.Error(), "plausible")
}

func TestGetQuotesUsesWatchlist(t *testing.T) {
	yahoo := testQuoteSource()
	svc, _ := newTestService(t, testSeriesSource(), yahoo, nil)
	svc.ReloadWatchlist(context.Background(), []string{"msft", "aapl"}, nil)

	reports, err := svc.GetQuotes(context.Background(), nil, false)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	require.Equal(t, "AAPL", reports[0].Quote.Symbol)
	require.Equal(t, "MSFT", reports[1].Quote.Symbol)
}

func TestGetQuotesEmptyWatchlist(t *testing.T) {
	svc, _ := newTestService(t, testSeriesSource(), testQuoteSource(), nil)

	reports, err := svc.GetQuotes(context.Background(), nil, false)
	require.NoError(t, err)
	require.Empty(t, reports)
}

func TestGetQuotesPartialFailure(t *testing.T) {
	yahoo := testQuoteSource()
	yahoo.failed = map[string]error{"MSFT": errors.New("connection refused")}
	svc, _ := newTestService(t, testSeriesSource(), yahoo, nil)

	reports, err := svc.GetQuotes(context.Background(), []string{"AAPL", "MSFT"}, false)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.Equal(t, "AAPL", reports[0].Quote.Symbol)
}

func TestGetQuotesAllFailed(t *testing.T) {
	yahoo := testQuoteSource()
	yahoo.failed = map[string]error{
		"AAPL": errors.New("connection refused"),
		"MSFT": errors.New("connection refused"),
	}
	svc, _ := newTestService(t, testSeriesSource(), yahoo, nil)

	_, err := svc.GetQuotes(context.Background(), []string{"AAPL", "MSFT"}, false)
	require.Error(t, err)
}

func TestReloadWatchlistInvalidatesQuotes(t *testing.T) {
	snapshots := store.NewMemory(time.Hour)
	yahoo := testQuoteSource()
	svc, _ := newTestService(t, testSeriesSource(), yahoo, snapshots)

	_, err := svc.GetQuotes(context.Background(), []string{"AAPL"}, false)
	require.NoError(t, err)
	require.Equal(t, 1, yahoo.callCount())

	svc.ReloadWatchlist(context.Background(), []string{"AAPL"}, nil)

	_, err = svc.GetQuotes(context.Background(), nil, false)
	require.NoError(t, err)
	require.Equal(t, 2, yahoo.callCount())
}

func TestQuoteAlertsFire(t *testing.T) {
	env, err := rules.NewEnvironment()
	require.NoError(t, err)
	alerts, errs := env.CompileAlerts([]rules.AlertDefinition{
		{
			Name:      "pricey",
			Indicator: "quote",
			Condition: "value > 100.0",
			Message:   "{{ .Symbol }} above 100 at {{ printf \"%.2f\" .Value }}",
		},
		{
			Name:      "vix-calm",
			Indicator: "vix",
			Condition: "value < 15.0",
			Message:   "volatility subdued",
		},
	})
	require.Empty(t, errs)

	svc, _ := newTestService(t, testSeriesSource(), testQuoteSource(), nil)
	svc.ReloadWatchlist(context.Background(), []string{"AAPL"}, alerts)

	reports, err := svc.GetQuotes(context.Background(), nil, false)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.Len(t, reports[0].Alerts, 1)
	require.Equal(t, "pricey", reports[0].Alerts[0].Name)
	require.Equal(t, "AAPL above 100 at 195.50", reports[0].Alerts[0].Message)

	vix, err := svc.GetVIX(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, vix.Alerts, 1)
	require.Equal(t, "vix-calm", vix.Alerts[0].Name)
}

func TestCacheStats(t *testing.T) {
	svc, _ := newTestService(t, testSeriesSource(), testQuoteSource(), nil)

	_, err := svc.GetVIX(context.Background(), false)
	require.NoError(t, err)
	_, err = svc.GetVIX(context.Background(), false)
	require.NoError(t, err)

	stats := svc.CacheStats()
	require.Equal(t, 1, stats["series"].Size)
	require.Equal(t, int64(1), stats["series"].Hits)
	require.Equal(t, int64(1), stats["series"].Misses)
}
