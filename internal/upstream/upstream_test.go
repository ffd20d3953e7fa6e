package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/l0p7/marketgate/internal/throttle"
)

func testQueue() *throttle.Queue {
	return throttle.New(throttle.Config{
		MinInterval:       time.Millisecond,
		MaxParallel:       1,
		RetryBaseDelay:    time.Millisecond,
		MaxRetryDelay:     4 * time.Millisecond,
		MaxRetries:        1,
		EscalatedInterval: 10 * time.Millisecond,
		Cooldown:          20 * time.Millisecond,
		RequestTimeout:    2 * time.Second,
	}, nil)
}

func TestFREDLatestObservations(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Path; got != "/fred/series/observations" {
			t.Errorf("unexpected path %s", got)
		}
		q := r.URL.Query()
		if q.Get("series_id") != "DGS10" || q.Get("file_type") != "json" {
			t.Errorf("unexpected query %v", q)
		}
		if q.Get("api_key") != "secret" {
			t.Errorf("expected api key to be forwarded")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"observations":[
			{"date":"2026-08-28","value":"4.23"},
			{"date":"2026-08-27","value":"."},
			{"date":"2026-08-26","value":"not-a-number"},
			{"date":"2026-08-25","value":"4.19"}
		]}`))
	}))
	defer server.Close()

	client, err := NewFRED(FREDConfig{BaseURL: server.URL, APIKey: "secret"}, testQueue(), server.Client(), nil)
	if err != nil {
		t.Fatalf("new fred: %v", err)
	}

	obs, err := client.LatestObservations(context.Background(), "DGS10", 4)
	if err != nil {
		t.Fatalf("latest observations: %v", err)
	}
	if len(obs) != 2 {
		t.Fatalf("expected missing and malformed readings to be dropped, got %d", len(obs))
	}
	if obs[0].Date != "2026-08-28" || obs[0].Value != 4.23 {
		t.Fatalf("unexpected first observation: %+v", obs[0])
	}
}

func TestFREDRateLimitClassified(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client, err := NewFRED(FREDConfig{BaseURL: server.URL}, testQueue(), server.Client(), nil)
	if err != nil {
		t.Fatalf("new fred: %v", err)
	}

	_, err = client.LatestObservations(context.Background(), "VIXCLS", 1)
	if !errors.Is(err, throttle.ErrRateLimited) {
		t.Fatalf("expected rate-limit error, got %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected initial attempt plus one retry, got %d calls", got)
	}
}

func TestFREDNoUsableObservations(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"observations":[{"date":"2026-08-28","value":"."}]}`))
	}))
	defer server.Close()

	client, err := NewFRED(FREDConfig{BaseURL: server.URL}, testQueue(), server.Client(), nil)
	if err != nil {
		t.Fatalf("new fred: %v", err)
	}

	if _, err := client.LatestObservations(context.Background(), "DGS2", 1); err == nil {
		t.Fatalf("expected error when every observation is missing")
	}
}

func TestYahooQuote(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Path; got != "/v8/finance/chart/AAPL" {
			t.Errorf("unexpected path %s", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"chart":{"result":[{"meta":{
			"symbol":"AAPL",
			"regularMarketPrice":231.5,
			"chartPreviousClose":230.0,
			"regularMarketTime":1756500000
		}}],"error":null}}`))
	}))
	defer server.Close()

	client, err := NewYahoo(YahooConfig{BaseURL: server.URL}, testQueue(), server.Client(), nil)
	if err != nil {
		t.Fatalf("new yahoo: %v", err)
	}

	quote, err := client.Quote(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if quote.Symbol != "AAPL" || quote.Price != 231.5 {
		t.Fatalf("unexpected quote: %+v", quote)
	}
	if quote.Change != 1.5 {
		t.Fatalf("expected change 1.5, got %v", quote.Change)
	}
	if quote.MarketTime.IsZero() {
		t.Fatalf("expected market time to be populated")
	}
}

func TestYahooChartError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"chart":{"result":[],"error":{"code":"Not Found","description":"No data found"}}}`))
	}))
	defer server.Close()

	client, err := NewYahoo(YahooConfig{BaseURL: server.URL}, testQueue(), server.Client(), nil)
	if err != nil {
		t.Fatalf("new yahoo: %v", err)
	}

	if _, err := client.Quote(context.Background(), "NOPE"); err == nil {
		t.Fatalf("expected chart error to surface")
	}
}

func TestSharedQueueSpacesClients(t *testing.T) {
	var mu sync.Mutex
	var stamps []time.Time
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		stamps = append(stamps, time.Now())
		mu.Unlock()
		_, _ = w.Write([]byte(`{"observations":[{"date":"2026-08-28","value":"1.0"}]}`))
	}))
	defer server.Close()

	queue := throttle.New(throttle.Config{
		MinInterval:    30 * time.Millisecond,
		MaxParallel:    1,
		RetryBaseDelay: time.Millisecond,
		MaxRetries:     1,
	}, nil)
	client, err := NewFRED(FREDConfig{BaseURL: server.URL}, queue, server.Client(), nil)
	if err != nil {
		t.Fatalf("new fred: %v", err)
	}

	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			if _, err := client.LatestObservations(context.Background(), "DGS10", 1); err != nil {
				t.Errorf("observations: %v", err)
			}
		}()
		time.Sleep(5 * time.Millisecond)
	}
	<-done
	<-done

	if len(stamps) != 2 {
		t.Fatalf("expected 2 upstream calls, got %d", len(stamps))
	}
	if gap := stamps[1].Sub(stamps[0]); gap < 30*time.Millisecond {
		t.Fatalf("expected queue to space calls, gap %v", gap)
	}
}
