package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/l0p7/marketgate/internal/cache"
	"github.com/l0p7/marketgate/internal/config"
	"github.com/l0p7/marketgate/internal/indicators"
	"github.com/l0p7/marketgate/internal/throttle"
)

// IndicatorAPI is the minimal surface the router needs from the indicators
// service.
type IndicatorAPI interface {
	GetYieldCurve(ctx context.Context, force bool) (indicators.YieldCurveReport, error)
	GetVIX(ctx context.Context, force bool) (indicators.ReadingReport, error)
	GetPutCallRatio(ctx context.Context, force bool) (indicators.ReadingReport, error)
	GetQuotes(ctx context.Context, symbols []string, force bool) ([]indicators.QuoteReport, error)
	WatchedSymbols() []string
	CacheStats() map[string]cache.Stats
}

// WatchlistProvider returns the currently loaded watchlist bundle. The
// watcher swaps bundles at runtime, so the router reads through a func
// instead of holding a copy.
type WatchlistProvider func() config.WatchlistBundle

// NewHandler wires URL dispatch for the indicator API. The metrics handler is
// optional; when nil the /metrics route is not registered.
func NewHandler(api IndicatorAPI, watchlist WatchlistProvider, metricsHandler http.Handler, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if api == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writeError(w, http.StatusServiceUnavailable, "service unavailable")
		})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/indicators/yield-curve", func(w http.ResponseWriter, r *http.Request) {
		report, err := api.GetYieldCurve(r.Context(), forceRequested(r))
		respond(w, logger, report, err)
	})
	mux.HandleFunc("GET /api/indicators/vix", func(w http.ResponseWriter, r *http.Request) {
		report, err := api.GetVIX(r.Context(), forceRequested(r))
		respond(w, logger, report, err)
	})
	mux.HandleFunc("GET /api/indicators/put-call", func(w http.ResponseWriter, r *http.Request) {
		report, err := api.GetPutCallRatio(r.Context(), forceRequested(r))
		respond(w, logger, report, err)
	})
	mux.HandleFunc("GET /api/indicators/quotes", func(w http.ResponseWriter, r *http.Request) {
		reports, err := api.GetQuotes(r.Context(), symbolsParam(r), forceRequested(r))
		if err != nil {
			respondError(w, logger, err)
			return
		}
		if reports == nil {
			reports = []indicators.QuoteReport{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"quotes": reports})
	})
	mux.HandleFunc("GET /api/watchlist", func(w http.ResponseWriter, r *http.Request) {
		var bundle config.WatchlistBundle
		if watchlist != nil {
			bundle = watchlist()
		}
		writeJSON(w, http.StatusOK, watchlistResponse(bundle))
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"caches":  api.CacheStats(),
			"symbols": len(api.WatchedSymbols()),
		})
	})
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}
	return mux
}

type watchlistView struct {
	Symbols []string                `json:"symbols"`
	Alerts  []string                `json:"alerts"`
	Sources []string                `json:"sources"`
	Skipped []config.DefinitionSkip `json:"skipped,omitempty"`
}

func watchlistResponse(bundle config.WatchlistBundle) watchlistView {
	view := watchlistView{
		Symbols: make([]string, 0, len(bundle.Symbols)),
		Alerts:  make([]string, 0, len(bundle.Alerts)),
		Sources: bundle.Sources,
		Skipped: bundle.Skipped,
	}
	for symbol := range bundle.Symbols {
		view.Symbols = append(view.Symbols, symbol)
	}
	for name := range bundle.Alerts {
		view.Alerts = append(view.Alerts, name)
	}
	sort.Strings(view.Symbols)
	sort.Strings(view.Alerts)
	if view.Sources == nil {
		view.Sources = []string{}
	}
	return view
}

func forceRequested(r *http.Request) bool {
	switch strings.ToLower(r.URL.Query().Get("refresh")) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

func symbolsParam(r *http.Request) []string {
	raw := r.URL.Query().Get("symbols")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	symbols := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			symbols = append(symbols, trimmed)
		}
	}
	return symbols
}

func respond(w http.ResponseWriter, logger *slog.Logger, payload any, err error) {
	if err != nil {
		respondError(w, logger, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// respondError maps service failures onto the API taxonomy: rate-limit
// exhaustion is 503 so clients know to back off, everything else from the
// upstream path is 502.
func respondError(w http.ResponseWriter, logger *slog.Logger, err error) {
	if errors.Is(err, throttle.ErrRateLimited) {
		logger.Warn("request rejected, upstream rate limited", slog.String("error", err.Error()))
		writeError(w, http.StatusServiceUnavailable, "upstream rate limited, retry later")
		return
	}
	logger.Error("indicator request failed", slog.String("error", err.Error()))
	writeError(w, http.StatusBadGateway, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
