package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/l0p7/marketgate/internal/config"
	"github.com/l0p7/marketgate/internal/indicators"
	"github.com/l0p7/marketgate/internal/logging"
	"github.com/l0p7/marketgate/internal/metrics"
	"github.com/l0p7/marketgate/internal/rules"
	"github.com/l0p7/marketgate/internal/server"
	"github.com/l0p7/marketgate/internal/store"
	"github.com/l0p7/marketgate/internal/throttle"
	"github.com/l0p7/marketgate/internal/upstream"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "MARKETGATE", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	promRegistry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(promRegistry)

	snapshots := buildSnapshotStore(logger.With(slog.String("component", "store")), cfg.Server.Store)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := snapshots.Close(shutdownCtx); err != nil {
			logger.Error("snapshot store shutdown failed", slog.Any("error", err))
		}
	}()

	queue := throttle.New(throttleConfig(cfg.Server.Throttle), logger)
	queue.SetObserver(recorder)
	recorder.SetEffectiveInterval(queue.EffectiveInterval())

	fred, err := upstream.NewFRED(upstream.FREDConfig{
		BaseURL: cfg.Server.Upstream.FRED.BaseURL,
		APIKey:  cfg.Server.Upstream.FRED.APIKey,
	}, queue, nil, logger)
	if err != nil {
		logger.Error("unable to construct series client", slog.Any("error", err))
		os.Exit(1)
	}
	yahoo, err := upstream.NewYahoo(upstream.YahooConfig{
		BaseURL: cfg.Server.Upstream.Yahoo.BaseURL,
	}, queue, nil, logger)
	if err != nil {
		logger.Error("unable to construct quote client", slog.Any("error", err))
		os.Exit(1)
	}

	env, err := rules.NewEnvironment()
	if err != nil {
		logger.Error("unable to build rules environment", slog.Any("error", err))
		os.Exit(1)
	}
	validator, err := rules.NewValidator(env, rules.DefaultRangeChecks())
	if err != nil {
		logger.Error("unable to compile range checks", slog.Any("error", err))
		os.Exit(1)
	}

	svc, err := indicators.NewService(indicators.Config{
		QuoteTTL:        time.Duration(cfg.Server.Cache.QuoteTTLSeconds) * time.Second,
		SeriesTTL:       time.Duration(cfg.Server.Cache.SeriesTTLSeconds) * time.Second,
		StoreTTL:        time.Duration(cfg.Server.Store.TTLSeconds) * time.Second,
		PutCallSeriesID: cfg.Server.Upstream.FRED.PutCallSeries,
	}, fred, yahoo, snapshots, validator, recorder, logger)
	if err != nil {
		logger.Error("unable to construct indicators service", slog.Any("error", err))
		os.Exit(1)
	}

	var bundleMu sync.RWMutex
	var currentBundle config.WatchlistBundle
	applyBundle := func(bundle config.WatchlistBundle) {
		alerts := compileAlerts(logger, env, bundle)
		symbols := make([]string, 0, len(bundle.Symbols))
		for symbol := range bundle.Symbols {
			symbols = append(symbols, symbol)
		}
		sort.Strings(symbols)
		svc.ReloadWatchlist(ctx, symbols, alerts)
		bundleMu.Lock()
		currentBundle = bundle
		bundleMu.Unlock()
		logger.Info("watchlist applied",
			slog.Int("symbols", len(symbols)),
			slog.Int("alerts", len(alerts)),
			slog.Int("skipped", len(bundle.Skipped)))
	}

	if cfg.Server.Watchlist.File != "" || cfg.Server.Watchlist.Folder != "" {
		watcher, err := loader.WatchWatchlist(ctx, cfg, applyBundle, func(err error) {
			if err != nil {
				logger.Error("watchlist watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("watchlist watcher setup failed", slog.Any("error", err))
			applyBundle(cfg.Watchlist)
		} else {
			defer watcher.Stop()
		}
	} else {
		applyBundle(cfg.Watchlist)
	}

	handler := server.NewHandler(svc, func() config.WatchlistBundle {
		bundleMu.RLock()
		defer bundleMu.RUnlock()
		return currentBundle
	}, recorder.Handler(), logger)

	srv, err := server.New(cfg, logger, handler)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

func throttleConfig(cfg config.ThrottleConfig) throttle.Config {
	return throttle.Config{
		MinInterval:       time.Duration(cfg.MinIntervalMs) * time.Millisecond,
		MaxParallel:       cfg.MaxParallel,
		RetryBaseDelay:    time.Duration(cfg.RetryBaseDelayMs) * time.Millisecond,
		MaxRetryDelay:     time.Duration(cfg.MaxRetryDelayMs) * time.Millisecond,
		MaxRetries:        cfg.MaxRetries,
		EscalatedInterval: time.Duration(cfg.EscalatedIntervalMs) * time.Millisecond,
		Cooldown:          time.Duration(cfg.CooldownMs) * time.Millisecond,
		RequestTimeout:    time.Duration(cfg.RequestTimeoutMs) * time.Millisecond,
	}
}

func compileAlerts(logger *slog.Logger, env *rules.Environment, bundle config.WatchlistBundle) []*rules.Alert {
	defs := make([]rules.AlertDefinition, 0, len(bundle.Alerts))
	for name, alert := range bundle.Alerts {
		defs = append(defs, rules.AlertDefinition{
			Name:      name,
			Indicator: alert.Indicator,
			Condition: alert.Condition,
			Message:   alert.Message,
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })

	alerts, errs := env.CompileAlerts(defs)
	for _, err := range errs {
		logger.Warn("alert skipped", slog.Any("error", err))
	}
	return alerts
}

func buildSnapshotStore(logger *slog.Logger, cfg config.StoreConfig) store.SnapshotStore {
	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		if logger != nil {
			logger.Info("using memory snapshot store", slog.Duration("ttl", ttl))
		}
		return store.NewMemory(ttl)
	case "redis":
		redisStore, err := store.NewRedis(store.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: store.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			if logger != nil {
				logger.Error("redis store initialization failed", slog.Any("error", err))
				logger.Info("falling back to memory store")
			}
			return store.NewMemory(ttl)
		}
		if logger != nil {
			logger.Info("using redis snapshot store", slog.String("address", cfg.Redis.Address))
		}
		return redisStore
	default:
		if logger != nil {
			logger.Warn("unsupported store backend, defaulting to memory", slog.String("backend", cfg.Backend))
		}
		return store.NewMemory(ttl)
	}
}
