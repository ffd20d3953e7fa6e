package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	invalidPort := cfg
	invalidPort.Server.Listen.Port = -1
	require.Error(t, invalidPort.Validate())

	conflictingWatchlist := cfg
	conflictingWatchlist.Server.Watchlist.File = "watchlist.yaml"
	require.Error(t, conflictingWatchlist.Validate())

	t.Run("negative cache TTLs rejected", func(t *testing.T) {
		bad := DefaultConfig()
		bad.Server.Cache.QuoteTTLSeconds = -1
		require.Error(t, bad.Validate())

		bad = DefaultConfig()
		bad.Server.Cache.SeriesTTLSeconds = -5
		require.Error(t, bad.Validate())
	})

	t.Run("negative throttle values rejected", func(t *testing.T) {
		bad := DefaultConfig()
		bad.Server.Throttle.MinIntervalMs = -1
		require.Error(t, bad.Validate())

		bad = DefaultConfig()
		bad.Server.Throttle.MaxRetries = -2
		require.Error(t, bad.Validate())
	})

	t.Run("store backend must be known", func(t *testing.T) {
		bad := DefaultConfig()
		bad.Server.Store.Backend = "dynamo"
		require.Error(t, bad.Validate())

		redisWithoutAddress := DefaultConfig()
		redisWithoutAddress.Server.Store.Backend = "redis"
		require.Error(t, redisWithoutAddress.Validate())

		redisWithAddress := DefaultConfig()
		redisWithAddress.Server.Store.Backend = "redis"
		redisWithAddress.Server.Store.Redis.Address = "127.0.0.1:6379"
		require.NoError(t, redisWithAddress.Validate())
	})

	t.Run("upstream base URLs required", func(t *testing.T) {
		bad := DefaultConfig()
		bad.Server.Upstream.FRED.BaseURL = ""
		require.Error(t, bad.Validate())

		bad = DefaultConfig()
		bad.Server.Upstream.Yahoo.BaseURL = "  "
		require.Error(t, bad.Validate())
	})
}

func TestDefaultConfigValues(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, "0.0.0.0", cfg.Server.Listen.Address)
	require.Equal(t, 8080, cfg.Server.Listen.Port)
	require.Equal(t, "info", cfg.Server.Logging.Level)
	require.Equal(t, "json", cfg.Server.Logging.Format)
	require.Equal(t, 300, cfg.Server.Cache.QuoteTTLSeconds)
	require.Equal(t, 3600, cfg.Server.Cache.SeriesTTLSeconds)
	require.Equal(t, "memory", cfg.Server.Store.Backend)
	require.Equal(t, 2000, cfg.Server.Throttle.MinIntervalMs)
	require.Equal(t, 1, cfg.Server.Throttle.MaxParallel)
	require.Equal(t, 3, cfg.Server.Throttle.MaxRetries)
	require.Equal(t, 120000, cfg.Server.Throttle.EscalatedIntervalMs)
	require.Equal(t, 300000, cfg.Server.Throttle.CooldownMs)
	require.Equal(t, "https://api.stlouisfed.org", cfg.Server.Upstream.FRED.BaseURL)
	require.Equal(t, "PCRATIO", cfg.Server.Upstream.FRED.PutCallSeries)
	require.Equal(t, "https://query1.finance.yahoo.com", cfg.Server.Upstream.Yahoo.BaseURL)
	require.Equal(t, "./watchlist", cfg.Server.Watchlist.Folder)
}
