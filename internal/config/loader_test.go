package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoader(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T) []string
		wantErr bool
		assert  func(t *testing.T, cfg Config)
	}{
		{
			name: "returns defaults when no overrides",
			setup: func(t *testing.T) []string {
				t.Setenv("MARKETGATE_SERVER__WATCHLIST__FOLDER", t.TempDir())
				return nil
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 8080, cfg.Server.Listen.Port)
				require.Equal(t, 300, cfg.Server.Cache.QuoteTTLSeconds)
			},
		},
		{
			name: "merges file overrides",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				path := filepath.Join(dir, "server.yaml")
				require.NoError(t, os.WriteFile(path, []byte("server:\n  listen:\n    port: 9090\n  cache:\n    quoteTtlSeconds: 60\n"), 0o600))
				t.Setenv("MARKETGATE_SERVER__WATCHLIST__FOLDER", t.TempDir())
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9090, cfg.Server.Listen.Port)
				require.Equal(t, 60, cfg.Server.Cache.QuoteTTLSeconds)
			},
		},
		{
			name: "prefers env overrides",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				path := filepath.Join(dir, "server.yaml")
				require.NoError(t, os.WriteFile(path, []byte("server:\n  listen:\n    port: 9090\n"), 0o600))
				t.Setenv("MARKETGATE_SERVER__WATCHLIST__FOLDER", t.TempDir())
				t.Setenv("MARKETGATE_SERVER__LISTEN__PORT", "9091")
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9091, cfg.Server.Listen.Port)
			},
		},
		{
			name: "maps camelCase env keys",
			setup: func(t *testing.T) []string {
				t.Setenv("MARKETGATE_SERVER__WATCHLIST__FOLDER", t.TempDir())
				t.Setenv("MARKETGATE_SERVER__THROTTLE__MININTERVALMS", "750")
				t.Setenv("MARKETGATE_SERVER__UPSTREAM__FRED__APIKEY", "test-key")
				t.Setenv("MARKETGATE_SERVER__UPSTREAM__FRED__PUTCALLSERIES", "PCALLS")
				return nil
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 750, cfg.Server.Throttle.MinIntervalMs)
				require.Equal(t, "test-key", cfg.Server.Upstream.FRED.APIKey)
				require.Equal(t, "PCALLS", cfg.Server.Upstream.FRED.PutCallSeries)
			},
		},
		{
			name: "reads json documents",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				path := filepath.Join(dir, "server.json")
				require.NoError(t, os.WriteFile(path, []byte(`{"server":{"listen":{"port":9100}}}`), 0o600))
				t.Setenv("MARKETGATE_SERVER__WATCHLIST__FOLDER", t.TempDir())
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9100, cfg.Server.Listen.Port)
			},
		},
		{
			name: "reads toml documents",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				path := filepath.Join(dir, "server.toml")
				require.NoError(t, os.WriteFile(path, []byte("[server.listen]\nport = 9200\n"), 0o600))
				t.Setenv("MARKETGATE_SERVER__WATCHLIST__FOLDER", t.TempDir())
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9200, cfg.Server.Listen.Port)
			},
		},
		{
			name: "fails when file missing",
			setup: func(t *testing.T) []string {
				t.Setenv("MARKETGATE_SERVER__WATCHLIST__FOLDER", t.TempDir())
				dir := t.TempDir()
				return []string{filepath.Join(dir, "missing.yaml")}
			},
			wantErr: true,
		},
		{
			name: "fails on unsupported file format",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				path := filepath.Join(dir, "server.ini")
				require.NoError(t, os.WriteFile(path, []byte("port=1\n"), 0o600))
				t.Setenv("MARKETGATE_SERVER__WATCHLIST__FOLDER", t.TempDir())
				return []string{path}
			},
			wantErr: true,
		},
		{
			name: "fails validation for invalid overrides",
			setup: func(t *testing.T) []string {
				t.Setenv("MARKETGATE_SERVER__WATCHLIST__FOLDER", t.TempDir())
				t.Setenv("MARKETGATE_SERVER__LISTEN__PORT", "-2")
				return nil
			},
			wantErr: true,
		},
		{
			name: "loads watchlist file",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				watchlistPath := filepath.Join(dir, "watchlist.yaml")
				watchlistContents := "symbols:\n  aapl:\n    description: Apple\nalerts:\n  vix-spike:\n    indicator: vix\n    condition: value > 30.0\n    message: \"VIX elevated\"\n"
				require.NoError(t, os.WriteFile(watchlistPath, []byte(watchlistContents), 0o600))

				serverPath := filepath.Join(dir, "server.yaml")
				serverContents := "server:\n  watchlist:\n    folder: \"\"\n    file: %s\n"
				require.NoError(t, os.WriteFile(serverPath, []byte(fmt.Sprintf(serverContents, watchlistPath)), 0o600))
				return []string{serverPath}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Contains(t, cfg.Watchlist.Symbols, "AAPL")
				require.Contains(t, cfg.Watchlist.Alerts, "vix-spike")
				require.NotEmpty(t, cfg.Watchlist.Sources)
				require.Empty(t, cfg.Watchlist.Skipped)
			},
		},
		{
			name: "tolerates missing watchlist folder",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				t.Setenv("MARKETGATE_SERVER__WATCHLIST__FOLDER", filepath.Join(dir, "never-created"))
				return nil
			},
			assert: func(t *testing.T, cfg Config) {
				require.Empty(t, cfg.Watchlist.Symbols)
				require.Empty(t, cfg.Watchlist.Alerts)
			},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			args := tc.setup(t)
			loader := NewLoader("MARKETGATE", args...)

			cfg, err := loader.Load(ctx)
			if tc.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			tc.assert(t, cfg)
		})
	}
}
