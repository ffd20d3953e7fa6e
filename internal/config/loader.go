package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file >
// default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract
// before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot using the documented precedence
// rules and resolves the configured watchlist sources.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserForFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.cache.quotettlseconds":        "server.cache.quoteTtlSeconds",
			"server.cache.seriesttlseconds":       "server.cache.seriesTtlSeconds",
			"server.store.ttlseconds":             "server.store.ttlSeconds",
			"server.store.redis.tls.cafile":       "server.store.redis.tls.caFile",
			"server.throttle.minintervalms":       "server.throttle.minIntervalMs",
			"server.throttle.maxparallel":         "server.throttle.maxParallel",
			"server.throttle.retrybasedelayms":    "server.throttle.retryBaseDelayMs",
			"server.throttle.maxretrydelayms":     "server.throttle.maxRetryDelayMs",
			"server.throttle.maxretries":          "server.throttle.maxRetries",
			"server.throttle.escalatedintervalms": "server.throttle.escalatedIntervalMs",
			"server.throttle.cooldownms":          "server.throttle.cooldownMs",
			"server.throttle.requesttimeoutms":    "server.throttle.requestTimeoutMs",
			"server.upstream.fred.baseurl":        "server.upstream.fred.baseUrl",
			"server.upstream.fred.apikey":         "server.upstream.fred.apiKey",
			"server.upstream.fred.putcallseries":  "server.upstream.fred.putCallSeries",
			"server.upstream.yahoo.baseurl":       "server.upstream.yahoo.baseUrl",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path
			// (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			// Single underscores are removed so LISTEN_PORT collapses into
			// listenport when callers choose not to use double underscores
			// for object nesting.
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	bundle, err := buildWatchlistBundle(ctx, cfg.Server.Watchlist)
	if err != nil {
		return Config{}, err
	}
	cfg.Watchlist = bundle
	return cfg, nil
}

// parserForFile picks a koanf parser by file extension. YAML remains the
// default for extensionless paths.
func parserForFile(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", "":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file format: %s", path)
	}
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
			"cache": map[string]any{
				"quoteTtlSeconds":  cfg.Server.Cache.QuoteTTLSeconds,
				"seriesTtlSeconds": cfg.Server.Cache.SeriesTTLSeconds,
			},
			"store": map[string]any{
				"backend":    cfg.Server.Store.Backend,
				"ttlSeconds": cfg.Server.Store.TTLSeconds,
				"redis": map[string]any{
					"address":  cfg.Server.Store.Redis.Address,
					"username": cfg.Server.Store.Redis.Username,
					"password": cfg.Server.Store.Redis.Password,
					"db":       cfg.Server.Store.Redis.DB,
					"tls": map[string]any{
						"enabled": cfg.Server.Store.Redis.TLS.Enabled,
						"caFile":  cfg.Server.Store.Redis.TLS.CAFile,
					},
				},
			},
			"throttle": map[string]any{
				"minIntervalMs":       cfg.Server.Throttle.MinIntervalMs,
				"maxParallel":         cfg.Server.Throttle.MaxParallel,
				"retryBaseDelayMs":    cfg.Server.Throttle.RetryBaseDelayMs,
				"maxRetryDelayMs":     cfg.Server.Throttle.MaxRetryDelayMs,
				"maxRetries":          cfg.Server.Throttle.MaxRetries,
				"escalatedIntervalMs": cfg.Server.Throttle.EscalatedIntervalMs,
				"cooldownMs":          cfg.Server.Throttle.CooldownMs,
				"requestTimeoutMs":    cfg.Server.Throttle.RequestTimeoutMs,
			},
			"upstream": map[string]any{
				"fred": map[string]any{
					"baseUrl": cfg.Server.Upstream.FRED.BaseURL,
					"apiKey":  cfg.Server.Upstream.FRED.APIKey,
				},
				"yahoo": map[string]any{
					"baseUrl": cfg.Server.Upstream.Yahoo.BaseURL,
				},
			},
			"watchlist": map[string]any{
				"file":   cfg.Server.Watchlist.File,
				"folder": cfg.Server.Watchlist.Folder,
			},
		},
	}
}
