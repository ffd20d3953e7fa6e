package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Config holds every server-level option plus the watchlist artifacts once
// they are loaded.
type Config struct {
	Server ServerConfig `koanf:"server"`

	// Watchlist carries the merged symbol and alert definitions after the
	// loader resolves the configured sources. It is excluded from koanf so
	// the value only reflects runtime discovery rather than static input
	// documents.
	Watchlist WatchlistBundle `koanf:"-"`
}

// ServerConfig collects the bootstrap knobs owned by the lifecycle agent.
type ServerConfig struct {
	Listen    ListenConfig    `koanf:"listen"`
	Logging   LoggingConfig   `koanf:"logging"`
	Cache     CacheConfig     `koanf:"cache"`
	Store     StoreConfig     `koanf:"store"`
	Throttle  ThrottleConfig  `koanf:"throttle"`
	Upstream  UpstreamConfig  `koanf:"upstream"`
	Watchlist WatchlistConfig `koanf:"watchlist"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// CacheConfig sets the in-process TTL windows per indicator class. Quotes
// are the fast tier and re-fetched often; series data (yield curve, market
// breadth ratios) changes at most daily.
type CacheConfig struct {
	QuoteTTLSeconds  int `koanf:"quoteTtlSeconds"`
	SeriesTTLSeconds int `koanf:"seriesTtlSeconds"`
}

// StoreConfig selects and configures the shared snapshot store backend.
type StoreConfig struct {
	Backend    string           `koanf:"backend"`
	TTLSeconds int              `koanf:"ttlSeconds"`
	Redis      RedisStoreConfig `koanf:"redis"`
}

type RedisStoreConfig struct {
	Address  string              `koanf:"address"`
	Username string              `koanf:"username"`
	Password string              `koanf:"password"`
	DB       int                 `koanf:"db"`
	TLS      RedisStoreTLSConfig `koanf:"tls"`
}

type RedisStoreTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// ThrottleConfig carries the outbound request queue constants. All values
// are construction-time configuration; there is no runtime reconfiguration.
type ThrottleConfig struct {
	MinIntervalMs       int `koanf:"minIntervalMs"`
	MaxParallel         int `koanf:"maxParallel"`
	RetryBaseDelayMs    int `koanf:"retryBaseDelayMs"`
	MaxRetryDelayMs     int `koanf:"maxRetryDelayMs"`
	MaxRetries          int `koanf:"maxRetries"`
	EscalatedIntervalMs int `koanf:"escalatedIntervalMs"`
	CooldownMs          int `koanf:"cooldownMs"`
	RequestTimeoutMs    int `koanf:"requestTimeoutMs"`
}

// UpstreamConfig points at the external market-data APIs.
type UpstreamConfig struct {
	FRED  FREDConfig  `koanf:"fred"`
	Yahoo YahooConfig `koanf:"yahoo"`
}

// FREDConfig configures the FRED series client. The API key is required for
// live operation but may stay empty in tests that stub the upstream.
// PutCallSeries names the series served as the put/call ratio indicator.
type FREDConfig struct {
	BaseURL       string `koanf:"baseUrl"`
	APIKey        string `koanf:"apiKey"`
	PutCallSeries string `koanf:"putCallSeries"`
}

// YahooConfig configures the quote/chart client.
type YahooConfig struct {
	BaseURL string `koanf:"baseUrl"`
}

// WatchlistConfig announces how watchlist documents are sourced.
type WatchlistConfig struct {
	File   string `koanf:"file"`
	Folder string `koanf:"folder"`
}

// SymbolConfig describes one watched ticker.
type SymbolConfig struct {
	Description string `koanf:"description"`
}

// AlertConfig is one alert rule: a CEL condition evaluated against fetched
// indicator values and a message template rendered when it fires.
type AlertConfig struct {
	Indicator string `koanf:"indicator"`
	Condition string `koanf:"condition"`
	Message   string `koanf:"message"`
}

// DefinitionSkip describes a watchlist artifact that the loader intentionally
// ignored because it violated invariants (for example duplicate names across
// files). The HTTP surface can expose these so operators know which
// definitions were quarantined.
type DefinitionSkip struct {
	Kind    string   `json:"kind"`
	Name    string   `json:"name"`
	Reason  string   `json:"reason"`
	Sources []string `json:"sources"`
}

// Validate rejects configurations the runtime could not act on.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if c.Server.Watchlist.File != "" && c.Server.Watchlist.Folder != "" {
		return errors.New("config: watchlist.file and watchlist.folder are mutually exclusive")
	}
	if c.Server.Cache.QuoteTTLSeconds < 0 {
		return fmt.Errorf("config: server.cache.quoteTtlSeconds invalid: %d", c.Server.Cache.QuoteTTLSeconds)
	}
	if c.Server.Cache.SeriesTTLSeconds < 0 {
		return fmt.Errorf("config: server.cache.seriesTtlSeconds invalid: %d", c.Server.Cache.SeriesTTLSeconds)
	}
	if c.Server.Store.TTLSeconds < 0 {
		return fmt.Errorf("config: server.store.ttlSeconds invalid: %d", c.Server.Store.TTLSeconds)
	}
	backend := strings.TrimSpace(strings.ToLower(c.Server.Store.Backend))
	switch backend {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Server.Store.Redis.Address) == "" {
			return errors.New("config: server.store.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: server.store.backend unsupported: %s", c.Server.Store.Backend)
	}
	if err := validateThrottle(c.Server.Throttle); err != nil {
		return err
	}
	for name, base := range map[string]string{
		"server.upstream.fred.baseUrl":  c.Server.Upstream.FRED.BaseURL,
		"server.upstream.yahoo.baseUrl": c.Server.Upstream.Yahoo.BaseURL,
	} {
		if strings.TrimSpace(base) == "" {
			return fmt.Errorf("config: %s required", name)
		}
		if _, err := url.Parse(base); err != nil {
			return fmt.Errorf("config: %s invalid: %w", name, err)
		}
	}
	return nil
}

func validateThrottle(t ThrottleConfig) error {
	for name, v := range map[string]int{
		"minIntervalMs":       t.MinIntervalMs,
		"maxParallel":         t.MaxParallel,
		"retryBaseDelayMs":    t.RetryBaseDelayMs,
		"maxRetryDelayMs":     t.MaxRetryDelayMs,
		"maxRetries":          t.MaxRetries,
		"escalatedIntervalMs": t.EscalatedIntervalMs,
		"cooldownMs":          t.CooldownMs,
		"requestTimeoutMs":    t.RequestTimeoutMs,
	} {
		if v < 0 {
			return fmt.Errorf("config: server.throttle.%s invalid: %d", name, v)
		}
	}
	return nil
}

// DefaultConfig returns the baseline values the loader starts from.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
			Cache: CacheConfig{
				QuoteTTLSeconds:  300,
				SeriesTTLSeconds: 3600,
			},
			Store: StoreConfig{
				Backend:    "memory",
				TTLSeconds: 900,
			},
			Throttle: ThrottleConfig{
				MinIntervalMs:       2000,
				MaxParallel:         1,
				RetryBaseDelayMs:    1000,
				MaxRetryDelayMs:     30000,
				MaxRetries:          3,
				EscalatedIntervalMs: 120000,
				CooldownMs:          300000,
				RequestTimeoutMs:    30000,
			},
			Upstream: UpstreamConfig{
				FRED:  FREDConfig{BaseURL: "https://api.stlouisfed.org", PutCallSeries: "PCRATIO"},
				Yahoo: YahooConfig{BaseURL: "https://query1.finance.yahoo.com"},
			},
			Watchlist: WatchlistConfig{
				Folder: "./watchlist",
			},
		},
	}
}
