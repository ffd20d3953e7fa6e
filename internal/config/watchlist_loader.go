package config

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/l0p7/marketgate/internal/rules"
)

// WatchlistBundle captures the merged symbol/alert definitions after loading
// every configured source. The HTTP surface uses the metadata to explain
// what was loaded and why certain definitions were skipped.
type WatchlistBundle struct {
	Symbols map[string]SymbolConfig
	Alerts  map[string]AlertConfig
	Sources []string
	Skipped []DefinitionSkip
}

type watchlistDocument struct {
	Symbols map[string]SymbolConfig `koanf:"symbols"`
	Alerts  map[string]AlertConfig  `koanf:"alerts"`
}

type watchlistAggregator struct {
	symbols       map[string]SymbolConfig
	symbolSources map[string]string
	symbolSkips   map[string]*DefinitionSkip

	alerts       map[string]AlertConfig
	alertSources map[string]string
	alertSkips   map[string]*DefinitionSkip

	sources map[string]struct{}
}

func newWatchlistAggregator() *watchlistAggregator {
	return &watchlistAggregator{
		symbols:       make(map[string]SymbolConfig),
		symbolSources: make(map[string]string),
		symbolSkips:   make(map[string]*DefinitionSkip),
		alerts:        make(map[string]AlertConfig),
		alertSources:  make(map[string]string),
		alertSkips:    make(map[string]*DefinitionSkip),
		sources:       make(map[string]struct{}),
	}
}

func (a *watchlistAggregator) addDocument(doc watchlistDocument, source string) {
	if source != "" {
		a.sources[source] = struct{}{}
	}
	for name, cfg := range doc.Symbols {
		a.addSymbol(name, cfg, source)
	}
	for name, cfg := range doc.Alerts {
		a.addAlert(name, cfg, source)
	}
}

func (a *watchlistAggregator) addSymbol(name string, cfg SymbolConfig, source string) {
	ticker := strings.ToUpper(strings.TrimSpace(name))
	if ticker == "" {
		return
	}
	if existing, ok := a.symbolSkips[ticker]; ok {
		existing.Sources = appendUnique(existing.Sources, source)
		return
	}
	if prev, ok := a.symbolSources[ticker]; ok {
		a.recordSymbolSkip(ticker, "duplicate definition", prev, source)
		delete(a.symbolSources, ticker)
		delete(a.symbols, ticker)
		return
	}
	a.symbolSources[ticker] = source
	a.symbols[ticker] = cfg
}

func (a *watchlistAggregator) addAlert(name string, cfg AlertConfig, source string) {
	if existing, ok := a.alertSkips[name]; ok {
		existing.Sources = appendUnique(existing.Sources, source)
		return
	}
	if prev, ok := a.alertSources[name]; ok {
		a.recordAlertSkip(name, "duplicate definition", prev, source)
		delete(a.alertSources, name)
		delete(a.alerts, name)
		return
	}
	a.alertSources[name] = source
	a.alerts[name] = cfg
}

// validateAlertConditions compiles every alert condition against the rules
// environment and quarantines the ones that do not parse or do not yield a
// boolean.
func (a *watchlistAggregator) validateAlertConditions(env *rules.Environment) {
	for name, cfg := range a.alerts {
		if strings.TrimSpace(cfg.Condition) == "" {
			a.quarantineAlert(name, "alert condition required")
			continue
		}
		if _, err := env.Compile(cfg.Condition); err != nil {
			a.quarantineAlert(name, fmt.Sprintf("invalid alert condition: %v", err))
		}
	}
}

func (a *watchlistAggregator) quarantineAlert(name, reason string) {
	source := a.alertSources[name]
	a.recordAlertSkip(name, reason, source)
	delete(a.alertSources, name)
	delete(a.alerts, name)
}

func (a *watchlistAggregator) recordSymbolSkip(name, reason string, sources ...string) {
	if skip, ok := a.symbolSkips[name]; ok {
		if skip.Reason == "" {
			skip.Reason = reason
		}
		for _, src := range sources {
			skip.Sources = appendUnique(skip.Sources, src)
		}
		return
	}
	skip := &DefinitionSkip{Kind: "symbol", Name: name, Reason: reason}
	for _, src := range sources {
		skip.Sources = appendUnique(skip.Sources, src)
	}
	a.symbolSkips[name] = skip
}

func (a *watchlistAggregator) recordAlertSkip(name, reason string, sources ...string) {
	if skip, ok := a.alertSkips[name]; ok {
		if skip.Reason == "" {
			skip.Reason = reason
		}
		for _, src := range sources {
			skip.Sources = appendUnique(skip.Sources, src)
		}
		return
	}
	skip := &DefinitionSkip{Kind: "alert", Name: name, Reason: reason}
	for _, src := range sources {
		skip.Sources = appendUnique(skip.Sources, src)
	}
	a.alertSkips[name] = skip
}

func (a *watchlistAggregator) bundle() WatchlistBundle {
	bundle := WatchlistBundle{
		Symbols: a.symbols,
		Alerts:  a.alerts,
	}
	for source := range a.sources {
		bundle.Sources = append(bundle.Sources, source)
	}
	sort.Strings(bundle.Sources)
	for _, skip := range a.symbolSkips {
		bundle.Skipped = append(bundle.Skipped, *skip)
	}
	for _, skip := range a.alertSkips {
		bundle.Skipped = append(bundle.Skipped, *skip)
	}
	sort.Slice(bundle.Skipped, func(i, j int) bool {
		if bundle.Skipped[i].Kind != bundle.Skipped[j].Kind {
			return bundle.Skipped[i].Kind < bundle.Skipped[j].Kind
		}
		return bundle.Skipped[i].Name < bundle.Skipped[j].Name
	})
	return bundle
}

// buildWatchlistBundle loads and merges every configured watchlist source.
// An empty configuration yields an empty bundle rather than an error so the
// service can run without a watchlist.
func buildWatchlistBundle(ctx context.Context, cfg WatchlistConfig) (WatchlistBundle, error) {
	agg := newWatchlistAggregator()

	switch {
	case cfg.File != "":
		doc, err := loadWatchlistDocument(ctx, cfg.File)
		if err != nil {
			return WatchlistBundle{}, err
		}
		agg.addDocument(doc, filepath.Clean(cfg.File))
	case cfg.Folder != "":
		paths, err := collectWatchlistFiles(cfg.Folder)
		if err != nil {
			return WatchlistBundle{}, err
		}
		for _, path := range paths {
			select {
			case <-ctx.Done():
				return WatchlistBundle{}, ctx.Err()
			default:
			}
			doc, err := loadWatchlistDocument(ctx, path)
			if err != nil {
				return WatchlistBundle{}, err
			}
			agg.addDocument(doc, path)
		}
	}

	env, err := rules.NewEnvironment()
	if err != nil {
		return WatchlistBundle{}, err
	}
	agg.validateAlertConditions(env)

	return agg.bundle(), nil
}

func loadWatchlistDocument(_ context.Context, path string) (watchlistDocument, error) {
	parser, err := parserForFile(path)
	if err != nil {
		return watchlistDocument{}, fmt.Errorf("config: watchlist %w", err)
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return watchlistDocument{}, fmt.Errorf("config: load watchlist %s: %w", path, err)
	}
	var doc watchlistDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return watchlistDocument{}, fmt.Errorf("config: unmarshal watchlist %s: %w", path, err)
	}
	return doc, nil
}

// collectWatchlistFiles walks the folder and returns every supported
// document path in a stable order. A missing folder is not an error: the
// watcher may observe it appearing later.
func collectWatchlistFiles(folder string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(folder, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return fs.SkipAll
			}
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if isSupportedWatchlistFile(path) {
			paths = append(paths, filepath.Clean(path))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("config: walk watchlist folder %s: %w", folder, err)
	}
	sort.Strings(paths)
	return paths, nil
}

func isSupportedWatchlistFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json", ".toml":
		return true
	default:
		return false
	}
}

func appendUnique(list []string, value string) []string {
	if value == "" {
		return list
	}
	for _, existing := range list {
		if existing == value {
			return list
		}
	}
	return append(list, value)
}
