package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/nobletooth/querycache/pkg/cache"
)

var (
	configFilePath = flag.String("config_file", "config.yaml", "Path to the configuration file.")

	cacheEnabled = flag.Bool("cache_enabled", true, "When false, cache-aware reads always go to the backend.")
	cacheMax     = flag.Int("cache_max", cache.DefaultMax, "Max entries per namespace; 0 leaves only cache_max_size.")
	cacheMaxSize = flag.Int64("cache_max_size", cache.DefaultMaxSize,
		"Max cumulative entry size per namespace; 0 leaves only cache_max.")
	cacheSizeCalculation = flag.String("cache_size_calculation", "constant",
		"How entries are sized against cache_max_size: constant/length/bytes")
	cacheTTL        = flag.Duration("cache_ttl", cache.DefaultTTL, "Entry lifetime; 0 disables expiry.")
	cacheAllowStale = flag.Bool("cache_allow_stale", false, "Serve an expired entry once before dropping it.")
	cacheUpdateAgeOnGet = flag.Bool("cache_update_age_on_get", false,
		"Reset the age of an entry every time it is read.")
	cacheUpdateAgeOnHas = flag.Bool("cache_update_age_on_has", false,
		"Reset the age of an entry every time its presence is checked.")
	cacheResetOnSaveAndDestroy = flag.Bool("cache_reset_on_save_and_destroy", false,
		"Drop the namespaces touched by every successful write.")
	cacheMaxClassCaches = flag.Int("cache_max_class_caches", cache.DefaultMaxClassCaches,
		"Max number of namespaces cached at once; the oldest created one is dropped first.")
	cacheEmptyResults = flag.Bool("cache_empty_results", true, "Cache empty lists, zero counts and nil results.")
	cacheDebug        = flag.Bool("cache_debug", false, "Log every cache hit, miss, set, clear and eviction.")
)

// InitFlags initializes the flags from the config file specified by the -config_file flag.
// It should be called after defining all flags and before using them. A missing config file leaves the flags as they
// are; a malformed one is an error.
func InitFlags() error {
	flag.Parse()

	if *configFilePath == "" {
		slog.Info("Config file not specified. Skipping config initialization.")
		return nil
	}

	// Read config file.
	configFile, err := os.Open(*configFilePath)
	if errors.Is(err, os.ErrNotExist) {
		slog.Warn("Config file does not exist.", "path", *configFilePath, "error", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() { _ = configFile.Close() }()

	// Apply configurations.
	conf, err := ParseConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", *configFilePath, err)
	}
	if err := ApplyConfig(conf); err != nil {
		return fmt.Errorf("failed to set flags from config file: %w", err)
	}
	return nil
}

// CacheOptions builds validated cache options from the cache flags.
func CacheOptions() (cache.Options, error) {
	sizeCalculation, err := cache.SizeFuncByName(*cacheSizeCalculation)
	if err != nil {
		return cache.Options{}, err
	}
	opts := cache.DefaultOptions()
	opts.Enabled = *cacheEnabled
	opts.Max = *cacheMax
	opts.MaxSize = *cacheMaxSize
	opts.SizeCalculation = sizeCalculation
	opts.TTL = *cacheTTL
	opts.AllowStale = *cacheAllowStale
	opts.UpdateAgeOnGet = *cacheUpdateAgeOnGet
	opts.UpdateAgeOnHas = *cacheUpdateAgeOnHas
	opts.ResetCacheOnSaveAndDestroy = *cacheResetOnSaveAndDestroy
	opts.MaxClassCaches = *cacheMaxClassCaches
	opts.CacheEmptyResults = *cacheEmptyResults
	opts.Debug = *cacheDebug
	if err := opts.Validate(); err != nil {
		return cache.Options{}, err
	}
	return opts, nil
}
