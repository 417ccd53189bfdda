// Querycache uses flags and a single config file for configuration.
// A config file is stored in YAML format and contains the values that can be set via flags.

package config

import (
	"flag"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Config is the schema of the config file. Every leaf is a pointer so keys missing from the file leave their flag
// untouched, and carries the name of the flag it sets in its `flag` tag.
type Config struct {
	Log   LogConfig   `yaml:"log"`
	Cache CacheConfig `yaml:"cache"`
	Demo  DemoConfig  `yaml:"demo"`
}

type LogConfig struct {
	Level       *string `yaml:"level" flag:"log_level"`
	HandlerType *string `yaml:"handler_type" flag:"log_handler_type"`
}

type CacheConfig struct {
	Enabled               *bool          `yaml:"enabled" flag:"cache_enabled"`
	Max                   *int           `yaml:"max" flag:"cache_max"`
	MaxSize               *int64         `yaml:"max_size" flag:"cache_max_size"`
	SizeCalculation       *string        `yaml:"size_calculation" flag:"cache_size_calculation"`
	TTL                   *time.Duration `yaml:"ttl" flag:"cache_ttl"`
	AllowStale            *bool          `yaml:"allow_stale" flag:"cache_allow_stale"`
	UpdateAgeOnGet        *bool          `yaml:"update_age_on_get" flag:"cache_update_age_on_get"`
	UpdateAgeOnHas        *bool          `yaml:"update_age_on_has" flag:"cache_update_age_on_has"`
	ResetOnSaveAndDestroy *bool          `yaml:"reset_on_save_and_destroy" flag:"cache_reset_on_save_and_destroy"`
	MaxClassCaches        *int           `yaml:"max_class_caches" flag:"cache_max_class_caches"`
	EmptyResults          *bool          `yaml:"empty_results" flag:"cache_empty_results"`
	Debug                 *bool          `yaml:"debug" flag:"cache_debug"`
}

// DemoConfig holds the workload knobs of the demo driver.
type DemoConfig struct {
	Namespaces     *int           `yaml:"namespaces" flag:"demo_namespaces"`
	Records        *int           `yaml:"records" flag:"demo_records"`
	Reads          *int           `yaml:"reads" flag:"demo_reads"`
	WriteEvery     *int           `yaml:"write_every" flag:"demo_write_every"`
	BackendLatency *time.Duration `yaml:"backend_latency" flag:"demo_backend_latency"`
}

// SetTestFlag sets a flag to a specific value for the duration of the test.
func SetTestFlag(t *testing.T, name, value string) {
	t.Helper()
	flagHolder := flag.Lookup(name)
	require.NotNil(t, flagHolder, "Flag %s not found", name)
	if flagHolder != nil { // Revert the flag value back to its original when the test is done.
		prevValue := flagHolder.Value.String()
		t.Cleanup(func() { require.NoError(t, flag.Set(name, prevValue)) })
	}
	require.NoError(t, flag.Set(name, value))
}
