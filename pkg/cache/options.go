package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"
)

// ErrInvalidOptions is wrapped by every configuration error returned from New.
var ErrInvalidOptions = errors.New("invalid cache options")

const (
	DefaultMax            = 500
	DefaultMaxSize        = 5000
	DefaultTTL            = 5 * time.Minute
	DefaultMaxClassCaches = 50
)

// SizeFunc computes the size of a cached value, counted against Options.MaxSize.
type SizeFunc func(value any) int64

// Options configures a NamespaceCache. Bounds apply per namespace except MaxClassCaches.
type Options struct {
	Enabled         bool          // When false nothing is stored and every lookup misses.
	Max             int           // Max entries per namespace; zero leaves only MaxSize as the bound.
	MaxSize         int64         // Max cumulative size per namespace; zero leaves only Max as the bound.
	SizeCalculation SizeFunc      // Defaults to ConstantSize.
	TTL             time.Duration // Zero disables expiry.
	AllowStale      bool          // Serve an expired entry once instead of missing.
	UpdateAgeOnGet  bool
	UpdateAgeOnHas  bool
	// ResetCacheOnSaveAndDestroy makes successful writes drop their namespaces.
	ResetCacheOnSaveAndDestroy bool
	MaxClassCaches             int // Max number of namespaces kept at once; the oldest inserted one goes first.
	// CacheEmptyResults stores empty lists, zero counts and nil single-object results. When false those results are
	// returned but never stored, so they always miss.
	CacheEmptyResults bool
	Debug             bool             // Logs hit, miss, set, clear and eviction events.
	Clock             func() time.Time // Defaults to time.Now; tests inject a fake clock.
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		Enabled:           true,
		Max:               DefaultMax,
		MaxSize:           DefaultMaxSize,
		SizeCalculation:   ConstantSize,
		TTL:               DefaultTTL,
		MaxClassCaches:    DefaultMaxClassCaches,
		CacheEmptyResults: true,
		Clock:             time.Now,
	}
}

// Validate checks the bounds. It never clamps; every problem is reported.
func (o Options) Validate() error {
	var errs []error
	if o.Max < 0 {
		errs = append(errs, fmt.Errorf("%w: max must not be negative, got %d", ErrInvalidOptions, o.Max))
	}
	if o.MaxSize < 0 {
		errs = append(errs, fmt.Errorf("%w: maxSize must not be negative, got %d", ErrInvalidOptions, o.MaxSize))
	}
	if o.Max == 0 && o.MaxSize == 0 {
		errs = append(errs, fmt.Errorf("%w: at least one of max and maxSize must be positive", ErrInvalidOptions))
	}
	if o.TTL < 0 {
		errs = append(errs, fmt.Errorf("%w: ttl must not be negative, got %s", ErrInvalidOptions, o.TTL))
	}
	if o.MaxClassCaches < 1 {
		errs = append(errs, fmt.Errorf("%w: maxClassCaches must be at least 1, got %d",
			ErrInvalidOptions, o.MaxClassCaches))
	}
	return errors.Join(errs...)
}

// withDefaults fills the function-valued options left nil.
func (o Options) withDefaults() Options {
	if o.SizeCalculation == nil {
		o.SizeCalculation = ConstantSize
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// ConstantSize counts every entry as one.
func ConstantSize(any) int64 { return 1 }

// LengthSize counts slices, arrays, maps and strings by their length and everything else as one.
func LengthSize(value any) int64 {
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map, reflect.String:
		return max(int64(rv.Len()), 1)
	default:
		return 1
	}
}

// EncodedSize counts a value by the length of its JSON encoding.
func EncodedSize(value any) int64 {
	encoded, err := json.Marshal(value)
	if err != nil {
		// Live handles such as subscriptions have no encoding; they count as a single unit.
		slog.Debug("Cached value can't be measured by its encoded size.", "type", reflect.TypeOf(value), "error", err)
		return 1
	}
	return max(int64(len(encoded)), 1)
}

// SizeFuncByName resolves the size calculation names accepted in configuration.
func SizeFuncByName(name string) (SizeFunc, error) {
	switch name {
	case "", "constant":
		return ConstantSize, nil
	case "length":
		return LengthSize, nil
	case "bytes":
		return EncodedSize, nil
	default:
		return nil, fmt.Errorf("%w: unknown size calculation %q", ErrInvalidOptions, name)
	}
}
