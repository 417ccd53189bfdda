// Runs a read/write workload against the in-memory backend through a namespace cache and reports how many reads the
// cache absorbed.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"

	"github.com/dustin/go-humanize"
	"github.com/nobletooth/querycache/pkg/cache"
	"github.com/nobletooth/querycache/pkg/config"
	"github.com/nobletooth/querycache/pkg/readthrough"
	"github.com/nobletooth/querycache/pkg/storage"
	"github.com/nobletooth/querycache/pkg/utils"
)

var (
	printVersion = flag.Bool("print_version", false, "Print the version and exit.")

	demoNamespaces     = flag.Int("demo_namespaces", 8, "Number of namespaces seeded in the backend.")
	demoRecords        = flag.Int("demo_records", 200, "Number of records seeded per namespace.")
	demoReads          = flag.Int("demo_reads", 10_000, "Number of cache-aware reads to issue.")
	demoWriteEvery     = flag.Int("demo_write_every", 100, "Save a record after this many reads; 0 disables writes.")
	demoBackendLatency = flag.Duration("demo_backend_latency", 0, "Simulated latency of every backend call.")
)

func main() {
	configErr := config.InitFlags()
	utils.InitLogging()
	if configErr != nil {
		slog.Error("Failed to load configuration.", "error", configErr)
		os.Exit(1)
	}

	if *printVersion {
		slog.Info("Querycache build info.", utils.BuildAttrs()...)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := runDemo(ctx); err != nil {
		slog.Error("Demo workload failed.", "error", err)
		cancel()
		os.Exit(1)
	}
}

func runDemo(ctx context.Context) error {
	opts, err := config.CacheOptions()
	if err != nil {
		return err
	}
	w := workload{namespaces: *demoNamespaces, records: *demoRecords, reads: *demoReads, writeEvery: *demoWriteEvery}
	if w.namespaces < 1 || w.records < 0 || w.reads < 0 || w.writeEvery < 0 {
		return fmt.Errorf("invalid demo workload: %+v", w)
	}

	namespaceCache, err := cache.New(opts)
	if err != nil {
		return err
	}
	backend := storage.NewMemoryBackend(storage.WithLatency(*demoBackendLatency))
	if err := seed(ctx, backend, w); err != nil {
		return err
	}
	client := readthrough.Bind(backend, namespaceCache)

	result, err := run(ctx, client, backend, w, rand.New(rand.NewPCG(uint64(w.namespaces), uint64(w.records))))
	if err != nil {
		return err
	}
	stats := namespaceCache.Stats()
	slog.Info("Demo workload finished.",
		"reads", humanize.Comma(int64(result.reads)),
		"writes", humanize.Comma(int64(result.writes)),
		"upstreamReads", humanize.Comma(int64(result.upstreamReads)),
		"hits", humanize.Comma(stats.Hits),
		"misses", humanize.Comma(stats.Misses),
		"hitRate", humanize.FormatFloat("#.##", stats.HitRate*100)+"%",
		"cachedEntries", humanize.Comma(int64(stats.CacheSize)),
		"namespaces", stats.Namespaces,
		"elapsed", result.elapsed.String())
	return nil
}
