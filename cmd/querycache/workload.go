package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/nobletooth/querycache/pkg/query"
	"github.com/nobletooth/querycache/pkg/readthrough"
	"github.com/nobletooth/querycache/pkg/storage"
)

// Number of distinct `group` values per namespace; reads filter on it.
const groupCount = 4

// Reads that reach the memory backend; writes are counted apart.
var readOps = []readthrough.Op{
	readthrough.OpFind, readthrough.OpCount, readthrough.OpDistinct, readthrough.OpFirst,
}

type workload struct {
	namespaces int
	records    int
	reads      int
	writeEvery int // Zero disables writes.
}

type report struct {
	reads         int
	writes        int
	upstreamReads int
	elapsed       time.Duration
}

func namespaceName(idx int) string { return fmt.Sprintf("Collection%d", idx) }

// seed fills every namespace with `records` records spread over the groups.
func seed(ctx context.Context, backend *storage.MemoryBackend, w workload) error {
	for nsIdx := range w.namespaces {
		records := make([]*query.Record, 0, w.records)
		for rank := range w.records {
			records = append(records, query.NewRecord(namespaceName(nsIdx), map[string]any{
				"rank":  rank,
				"group": rank % groupCount,
			}))
		}
		if _, err := backend.SaveAll(ctx, records, query.CallOptions{}); err != nil {
			return fmt.Errorf("failed to seed %s: %w", namespaceName(nsIdx), err)
		}
	}
	backend.ResetCalls()
	return nil
}

// run issues `w.reads` random cache-aware reads, saving a record after every `w.writeEvery` reads.
func run(ctx context.Context, client *readthrough.Client, backend *storage.MemoryBackend, w workload,
	rng *rand.Rand,
) (report, error) {
	started := time.Now()
	var result report
	for readIdx := range w.reads {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		namespace := namespaceName(rng.IntN(w.namespaces))
		group := rng.IntN(groupCount)
		var err error
		switch readOps[rng.IntN(len(readOps))] {
		case readthrough.OpFind:
			_, err = client.FindCache(ctx, query.New(namespace).EqualTo("group", group), query.CallOptions{})
		case readthrough.OpCount:
			_, err = client.CountCache(ctx, query.New(namespace).EqualTo("group", group), query.CallOptions{})
		case readthrough.OpDistinct:
			_, err = client.DistinctCache(ctx, query.New(namespace), "group", query.CallOptions{})
		case readthrough.OpFirst:
			_, err = client.FirstCache(ctx, query.New(namespace).Descending("rank"), query.CallOptions{})
		}
		if err != nil {
			return result, fmt.Errorf("read %d on %s failed: %w", readIdx, namespace, err)
		}
		result.reads++

		if w.writeEvery > 0 && result.reads%w.writeEvery == 0 {
			record := query.NewRecord(namespace, map[string]any{"rank": w.records + result.writes, "group": group})
			if _, err := client.Save(ctx, record, query.CallOptions{}); err != nil {
				return result, fmt.Errorf("write on %s failed: %w", namespace, err)
			}
			result.writes++
		}
	}
	for _, op := range readOps {
		result.upstreamReads += backend.Calls(string(op))
	}
	result.elapsed = time.Since(started)
	return result, nil
}
