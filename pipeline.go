package condamap

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// RunResult summarizes one in-process pipeline run.
type RunResult struct {
	Shards    []ShardID
	Entries   int
	Skipped   int
	Manifest  *Manifest
	Relations *RelationsMetadata
}

// Run executes every stage for channel in this process, processing up to
// parallelism shards at a time. Stages after discovery are not invoked when there
// is neither new work nor a pending partial index.
func (ix *Indexer) Run(ctx context.Context, channel string, partitions []string, parallelism int) (*RunResult, error) {
	shards, err := ix.DiscoverWork(ctx, channel, partitions)
	if err != nil {
		return nil, err
	}

	res := &RunResult{Shards: shards}
	partials := make([]*PartialIndex, len(shards))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(parallelism, 1))
	for i, shard := range shards {
		g.Go(func() error {
			p, err := ix.ProcessShard(gctx, channel, shard)
			if err != nil {
				return fmt.Errorf("shard %s: %w", shard, err)
			}
			partials[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, p := range partials {
		res.Entries += len(p.Entries)
		res.Skipped += p.Skipped
	}

	pending, err := ix.PendingPartials(ctx, channel)
	if err != nil {
		return nil, err
	}

	if len(pending) == 0 {
		ix.log.InfoContext(ctx, "no new work", "channel", channel)
		return res, nil
	}

	if res.Manifest, err = ix.MergeIndex(ctx, channel, pending); err != nil {
		return nil, err
	}

	if res.Relations, err = ix.BuildRelations(ctx, channel); err != nil {
		return nil, err
	}

	return res, nil
}
