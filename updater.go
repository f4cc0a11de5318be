package condamap

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// Reasons an artifact is left out of a partial index.
const (
	ReasonYanked  = "yanked"
	ReasonFetch   = "fetch"
	ReasonStorage = "storage"
)

// YankRule names artifacts that must never be indexed, typically because their
// archives are known to carry wrong registry metadata. An artifact matches when its
// conda name equals Name and its partition and channel are listed.
type YankRule struct {
	Name      string   `yaml:"name" validate:"required"`
	Platforms []string `yaml:"platforms" validate:"required,min=1"`
	Channels  []string `yaml:"channels" validate:"required,min=1"`
}

// Matches reports whether a is yanked by r.
func (r YankRule) Matches(a Artifact) bool {
	return a.Name == r.Name &&
		slices.Contains(r.Platforms, a.Partition) &&
		slices.Contains(r.Channels, a.Channel)
}

// shardResult is the outcome for one artifact of a shard.
type shardResult struct {
	entry   *IndexEntry
	created bool
	reason  string
}

// ProcessShard resolves the artifacts the requested index of channel assigns to
// shard, writes their records and stores the resulting partial index.
//
// Artifacts whose record already exists are skipped, so running a shard twice
// yields an empty second partial index. An artifact that cannot be fetched or
// resolved is a soft failure: it is logged, counted in PartialIndex.Skipped and
// stays missing until a later run. Only ErrStorageWriteConflict, context errors
// and a missing requested index abort the shard.
func (ix *Indexer) ProcessShard(ctx context.Context, channel string, shard ShardID) (partial *PartialIndex, err error) {
	ctx, span := ix.startSpan(ctx, "condamap.ProcessShard", channel, attribute.String("condamap.shard", shard.String()))
	defer func() { endSpan(span, err) }()

	if ix.source == nil || ix.resolver == nil {
		return nil, errors.New("processing a shard requires a Source and a Resolver")
	}

	if _, err := ParseShardID(shard.String()); err != nil {
		return nil, err
	}

	snap, err := ix.Snapshot(ctx, channel)
	if err != nil {
		return nil, err
	}

	artifacts := snap.Shards[shard]
	results := make([]shardResult, len(artifacts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.workers)
	for i, a := range artifacts {
		g.Go(func() error {
			res, err := ix.processArtifact(gctx, shard, a)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	partial = &PartialIndex{
		Channel:      channel,
		Shard:        shard,
		RunID:        uuid.NewString(),
		IndexVersion: snap.IndexVersion,
		CreatedAt:    ix.now().UTC(),
	}

	created := 0
	for _, r := range results {
		switch {
		case r.reason != "":
			partial.Skipped++
			ix.metrics.artifactsSkipped.WithLabelValues(channel, r.reason).Inc()
		case r.entry != nil:
			partial.Entries = append(partial.Entries, *r.entry)
			ix.metrics.artifactsResolved.WithLabelValues(channel).Inc()
			if r.created {
				created++
			}
		}
	}
	ix.metrics.recordsWritten.WithLabelValues(channel).Add(float64(created))

	// Duplicate catalog entries share a hash and therefore an entry.
	slices.SortFunc(partial.Entries, compareEntries)
	partial.Entries = slices.CompactFunc(partial.Entries, func(a, b IndexEntry) bool { return a.ContentHash == b.ContentHash })

	if err := ix.writePartial(ctx, partial); err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("condamap.entries", len(partial.Entries)),
		attribute.Int("condamap.skipped", partial.Skipped),
	)
	ix.log.InfoContext(ctx, "processed shard",
		"channel", channel,
		"shard", shard,
		"artifacts", len(artifacts),
		"entries", len(partial.Entries),
		"records_written", created,
		"skipped", partial.Skipped,
	)

	return partial, nil
}

func (ix *Indexer) processArtifact(ctx context.Context, shard ShardID, a Artifact) (shardResult, error) {
	for _, rule := range ix.yank {
		if rule.Matches(a) {
			return ix.skip(ctx, shard, a, ReasonYanked, nil), nil
		}
	}

	exists, err := ix.HasRecord(ctx, a.ContentHash)
	if err != nil {
		if ctx.Err() != nil {
			return shardResult{}, ctx.Err()
		}
		return ix.skip(ctx, shard, a, ReasonStorage, err), nil
	}
	if exists {
		return shardResult{}, nil
	}

	res, err := ix.resolveArtifact(ctx, a)
	if err != nil {
		if ctx.Err() != nil {
			return shardResult{}, ctx.Err()
		}
		return ix.skip(ctx, shard, a, ReasonFetch, err), nil
	}

	switch r := res.(type) {
	case Unresolved:
		return ix.skip(ctx, shard, a, r.Reason, nil), nil
	case Resolved:
		created, err := ix.PutRecord(ctx, a.ContentHash, r.Record)
		if errors.Is(err, ErrStorageWriteConflict) || ctx.Err() != nil {
			return shardResult{}, errors.Join(err, ctx.Err())
		}
		if err != nil {
			return ix.skip(ctx, shard, a, ReasonStorage, err), nil
		}

		return shardResult{
			entry:   &IndexEntry{ContentHash: a.ContentHash, Key: RecordKey(a.ContentHash)},
			created: created,
		}, nil
	default:
		return shardResult{}, fmt.Errorf("unexpected resolution %T for %s", res, a.Filename)
	}
}

// skip logs a soft failure with enough identity to find the artifact again.
func (ix *Indexer) skip(ctx context.Context, shard ShardID, a Artifact, reason string, cause error) shardResult {
	err := &ResolutionError{ContentHash: a.ContentHash, Filename: a.Filename, Reason: reason, Err: cause}
	ix.log.WarnContext(ctx, "skipping artifact",
		"channel", a.Channel,
		"shard", shard,
		"sha256", a.ContentHash,
		"filename", a.Filename,
		"reason", reason,
		"error", err,
	)

	return shardResult{reason: reason}
}

// ResolveOne fetches and resolves a single artifact without writing anything.
// A Resolved result carries the record ProcessShard would write.
func (ix *Indexer) ResolveOne(ctx context.Context, a Artifact) (Resolution, error) {
	if ix.source == nil || ix.resolver == nil {
		return nil, errors.New("resolving an artifact requires a Source and a Resolver")
	}

	return ix.resolveArtifact(ctx, a)
}

func (ix *Indexer) resolveArtifact(ctx context.Context, a Artifact) (Resolution, error) {
	meta, err := retry(ctx, ix.retry, func() (*Metadata, error) {
		return ix.source.FetchMetadata(ctx, a)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch metadata: %s, %w", a.Filename, err)
	}

	return ix.resolver.Resolve(meta), nil
}

func (ix *Indexer) writePartial(ctx context.Context, p *PartialIndex) error {
	data, err := encodePartial(p)
	if err != nil {
		return fmt.Errorf("failed to encode partial index: %s, %w", p.Shard, err)
	}

	if err := ix.store.Put(ctx, PartialKey(p.Channel, p.Shard, p.RunID), data, PutOptions{}); err != nil {
		return fmt.Errorf("failed to write partial index: %s, %w", p.Shard, err)
	}

	return nil
}
