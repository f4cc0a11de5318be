package condamap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/pseudomuto/condamap/internal/tree"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/mod/sumdb/tlog"
	"golang.org/x/sync/errgroup"
)

// PendingPartials returns the keys of the partial indices of channel waiting to be
// merged, in lexical order.
func (ix *Indexer) PendingPartials(ctx context.Context, channel string) ([]string, error) {
	keys, err := ix.store.List(ctx, PartialPrefix(channel))
	if err != nil {
		return nil, fmt.Errorf("failed to list partial indices: %s, %w", channel, err)
	}

	return slices.DeleteFunc(keys, func(k string) bool { return !strings.HasSuffix(k, ".cbor") }), nil
}

// MergeIndex folds the partial indices stored at keys into a new master index
// generation of channel and returns the manifest pointing at it. When keys is nil
// every pending partial index is merged.
//
// The new generation is written under a fresh key before the manifest is swapped,
// so readers observe the old or the new index and never a mix. Malformed partial
// indices are logged and skipped. Entries whose record does not exist are dropped.
// Consumed partial indices are deleted when the store supports it.
//
// MergeIndex assumes it is the only writer of channel's index.
func (ix *Indexer) MergeIndex(ctx context.Context, channel string, keys []string) (manifest *Manifest, err error) {
	ctx, span := ix.startSpan(ctx, "condamap.MergeIndex", channel)
	defer func() { endSpan(span, err) }()

	if keys == nil {
		if keys, err = ix.PendingPartials(ctx, channel); err != nil {
			return nil, err
		}
	}
	keys = slices.Compact(slices.Sorted(slices.Values(keys)))

	current, err := ix.Manifest(ctx, channel)
	if err != nil {
		return nil, err
	}

	idx, err := ix.loadGeneration(ctx, current)
	if err != nil {
		return nil, err
	}

	hashes := tree.NewMemory()
	if err := ix.replay(ctx, hashes, idx); err != nil {
		return nil, err
	}

	candidates, consumed, err := ix.collectPartials(ctx, channel, idx, keys)
	if err != nil {
		return nil, err
	}

	added, err := ix.existingRecords(ctx, channel, candidates)
	if err != nil {
		return nil, err
	}

	manifest = current
	if len(added) > 0 {
		if manifest, err = ix.commit(ctx, idx, current, hashes, added); err != nil {
			return nil, err
		}
	}

	ix.removePartials(ctx, channel, consumed)

	ix.metrics.partialsMerged.WithLabelValues(channel).Add(float64(len(consumed)))
	ix.metrics.indexEntries.WithLabelValues(channel).Set(float64(manifest.Version))
	span.SetAttributes(
		attribute.Int("condamap.partials", len(consumed)),
		attribute.Int("condamap.added", len(added)),
		attribute.Int64("condamap.version", manifest.Version),
	)
	ix.log.InfoContext(ctx, "merged partial indices",
		"channel", channel,
		"partials", len(consumed),
		"rejected", len(keys)-len(consumed),
		"added", len(added),
		"version", manifest.Version,
	)

	return manifest, nil
}

// replay rebuilds the Merkle log of idx and checks it against the stored tree hash.
func (ix *Indexer) replay(ctx context.Context, hashes tree.HashStore, idx *MasterIndex) error {
	records := make([][]byte, len(idx.Entries))
	for i, e := range idx.Entries {
		records[i] = tree.EntryData(e.ContentHash, e.Key)
	}

	if err := tree.Append(ctx, hashes, records...); err != nil {
		return fmt.Errorf("failed to replay master index: %s, %w", idx.Channel, err)
	}

	if idx.Version == 0 {
		return nil
	}

	got, err := tree.TreeHash(ctx, hashes)
	if err != nil {
		return err
	}

	if got.String() != idx.TreeHash {
		return fmt.Errorf("master index %s at version %d fails its tree hash", idx.Channel, idx.Version)
	}

	return nil
}

// collectPartials reads keys and returns the entries not yet in idx, deduplicated
// by content hash, together with the keys that were read successfully.
func (ix *Indexer) collectPartials(ctx context.Context, channel string, idx *MasterIndex, keys []string) ([]IndexEntry, []string, error) {
	fresh := make(map[string]IndexEntry)
	consumed := make([]string, 0, len(keys))

	for _, key := range keys {
		data, err := ix.store.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			ix.log.WarnContext(ctx, "partial index disappeared before merge", "channel", channel, "key", key)
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read partial index: %s, %w", key, err)
		}

		p, err := decodePartial(data)
		if err == nil && p.Channel != channel {
			err = fmt.Errorf("%w: belongs to channel %s", ErrMalformedPartialIndex, p.Channel)
		}
		if err != nil {
			ix.metrics.partialsRejected.WithLabelValues(channel).Inc()
			ix.log.WarnContext(ctx, "skipping malformed partial index", "channel", channel, "key", key, "error", err)
			continue
		}

		for _, e := range p.Entries {
			if idx.Has(e.ContentHash) {
				continue
			}
			fresh[e.ContentHash] = e
		}
		consumed = append(consumed, key)
	}

	entries := make([]IndexEntry, 0, len(fresh))
	for _, e := range fresh {
		entries = append(entries, e)
	}
	slices.SortFunc(entries, compareEntries)

	return entries, consumed, nil
}

// existingRecords drops the entries whose record is missing.
func (ix *Indexer) existingRecords(ctx context.Context, channel string, entries []IndexEntry) ([]IndexEntry, error) {
	found := make([]bool, len(entries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.workers)
	for i, e := range entries {
		g.Go(func() error {
			ok, err := ix.HasRecord(gctx, e.ContentHash)
			if err != nil {
				return err
			}
			found[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	kept := entries[:0]
	for i, e := range entries {
		if !found[i] {
			ix.log.WarnContext(ctx, "dropping entry without record", "channel", channel, "sha256", e.ContentHash)
			continue
		}
		kept = append(kept, e)
	}

	return kept, nil
}

// commit writes the next generation of idx and swaps the manifest to it.
func (ix *Indexer) commit(ctx context.Context, idx *MasterIndex, current *Manifest, hashes tree.HashStore, added []IndexEntry) (*Manifest, error) {
	records := make([][]byte, len(added))
	for i, e := range added {
		records[i] = tree.EntryData(e.ContentHash, e.Key)
	}

	if err := tree.Append(ctx, hashes, records...); err != nil {
		return nil, fmt.Errorf("failed to extend master index log: %s, %w", idx.Channel, err)
	}

	th, err := tree.TreeHash(ctx, hashes)
	if err != nil {
		return nil, err
	}

	next := &MasterIndex{
		Channel:  idx.Channel,
		Version:  int64(len(idx.Entries) + len(added)),
		TreeHash: th.String(),
		Entries:  append(slices.Clip(idx.Entries), added...),
	}

	data, err := encodeIndex(next)
	if err != nil {
		return nil, err
	}

	key := GenerationKey(next.Channel, next.Version, generationDigest(data))

	// The key names the content, so an existing generation is this one.
	if err := ix.store.Put(ctx, key, data, PutOptions{}); err != nil && !errors.Is(err, ErrExists) {
		return nil, fmt.Errorf("failed to write master index: %s, %w", key, err)
	}

	m := &Manifest{
		Channel:   next.Channel,
		Version:   next.Version,
		TreeHash:  next.TreeHash,
		Key:       key,
		Previous:  current.Key,
		UpdatedAt: ix.now().UTC(),
	}
	if err := ix.signManifest(m); err != nil {
		return nil, err
	}

	mdata, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}

	if err := ix.store.Put(ctx, ManifestKey(m.Channel), mdata, PutOptions{Overwrite: true}); err != nil {
		return nil, fmt.Errorf("failed to swap manifest: %s, %w", m.Channel, err)
	}

	return m, nil
}

// removePartials deletes merged partial indices. Failures only leave inputs that a
// later merge folds in again as a no-op.
func (ix *Indexer) removePartials(ctx context.Context, channel string, keys []string) {
	if !ix.store.canDelete() {
		return
	}

	for _, key := range keys {
		if err := ix.store.Delete(ctx, key); err != nil {
			ix.log.WarnContext(ctx, "failed to delete merged partial index", "channel", channel, "key", key, "error", err)
		}
	}
}

func parseTreeHash(s string) (tlog.Hash, error) {
	h, err := tlog.ParseHash(s)
	if err != nil {
		return tlog.Hash{}, fmt.Errorf("invalid tree hash: %q, %w", s, err)
	}

	return h, nil
}
