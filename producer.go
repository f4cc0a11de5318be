package condamap

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// Artifact file extensions the updater can read.
var artifactExtensions = []string{".conda", ".tar.bz2"}

// DiscoverWork diffs the artifact catalog of channel against its master index and
// returns the non-empty shards of missing artifacts, ordered by partition then
// letter. When partitions is empty every partition of the channel is scanned.
//
// The requested index snapshot is written before returning, so ProcessShard sees
// exactly the work discovered here. Records that exist without an index entry are
// not queued again: they are emitted in a reconciliation partial index instead.
//
// A source failure aborts the run with ErrSourceUnavailable before anything is written.
func (ix *Indexer) DiscoverWork(ctx context.Context, channel string, partitions []string) (shards []ShardID, err error) {
	ctx, span := ix.startSpan(ctx, "condamap.DiscoverWork", channel)
	defer func() { endSpan(span, err) }()

	if ix.source == nil {
		return nil, errors.New("discovering work requires a Source")
	}

	if len(partitions) == 0 {
		partitions, err = retry(ctx, ix.retry, func() ([]string, error) {
			return ix.source.Partitions(ctx, channel)
		})
		if err != nil {
			return nil, sourceError(fmt.Errorf("failed to list partitions: %s, %w", channel, err))
		}
	}
	partitions = slices.Compact(slices.Sorted(slices.Values(partitions)))

	idx, err := ix.LoadIndex(ctx, channel)
	if err != nil {
		return nil, err
	}

	work := make(map[ShardID][]Artifact)
	seen := make(map[ShardID]map[string]struct{})
	for _, p := range partitions {
		artifacts, err := retry(ctx, ix.retry, func() ([]Artifact, error) {
			return ix.source.ListArtifacts(ctx, channel, p)
		})
		if err != nil {
			return nil, sourceError(fmt.Errorf("failed to list artifacts: %s/%s, %w", channel, p, err))
		}
		// Catalog order is not stable upstream; work lists and duplicate picks must be.
		slices.SortFunc(artifacts, compareArtifacts)

		for _, a := range artifacts {
			if !eligible(a) {
				continue
			}

			if a.ContentHash == "" {
				ix.log.WarnContext(ctx, "artifact has no content hash", "channel", channel, "subdir", p, "filename", a.Filename)
				continue
			}

			a.Channel = channel
			a.Partition = p
			a.ContentHash = strings.ToLower(a.ContentHash)
			if idx.Has(a.ContentHash) {
				continue
			}

			shard := NewShardID(p, ShardLetter(a))
			if seen[shard] == nil {
				seen[shard] = make(map[string]struct{})
			}
			if _, dup := seen[shard][a.ContentHash]; dup {
				continue
			}
			seen[shard][a.ContentHash] = struct{}{}
			work[shard] = append(work[shard], a)
		}
	}

	// Records without an entry are indexed here: the updater treats an existing
	// record as done and never emits an entry for it.
	if err := ix.reconcileOrphans(ctx, channel, idx.Version, work); err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Channel:      channel,
		IndexVersion: idx.Version,
		TreeHash:     idx.TreeHash,
		CreatedAt:    ix.now().UTC(),
		Shards:       work,
	}
	if err := ix.writeSnapshot(ctx, snap); err != nil {
		return nil, err
	}

	shards = sortedShards(work)
	ix.metrics.shardsDiscovered.WithLabelValues(channel).Add(float64(len(shards)))
	span.SetAttributes(attribute.Int("condamap.shards", len(shards)))
	ix.log.InfoContext(ctx, "discovered work",
		"channel", channel,
		"index_version", idx.Version,
		"partitions", len(partitions),
		"shards", len(shards),
	)

	return shards, nil
}

// Snapshot returns the requested index written by the last DiscoverWork of channel.
func (ix *Indexer) Snapshot(ctx context.Context, channel string) (*Snapshot, error) {
	data, err := ix.store.Get(ctx, SnapshotKey(channel))
	if err != nil {
		return nil, fmt.Errorf("failed to read requested index: %s, %w", channel, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode requested index: %s, %w", channel, err)
	}

	return &snap, nil
}

func (ix *Indexer) writeSnapshot(ctx context.Context, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode requested index: %w", err)
	}

	if err := ix.store.Put(ctx, SnapshotKey(snap.Channel), data, PutOptions{Overwrite: true}); err != nil {
		return fmt.Errorf("failed to write requested index: %s, %w", snap.Channel, err)
	}

	return nil
}

// reconcileOrphans removes artifacts whose record already exists from work and
// writes their index entries as one partial index per partition.
func (ix *Indexer) reconcileOrphans(ctx context.Context, channel string, version int64, work map[ShardID][]Artifact) error {
	type candidate struct {
		shard ShardID
		hash  string
		found bool
	}

	var candidates []*candidate
	for shard, artifacts := range work {
		for _, a := range artifacts {
			candidates = append(candidates, &candidate{shard: shard, hash: a.ContentHash})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.workers)
	for _, c := range candidates {
		g.Go(func() error {
			ok, err := ix.HasRecord(gctx, c.hash)
			if err != nil {
				return err
			}
			c.found = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	orphans := make(map[string]map[string]struct{})
	for _, c := range candidates {
		if !c.found {
			continue
		}

		p := c.shard.Partition()
		if orphans[p] == nil {
			orphans[p] = make(map[string]struct{})
		}
		orphans[p][c.hash] = struct{}{}

		work[c.shard] = slices.DeleteFunc(work[c.shard], func(a Artifact) bool { return a.ContentHash == c.hash })
		if len(work[c.shard]) == 0 {
			delete(work, c.shard)
		}
	}

	for p, hashes := range orphans {
		entries := make([]IndexEntry, 0, len(hashes))
		for h := range hashes {
			entries = append(entries, IndexEntry{ContentHash: h, Key: RecordKey(h)})
		}
		slices.SortFunc(entries, compareEntries)

		partial := &PartialIndex{
			Channel:      channel,
			Shard:        NewShardID(p, ReconcileLetter),
			RunID:        uuid.NewString(),
			IndexVersion: version,
			Entries:      entries,
			CreatedAt:    ix.now().UTC(),
		}
		if err := ix.writePartial(ctx, partial); err != nil {
			return err
		}

		ix.log.InfoContext(ctx, "reconciled orphan records", "channel", channel, "subdir", p, "records", len(entries))
	}

	return nil
}

func eligible(a Artifact) bool {
	for _, ext := range artifactExtensions {
		if strings.HasSuffix(a.Filename, ext) {
			return true
		}
	}
	return false
}

func sortedShards(work map[ShardID][]Artifact) []ShardID {
	shards := make([]ShardID, 0, len(work))
	for s, artifacts := range work {
		if len(artifacts) > 0 {
			shards = append(shards, s)
		}
	}

	slices.SortFunc(shards, func(a, b ShardID) int {
		if c := strings.Compare(a.Partition(), b.Partition()); c != 0 {
			return c
		}
		return strings.Compare(a.Letter(), b.Letter())
	})
	return shards
}

func compareArtifacts(a, b Artifact) int {
	return cmp.Or(
		strings.Compare(a.Filename, b.Filename),
		strings.Compare(strings.ToLower(a.ContentHash), strings.ToLower(b.ContentHash)),
	)
}

func compareEntries(a, b IndexEntry) int {
	return strings.Compare(a.ContentHash, b.ContentHash)
}

// sourceError marks err as a source failure unless it already is one.
func sourceError(err error) error {
	if errors.Is(err, ErrSourceUnavailable) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
}
