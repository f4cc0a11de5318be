package condamap

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/pseudomuto/condamap/internal/tree"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const (
	// RelationsFormatVersion is bumped whenever the table or fragment layout changes.
	// A table written with another format version is rebuilt from scratch.
	RelationsFormatVersion = "1"

	ModeFull        = "full"
	ModeIncremental = "incremental"
)

// BuildRelations derives the relations table, its metadata and the lookup fragments
// of channel from the current master index.
//
// A full rebuild happens when there is no usable prior table, when the index moved
// backwards, or when it grew by more than the staleness threshold since the last
// full rebuild. Otherwise only the entries appended since the last build are read
// and only the fragments of the registry names they touch are rewritten. When the
// table is already current the stored metadata is returned and nothing is written.
func (ix *Indexer) BuildRelations(ctx context.Context, channel string) (meta *RelationsMetadata, err error) {
	ctx, span := ix.startSpan(ctx, "condamap.BuildRelations", channel)
	defer func() { endSpan(span, err) }()

	idx, err := ix.LoadIndex(ctx, channel)
	if err != nil {
		return nil, err
	}

	prev, table, err := ix.loadRelations(ctx, channel)
	if err != nil {
		return nil, err
	}

	full, err := ix.needsFullRebuild(ctx, idx, prev, table)
	if err != nil {
		return nil, err
	}
	if !full && prev.SourceIndexVersion == idx.Version {
		ix.log.InfoContext(ctx, "relations are current", "channel", channel, "version", idx.Version)
		return prev, nil
	}

	entries := idx.Entries
	if !full {
		entries = idx.Since(prev.SourceIndexVersion)
	}

	rows, err := ix.relationRows(ctx, channel, entries)
	if err != nil {
		return nil, err
	}

	next := &RelationsTable{Channel: channel, Relations: rows}
	if !full {
		next.Relations = append(slices.Clip(table.Relations), rows...)
	}
	sortRelations(next)

	var touched []string
	if full {
		touched = registryNames(next.Relations)
	} else {
		touched = registryNames(rows)
	}

	written, err := ix.writeFragments(ctx, next, touched, full)
	if err != nil {
		return nil, err
	}

	data, err := encodeTable(next)
	if err != nil {
		return nil, err
	}

	if err := ix.store.Put(ctx, RelationsKey(channel), data, PutOptions{Overwrite: true}); err != nil {
		return nil, fmt.Errorf("failed to write relations table: %s, %w", channel, err)
	}

	meta = &RelationsMetadata{
		FormatVersion:          RelationsFormatVersion,
		Channel:                channel,
		GeneratedAt:            ix.now().UTC(),
		Mode:                   ModeIncremental,
		TotalRelations:         len(next.Relations),
		UniqueCondaPackages:    countUnique(next.Relations, func(r Relation) string { return r.CondaName }),
		UniqueRegistryPackages: countUnique(next.Relations, func(r Relation) string { return r.RegistryName }),
		SourceIndexVersion:     idx.Version,
		SourceTreeHash:         idx.TreeHash,
		FragmentsWritten:       written,
	}
	if full {
		meta.Mode = ModeFull
		meta.LastFullRebuildVersion = idx.Version
	} else {
		meta.LastFullRebuildVersion = prev.LastFullRebuildVersion
	}

	// Metadata goes last: a build that fails before this point is redone from the
	// previous source version on the next run.
	mdata, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode relations metadata: %w", err)
	}

	if err := ix.store.Put(ctx, RelationsMetadataKey(channel), mdata, PutOptions{Overwrite: true}); err != nil {
		return nil, fmt.Errorf("failed to write relations metadata: %s, %w", channel, err)
	}

	ix.metrics.relationRows.WithLabelValues(channel).Set(float64(meta.TotalRelations))
	ix.metrics.fragmentsWritten.WithLabelValues(channel).Add(float64(written))
	span.SetAttributes(
		attribute.String("condamap.mode", meta.Mode),
		attribute.Int("condamap.relations", meta.TotalRelations),
		attribute.Int("condamap.fragments", written),
	)
	ix.log.InfoContext(ctx, "built relations",
		"channel", channel,
		"mode", meta.Mode,
		"entries", len(entries),
		"relations", meta.TotalRelations,
		"fragments", written,
		"version", idx.Version,
	)

	return meta, nil
}

// Relations returns the stored relations table of channel.
func (ix *Indexer) Relations(ctx context.Context, channel string) (*RelationsTable, error) {
	data, err := ix.store.Get(ctx, RelationsKey(channel))
	if err != nil {
		return nil, fmt.Errorf("failed to read relations table: %s, %w", channel, err)
	}

	return decodeTable(channel, data)
}

// Fragment returns the stored lookup fragment of a registry name.
func (ix *Indexer) Fragment(ctx context.Context, channel, name string) (*LookupFragment, error) {
	data, err := ix.store.Get(ctx, FragmentKey(channel, name))
	if err != nil {
		return nil, fmt.Errorf("failed to read lookup fragment: %s, %w", name, err)
	}

	var f LookupFragment
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode lookup fragment: %s, %w", name, err)
	}

	return &f, nil
}

// loadRelations returns the stored metadata and table, or nils when either is missing.
func (ix *Indexer) loadRelations(ctx context.Context, channel string) (*RelationsMetadata, *RelationsTable, error) {
	data, err := ix.store.Get(ctx, RelationsMetadataKey(channel))
	if errors.Is(err, ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read relations metadata: %s, %w", channel, err)
	}

	var meta RelationsMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		ix.log.WarnContext(ctx, "ignoring unreadable relations metadata", "channel", channel, "error", err)
		return nil, nil, nil
	}

	table, err := ix.Relations(ctx, channel)
	if errors.Is(err, ErrNotFound) {
		return &meta, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	return &meta, table, nil
}

func (ix *Indexer) needsFullRebuild(ctx context.Context, idx *MasterIndex, prev *RelationsMetadata, table *RelationsTable) (bool, error) {
	switch {
	case prev == nil, table == nil:
		return true, nil
	case prev.FormatVersion != RelationsFormatVersion, prev.Channel != idx.Channel:
		return true, nil
	case idx.Version < prev.SourceIndexVersion:
		return true, nil
	case idx.Version-prev.LastFullRebuildVersion > ix.staleness:
		return true, nil
	case prev.SourceIndexVersion == 0:
		return false, nil
	}

	// The table may only be extended when it was built from a prefix of this log.
	th, err := prefixTreeHash(ctx, idx, prev.SourceIndexVersion)
	if err != nil {
		return false, err
	}

	if th != prev.SourceTreeHash {
		ix.log.WarnContext(ctx, "relations were built from another index history",
			"channel", idx.Channel,
			"version", prev.SourceIndexVersion,
			"tree_hash", prev.SourceTreeHash,
		)
		return true, nil
	}

	return false, nil
}

// prefixTreeHash returns the tree hash of the first n entries of idx.
func prefixTreeHash(ctx context.Context, idx *MasterIndex, n int64) (string, error) {
	if n == idx.Version {
		return idx.TreeHash, nil
	}

	records := make([][]byte, n)
	for i, e := range idx.Entries[:n] {
		records[i] = tree.EntryData(e.ContentHash, e.Key)
	}

	hashes := tree.NewMemory()
	if err := tree.Append(ctx, hashes, records...); err != nil {
		return "", fmt.Errorf("failed to replay master index: %s, %w", idx.Channel, err)
	}

	th, err := tree.TreeHash(ctx, hashes)
	if err != nil {
		return "", err
	}

	return th.String(), nil
}

// relationRows reads the records of entries and returns one row per registry name.
// A missing record is an integrity error.
func (ix *Indexer) relationRows(ctx context.Context, channel string, entries []IndexEntry) ([]Relation, error) {
	perEntry := make([][]Relation, len(entries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.workers)
	for i, e := range entries {
		g.Go(func() error {
			rec, err := ix.GetRecord(gctx, e.ContentHash)
			if err != nil {
				return fmt.Errorf("index entry without readable record: %w", err)
			}

			for _, name := range slices.Sorted(maps.Keys(rec.Versions)) {
				perEntry[i] = append(perEntry[i], Relation{
					CondaName:       rec.CondaName,
					CondaFilename:   rec.PackageName,
					CondaHash:       e.ContentHash,
					RegistryName:    name,
					RegistryVersion: rec.Versions[name],
					Channel:         channel,
					DirectURL:       rec.Provenance,
				})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return slices.Concat(perEntry...), nil
}

// writeFragments writes the lookup fragment of every name. With skipUnchanged, a
// fragment whose stored bytes already match is left alone.
func (ix *Indexer) writeFragments(ctx context.Context, t *RelationsTable, names []string, skipUnchanged bool) (int, error) {
	lookup := t.Lookup()
	written := make([]bool, len(names))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.workers)
	for i, name := range names {
		g.Go(func() error {
			data, err := json.Marshal(&LookupFragment{
				FormatVersion: RelationsFormatVersion,
				Channel:       t.Channel,
				RegistryName:  name,
				Versions:      lookup[name],
			})
			if err != nil {
				return fmt.Errorf("failed to encode lookup fragment: %s, %w", name, err)
			}

			key := FragmentKey(t.Channel, name)
			if skipUnchanged {
				existing, err := ix.store.Get(gctx, key)
				if err == nil && bytes.Equal(existing, data) {
					return nil
				}
				if err != nil && !errors.Is(err, ErrNotFound) {
					return fmt.Errorf("failed to read lookup fragment: %s, %w", name, err)
				}
			}

			if err := ix.store.Put(gctx, key, data, PutOptions{Overwrite: true}); err != nil {
				return fmt.Errorf("failed to write lookup fragment: %s, %w", name, err)
			}
			written[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	n := 0
	for _, w := range written {
		if w {
			n++
		}
	}
	return n, nil
}

// sortRelations orders rows and drops repeats of the same artifact and registry name.
func sortRelations(t *RelationsTable) {
	slices.SortFunc(t.Relations, func(a, b Relation) int {
		return cmp.Or(
			cmp.Compare(a.RegistryName, b.RegistryName),
			cmp.Compare(a.RegistryVersion, b.RegistryVersion),
			cmp.Compare(a.CondaName, b.CondaName),
			cmp.Compare(a.CondaHash, b.CondaHash),
		)
	})

	t.Relations = slices.CompactFunc(t.Relations, func(a, b Relation) bool {
		return a.CondaHash == b.CondaHash && a.RegistryName == b.RegistryName
	})
}

func registryNames(rows []Relation) []string {
	names := make([]string, 0, len(rows))
	for _, r := range rows {
		names = append(names, r.RegistryName)
	}

	slices.Sort(names)
	return slices.Compact(names)
}

func countUnique(rows []Relation, key func(Relation) string) int {
	seen := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		seen[key(r)] = struct{}{}
	}
	return len(seen)
}
