package condamap_test

import (
	"slices"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/pseudomuto/condamap"
	"github.com/pseudomuto/condamap/internal/memstore"
	"github.com/stretchr/testify/require"
)

// putPartial stores a partial index for hashes, as an updater shard would.
func putPartial(t *testing.T, store BlobStore, channel string, shard ShardID, hashes ...string) string {
	t.Helper()

	p := &PartialIndex{
		Channel: channel,
		Shard:   shard,
		RunID:   uuid.NewString(),
	}
	for _, h := range hashes {
		p.Entries = append(p.Entries, IndexEntry{ContentHash: h, Key: RecordKey(h)})
	}

	data, err := EncodePartial(p)
	require.NoError(t, err)

	key := PartialKey(channel, shard, p.RunID)
	require.NoError(t, store.Put(t.Context(), key, data, PutOptions{}))
	return key
}

func TestMergeIndex(t *testing.T) {
	store := memstore.New()
	src := newFakeSource()
	numpy, zlib, six := seedChannel(src)

	ix := newIndexer(t, store, src)
	m := indexAll(t, ix)
	require.Equal(t, testChannel, m.Channel)
	require.Equal(t, int64(3), m.Version)
	require.NotEmpty(t, m.TreeHash)
	require.Empty(t, m.Previous)
	require.True(t, strings.HasPrefix(m.Key, "hash-v0/conda-forge/index/3-"))
	require.True(t, testClock().Equal(m.UpdatedAt))

	idx, err := ix.LoadIndex(t.Context(), testChannel)
	require.NoError(t, err)
	require.Equal(t, m.TreeHash, idx.TreeHash)
	require.Equal(t, int64(idx.Len()), idx.Version)
	require.ElementsMatch(t, []string{numpy.ContentHash, zlib.ContentHash, six.ContentHash}, entryHashes(idx))

	for _, h := range entryHashes(idx) {
		e, ok := idx.Lookup(h)
		require.True(t, ok)
		require.Equal(t, RecordKey(h), e.Key)
	}

	// Consumed partial indices are removed.
	pending, err := ix.PendingPartials(t.Context(), testChannel)
	require.NoError(t, err)
	require.Empty(t, pending)

	t.Run("nothing to merge", func(t *testing.T) {
		again, err := ix.MergeIndex(t.Context(), testChannel, nil)
		require.NoError(t, err)
		require.Equal(t, m.Key, again.Key)
		require.Equal(t, m.TreeHash, again.TreeHash)
	})

	t.Run("already indexed entries", func(t *testing.T) {
		putPartial(t, store, testChannel, "linux-64@n", numpy.ContentHash)

		again, err := ix.MergeIndex(t.Context(), testChannel, nil)
		require.NoError(t, err)
		require.Equal(t, m.Key, again.Key)
		require.Equal(t, int64(3), again.Version)
	})
}

func TestMergeIndex_MonotonicGrowth(t *testing.T) {
	store := memstore.New()
	src := newFakeSource()
	seedChannel(src)

	ix := newIndexer(t, store, src)
	first := indexAll(t, ix)

	before, err := ix.LoadIndex(t.Context(), testChannel)
	require.NoError(t, err)

	src.add("linux-64", Artifact{Filename: "bzip2-1.0.8-h4bc722e_7.conda", Name: "bzip2", Version: "1.0.8"})
	src.add("noarch", Artifact{Filename: "requests-2.32.3-pyhd8ed1ab_0.conda", Name: "requests", Version: "2.32.3"},
		"site-packages/requests-2.32.3.dist-info/METADATA")
	second := indexAll(t, ix)
	require.Equal(t, int64(5), second.Version)
	require.Equal(t, first.Key, second.Previous)
	require.NotEqual(t, first.TreeHash, second.TreeHash)

	after, err := ix.LoadIndex(t.Context(), testChannel)
	require.NoError(t, err)
	require.Equal(t, before.Entries, after.Entries[:before.Len()])
	require.Len(t, after.Since(before.Version), 2)

	// Earlier generations stay readable.
	ok, err := store.Exists(t.Context(), first.Key)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMergeIndex_OverlappingShards(t *testing.T) {
	store := memstore.New()
	src := newFakeSource()
	numpy, _, _ := seedChannel(src)

	a := newIndexer(t, store, src)
	b := newIndexer(t, store, src)

	_, err := a.DiscoverWork(t.Context(), testChannel, nil)
	require.NoError(t, err)

	pa, err := a.ProcessShard(t.Context(), testChannel, "linux-64@n")
	require.NoError(t, err)
	require.Len(t, pa.Entries, 1)

	// A duplicate delivery of the same shard.
	pb, err := b.ProcessShard(t.Context(), testChannel, "linux-64@n")
	require.NoError(t, err)
	require.Empty(t, pb.Entries)

	// And a racing updater that reported the same entry.
	putPartial(t, store, testChannel, "linux-64@n", numpy.ContentHash)

	m, err := a.MergeIndex(t.Context(), testChannel, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), m.Version)

	idx, err := a.LoadIndex(t.Context(), testChannel)
	require.NoError(t, err)
	require.Equal(t, []string{numpy.ContentHash}, entryHashes(idx))
}

func TestMergeIndex_Commutative(t *testing.T) {
	hashes := []string{hashOf("a"), hashOf("b"), hashOf("c"), hashOf("d")}

	build := func(t *testing.T, groups ...[]string) *MasterIndex {
		t.Helper()

		store := memstore.New()
		ix := newIndexer(t, store, nil)
		for _, h := range hashes {
			_, err := ix.PutRecord(t.Context(), h, &ArtifactRecord{CondaName: h[:8], PackageName: h[:8] + ".conda"})
			require.NoError(t, err)
		}

		for _, g := range groups {
			key := putPartial(t, store, testChannel, "noarch@x", g...)
			_, err := ix.MergeIndex(t.Context(), testChannel, []string{key})
			require.NoError(t, err)
		}

		idx, err := ix.LoadIndex(t.Context(), testChannel)
		require.NoError(t, err)
		return idx
	}

	ab := build(t, hashes[:2], hashes[2:])
	ba := build(t, hashes[2:], hashes[:2])
	together := build(t, hashes)

	require.Equal(t, int64(4), ab.Version)
	require.Equal(t, int64(4), ba.Version)
	require.Equal(t, int64(4), together.Version)

	// Same entries, each history committing to its own order.
	want := slices.Sorted(slices.Values(hashes))
	require.ElementsMatch(t, want, entryHashes(ab))
	require.ElementsMatch(t, want, entryHashes(ba))
	require.Equal(t, want, entryHashes(together))
}

func TestMergeIndex_MalformedPartials(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	store := memstore.New()
	src := newFakeSource()
	numpy, _, _ := seedChannel(src)

	ix := newIndexer(t, store, src, WithRegisterer(reg))
	_, err := ix.PutRecord(t.Context(), numpy.ContentHash, numpyRecord())
	require.NoError(t, err)

	garbage := PartialPrefix(testChannel) + "linux-64@n/garbage.cbor"
	require.NoError(t, store.Put(t.Context(), garbage, []byte("not cbor"), PutOptions{}))

	foreign := putPartial(t, store, "bioconda", "linux-64@n", numpy.ContentHash)
	misplaced := PartialPrefix(testChannel) + "linux-64@n/foreign.cbor"
	data, err := store.Get(t.Context(), foreign)
	require.NoError(t, err)
	require.NoError(t, store.Put(t.Context(), misplaced, data, PutOptions{}))

	good := putPartial(t, store, testChannel, "linux-64@n", numpy.ContentHash)

	m, err := ix.MergeIndex(t.Context(), testChannel, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), m.Version)

	// Malformed inputs are left in place, the good one is consumed.
	pending, err := ix.PendingPartials(t.Context(), testChannel)
	require.NoError(t, err)
	require.Equal(t, []string{misplaced, garbage}, pending)

	ok, err := store.Exists(t.Context(), good)
	require.NoError(t, err)
	require.False(t, ok)

	expected := `
# HELP condamap_partials_merged_total Partial indices folded into a master index.
# TYPE condamap_partials_merged_total counter
condamap_partials_merged_total{channel="conda-forge"} 1
# HELP condamap_partials_rejected_total Malformed partial indices skipped by the merger.
# TYPE condamap_partials_rejected_total counter
condamap_partials_rejected_total{channel="conda-forge"} 2
# HELP condamap_index_entries Entries in the current master index.
# TYPE condamap_index_entries gauge
condamap_index_entries{channel="conda-forge"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"condamap_partials_merged_total",
		"condamap_partials_rejected_total",
		"condamap_index_entries",
	))
}

func TestMergeIndex_EntriesWithoutRecord(t *testing.T) {
	store := memstore.New()
	ix := newIndexer(t, store, nil)

	kept := hashOf("kept")
	_, err := ix.PutRecord(t.Context(), kept, &ArtifactRecord{CondaName: "kept"})
	require.NoError(t, err)

	putPartial(t, store, testChannel, "noarch@k", kept, hashOf("lost"))

	m, err := ix.MergeIndex(t.Context(), testChannel, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), m.Version)

	idx, err := ix.LoadIndex(t.Context(), testChannel)
	require.NoError(t, err)
	require.Equal(t, []string{kept}, entryHashes(idx))
}

func TestDecodePartial(t *testing.T) {
	valid := &PartialIndex{
		Channel: testChannel,
		Shard:   "noarch@s",
		RunID:   uuid.NewString(),
		Entries: []IndexEntry{{ContentHash: hashOf("six"), Key: RecordKey(hashOf("six"))}},
	}

	tests := []struct {
		name   string
		modify func(p *PartialIndex)
		valid  bool
	}{
		{"valid", func(*PartialIndex) {}, true},
		{"empty", func(p *PartialIndex) { p.Entries = nil }, true},
		{"missing channel", func(p *PartialIndex) { p.Channel = "" }, false},
		{"bad shard", func(p *PartialIndex) { p.Shard = "noarch" }, false},
		{"bad run id", func(p *PartialIndex) { p.RunID = "run-1" }, false},
		{"uppercase hash", func(p *PartialIndex) {
			p.Entries[0].ContentHash = strings.ToUpper(p.Entries[0].ContentHash)
		}, false},
		{"foreign key", func(p *PartialIndex) { p.Entries[0].Key = "hash-v0/elsewhere" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := *valid
			p.Entries = slices.Clone(valid.Entries)
			tt.modify(&p)

			data, err := EncodePartial(&p)
			require.NoError(t, err)

			_, err = DecodePartial(data)
			if tt.valid {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrMalformedPartialIndex)
		})
	}

	_, err := DecodePartial([]byte{0xff})
	require.ErrorIs(t, err, ErrMalformedPartialIndex)
}
