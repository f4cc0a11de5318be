package condamap_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"maps"
	"slices"
	"sync"
	"testing"
	"time"

	. "github.com/pseudomuto/condamap"
	"github.com/pseudomuto/condamap/internal/pypi"
	"github.com/stretchr/testify/require"
)

const testChannel = "conda-forge"

var testClock = func() time.Time { return time.Date(2025, 10, 21, 7, 28, 0, 0, time.UTC) }

// fakeSource is an in-memory channel with one catalog per partition.
type fakeSource struct {
	mu        sync.Mutex
	catalog   map[string][]Artifact
	metadata  map[string]*Metadata
	failFetch map[string]error
	listErr   error
	fetches   map[string]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		catalog:   make(map[string][]Artifact),
		metadata:  make(map[string]*Metadata),
		failFetch: make(map[string]error),
		fetches:   make(map[string]int),
	}
}

// add publishes an artifact whose archive installs files. The content hash is
// derived from the partition and filename unless a is given one.
func (s *fakeSource) add(partition string, a Artifact, files ...string) Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()

	a.Partition = partition
	if a.ContentHash == "" {
		a.ContentHash = hashOf(partition + "/" + a.Filename)
	}

	s.catalog[partition] = append(s.catalog[partition], a)
	s.metadata[a.ContentHash] = &Metadata{Artifact: a, Name: a.Name, Version: a.Version, Files: files}
	return a
}

func (s *fakeSource) setFetchError(hash string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		delete(s.failFetch, hash)
		return
	}
	s.failFetch[hash] = err
}

func (s *fakeSource) fetchCount(hash string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches[hash]
}

func (s *fakeSource) Partitions(_ context.Context, _ string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listErr != nil {
		return nil, s.listErr
	}
	return slices.Sorted(maps.Keys(s.catalog)), nil
}

func (s *fakeSource) ListArtifacts(_ context.Context, _, partition string) ([]Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listErr != nil {
		return nil, s.listErr
	}
	return slices.Clone(s.catalog[partition]), nil
}

func (s *fakeSource) FetchMetadata(_ context.Context, a Artifact) (*Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fetches[a.ContentHash]++
	if err := s.failFetch[a.ContentHash]; err != nil {
		return nil, err
	}

	m, ok := s.metadata[a.ContentHash]
	if !ok {
		return nil, fmt.Errorf("%w: no archive for %s", ErrResolutionMiss, a.Filename)
	}

	out := *m
	out.Artifact = a
	return &out, nil
}

func newIndexer(t *testing.T, store BlobStore, src Source, opts ...Option) *Indexer {
	t.Helper()

	base := []Option{
		WithStore(store),
		WithResolver(pypi.New()),
		WithRetry(1, time.Millisecond),
		WithClock(testClock),
		WithWorkers(4),
	}
	if src != nil {
		base = append(base, WithSource(src))
	}

	ix, err := New(append(base, opts...)...)
	require.NoError(t, err)
	return ix
}

func hashOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func distInfo(name, version string) string {
	return fmt.Sprintf("lib/python3.12/site-packages/%s-%s.dist-info/METADATA", name, version)
}

// seedChannel publishes numpy and zlib on linux-64 and six on noarch.
func seedChannel(src *fakeSource) (numpy, zlib, six Artifact) {
	numpy = src.add("linux-64", Artifact{
		Filename: "numpy-1.26.4-py312heda63a1_0.conda",
		Name:     "numpy",
		Version:  "1.26.4",
		Build:    "py312heda63a1_0",
	}, distInfo("numpy", "1.26.4"), "lib/python3.12/site-packages/numpy/__init__.py")

	zlib = src.add("linux-64", Artifact{
		Filename: "zlib-1.3.1-h4ab18f5_1.tar.bz2",
		Name:     "zlib",
		Version:  "1.3.1",
	}, "lib/libz.so.1.3.1")

	six = src.add("noarch", Artifact{
		Filename: "six-1.16.0-pyhd8ed1ab_0.conda",
		Name:     "six",
		Version:  "1.16.0",
	}, "site-packages/six-1.16.0.dist-info/METADATA")

	return numpy, zlib, six
}

// indexAll runs every stage once, in process.
func indexAll(t *testing.T, ix *Indexer) *Manifest {
	t.Helper()

	shards, err := ix.DiscoverWork(t.Context(), testChannel, nil)
	require.NoError(t, err)

	for _, s := range shards {
		_, err := ix.ProcessShard(t.Context(), testChannel, s)
		require.NoError(t, err)
	}

	m, err := ix.MergeIndex(t.Context(), testChannel, nil)
	require.NoError(t, err)
	return m
}

func entryHashes(idx *MasterIndex) []string {
	hashes := make([]string, len(idx.Entries))
	for i, e := range idx.Entries {
		hashes[i] = e.ContentHash
	}
	return hashes
}
