// Package tree maintains the Merkle log that commits to the entry order of a
// master index, using tlog.
package tree

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/mod/sumdb/tlog"
)

type (
	// HashStore defines the interface for hash storage operations.
	HashStore interface {
		ReadHashes(ctx context.Context, indexes []int64) ([]tlog.Hash, error)
		WriteHashes(ctx context.Context, indexes []int64, hashes []tlog.Hash) error
		TreeSize(ctx context.Context) (int64, error)
		SetTreeSize(ctx context.Context, size int64) error
	}

	// Memory is a HashStore held entirely in memory. It is safe for concurrent use.
	Memory struct {
		mu     sync.RWMutex
		hashes map[int64]tlog.Hash
		size   int64
	}

	// hashReader adapts a HashStore to implement tlog.HashReader.
	hashReader struct {
		ctx   context.Context
		store HashStore
	}
)

// NewMemory returns an empty in-memory HashStore.
func NewMemory() *Memory {
	return &Memory{hashes: make(map[int64]tlog.Hash)}
}

// EntryData returns the log record for one index entry.
func EntryData(contentHash, key string) []byte {
	return fmt.Appendf(nil, "%s %s\n", contentHash, key)
}

// AddRecord computes and stores the hashes for a new record at the given ID.
// The caller must ensure that id equals the current tree size (i.e., this is
// an append operation). After successful completion, the tree size is incremented.
func AddRecord(ctx context.Context, store HashStore, id int64, data []byte) error {
	hr := &hashReader{ctx: ctx, store: store}

	hashes, err := tlog.StoredHashes(id, data, hr)
	if err != nil {
		return fmt.Errorf("failed to compute hashes for record %d: %w", id, err)
	}

	indexes := storedHashIndexes(id, len(hashes))
	if len(indexes) != len(hashes) {
		return fmt.Errorf("indexes and hashes length mismatch: %d != %d", len(indexes), len(hashes))
	}

	if len(indexes) == 0 {
		return nil
	}

	if err := store.WriteHashes(ctx, indexes, hashes); err != nil {
		return fmt.Errorf("failed to write hashes for record %d: %w", id, err)
	}

	if err := store.SetTreeSize(ctx, id+1); err != nil {
		return fmt.Errorf("failed to update tree size: %w", err)
	}

	return nil
}

// Append adds records to the end of the log, in order.
func Append(ctx context.Context, store HashStore, records ...[]byte) error {
	size, err := store.TreeSize(ctx)
	if err != nil {
		return fmt.Errorf("failed to get tree size: %w", err)
	}

	for i, data := range records {
		if err := AddRecord(ctx, store, size+int64(i), data); err != nil {
			return err
		}
	}

	return nil
}

// TreeHash returns the current root hash of the tree.
func TreeHash(ctx context.Context, store HashStore) (tlog.Hash, error) {
	size, err := store.TreeSize(ctx)
	if err != nil {
		return tlog.Hash{}, fmt.Errorf("failed to get tree size: %w", err)
	}

	if size == 0 {
		return tlog.Hash{}, nil
	}

	hr := &hashReader{ctx: ctx, store: store}
	hash, err := tlog.TreeHash(size, hr)
	if err != nil {
		return tlog.Hash{}, fmt.Errorf("failed to compute tree hash: %w", err)
	}

	return hash, nil
}

// ReadHashes implements tlog.HashReader.
func (r *hashReader) ReadHashes(indexes []int64) ([]tlog.Hash, error) {
	return r.store.ReadHashes(r.ctx, indexes)
}

// storedHashIndexes computes the storage indexes for hashes produced by
// tlog.StoredHashes(id, data, hr).
//
// When adding record id, StoredHashes returns 1 + (trailing 1-bits in id) hashes:
//   - Hash 0: leaf hash at (level=0, n=id)
//   - Hash k (for k >= 1): subtree root at (level=k, n=id>>k)
func storedHashIndexes(id int64, count int) []int64 {
	indexes := make([]int64, count)
	for i := range count {
		indexes[i] = tlog.StoredHashIndex(i, id>>i)
	}
	return indexes
}

// ReadHashes implements HashStore.
func (m *Memory) ReadHashes(_ context.Context, indexes []int64) ([]tlog.Hash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]tlog.Hash, len(indexes))
	for i, idx := range indexes {
		h, ok := m.hashes[idx]
		if !ok {
			return nil, fmt.Errorf("missing hash at index %d", idx)
		}
		result[i] = h
	}
	return result, nil
}

// WriteHashes implements HashStore.
func (m *Memory) WriteHashes(_ context.Context, indexes []int64, hashes []tlog.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, idx := range indexes {
		m.hashes[idx] = hashes[i]
	}
	return nil
}

// TreeSize implements HashStore.
func (m *Memory) TreeSize(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size, nil
}

// SetTreeSize implements HashStore.
func (m *Memory) SetTreeSize(_ context.Context, size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.size = size
	return nil
}
