package condamap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
)

// PutRecord stores rec as the ArtifactRecord of hash. Records are write-once: when
// a record with identical content already exists the call succeeds without writing,
// and when the existing content differs it fails with ErrStorageWriteConflict.
//
// created reports whether the record was written by this call (or by a concurrent
// identical call it was collapsed with).
func (ix *Indexer) PutRecord(ctx context.Context, hash string, rec *ArtifactRecord) (bool, error) {
	if err := validate.Var(hash, "len=64,hexadecimal,lowercase"); err != nil {
		return false, fmt.Errorf("invalid content hash: %q, %w", hash, err)
	}

	data, err := encodeRecord(rec)
	if err != nil {
		return false, fmt.Errorf("failed to encode record: %s, %w", hash, err)
	}

	// Writers of different content for the same hash must not share a flight, or the
	// conflict would go unnoticed.
	key := hash + "/" + generationDigest(data)
	result, err, _ := ix.recordGroup.Do(key, func() (any, error) {
		return ix.putRecord(ctx, hash, data)
	})
	if err != nil {
		return false, err
	}

	return result.(bool), nil
}

func (ix *Indexer) putRecord(ctx context.Context, hash string, data []byte) (bool, error) {
	err := ix.store.Put(ctx, RecordKey(hash), data, PutOptions{})
	if err == nil {
		return true, nil
	}

	if !errors.Is(err, ErrExists) {
		return false, fmt.Errorf("failed to write record: %s, %w", hash, err)
	}

	existing, err := ix.store.Get(ctx, RecordKey(hash))
	if err != nil {
		return false, fmt.Errorf("failed to read existing record: %s, %w", hash, err)
	}

	if !bytes.Equal(existing, data) {
		return false, fmt.Errorf("%w: record %s already holds different content", ErrStorageWriteConflict, hash)
	}

	return false, nil
}

// GetRecord returns the ArtifactRecord of hash.
// Returns ErrNotFound if no record was written for hash.
func (ix *Indexer) GetRecord(ctx context.Context, hash string) (*ArtifactRecord, error) {
	data, err := ix.store.Get(ctx, RecordKey(hash))
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %s, %w", hash, err)
	}

	return decodeRecord(data)
}

// HasRecord reports whether an ArtifactRecord exists for hash.
func (ix *Indexer) HasRecord(ctx context.Context, hash string) (bool, error) {
	ok, err := ix.store.Exists(ctx, RecordKey(hash))
	if err != nil {
		return false, fmt.Errorf("failed to check record: %s, %w", hash, err)
	}

	return ok, nil
}
