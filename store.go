package condamap

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a requested key does not exist in the store.
	ErrNotFound = errors.New("key not found")

	// ErrExists is returned by BlobStore.Put when the key is already present and
	// PutOptions.Overwrite is false.
	ErrExists = errors.New("key already exists")
)

type (
	// PutOptions controls the behavior of BlobStore.Put.
	PutOptions struct {
		// Overwrite replaces an existing value. When false, Put fails with ErrExists
		// if the key is already present.
		Overwrite bool
	}

	// BlobStore defines the durable key/value persistence used by every stage.
	// Implementations must be safe for concurrent use.
	//
	// Keys are either content hashes or structured, slash separated paths (see
	// layout.go). With the exception of index manifests, relations outputs and
	// the producer snapshot, every key is written exactly once.
	BlobStore interface {
		// Get returns the value stored at key.
		// Returns ErrNotFound if the key does not exist.
		Get(ctx context.Context, key string) ([]byte, error)

		// Put stores data at key.
		// Returns ErrExists if the key exists and opts.Overwrite is false.
		Put(ctx context.Context, key string, data []byte, opts PutOptions) error

		// List returns all keys that start with prefix, in lexical order.
		List(ctx context.Context, prefix string) ([]string, error)

		// Exists reports whether key is present.
		Exists(ctx context.Context, key string) (bool, error)
	}

	// Deleter is an optional extension of BlobStore for stores that can remove keys.
	// When the configured store implements Deleter, consumed partial indices are
	// removed after a successful merge.
	//
	// Stores that cannot delete can simply implement BlobStore. Partial indices are
	// then left in place and re-merging them is a no-op.
	Deleter interface {
		BlobStore

		// Delete removes key. Deleting a missing key is not an error.
		Delete(ctx context.Context, key string) error
	}

	// Source is the read-only provider of a channel's artifact catalog.
	Source interface {
		// Partitions returns the platform partitions (subdirs) available in channel.
		Partitions(ctx context.Context, channel string) ([]string, error)

		// ListArtifacts returns the current catalog for one channel partition.
		ListArtifacts(ctx context.Context, channel, partition string) ([]Artifact, error)

		// FetchMetadata reads the package metadata embedded in an artifact.
		FetchMetadata(ctx context.Context, a Artifact) (*Metadata, error)
	}

	// Resolver maps artifact metadata to a registry mapping record. Implementations
	// must be pure: the same metadata always yields the same Resolution.
	Resolver interface {
		Resolve(m *Metadata) Resolution
	}
)
