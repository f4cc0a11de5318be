// Package gcsstore implements condamap.BlobStore on a Google Cloud Storage bucket.
package gcsstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/pseudomuto/condamap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// Store keeps every key as an object named <prefix>/<key> in one bucket.
// Write-once semantics come from DoesNotExist preconditions, so concurrent
// writers racing on a key are arbitrated by GCS itself.
type Store struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
}

// Open creates a client and returns a Store for bucket. When credentialsFile is
// empty, application default credentials are used.
func Open(ctx context.Context, bucket, prefix, credentialsFile string) (*Store, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); err != nil {
			return nil, fmt.Errorf("service account key not readable: %s, %w", credentialsFile, err)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}

	return New(client, bucket, prefix), nil
}

// New returns a Store using an existing client.
func New(client *storage.Client, bucket, prefix string) *Store {
	return &Store{
		client: client,
		bucket: client.Bucket(bucket),
		prefix: strings.Trim(prefix, "/"),
	}
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Get implements condamap.BlobStore.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := s.bucket.Object(s.objectName(key)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, condamap.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open GCS object %s: %w", key, err)
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read GCS object %s: %w", key, err)
	}

	return data, nil
}

// Put implements condamap.BlobStore.
func (s *Store) Put(ctx context.Context, key string, data []byte, opts condamap.PutOptions) error {
	obj := s.bucket.Object(s.objectName(key))
	if !opts.Overwrite {
		obj = obj.If(storage.Conditions{DoesNotExist: true})
	}

	w := obj.NewWriter(ctx)
	w.ContentType = contentType(key)
	if opts.Overwrite {
		w.CacheControl = "no-cache, no-store, must-revalidate"
	}

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write GCS object %s: %w", key, err)
	}

	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			return condamap.ErrExists
		}
		return fmt.Errorf("failed to close GCS writer for %s: %w", key, err)
	}

	return nil
}

// List implements condamap.BlobStore. GCS lists in lexical order.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: s.objectName(prefix)})

	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return keys, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list GCS objects under %s: %w", prefix, err)
		}

		keys = append(keys, s.keyOf(attrs.Name))
	}
}

// Exists implements condamap.BlobStore.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.bucket.Object(s.objectName(key)).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat GCS object %s: %w", key, err)
	}

	return true, nil
}

// Delete implements condamap.Deleter.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.bucket.Object(s.objectName(key)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete GCS object %s: %w", key, err)
	}

	return nil
}

func (s *Store) objectName(key string) string {
	if s.prefix == "" {
		return key
	}

	// path.Join would drop the trailing slash List prefixes rely on.
	return s.prefix + "/" + key
}

func (s *Store) keyOf(name string) string {
	if s.prefix == "" {
		return name
	}
	return strings.TrimPrefix(name, s.prefix+"/")
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

func contentType(key string) string {
	switch path.Ext(key) {
	case ".json":
		return "application/json"
	case ".gz":
		return "application/gzip"
	case ".zst":
		return "application/zstd"
	case ".cbor":
		return "application/cbor"
	default:
		return "application/json"
	}
}
