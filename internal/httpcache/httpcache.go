// Package httpcache stores conditional-request validators and bodies of channel
// index documents in BadgerDB, so unchanged repodata is not downloaded twice.
package httpcache

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
)

// DefaultTTL bounds how long an entry is kept without being refreshed.
const DefaultTTL = 7 * 24 * time.Hour

// Entry is a cached response.
type Entry struct {
	ETag         string    `cbor:"1,keyasint,omitempty"`
	LastModified string    `cbor:"2,keyasint,omitempty"`
	Body         []byte    `cbor:"3,keyasint"`
	StoredAt     time.Time `cbor:"4,keyasint"`
}

// Cache is a BadgerDB backed response cache. It is safe for concurrent use.
type Cache struct {
	db  *badger.DB
	ttl time.Duration
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open opens the cache in dir. An empty dir opens an in-memory cache.
func Open(dir string, logger *slog.Logger) (*Cache, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create cache directory %s: %w", dir, err)
		}
		opts = badger.DefaultOptions(dir)
	}

	opts = opts.WithNumVersionsToKeep(1)
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	return &Cache{db: db, ttl: DefaultTTL}, nil
}

// Close closes the database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Get returns the entry stored for url.
func (c *Cache) Get(url string) (*Entry, bool, error) {
	var e Entry
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(url))
		if err != nil {
			return err
		}

		return item.Value(func(v []byte) error {
			return cbor.Unmarshal(v, &e)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read cache entry %s: %w", url, err)
	}

	return &e, true, nil
}

// Put stores e for url.
func (c *Cache) Put(url string, e *Entry) error {
	data, err := cbor.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(url), data).WithTTL(c.ttl))
	})
	if err != nil {
		return fmt.Errorf("write cache entry %s: %w", url, err)
	}

	return nil
}
