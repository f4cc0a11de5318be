package condamap

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Option configures an Indexer instance.
type Option func(*Indexer)

// WithStore sets the BlobStore holding records, indices and relations.
func WithStore(s BlobStore) Option {
	return func(ix *Indexer) { ix.rawStore = s }
}

// WithSource sets the artifact source used to list channel catalogs.
func WithSource(s Source) Option {
	return func(ix *Indexer) { ix.source = s }
}

// WithResolver sets the mapping resolver applied to artifact metadata.
func WithResolver(r Resolver) Option {
	return func(ix *Indexer) { ix.resolver = r }
}

// WithLogger sets the structured logger. Logging is discarded by default.
func WithLogger(l *slog.Logger) Option {
	return func(ix *Indexer) { ix.log = l }
}

// WithWorkers bounds the number of artifacts or records processed concurrently
// within a single stage invocation.
func WithWorkers(n int) Option {
	return func(ix *Indexer) {
		if n > 0 {
			ix.workers = n
		}
	}
}

// WithStalenessThreshold sets how many entries the master index may grow past the
// last full relations rebuild before the relations builder rebuilds from scratch.
func WithStalenessThreshold(n int64) Option {
	return func(ix *Indexer) { ix.staleness = n }
}

// WithRegisterer registers the indexer's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(ix *Indexer) { ix.registerer = reg }
}

// WithRetry sets the maximum number of tries and the initial backoff interval for
// calls to the store and the artifact source.
func WithRetry(maxTries uint, initial time.Duration) Option {
	return func(ix *Indexer) {
		ix.retry.maxTries = maxTries
		ix.retry.initialInterval = initial
	}
}

// WithYankRules sets artifacts the updater must never index.
func WithYankRules(rules ...YankRule) Option {
	return func(ix *Indexer) { ix.yank = rules }
}

// WithSigningKey signs every master index head with skey.
// The skey must be in note signer format: "PRIVATE+KEY+<name>+<hash>+<keydata>".
func WithSigningKey(skey string) Option {
	return func(ix *Indexer) { ix.skey = skey }
}

// WithVerifierKey verifies the signed head of every master index read.
func WithVerifierKey(vkey string) Option {
	return func(ix *Indexer) { ix.vkey = vkey }
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(ix *Indexer) { ix.now = now }
}
