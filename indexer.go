package condamap

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/pseudomuto/condamap/internal/signer"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/mod/sumdb/note"
	"golang.org/x/sync/singleflight"
)

const (
	tracerName = "github.com/pseudomuto/condamap"

	defaultWorkers   = 8
	defaultStaleness = 50_000
)

// ErrUnsignedIndex is returned when a verifier is configured and a manifest carries
// no signed head.
var ErrUnsignedIndex = errors.New("master index head is not signed")

// Indexer runs the stages of the index build pipeline against one BlobStore.
//
// Every stage is safe to run from a separate process: the only state shared between
// invocations is what the BlobStore holds. MergeIndex and BuildRelations assume a
// single writer per channel. Callers running more than one pipeline per channel
// must exclude each other externally (see cmd/condamap for a file lock).
type Indexer struct {
	rawStore   BlobStore
	store      *retryStore
	source     Source
	resolver   Resolver
	log        *slog.Logger
	workers    int
	staleness  int64
	registerer prometheus.Registerer
	metrics    *metrics
	retry      retryPolicy
	yank       []YankRule
	skey       string
	vkey       string
	signer     note.Signer
	verifier   note.Verifier
	now        func() time.Time
	tracer     trace.Tracer

	// Used to dedupe concurrent record writes
	recordGroup singleflight.Group
}

// New creates an Indexer. WithStore is required. WithSource and WithResolver are
// required by the stages that read the channel (DiscoverWork, ProcessShard).
func New(opts ...Option) (*Indexer, error) {
	ix := &Indexer{
		log:       slog.New(slog.DiscardHandler),
		workers:   defaultWorkers,
		staleness: defaultStaleness,
		retry:     defaultRetryPolicy(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(ix)
	}

	if ix.rawStore == nil {
		return nil, errors.New("a BlobStore is required")
	}

	if ix.staleness <= 0 {
		return nil, fmt.Errorf("invalid staleness threshold: %d", ix.staleness)
	}

	if ix.skey != "" {
		s, err := signer.NewSigner(ix.skey)
		if err != nil {
			return nil, fmt.Errorf("invalid signer key: %w", err)
		}
		ix.signer = s
	}

	if ix.vkey != "" {
		v, err := signer.NewVerifier(ix.vkey)
		if err != nil {
			return nil, fmt.Errorf("invalid verifier key: %w", err)
		}
		ix.verifier = v
	}

	ix.store = &retryStore{next: ix.rawStore, policy: ix.retry}
	ix.metrics = newMetrics(ix.registerer)
	ix.tracer = otel.Tracer(tracerName)
	return ix, nil
}

// GenerateKeys creates a new keypair and returns the encoded signer key,
// and verifier key.
//
// The name identifies the key (e.g., "index.example.com").
//
// The signer key is secret and must be stored securely.
// The verifier key can be shared publicly for readers to verify index heads.
func GenerateKeys(name string) (string, string, error) {
	skey, vkey, err := note.GenerateKey(rand.Reader, name)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate key: %w", err)
	}

	return skey, vkey, nil
}

// Manifest returns the current master index pointer of channel. A channel that was
// never merged has a zero-version manifest with no generation key.
func (ix *Indexer) Manifest(ctx context.Context, channel string) (*Manifest, error) {
	data, err := ix.store.Get(ctx, ManifestKey(channel))
	if errors.Is(err, ErrNotFound) {
		return &Manifest{Channel: channel}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %s, %w", channel, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %s, %w", channel, err)
	}

	if err := ix.verifyManifest(&m); err != nil {
		return nil, err
	}

	return &m, nil
}

// LoadIndex returns the master index the manifest of channel currently points at.
func (ix *Indexer) LoadIndex(ctx context.Context, channel string) (*MasterIndex, error) {
	m, err := ix.Manifest(ctx, channel)
	if err != nil {
		return nil, err
	}

	return ix.loadGeneration(ctx, m)
}

func (ix *Indexer) loadGeneration(ctx context.Context, m *Manifest) (*MasterIndex, error) {
	if m.Key == "" {
		return &MasterIndex{Channel: m.Channel}, nil
	}

	data, err := ix.store.Get(ctx, m.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to read master index: %s, %w", m.Key, err)
	}

	idx, err := decodeIndex(data)
	if err != nil {
		return nil, err
	}

	if idx.Channel != m.Channel || idx.Version != m.Version || idx.TreeHash != m.TreeHash {
		return nil, fmt.Errorf("master index %s does not match its manifest", m.Key)
	}

	return idx, nil
}

func (ix *Indexer) signManifest(m *Manifest) error {
	if ix.signer == nil {
		return nil
	}

	h, err := manifestHead(m)
	if err != nil {
		return err
	}

	signed, err := signer.SignHead(ix.signer, h)
	if err != nil {
		return fmt.Errorf("failed to sign index head: %w", err)
	}

	m.Head = string(signed)
	return nil
}

func (ix *Indexer) verifyManifest(m *Manifest) error {
	if ix.verifier == nil {
		return nil
	}

	if m.Head == "" {
		return fmt.Errorf("%w: %s", ErrUnsignedIndex, m.Channel)
	}

	got, err := signer.VerifyHead(ix.verifier, []byte(m.Head))
	if err != nil {
		return fmt.Errorf("failed to verify index head: %s, %w", m.Channel, err)
	}

	want, err := manifestHead(m)
	if err != nil {
		return err
	}

	if got != want {
		return fmt.Errorf("%w: head does not match manifest for %s", signer.ErrVerifyFailed, m.Channel)
	}

	return nil
}

func manifestHead(m *Manifest) (signer.Head, error) {
	h := signer.Head{Channel: m.Channel, Size: m.Version, Key: m.Key}
	if m.TreeHash == "" {
		return h, nil
	}

	hash, err := parseTreeHash(m.TreeHash)
	if err != nil {
		return signer.Head{}, err
	}

	h.Hash = hash
	return h, nil
}

// startSpan starts a stage span tagged with the channel.
func (ix *Indexer) startSpan(ctx context.Context, name, channel string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("condamap.channel", channel))
	return ix.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// endSpan records err on span and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
