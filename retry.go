package condamap

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// retryPolicy configures the exponential backoff applied at operation boundaries.
type retryPolicy struct {
	maxTries        uint
	initialInterval time.Duration
	maxElapsed      time.Duration
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{
		maxTries:        5,
		initialInterval: 250 * time.Millisecond,
		maxElapsed:      2 * time.Minute,
	}
}

// permanent reports whether err must not be retried.
func permanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrExists) ||
		errors.Is(err, ErrStorageWriteConflict) ||
		errors.Is(err, ErrMalformedPartialIndex) ||
		errors.Is(err, ErrResolutionMiss) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func retry[T any](ctx context.Context, p retryPolicy, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.initialInterval

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && permanent(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.maxTries),
		backoff.WithMaxElapsedTime(p.maxElapsed),
	)
}

// retryStore retries transient BlobStore failures.
type retryStore struct {
	next   BlobStore
	policy retryPolicy
}

func (s *retryStore) Get(ctx context.Context, key string) ([]byte, error) {
	return retry(ctx, s.policy, func() ([]byte, error) { return s.next.Get(ctx, key) })
}

func (s *retryStore) Put(ctx context.Context, key string, data []byte, opts PutOptions) error {
	_, err := retry(ctx, s.policy, func() (struct{}, error) {
		return struct{}{}, s.next.Put(ctx, key, data, opts)
	})
	return err
}

func (s *retryStore) List(ctx context.Context, prefix string) ([]string, error) {
	return retry(ctx, s.policy, func() ([]string, error) { return s.next.List(ctx, prefix) })
}

func (s *retryStore) Exists(ctx context.Context, key string) (bool, error) {
	return retry(ctx, s.policy, func() (bool, error) { return s.next.Exists(ctx, key) })
}

// Delete forwards to the wrapped store when it implements Deleter.
func (s *retryStore) Delete(ctx context.Context, key string) error {
	d, ok := s.next.(Deleter)
	if !ok {
		return nil
	}

	_, err := retry(ctx, s.policy, func() (struct{}, error) {
		return struct{}{}, d.Delete(ctx, key)
	})
	return err
}

func (s *retryStore) canDelete() bool {
	_, ok := s.next.(Deleter)
	return ok
}
