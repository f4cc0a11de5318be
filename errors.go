package condamap

import (
	"errors"
	"fmt"
)

var (
	// ErrSourceUnavailable indicates the artifact catalog could not be read.
	// The stage aborts and nothing is committed; the next scheduled run retries.
	ErrSourceUnavailable = errors.New("artifact source unavailable")

	// ErrResolutionMiss indicates a single artifact could not be mapped. It is a
	// soft failure: the artifact stays unindexed and is retried by the next run.
	ErrResolutionMiss = errors.New("artifact could not be resolved")

	// ErrMalformedPartialIndex indicates a partial index could not be read at merge
	// time. The merge skips that input and continues.
	ErrMalformedPartialIndex = errors.New("malformed partial index")

	// ErrStorageWriteConflict indicates two writers targeted the same write-once key
	// with different content. It is a data integrity violation and is never resolved
	// automatically.
	ErrStorageWriteConflict = errors.New("storage write conflict")
)

// ResolutionError describes why a specific artifact was not resolved.
// It matches ErrResolutionMiss with errors.Is.
type ResolutionError struct {
	ContentHash string
	Filename    string
	Reason      string
	Err         error
}

func (e *ResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unresolved %s (%s): %s: %v", e.Filename, e.ContentHash, e.Reason, e.Err)
	}

	return fmt.Sprintf("unresolved %s (%s): %s", e.Filename, e.ContentHash, e.Reason)
}

func (e *ResolutionError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrResolutionMiss, e.Err}
	}

	return []error{ErrResolutionMiss}
}
