package platform

import (
	"errors"
	"fmt"
)

// ErrSessionExpired signals that the remote platform no longer recognizes a
// resumable session. The caller must initiate a fresh one.
var ErrSessionExpired = errors.New("upload session expired")

// TransientError covers network failures, 5xx responses, and rate limiting.
// Callers retry with backoff; it never fails a job until attempts run out.
type TransientError struct {
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transient upload error: status %d", e.Status)
	}
	return fmt.Sprintf("transient upload error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError covers 4xx responses other than the resume signal. It is
// never retried and fails the job immediately.
type PermanentError struct {
	Status int
	Body   string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent upload error: status %d: %s", e.Status, e.Body)
}

// RangeMismatchError means the server acknowledged a different offset than
// the client expected. The caller resyncs to ServerOffset and resends; it
// does not consume retry attempts.
type RangeMismatchError struct {
	ServerOffset int64
}

func (e *RangeMismatchError) Error() string {
	return fmt.Sprintf("server expects offset %d", e.ServerOffset)
}
