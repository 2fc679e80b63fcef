package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"video-publish-pipeline/internal/source"
	"video-publish-pipeline/internal/store"
)

// Decision kinds returned by Reserve.
const (
	Proceed          = "proceed"
	InProgress       = "in_progress"
	AlreadyCompleted = "already_completed"
)

// Decision reports whether a submission may start a new upload, must wait
// on an in-flight one, or can return an already completed resource.
type Decision struct {
	Kind       string
	JobID      string
	ResourceID string
}

// ReservationStore is the persistence surface the guard needs. *store.Store
// satisfies it; tests use an in-memory fake.
type ReservationStore interface {
	ReserveFingerprint(ctx context.Context, fingerprint, jobID string, ttl time.Duration) (bool, store.Reservation, error)
	FinalizeFingerprint(ctx context.Context, fingerprint, resourceID string) error
	ReleaseFingerprint(ctx context.Context, fingerprint string) error
}

// Guard enforces at-most-one successful remote upload per fingerprint.
// All state lives in Postgres so duplicates are caught across restarts.
type Guard struct {
	store ReservationStore
	ttl   time.Duration
}

func NewGuard(st ReservationStore, ttl time.Duration) *Guard {
	return &Guard{store: st, ttl: ttl}
}

// Reserve claims the fingerprint for jobID. Concurrent reservations for the
// same fingerprint serialize on a conditional insert; exactly one caller
// gets Proceed, the rest observe the winner's job.
func (g *Guard) Reserve(ctx context.Context, fingerprint, jobID string) (Decision, error) {
	claimed, rec, err := g.store.ReserveFingerprint(ctx, fingerprint, jobID, g.ttl)
	if err != nil {
		return Decision{}, err
	}
	if claimed {
		return Decision{Kind: Proceed, JobID: jobID}, nil
	}
	if rec.State == store.ReservationCompleted {
		return Decision{Kind: AlreadyCompleted, JobID: rec.JobID, ResourceID: rec.ResourceID}, nil
	}
	return Decision{Kind: InProgress, JobID: rec.JobID}, nil
}

// Finalize records completion so later submissions get the same resource id.
func (g *Guard) Finalize(ctx context.Context, fingerprint, resourceID string) error {
	return g.store.FinalizeFingerprint(ctx, fingerprint, resourceID)
}

// Release frees the fingerprint after a permanent failure so the upload can
// be resubmitted.
func (g *Guard) Release(ctx context.Context, fingerprint string) error {
	return g.store.ReleaseFingerprint(ctx, fingerprint)
}

// Fingerprint derives the deterministic submission fingerprint. A caller
// supplied idempotency key takes precedence; otherwise the source content
// hash is used, so byte-identical resubmissions collapse to one upload.
func Fingerprint(ctx context.Context, accountID, callerKey string, src source.Source) (string, error) {
	identity := callerKey
	if identity == "" {
		hash, err := src.Hash(ctx)
		if err != nil {
			return "", fmt.Errorf("hash source for fingerprint: %w", err)
		}
		identity = "sha256:" + hash
	}
	sum := sha256.Sum256([]byte(accountID + "\x00" + identity))
	return hex.EncodeToString(sum[:]), nil
}
