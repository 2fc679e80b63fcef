package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Reservation states for idempotency records.
const (
	ReservationInProgress = "in_progress"
	ReservationCompleted  = "completed"
)

// Reservation is one persisted idempotency record.
type Reservation struct {
	Fingerprint string
	JobID       string
	State       string
	ResourceID  string
}

// ReserveFingerprint claims a fingerprint for the given job using a
// conditional write (create-if-absent). It returns claimed=true when this
// call won the fingerprint; otherwise the surviving record is returned so
// the caller can observe the in-flight or completed upload.
func (s *Store) ReserveFingerprint(ctx context.Context, fingerprint, jobID string, ttl time.Duration) (bool, Reservation, error) {
	// Expired records no longer guard anything; clear them so the key can
	// be claimed again after the retention window.
	_, err := s.pool.Exec(ctx, `
		DELETE FROM idempotency_records
		WHERE fingerprint = $1 AND expires_at IS NOT NULL AND expires_at < NOW()
	`, fingerprint)
	if err != nil {
		return false, Reservation{}, fmt.Errorf("evict expired reservation: %w", err)
	}

	var expires *time.Time
	if ttl > 0 {
		t := time.Now().UTC().Add(ttl)
		expires = &t
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency_records (fingerprint, job_id, state, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (fingerprint) DO NOTHING
	`, fingerprint, jobID, ReservationInProgress, expires)
	if err != nil {
		return false, Reservation{}, fmt.Errorf("insert reservation: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, Reservation{Fingerprint: fingerprint, JobID: jobID, State: ReservationInProgress}, nil
	}

	rec, found, err := s.GetReservation(ctx, fingerprint)
	if err != nil {
		return false, Reservation{}, err
	}
	if !found {
		// Lost the insert race and the winner released in between; rare
		// enough that callers just retry the submission.
		return false, Reservation{}, errors.New("reservation conflict with no surviving record")
	}
	return false, rec, nil
}

// GetReservation returns the unexpired record for a fingerprint if present.
func (s *Store) GetReservation(ctx context.Context, fingerprint string) (Reservation, bool, error) {
	rec := Reservation{Fingerprint: fingerprint}
	err := s.pool.QueryRow(ctx, `
		SELECT job_id, state, resource_id FROM idempotency_records
		WHERE fingerprint = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, fingerprint).Scan(&rec.JobID, &rec.State, &rec.ResourceID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Reservation{}, false, nil
	}
	if err != nil {
		return Reservation{}, false, fmt.Errorf("query reservation: %w", err)
	}
	return rec, true, nil
}

// FinalizeFingerprint binds the remote resource id to a completed fingerprint.
func (s *Store) FinalizeFingerprint(ctx context.Context, fingerprint, resourceID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE idempotency_records
		SET state = $2, resource_id = $3, updated_at = NOW()
		WHERE fingerprint = $1
	`, fingerprint, ReservationCompleted, resourceID)
	return err
}

// ReleaseFingerprint drops the record after a permanent failure so a fresh
// submission with the same fingerprint may try again.
func (s *Store) ReleaseFingerprint(ctx context.Context, fingerprint string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM idempotency_records WHERE fingerprint = $1
	`, fingerprint)
	return err
}
