package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"video-publish-pipeline/internal/models"
)

// ErrNotFound is returned when a job id has no row.
var ErrNotFound = errors.New("job not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	AccountID    string
	SourceRef    string
	ThumbnailRef string
	Meta         models.VideoMeta
	Fingerprint  string
	TotalBytes   int64
	ChunkSize    int64
	MaxAttempts  int
}

// CreateJob inserts a queued job row and returns it.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 5
	}
	metaJSON, err := json.Marshal(p.Meta)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal meta: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, account_id, source_ref, thumbnail_ref, meta, fingerprint, status,
		                  bytes_uploaded, total_bytes, chunk_size, attempts, max_attempts,
		                  next_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, 0, $10, $11, $11, $11)
	`, id, p.AccountID, p.SourceRef, p.ThumbnailRef, metaJSON, p.Fingerprint,
		models.StatusQueued, p.TotalBytes, p.ChunkSize, p.MaxAttempts, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:           id,
		AccountID:    p.AccountID,
		SourceRef:    p.SourceRef,
		ThumbnailRef: p.ThumbnailRef,
		Meta:         p.Meta,
		Fingerprint:  p.Fingerprint,
		Status:       models.StatusQueued,
		TotalBytes:   p.TotalBytes,
		ChunkSize:    p.ChunkSize,
		MaxAttempts:  p.MaxAttempts,
		NextRunAt:    now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

const jobColumns = `id, account_id, source_ref, thumbnail_ref, meta, fingerprint, status,
	bytes_uploaded, total_bytes, chunk_size, attempts, max_attempts,
	session_uri, resource_id, thumbnail_set, meta_applied,
	next_run_at, last_error, created_at, updated_at`

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var metaJSON []byte
	var lastErr pgtype.Text

	err := row.Scan(&job.ID, &job.AccountID, &job.SourceRef, &job.ThumbnailRef, &metaJSON,
		&job.Fingerprint, &job.Status, &job.BytesUploaded, &job.TotalBytes, &job.ChunkSize,
		&job.Attempts, &job.MaxAttempts, &job.SessionURI, &job.ResourceID,
		&job.ThumbnailSet, &job.MetaApplied, &job.NextRunAt, &lastErr,
		&job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if err := json.Unmarshal(metaJSON, &job.Meta); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal meta: %w", err)
	}
	if lastErr.Valid {
		job.LastError = &lastErr.String
	}
	return job, nil
}

// MarkActive transitions a job to active and clears any stale error.
func (s *Store) MarkActive(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, models.StatusActive)
	return err
}

// ReportProgress records an uploaded-byte offset and returns the value kept.
// Progress is clamped: it never moves backwards and never exceeds total size,
// so a stale report is acknowledged with the higher recorded offset.
func (s *Store) ReportProgress(ctx context.Context, id string, bytesUploaded int64) (int64, error) {
	var kept int64
	err := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET bytes_uploaded = GREATEST(bytes_uploaded, LEAST($2, total_bytes)), updated_at = NOW()
		WHERE id = $1
		RETURNING bytes_uploaded
	`, id, bytesUploaded).Scan(&kept)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("report progress: %w", err)
	}
	return kept, nil
}

// SaveSession persists the resumable session location for crash recovery.
func (s *Store) SaveSession(ctx context.Context, id, sessionURI string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET session_uri = $2, updated_at = NOW() WHERE id = $1
	`, id, sessionURI)
	return err
}

// SetResource records the remote resource id as soon as the platform
// reports the upload complete. Finalization failures must not lose it.
func (s *Store) SetResource(ctx context.Context, id, resourceID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET resource_id = $2, session_uri = '', updated_at = NOW() WHERE id = $1
	`, id, resourceID)
	return err
}

// SetThumbnailDone flags the thumbnail finalize step as applied.
func (s *Store) SetThumbnailDone(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET thumbnail_set = TRUE, updated_at = NOW() WHERE id = $1
	`, id)
	return err
}

// SetMetaApplied flags the metadata finalize step as applied.
func (s *Store) SetMetaApplied(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET meta_applied = TRUE, updated_at = NOW() WHERE id = $1
	`, id)
	return err
}

// MarkCompleted transitions a job to completed.
func (s *Store) MarkCompleted(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, last_error = NULL, updated_at = NOW() WHERE id = $1
	`, id, models.StatusCompleted)
	return err
}

// MarkFailed transitions a job to permanent failure with a readable message.
func (s *Store) MarkFailed(ctx context.Context, id, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, last_error = $3, updated_at = NOW() WHERE id = $1
	`, id, models.StatusFailed, lastError)
	return err
}

// MarkCancelled sets status cancelled and clears any last error.
func (s *Store) MarkCancelled(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, last_error = NULL, updated_at = NOW() WHERE id = $1
	`, id, models.StatusCancelled)
	return err
}

// MarkQueued returns a job to queued without touching the attempt count,
// used when a worker lease expires and the job is reclaimed.
func (s *Store) MarkQueued(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, next_run_at = NOW(), updated_at = NOW() WHERE id = $1
	`, id, models.StatusQueued)
	return err
}

// ScheduleRetry bumps attempts and re-queues the job for a later run.
func (s *Store) ScheduleRetry(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, attempts = $3, next_run_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusQueued, attempts, nextRun, lastErr)
	return err
}

// QueuedStale returns queued jobs that have been due for at least the given
// age. Those jobs were enqueued durably but may have missed the Redis push
// (crash between insert and push); the worker re-enqueues them.
func (s *Store) QueuedStale(ctx context.Context, olderThan time.Duration, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1 AND next_run_at <= NOW() - $2::interval
		ORDER BY next_run_at
		LIMIT $3
	`, models.StatusQueued, fmt.Sprintf("%d seconds", int(olderThan.Seconds())), limit)
	if err != nil {
		return nil, fmt.Errorf("query stale jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}
