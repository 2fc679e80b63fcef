package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"time"

	"video-publish-pipeline/internal/models"
	"video-publish-pipeline/internal/platform"
	"video-publish-pipeline/internal/source"
	"video-publish-pipeline/internal/telemetry"
)

// ErrCancelled is returned when a cancel request is observed between chunks.
var ErrCancelled = errors.New("upload cancelled")

// ErrAttemptsExhausted wraps the last transient error once the per-chunk
// retry budget runs out. It is terminal: the job fails and is not re-queued.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// consecutive resyncs that fail to advance the offset before giving up
const maxStalledResyncs = 3

// Transport is the chunk-level protocol surface, satisfied by
// *platform.Client and by fakes in tests.
type Transport interface {
	StartSession(ctx context.Context, token string, meta models.VideoMeta, totalBytes int64, contentType string) (platform.Session, error)
	QueryOffset(ctx context.Context, token string, sess platform.Session) (int64, string, error)
	SendChunk(ctx context.Context, token string, sess platform.Session, offset int64, chunk []byte) (platform.ChunkResult, error)
	AttachThumbnail(ctx context.Context, token, resourceID string, img []byte, contentType string) error
	UpdateMetadata(ctx context.Context, token, resourceID string, meta models.VideoMeta) error
}

// Credentials supplies bearer tokens per account.
type Credentials interface {
	Token(ctx context.Context, accountID string) (string, error)
}

// Reporter persists per-job progress and finalize markers. *store.Store
// satisfies it.
type Reporter interface {
	ReportProgress(ctx context.Context, jobID string, bytesUploaded int64) (int64, error)
	SaveSession(ctx context.Context, jobID, sessionURI string) error
	SetResource(ctx context.Context, jobID, resourceID string) error
	SetThumbnailDone(ctx context.Context, jobID string) error
	SetMetaApplied(ctx context.Context, jobID string) error
}

// Opener resolves a source reference into readable content.
type Opener interface {
	Open(ctx context.Context, ref string) (source.Source, error)
}

// Hooks are optional callbacks the worker wires in per run.
type Hooks struct {
	// CancelRequested is polled between chunks.
	CancelRequested func(ctx context.Context) (bool, error)
	// ExtendLease is invoked after every accepted chunk so long uploads
	// keep their queue lease.
	ExtendLease func(ctx context.Context) error
}

// Result summarizes a successful run.
type Result struct {
	ResourceID string
	// ChunkAttempts is the highest number of transport calls any single
	// chunk needed, recorded for auditing retry behavior.
	ChunkAttempts int
}

// Config tunes the retry loop.
type Config struct {
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	ThumbMaxBytes  int64
	ThumbMaxWidth  int
}

// Executor drives the full resumable upload for one job: session
// initiation or resume, the sequential chunk loop, and finalization.
type Executor struct {
	transport Transport
	creds     Credentials
	reporter  Reporter
	sources   Opener
	cfg       Config
}

func New(transport Transport, creds Credentials, reporter Reporter, sources Opener, cfg Config) *Executor {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffInitial == 0 {
		cfg.BackoffInitial = 2 * time.Second
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = 5 * time.Minute
	}
	return &Executor{
		transport: transport,
		creds:     creds,
		reporter:  reporter,
		sources:   sources,
		cfg:       cfg,
	}
}

// Run executes one attempt of the job. A job that already holds a resource
// id skips the chunk loop and re-runs only its incomplete finalize steps.
func (e *Executor) Run(ctx context.Context, job models.Job, hooks Hooks) (Result, error) {
	token, err := e.creds.Token(ctx, job.AccountID)
	if err != nil {
		return Result{}, err
	}

	res := Result{ResourceID: job.ResourceID}
	if !job.UploadDone() {
		res, err = e.upload(ctx, token, job, hooks)
		if err != nil {
			return res, err
		}
		if err := e.reporter.SetResource(ctx, job.ID, res.ResourceID); err != nil {
			return res, fmt.Errorf("record resource id: %w", err)
		}
	}

	if err := e.finalize(ctx, token, job, res.ResourceID); err != nil {
		return res, err
	}
	return res, nil
}

// upload runs Initiating and Uploading, returning the remote resource id.
func (e *Executor) upload(ctx context.Context, token string, job models.Job, hooks Hooks) (Result, error) {
	src, err := e.sources.Open(ctx, job.SourceRef)
	if err != nil {
		return Result{}, fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	if src.Size() != job.TotalBytes {
		return Result{}, &platform.PermanentError{
			Body: fmt.Sprintf("source size changed since submission: have %d, expected %d", src.Size(), job.TotalBytes),
		}
	}

	sess, offset, doneID, err := e.initiate(ctx, token, job, src)
	if err != nil {
		return Result{}, err
	}
	if doneID != "" {
		// A previous attempt pushed the last byte but crashed before
		// recording the result.
		if _, err := e.reporter.ReportProgress(ctx, job.ID, job.TotalBytes); err != nil {
			return Result{}, fmt.Errorf("report progress: %w", err)
		}
		return Result{ResourceID: doneID, ChunkAttempts: 0}, nil
	}

	return e.chunkLoop(ctx, token, job, src, sess, offset, hooks)
}

// initiate resumes a persisted session or starts a new one. It returns the
// session, the next offset to send, and a resource id if the platform
// already holds the full file.
func (e *Executor) initiate(ctx context.Context, token string, job models.Job, src source.Source) (platform.Session, int64, string, error) {
	if job.SessionURI != "" {
		sess := platform.Session{
			URI:         job.SessionURI,
			TotalBytes:  job.TotalBytes,
			ContentType: src.ContentType(),
		}
		offset, doneID, err := e.queryWithRetry(ctx, token, sess)
		if err == nil {
			return sess, offset, doneID, nil
		}
		if !errors.Is(err, platform.ErrSessionExpired) {
			return platform.Session{}, 0, "", err
		}
		// Expired session: fall through and initiate a fresh one.
	}

	sess, err := e.startWithRetry(ctx, token, job, src)
	if err != nil {
		return platform.Session{}, 0, "", err
	}
	if err := e.reporter.SaveSession(ctx, job.ID, sess.URI); err != nil {
		return platform.Session{}, 0, "", fmt.Errorf("persist session: %w", err)
	}
	return sess, 0, "", nil
}

// chunkLoop sends strictly sequential chunks until the platform reports
// completion. Offsets never run in parallel: the protocol is offset based.
func (e *Executor) chunkLoop(ctx context.Context, token string, job models.Job, src source.Source, sess platform.Session, offset int64, hooks Hooks) (Result, error) {
	res := Result{}
	stalledResyncs := 0

	for {
		if hooks.CancelRequested != nil {
			cancelled, err := hooks.CancelRequested(ctx)
			if err != nil {
				return res, fmt.Errorf("check cancellation: %w", err)
			}
			if cancelled {
				return res, ErrCancelled
			}
		}

		chunk, err := src.ReadChunk(ctx, offset, job.ChunkSize)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return res, &platform.PermanentError{Body: fmt.Sprintf("source exhausted at offset %d before completion", offset)}
			}
			return res, fmt.Errorf("read chunk: %w", err)
		}

		result, attempts, err := e.sendWithRetry(ctx, token, sess, offset, chunk)
		if attempts > res.ChunkAttempts {
			res.ChunkAttempts = attempts
		}
		if err != nil {
			var mismatch *platform.RangeMismatchError
			switch {
			case errors.As(err, &mismatch):
				// Resync to the server's offset and resend that region.
				if mismatch.ServerOffset <= offset {
					stalledResyncs++
					if stalledResyncs >= maxStalledResyncs {
						return res, &platform.PermanentError{
							Body: fmt.Sprintf("server offset stuck at %d after %d resyncs", mismatch.ServerOffset, stalledResyncs),
						}
					}
				} else {
					stalledResyncs = 0
				}
				offset = mismatch.ServerOffset
				continue
			case errors.Is(err, platform.ErrSessionExpired):
				// Drop the stored session so the next delivery starts fresh.
				if saveErr := e.reporter.SaveSession(ctx, job.ID, ""); saveErr != nil {
					return res, fmt.Errorf("clear expired session: %w", saveErr)
				}
				return res, fmt.Errorf("session expired mid-upload: %w", err)
			default:
				return res, err
			}
		}
		stalledResyncs = 0

		if result.Completed {
			if _, err := e.reporter.ReportProgress(ctx, job.ID, job.TotalBytes); err != nil {
				return res, fmt.Errorf("report progress: %w", err)
			}
			res.ResourceID = result.ResourceID
			return res, nil
		}

		offset = result.NextOffset
		if _, err := e.reporter.ReportProgress(ctx, job.ID, offset); err != nil {
			return res, fmt.Errorf("report progress: %w", err)
		}
		if hooks.ExtendLease != nil {
			if err := hooks.ExtendLease(ctx); err != nil {
				return res, fmt.Errorf("extend lease: %w", err)
			}
		}
	}
}

// sendWithRetry retries a single chunk on transient errors with exponential
// backoff, bounded by MaxAttempts. Range mismatches and permanent errors
// pass straight through; attempts counts transport calls made.
func (e *Executor) sendWithRetry(ctx context.Context, token string, sess platform.Session, offset int64, chunk []byte) (platform.ChunkResult, int, error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		result, err := e.transport.SendChunk(ctx, token, sess, offset, chunk)
		if err == nil {
			return result, attempt, nil
		}

		var transient *platform.TransientError
		if !errors.As(err, &transient) {
			return platform.ChunkResult{}, attempt, err
		}
		lastErr = err
		telemetry.ChunkRetries.Inc()
		if attempt == e.cfg.MaxAttempts {
			break
		}
		if err := sleepCtx(ctx, backoffWithJitter(e.cfg.BackoffInitial, e.cfg.BackoffMax, attempt)); err != nil {
			return platform.ChunkResult{}, attempt, err
		}
	}
	return platform.ChunkResult{}, e.cfg.MaxAttempts, fmt.Errorf("%w: %w", ErrAttemptsExhausted, lastErr)
}

func (e *Executor) startWithRetry(ctx context.Context, token string, job models.Job, src source.Source) (platform.Session, error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		sess, err := e.transport.StartSession(ctx, token, job.Meta, job.TotalBytes, src.ContentType())
		if err == nil {
			return sess, nil
		}
		var transient *platform.TransientError
		if !errors.As(err, &transient) {
			return platform.Session{}, err
		}
		lastErr = err
		if attempt == e.cfg.MaxAttempts {
			break
		}
		if err := sleepCtx(ctx, backoffWithJitter(e.cfg.BackoffInitial, e.cfg.BackoffMax, attempt)); err != nil {
			return platform.Session{}, err
		}
	}
	return platform.Session{}, fmt.Errorf("%w: %w", ErrAttemptsExhausted, lastErr)
}

func (e *Executor) queryWithRetry(ctx context.Context, token string, sess platform.Session) (int64, string, error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		offset, doneID, err := e.transport.QueryOffset(ctx, token, sess)
		if err == nil {
			return offset, doneID, nil
		}
		var transient *platform.TransientError
		if !errors.As(err, &transient) {
			return 0, "", err
		}
		lastErr = err
		if attempt == e.cfg.MaxAttempts {
			break
		}
		if err := sleepCtx(ctx, backoffWithJitter(e.cfg.BackoffInitial, e.cfg.BackoffMax, attempt)); err != nil {
			return 0, "", err
		}
	}
	return 0, "", fmt.Errorf("%w: %w", ErrAttemptsExhausted, lastErr)
}

// finalize attaches the thumbnail and applies remaining metadata. Each step
// is tracked on the job row so a re-delivered job re-runs only what is
// still missing; re-applying the same metadata is a no-op remotely.
func (e *Executor) finalize(ctx context.Context, token string, job models.Job, resourceID string) error {
	if job.ThumbnailRef != "" && !job.ThumbnailSet {
		img, contentType, err := e.prepareThumbnail(ctx, job.ThumbnailRef)
		if err != nil {
			return err
		}
		if err := e.transport.AttachThumbnail(ctx, token, resourceID, img, contentType); err != nil {
			return fmt.Errorf("attach thumbnail: %w", err)
		}
		if err := e.reporter.SetThumbnailDone(ctx, job.ID); err != nil {
			return fmt.Errorf("record thumbnail step: %w", err)
		}
	}

	if !job.MetaApplied {
		if err := e.transport.UpdateMetadata(ctx, token, resourceID, job.Meta); err != nil {
			return fmt.Errorf("update metadata: %w", err)
		}
		if err := e.reporter.SetMetaApplied(ctx, job.ID); err != nil {
			return fmt.Errorf("record metadata step: %w", err)
		}
	}
	return nil
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
