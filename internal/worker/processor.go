package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"video-publish-pipeline/internal/auth"
	"video-publish-pipeline/internal/config"
	"video-publish-pipeline/internal/executor"
	"video-publish-pipeline/internal/idempotency"
	"video-publish-pipeline/internal/models"
	"video-publish-pipeline/internal/platform"
	"video-publish-pipeline/internal/queue"
	"video-publish-pipeline/internal/store"
	"video-publish-pipeline/internal/telemetry"
)

// how long a queued job may sit due before the sweep re-pushes it to Redis
const staleAfter = 2 * time.Minute

// Processor drives the worker execution loop: dequeue with lease, run the
// upload executor, and report the terminal state back to the queue.
type Processor struct {
	cfg      config.Config
	queue    *queue.UploadQueue
	store    *store.Store
	guard    *idempotency.Guard
	exec     *executor.Executor
	reporter *MeteredReporter
	workerID string

	lastSweep time.Time
}

func NewProcessor(cfg config.Config, q *queue.UploadQueue, st *store.Store, guard *idempotency.Guard, exec *executor.Executor, reporter *MeteredReporter, workerID string) *Processor {
	return &Processor{
		cfg:      cfg,
		queue:    q,
		store:    st,
		guard:    guard,
		exec:     exec,
		reporter: reporter,
		workerID: workerID,
	}
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p.housekeeping(ctx)

		jobID, err := p.queue.DequeueWithLease(ctx)
		if err != nil || jobID == "" {
			if err := sleepCtx(ctx, p.cfg.WorkerPollInterval); err != nil {
				return err
			}
			continue
		}

		p.process(ctx, jobID)
	}
}

// housekeeping promotes due retries, reclaims expired leases, and re-pushes
// queued rows that lost their Redis entry to a crash.
func (p *Processor) housekeeping(ctx context.Context) {
	_, _ = p.queue.PromoteScheduled(ctx, time.Now(), int64(p.cfg.ScheduledBatch))

	if reclaimed, _ := p.queue.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
		telemetry.InFlightGauge.Sub(float64(len(reclaimed)))
		for _, id := range reclaimed {
			_ = p.store.MarkQueued(ctx, id)
			_ = p.store.AppendAudit(ctx, id, "lease_expired", "job reclaimed and re-queued")
		}
	}

	if time.Since(p.lastSweep) > staleAfter {
		p.lastSweep = time.Now()
		if stale, err := p.store.QueuedStale(ctx, staleAfter, 100); err == nil {
			for _, job := range stale {
				_ = p.queue.Enqueue(ctx, job.ID, job.NextRunAt)
			}
		}
	}

	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}

func (p *Processor) process(ctx context.Context, jobID string) {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		_ = p.queue.Ack(ctx, jobID)
		return
	}
	if job.Status == models.StatusCancelled || job.Status == models.StatusCompleted || job.Status == models.StatusFailed {
		_ = p.queue.Ack(ctx, jobID)
		return
	}
	if cancelled, _ := p.queue.CancelRequested(ctx, jobID); cancelled {
		p.finishCancelled(ctx, job)
		return
	}

	_ = p.store.MarkActive(ctx, job.ID)
	if p.workerID != "" {
		_ = p.store.AppendAudit(ctx, job.ID, "leased", "worker="+p.workerID)
	}
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	hooks := executor.Hooks{
		CancelRequested: func(ctx context.Context) (bool, error) {
			return p.queue.CancelRequested(ctx, job.ID)
		},
		ExtendLease: func(ctx context.Context) error {
			return p.queue.ExtendLease(ctx, job.ID, p.cfg.VisibilityTimeout)
		},
	}

	result, err := p.exec.Run(ctx, job, hooks)
	if p.reporter != nil {
		defer p.reporter.Forget(job.ID)
	}
	switch {
	case err == nil:
		p.finishCompleted(ctx, job, result)
	case errors.Is(err, executor.ErrCancelled):
		p.finishCancelled(ctx, job)
	case isTerminal(err):
		p.finishFailed(ctx, job, err)
	default:
		p.scheduleRetry(ctx, job, err)
	}
}

func (p *Processor) finishCompleted(ctx context.Context, job models.Job, result executor.Result) {
	_ = p.queue.Ack(ctx, job.ID)
	_ = p.store.MarkCompleted(ctx, job.ID)
	if err := p.guard.Finalize(ctx, job.Fingerprint, result.ResourceID); err != nil {
		log.Printf("finalize fingerprint for job %s: %v", job.ID, err)
	}
	_ = p.store.AppendAudit(ctx, job.ID, "completed",
		fmt.Sprintf("resource=%s chunk_attempts=%d", result.ResourceID, result.ChunkAttempts))
	telemetry.JobsCompleted.Inc()
}

func (p *Processor) finishCancelled(ctx context.Context, job models.Job) {
	_ = p.queue.Ack(ctx, job.ID)
	_ = p.store.MarkCancelled(ctx, job.ID)
	_ = p.queue.ClearCancel(ctx, job.ID)
	if err := p.guard.Release(ctx, job.Fingerprint); err != nil {
		log.Printf("release fingerprint for job %s: %v", job.ID, err)
	}
	_ = p.store.AppendAudit(ctx, job.ID, "cancelled", "cancel observed by worker")
}

func (p *Processor) finishFailed(ctx context.Context, job models.Job, cause error) {
	_ = p.queue.Ack(ctx, job.ID)
	_ = p.store.MarkFailed(ctx, job.ID, humanMessage(cause))
	_ = p.queue.DLQPush(ctx, job.ID)
	if err := p.guard.Release(ctx, job.Fingerprint); err != nil {
		log.Printf("release fingerprint for job %s: %v", job.ID, err)
	}
	_ = p.store.AppendAudit(ctx, job.ID, "failed", cause.Error())
	telemetry.JobsFailed.Inc()
	log.Printf("job %s failed permanently: %v", job.ID, cause)
}

func (p *Processor) scheduleRetry(ctx context.Context, job models.Job, cause error) {
	attempts := job.Attempts + 1
	if attempts >= job.MaxAttempts {
		p.finishFailed(ctx, job, fmt.Errorf("gave up after %d attempts: %w", attempts, cause))
		return
	}
	backoff := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts)
	nextRun := time.Now().Add(backoff)
	_ = p.store.ScheduleRetry(ctx, job.ID, attempts, nextRun, humanMessage(cause))
	_ = p.queue.Ack(ctx, job.ID)
	_ = p.queue.Schedule(ctx, job.ID, nextRun)
	_ = p.store.AppendAudit(ctx, job.ID, "retry_scheduled",
		fmt.Sprintf("next_run=%s attempts=%d cause=%v", nextRun.UTC().Format(time.RFC3339), attempts, cause))
	telemetry.JobsRetried.Inc()
}

// isTerminal reports whether the error can never succeed on a re-delivery.
func isTerminal(err error) bool {
	var permanent *platform.PermanentError
	var authErr *auth.AuthError
	return errors.As(err, &permanent) ||
		errors.As(err, &authErr) ||
		errors.Is(err, executor.ErrAttemptsExhausted)
}

// humanMessage converts the error taxonomy into the operator-facing message
// stored on the job; raw transport errors never surface in status.
func humanMessage(err error) string {
	var permanent *platform.PermanentError
	var authErr *auth.AuthError
	switch {
	case errors.As(err, &authErr):
		return fmt.Sprintf("account %s needs re-authorization", authErr.AccountID)
	case errors.Is(err, executor.ErrAttemptsExhausted):
		return "upload failed after repeated temporary platform errors"
	case errors.As(err, &permanent):
		return fmt.Sprintf("upload rejected by platform: %s", permanentDetail(permanent))
	default:
		return "upload interrupted; it will be retried"
	}
}

// permanentDetail keeps short plain-text failure reasons and replaces raw
// response bodies (JSON blobs, long payloads) with a status summary.
func permanentDetail(e *platform.PermanentError) string {
	body := strings.TrimSpace(e.Body)
	if body == "" || len(body) > 140 || strings.HasPrefix(body, "{") || strings.HasPrefix(body, "[") || strings.HasPrefix(body, "<") {
		return fmt.Sprintf("request rejected (status %d)", e.Status)
	}
	return body
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

// MeteredReporter wraps the store so chunk acknowledgements feed the
// Prometheus counters. Byte deltas are tracked per job.
type MeteredReporter struct {
	*store.Store

	mu   sync.Mutex
	seen map[string]int64
}

func NewMeteredReporter(st *store.Store) *MeteredReporter {
	return &MeteredReporter{Store: st, seen: make(map[string]int64)}
}

func (m *MeteredReporter) ReportProgress(ctx context.Context, jobID string, bytesUploaded int64) (int64, error) {
	kept, err := m.Store.ReportProgress(ctx, jobID, bytesUploaded)
	if err != nil {
		return kept, err
	}
	m.mu.Lock()
	prev := m.seen[jobID]
	if kept > prev {
		telemetry.BytesUploaded.Add(float64(kept - prev))
		m.seen[jobID] = kept
	}
	if kept >= bytesUploaded {
		telemetry.ChunksSent.Inc()
	}
	m.mu.Unlock()
	return kept, nil
}

// Forget drops per-job byte tracking once the job reached a terminal state.
func (m *MeteredReporter) Forget(jobID string) {
	m.mu.Lock()
	delete(m.seen, jobID)
	m.mu.Unlock()
}
