package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"video-publish-pipeline/internal/config"
)

// UploadQueue coordinates ready, in-flight, and scheduled upload jobs in
// Redis. Jobs are identified by id; the row of record lives in Postgres.
type UploadQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	cancelPrefix  string
	visibilityTTL time.Duration
	dlqKey        string
}

// New builds a queue client from config.
func New(cfg config.Config) *UploadQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewWithClient(client, cfg)
}

// NewWithClient wraps an existing Redis client, mainly for tests.
func NewWithClient(client *redis.Client, cfg config.Config) *UploadQueue {
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 60 * time.Second
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "publish:dlq"
	}
	return &UploadQueue{
		client:        client,
		readyKey:      "publish:ready",
		inflightKey:   "publish:inflight",
		scheduledKey:  "publish:scheduled",
		cancelPrefix:  "publish:cancel:",
		visibilityTTL: visibility,
		dlqKey:        dlq,
	}
}

func (q *UploadQueue) Close() error {
	return q.client.Close()
}

// Enqueue inserts a job into either the scheduled set or the ready queue.
// Re-enqueueing an id already present is harmless: the id is removed from
// both structures first, so crash-recovery sweeps can call this blindly.
func (q *UploadQueue) Enqueue(ctx context.Context, jobID string, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.readyKey, 0, jobID)
	pipe.ZRem(ctx, q.scheduledKey, jobID)
	if runAt.After(time.Now()) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	} else {
		pipe.RPush(ctx, q.readyKey, jobID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Schedule moves a job into the scheduled set for deferred execution,
// typically a retry after backoff.
func (q *UploadQueue) Schedule(ctx context.Context, jobID string, runAt time.Time) error {
	return q.client.ZAdd(ctx, q.scheduledKey, redis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: jobID,
	}).Err()
}

// PromoteScheduled moves due scheduled jobs into the ready queue. It returns how many were promoted.
func (q *UploadQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops a job from the ready queue and places it into
// inflight with a visibility timeout, so no other worker sees it until the
// lease expires or is acked.
func (q *UploadQueue) DequeueWithLease(ctx context.Context) (string, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey, q.inflightKey},
		time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
// The worker extends per chunk so long uploads keep their lease.
func (q *UploadQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking.
func (q *UploadQueue) Ack(ctx context.Context, jobID string) error {
	return q.client.ZRem(ctx, q.inflightKey, jobID).Err()
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *UploadQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// RequestCancel removes a job from ready/scheduled and raises the cancel
// flag an in-flight worker polls between chunks.
func (q *UploadQueue) RequestCancel(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.readyKey, 0, jobID)
	pipe.ZRem(ctx, q.scheduledKey, jobID)
	pipe.Set(ctx, q.cancelPrefix+jobID, "1", 24*time.Hour)
	_, err := pipe.Exec(ctx)
	return err
}

// CancelRequested reports whether a cancel flag is raised for the job.
func (q *UploadQueue) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	n, err := q.client.Exists(ctx, q.cancelPrefix+jobID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ClearCancel drops the cancel flag once the job reached a terminal state.
func (q *UploadQueue) ClearCancel(ctx context.Context, jobID string) error {
	return q.client.Del(ctx, q.cancelPrefix+jobID).Err()
}

// DLQPush appends to the dead-letter queue for operational inspection.
func (q *UploadQueue) DLQPush(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, q.dlqKey, jobID).Err()
}

// DLQPeek reads the latest dead-lettered job IDs.
func (q *UploadQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the length of the ready queue.
func (q *UploadQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
