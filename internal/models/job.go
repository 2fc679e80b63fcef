package models

import (
	"time"
)

// Job states persisted in Postgres.
const (
	StatusQueued    = "queued"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Visibility values accepted for published videos.
const (
	VisibilityPublic   = "public"
	VisibilityPrivate  = "private"
	VisibilityUnlisted = "unlisted"
)

// VideoMeta is the metadata applied to the remote video resource.
type VideoMeta struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Tags        []string   `json:"tags,omitempty"`
	Visibility  string     `json:"visibility"`
	PublishAt   *time.Time `json:"publish_at,omitempty"`
}

// Job represents one requested upload persisted in Postgres.
//
// BytesUploaded is monotonically non-decreasing and never exceeds
// TotalBytes. SessionURI holds the resumable session location so a
// restarted worker continues from the last acknowledged offset.
type Job struct {
	ID            string    `json:"id"`
	AccountID     string    `json:"account_id"`
	SourceRef     string    `json:"source_ref"`
	ThumbnailRef  string    `json:"thumbnail_ref,omitempty"`
	Meta          VideoMeta `json:"meta"`
	Fingerprint   string    `json:"fingerprint"`
	Status        string    `json:"status"`
	BytesUploaded int64     `json:"bytes_uploaded"`
	TotalBytes    int64     `json:"total_bytes"`
	ChunkSize     int64     `json:"chunk_size"`
	Attempts      int       `json:"attempts"`
	MaxAttempts   int       `json:"max_attempts"`
	SessionURI    string    `json:"session_uri,omitempty"`
	ResourceID    string    `json:"resource_id,omitempty"`
	ThumbnailSet  bool      `json:"thumbnail_set"`
	MetaApplied   bool      `json:"meta_applied"`
	NextRunAt     time.Time `json:"next_run_at"`
	LastError     *string   `json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// UploadDone reports whether all source bytes reached the remote platform.
// Finalization (thumbnail, metadata) may still be pending.
func (j Job) UploadDone() bool {
	return j.ResourceID != ""
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
