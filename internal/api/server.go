package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"video-publish-pipeline/internal/config"
	"video-publish-pipeline/internal/idempotency"
	"video-publish-pipeline/internal/models"
	"video-publish-pipeline/internal/queue"
	"video-publish-pipeline/internal/ratelimit"
	"video-publish-pipeline/internal/source"
	"video-publish-pipeline/internal/store"
	"video-publish-pipeline/internal/telemetry"
)

// Server wires HTTP handlers for the submission front-end.
type Server struct {
	cfg     config.Config
	store   *store.Store
	queue   *queue.UploadQueue
	guard   *idempotency.Guard
	sources *source.Resolver
	limiter *ratelimit.TokenBucket
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, q *queue.UploadQueue, guard *idempotency.Guard, sources *source.Resolver, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		queue:   q,
		guard:   guard,
		sources: sources,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/v1/uploads", s.handleSubmit)
	r.Get("/v1/uploads/{id}", s.handleStatus)
	r.Post("/v1/uploads/{id}/cancel", s.handleCancel)
	r.Get("/v1/dlq", s.handleDLQ)
	return r
}

type submitRequest struct {
	AccountID      string     `json:"account_id"`
	Source         string     `json:"source"`
	Thumbnail      string     `json:"thumbnail,omitempty"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	Tags           []string   `json:"tags,omitempty"`
	Visibility     string     `json:"visibility"`
	PublishAt      *time.Time `json:"publish_at,omitempty"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	ChunkSize      int64      `json:"chunk_size,omitempty"`
	MaxAttempts    int        `json:"max_attempts,omitempty"`
}

type submitResponse struct {
	ID         string `json:"id"`
	State      string `json:"state"`
	ResourceID string `json:"resource_id,omitempty"`
	Duplicate  bool   `json:"duplicate,omitempty"`
}

type statusResponse struct {
	ID         string         `json:"id"`
	State      string         `json:"state"`
	Progress   progressReport `json:"progress"`
	ResourceID string         `json:"resource_id,omitempty"`
	Error      string         `json:"error,omitempty"`
}

type progressReport struct {
	BytesUploaded int64 `json:"bytes_uploaded"`
	TotalBytes    int64 `json:"total_bytes"`
}

// validate rejects malformed submissions synchronously; invalid requests
// never reach the queue.
func (req *submitRequest) validate() error {
	if req.AccountID == "" {
		return fmt.Errorf("account_id is required")
	}
	if req.Source == "" {
		return fmt.Errorf("source is required")
	}
	if req.Title == "" {
		return fmt.Errorf("title is required")
	}
	switch req.Visibility {
	case "":
		req.Visibility = models.VisibilityPrivate
	case models.VisibilityPublic, models.VisibilityPrivate, models.VisibilityUnlisted:
	default:
		return fmt.Errorf("visibility must be public, private, or unlisted")
	}
	if req.PublishAt != nil && !req.PublishAt.After(time.Now()) {
		return fmt.Errorf("publish_at must be in the future")
	}
	if req.ChunkSize < 0 {
		return fmt.Errorf("chunk_size must be positive")
	}
	if req.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must be positive")
	}
	return nil
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := req.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), req.AccountID)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	src, err := s.sources.Open(r.Context(), req.Source)
	if err != nil {
		http.Error(w, fmt.Sprintf("source not readable: %v", err), http.StatusBadRequest)
		return
	}
	defer src.Close()
	if src.Size() == 0 {
		http.Error(w, "source is empty", http.StatusBadRequest)
		return
	}

	fingerprint, err := idempotency.Fingerprint(r.Context(), req.AccountID, req.IdempotencyKey, src)
	if err != nil {
		http.Error(w, "could not fingerprint source", http.StatusInternalServerError)
		return
	}

	chunkSize := req.ChunkSize
	if chunkSize == 0 {
		chunkSize = s.cfg.ChunkSize
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = s.cfg.MaxAttempts
	}

	job, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		AccountID:    req.AccountID,
		SourceRef:    req.Source,
		ThumbnailRef: req.Thumbnail,
		Meta: models.VideoMeta{
			Title:       req.Title,
			Description: req.Description,
			Tags:        req.Tags,
			Visibility:  req.Visibility,
			PublishAt:   req.PublishAt,
		},
		Fingerprint: fingerprint,
		TotalBytes:  src.Size(),
		ChunkSize:   chunkSize,
		MaxAttempts: maxAttempts,
	})
	if err != nil {
		http.Error(w, "could not create job", http.StatusInternalServerError)
		return
	}

	decision, err := s.guard.Reserve(r.Context(), fingerprint, job.ID)
	if err != nil {
		http.Error(w, "could not reserve submission", http.StatusInternalServerError)
		return
	}
	if decision.Kind != idempotency.Proceed {
		// Another job owns this fingerprint; retire the fresh row and hand
		// back the existing result. No new upload starts.
		_ = s.store.MarkCancelled(r.Context(), job.ID)
		telemetry.DuplicateHits.Inc()
		state := models.StatusActive
		if decision.Kind == idempotency.AlreadyCompleted {
			state = models.StatusCompleted
		} else if existing, err := s.store.GetJob(r.Context(), decision.JobID); err == nil {
			state = existing.Status
		}
		writeJSON(w, http.StatusOK, submitResponse{
			ID:         decision.JobID,
			State:      state,
			ResourceID: decision.ResourceID,
			Duplicate:  true,
		})
		return
	}

	if err := s.queue.Enqueue(r.Context(), job.ID, job.NextRunAt); err != nil {
		msg := "enqueue failed"
		_ = s.store.MarkFailed(r.Context(), job.ID, msg)
		_ = s.guard.Release(r.Context(), fingerprint)
		http.Error(w, msg, http.StatusInternalServerError)
		return
	}
	_ = s.store.AppendAudit(r.Context(), job.ID, "enqueued", "account="+req.AccountID)
	telemetry.SubmissionsAccepted.Inc()

	writeJSON(w, http.StatusAccepted, submitResponse{ID: job.ID, State: job.Status})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	resp := statusResponse{
		ID:    job.ID,
		State: job.Status,
		Progress: progressReport{
			BytesUploaded: job.BytesUploaded,
			TotalBytes:    job.TotalBytes,
		},
		ResourceID: job.ResourceID,
	}
	if job.Status == models.StatusFailed && job.LastError != nil {
		resp.Error = *job.LastError
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	switch job.Status {
	case models.StatusCompleted, models.StatusFailed, models.StatusCancelled:
		http.Error(w, "job already finished", http.StatusConflict)
		return
	}

	if err := s.queue.RequestCancel(r.Context(), id); err != nil {
		http.Error(w, "failed to cancel queue item", http.StatusInternalServerError)
		return
	}
	if job.Status == models.StatusQueued {
		// Not yet leased; finish the cancellation here instead of waiting
		// for a worker to observe the flag.
		_ = s.store.MarkCancelled(r.Context(), id)
		_ = s.guard.Release(r.Context(), job.Fingerprint)
		_ = s.queue.ClearCancel(r.Context(), id)
		_ = s.store.AppendAudit(r.Context(), id, "cancelled", "cancel requested via API")
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
		return
	}
	_ = s.store.AppendAudit(r.Context(), id, "cancel_requested", "worker will abort between chunks")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// handleDLQ returns the DLQ contents (IDs only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
