package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"video-publish-pipeline/internal/models"
	"video-publish-pipeline/internal/platform"
	"video-publish-pipeline/internal/source"
)

type memSource struct {
	data []byte
	mime string
}

func (m *memSource) Size() int64         { return int64(len(m.data)) }
func (m *memSource) ContentType() string { return m.mime }
func (m *memSource) Close() error        { return nil }

func (m *memSource) ReadChunk(_ context.Context, offset int64, n int64) ([]byte, error) {
	if offset >= int64(len(m.data)) {
		return nil, io.EOF
	}
	end := offset + n
	if end > int64(len(m.data)) {
		end = int64(len(m.data))
	}
	return m.data[offset:end], nil
}

func (m *memSource) Hash(context.Context) (string, error) { return "memhash", nil }

type fakeOpener map[string]*memSource

func (f fakeOpener) Open(_ context.Context, ref string) (source.Source, error) {
	src, ok := f[ref]
	if !ok {
		return nil, fmt.Errorf("unknown ref %q", ref)
	}
	return src, nil
}

type fakeCreds struct{}

func (fakeCreds) Token(context.Context, string) (string, error) { return "tok", nil }

type sendRec struct {
	offset int64
	size   int64
}

type fakeTransport struct {
	mu         sync.Mutex
	starts     int
	queryCalls int
	queryNext  int64
	queryID    string
	queryErr   error
	sendHook   func(call int, offset int64, chunk []byte) (platform.ChunkResult, error)
	sends      []sendRec
	thumbs     int
	metas      int
}

// acceptAll mimics a well-behaved server: every chunk accepted in order,
// completion on the final byte.
func acceptAll(total int64, resourceID string) func(int, int64, []byte) (platform.ChunkResult, error) {
	return func(_ int, offset int64, chunk []byte) (platform.ChunkResult, error) {
		next := offset + int64(len(chunk))
		if next >= total {
			return platform.ChunkResult{Completed: true, ResourceID: resourceID, NextOffset: total}, nil
		}
		return platform.ChunkResult{NextOffset: next}, nil
	}
}

func (f *fakeTransport) StartSession(_ context.Context, _ string, _ models.VideoMeta, totalBytes int64, contentType string) (platform.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return platform.Session{URI: "fake://session", TotalBytes: totalBytes, ContentType: contentType}, nil
}

func (f *fakeTransport) QueryOffset(context.Context, string, platform.Session) (int64, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryCalls++
	if f.queryErr != nil {
		return 0, "", f.queryErr
	}
	return f.queryNext, f.queryID, nil
}

func (f *fakeTransport) SendChunk(_ context.Context, _ string, _ platform.Session, offset int64, chunk []byte) (platform.ChunkResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sendRec{offset: offset, size: int64(len(chunk))})
	return f.sendHook(len(f.sends), offset, chunk)
}

func (f *fakeTransport) AttachThumbnail(context.Context, string, string, []byte, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.thumbs++
	return nil
}

func (f *fakeTransport) UpdateMetadata(context.Context, string, string, models.VideoMeta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metas++
	return nil
}

type fakeReporter struct {
	mu       sync.Mutex
	progress []int64
	sessions []string
	resource string
	thumbSet bool
	metaSet  bool
}

func (f *fakeReporter) ReportProgress(_ context.Context, _ string, bytes int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	// Clamp like the store does: progress never moves backwards.
	if n := len(f.progress); n > 0 && bytes < f.progress[n-1] {
		bytes = f.progress[n-1]
	}
	f.progress = append(f.progress, bytes)
	return bytes, nil
}

func (f *fakeReporter) SaveSession(_ context.Context, _ string, uri string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, uri)
	return nil
}

func (f *fakeReporter) SetResource(_ context.Context, _ string, resourceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resource = resourceID
	return nil
}

func (f *fakeReporter) SetThumbnailDone(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.thumbSet = true
	return nil
}

func (f *fakeReporter) SetMetaApplied(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metaSet = true
	return nil
}

func testJob(total, chunk int64) models.Job {
	return models.Job{
		ID:          "job-1",
		AccountID:   "acct-1",
		SourceRef:   "video.mp4",
		Meta:        models.VideoMeta{Title: "clip", Visibility: models.VisibilityPrivate},
		Status:      models.StatusActive,
		TotalBytes:  total,
		ChunkSize:   chunk,
		MaxAttempts: 5,
	}
}

func testConfig() Config {
	return Config{
		MaxAttempts:    5,
		BackoffInitial: time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
	}
}

func newHarness(total, chunk int64, hook func(int, int64, []byte) (platform.ChunkResult, error)) (*Executor, *fakeTransport, *fakeReporter, models.Job) {
	transport := &fakeTransport{sendHook: hook}
	reporter := &fakeReporter{}
	job := testJob(total, chunk)
	opener := fakeOpener{job.SourceRef: &memSource{data: make([]byte, total), mime: "video/mp4"}}
	exec := New(transport, fakeCreds{}, reporter, opener, testConfig())
	return exec, transport, reporter, job
}

func TestUploadCompletesInThreeChunks(t *testing.T) {
	const total = 20 << 20
	const chunk = 8 << 20

	exec, transport, reporter, job := newHarness(total, chunk, acceptAll(total, "vid-1"))

	res, err := exec.Run(context.Background(), job, Hooks{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ResourceID != "vid-1" {
		t.Fatalf("expected resource vid-1, got %q", res.ResourceID)
	}

	want := []sendRec{
		{offset: 0, size: 8 << 20},
		{offset: 8 << 20, size: 8 << 20},
		{offset: 16 << 20, size: 4 << 20},
	}
	if len(transport.sends) != len(want) {
		t.Fatalf("expected %d chunk calls, got %d", len(want), len(transport.sends))
	}
	for i, rec := range transport.sends {
		if rec != want[i] {
			t.Fatalf("chunk %d: got %+v, want %+v", i, rec, want[i])
		}
	}

	if reporter.resource != "vid-1" {
		t.Fatalf("resource id not recorded: %q", reporter.resource)
	}
	if !reporter.metaSet {
		t.Fatal("metadata finalize step not recorded")
	}
	last := int64(-1)
	for _, p := range reporter.progress {
		if p < last {
			t.Fatalf("progress regressed: %v", reporter.progress)
		}
		last = p
	}
	if last != total {
		t.Fatalf("final progress %d, want %d", last, total)
	}
}

func TestChunkRetriesThenSucceeds(t *testing.T) {
	const total = 20
	const chunk = 8

	failures := 0
	hook := func(call int, offset int64, data []byte) (platform.ChunkResult, error) {
		// Second chunk fails twice with transient errors, then succeeds.
		if offset == 8 && failures < 2 {
			failures++
			return platform.ChunkResult{}, &platform.TransientError{Status: 503}
		}
		return acceptAll(total, "vid-2")(call, offset, data)
	}

	exec, transport, _, job := newHarness(total, chunk, hook)
	res, err := exec.Run(context.Background(), job, Hooks{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ChunkAttempts != 3 {
		t.Fatalf("expected 3 attempts recorded for the retried chunk, got %d", res.ChunkAttempts)
	}
	// 3 chunks + 2 retries of the second one.
	if len(transport.sends) != 5 {
		t.Fatalf("expected 5 transport calls, got %d", len(transport.sends))
	}
}

func TestRangeMismatchResyncsToServerOffset(t *testing.T) {
	const total = 20
	const chunk = 8

	mismatched := false
	hook := func(call int, offset int64, data []byte) (platform.ChunkResult, error) {
		if offset == 8 && !mismatched {
			// Server only holds the first 5 bytes.
			mismatched = true
			return platform.ChunkResult{}, &platform.RangeMismatchError{ServerOffset: 5}
		}
		return acceptAll(total, "vid-3")(call, offset, data)
	}

	exec, transport, _, job := newHarness(total, chunk, hook)
	if _, err := exec.Run(context.Background(), job, Hooks{}); err != nil {
		t.Fatalf("run: %v", err)
	}

	// The send after the mismatch must start exactly at the server offset.
	for i, rec := range transport.sends {
		if i > 0 && transport.sends[i-1].offset == 8 && rec.offset != 5 {
			t.Fatalf("expected resync to offset 5, got %d", rec.offset)
		}
	}
}

func TestStalledResyncIsPermanent(t *testing.T) {
	hook := func(int, int64, []byte) (platform.ChunkResult, error) {
		return platform.ChunkResult{}, &platform.RangeMismatchError{ServerOffset: 0}
	}
	exec, _, _, job := newHarness(20, 8, hook)
	_, err := exec.Run(context.Background(), job, Hooks{})
	var permanent *platform.PermanentError
	if !errors.As(err, &permanent) {
		t.Fatalf("expected permanent error after stalled resyncs, got %v", err)
	}
}

func TestAttemptsExhausted(t *testing.T) {
	hook := func(int, int64, []byte) (platform.ChunkResult, error) {
		return platform.ChunkResult{}, &platform.TransientError{Status: 500}
	}
	exec, transport, _, job := newHarness(20, 8, hook)
	_, err := exec.Run(context.Background(), job, Hooks{})
	if !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("expected attempts exhausted, got %v", err)
	}
	if len(transport.sends) != 5 {
		t.Fatalf("expected exactly maxAttempts=5 calls, got %d", len(transport.sends))
	}
}

func TestPermanentErrorFailsFast(t *testing.T) {
	hook := func(int, int64, []byte) (platform.ChunkResult, error) {
		return platform.ChunkResult{}, &platform.PermanentError{Status: 403, Body: "quota"}
	}
	exec, transport, _, job := newHarness(20, 8, hook)
	_, err := exec.Run(context.Background(), job, Hooks{})
	var permanent *platform.PermanentError
	if !errors.As(err, &permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if len(transport.sends) != 1 {
		t.Fatalf("permanent errors must not be retried, got %d calls", len(transport.sends))
	}
}

func TestResumesFromPersistedSession(t *testing.T) {
	const total = 20
	const chunk = 8

	exec, transport, _, job := newHarness(total, chunk, acceptAll(total, "vid-4"))
	transport.queryNext = 16
	job.SessionURI = "fake://session/old"

	if _, err := exec.Run(context.Background(), job, Hooks{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if transport.starts != 0 {
		t.Fatalf("resume must not start a new session, got %d starts", transport.starts)
	}
	if len(transport.sends) != 1 || transport.sends[0].offset != 16 {
		t.Fatalf("expected a single chunk from offset 16, got %+v", transport.sends)
	}
}

func TestResumeFindsUploadAlreadyComplete(t *testing.T) {
	exec, transport, reporter, job := newHarness(20, 8, acceptAll(20, "unused"))
	transport.queryID = "vid-5"
	transport.queryNext = 20
	job.SessionURI = "fake://session/old"

	res, err := exec.Run(context.Background(), job, Hooks{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ResourceID != "vid-5" {
		t.Fatalf("expected recovered resource vid-5, got %q", res.ResourceID)
	}
	if len(transport.sends) != 0 {
		t.Fatalf("expected zero chunk calls, got %d", len(transport.sends))
	}
	if reporter.resource != "vid-5" {
		t.Fatalf("resource not recorded: %q", reporter.resource)
	}
}

func TestExpiredSessionFallsBackToFreshOne(t *testing.T) {
	const total = 20
	exec, transport, reporter, job := newHarness(total, 8, acceptAll(total, "vid-6"))
	transport.queryErr = platform.ErrSessionExpired
	job.SessionURI = "fake://session/stale"

	if _, err := exec.Run(context.Background(), job, Hooks{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if transport.starts != 1 {
		t.Fatalf("expected one fresh session, got %d", transport.starts)
	}
	if len(reporter.sessions) == 0 || reporter.sessions[len(reporter.sessions)-1] != "fake://session" {
		t.Fatalf("fresh session not persisted: %v", reporter.sessions)
	}
	if transport.sends[0].offset != 0 {
		t.Fatalf("fresh session must restart from 0, got %d", transport.sends[0].offset)
	}
}

func TestSessionExpiredMidUploadClearsStoredSession(t *testing.T) {
	hook := func(call int, offset int64, data []byte) (platform.ChunkResult, error) {
		if offset == 8 {
			return platform.ChunkResult{}, platform.ErrSessionExpired
		}
		return acceptAll(20, "unused")(call, offset, data)
	}
	exec, _, reporter, job := newHarness(20, 8, hook)
	_, err := exec.Run(context.Background(), job, Hooks{})
	if err == nil {
		t.Fatal("expected an error")
	}
	if len(reporter.sessions) == 0 || reporter.sessions[len(reporter.sessions)-1] != "" {
		t.Fatalf("expired session should be cleared, got %v", reporter.sessions)
	}
}

func TestCancelObservedBetweenChunks(t *testing.T) {
	exec, transport, _, job := newHarness(20, 8, acceptAll(20, "unused"))

	checks := 0
	hooks := Hooks{
		CancelRequested: func(context.Context) (bool, error) {
			checks++
			return checks > 1, nil
		},
	}
	_, err := exec.Run(context.Background(), job, hooks)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if len(transport.sends) != 1 {
		t.Fatalf("expected the loop to stop after one chunk, got %d", len(transport.sends))
	}
}

func TestFinalizeOnlyWhenUploadAlreadyDone(t *testing.T) {
	transport := &fakeTransport{sendHook: acceptAll(20, "unused")}
	reporter := &fakeReporter{}
	job := testJob(20, 8)
	job.ResourceID = "vid-7"
	job.ThumbnailRef = "thumb.jpg"
	opener := fakeOpener{
		job.SourceRef:    {data: make([]byte, 20), mime: "video/mp4"},
		job.ThumbnailRef: {data: []byte("\xff\xd8\xff\xe0 tiny jpeg"), mime: "image/jpeg"},
	}
	exec := New(transport, fakeCreds{}, reporter, opener, testConfig())

	res, err := exec.Run(context.Background(), job, Hooks{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ResourceID != "vid-7" {
		t.Fatalf("expected existing resource id, got %q", res.ResourceID)
	}
	if len(transport.sends) != 0 || transport.starts != 0 {
		t.Fatal("finalize-only run must not touch the chunk protocol")
	}
	if transport.thumbs != 1 || transport.metas != 1 {
		t.Fatalf("expected thumbnail+metadata finalize, got thumbs=%d metas=%d", transport.thumbs, transport.metas)
	}
	if !reporter.thumbSet || !reporter.metaSet {
		t.Fatal("finalize steps not recorded")
	}
}

func TestFinalizeSkipsAppliedSteps(t *testing.T) {
	transport := &fakeTransport{sendHook: acceptAll(20, "unused")}
	reporter := &fakeReporter{}
	job := testJob(20, 8)
	job.ResourceID = "vid-8"
	job.ThumbnailRef = "thumb.jpg"
	job.ThumbnailSet = true
	job.MetaApplied = true
	exec := New(transport, fakeCreds{}, reporter, fakeOpener{}, testConfig())

	if _, err := exec.Run(context.Background(), job, Hooks{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if transport.thumbs != 0 || transport.metas != 0 {
		t.Fatalf("already applied steps re-ran: thumbs=%d metas=%d", transport.thumbs, transport.metas)
	}
}
