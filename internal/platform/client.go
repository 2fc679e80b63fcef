package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"video-publish-pipeline/internal/models"
)

const (
	videoUploadPath     = "/upload/youtube/v3/videos"
	thumbnailUploadPath = "/upload/youtube/v3/thumbnails/set"
	videosPath          = "/youtube/v3/videos"
	categoryID          = "22"
)

// Session is one in-progress resumable transfer. URI is the opaque resume
// location handed out by the platform at initiation.
type Session struct {
	URI         string
	TotalBytes  int64
	ContentType string
	CreatedAt   time.Time
}

// ChunkResult is the tagged outcome of one chunk transfer.
type ChunkResult struct {
	// NextOffset is set when the chunk was accepted and more bytes remain.
	NextOffset int64
	// ResourceID is set when the final chunk completed the upload.
	ResourceID string
	Completed  bool
}

type videoSnippet struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`
	CategoryID  string   `json:"categoryId"`
}

type videoStatus struct {
	PrivacyStatus string `json:"privacyStatus"`
	PublishAt     string `json:"publishAt,omitempty"`
}

type videoResource struct {
	ID      string       `json:"id,omitempty"`
	Snippet videoSnippet `json:"snippet"`
	Status  videoStatus  `json:"status"`
}

// Client speaks the platform's resumable upload protocol. Each call has a
// bounded wait; exceeding it surfaces as a TransientError.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, chunkTimeout time.Duration) *Client {
	if chunkTimeout == 0 {
		chunkTimeout = 2 * time.Minute
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: chunkTimeout},
	}
}

func videoBody(meta models.VideoMeta) videoResource {
	status := videoStatus{PrivacyStatus: meta.Visibility}
	if meta.PublishAt != nil {
		// Scheduled publishes must be created private; the platform flips
		// visibility at publishAt.
		status.PrivacyStatus = models.VisibilityPrivate
		status.PublishAt = meta.PublishAt.UTC().Format(time.RFC3339)
	}
	return videoResource{
		Snippet: videoSnippet{
			Title:       meta.Title,
			Description: meta.Description,
			Tags:        meta.Tags,
			CategoryID:  categoryID,
		},
		Status: status,
	}
}

// StartSession declares total size and content type and returns the session
// resume location from the Location header.
func (c *Client) StartSession(ctx context.Context, token string, meta models.VideoMeta, totalBytes int64, contentType string) (Session, error) {
	body, err := json.Marshal(videoBody(meta))
	if err != nil {
		return Session{}, fmt.Errorf("marshal metadata: %w", err)
	}

	url := c.baseURL + videoUploadPath + "?uploadType=resumable&part=snippet,status"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Session{}, fmt.Errorf("build initiation request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Upload-Content-Length", strconv.FormatInt(totalBytes, 10))
	req.Header.Set("X-Upload-Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return Session{}, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Session{}, classify(resp)
	}
	loc := resp.Header.Get("Location")
	if loc == "" {
		return Session{}, &PermanentError{Status: resp.StatusCode, Body: "initiation response missing Location"}
	}
	return Session{
		URI:         loc,
		TotalBytes:  totalBytes,
		ContentType: contentType,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// QueryOffset asks the platform how many bytes of the session it holds.
// Returns the next expected offset, or the resource id if the upload
// already finished. An unknown session yields ErrSessionExpired.
func (c *Client) QueryOffset(ctx context.Context, token string, sess Session) (int64, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, sess.URI, nil)
	if err != nil {
		return 0, "", fmt.Errorf("build offset query: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Range", fmt.Sprintf("bytes */%d", sess.TotalBytes))

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, "", &TransientError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPermanentRedirect:
		return nextOffsetFromRange(resp.Header.Get("Range")), "", nil
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		id, err := resourceIDFromBody(resp.Body)
		if err != nil {
			return 0, "", err
		}
		return sess.TotalBytes, id, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return 0, "", ErrSessionExpired
	default:
		return 0, "", classify(resp)
	}
}

// SendChunk transfers one chunk starting at offset. The server's 308
// response carries the range it holds; if that disagrees with what we just
// sent, a RangeMismatchError tells the caller where to resume.
func (c *Client) SendChunk(ctx context.Context, token string, sess Session, offset int64, chunk []byte) (ChunkResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, sess.URI, bytes.NewReader(chunk))
	if err != nil {
		return ChunkResult{}, fmt.Errorf("build chunk request: %w", err)
	}
	last := offset + int64(len(chunk)) - 1
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", sess.ContentType)
	req.ContentLength = int64(len(chunk))
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, last, sess.TotalBytes))

	resp, err := c.http.Do(req)
	if err != nil {
		return ChunkResult{}, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPermanentRedirect:
		next := nextOffsetFromRange(resp.Header.Get("Range"))
		if next != offset+int64(len(chunk)) {
			return ChunkResult{}, &RangeMismatchError{ServerOffset: next}
		}
		return ChunkResult{NextOffset: next}, nil
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		id, err := resourceIDFromBody(resp.Body)
		if err != nil {
			return ChunkResult{}, err
		}
		return ChunkResult{ResourceID: id, Completed: true, NextOffset: sess.TotalBytes}, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return ChunkResult{}, ErrSessionExpired
	default:
		return ChunkResult{}, classify(resp)
	}
}

// AttachThumbnail sets the video thumbnail in a single shot.
func (c *Client) AttachThumbnail(ctx context.Context, token, resourceID string, img []byte, contentType string) error {
	url := c.baseURL + thumbnailUploadPath + "?videoId=" + resourceID
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(img))
	if err != nil {
		return fmt.Errorf("build thumbnail request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classify(resp)
	}
	return nil
}

// UpdateMetadata re-applies title/description/tags/visibility/schedule to an
// existing resource. Safe to call repeatedly with the same metadata.
func (c *Client) UpdateMetadata(ctx context.Context, token, resourceID string, meta models.VideoMeta) error {
	res := videoBody(meta)
	res.ID = resourceID
	body, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	url := c.baseURL + videosPath + "?part=snippet,status"
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build metadata request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classify(resp)
	}
	return nil
}

// classify maps a non-success response to the retry taxonomy.
func classify(resp *http.Response) error {
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return &TransientError{Status: resp.StatusCode}
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &PermanentError{Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
}

// nextOffsetFromRange parses a "Range: bytes=0-N" header into the next
// expected offset. An absent header means no bytes were received.
func nextOffsetFromRange(header string) int64 {
	if header == "" {
		return 0
	}
	_, upper, ok := strings.Cut(header, "-")
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return 0
	}
	return n + 1
}

func resourceIDFromBody(r io.Reader) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return "", &PermanentError{Status: http.StatusOK, Body: "malformed completion response"}
	}
	if out.ID == "" {
		return "", &PermanentError{Status: http.StatusOK, Body: "completion response missing resource id"}
	}
	return out.ID, nil
}
