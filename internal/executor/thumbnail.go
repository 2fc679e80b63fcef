package executor

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/disintegration/imaging"

	"video-publish-pipeline/internal/platform"
)

// prepareThumbnail loads the thumbnail and enforces the platform's byte
// limit. Oversized images are downscaled to ThumbMaxWidth and re-encoded as
// JPEG; an image that still will not fit is a permanent failure.
func (e *Executor) prepareThumbnail(ctx context.Context, ref string) ([]byte, string, error) {
	src, err := e.sources.Open(ctx, ref)
	if err != nil {
		return nil, "", fmt.Errorf("open thumbnail: %w", err)
	}
	defer src.Close()

	raw, err := src.ReadChunk(ctx, 0, src.Size())
	if err != nil {
		return nil, "", fmt.Errorf("read thumbnail: %w", err)
	}

	maxBytes := e.cfg.ThumbMaxBytes
	if maxBytes == 0 {
		maxBytes = 2 << 20
	}
	if int64(len(raw)) <= maxBytes {
		return raw, sniffImageType(raw), nil
	}

	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, "", &platform.PermanentError{Body: fmt.Sprintf("thumbnail not decodable: %v", err)}
	}

	maxWidth := e.cfg.ThumbMaxWidth
	if maxWidth == 0 {
		maxWidth = 1280
	}
	if img.Bounds().Dx() > maxWidth {
		img = imaging.Resize(img, maxWidth, 0, imaging.Lanczos)
	}

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, "", fmt.Errorf("encode thumbnail: %w", err)
	}
	if int64(buf.Len()) > maxBytes {
		return nil, "", &platform.PermanentError{Body: fmt.Sprintf("thumbnail still %d bytes after downscale (limit %d)", buf.Len(), maxBytes)}
	}
	return buf.Bytes(), "image/jpeg", nil
}

func sniffImageType(raw []byte) string {
	t := http.DetectContentType(raw)
	if t == "application/octet-stream" {
		return "image/jpeg"
	}
	return t
}
