package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"video-publish-pipeline/internal/config"
)

// Source exposes a video file for sequential chunked reads. Offsets are
// byte positions; ReadChunk never returns past-EOF bytes.
type Source interface {
	Size() int64
	ContentType() string
	ReadChunk(ctx context.Context, offset int64, n int64) ([]byte, error)
	// Hash streams the full content through SHA-256 and returns the hex digest.
	Hash(ctx context.Context) (string, error)
	Close() error
}

// Resolver opens local paths and s3:// references behind one interface.
// One Resolver is shared across request goroutines.
type Resolver struct {
	cfg config.Config

	mu sync.Mutex
	s3 *s3.Client
}

// NewResolver builds a resolver. The S3 client is created lazily so local-only
// deployments never touch AWS config.
func NewResolver(cfg config.Config) *Resolver {
	return &Resolver{cfg: cfg}
}

// Open resolves a source reference. Unsupported schemes are rejected.
func (r *Resolver) Open(ctx context.Context, ref string) (Source, error) {
	if strings.HasPrefix(ref, "s3://") {
		client, err := r.s3Client(ctx)
		if err != nil {
			return nil, err
		}
		return openS3(ctx, client, ref)
	}
	if strings.Contains(ref, "://") {
		return nil, fmt.Errorf("unsupported source scheme in %q", ref)
	}
	return openLocal(ref)
}

func (r *Resolver) s3Client(ctx context.Context) (*s3.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.s3 != nil {
		return r.s3, nil
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(r.cfg.S3Region),
	}
	if r.cfg.S3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               r.cfg.S3Endpoint,
					HostnameImmutable: r.cfg.S3PathStyle,
					SigningRegion:     r.cfg.S3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	r.s3 = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = r.cfg.S3PathStyle
	})
	return r.s3, nil
}

type localSource struct {
	f    *os.File
	size int64
	mime string
}

func openLocal(path string) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("source file missing: %w", err)
		}
		return nil, fmt.Errorf("open source: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat source: %w", err)
	}
	return &localSource{f: f, size: info.Size(), mime: guessMIME(path)}, nil
}

func (l *localSource) Size() int64         { return l.size }
func (l *localSource) ContentType() string { return l.mime }
func (l *localSource) Close() error        { return l.f.Close() }

func (l *localSource) ReadChunk(_ context.Context, offset int64, n int64) ([]byte, error) {
	if offset >= l.size {
		return nil, io.EOF
	}
	if offset+n > l.size {
		n = l.size - offset
	}
	buf := make([]byte, n)
	if _, err := l.f.ReadAt(buf, offset); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read chunk at %d: %w", offset, err)
	}
	return buf, nil
}

func (l *localSource) Hash(_ context.Context) (string, error) {
	if _, err := l.f.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("seek source: %w", err)
	}
	h := sha256.New()
	if _, err := io.Copy(h, l.f); err != nil {
		return "", fmt.Errorf("hash source: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type s3Source struct {
	client *s3.Client
	bucket string
	key    string
	size   int64
	mime   string
}

func openS3(ctx context.Context, client *s3.Client, ref string) (Source, error) {
	trimmed := strings.TrimPrefix(ref, "s3://")
	bucket, key, ok := strings.Cut(trimmed, "/")
	if !ok || bucket == "" || key == "" {
		return nil, fmt.Errorf("malformed s3 reference %q", ref)
	}
	head, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("head s3 object: %w", err)
	}
	src := &s3Source{client: client, bucket: bucket, key: key, mime: guessMIME(key)}
	if head.ContentLength != nil {
		src.size = *head.ContentLength
	}
	if head.ContentType != nil && *head.ContentType != "" && *head.ContentType != "application/octet-stream" {
		src.mime = *head.ContentType
	}
	return src, nil
}

func (s *s3Source) Size() int64         { return s.size }
func (s *s3Source) ContentType() string { return s.mime }
func (s *s3Source) Close() error        { return nil }

func (s *s3Source) ReadChunk(ctx context.Context, offset int64, n int64) ([]byte, error) {
	if offset >= s.size {
		return nil, io.EOF
	}
	if offset+n > s.size {
		n = s.size - offset
	}
	rng := fmt.Sprintf("bytes=%d-%d", offset, offset+n-1)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
		Range:  aws.String(rng),
	})
	if err != nil {
		return nil, fmt.Errorf("get s3 range %s: %w", rng, err)
	}
	defer out.Body.Close()
	buf, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read s3 range: %w", err)
	}
	return buf, nil
}

func (s *s3Source) Hash(ctx context.Context) (string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		return "", fmt.Errorf("get s3 object: %w", err)
	}
	defer out.Body.Close()
	h := sha256.New()
	if _, err := io.Copy(h, out.Body); err != nil {
		return "", fmt.Errorf("hash s3 object: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func guessMIME(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "video/mp4"
}
