package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	"olmoplayground/internal/gcp"
	"olmoplayground/internal/logger"
)

// Store is the object storage used for uploaded prompt files.
type Store interface {
	UploadContent(ctx context.Context, bucket, name, contentType string, r io.Reader) (string, error)
	DeleteFile(ctx context.Context, bucket, name string) error
	DeleteMultipleFilesByURL(ctx context.Context, urls []string) error
	MoveFile(ctx context.Context, bucket, src, dst string) error
	PublicURL(bucket, name string) string
	// ParseURL splits a URL returned by UploadContent, or a gs:// URI.
	ParseURL(raw string) (bucket, name string, err error)
}

var ErrInvalidURL = errors.New("url does not point into a known bucket")

// GCS implements Store on Google Cloud Storage.
type GCS struct {
	log     *logger.Logger
	client  *storage.Client
	baseURL string
}

func NewGCS(ctx context.Context, log *logger.Logger, publicBaseURL string) (*GCS, error) {
	client, err := storage.NewClient(ctx, gcp.ClientOptionsFromEnv()...)
	if err != nil {
		return nil, fmt.Errorf("storage client: %w", err)
	}
	if publicBaseURL == "" {
		publicBaseURL = "https://storage.googleapis.com"
	}
	return &GCS{
		log:     log.With("service", "filestore.GCS"),
		client:  client,
		baseURL: strings.TrimRight(publicBaseURL, "/"),
	}, nil
}

func (g *GCS) Close() error {
	if g == nil || g.client == nil {
		return nil
	}
	return g.client.Close()
}

func (g *GCS) UploadContent(ctx context.Context, bucket, name, contentType string, r io.Reader) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := g.client.Bucket(bucket).Object(name).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("upload %s/%s: %w", bucket, name, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize upload %s/%s: %w", bucket, name, err)
	}
	return g.PublicURL(bucket, name), nil
}

func (g *GCS) DeleteFile(ctx context.Context, bucket, name string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	err := g.client.Bucket(bucket).Object(name).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete %s/%s: %w", bucket, name, err)
	}
	return nil
}

// DeleteMultipleFilesByURL removes every object referenced by urls. It keeps
// going after a failure and returns the joined errors.
func (g *GCS) DeleteMultipleFilesByURL(ctx context.Context, urls []string) error {
	var errs []error
	for _, raw := range urls {
		bucket, name, err := ParseObjectURL(raw, g.baseURL)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", raw, err))
			continue
		}
		if err := g.DeleteFile(ctx, bucket, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (g *GCS) MoveFile(ctx context.Context, bucket, src, dst string) error {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	b := g.client.Bucket(bucket)
	if _, err := b.Object(dst).CopierFrom(b.Object(src)).Run(ctx); err != nil {
		return fmt.Errorf("copy %s -> %s: %w", src, dst, err)
	}
	if err := b.Object(src).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		g.log.Warn("move left source behind", "bucket", bucket, "object", src, "error", err)
	}
	return nil
}

func (g *GCS) ParseURL(raw string) (string, string, error) {
	return ParseObjectURL(raw, g.baseURL)
}

func (g *GCS) PublicURL(bucket, name string) string {
	return fmt.Sprintf("%s/%s/%s", g.baseURL, bucket, name)
}

// GCSURI formats a gs:// reference, the form the video API consumes.
func GCSURI(bucket, name string) string {
	return fmt.Sprintf("gs://%s/%s", bucket, name)
}

// ParseObjectURL splits a public or gs:// URL into bucket and object name.
func ParseObjectURL(raw, publicBaseURL string) (string, string, error) {
	rest := ""
	switch {
	case strings.HasPrefix(raw, "gs://"):
		rest = strings.TrimPrefix(raw, "gs://")
	case publicBaseURL != "" && strings.HasPrefix(raw, strings.TrimRight(publicBaseURL, "/")+"/"):
		rest = strings.TrimPrefix(raw, strings.TrimRight(publicBaseURL, "/")+"/")
	default:
		return "", "", ErrInvalidURL
	}
	bucket, name, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || name == "" {
		return "", "", ErrInvalidURL
	}
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	return bucket, name, nil
}
