package anchor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/storage"
)

// objectBucket is the slice of a GCS bucket used by GCSAnchor.
type objectBucket interface {
	Write(ctx context.Context, name string, data []byte) error
	Exists(ctx context.Context, name string) (bool, error)
}

type gcsBucket struct {
	handle *storage.BucketHandle
}

func (b gcsBucket) Write(ctx context.Context, name string, data []byte) error {
	w := b.handle.Object(name).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs close failed: %w", err)
	}
	return nil
}

func (b gcsBucket) Exists(ctx context.Context, name string) (bool, error) {
	_, err := b.handle.Object(name).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("gcs attrs error: %w", err)
	}
	return true, nil
}

// GCSConfig holds configuration for GCSAnchor.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// GCSAnchor writes each root as a Cloud Storage object.
type GCSAnchor struct {
	client *storage.Client
	bucket objectBucket
	name   string
	prefix string
	clock  func() time.Time
}

// NewGCSAnchor creates a client using Application Default Credentials.
func NewGCSAnchor(ctx context.Context, cfg GCSConfig) (*GCSAnchor, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs anchor: bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	a := newGCSAnchor(gcsBucket{handle: client.Bucket(cfg.Bucket)}, cfg.Bucket, cfg.Prefix)
	a.client = client
	return a, nil
}

func newGCSAnchor(b objectBucket, name, prefix string) *GCSAnchor {
	return &GCSAnchor{bucket: b, name: name, prefix: prefix, clock: time.Now}
}

func (a *GCSAnchor) Name() string { return "gcs" }

func (a *GCSAnchor) Submit(ctx context.Context, root string) (string, error) {
	body, err := json.Marshal(anchorRecord{Root: root, SubmittedAt: a.clock().UTC()})
	if err != nil {
		return "", err
	}
	object := a.prefix + "anchors/" + root + ".json"
	if err := a.bucket.Write(ctx, object, body); err != nil {
		return "", fmt.Errorf("%w: %v", ErrAnchorUnavailable, err)
	}
	return "gs://" + a.name + "/" + object, nil
}

func (a *GCSAnchor) Status(ctx context.Context, txRef string) Status {
	object, ok := strings.CutPrefix(txRef, "gs://"+a.name+"/")
	if !ok {
		return StatusUnknown
	}
	exists, err := a.bucket.Exists(ctx, object)
	if err != nil || !exists {
		return StatusUnknown
	}
	return StatusConfirmed
}

// Close closes the underlying client, if this anchor owns one.
func (a *GCSAnchor) Close() error {
	if a.client == nil {
		return nil
	}
	return a.client.Close()
}
