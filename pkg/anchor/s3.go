package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the subset of the S3 client used by S3Anchor.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Config holds configuration for S3Anchor.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // optional, for MinIO / LocalStack
	Prefix   string
}

// S3Anchor writes each root as an object keyed by the root hash. An object
// that exists is a confirmed anchor.
type S3Anchor struct {
	client S3API
	bucket string
	prefix string
	clock  func() time.Time
}

// NewS3Anchor builds an S3 client from the default AWS credential chain.
func NewS3Anchor(ctx context.Context, cfg S3Config) (*S3Anchor, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 anchor: bucket is required")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3AnchorWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3AnchorWithClient uses an existing client.
func NewS3AnchorWithClient(client S3API, bucket, prefix string) *S3Anchor {
	return &S3Anchor{client: client, bucket: bucket, prefix: prefix, clock: time.Now}
}

func (a *S3Anchor) Name() string { return "s3" }

func (a *S3Anchor) key(root string) string {
	return a.prefix + "anchors/" + root + ".json"
}

func (a *S3Anchor) Submit(ctx context.Context, root string) (string, error) {
	body, err := json.Marshal(anchorRecord{Root: root, SubmittedAt: a.clock().UTC()})
	if err != nil {
		return "", err
	}
	key := a.key(root)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("%w: s3 put %s: %v", ErrAnchorUnavailable, key, err)
	}
	return "s3://" + a.bucket + "/" + key, nil
}

func (a *S3Anchor) Status(ctx context.Context, txRef string) Status {
	key, ok := strings.CutPrefix(txRef, "s3://"+a.bucket+"/")
	if !ok {
		return StatusUnknown
	}
	if _, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return StatusUnknown
	}
	return StatusConfirmed
}

// anchorRecord is the object body written by the blob-store backends.
type anchorRecord struct {
	Root        string    `json:"root"`
	SubmittedAt time.Time `json:"submitted_at"`
}
