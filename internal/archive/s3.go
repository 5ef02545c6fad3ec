package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// S3API is the subset of *s3.Client the exporter uses.
type S3API interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config configures the archive bucket. Endpoint is only needed for
// S3-compatible stores such as MinIO or R2.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
}

// NewS3Client builds an S3 client with static credentials.
func NewS3Client(cfg S3Config) (*s3.Client, error) {
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, errors.New("archive: s3 access key and secret are required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	opts := s3.Options{
		Region: cfg.Region,
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
		opts.UsePathStyle = true
	}
	return s3.New(opts), nil
}

// S3Exporter uploads chain archives and their manifests to a bucket.
type S3Exporter struct {
	client  S3API
	bucket  string
	prefix  string
	logger  *zap.Logger
	timeNow func() time.Time
}

// NewS3Exporter creates an S3Exporter.
func NewS3Exporter(client S3API, bucket, prefix string, logger *zap.Logger) (*S3Exporter, error) {
	if client == nil {
		return nil, errors.New("archive: s3 client is required")
	}
	if bucket == "" {
		return nil, errors.New("archive: bucket name is required")
	}
	return &S3Exporter{client: client, bucket: bucket, prefix: prefix, logger: logger, timeNow: time.Now}, nil
}

// ObjectKey names the archive object for blocks [from, to).
func (e *S3Exporter) ObjectKey(from, to uint64) string {
	stamp := e.timeNow().UTC().Format("20060102T150405Z")
	return fmt.Sprintf("%schain-%012d-%012d-%s.ndjson", e.prefix, from, to, stamp)
}

// Export writes blocks [from, to) of src to a temporary file, uploads it and
// then uploads the manifest next to it as <key>.manifest.json.
func (e *S3Exporter) Export(ctx context.Context, src Source, from, to uint64) (string, *Manifest, error) {
	tmp, err := os.CreateTemp("", "medledger-archive-*.ndjson")
	if err != nil {
		return "", nil, fmt.Errorf("create temp archive: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	m, err := Write(ctx, tmp, src, from, to)
	if err != nil {
		return "", nil, err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return "", nil, fmt.Errorf("rewind temp archive: %w", err)
	}

	key := e.ObjectKey(from, from+m.Count)
	if _, err := e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(e.bucket),
		Key:           aws.String(key),
		Body:          tmp,
		ContentLength: aws.Int64(m.Bytes),
		ContentType:   aws.String("application/x-ndjson"),
		Metadata: map[string]string{
			"sha256":    m.SHA256,
			"last-hash": m.LastHash.String(),
		},
	}); err != nil {
		return "", nil, fmt.Errorf("upload archive %s: %w", key, err)
	}

	manifest, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", nil, fmt.Errorf("encode manifest: %w", err)
	}
	if _, err := e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key + ".manifest.json"),
		Body:        bytes.NewReader(manifest),
		ContentType: aws.String("application/json"),
	}); err != nil {
		return "", nil, fmt.Errorf("upload manifest %s: %w", key, err)
	}

	e.logger.Info("chain archive uploaded",
		zap.String("bucket", e.bucket),
		zap.String("key", key),
		zap.Uint64("blocks", m.Count),
		zap.String("sha256", m.SHA256),
	)
	return key, m, nil
}
