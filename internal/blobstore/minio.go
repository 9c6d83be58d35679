package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/jonesrussell/bicrawl/internal/logger"
)

// MinioConfig holds object storage connection settings.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string `json:"-"`
	Bucket    string
	UseSSL    bool
}

// MinioStore persists raw records as objects in a MinIO bucket. Capture
// context rides in user metadata so objects are self-describing.
type MinioStore struct {
	client *miniogo.Client
	bucket string
	log    logger.Interface
}

// NewMinioStore connects to MinIO and verifies the bucket exists.
func NewMinioStore(ctx context.Context, cfg MinioConfig, log logger.Interface) (*MinioStore, error) {
	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}

	if !exists {
		if makeErr := client.MakeBucket(ctx, cfg.Bucket, miniogo.MakeBucketOptions{}); makeErr != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, makeErr)
		}
	}

	log.Info("blob store initialized",
		"endpoint", cfg.Endpoint,
		"bucket", cfg.Bucket,
	)

	return &MinioStore{client: client, bucket: cfg.Bucket, log: log}, nil
}

// Put uploads the record body under its object key.
func (s *MinioStore) Put(ctx context.Context, rec *RawRecord) (string, error) {
	if rec.RawID == "" {
		rec.RawID = NewRawID()
	}

	key := ObjectKey(rec)

	contentType := rec.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := s.client.PutObject(ctx, s.bucket, key,
		bytes.NewReader(rec.Body), int64(len(rec.Body)),
		miniogo.PutObjectOptions{
			ContentType: contentType,
			UserMetadata: map[string]string{
				"url":         rec.URL,
				"final-url":   rec.FinalURL,
				"job-id":      rec.JobID,
				"status-code": strconv.Itoa(rec.StatusCode),
				"truncated":   strconv.FormatBool(rec.Truncated),
				"rendered-js": strconv.FormatBool(rec.RenderedJS),
				"fetched-at":  rec.FetchedAt.UTC().Format(time.RFC3339),
			},
		},
	)
	if err != nil {
		return "", fmt.Errorf("upload raw body: %w", err)
	}

	s.log.Debug("uploaded raw body",
		"object_key", key,
		"size", len(rec.Body),
		"url", rec.URL,
	)

	return key, nil
}

// Get downloads the object at location. Returns nil, nil when absent.
func (s *MinioStore) Get(ctx context.Context, location string) (*RawRecord, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, location, miniogo.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get raw body: %w", err)
	}
	defer obj.Close()

	body, err := io.ReadAll(obj)
	if err != nil {
		var minioErr miniogo.ErrorResponse
		if errors.As(err, &minioErr) && minioErr.Code == "NoSuchKey" {
			return nil, nil
		}

		return nil, fmt.Errorf("read raw body: %w", err)
	}

	stat, err := obj.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat raw body: %w", err)
	}

	rec := &RawRecord{
		URL:         stat.UserMetadata["Url"],
		FinalURL:    stat.UserMetadata["Final-Url"],
		JobID:       stat.UserMetadata["Job-Id"],
		ContentType: stat.ContentType,
		Body:        body,
	}

	if code, convErr := strconv.Atoi(stat.UserMetadata["Status-Code"]); convErr == nil {
		rec.StatusCode = code
	}

	return rec, nil
}

// HealthCheck verifies bucket reachability.
func (s *MinioStore) HealthCheck(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("blob store health check: %w", err)
	}

	if !exists {
		return fmt.Errorf("bucket %s does not exist", s.bucket)
	}

	return nil
}

// Close is a no-op; the client holds no persistent connection.
func (s *MinioStore) Close() error { return nil }
