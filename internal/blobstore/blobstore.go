// Package blobstore persists raw crawl bodies. Objects are keyed
// {domain}/{job_id}/{raw_id}.html so one job's pages for a domain group
// together in the bucket.
package blobstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RawRecord is a stored response body plus its capture context.
type RawRecord struct {
	RawID       string            `json:"raw_id"`
	URL         string            `json:"url"`
	FinalURL    string            `json:"final_url"`
	Domain      string            `json:"domain"`
	JobID       string            `json:"job_id"`
	StatusCode  int               `json:"status_code"`
	ContentType string            `json:"content_type"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        []byte            `json:"-"`
	Truncated   bool              `json:"truncated"`
	RenderedJS  bool              `json:"rendered_js"`
	FetchedAt   time.Time         `json:"fetched_at"`
}

// Store is the persistence contract for raw bodies.
type Store interface {
	// Put stores the record and returns its storage location.
	Put(ctx context.Context, rec *RawRecord) (string, error)
	// Get retrieves a record by its storage location. Returns nil, nil
	// when the location does not exist.
	Get(ctx context.Context, location string) (*RawRecord, error)
	Close() error
}

// NewRawID returns a fresh raw record identifier.
func NewRawID() string {
	return uuid.NewString()
}

// ObjectKey builds the canonical storage key for a record.
func ObjectKey(rec *RawRecord) string {
	domain := rec.Domain
	if domain == "" {
		domain = "unknown"
	}

	jobID := rec.JobID
	if jobID == "" {
		jobID = "adhoc"
	}

	return fmt.Sprintf("%s/%s/%s.html", domain, jobID, rec.RawID)
}
