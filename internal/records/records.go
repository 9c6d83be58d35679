// Package records stores per-URL crawl metadata used by the recrawl gate
// and conditional requests.
package records

import (
	"context"

	"github.com/jonesrussell/bicrawl/internal/domain"
)

// Store is the persistence contract for crawl records.
type Store interface {
	// GetByURLHash returns the record for a URL hash, or nil, nil when no
	// record exists.
	GetByURLHash(ctx context.Context, urlHash string) (*domain.CrawlRecord, error)
	// Upsert inserts or replaces the record keyed by its URL hash.
	Upsert(ctx context.Context, rec *domain.CrawlRecord) error
	// Count returns how many records exist.
	Count(ctx context.Context) (int64, error)
	Close() error
}
