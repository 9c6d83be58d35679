package records

import (
	"context"
	"sync"

	"github.com/jonesrussell/bicrawl/internal/domain"
)

// MemoryStore keeps crawl records in process memory, keyed by URL hash.
type MemoryStore struct {
	mu     sync.RWMutex
	byHash map[string]*domain.CrawlRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byHash: map[string]*domain.CrawlRecord{}}
}

// GetByURLHash returns a copy of the record, or nil when absent.
func (s *MemoryStore) GetByURLHash(_ context.Context, urlHash string) (*domain.CrawlRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byHash[urlHash]
	if !ok {
		return nil, nil
	}

	cp := *rec

	return &cp, nil
}

// Upsert stores a copy of rec keyed by its URL hash.
func (s *MemoryStore) Upsert(_ context.Context, rec *domain.CrawlRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	s.byHash[rec.URLHash] = &cp

	return nil
}

// Count returns the number of stored records.
func (s *MemoryStore) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return int64(len(s.byHash)), nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
