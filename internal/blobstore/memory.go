package blobstore

import (
	"context"
	"sync"
)

// MemoryStore keeps raw records in process memory. Used by the in-process
// broker profile and in tests.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]*RawRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: map[string]*RawRecord{}}
}

// Put stores rec under its object key.
func (s *MemoryStore) Put(_ context.Context, rec *RawRecord) (string, error) {
	if rec.RawID == "" {
		rec.RawID = NewRawID()
	}

	key := ObjectKey(rec)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.objects[key] = rec

	return key, nil
}

// Get returns the record at location, or nil when absent.
func (s *MemoryStore) Get(_ context.Context, location string) (*RawRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.objects[location], nil
}

// Len reports how many objects are stored.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.objects)
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
