package history

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in memory, newest-first. It serves deployments
// without a database path configured and the test suite.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
	nextID  int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1}
}

// Save stores a record. When the store already holds MaxRecords entries the
// oldest one is evicted.
func (s *MemoryStore) Save(_ context.Context, rec *Record) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *rec
	stored.ID = s.nextID
	s.nextID++
	stored.ImageRef = TruncateImageRef(stored.ImageRef)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	// Prepend: the slice stays newest-first.
	s.records = append([]Record{stored}, s.records...)
	if len(s.records) > MaxRecords {
		s.records = s.records[:MaxRecords]
	}
	return stored.ID, nil
}

// List returns records newest-first.
func (s *MemoryStore) List(_ context.Context, q Query) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := q.limit()
	out := make([]Record, 0, limit)
	for _, rec := range s.records {
		if q.UserID != nil && (rec.UserID == nil || *rec.UserID != *q.UserID) {
			continue
		}
		out = append(out, rec)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Delete removes one record.
func (s *MemoryStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, rec := range s.records {
		if rec.ID == id {
			s.records = append(s.records[:i], s.records[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// Clear removes all records.
func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = nil
	return nil
}

// Len reports how many records are held.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
