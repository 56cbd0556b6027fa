package report

import (
	"context"
	"errors"
	"sync"

	"github.com/animus-labs/cloudpipe/internal/domain"
)

var (
	ErrNotFound = errors.New("run record not found")
	// ErrFinalized is returned when saving over a terminal record.
	ErrFinalized = errors.New("run record is terminal and cannot change")
)

// Store persists run records. Save upserts a record until it reaches a
// terminal status; afterwards it fails with ErrFinalized.
type Store interface {
	Save(ctx context.Context, rec domain.RunRecord) error
	Get(ctx context.Context, runID string) (domain.RunRecord, error)
}

// LineageWriter is implemented by stores that also keep lineage events.
type LineageWriter interface {
	WriteLineage(ctx context.Context, rec domain.RunRecord) error
}

// MemoryStore keeps records in process memory. Records are copied on the way
// in and out.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]domain.RunRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]domain.RunRecord{}}
}

func (s *MemoryStore) Save(ctx context.Context, rec domain.RunRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[rec.RunID]; ok && existing.Status.Terminal() {
		return ErrFinalized
	}
	s.records[rec.RunID] = rec.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, runID string) (domain.RunRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.RunRecord{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[runID]
	if !ok {
		return domain.RunRecord{}, ErrNotFound
	}
	return rec.Clone(), nil
}
