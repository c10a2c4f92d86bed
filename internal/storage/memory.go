package storage

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/entitymesh/pkg/entityid"
)

var _ Store = (*MemStore)(nil)

// MemStore keeps records in process memory. Records are copied on the way
// in and out, so callers may reuse their payload buffers.
type MemStore struct {
	mu      sync.RWMutex
	records map[entityid.ID]Record
	puts    int
}

// NewMemStore returns an empty [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[entityid.ID]Record)}
}

// Get implements [Store].
func (s *MemStore) Get(ctx context.Context, id entityid.ID) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec.Payload = slices.Clone(rec.Payload)
	return rec, nil
}

// Put implements [Store].
func (s *MemStore) Put(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validate(rec); err != nil {
		return err
	}
	rec.Payload = slices.Clone(rec.Payload)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.EntityID] = rec
	s.puts++
	return nil
}

// Delete implements [Store].
func (s *MemStore) Delete(ctx context.Context, id entityid.ID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

// Ping implements [Store].
func (s *MemStore) Ping(ctx context.Context) error { return ctx.Err() }

// Close implements [Store].
func (s *MemStore) Close() error { return nil }

// Len returns the number of stored records.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Puts returns the number of successful writes since creation.
func (s *MemStore) Puts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.puts
}
