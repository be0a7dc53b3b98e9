// Package store persists document snapshots between relay sessions.
package store

import (
	"context"
	"sync"
)

// SnapshotStore keeps the latest encoded state of each document. A missing
// snapshot loads as (nil, nil).
type SnapshotStore interface {
	LoadSnapshot(ctx context.Context, document string) ([]byte, error)
	SaveSnapshot(ctx context.Context, document string, state []byte) error
	Ping(ctx context.Context) error
}

// MemoryStore keeps snapshots for the lifetime of the process.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[string][]byte)}
}

func (s *MemoryStore) LoadSnapshot(_ context.Context, document string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.snapshots[document]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), state...), nil
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, document string, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[document] = append([]byte(nil), state...)
	return nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}
