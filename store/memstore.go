// Package store provides rendezvous store implementations of
// transport.RendezvousStore (spec.md §3): an in-memory store for tests and a
// single-process simulation, and a networked store over gorilla/websocket
// for real multi-process rendezvous.
package store

import (
	"context"
	"sync"

	"github.com/cisco-open/pymultiworld/errors"
	"github.com/cisco-open/pymultiworld/transport"
)

// MemStore is an in-process, in-memory RendezvousStore. It is what
// transport/loopback and every package test in this module rendezvous
// through, standing in for a real networked store the way an in-memory
// queue stands in for a database-backed one (pulse/async/queue.go).
type MemStore struct {
	mu     sync.Mutex
	values map[string][]byte
	counts map[string]int64
	closed bool
}

// NewMemStore constructs an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		values: make(map[string][]byte),
		counts: make(map[string]int64),
	}
}

func (s *MemStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.StoreErrorf("", nil, "store closed")
	}
	v, ok := s.values[key]
	if !ok {
		return nil, errors.NotFound(key)
	}
	cp := append([]byte(nil), v...)
	return cp, nil
}

func (s *MemStore) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.StoreErrorf("", nil, "store closed")
	}
	s.values[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemStore) Add(ctx context.Context, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.StoreErrorf("", nil, "store closed")
	}
	s.counts[key] += delta
	return s.counts[key], nil
}

func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ transport.RendezvousStore = (*MemStore)(nil)
