package store

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryStore struct {
	ttl time.Duration

	mu    sync.Mutex
	snaps map[string]Snapshot
}

// NewMemory returns an in-process snapshot store. It mirrors the redis
// backend's semantics so the two stay interchangeable behind SnapshotStore.
func NewMemory(ttl time.Duration) SnapshotStore {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &memoryStore{ttl: ttl, snaps: make(map[string]Snapshot)}
}

func (s *memoryStore) Lookup(_ context.Context, key string) (Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[key]
	if !ok {
		return Snapshot{}, false, nil
	}
	if time.Now().After(snap.ExpiresAt) {
		delete(s.snaps, key)
		return Snapshot{}, false, nil
	}
	return cloneSnapshot(snap), true, nil
}

func (s *memoryStore) Store(_ context.Context, key string, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.FetchedAt.IsZero() {
		snap.FetchedAt = time.Now().UTC()
	}
	if snap.ExpiresAt.IsZero() || snap.ExpiresAt.Before(snap.FetchedAt) {
		snap.ExpiresAt = snap.FetchedAt.Add(s.ttl)
	}
	s.snaps[key] = cloneSnapshot(snap)
	return nil
}

func (s *memoryStore) DeletePrefix(_ context.Context, prefix string) error {
	if prefix == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.snaps {
		if strings.HasPrefix(key, prefix) {
			delete(s.snaps, key)
		}
	}
	return nil
}

func (s *memoryStore) Size(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.snaps)), nil
}

func (s *memoryStore) Close(context.Context) error {
	return nil
}

func cloneSnapshot(in Snapshot) Snapshot {
	out := in
	if len(in.Payload) > 0 {
		out.Payload = append([]byte(nil), in.Payload...)
	}
	return out
}
