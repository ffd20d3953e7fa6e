// Package store provides the shared snapshot store used as an opportunistic
// second-level cache for indicator data. Unlike the in-process TTL cache, a
// store can outlive one process and be shared between instances, so every
// operation takes a context and can fail.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Snapshot is one cached indicator payload. Payload stays raw JSON so the
// store never needs to know individual indicator shapes.
type Snapshot struct {
	Indicator string          `json:"indicator"`
	Payload   json.RawMessage `json:"payload"`
	FetchedAt time.Time       `json:"fetchedAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// SnapshotStore is the backend contract. Lookup reports absence via the bool
// rather than an error; errors mean the backend itself misbehaved.
type SnapshotStore interface {
	Lookup(ctx context.Context, key string) (Snapshot, bool, error)
	Store(ctx context.Context, key string, snap Snapshot) error
	DeletePrefix(ctx context.Context, prefix string) error
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}
