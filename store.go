package persisted

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is a string-keyed byte store shared across cells and, potentially,
// across processes. Implementations only move raw bytes; encoding and
// validation stay with the cell. Get reports ok=false when no entry exists,
// which is distinct from an empty entry.
type Store interface {
	Get(ctx context.Context, key string) (raw []byte, ok bool, err error)
	Set(ctx context.Context, key string, raw []byte) error
	Remove(ctx context.Context, key string) error
}

// ChangeEvent describes a mutation of a store entry, typically one performed
// by another execution context sharing the store. Raw is nil when Removed.
type ChangeEvent struct {
	ID         string
	Key        string
	Raw        []byte
	Removed    bool
	OccurredAt time.Time
}

// NewChangeEvent builds a ChangeEvent with a fresh ID and timestamp.
func NewChangeEvent(key string, raw []byte, removed bool) ChangeEvent {
	return ChangeEvent{
		ID:         uuid.NewString(),
		Key:        key,
		Raw:        raw,
		Removed:    removed,
		OccurredAt: time.Now(),
	}
}

// Watcher is an optional Store capability: a change-notification feed for a
// single key. Cells probe for it with a type assertion at construction;
// absence simply disables cross-context synchronization.
//
// Implementations should deliver only changes that originate outside the
// watching context where they can tell origins apart. Cells defensively drop
// echoes of their own writes either way.
type Watcher interface {
	Watch(key string, fn func(ChangeEvent)) (cancel func(), err error)
}
