// Package storage persists the state records of persisted entities.
//
// A [Store] keeps at most one [Record] per entity id. Backends:
//
//   - [MemStore]: process memory, for tests and the demo daemon
//   - [PostgresStore]: PostgreSQL through pgx
//   - [SQLiteStore]: a local SQLite file through modernc.org/sqlite
//
// [BreakerStore] wraps any backend with a circuit breaker. All stores are
// safe for concurrent use.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/entitymesh/pkg/entityid"
)

// ErrNotFound is returned by [Store.Get] when no record exists for an id.
var ErrNotFound = errors.New("storage: record not found")

// Record is the persisted state of one entity.
type Record struct {
	EntityID entityid.ID

	// PersistedAt is the time of the persist that produced the record.
	PersistedAt time.Time

	// SchemaVersion is the payload schema version the record was written at.
	SchemaVersion int

	// IsFinal is set by the persist made during graceful shutdown. A record
	// read back with IsFinal unset means the previous incarnation died
	// without stopping cleanly.
	IsFinal bool

	// Payload is the serialized, compressed entity state.
	Payload []byte
}

// Store reads and writes entity records.
type Store interface {
	// Get returns the record of id, or [ErrNotFound].
	Get(ctx context.Context, id entityid.ID) (Record, error)

	// Put inserts or replaces the record of rec.EntityID.
	Put(ctx context.Context, rec Record) error

	// Delete removes the record of id. Deleting a missing record is not an
	// error.
	Delete(ctx context.Context, id entityid.ID) error

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend's resources.
	Close() error
}

func validate(rec Record) error {
	if rec.EntityID.IsNone() {
		return fmt.Errorf("storage: record without entity id")
	}
	if rec.PersistedAt.IsZero() {
		return fmt.Errorf("storage: record for %s without persist time", rec.EntityID)
	}
	if rec.SchemaVersion < 0 {
		return fmt.Errorf("storage: record for %s has negative schema version %d", rec.EntityID, rec.SchemaVersion)
	}
	return nil
}
