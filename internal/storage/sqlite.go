package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/entitymesh/pkg/entityid"
)

var _ Store = (*SQLiteStore)(nil)

const ddlSQLiteRecords = `
CREATE TABLE IF NOT EXISTS entity_records (
    kind           INTEGER NOT NULL,
    value          INTEGER NOT NULL,
    persisted_at   INTEGER NOT NULL,
    schema_version INTEGER NOT NULL,
    is_final       INTEGER NOT NULL,
    payload        BLOB    NOT NULL,
    PRIMARY KEY (kind, value)
) WITHOUT ROWID;
`

// SQLiteStore keeps records in a local SQLite database. Persist times are
// stored as Unix microseconds.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database file at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite store: path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store: ping: %w", err)
	}
	if _, err := db.Exec(ddlSQLiteRecords); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store: migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Get implements [Store].
func (s *SQLiteStore) Get(ctx context.Context, id entityid.ID) (Record, error) {
	var (
		rec     = Record{EntityID: id}
		micros  int64
		isFinal int
	)
	err := s.db.QueryRowContext(ctx, `
SELECT persisted_at, schema_version, is_final, payload
FROM entity_records
WHERE kind = ? AND value = ?
`, int(id.Kind()), int64(id.Value())).Scan(&micros, &rec.SchemaVersion, &isFinal, &rec.Payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("sqlite store: get %s: %w", id, err)
	}
	rec.PersistedAt = time.UnixMicro(micros).UTC()
	rec.IsFinal = isFinal != 0
	return rec, nil
}

// Put implements [Store].
func (s *SQLiteStore) Put(ctx context.Context, rec Record) error {
	if err := validate(rec); err != nil {
		return err
	}
	isFinal := 0
	if rec.IsFinal {
		isFinal = 1
	}
	payload := rec.Payload
	if payload == nil {
		payload = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO entity_records (kind, value, persisted_at, schema_version, is_final, payload)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (kind, value) DO UPDATE SET
	persisted_at = excluded.persisted_at,
	schema_version = excluded.schema_version,
	is_final = excluded.is_final,
	payload = excluded.payload
`,
		int(rec.EntityID.Kind()),
		int64(rec.EntityID.Value()),
		rec.PersistedAt.UnixMicro(),
		rec.SchemaVersion,
		isFinal,
		payload,
	)
	if err != nil {
		return fmt.Errorf("sqlite store: put %s: %w", rec.EntityID, err)
	}
	return nil
}

// Delete implements [Store].
func (s *SQLiteStore) Delete(ctx context.Context, id entityid.ID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM entity_records WHERE kind = ? AND value = ?`,
		int(id.Kind()), int64(id.Value()))
	if err != nil {
		return fmt.Errorf("sqlite store: delete %s: %w", id, err)
	}
	return nil
}

// Ping implements [Store].
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite store: ping: %w", err)
	}
	return nil
}

// Close implements [Store].
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
