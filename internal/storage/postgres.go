package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/entitymesh/pkg/entityid"
)

var _ Store = (*PostgresStore)(nil)

// DB is the subset of [pgxpool.Pool] used by [PostgresStore].
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

const ddlEntityRecords = `
CREATE TABLE IF NOT EXISTS entity_records (
    kind           SMALLINT     NOT NULL,
    value          BIGINT       NOT NULL,
    persisted_at   TIMESTAMPTZ  NOT NULL,
    schema_version INTEGER      NOT NULL,
    is_final       BOOLEAN      NOT NULL,
    payload        BYTEA        NOT NULL,
    PRIMARY KEY (kind, value)
);

CREATE INDEX IF NOT EXISTS idx_entity_records_schema_version
    ON entity_records (kind, schema_version);
`

// PostgresStore keeps records in the entity_records table.
type PostgresStore struct {
	db    DB
	close func()
}

// OpenPostgres connects a pool to dsn, checks it and creates the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	s := &PostgresStore{db: pool, close: pool.Close}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore wraps an existing connection. The caller owns db; Close
// does not release it.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the table and indexes if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, ddlEntityRecords); err != nil {
		return fmt.Errorf("postgres store: migrate: %w", err)
	}
	return nil
}

// Get implements [Store].
func (s *PostgresStore) Get(ctx context.Context, id entityid.ID) (Record, error) {
	const q = `
		SELECT persisted_at, schema_version, is_final, payload
		FROM   entity_records
		WHERE  kind = $1 AND value = $2`

	rec := Record{EntityID: id}
	err := s.db.QueryRow(ctx, q, int16(id.Kind()), int64(id.Value())).
		Scan(&rec.PersistedAt, &rec.SchemaVersion, &rec.IsFinal, &rec.Payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("postgres store: get %s: %w", id, err)
	}
	return rec, nil
}

// Put implements [Store].
func (s *PostgresStore) Put(ctx context.Context, rec Record) error {
	if err := validate(rec); err != nil {
		return err
	}
	const q = `
		INSERT INTO entity_records (kind, value, persisted_at, schema_version, is_final, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (kind, value) DO UPDATE SET
		    persisted_at   = EXCLUDED.persisted_at,
		    schema_version = EXCLUDED.schema_version,
		    is_final       = EXCLUDED.is_final,
		    payload        = EXCLUDED.payload`

	_, err := s.db.Exec(ctx, q,
		int16(rec.EntityID.Kind()),
		int64(rec.EntityID.Value()),
		rec.PersistedAt.UTC().Truncate(time.Microsecond),
		rec.SchemaVersion,
		rec.IsFinal,
		rec.Payload,
	)
	if err != nil {
		return fmt.Errorf("postgres store: put %s: %w", rec.EntityID, err)
	}
	return nil
}

// Delete implements [Store].
func (s *PostgresStore) Delete(ctx context.Context, id entityid.ID) error {
	const q = `DELETE FROM entity_records WHERE kind = $1 AND value = $2`
	if _, err := s.db.Exec(ctx, q, int16(id.Kind()), int64(id.Value())); err != nil {
		return fmt.Errorf("postgres store: delete %s: %w", id, err)
	}
	return nil
}

// Ping implements [Store].
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("postgres store: ping: %w", err)
	}
	return nil
}

// Close implements [Store]. It closes the pool opened by [OpenPostgres].
func (s *PostgresStore) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}
