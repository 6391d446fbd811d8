// Package postgres provides the relational event store backend.
//
// Events live in an events table with a unique constraint on
// (stream_id, version); the stream_heads table tracks the current version of
// every stream for O(1) lookups. Appends run inside one transaction so either
// all rows land or none do, and a racing append surfaces as a unique
// constraint violation regardless of whether the caller supplied an expected
// version.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/Minh-Khoi-Le/log430-lab7-sub000/event"
	"github.com/Minh-Khoi-Le/log430-lab7-sub000/eventstore"
)

// Config names the backing tables. Immutable after construction.
type Config struct {
	EventsTable    string
	StreamsTable   string
	SnapshotsTable string
}

// DefaultConfig returns the default table names.
func DefaultConfig() Config {
	return Config{
		EventsTable:    "events",
		StreamsTable:   "stream_heads",
		SnapshotsTable: "snapshots",
	}
}

// Store is a PostgreSQL-backed event store.
type Store struct {
	db  *sql.DB
	cfg Config
}

// NewStore creates a Store over the given database handle.
func NewStore(db *sql.DB, cfg Config) *Store {
	return &Store{db: db, cfg: cfg}
}

// Schema returns the DDL for the backing tables, used by the provisioning
// command.
func Schema(cfg Config) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	stream_id       TEXT        NOT NULL,
	version         BIGINT      NOT NULL,
	event_id        UUID        NOT NULL UNIQUE,
	aggregate_type  TEXT        NOT NULL,
	event_type      TEXT        NOT NULL,
	event_data      JSONB       NOT NULL,
	occurred_on     TIMESTAMPTZ NOT NULL,
	schema_version  INT         NOT NULL DEFAULT 1,
	correlation_id  TEXT        NOT NULL DEFAULT '',
	causation_id    TEXT        NOT NULL DEFAULT '',
	user_id         TEXT        NOT NULL DEFAULT '',
	saga_id         TEXT        NOT NULL DEFAULT '',
	source          TEXT        NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (stream_id, version)
);
CREATE INDEX IF NOT EXISTS %[1]s_correlation_idx ON %[1]s (correlation_id);
CREATE INDEX IF NOT EXISTS %[1]s_type_idx ON %[1]s (aggregate_type, event_type);

CREATE TABLE IF NOT EXISTS %[2]s (
	stream_id       TEXT        PRIMARY KEY,
	aggregate_type  TEXT        NOT NULL,
	version         BIGINT      NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS %[3]s (
	aggregate_id    TEXT        PRIMARY KEY,
	version         BIGINT      NOT NULL,
	data            BYTEA       NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`, cfg.EventsTable, cfg.StreamsTable, cfg.SnapshotsTable)
}

// AppendEvents implements eventstore.Store.
func (s *Store) AppendEvents(ctx context.Context, streamID string, events []event.Event, expected eventstore.ExpectedVersion) (int64, error) {
	if len(events) == 0 {
		return s.StreamVersion(ctx, streamID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback()

	var current sql.NullInt64
	headQuery := fmt.Sprintf(`SELECT version FROM %s WHERE stream_id = $1`, s.cfg.StreamsTable)
	err = tx.QueryRowContext(ctx, headQuery, streamID).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("read stream head: %w", err)
	}
	currentVersion := int64(0)
	if current.Valid {
		currentVersion = current.Int64
	}
	if !expected.Matches(currentVersion) {
		return currentVersion, eventstore.ErrConcurrencyConflict
	}

	insert := fmt.Sprintf(`
		INSERT INTO %s (
			stream_id, version, event_id, aggregate_type, event_type, event_data,
			occurred_on, schema_version, correlation_id, causation_id, user_id, saga_id, source
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, s.cfg.EventsTable)

	for i, ev := range events {
		version := currentVersion + int64(i) + 1
		_, err := tx.ExecContext(ctx, insert,
			streamID,
			version,
			ev.EventID,
			ev.AggregateType,
			ev.EventType,
			[]byte(ev.EventData),
			ev.Metadata.OccurredOn,
			ev.Metadata.Version,
			ev.Metadata.CorrelationID,
			ev.Metadata.CausationID,
			ev.Metadata.UserID,
			ev.Metadata.SagaID,
			ev.Metadata.Source,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return currentVersion, eventstore.ErrConcurrencyConflict
			}
			return 0, fmt.Errorf("insert event %d: %w", i, err)
		}
	}

	newVersion := currentVersion + int64(len(events))
	upsert := fmt.Sprintf(`
		INSERT INTO %s (stream_id, aggregate_type, version, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (stream_id)
		DO UPDATE SET version = $3, updated_at = NOW() WHERE %s.version = $4
	`, s.cfg.StreamsTable, s.cfg.StreamsTable)
	res, err := tx.ExecContext(ctx, upsert, streamID, events[0].AggregateType, newVersion, currentVersion)
	if err != nil {
		return 0, fmt.Errorf("update stream head: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Another transaction moved the head between our read and write.
		return currentVersion, eventstore.ErrConcurrencyConflict
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return currentVersion, eventstore.ErrConcurrencyConflict
		}
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return newVersion, nil
}

const eventColumns = `stream_id, version, event_id, aggregate_type, event_type, event_data,
	occurred_on, schema_version, correlation_id, causation_id, user_id, saga_id, source, created_at`

// GetEvents implements eventstore.Store.
func (s *Store) GetEvents(ctx context.Context, streamID string, fromVersion int64) ([]event.StoredEvent, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE stream_id = $1 AND version >= $2
		ORDER BY version ASC
	`, eventColumns, s.cfg.EventsTable)

	rows, err := s.db.QueryContext(ctx, query, streamID, fromVersion)
	if err != nil {
		return nil, fmt.Errorf("query stream events: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 && fromVersion <= 1 {
		exists, err := s.StreamExists(ctx, streamID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, eventstore.ErrNotFound
		}
	}
	return events, nil
}

// QueryEvents implements eventstore.Store.
func (s *Store) QueryEvents(ctx context.Context, q eventstore.Query) ([]event.StoredEvent, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if q.AggregateID != "" {
		add("stream_id = $%d", q.AggregateID)
	}
	if q.AggregateType != "" {
		add("aggregate_type = $%d", q.AggregateType)
	}
	if q.EventType != "" {
		add("event_type = $%d", q.EventType)
	}
	if q.CorrelationID != "" {
		add("correlation_id = $%d", q.CorrelationID)
	}
	if !q.From.IsZero() {
		add("occurred_on >= $%d", q.From)
	}
	if !q.To.IsZero() {
		add("occurred_on <= $%d", q.To)
	}

	query := fmt.Sprintf(`SELECT %s FROM %s`, eventColumns, s.cfg.EventsTable)
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY occurred_on ASC, version ASC"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if q.Offset > 0 {
		args = append(args, q.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]event.StoredEvent, error) {
	var events []event.StoredEvent
	for rows.Next() {
		var (
			ev       event.StoredEvent
			streamID string
			data     []byte
		)
		err := rows.Scan(
			&streamID,
			&ev.Version,
			&ev.EventID,
			&ev.AggregateType,
			&ev.EventType,
			&data,
			&ev.Metadata.OccurredOn,
			&ev.Metadata.Version,
			&ev.Metadata.CorrelationID,
			&ev.Metadata.CausationID,
			&ev.Metadata.UserID,
			&ev.Metadata.SagaID,
			&ev.Metadata.Source,
			&ev.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.AggregateID = streamID
		ev.EventData = data
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return events, nil
}

// GetStream implements eventstore.Store.
func (s *Store) GetStream(ctx context.Context, streamID string) (event.Stream, error) {
	query := fmt.Sprintf(`SELECT aggregate_type, version, updated_at FROM %s WHERE stream_id = $1`, s.cfg.StreamsTable)
	st := event.Stream{StreamID: streamID}
	err := s.db.QueryRowContext(ctx, query, streamID).Scan(&st.AggregateType, &st.Version, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Stream{}, eventstore.ErrNotFound
	}
	if err != nil {
		return event.Stream{}, fmt.Errorf("read stream: %w", err)
	}
	return st, nil
}

// StreamVersion implements eventstore.Store.
func (s *Store) StreamVersion(ctx context.Context, streamID string) (int64, error) {
	query := fmt.Sprintf(`SELECT version FROM %s WHERE stream_id = $1`, s.cfg.StreamsTable)
	var version int64
	err := s.db.QueryRowContext(ctx, query, streamID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read stream version: %w", err)
	}
	return version, nil
}

// StreamExists implements eventstore.Store.
func (s *Store) StreamExists(ctx context.Context, streamID string) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE stream_id = $1)`, s.cfg.StreamsTable)
	var exists bool
	if err := s.db.QueryRowContext(ctx, query, streamID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check stream: %w", err)
	}
	return exists, nil
}

// CreateSnapshot implements eventstore.Store.
func (s *Store) CreateSnapshot(ctx context.Context, snap eventstore.Snapshot) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (aggregate_id, version, data, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (aggregate_id)
		DO UPDATE SET version = $2, data = $3, created_at = NOW()
	`, s.cfg.SnapshotsTable)
	if _, err := s.db.ExecContext(ctx, query, snap.AggregateID, snap.Version, snap.Data); err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	return nil
}

// GetSnapshot implements eventstore.Store.
func (s *Store) GetSnapshot(ctx context.Context, aggregateID string) (eventstore.Snapshot, error) {
	query := fmt.Sprintf(`SELECT version, data, created_at FROM %s WHERE aggregate_id = $1`, s.cfg.SnapshotsTable)
	snap := eventstore.Snapshot{AggregateID: aggregateID}
	err := s.db.QueryRowContext(ctx, query, aggregateID).Scan(&snap.Version, &snap.Data, &snap.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return eventstore.Snapshot{}, eventstore.ErrNotFound
	}
	if err != nil {
		return eventstore.Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	return snap, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

var _ eventstore.Store = (*Store)(nil)
