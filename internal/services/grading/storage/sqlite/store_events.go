package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/gradebook/internal/platform/id"
	"github.com/louisbranch/gradebook/internal/services/grading/domain/event"
	"github.com/louisbranch/gradebook/internal/services/grading/storage"
)

const eventColumns = `seq, event_id, aggregate_id, aggregate_type, event_type, version, data, metadata, timestamp`

// The version check and the insert are one statement: when the guard fails
// no row is produced and nothing is written.
const appendEventSQL = `
INSERT INTO events (event_id, aggregate_id, aggregate_type, event_type, version, data, metadata, timestamp)
SELECT ?, ?, ?, ?, head.version + 1, ?, ?, ?
FROM (SELECT COALESCE(MAX(version), 0) AS version FROM events WHERE aggregate_id = ?) AS head
WHERE ? = 0 OR head.version = ?
RETURNING seq, version`

// AppendEvent persists evt at the aggregate's next version. With a set
// expected version the append fails with *storage.VersionConflictError when
// the aggregate has moved on.
func (s *Store) AppendEvent(ctx context.Context, evt event.Event, expected storage.ExpectedVersion) (event.Event, error) {
	if err := s.ready(ctx); err != nil {
		return event.Event{}, err
	}
	if strings.TrimSpace(evt.AggregateID) == "" {
		return event.Event{}, errors.New("aggregate id is required")
	}
	if evt.ID == "" {
		eventID, err := id.NewID()
		if err != nil {
			return event.Event{}, err
		}
		evt.ID = eventID
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = s.clock()
	}
	evt.Timestamp = evt.Timestamp.UTC().Truncate(time.Millisecond)
	if len(evt.Data) == 0 {
		evt.Data = json.RawMessage("{}")
	}
	metadataJSON, err := json.Marshal(evt.Metadata)
	if err != nil {
		return event.Event{}, fmt.Errorf("encode metadata: %w", err)
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return event.Event{}, storage.Failure("begin append tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	checkVersion := 0
	if expected.Set {
		checkVersion = 1
	}
	var seq, version int64
	err = tx.QueryRowContext(ctx, appendEventSQL,
		evt.ID,
		evt.AggregateID,
		evt.AggregateType,
		string(evt.Type),
		string(evt.Data),
		string(metadataJSON),
		toMillis(evt.Timestamp),
		evt.AggregateID,
		checkVersion,
		int64(expected.Version),
	).Scan(&seq, &version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return event.Event{}, s.conflict(ctx, tx, evt.AggregateID, expected)
	case err != nil && isConstraintError(err) && expected.Set:
		return event.Event{}, s.conflict(ctx, tx, evt.AggregateID, expected)
	case err != nil:
		return event.Event{}, storage.Failure("append event", err)
	}
	evt.Seq = uint64(seq)
	evt.Version = uint64(version)

	if err := s.enqueueHandlerOutbox(ctx, tx, evt); err != nil {
		return event.Event{}, storage.Failure("enqueue handler outbox", err)
	}
	if err := tx.Commit(); err != nil {
		return event.Event{}, storage.Failure("commit append tx", err)
	}
	return evt, nil
}

func (s *Store) conflict(ctx context.Context, tx *sql.Tx, aggregateID string, expected storage.ExpectedVersion) error {
	actual, err := currentVersion(ctx, tx, aggregateID)
	if err != nil {
		return storage.Failure("read current version", err)
	}
	return &storage.VersionConflictError{
		AggregateID: aggregateID,
		Expected:    expected.Version,
		Actual:      actual,
	}
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func currentVersion(ctx context.Context, q queryRower, aggregateID string) (uint64, error) {
	var version int64
	if err := q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = ?`,
		aggregateID,
	).Scan(&version); err != nil {
		return 0, err
	}
	return uint64(version), nil
}

// GetCurrentVersion returns the highest version of aggregateID, 0 if it has no events.
func (s *Store) GetCurrentVersion(ctx context.Context, aggregateID string) (uint64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	version, err := currentVersion(ctx, s.sqlDB, aggregateID)
	if err != nil {
		return 0, storage.Failure("get current version", err)
	}
	return version, nil
}

// ListAggregateEvents returns the events of one aggregate in version order
// within [fromVersion, toVersion]. fromVersion 0 is treated as 1 and
// toVersion 0 means no upper bound.
func (s *Store) ListAggregateEvents(ctx context.Context, aggregateID string, fromVersion, toVersion uint64) ([]event.Event, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if fromVersion == 0 {
		fromVersion = 1
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+eventColumns+`
		 FROM events
		 WHERE aggregate_id = ? AND version >= ? AND (? = 0 OR version <= ?)
		 ORDER BY version`,
		aggregateID,
		int64(fromVersion),
		int64(toVersion),
		int64(toVersion),
	)
	if err != nil {
		return nil, storage.Failure("list aggregate events", err)
	}
	return collectEvents(rows)
}

// ListEvents returns the global feed ordered by timestamp, ties broken by seq.
func (s *Store) ListEvents(ctx context.Context, filter storage.EventFilter) ([]event.Event, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	var (
		clauses []string
		args    []any
	)
	if filter.Type != "" {
		clauses = append(clauses, "event_type = ?")
		args = append(args, string(filter.Type))
	}
	if !filter.Since.IsZero() {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, toMillis(filter.Since))
	}
	if !filter.Until.IsZero() {
		clauses = append(clauses, "timestamp <= ?")
		args = append(args, toMillis(filter.Until))
	}
	query := `SELECT ` + eventColumns + ` FROM events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY timestamp, seq LIMIT ?"
	args = append(args, sqlLimit(filter.Limit))

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.Failure("list events", err)
	}
	return collectEvents(rows)
}

// ListEventsAfterSeq returns up to limit events with seq > afterSeq in seq order.
// A non-positive limit returns everything after afterSeq.
func (s *Store) ListEventsAfterSeq(ctx context.Context, afterSeq uint64, limit int) ([]event.Event, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE seq > ? ORDER BY seq LIMIT ?`,
		int64(afterSeq),
		sqlLimit(limit),
	)
	if err != nil {
		return nil, storage.Failure("list events after seq", err)
	}
	return collectEvents(rows)
}

// GetEventBySeq returns the event at seq or storage.ErrNotFound.
func (s *Store) GetEventBySeq(ctx context.Context, seq uint64) (event.Event, error) {
	if err := s.ready(ctx); err != nil {
		return event.Event{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE seq = ?`, int64(seq))
	evt, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Event{}, storage.ErrNotFound
	}
	if err != nil {
		return event.Event{}, storage.Failure("get event by seq", err)
	}
	return evt, nil
}

// sqlLimit maps "no limit" to SQLite's -1.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (event.Event, error) {
	var (
		evt       event.Event
		seq       int64
		version   int64
		eventType string
		data      string
		metadata  string
		timestamp int64
	)
	if err := row.Scan(&seq, &evt.ID, &evt.AggregateID, &evt.AggregateType, &eventType, &version, &data, &metadata, &timestamp); err != nil {
		return event.Event{}, err
	}
	evt.Seq = uint64(seq)
	evt.Version = uint64(version)
	evt.Type = event.Type(eventType)
	evt.Data = json.RawMessage(data)
	evt.Timestamp = fromMillis(timestamp)
	if err := json.Unmarshal([]byte(metadata), &evt.Metadata); err != nil {
		return event.Event{}, fmt.Errorf("decode metadata for seq %d: %w", seq, err)
	}
	return evt, nil
}

func collectEvents(rows *sql.Rows) ([]event.Event, error) {
	defer rows.Close()
	events := make([]event.Event, 0)
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, storage.Failure("scan event", err)
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Failure("iterate events", err)
	}
	return events, nil
}
