package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/myconet/myconet/internal/db"
	"github.com/myconet/myconet/internal/db/dialect"
)

// EventRecord is one intake event. Only the handled flag changes after
// insertion.
type EventRecord struct {
	ID            string
	Timestamp     time.Time
	Source        string
	EventType     string
	Severity      string
	CorrelationID string
	Data          map[string]any
	Handled       bool
}

// EventFilter narrows event queries. Zero values mean "any".
type EventFilter struct {
	Source   string
	Severity string
	Handled  *bool
	Limit    int
}

// EventStore persists intake events.
type EventStore struct {
	pool *db.Pool
}

// NewEventStore creates the store and its schema.
func NewEventStore(pool *db.Pool) (*EventStore, error) {
	s := &EventStore{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("events schema init: %w", err)
	}
	return s, nil
}

func (s *EventStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id             TEXT PRIMARY KEY,
		timestamp      TIMESTAMP NOT NULL,
		source         TEXT NOT NULL,
		event_type     TEXT NOT NULL,
		severity       TEXT NOT NULL,
		correlation_id TEXT NOT NULL DEFAULT '',
		data           TEXT NOT NULL DEFAULT '{}',
		handled        INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_events_source ON events(source);
	CREATE INDEX IF NOT EXISTS idx_events_severity ON events(severity);
	`
	_, err := s.pool.Writer().Exec(schema)
	return err
}

// Insert writes one event row.
func (s *EventStore) Insert(ctx context.Context, rec *EventRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("event record requires an id")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	dataJSON, err := json.Marshal(rec.Data)
	if err != nil {
		dataJSON = []byte("{}")
	}

	writer := s.pool.Writer()
	_, err = writer.ExecContext(ctx, writer.Rebind(`
		INSERT INTO events (id, timestamp, source, event_type, severity, correlation_id, data, handled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.Timestamp, rec.Source, rec.EventType, rec.Severity,
		rec.CorrelationID, string(dataJSON), dialect.BoolToInt(rec.Handled),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Get fetches an event by id.
func (s *EventStore) Get(ctx context.Context, id string) (*EventRecord, error) {
	reader := s.pool.Reader()
	var row eventRow
	err := reader.GetContext(ctx, &row, reader.Rebind(`
		SELECT id, timestamp, source, event_type, severity, correlation_id, data, handled
		FROM events WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: event %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get event: %w", err)
	}
	return row.toRecord(), nil
}

// MarkHandled flips the handled flag.
func (s *EventStore) MarkHandled(ctx context.Context, id string) error {
	writer := s.pool.Writer()
	result, err := writer.ExecContext(ctx,
		writer.Rebind(`UPDATE events SET handled = 1 WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("mark event handled: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: event %s", ErrNotFound, id)
	}
	return nil
}

// Query returns matching events, newest first.
func (s *EventStore) Query(ctx context.Context, filter EventFilter) ([]*EventRecord, error) {
	reader := s.pool.Reader()

	var conds []string
	var args []any
	if filter.Source != "" {
		conds = append(conds, "source = ?")
		args = append(args, filter.Source)
	}
	if filter.Severity != "" {
		conds = append(conds, "severity = ?")
		args = append(args, filter.Severity)
	}
	if filter.Handled != nil {
		conds = append(conds, "handled = ?")
		args = append(args, dialect.BoolToInt(*filter.Handled))
	}

	query := `
		SELECT id, timestamp, source, event_type, severity, correlation_id, data, handled
		FROM events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	var rows []eventRow
	if err := reader.SelectContext(ctx, &rows, reader.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}

	out := make([]*EventRecord, len(rows))
	for i := range rows {
		out[i] = rows[i].toRecord()
	}
	return out, nil
}

// UnhandledCritical returns critical events no one marked handled within
// the last withinHours hours, oldest first so re-alerting keeps arrival
// order.
func (s *EventStore) UnhandledCritical(ctx context.Context, withinHours int) ([]*EventRecord, error) {
	reader := s.pool.Reader()
	driver := reader.DriverName()

	query := fmt.Sprintf(`
		SELECT id, timestamp, source, event_type, severity, correlation_id, data, handled
		FROM events
		WHERE severity = 'critical' AND handled = 0 AND timestamp >= %s
		ORDER BY timestamp ASC`, dialect.NowMinusHours(driver, "?"))

	var rows []eventRow
	if err := reader.SelectContext(ctx, &rows, reader.Rebind(query), withinHours); err != nil {
		return nil, fmt.Errorf("query unhandled critical events: %w", err)
	}

	out := make([]*EventRecord, len(rows))
	for i := range rows {
		out[i] = rows[i].toRecord()
	}
	return out, nil
}

// eventRow is the DB scan target for event queries.
type eventRow struct {
	ID            string    `db:"id"`
	Timestamp     time.Time `db:"timestamp"`
	Source        string    `db:"source"`
	EventType     string    `db:"event_type"`
	Severity      string    `db:"severity"`
	CorrelationID string    `db:"correlation_id"`
	Data          string    `db:"data"`
	Handled       int       `db:"handled"`
}

func (r *eventRow) toRecord() *EventRecord {
	rec := &EventRecord{
		ID:            r.ID,
		Timestamp:     r.Timestamp,
		Source:        r.Source,
		EventType:     r.EventType,
		Severity:      r.Severity,
		CorrelationID: r.CorrelationID,
		Handled:       r.Handled != 0,
	}
	if r.Data != "" {
		_ = json.Unmarshal([]byte(r.Data), &rec.Data)
	}
	return rec
}
