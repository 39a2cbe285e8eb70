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

// AuditRecord is one immutable fabric outcome. Records are append-only;
// retention is handled outside the process.
type AuditRecord struct {
	ID            string
	Timestamp     time.Time
	RequestID     string
	Actor         string
	Integration   string
	Action        string
	Category      string
	ParamsHash    string
	ResponseHash  string
	Status        string
	DurationMS    int64
	ErrorMessage  string
	Risk          string
	Confirmed     bool
	CorrelationID string
	Metadata      map[string]any
}

// AuditFilter narrows Query results. Zero values mean "any".
type AuditFilter struct {
	Actor       string
	ActorPrefix string // matches actors beginning with the prefix, e.g. "system:"
	Integration string
	Status      string
	Since       time.Time
	Until       time.Time
	Limit       int
}

// AuditStore persists audit records on the relational sink.
type AuditStore struct {
	pool *db.Pool
}

// NewAuditStore creates the store and its schema.
func NewAuditStore(pool *db.Pool) (*AuditStore, error) {
	s := &AuditStore{pool: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("audit schema init: %w", err)
	}
	return s, nil
}

func (s *AuditStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit (
		id             TEXT PRIMARY KEY,
		timestamp      TIMESTAMP NOT NULL,
		request_id     TEXT NOT NULL,
		actor          TEXT NOT NULL,
		integration    TEXT NOT NULL,
		action         TEXT NOT NULL,
		category       TEXT NOT NULL DEFAULT '',
		params_hash    TEXT NOT NULL,
		response_hash  TEXT NOT NULL,
		status         TEXT NOT NULL,
		duration_ms    INTEGER NOT NULL DEFAULT 0,
		error_message  TEXT NOT NULL DEFAULT '',
		risk           TEXT NOT NULL DEFAULT '',
		confirmed      INTEGER NOT NULL DEFAULT 0,
		correlation_id TEXT NOT NULL DEFAULT '',
		metadata       TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_request_id ON audit(request_id);
	CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit(actor);
	CREATE INDEX IF NOT EXISTS idx_audit_integration ON audit(integration);
	CREATE INDEX IF NOT EXISTS idx_audit_status ON audit(status);
	`
	_, err := s.pool.Writer().Exec(schema)
	return err
}

// Insert writes one record. Records are never updated afterwards.
func (s *AuditStore) Insert(ctx context.Context, rec *AuditRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("audit record requires an id")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	metadataJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		metadataJSON = []byte("{}")
	}

	writer := s.pool.Writer()
	_, err = writer.ExecContext(ctx, writer.Rebind(`
		INSERT INTO audit (id, timestamp, request_id, actor, integration, action, category,
			params_hash, response_hash, status, duration_ms, error_message, risk,
			confirmed, correlation_id, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.Timestamp, rec.RequestID, rec.Actor, rec.Integration, rec.Action,
		rec.Category, rec.ParamsHash, rec.ResponseHash, rec.Status, rec.DurationMS,
		rec.ErrorMessage, rec.Risk, dialect.BoolToInt(rec.Confirmed), rec.CorrelationID,
		string(metadataJSON),
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// Get fetches a record by id.
func (s *AuditStore) Get(ctx context.Context, id string) (*AuditRecord, error) {
	reader := s.pool.Reader()
	var row auditRow
	err := reader.GetContext(ctx, &row, reader.Rebind(`
		SELECT id, timestamp, request_id, actor, integration, action, category,
			params_hash, response_hash, status, duration_ms, error_message, risk,
			confirmed, correlation_id, metadata
		FROM audit WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: audit record %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get audit record: %w", err)
	}
	return row.toRecord(), nil
}

// Query returns matching records, newest first.
func (s *AuditStore) Query(ctx context.Context, filter AuditFilter) ([]*AuditRecord, error) {
	reader := s.pool.Reader()

	var conds []string
	var args []any
	if filter.Actor != "" {
		conds = append(conds, "actor = ?")
		args = append(args, filter.Actor)
	}
	if filter.ActorPrefix != "" {
		conds = append(conds, "actor "+dialect.Like(reader.DriverName())+" ?")
		args = append(args, filter.ActorPrefix+"%")
	}
	if filter.Integration != "" {
		conds = append(conds, "integration = ?")
		args = append(args, filter.Integration)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, filter.Since)
	}
	if !filter.Until.IsZero() {
		conds = append(conds, "timestamp <= ?")
		args = append(args, filter.Until)
	}

	query := `
		SELECT id, timestamp, request_id, actor, integration, action, category,
			params_hash, response_hash, status, duration_ms, error_message, risk,
			confirmed, correlation_id, metadata
		FROM audit`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	var rows []auditRow
	if err := reader.SelectContext(ctx, &rows, reader.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}

	out := make([]*AuditRecord, len(rows))
	for i := range rows {
		out[i] = rows[i].toRecord()
	}
	return out, nil
}

// CountByStatus reports record totals per status value.
func (s *AuditStore) CountByStatus(ctx context.Context) (map[string]int64, error) {
	reader := s.pool.Reader()
	var rows []struct {
		Status string `db:"status"`
		Count  int64  `db:"count"`
	}
	err := reader.SelectContext(ctx, &rows, `
		SELECT status, COUNT(*) as count FROM audit GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count audit records: %w", err)
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

// auditRow is the DB scan target for audit queries.
type auditRow struct {
	ID            string    `db:"id"`
	Timestamp     time.Time `db:"timestamp"`
	RequestID     string    `db:"request_id"`
	Actor         string    `db:"actor"`
	Integration   string    `db:"integration"`
	Action        string    `db:"action"`
	Category      string    `db:"category"`
	ParamsHash    string    `db:"params_hash"`
	ResponseHash  string    `db:"response_hash"`
	Status        string    `db:"status"`
	DurationMS    int64     `db:"duration_ms"`
	ErrorMessage  string    `db:"error_message"`
	Risk          string    `db:"risk"`
	Confirmed     int       `db:"confirmed"`
	CorrelationID string    `db:"correlation_id"`
	Metadata      string    `db:"metadata"`
}

func (r *auditRow) toRecord() *AuditRecord {
	rec := &AuditRecord{
		ID:            r.ID,
		Timestamp:     r.Timestamp,
		RequestID:     r.RequestID,
		Actor:         r.Actor,
		Integration:   r.Integration,
		Action:        r.Action,
		Category:      r.Category,
		ParamsHash:    r.ParamsHash,
		ResponseHash:  r.ResponseHash,
		Status:        r.Status,
		DurationMS:    r.DurationMS,
		ErrorMessage:  r.ErrorMessage,
		Risk:          r.Risk,
		Confirmed:     r.Confirmed != 0,
		CorrelationID: r.CorrelationID,
	}
	if r.Metadata != "" {
		_ = json.Unmarshal([]byte(r.Metadata), &rec.Metadata)
	}
	return rec
}
