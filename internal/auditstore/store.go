package auditstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/flemzord/toolgate/internal/security"
)

// Record implements security.Sink. Failures are logged and counted; an
// audit outage never fails the call being audited.
func (s *Store) Record(e security.AuditEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.Insert(ctx, e); err != nil {
		s.writeErrors.Add(1)
		s.logger.Error("audit event not persisted", "type", string(e.Type), "error", err)
	}
}

// Insert stores one event.
func (s *Store) Insert(ctx context.Context, e security.AuditEvent) error {
	meta := []byte("{}")
	if len(e.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(e.Metadata); err != nil {
			return fmt.Errorf("auditstore: marshal metadata: %w", err)
		}
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (ts, type, session_id, role, tool, request_id, verdict, detail, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts.UnixNano(), string(e.Type), e.SessionID, e.Role, e.ToolName, e.RequestID, e.Verdict, e.Detail, string(meta),
	)
	if err != nil {
		return fmt.Errorf("auditstore: insert: %w", err)
	}
	return nil
}

// Filter narrows a Query. Zero fields match everything.
type Filter struct {
	Type      security.EventType
	SessionID string
	Tool      string
	RequestID string
	Since     time.Time
	Until     time.Time
	// Limit caps the result. Zero means 100.
	Limit int
}

const defaultQueryLimit = 100

// Query returns matching events, newest first.
func (s *Store) Query(ctx context.Context, f Filter) ([]security.AuditEvent, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		where = append(where, cond)
		args = append(args, v)
	}
	if f.Type != "" {
		add("type = ?", string(f.Type))
	}
	if f.SessionID != "" {
		add("session_id = ?", f.SessionID)
	}
	if f.Tool != "" {
		add("tool = ?", f.Tool)
	}
	if f.RequestID != "" {
		add("request_id = ?", f.RequestID)
	}
	if !f.Since.IsZero() {
		add("ts >= ?", f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		add("ts < ?", f.Until.UnixNano())
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	query := `SELECT ts, type, session_id, role, tool, request_id, verdict, detail, metadata FROM audit_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("auditstore: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []security.AuditEvent
	for rows.Next() {
		var (
			e        security.AuditEvent
			ts       int64
			typ      string
			metadata string
		)
		if err := rows.Scan(&ts, &typ, &e.SessionID, &e.Role, &e.ToolName, &e.RequestID, &e.Verdict, &e.Detail, &metadata); err != nil {
			return nil, fmt.Errorf("auditstore: scan: %w", err)
		}
		e.Timestamp = time.Unix(0, ts)
		e.Type = security.EventType(typ)
		if metadata != "{}" {
			if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
				return nil, fmt.Errorf("auditstore: unmarshal metadata: %w", err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("auditstore: query rows: %w", err)
	}
	return events, nil
}

// Prune deletes events recorded before cutoff and returns how many.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_events WHERE ts < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("auditstore: prune: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("auditstore: prune rows: %w", err)
	}
	return n, nil
}

// Count returns the number of stored events.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("auditstore: count: %w", err)
	}
	return n, nil
}
