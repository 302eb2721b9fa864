package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/workspace/session-relay/internal/audit"
)

var _ audit.Sink = (*Store)(nil)

// Record appends an audit event.
func (s *Store) Record(ctx context.Context, ev audit.Event) error {
	detail := ""
	if len(ev.Detail) > 0 {
		b, err := json.Marshal(ev.Detail)
		if err != nil {
			return fmt.Errorf("encode audit detail: %w", err)
		}
		detail = string(b)
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (type, session_id, conn_id, principal, detail, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.Type, ev.SessionID, ev.ConnID, ev.Principal, detail, formatTime(ev.OccurredAt),
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// AuditEvents returns the recorded events for a session, oldest first.
func (s *Store) AuditEvents(ctx context.Context, sessionID string) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT type, session_id, conn_id, principal, detail, occurred_at
		FROM audit_events WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	events := []audit.Event{}
	for rows.Next() {
		var (
			ev               audit.Event
			detail, occurred string
		)
		if err := rows.Scan(&ev.Type, &ev.SessionID, &ev.ConnID, &ev.Principal, &detail, &occurred); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if detail != "" {
			if err := json.Unmarshal([]byte(detail), &ev.Detail); err != nil {
				return nil, fmt.Errorf("decode audit detail: %w", err)
			}
		}
		if ev.OccurredAt, err = time.Parse(timeLayout, occurred); err != nil {
			return nil, fmt.Errorf("parse occurred_at: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}
