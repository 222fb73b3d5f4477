package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Audit event types.
const (
	EventSessionCreated      = "session_created"
	EventSessionConnected    = "session_connected"
	EventSessionDisconnected = "session_disconnected"
	EventSessionTerminated   = "session_terminated"
	EventContainerStarted    = "container_started"
	EventContainerStopped    = "container_stopped"
	EventCommandExecuted     = "command_executed"
	EventSecurityViolation   = "security_violation"
	EventRateLimitExceeded   = "rate_limit_exceeded"
	EventAuthAttempt         = "auth_attempt"
)

type AuditEvent struct {
	ID        int64          `json:"id"`
	SessionID string         `json:"session_id,omitempty"`
	Tenant    string         `json:"user_id"`
	EventType string         `json:"event_type"`
	EventData map[string]any `json:"event_data,omitempty"`
	IPAddress string         `json:"ip_address,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type SecurityEvent struct {
	ID           int64     `json:"id"`
	SessionID    string    `json:"session_id,omitempty"`
	Tenant       string    `json:"user_id"`
	EventType    string    `json:"event_type"`
	Severity     string    `json:"severity"`
	Description  string    `json:"description,omitempty"`
	BlockedInput string    `json:"blocked_input,omitempty"`
	IPAddress    string    `json:"ip_address,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// AppendAudit records one audit row. Append-only; failures must not
// block the operation being audited, so callers log and continue.
func (s *Store) AppendAudit(ev *AuditEvent) error {
	var data sql.NullString
	if len(ev.EventData) > 0 {
		raw, err := json.Marshal(ev.EventData)
		if err != nil {
			return fmt.Errorf("encoding audit data: %w", err)
		}
		data = sql.NullString{String: string(raw), Valid: true}
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO audit_logs (session_id, user_id, event_type, event_data, ip_address, user_agent, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			nullString(ev.SessionID), ev.Tenant, ev.EventType, data,
			nullString(ev.IPAddress), nullString(ev.UserAgent), ev.CreatedAt.UTC(),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}
	return nil
}

func (s *Store) AuditBySession(sessionID string, limit int) ([]*AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, session_id, user_id, event_type, event_data, ip_address, user_agent, created_at
		 FROM audit_logs WHERE session_id = ? ORDER BY created_at DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing session audit: %w", err)
	}
	defer rows.Close()
	return scanAuditEvents(rows)
}

func (s *Store) AuditByTenant(tenant string, limit int) ([]*AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, session_id, user_id, event_type, event_data, ip_address, user_agent, created_at
		 FROM audit_logs WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		tenant, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing tenant audit: %w", err)
	}
	defer rows.Close()
	return scanAuditEvents(rows)
}

func scanAuditEvents(rows *sql.Rows) ([]*AuditEvent, error) {
	var events []*AuditEvent
	for rows.Next() {
		var ev AuditEvent
		var sessionID, data, ip, agent sql.NullString
		if err := rows.Scan(&ev.ID, &sessionID, &ev.Tenant, &ev.EventType, &data, &ip, &agent, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}
		ev.SessionID = sessionID.String
		ev.IPAddress = ip.String
		ev.UserAgent = agent.String
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &ev.EventData); err != nil {
				return nil, fmt.Errorf("decoding audit data: %w", err)
			}
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit events: %w", err)
	}
	return events, nil
}

func (s *Store) AppendSecurityEvent(ev *SecurityEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO security_events (session_id, user_id, event_type, severity, description, blocked_input, ip_address, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			nullString(ev.SessionID), ev.Tenant, ev.EventType, ev.Severity,
			nullString(ev.Description), nullString(ev.BlockedInput), nullString(ev.IPAddress),
			ev.CreatedAt.UTC(),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("inserting security event: %w", err)
	}
	return nil
}

func (s *Store) RecentSecurityEvents(limit int) ([]*SecurityEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, session_id, user_id, event_type, severity, description, blocked_input, ip_address, created_at
		 FROM security_events ORDER BY created_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing security events: %w", err)
	}
	defer rows.Close()

	var events []*SecurityEvent
	for rows.Next() {
		var ev SecurityEvent
		var sessionID, desc, blocked, ip sql.NullString
		if err := rows.Scan(&ev.ID, &sessionID, &ev.Tenant, &ev.EventType, &ev.Severity, &desc, &blocked, &ip, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning security event: %w", err)
		}
		ev.SessionID = sessionID.String
		ev.Description = desc.String
		ev.BlockedInput = blocked.String
		ev.IPAddress = ip.String
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating security events: %w", err)
	}
	return events, nil
}
