package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Sentinel errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Session statuses. Transitions only move forward; terminated is sticky.
const (
	StatusCreated      = "created"
	StatusRunning      = "running"
	StatusDisconnected = "disconnected"
	StatusTerminated   = "terminated"
)

type Session struct {
	ID             string            `json:"id"`
	Tenant         string            `json:"user_id"`
	Status         string            `json:"status"`
	ContainerID    string            `json:"container_id,omitempty"`
	ContainerName  string            `json:"container_name,omitempty"`
	Image          string            `json:"image"`
	CreatedAt      time.Time         `json:"created_at"`
	LastActivity   time.Time         `json:"last_activity"`
	DisconnectedAt *time.Time        `json:"disconnected_at,omitempty"`
	ExpiresAt      *time.Time        `json:"expires_at,omitempty"`
	MemoryBytes    int64             `json:"memory_bytes"`
	CPUFraction    float64           `json:"cpu_fraction"`
	PidsLimit      int64             `json:"pids_limit"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type Store struct {
	db *sql.DB
}

// isBusyLock reports whether err indicates SQLite database lock (SQLITE_BUSY).
// Handles wrapped errors from database/sql.
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS sessions (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'created',
	container_id    TEXT,
	container_name  TEXT,
	image           TEXT NOT NULL,
	created_at      DATETIME NOT NULL,
	last_activity   DATETIME NOT NULL,
	disconnected_at DATETIME,
	expires_at      DATETIME,
	memory_bytes    INTEGER NOT NULL DEFAULT 0,
	cpu_fraction    REAL NOT NULL DEFAULT 0,
	pids_limit      INTEGER NOT NULL DEFAULT 0,
	metadata        TEXT
);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at);
CREATE INDEX IF NOT EXISTS idx_sessions_container ON sessions(container_id);

CREATE TABLE IF NOT EXISTS audit_logs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT,
	user_id    TEXT NOT NULL,
	event_type TEXT NOT NULL,
	event_data TEXT,
	ip_address TEXT,
	user_agent TEXT,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_logs(session_id);
CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_logs(user_id);
CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_logs(created_at);

CREATE TABLE IF NOT EXISTS security_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  TEXT,
	user_id     TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	severity    TEXT NOT NULL,
	description TEXT,
	blocked_input TEXT,
	ip_address  TEXT,
	created_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_security_created ON security_events(created_at);

CREATE TABLE IF NOT EXISTS container_metrics (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id   TEXT NOT NULL,
	cpu_percent  REAL NOT NULL,
	memory_usage INTEGER NOT NULL,
	memory_limit INTEGER NOT NULL,
	network_rx   INTEGER NOT NULL DEFAULT 0,
	network_tx   INTEGER NOT NULL DEFAULT 0,
	recorded_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_metrics_session ON container_metrics(session_id, recorded_at);

CREATE TABLE IF NOT EXISTS rate_limits (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	identifier    TEXT NOT NULL,
	endpoint      TEXT NOT NULL,
	request_count INTEGER NOT NULL DEFAULT 1,
	window_start  DATETIME NOT NULL,
	UNIQUE(identifier, endpoint, window_start)
);
`

// DefaultMaxOpenConns is the default connection pool size for concurrent reads.
// WAL mode allows multiple readers + 1 writer; more conns improve read throughput.
const DefaultMaxOpenConns = 4

// dsnWithPragmas returns a connection string with WAL, busy_timeout, and perf
// pragmas applied to every new connection. PRAGMAs in the DSN are applied
// per-connection by the driver.
func dsnWithPragmas(dbPath string) string {
	// busy_timeout: 15s wait on lock (stream touches + API + reconciler overlap)
	// journal_mode=WAL: concurrent reads during writes
	// synchronous=NORMAL: safe in WAL, much faster writes than FULL
	// cache_size=-64000: 64MB page cache
	// temp_store=MEMORY: temp tables in RAM
	return dbPath + "?_pragma=busy_timeout(15000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=cache_size(-64000)" +
		"&_pragma=temp_store(MEMORY)"
}

// New opens the store. maxOpenConns controls the connection pool size (0 = default 4).
func New(dbPath string, maxOpenConns int) (*Store, error) {
	dsn := dsnWithPragmas(dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if maxOpenConns <= 0 {
		maxOpenConns = DefaultMaxOpenConns
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const sessionColumns = `id, user_id, status, container_id, container_name, image,
	created_at, last_activity, disconnected_at, expires_at,
	memory_bytes, cpu_fraction, pids_limit, metadata`

func (s *Store) CreateSession(sess *Session) error {
	meta, err := marshalMetadata(sess.Metadata)
	if err != nil {
		return err
	}
	err = retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO sessions (`+sessionColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, sess.Tenant, sess.Status,
			nullString(sess.ContainerID), nullString(sess.ContainerName), sess.Image,
			sess.CreatedAt.UTC(), sess.LastActivity.UTC(),
			nullTime(sess.DisconnectedAt), nullTime(sess.ExpiresAt),
			sess.MemoryBytes, sess.CPUFraction, sess.PidsLimit, meta,
		)
		return e
	})
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("session %s: %w", sess.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// GetSession returns (nil, nil) when the id is unknown.
func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id,
	)
	return scanSession(row)
}

// ListSessions filters by tenant and/or status; empty strings mean no filter.
// limit <= 0 means no limit.
func (s *Store) ListSessions(tenant, status string, limit int) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	var args []any
	if tenant != "" {
		query += ` AND user_id = ?`
		args = append(args, tenant)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// ActiveSessionCount counts sessions that hold or are about to hold a
// container: created or running, with a container bound.
func (s *Store) ActiveSessionCount(tenant string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM sessions
		 WHERE user_id = ? AND status IN ('created', 'running') AND container_id IS NOT NULL`,
		tenant,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting active sessions: %w", err)
	}
	return n, nil
}

// BindContainer attaches a container to a session and moves it to
// running in one statement. Fails on terminated sessions.
func (s *Store) BindContainer(id, containerID, containerName string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE sessions
			 SET container_id = ?, container_name = ?, status = ?, last_activity = ?
			 WHERE id = ? AND status != ?`,
			containerID, containerName, StatusRunning, time.Now().UTC(), id, StatusTerminated,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("binding container: %w", err)
	}
	return checkRowAffected(result, id)
}

// MarkDisconnected records a disconnect and arms the grace deadline.
// Idempotent: repeated calls keep the earliest disconnected_at and the
// original deadline. No-op on terminated sessions.
func (s *Store) MarkDisconnected(id string, grace time.Duration) error {
	now := time.Now().UTC()
	deadline := now.Add(grace)
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE sessions
			 SET status = ?,
			     disconnected_at = COALESCE(disconnected_at, ?),
			     expires_at = COALESCE(expires_at, ?)
			 WHERE id = ? AND status != ?`,
			StatusDisconnected, now, deadline, id, StatusTerminated,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("marking disconnected: %w", err)
	}
	return checkRowAffected(result, id)
}

// ClearDisconnect moves a disconnected session back to running and
// disarms the grace deadline. Only valid from disconnected.
func (s *Store) ClearDisconnect(id string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE sessions
			 SET status = ?, disconnected_at = NULL, expires_at = NULL, last_activity = ?
			 WHERE id = ? AND status = ?`,
			StatusRunning, time.Now().UTC(), id, StatusDisconnected,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("clearing disconnect: %w", err)
	}
	return checkRowAffected(result, id)
}

// Terminate moves a session to its terminal state and drops the
// container binding. Idempotent: terminating a terminated session
// succeeds without touching the row.
func (s *Store) Terminate(id string) error {
	var n int64
	err := retryOnBusy(func() error {
		result, e := s.db.Exec(
			`UPDATE sessions
			 SET status = ?, container_id = NULL, container_name = NULL,
			     disconnected_at = NULL, expires_at = NULL
			 WHERE id = ? AND status != ?`,
			StatusTerminated, id, StatusTerminated,
		)
		if e != nil {
			return e
		}
		n, e = result.RowsAffected()
		return e
	})
	if err != nil {
		return fmt.Errorf("terminating session: %w", err)
	}
	if n == 0 {
		// Either already terminated (fine) or unknown id.
		sess, err := s.GetSession(id)
		if err != nil {
			return err
		}
		if sess == nil {
			return fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
	}
	return nil
}

// SweepExpired claims every disconnected session whose grace deadline
// has passed, transitions it to terminated, and returns the
// pre-transition snapshots (with container bindings intact) so the
// caller can stop the containers. The claim runs in one transaction:
// each expired row is delivered to exactly one caller. The transaction
// starts deferred; if a concurrent writer wins the lock upgrade the
// whole claim fails with SQLITE_BUSY and retryOnBusy reruns it, so a
// row is never returned from two sweeps.
func (s *Store) SweepExpired(now time.Time) ([]*Session, error) {
	var expired []*Session
	err := retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		rows, err := tx.Query(
			`SELECT `+sessionColumns+` FROM sessions
			 WHERE status = ? AND expires_at IS NOT NULL AND expires_at <= ?`,
			StatusDisconnected, now.UTC(),
		)
		if err != nil {
			return err
		}
		claimed, err := scanSessions(rows)
		rows.Close()
		if err != nil {
			return err
		}

		for _, sess := range claimed {
			if _, err := tx.Exec(
				`UPDATE sessions
				 SET status = ?, container_id = NULL, container_name = NULL,
				     disconnected_at = NULL, expires_at = NULL
				 WHERE id = ?`,
				StatusTerminated, sess.ID,
			); err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		expired = claimed
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sweeping expired sessions: %w", err)
	}
	return expired, nil
}

// TouchSession advances last_activity on a live session.
func (s *Store) TouchSession(id string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE sessions SET last_activity = ? WHERE id = ? AND status != ?`,
			time.Now().UTC(), id, StatusTerminated,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	return checkRowAffected(result, id)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*Session, error) {
	var sess Session
	var containerID, containerName, meta sql.NullString
	var disconnectedAt, expiresAt sql.NullTime
	err := row.Scan(
		&sess.ID, &sess.Tenant, &sess.Status, &containerID, &containerName, &sess.Image,
		&sess.CreatedAt, &sess.LastActivity, &disconnectedAt, &expiresAt,
		&sess.MemoryBytes, &sess.CPUFraction, &sess.PidsLimit, &meta,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	if containerID.Valid {
		sess.ContainerID = containerID.String
	}
	if containerName.Valid {
		sess.ContainerName = containerName.String
	}
	if disconnectedAt.Valid {
		t := disconnectedAt.Time
		sess.DisconnectedAt = &t
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		sess.ExpiresAt = &t
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &sess.Metadata); err != nil {
			return nil, fmt.Errorf("decoding session metadata: %w", err)
		}
	}
	return &sess, nil
}

func scanSessions(rows *sql.Rows) ([]*Session, error) {
	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}

func checkRowAffected(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

func marshalMetadata(meta map[string]string) (sql.NullString, error) {
	if len(meta) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encoding session metadata: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
