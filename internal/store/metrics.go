package store

import (
	"database/sql"
	"fmt"
	"time"
)

type MetricsSample struct {
	ID          int64     `json:"id"`
	SessionID   string    `json:"session_id"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryUsage int64     `json:"memory_usage"`
	MemoryLimit int64     `json:"memory_limit"`
	NetworkRx   int64     `json:"network_rx"`
	NetworkTx   int64     `json:"network_tx"`
	RecordedAt  time.Time `json:"recorded_at"`
}

func (s *Store) RecordMetrics(sample *MetricsSample) error {
	if sample.RecordedAt.IsZero() {
		sample.RecordedAt = time.Now().UTC()
	}
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO container_metrics (session_id, cpu_percent, memory_usage, memory_limit, network_rx, network_tx, recorded_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sample.SessionID, sample.CPUPercent, sample.MemoryUsage, sample.MemoryLimit,
			sample.NetworkRx, sample.NetworkTx, sample.RecordedAt.UTC(),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("inserting metrics sample: %w", err)
	}
	return nil
}

// LatestMetrics returns (nil, nil) when no sample exists yet.
func (s *Store) LatestMetrics(sessionID string) (*MetricsSample, error) {
	row := s.db.QueryRow(
		`SELECT id, session_id, cpu_percent, memory_usage, memory_limit, network_rx, network_tx, recorded_at
		 FROM container_metrics WHERE session_id = ? ORDER BY recorded_at DESC LIMIT 1`,
		sessionID,
	)
	sample, err := scanMetricsSample(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sample, err
}

func (s *Store) MetricsHistory(sessionID string, since time.Time, limit int) ([]*MetricsSample, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.Query(
		`SELECT id, session_id, cpu_percent, memory_usage, memory_limit, network_rx, network_tx, recorded_at
		 FROM container_metrics WHERE session_id = ? AND recorded_at >= ?
		 ORDER BY recorded_at ASC LIMIT ?`,
		sessionID, since.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing metrics history: %w", err)
	}
	defer rows.Close()

	var samples []*MetricsSample
	for rows.Next() {
		sample, err := scanMetricsSample(rows)
		if err != nil {
			return nil, err
		}
		samples = append(samples, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating metrics samples: %w", err)
	}
	return samples, nil
}

func scanMetricsSample(row scannable) (*MetricsSample, error) {
	var m MetricsSample
	err := row.Scan(&m.ID, &m.SessionID, &m.CPUPercent, &m.MemoryUsage, &m.MemoryLimit,
		&m.NetworkRx, &m.NetworkTx, &m.RecordedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning metrics sample: %w", err)
	}
	return &m, nil
}

// CheckAndIncrRate increments the request counter for the caller's
// current window and reports whether the request is still within the
// limit. Buckets are keyed on the window start truncated to the
// window size, so the counter resets when a new window begins. The
// upsert is a single statement: concurrent callers cannot both sneak
// under the limit.
func (s *Store) CheckAndIncrRate(identifier, endpoint string, limit int, window time.Duration) (bool, int, error) {
	windowStart := time.Now().UTC().Truncate(window)
	var count int
	err := retryOnBusy(func() error {
		return s.db.QueryRow(
			`INSERT INTO rate_limits (identifier, endpoint, request_count, window_start)
			 VALUES (?, ?, 1, ?)
			 ON CONFLICT(identifier, endpoint, window_start)
			 DO UPDATE SET request_count = request_count + 1
			 RETURNING request_count`,
			identifier, endpoint, windowStart,
		).Scan(&count)
	})
	if err != nil {
		return false, 0, fmt.Errorf("updating rate bucket: %w", err)
	}
	return count <= limit, count, nil
}

// RateCount reports the current window's counter without incrementing.
func (s *Store) RateCount(identifier, endpoint string, window time.Duration) (int, error) {
	windowStart := time.Now().UTC().Truncate(window)
	var count int
	err := s.db.QueryRow(
		`SELECT request_count FROM rate_limits
		 WHERE identifier = ? AND endpoint = ? AND window_start = ?`,
		identifier, endpoint, windowStart,
	).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading rate bucket: %w", err)
	}
	return count, nil
}

// CleanupCounts reports how many rows each retention pass removed.
type CleanupCounts struct {
	RateBuckets    int64 `json:"rate_buckets"`
	MetricsSamples int64 `json:"metrics_samples"`
	AuditEvents    int64 `json:"audit_events"`
}

// CleanupAll applies the retention policy: rate buckets older than an
// hour, metrics older than a day, audit rows older than 30 days.
// Session rows are never deleted.
func (s *Store) CleanupAll() (*CleanupCounts, error) {
	now := time.Now().UTC()
	counts := &CleanupCounts{}

	passes := []struct {
		dest  *int64
		query string
		arg   time.Time
	}{
		{&counts.RateBuckets, `DELETE FROM rate_limits WHERE window_start < ?`, now.Add(-time.Hour)},
		{&counts.MetricsSamples, `DELETE FROM container_metrics WHERE recorded_at < ?`, now.Add(-24 * time.Hour)},
		{&counts.AuditEvents, `DELETE FROM audit_logs WHERE created_at < ?`, now.Add(-30 * 24 * time.Hour)},
	}
	for _, p := range passes {
		var result sql.Result
		err := retryOnBusy(func() error {
			var e error
			result, e = s.db.Exec(p.query, p.arg)
			return e
		})
		if err != nil {
			return counts, fmt.Errorf("cleanup pass: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return counts, fmt.Errorf("cleanup rows affected: %w", err)
		}
		*p.dest = n
	}
	return counts, nil
}
