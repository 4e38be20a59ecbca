package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Harvey-AU/listing-harvester/internal/crawler"
	"github.com/Harvey-AU/listing-harvester/internal/scheduler"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// HandleSuccess upserts the page keyed by URL. Re-fetching a page in a
// later cycle refreshes its metadata and keeps first_seen_at.
func (db *DB) HandleSuccess(ctx context.Context, cycleID string, r crawler.Result) error {
	var body []byte
	if db.config != nil && db.config.StoreBodies {
		body = r.Body
	}

	_, err := db.client.ExecContext(ctx, `
		INSERT INTO fetched_pages (
			url, cycle_id, status_code, content_type, body_size, body,
			proxy_id, attempts, duration_ms, fetched_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (url) DO UPDATE SET
			cycle_id = EXCLUDED.cycle_id,
			status_code = EXCLUDED.status_code,
			content_type = EXCLUDED.content_type,
			body_size = EXCLUDED.body_size,
			body = EXCLUDED.body,
			proxy_id = EXCLUDED.proxy_id,
			attempts = EXCLUDED.attempts,
			duration_ms = EXCLUDED.duration_ms,
			fetched_at = NOW()
	`, r.URL, cycleID, r.StatusCode, nullString(r.ContentType), len(r.Body), body,
		nullString(r.ProxyID), r.Attempts, r.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to store fetched page: %w", err)
	}
	return nil
}

// HandleFailure records one failed task with its classification and the
// proxies it went through.
func (db *DB) HandleFailure(ctx context.Context, cycleID string, r crawler.Result) error {
	var status sql.NullInt64
	if r.StatusCode > 0 {
		status = sql.NullInt64{Int64: int64(r.StatusCode), Valid: true}
	}
	tried := r.Tried
	if tried == nil {
		tried = []string{}
	}

	_, err := db.client.ExecContext(ctx, `
		INSERT INTO fetch_failures (
			cycle_id, url, failure_kind, error_message, status_code, attempts, tried_proxies
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, cycleID, r.URL, string(r.Failure), nullString(r.Error), status, r.Attempts, pq.Array(tried))
	if err != nil {
		return fmt.Errorf("failed to store fetch failure: %w", err)
	}
	return nil
}

// RecordCycle upserts the cycle summary
func (db *DB) RecordCycle(ctx context.Context, c scheduler.CycleState) error {
	var finished sql.NullTime
	if !c.FinishedAt.IsZero() {
		finished = sql.NullTime{Time: c.FinishedAt, Valid: true}
	}

	_, err := db.client.ExecContext(ctx, `
		INSERT INTO harvest_cycles (
			id, status, stage, total, attempted, succeeded, failed, skipped,
			error_message, started_at, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			stage = EXCLUDED.stage,
			total = EXCLUDED.total,
			attempted = EXCLUDED.attempted,
			succeeded = EXCLUDED.succeeded,
			failed = EXCLUDED.failed,
			skipped = EXCLUDED.skipped,
			error_message = EXCLUDED.error_message,
			finished_at = EXCLUDED.finished_at
	`, c.ID, string(c.Status), c.Stage, c.Total, c.Attempted, c.Succeeded, c.Failed, c.Skipped,
		nullString(c.Error), c.StartedAt, finished)
	if err != nil {
		return fmt.Errorf("failed to record cycle: %w", err)
	}

	log.Debug().Str("cycle_id", c.ID).Str("status", string(c.Status)).Msg("Recorded cycle")
	return nil
}

// RecentCycles returns the latest cycles, newest first
func (db *DB) RecentCycles(ctx context.Context, limit int) ([]scheduler.CycleState, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	rows, err := db.client.QueryContext(ctx, `
		SELECT id, status, stage, total, attempted, succeeded, failed, skipped,
			COALESCE(error_message, ''), started_at, finished_at
		FROM harvest_cycles
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query cycles: %w", err)
	}
	defer rows.Close()

	var cycles []scheduler.CycleState
	for rows.Next() {
		var c scheduler.CycleState
		var status string
		var finished sql.NullTime
		if err := rows.Scan(&c.ID, &status, &c.Stage, &c.Total, &c.Attempted, &c.Succeeded,
			&c.Failed, &c.Skipped, &c.Error, &c.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan cycle: %w", err)
		}
		c.Status = scheduler.CycleStatus(status)
		if finished.Valid {
			c.FinishedAt = finished.Time
		}
		if c.Total > 0 {
			c.Percentage = float64(c.Attempted) / float64(c.Total) * 100
		}
		cycles = append(cycles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cycles: %w", err)
	}
	return cycles, nil
}

// FailureCounts groups a cycle's failures by classification
func (db *DB) FailureCounts(ctx context.Context, cycleID string) (map[crawler.FailureKind]int, error) {
	rows, err := db.client.QueryContext(ctx, `
		SELECT failure_kind, COUNT(*)
		FROM fetch_failures
		WHERE cycle_id = $1
		GROUP BY failure_kind
	`, cycleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query failure counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[crawler.FailureKind]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("failed to scan failure count: %w", err)
		}
		counts[crawler.FailureKind(kind)] = n
	}
	return counts, rows.Err()
}

// HealthCheck pings the database with a short deadline
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return db.client.PingContext(ctx)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
