// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package listsqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mobiletoly/go-listsync/listsync"
)

// initializeDatabase creates the client-side tables (private function)
func initializeDatabase(db *sql.DB) error {
	// Enable WAL mode and foreign keys
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		// Client/device info (one row per signed-in user)
		`CREATE TABLE IF NOT EXISTS listsync_client_info (
			user_id   TEXT NOT NULL,
			source_id TEXT NOT NULL,          -- locally generated UUIDv4 (persisted)
			PRIMARY KEY (user_id)
		)`,

		// Durable mutation queue. position is the persisted sort order so a
		// replayed queue drains exactly as the pre-crash queue would have.
		`CREATE TABLE IF NOT EXISTS listsync_queue (
			position        INTEGER NOT NULL,
			mutation_id     TEXT NOT NULL,
			mutation_type   TEXT NOT NULL CHECK (mutation_type IN ('add','update','delete','markGotten')),
			item_id         TEXT NOT NULL,
			payload         TEXT,
			created_at      TEXT NOT NULL,
			priority        INTEGER NOT NULL DEFAULT 0,
			retry_count     INTEGER NOT NULL DEFAULT 0,
			status          TEXT NOT NULL CHECK (status IN ('pending','processing','failed','success')),
			last_error      TEXT NOT NULL DEFAULT '',
			next_attempt_at TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (position)
		)`,

		// Optimistic local mirror of the shared list. version is the last
		// server revision acknowledged for the row and becomes the base
		// version of subsequent submissions.
		`CREATE TABLE IF NOT EXISTS list_items (
			id         TEXT PRIMARY KEY,
			title      TEXT NOT NULL DEFAULT '',
			quantity   INTEGER NOT NULL DEFAULT 0,
			notes      TEXT NOT NULL DEFAULT '',
			category   TEXT NOT NULL DEFAULT '',
			gotten     INTEGER NOT NULL DEFAULT 0,
			deleted    INTEGER NOT NULL DEFAULT 0,
			created_by TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL DEFAULT '',
			version    INTEGER NOT NULL DEFAULT 0
		)`,
	}

	for _, ddl := range tables {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create client table: %w", err)
		}
	}
	return nil
}

// loadQueue replays the persisted queue into memory in stored order. Mutations
// a crashed drain left as processing go back to pending so they are attempted
// again; the server deduplicates replays by mutation id (at-least-once).
func (c *Client) loadQueue(ctx context.Context) ([]*QueuedMutation, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT mutation_id, mutation_type, item_id, payload, created_at,
		       priority, retry_count, status, last_error, next_attempt_at
		FROM listsync_queue
		ORDER BY position
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query queued mutations: %w", err)
	}
	defer rows.Close()

	var queue []*QueuedMutation
	for rows.Next() {
		var m QueuedMutation
		var payload sql.NullString
		var createdAt, nextAttemptAt string
		if err := rows.Scan(&m.ID, &m.Type, &m.ItemID, &payload, &createdAt,
			&m.Priority, &m.RetryCount, &m.Status, &m.Error, &nextAttemptAt); err != nil {
			return nil, fmt.Errorf("failed to scan queued mutation: %w", err)
		}
		if payload.Valid && payload.String != "" {
			m.Payload = []byte(payload.String)
		}
		m.Timestamp = decodeTime(createdAt)
		m.NextAttemptAt = decodeTime(nextAttemptAt)
		if m.Status == listsync.StatusProcessing {
			m.Status = listsync.StatusPending
		}
		queue = append(queue, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read queued mutations: %w", err)
	}
	return queue, nil
}

// saveQueueLocked rewrites the whole persisted queue from the in-memory slice
// inside one transaction. Caller must hold writeMu.
func (c *Client) saveQueueLocked(ctx context.Context) error {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM listsync_queue`); err != nil {
		return fmt.Errorf("failed to clear queue table: %w", err)
	}

	for i, m := range c.queue {
		var payload any
		if len(m.Payload) > 0 {
			payload = string(m.Payload)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO listsync_queue
				(position, mutation_id, mutation_type, item_id, payload, created_at,
				 priority, retry_count, status, last_error, next_attempt_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, i, m.ID, m.Type, m.ItemID, payload, encodeTime(m.Timestamp),
			m.Priority, m.RetryCount, m.Status, m.Error, encodeTime(m.NextAttemptAt))
		if err != nil {
			return fmt.Errorf("failed to insert queued mutation %s: %w", m.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit queue: %w", err)
	}
	return nil
}

// persistQueueLocked writes the queue through to SQLite. A storage failure is
// logged and returned so the caller can report it through OnPersistenceError
// outside the lock; the queue keeps working from memory for this cycle and the
// next operation tries the disk again. Caller must hold writeMu.
func (c *Client) persistQueueLocked(ctx context.Context) error {
	start := c.stageStart()
	err := c.saveQueueLocked(ctx)
	c.observeStage(ctx, MetricsOpDrain, MetricsStagePersist, start, len(c.queue), err != nil)
	if err != nil {
		c.logger.Error("failed to persist mutation queue, continuing in memory", "error", err)
	}
	return err
}

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
