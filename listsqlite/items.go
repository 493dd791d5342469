// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package listsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mobiletoly/go-listsync/listsync"
)

// The list_items table is the optimistic local mirror of the shared list.
// Enqueued mutations are applied to it immediately so the UI reflects the
// user's intent while offline; the version column tracks the last server
// revision acknowledged for the row and is used as the base version of
// subsequent submissions.

// Items returns the visible (non-deleted) local items ordered by title.
func (c *Client) Items(ctx context.Context) ([]*listsync.ListItem, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT id, title, quantity, notes, category, gotten, deleted, created_by, updated_at, version
		FROM list_items
		WHERE deleted = 0
		ORDER BY title COLLATE NOCASE
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	var items []*listsync.ListItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read items: %w", err)
	}
	return items, nil
}

// Item returns one local item by id, tombstoned or not. Returns nil without
// error when the item has never been seen on this device.
func (c *Client) Item(ctx context.Context, id string) (*listsync.ListItem, error) {
	row := c.DB.QueryRowContext(ctx, `
		SELECT id, title, quantity, notes, category, gotten, deleted, created_by, updated_at, version
		FROM list_items
		WHERE id = ?
	`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return item, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*listsync.ListItem, error) {
	var item listsync.ListItem
	var gotten, deleted int
	var updatedAt string
	err := row.Scan(&item.ID, &item.Title, &item.Quantity, &item.Notes, &item.Category,
		&gotten, &deleted, &item.CreatedBy, &updatedAt, &item.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan item: %w", err)
	}
	item.Gotten = gotten != 0
	item.Deleted = deleted != 0
	item.UpdatedAt = decodeTime(updatedAt)
	return &item, nil
}

func (c *Client) upsertItem(ctx context.Context, item *listsync.ListItem) error {
	_, err := c.DB.ExecContext(ctx, `
		INSERT INTO list_items (id, title, quantity, notes, category, gotten, deleted, created_by, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title      = excluded.title,
			quantity   = excluded.quantity,
			notes      = excluded.notes,
			category   = excluded.category,
			gotten     = excluded.gotten,
			deleted    = excluded.deleted,
			created_by = excluded.created_by,
			updated_at = excluded.updated_at,
			version    = excluded.version
	`, item.ID, item.Title, item.Quantity, item.Notes, item.Category,
		boolToInt(item.Gotten), boolToInt(item.Deleted), item.CreatedBy,
		encodeTime(item.UpdatedAt), item.Version)
	if err != nil {
		return fmt.Errorf("failed to upsert item %s: %w", item.ID, err)
	}
	return nil
}

// itemVersion returns the last acknowledged server revision for an item, 0
// when the item has no mirror row yet.
func (c *Client) itemVersion(ctx context.Context, id string) (int64, error) {
	var version int64
	err := c.DB.QueryRowContext(ctx, `SELECT version FROM list_items WHERE id = ?`, id).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query item version: %w", err)
	}
	return version, nil
}

// setItemVersion records the server revision returned by an applied mutation.
// Missing rows are tolerated; the next snapshot refresh recreates them.
func (c *Client) setItemVersion(ctx context.Context, id string, version int64) error {
	_, err := c.DB.ExecContext(ctx, `UPDATE list_items SET version = ? WHERE id = ?`, version, id)
	if err != nil {
		return fmt.Errorf("failed to record item version: %w", err)
	}
	return nil
}

// applyMutationLocally applies an enqueued mutation to the mirror so local
// reads reflect the user's intent before the mutation reaches the server.
// Updates and toggles for rows this device has never seen are skipped rather
// than invented.
func (c *Client) applyMutationLocally(ctx context.Context, m *QueuedMutation) error {
	switch m.Type {
	case listsync.MutAdd:
		item, err := listsync.DecodeAddPayload(m.Payload)
		if err != nil {
			return err
		}
		if item.CreatedBy == "" {
			item.CreatedBy = c.SourceID
		}
		item.UpdatedAt = m.Timestamp
		item.Deleted = false
		// A re-add of a tombstoned item keeps the acknowledged version as the
		// base for the upcoming submission.
		version, err := c.itemVersion(ctx, item.ID)
		if err != nil {
			return err
		}
		item.Version = version
		return c.upsertItem(ctx, item)

	case listsync.MutUpdate:
		patch, err := listsync.DecodeUpdatePayload(m.Payload)
		if err != nil {
			return err
		}
		item, err := c.Item(ctx, m.ItemID)
		if err != nil {
			return err
		}
		if item == nil {
			c.logger.Debug("skipping local apply of update for unknown item", "item_id", m.ItemID)
			return nil
		}
		patch.ApplyTo(item)
		item.UpdatedAt = m.Timestamp
		return c.upsertItem(ctx, item)

	case listsync.MutMarkGotten:
		p, err := listsync.DecodeMarkGottenPayload(m.Payload)
		if err != nil {
			return err
		}
		item, err := c.Item(ctx, m.ItemID)
		if err != nil {
			return err
		}
		if item == nil {
			c.logger.Debug("skipping local apply of markGotten for unknown item", "item_id", m.ItemID)
			return nil
		}
		item.Gotten = p.Gotten
		item.UpdatedAt = m.Timestamp
		return c.upsertItem(ctx, item)

	case listsync.MutDelete:
		item, err := c.Item(ctx, m.ItemID)
		if err != nil {
			return err
		}
		if item == nil {
			return nil
		}
		item.Deleted = true
		item.UpdatedAt = m.Timestamp
		return c.upsertItem(ctx, item)

	default:
		return fmt.Errorf("%w: unknown mutation type %q", listsync.ErrInvalidMutation, m.Type)
	}
}

// mergeServerItems folds a server snapshot into the mirror. Rows with queued
// local mutations are skipped so optimistic local state is not clobbered
// before it has had a chance to drain.
func (c *Client) mergeServerItems(ctx context.Context, items []listsync.ListItem) error {
	c.writeMu.Lock()
	pending := make(map[string]bool, len(c.queue))
	for _, m := range c.queue {
		if m.Status != listsync.StatusSuccess {
			pending[m.ItemID] = true
		}
	}
	c.writeMu.Unlock()

	for i := range items {
		item := &items[i]
		if pending[item.ID] {
			c.logger.Debug("keeping local state for item with queued mutations", "item_id", item.ID)
			continue
		}
		if err := c.upsertItem(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
