// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package listsqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/mobiletoly/go-listsync/listsync"
)

// QueuedMutation is one durable entry in the offline queue.
type QueuedMutation struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	ItemID        string          `json:"item_id"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Priority      int             `json:"priority"`
	RetryCount    int             `json:"retry_count"`
	Status        string          `json:"status"`
	Error         string          `json:"error,omitempty"`
	NextAttemptAt time.Time       `json:"next_attempt_at,omitempty"`
}

// Clone returns a deep copy so callers can inspect queue state without
// aliasing internal memory.
func (m *QueuedMutation) Clone() *QueuedMutation {
	if m == nil {
		return nil
	}
	cp := *m
	if m.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), m.Payload...)
	}
	return &cp
}

func newMutation(mutationType, itemID string, payload json.RawMessage) *QueuedMutation {
	return &QueuedMutation{
		ID:        uuid.New().String(),
		Type:      mutationType,
		ItemID:    itemID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		Status:    listsync.StatusPending,
	}
}

// NewAddMutation builds a pending add mutation carrying the full new item.
func NewAddMutation(item *listsync.ListItem) (*QueuedMutation, error) {
	if item == nil {
		return nil, listsync.ErrNilItem
	}
	payload, err := listsync.EncodeAddPayload(item)
	if err != nil {
		return nil, err
	}
	return newMutation(listsync.MutAdd, item.ID, payload), nil
}

// NewUpdateMutation builds a pending update mutation from a partial field set.
func NewUpdateMutation(itemID string, patch *listsync.UpdatePayload) (*QueuedMutation, error) {
	if patch == nil {
		return nil, fmt.Errorf("%w: update patch cannot be nil", listsync.ErrInvalidMutation)
	}
	patch.ID = itemID
	payload, err := listsync.EncodeUpdatePayload(patch)
	if err != nil {
		return nil, err
	}
	return newMutation(listsync.MutUpdate, itemID, payload), nil
}

// NewDeleteMutation builds a pending delete mutation.
func NewDeleteMutation(itemID string) (*QueuedMutation, error) {
	payload, err := listsync.EncodeDeletePayload(itemID)
	if err != nil {
		return nil, err
	}
	return newMutation(listsync.MutDelete, itemID, payload), nil
}

// NewMarkGottenMutation builds a pending completed-flag toggle.
func NewMarkGottenMutation(itemID string, gotten bool) (*QueuedMutation, error) {
	payload, err := listsync.EncodeMarkGottenPayload(itemID, gotten)
	if err != nil {
		return nil, err
	}
	return newMutation(listsync.MutMarkGotten, itemID, payload), nil
}

// QueueStatus is a point-in-time summary of the queue.
type QueueStatus struct {
	Total         int       `json:"total"`
	Pending       int       `json:"pending"`
	Processing    int       `json:"processing"`
	Failed        int       `json:"failed"`
	Success       int       `json:"success"`
	IsProcessing  bool      `json:"is_processing"`
	LastProcessed time.Time `json:"last_processed,omitempty"`
}

// AddToQueue validates and enqueues a mutation, applies it optimistically to
// the local item mirror, re-sorts the queue by (priority desc, timestamp asc)
// and persists. The only error returned is a validation failure; storage
// trouble is reported through OnPersistenceError so the caller's UI flow is
// never interrupted by a full disk.
func (c *Client) AddToQueue(ctx context.Context, m *QueuedMutation) error {
	if m == nil {
		return fmt.Errorf("%w: mutation cannot be nil", listsync.ErrInvalidMutation)
	}
	if err := listsync.ValidateMutation(m.ID, m.Type, m.ItemID, m.Payload); err != nil {
		return err
	}

	c.writeMu.Lock()
	for _, existing := range c.queue {
		if existing.ID == m.ID {
			c.writeMu.Unlock()
			return fmt.Errorf("%w: mutation id %s is already queued", listsync.ErrInvalidMutation, m.ID)
		}
	}

	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	if m.Priority == 0 {
		m.Priority = listsync.PriorityFor(m.Type)
	}
	if m.Status == "" {
		m.Status = listsync.StatusPending
	}

	mirrorErr := c.applyMutationLocally(ctx, m)
	c.queue = append(c.queue, m)
	sortMutations(c.queue)
	persistErr := c.persistQueueLocked(ctx)
	status := c.statusLocked()
	c.writeMu.Unlock()

	if mirrorErr != nil {
		c.logger.Error("failed to apply mutation to local mirror",
			"mutation_id", m.ID, "type", m.Type, "error", mirrorErr)
		c.notifyPersistenceError(mirrorErr)
	}
	if persistErr != nil {
		c.notifyPersistenceError(persistErr)
	}
	c.notifyStatusChange(status)

	c.logger.Debug("mutation queued",
		"mutation_id", m.ID, "type", m.Type, "item_id", m.ItemID, "priority", m.Priority)
	if c.Online() {
		c.signalDrain()
	}
	return nil
}

// RetryFailed resets every failed mutation to pending with a fresh retry
// budget and immediately drains the queue. This is the only path from failed
// back to pending besides automatic backoff re-queueing.
func (c *Client) RetryFailed(ctx context.Context) (*ProcessingResult, error) {
	c.writeMu.Lock()
	reset := 0
	for _, m := range c.queue {
		if m.Status != listsync.StatusFailed {
			continue
		}
		m.Status = listsync.StatusPending
		m.RetryCount = 0
		m.Error = ""
		m.NextAttemptAt = time.Time{}
		reset++
	}
	var persistErr error
	var status *QueueStatus
	if reset > 0 {
		persistErr = c.persistQueueLocked(ctx)
		status = c.statusLocked()
	}
	c.writeMu.Unlock()

	if persistErr != nil {
		c.notifyPersistenceError(persistErr)
	}
	if status != nil {
		c.notifyStatusChange(status)
	}
	if reset > 0 {
		c.logger.Info("failed mutations reset for retry", "count", reset)
	}
	return c.ProcessQueue(ctx)
}

// ClearQueue unconditionally empties the queue. Destructive recovery for a
// corrupted queue; queued work is discarded without being submitted.
func (c *Client) ClearQueue(ctx context.Context) error {
	c.writeMu.Lock()
	dropped := len(c.queue)
	c.queue = nil
	persistErr := c.persistQueueLocked(ctx)
	status := c.statusLocked()
	c.writeMu.Unlock()

	if persistErr != nil {
		c.notifyPersistenceError(persistErr)
	}
	c.notifyStatusChange(status)
	if dropped > 0 {
		c.logger.Warn("mutation queue cleared", "dropped", dropped)
	}
	return nil
}

// RemoveMutation discards a single queued mutation regardless of status. Used
// when the UI lets a user abandon one pending change (for example a conflict
// they decided to resolve by keeping the server's value).
func (c *Client) RemoveMutation(ctx context.Context, mutationID string) error {
	c.writeMu.Lock()
	kept := c.queue[:0]
	removed := false
	for _, m := range c.queue {
		if m.ID == mutationID {
			removed = true
			continue
		}
		kept = append(kept, m)
	}
	var persistErr error
	var status *QueueStatus
	if removed {
		c.queue = kept
		persistErr = c.persistQueueLocked(ctx)
		status = c.statusLocked()
	}
	c.writeMu.Unlock()

	if persistErr != nil {
		c.notifyPersistenceError(persistErr)
	}
	if status != nil {
		c.notifyStatusChange(status)
	}
	if !removed {
		return fmt.Errorf("mutation %s is not queued", mutationID)
	}
	return nil
}

// GetStatus returns a summary of the queue without mutating anything.
func (c *Client) GetStatus() *QueueStatus {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.statusLocked()
}

// GetQueuedMutations returns a deep copy of the queue in drain order.
// Mutating the returned slice or its elements does not affect the queue.
func (c *Client) GetQueuedMutations() []*QueuedMutation {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	out := make([]*QueuedMutation, 0, len(c.queue))
	for _, m := range c.queue {
		out = append(out, m.Clone())
	}
	return out
}

func (c *Client) statusLocked() *QueueStatus {
	status := &QueueStatus{
		Total:         len(c.queue),
		IsProcessing:  c.processingNow(),
		LastProcessed: c.lastProcessed,
	}
	for _, m := range c.queue {
		switch m.Status {
		case listsync.StatusPending:
			status.Pending++
		case listsync.StatusProcessing:
			status.Processing++
		case listsync.StatusFailed:
			status.Failed++
		case listsync.StatusSuccess:
			status.Success++
		}
	}
	return status
}

// sortMutations orders the queue by (priority desc, timestamp asc). The sort
// is stable, so equal-priority mutations with identical timestamps keep
// insertion order.
func sortMutations(queue []*QueuedMutation) {
	sort.SliceStable(queue, func(i, j int) bool {
		if queue[i].Priority != queue[j].Priority {
			return queue[i].Priority > queue[j].Priority
		}
		return queue[i].Timestamp.Before(queue[j].Timestamp)
	})
}

// entityHeads maps each item to its earliest-enqueued live mutation. Succeeded
// entries awaiting cleanup are not live and never hold a head slot.
func entityHeads(queue []*QueuedMutation) map[string]*QueuedMutation {
	heads := make(map[string]*QueuedMutation)
	for _, m := range queue {
		switch m.Status {
		case listsync.StatusPending, listsync.StatusProcessing, listsync.StatusFailed:
			head, ok := heads[m.ItemID]
			if !ok || m.Timestamp.Before(head.Timestamp) {
				heads[m.ItemID] = m
			}
		}
	}
	return heads
}

// nextEligibleLocked returns the next mutation to submit: the first pending
// entry in drain order that is due and is its item's head. Priority orders
// the drain across items only; within one item enqueue order always wins, so
// a toggle can never overtake the add that creates its item and an update is
// never submitted after a later delete. An item whose head is delayed by
// backoff, in flight, or parked as failed contributes nothing this pass:
// later siblings wait rather than overtaking. Caller must hold writeMu.
func nextEligibleLocked(queue []*QueuedMutation, now time.Time) *QueuedMutation {
	heads := entityHeads(queue)
	for _, m := range queue {
		if m.Status != listsync.StatusPending || m.NextAttemptAt.After(now) {
			continue
		}
		if heads[m.ItemID] == m {
			return m
		}
	}
	return nil
}

// nextEligibleAt reports the earliest instant at which some mutation becomes
// drainable, honoring the same per-item ordering as nextEligibleLocked. ok is
// false when nothing is schedulable (empty queue, or every item's head is in
// flight or parked as failed).
func nextEligibleAt(queue []*QueuedMutation, now time.Time) (time.Time, bool) {
	var earliest time.Time
	for _, m := range entityHeads(queue) {
		if m.Status != listsync.StatusPending {
			continue
		}
		at := m.NextAttemptAt
		if at.IsZero() || at.Before(now) {
			at = now
		}
		if earliest.IsZero() || at.Before(earliest) {
			earliest = at
		}
	}
	return earliest, !earliest.IsZero()
}
