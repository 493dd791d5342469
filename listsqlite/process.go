// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package listsqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mobiletoly/go-listsync/listsync"
)

func (c *Client) processingNow() bool { return atomic.LoadInt32(&c.processing) == 1 }

// ProcessingResult summarizes one drain pass.
type ProcessingResult struct {
	Attempted    int           `json:"attempted"`
	Succeeded    int           `json:"succeeded"`
	Failed       int           `json:"failed"`
	Conflicts    int           `json:"conflicts"`
	AutoResolved int           `json:"auto_resolved"`
	Elapsed      time.Duration `json:"elapsed"`
}

// ProcessQueue drains eligible mutations sequentially, one submission at a
// time, so two mutations touching the same item reach the server in enqueue
// order. At most one drain runs at a time: a concurrent call returns
// (nil, nil) and the in-flight pass covers its trigger. The same no-op shape
// is returned while offline or paused.
//
// Per mutation the verdict decides the transition: applied marks it success,
// a conflict goes through automatic resolution, an invalid rejection is a
// terminal failure, and transport errors retry with exponential backoff until
// the retry budget is spent. Backoff never blocks the pass; the mutation is
// re-queued as pending with a future attempt time and the drain moves on to
// mutations for other items.
func (c *Client) ProcessQueue(ctx context.Context) (*ProcessingResult, error) {
	if c.pausedNow() {
		return nil, nil
	}
	if !c.Online() {
		c.logger.Debug("skipping queue drain while offline")
		return nil, nil
	}
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return nil, nil
	}
	defer atomic.StoreInt32(&c.processing, 0)

	totalStart := c.stageStart()
	started := time.Now()
	result := &ProcessingResult{}
	var drainErr error

	for {
		if err := ctx.Err(); err != nil {
			drainErr = err
			break
		}

		c.writeMu.Lock()
		m := nextEligibleLocked(c.queue, time.Now())
		if m == nil {
			c.writeMu.Unlock()
			break
		}
		m.Status = listsync.StatusProcessing
		snapshot := m.Clone()
		statusSnap := c.statusLocked()
		c.writeMu.Unlock()
		c.notifyStatusChange(statusSnap)

		result.Attempted++

		// A non-delete mutation for an item the user has since deleted
		// locally is superseded; acknowledge it without submitting so a
		// replayed add or update cannot undo the newer delete.
		if m.Type != listsync.MutDelete {
			if item, err := c.Item(ctx, snapshot.ItemID); err == nil && item != nil && item.Deleted {
				c.logger.Debug("skipping mutation superseded by local delete",
					"mutation_id", snapshot.ID, "type", snapshot.Type, "item_id", snapshot.ItemID)
				c.markSuccess(m, result)
				continue
			}
		}
		submitStart := c.stageStart()
		resp, submitErr := c.submitMutation(ctx, snapshot)
		c.observeStageAttempt(ctx, MetricsOpDrain, MetricsStageSubmit, submitStart, 1, snapshot.RetryCount, submitErr != nil)

		if submitErr != nil && ctx.Err() != nil {
			// The drain itself was cancelled; put the mutation back as
			// pending for the next pass without burning a retry.
			c.writeMu.Lock()
			m.Status = listsync.StatusPending
			c.writeMu.Unlock()
			drainErr = ctx.Err()
			break
		}

		switch {
		case submitErr != nil:
			c.handleSubmitError(m, submitErr, result)
		case resp.Status == listsync.StApplied:
			c.handleApplied(ctx, m, resp, result)
		case resp.Status == listsync.StConflict:
			c.handleConflictVerdict(ctx, m, resp, result)
		case resp.Status == listsync.StInvalid:
			err := fmt.Errorf("server rejected mutation: %s (%s)", resp.Reason, resp.Message)
			c.failMutation(m, err, result)
		default:
			err := fmt.Errorf("server returned unknown mutation status %q", resp.Status)
			c.failMutation(m, err, result)
		}
	}

	// Cleanup: drop acknowledged mutations and persist what remains.
	c.writeMu.Lock()
	kept := c.queue[:0]
	removed := 0
	for _, m := range c.queue {
		if m.Status == listsync.StatusSuccess {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	c.queue = kept
	var persistErr error
	if result.Attempted > 0 || removed > 0 {
		persistErr = c.persistQueueLocked(ctx)
	}
	c.lastProcessed = time.Now().UTC()
	statusSnap := c.statusLocked()
	c.writeMu.Unlock()

	if persistErr != nil {
		c.notifyPersistenceError(persistErr)
	}

	result.Elapsed = time.Since(started)
	c.observeStage(ctx, MetricsOpDrain, MetricsStageTotal, totalStart, result.Attempted, drainErr != nil)
	if result.Attempted > 0 {
		c.logger.Info("queue drain finished",
			"attempted", result.Attempted, "succeeded", result.Succeeded,
			"failed", result.Failed, "conflicts", result.Conflicts,
			"auto_resolved", result.AutoResolved, "elapsed", result.Elapsed)
		c.notifyQueueProcessed(result)
	}
	c.notifyStatusChange(statusSnap)

	return result, drainErr
}

// handleSubmitError classifies a transport-level failure. Transient errors
// re-queue with backoff until the retry budget is spent; everything else is
// terminal.
func (c *Client) handleSubmitError(m *QueuedMutation, submitErr error, result *ProcessingResult) {
	if !listsync.IsTransient(submitErr) {
		c.failMutation(m, submitErr, result)
		return
	}

	c.writeMu.Lock()
	m.RetryCount++
	if m.RetryCount >= c.config.MaxRetries {
		c.writeMu.Unlock()
		c.failMutation(m, fmt.Errorf("retries exhausted: %w", submitErr), result)
		return
	}
	delay := listsync.Backoff(c.config.BackoffBase, c.config.BackoffMax, m.RetryCount)
	m.Status = listsync.StatusPending
	m.Error = submitErr.Error()
	m.NextAttemptAt = time.Now().UTC().Add(delay)
	id, retries := m.ID, m.RetryCount
	statusSnap := c.statusLocked()
	c.writeMu.Unlock()

	c.logger.Debug("transient submit failure, retry scheduled",
		"mutation_id", id, "retry_count", retries, "delay", delay, "error", submitErr)
	c.notifyStatusChange(statusSnap)
}

// handleApplied records the acknowledged server revision and marks the
// mutation done.
func (c *Client) handleApplied(ctx context.Context, m *QueuedMutation, resp *listsync.MutationResponse, result *ProcessingResult) {
	if resp.NewItemVersion != nil {
		if err := c.setItemVersion(ctx, m.ItemID, *resp.NewItemVersion); err != nil {
			c.logger.Error("failed to record acknowledged version", "item_id", m.ItemID, "error", err)
			c.notifyPersistenceError(err)
		}
	}
	c.markSuccess(m, result)
}

// handleConflictVerdict reconciles a version-mismatch rejection. The server's
// snapshot travels with the verdict; resolution happens entirely on this
// device and, when automatic, the reconciled value is re-queued as a fresh
// mutation while the original is acknowledged. Unresolvable conflicts park
// the mutation as failed and surface through OnConflictPending, never
// silently dropping the user's change.
func (c *Client) handleConflictVerdict(ctx context.Context, m *QueuedMutation, resp *listsync.MutationResponse, result *ProcessingResult) {
	result.Conflicts++
	resolveStart := c.stageStart()

	var remote listsync.ListItem
	if err := json.Unmarshal(resp.ServerItem, &remote); err != nil {
		c.failMutation(m, fmt.Errorf("failed to decode server snapshot: %w", err), result)
		return
	}

	local, err := c.Item(ctx, m.ItemID)
	if err != nil {
		c.failMutation(m, err, result)
		return
	}
	if local == nil {
		// Nothing local to defend; adopt the server row.
		if err := c.upsertItem(ctx, &remote); err != nil {
			c.failMutation(m, err, result)
			return
		}
		c.markSuccess(m, result)
		return
	}

	conflict, err := listsync.DetectConflict(local, &remote)
	if err != nil {
		c.failMutation(m, err, result)
		return
	}
	if conflict == nil {
		// Both sides hold the same content; only the revision number moved.
		if err := c.setItemVersion(ctx, m.ItemID, remote.Version); err != nil {
			c.logger.Error("failed to adopt server version", "item_id", m.ItemID, "error", err)
			c.notifyPersistenceError(err)
		}
		c.markSuccess(m, result)
		return
	}

	resolved := listsync.AutoResolve(conflict, c.config.LWWThreshold)
	c.observeStageAttempt(ctx, MetricsOpDrain, MetricsStageResolve, resolveStart, 1, m.RetryCount, resolved == nil)
	if resolved == nil {
		err := fmt.Errorf("%s conflict on item %s: %w", conflict.Type, m.ItemID, listsync.ErrManualResolutionRequired)
		c.logger.Warn("conflict requires manual resolution",
			"mutation_id", m.ID, "item_id", m.ItemID, "conflict_type", conflict.Type)
		c.notifyConflictPending(conflict)
		c.failMutation(m, err, result)
		return
	}

	// The resolved value is based on the server's current revision; adopting
	// it locally first keeps reads consistent if the resubmission also
	// conflicts later.
	resolved.Version = remote.Version
	if err := c.upsertItem(ctx, resolved); err != nil {
		c.failMutation(m, err, result)
		return
	}

	followup, err := resolutionMutation(resolved, &remote)
	if err != nil {
		c.failMutation(m, err, result)
		return
	}

	c.writeMu.Lock()
	m.Status = listsync.StatusSuccess
	m.Error = ""
	m.NextAttemptAt = time.Time{}
	origSnap := m.Clone()
	if followup != nil {
		followup.Priority = listsync.PriorityFor(followup.Type)
		c.queue = append(c.queue, followup)
		sortMutations(c.queue)
	}
	persistErr := c.persistQueueLocked(ctx)
	statusSnap := c.statusLocked()
	c.writeMu.Unlock()

	result.AutoResolved++
	result.Succeeded++
	if persistErr != nil {
		c.notifyPersistenceError(persistErr)
	}
	c.logger.Info("conflict auto-resolved",
		"item_id", m.ItemID, "conflict_type", conflict.Type, "resubmitted", followup != nil)
	c.notifyMutationSuccess(origSnap)
	c.notifyStatusChange(statusSnap)
}

// resolutionMutation maps a resolved snapshot to the mutation that carries it
// back to the server. Content differences travel as an update; a tombstone
// flip becomes a delete, and a resurrection becomes an add, the one mutation
// that clears a server-side tombstone. Returns nil when the resolution equals
// the server state and there is nothing to send.
func resolutionMutation(resolved, remote *listsync.ListItem) (*QueuedMutation, error) {
	diff, err := listsync.DetectConflict(resolved, remote)
	if err != nil {
		return nil, err
	}
	if diff == nil {
		return nil, nil
	}

	switch {
	case resolved.Deleted && !remote.Deleted:
		return NewDeleteMutation(resolved.ID)
	case !resolved.Deleted && remote.Deleted:
		return NewAddMutation(resolved)
	default:
		patch := contentPatch(resolved, remote)
		if patch == nil {
			return nil, nil
		}
		return NewUpdateMutation(resolved.ID, patch)
	}
}

// contentPatch builds the minimal update payload that turns remote into
// resolved. Nil when no content field differs.
func contentPatch(resolved, remote *listsync.ListItem) *listsync.UpdatePayload {
	patch := &listsync.UpdatePayload{ID: resolved.ID}
	changed := false
	if resolved.Title != remote.Title {
		v := resolved.Title
		patch.Title = &v
		changed = true
	}
	if resolved.Quantity != remote.Quantity {
		v := resolved.Quantity
		patch.Quantity = &v
		changed = true
	}
	if resolved.Notes != remote.Notes {
		v := resolved.Notes
		patch.Notes = &v
		changed = true
	}
	if resolved.Category != remote.Category {
		v := resolved.Category
		patch.Category = &v
		changed = true
	}
	if resolved.Gotten != remote.Gotten {
		v := resolved.Gotten
		patch.Gotten = &v
		changed = true
	}
	if !changed {
		return nil
	}
	return patch
}

// failMutation parks a mutation as terminally failed. The only ways out are
// RetryFailed and RemoveMutation.
func (c *Client) failMutation(m *QueuedMutation, failErr error, result *ProcessingResult) {
	c.writeMu.Lock()
	m.Status = listsync.StatusFailed
	m.Error = failErr.Error()
	m.NextAttemptAt = time.Time{}
	snap := m.Clone()
	statusSnap := c.statusLocked()
	c.writeMu.Unlock()

	result.Failed++
	c.logger.Warn("mutation failed",
		"mutation_id", snap.ID, "type", snap.Type, "item_id", snap.ItemID, "error", failErr)
	c.notifyMutationFailed(snap, failErr)
	c.notifyStatusChange(statusSnap)
}

// markSuccess acknowledges a mutation; the cleanup pass at the end of the
// drain removes it from the store.
func (c *Client) markSuccess(m *QueuedMutation, result *ProcessingResult) {
	c.writeMu.Lock()
	m.Status = listsync.StatusSuccess
	m.Error = ""
	m.NextAttemptAt = time.Time{}
	snap := m.Clone()
	statusSnap := c.statusLocked()
	c.writeMu.Unlock()

	result.Succeeded++
	c.notifyMutationSuccess(snap)
	c.notifyStatusChange(statusSnap)
}
