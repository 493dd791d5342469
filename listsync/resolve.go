// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package listsync

import (
	"fmt"
	"time"
)

// DefaultLWWThreshold is the timestamp gap beyond which two revisions are
// considered clearly ordered and last-write-wins applies automatically.
const DefaultLWWThreshold = 5 * time.Minute

// DetectConflict compares a local and a remote snapshot of the same entity and
// returns the divergence, or (nil, nil) when every content field matches. Two
// empty values never count as divergent. The returned Conflict lists only
// genuinely differing fields, in a fixed report order, with the entity
// timestamps as per-field fallbacks.
//
// The comparison is purely field-equality based; there are no version counters
// or vector clocks involved, so two independent writes that happen to produce
// the same values are treated as agreement.
func DetectConflict(local, remote *ListItem) (*Conflict, error) {
	if local == nil || remote == nil {
		return nil, fmt.Errorf("detect conflict: %w", ErrNilItem)
	}
	if local.ID != remote.ID {
		return nil, fmt.Errorf("detect conflict: %w: local %q vs remote %q",
			ErrIDMismatch, local.ID, remote.ID)
	}

	var fieldConflicts []FieldConflict
	manual := false
	for _, field := range contentFieldOrder {
		lv := local.contentField(field)
		rv := remote.contentField(field)
		if lv == rv {
			continue
		}
		fieldConflicts = append(fieldConflicts, FieldConflict{
			Field:           field,
			LocalValue:      lv,
			RemoteValue:     rv,
			LocalTimestamp:  local.UpdatedAt,
			RemoteTimestamp: remote.UpdatedAt,
		})
		if !autoSafe(field, local, remote) {
			manual = true
		}
	}
	if len(fieldConflicts) == 0 {
		return nil, nil
	}

	return &Conflict{
		ItemID:                   local.ID,
		Type:                     classifyConflict(local, remote),
		Local:                    *local.Clone(),
		Remote:                   *remote.Clone(),
		FieldConflicts:           fieldConflicts,
		DetectedAt:               time.Now().UTC(),
		RequiresManualResolution: manual,
	}, nil
}

// classifyConflict picks the conflict type. Tombstone divergence outranks origin
// divergence, which outranks plain field divergence.
func classifyConflict(local, remote *ListItem) string {
	switch {
	case local.Deleted && !remote.Deleted:
		return ConflictDeleteUpdate
	case !local.Deleted && remote.Deleted:
		return ConflictUpdateDelete
	case local.CreatedBy != remote.CreatedBy:
		return ConflictCreateCreate
	default:
		return ConflictFieldLevel
	}
}

// autoSafe reports whether a differing field has a rule that can pick a winner
// without user input. Completion (OR) and quantity (max) always do. Notes only
// when at most one side is non-empty; two different non-empty notes are
// ambiguous. Title, category, tombstone and origin divergences never are.
func autoSafe(field string, local, remote *ListItem) bool {
	switch field {
	case FieldGotten, FieldQuantity:
		return true
	case FieldNotes:
		return local.Notes == "" || remote.Notes == ""
	default:
		return false
	}
}

// ResolveConflict produces a reconciled item from a conflict under the given
// strategy. The result is always a fresh value; the conflict and its snapshots
// are never mutated. Deterministic for a given (conflict, strategy) pair.
func ResolveConflict(c *Conflict, strategy string) (*ListItem, error) {
	if c == nil {
		return nil, fmt.Errorf("resolve conflict: nil conflict")
	}
	switch strategy {
	case StrategyLastWriteWins:
		return lastWriteWins(c), nil
	case StrategyFieldMerge:
		return MergeFields(&c.Local, &c.Remote), nil
	case StrategyPreferLocal:
		return c.Local.Clone(), nil
	case StrategyPreferRemote:
		return c.Remote.Clone(), nil
	case StrategyPreferGotten:
		resolved := lastWriteWins(c)
		resolved.Gotten = c.Local.Gotten || c.Remote.Gotten
		return resolved, nil
	case StrategyManual:
		return nil, fmt.Errorf("resolve conflict %s: %w", c.ItemID, ErrManualResolutionRequired)
	default:
		return nil, fmt.Errorf("resolve conflict: %w: %q", ErrUnknownStrategy, strategy)
	}
}

// AutoResolve applies the fixed heuristic chain and returns the first applicable
// result, or nil when the conflict needs manual resolution:
//
//  1. The two versions differ only in completion state: the completed one wins.
//  2. The timestamps differ by more than the threshold: last-write-wins.
//  3. Every differing field has a safe merge rule: merge the fields.
//  4. Otherwise nil.
//
// A non-positive threshold falls back to DefaultLWWThreshold.
func AutoResolve(c *Conflict, lwwThreshold time.Duration) *ListItem {
	if c == nil || len(c.FieldConflicts) == 0 {
		return nil
	}
	if lwwThreshold <= 0 {
		lwwThreshold = DefaultLWWThreshold
	}

	if len(c.FieldConflicts) == 1 && c.FieldConflicts[0].Field == FieldGotten {
		if c.Local.Gotten {
			return c.Local.Clone()
		}
		return c.Remote.Clone()
	}

	gap := c.Local.UpdatedAt.Sub(c.Remote.UpdatedAt)
	if gap < 0 {
		gap = -gap
	}
	if gap > lwwThreshold {
		return lastWriteWins(c)
	}

	for i := range c.FieldConflicts {
		if !autoSafe(c.FieldConflicts[i].Field, &c.Local, &c.Remote) {
			return nil
		}
	}
	return MergeFields(&c.Local, &c.Remote)
}

// MergeFields reconciles two snapshots with per-field deterministic rules:
// completion flags OR together, quantities take the maximum, notes concatenate
// with a separator when both are non-empty and differ, and every other field
// comes from the snapshot with the later timestamp. It never fails and never
// requires manual input; it is the terminal fallback for known-safe fields.
func MergeFields(local, remote *ListItem) *ListItem {
	earlier, later := local, remote
	if remote.UpdatedAt.Before(local.UpdatedAt) {
		earlier, later = remote, local
	}

	merged := later.Clone()
	merged.Gotten = local.Gotten || remote.Gotten
	if local.Quantity > remote.Quantity {
		merged.Quantity = local.Quantity
	} else {
		merged.Quantity = remote.Quantity
	}
	switch {
	case earlier.Notes != "" && later.Notes != "" && earlier.Notes != later.Notes:
		merged.Notes = earlier.Notes + " | " + later.Notes
	case later.Notes != "":
		merged.Notes = later.Notes
	default:
		merged.Notes = earlier.Notes
	}
	if local.Version > merged.Version {
		merged.Version = local.Version
	}
	if remote.Version > merged.Version {
		merged.Version = remote.Version
	}
	return merged
}

// lastWriteWins resolves per field by recency, with the entity timestamps as the
// fallback comparison. An exact tie keeps the local value. Non-conflicting
// fields and metadata come from the later snapshot.
func lastWriteWins(c *Conflict) *ListItem {
	resolved := c.Local.Clone()
	if c.Remote.UpdatedAt.After(c.Local.UpdatedAt) {
		resolved = c.Remote.Clone()
	}
	for i := range c.FieldConflicts {
		fc := &c.FieldConflicts[i]
		if fc.RemoteTimestamp.After(fc.LocalTimestamp) {
			setContentField(resolved, fc.Field, fc.RemoteValue)
		} else {
			setContentField(resolved, fc.Field, fc.LocalValue)
		}
	}
	if c.Local.Version > resolved.Version {
		resolved.Version = c.Local.Version
	}
	if c.Remote.Version > resolved.Version {
		resolved.Version = c.Remote.Version
	}
	return resolved
}

// setContentField writes a named content field back onto an item. Values
// originate from contentField so the dynamic types are exact.
func setContentField(item *ListItem, field string, value any) {
	switch field {
	case FieldTitle:
		if v, ok := value.(string); ok {
			item.Title = v
		}
	case FieldQuantity:
		if v, ok := value.(int); ok {
			item.Quantity = v
		}
	case FieldNotes:
		if v, ok := value.(string); ok {
			item.Notes = v
		}
	case FieldCategory:
		if v, ok := value.(string); ok {
			item.Category = v
		}
	case FieldGotten:
		if v, ok := value.(bool); ok {
			item.Gotten = v
		}
	case FieldDeleted:
		if v, ok := value.(bool); ok {
			item.Deleted = v
		}
	}
}
