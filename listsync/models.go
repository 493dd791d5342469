// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package listsync

import (
	"time"
)

// ListItem is one entry of the shared list. Two items with the same ID but
// different field values are the same entity at different revisions.
//
// Title, Quantity, Notes, Category, Gotten and Deleted are the content fields
// compared by conflict detection. ID, CreatedBy, UpdatedAt and Version are
// identity/bookkeeping metadata and never appear as field conflicts themselves.
type ListItem struct {
	ID        string    `json:"id"`         // Client-generated UUID
	Title     string    `json:"title"`      // Display name ("Milk")
	Quantity  int       `json:"quantity"`   // Amount to get
	Notes     string    `json:"notes"`      // Free-text annotation
	Category  string    `json:"category"`   // Aisle/section grouping
	Gotten    bool      `json:"gotten"`     // Completed flag
	Deleted   bool      `json:"deleted"`    // Tombstone
	CreatedBy string    `json:"created_by"` // Source ID of the creating device
	UpdatedAt time.Time `json:"updated_at"` // Authorship timestamp of this revision
	Version   int64     `json:"version"`    // Server revision (0 = never acknowledged)
}

// Clone returns an independent copy of the item.
func (i *ListItem) Clone() *ListItem {
	if i == nil {
		return nil
	}
	c := *i
	return &c
}

// contentFieldOrder fixes the order in which differing fields are reported.
var contentFieldOrder = []string{
	FieldTitle, FieldQuantity, FieldNotes, FieldCategory, FieldGotten, FieldDeleted,
}

// Content field name constants
const (
	FieldTitle    = "title"
	FieldQuantity = "quantity"
	FieldNotes    = "notes"
	FieldCategory = "category"
	FieldGotten   = "gotten"
	FieldDeleted  = "deleted"
)

// contentField returns the value of a named content field.
func (i *ListItem) contentField(name string) any {
	switch name {
	case FieldTitle:
		return i.Title
	case FieldQuantity:
		return i.Quantity
	case FieldNotes:
		return i.Notes
	case FieldCategory:
		return i.Category
	case FieldGotten:
		return i.Gotten
	case FieldDeleted:
		return i.Deleted
	default:
		return nil
	}
}

// FieldConflict describes one content field where two snapshots of the same
// entity disagree. Timestamps fall back to the snapshots' entity UpdatedAt since
// items do not carry per-field authorship times.
type FieldConflict struct {
	Field           string    `json:"field"`
	LocalValue      any       `json:"local_value"`
	RemoteValue     any       `json:"remote_value"`
	LocalTimestamp  time.Time `json:"local_timestamp"`
	RemoteTimestamp time.Time `json:"remote_timestamp"`
}

// Conflict is a detected divergence between a local and a remote snapshot of the
// same entity. It is immutable once constructed: resolution produces a new
// ListItem and never mutates the Conflict. A Conflict is consumed exactly once;
// a fresh divergence produces a fresh Conflict.
type Conflict struct {
	ItemID                   string          `json:"item_id"`
	Type                     string          `json:"type"` // ConflictFieldLevel etc.
	Local                    ListItem        `json:"local"`
	Remote                   ListItem        `json:"remote"`
	FieldConflicts           []FieldConflict `json:"field_conflicts"`
	DetectedAt               time.Time       `json:"detected_at"`
	RequiresManualResolution bool            `json:"requires_manual_resolution"`
}

// DifferingFields returns the names of the conflicting fields in report order.
func (c *Conflict) DifferingFields() []string {
	fields := make([]string, len(c.FieldConflicts))
	for i, fc := range c.FieldConflicts {
		fields[i] = fc.Field
	}
	return fields
}
