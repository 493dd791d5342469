// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package listsync

import (
	"encoding/json"
	"fmt"
)

// Payload shapes per mutation type. An add carries a full item; an update carries
// the id plus the changed fields only; a delete carries the id; a markGotten
// carries the id and the flag value.

// UpdatePayload is a partial field set for an update mutation. Nil pointers mean
// "leave unchanged". Gotten is settable here too so that resolver-produced
// updates can carry a merged completion flag; the markGotten mutation remains
// the UI-facing toggle.
type UpdatePayload struct {
	ID       string  `json:"id"`
	Title    *string `json:"title,omitempty"`
	Quantity *int    `json:"quantity,omitempty"`
	Notes    *string `json:"notes,omitempty"`
	Category *string `json:"category,omitempty"`
	Gotten   *bool   `json:"gotten,omitempty"`
}

// ApplyTo copies the changed fields onto an item snapshot.
func (p *UpdatePayload) ApplyTo(item *ListItem) {
	if p.Title != nil {
		item.Title = *p.Title
	}
	if p.Quantity != nil {
		item.Quantity = *p.Quantity
	}
	if p.Notes != nil {
		item.Notes = *p.Notes
	}
	if p.Category != nil {
		item.Category = *p.Category
	}
	if p.Gotten != nil {
		item.Gotten = *p.Gotten
	}
}

// DeletePayload targets an item for deletion.
type DeletePayload struct {
	ID string `json:"id"`
}

// MarkGottenPayload toggles an item's completed flag.
type MarkGottenPayload struct {
	ID     string `json:"id"`
	Gotten bool   `json:"gotten"`
}

// EncodeAddPayload serializes a full item for an add mutation.
func EncodeAddPayload(item *ListItem) (json.RawMessage, error) {
	data, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal add payload: %w", err)
	}
	return data, nil
}

// EncodeUpdatePayload serializes a partial field set for an update mutation.
func EncodeUpdatePayload(p *UpdatePayload) (json.RawMessage, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal update payload: %w", err)
	}
	return data, nil
}

// EncodeDeletePayload serializes a delete target.
func EncodeDeletePayload(id string) (json.RawMessage, error) {
	data, err := json.Marshal(&DeletePayload{ID: id})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal delete payload: %w", err)
	}
	return data, nil
}

// EncodeMarkGottenPayload serializes a completed-flag toggle.
func EncodeMarkGottenPayload(id string, gotten bool) (json.RawMessage, error) {
	data, err := json.Marshal(&MarkGottenPayload{ID: id, Gotten: gotten})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal markGotten payload: %w", err)
	}
	return data, nil
}

// DecodeAddPayload parses a full item from an add mutation payload.
func DecodeAddPayload(payload json.RawMessage) (*ListItem, error) {
	var item ListItem
	if err := json.Unmarshal(payload, &item); err != nil {
		return nil, fmt.Errorf("failed to parse add payload: %w", err)
	}
	return &item, nil
}

// DecodeUpdatePayload parses a partial field set from an update mutation payload.
func DecodeUpdatePayload(payload json.RawMessage) (*UpdatePayload, error) {
	var p UpdatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("failed to parse update payload: %w", err)
	}
	return &p, nil
}

// DecodeDeletePayload parses a delete target from a delete mutation payload.
func DecodeDeletePayload(payload json.RawMessage) (*DeletePayload, error) {
	var p DeletePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("failed to parse delete payload: %w", err)
	}
	return &p, nil
}

// DecodeMarkGottenPayload parses a completed-flag toggle from a markGotten payload.
func DecodeMarkGottenPayload(payload json.RawMessage) (*MarkGottenPayload, error) {
	var p MarkGottenPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("failed to parse markGotten payload: %w", err)
	}
	return &p, nil
}

// PayloadExtractor provides utilities for extracting typed fields from JSON
// payloads without committing to a struct shape. Useful for handlers that accept
// several mutation payload forms.
type PayloadExtractor struct {
	data map[string]any
}

// NewPayloadExtractor creates a new PayloadExtractor from JSON payload bytes.
func NewPayloadExtractor(payload []byte) (*PayloadExtractor, error) {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	if m == nil {
		return nil, fmt.Errorf("payload is not a JSON object")
	}
	return &PayloadExtractor{data: m}, nil
}

// StrField extracts a nullable string from the payload.
// Returns nil if the field is missing, null, or not a string.
func (p *PayloadExtractor) StrField(key string) *string {
	if v, ok := p.data[key]; ok && v != nil {
		if s, ok2 := v.(string); ok2 {
			return &s
		}
	}
	return nil
}

// StrFieldRequired extracts a required string from the payload.
func (p *PayloadExtractor) StrFieldRequired(key string) (string, error) {
	if s := p.StrField(key); s != nil {
		return *s, nil
	}
	return "", fmt.Errorf("required string field '%s' is missing or invalid", key)
}

// IntField extracts a nullable int from the payload. Accepts numeric values and
// numeric strings.
func (p *PayloadExtractor) IntField(key string) *int {
	if v, ok := p.data[key]; ok && v != nil {
		switch t := v.(type) {
		case float64:
			n := int(t)
			return &n
		case string:
			if t == "" {
				return nil
			}
			var n int
			if _, err := fmt.Sscan(t, &n); err == nil {
				return &n
			}
		}
	}
	return nil
}

// BoolField extracts a nullable bool from the payload. Accepts bool values,
// numeric values (0=false, non-zero=true), and "true"/"false"/"1"/"0" strings.
func (p *PayloadExtractor) BoolField(key string) *bool {
	if v, ok := p.data[key]; ok && v != nil {
		switch t := v.(type) {
		case bool:
			return &t
		case float64:
			b := t != 0
			return &b
		case string:
			switch t {
			case "1", "true", "TRUE":
				b := true
				return &b
			case "0", "false", "FALSE":
				b := false
				return &b
			}
		}
	}
	return nil
}

// HasField checks if a field exists in the payload (even if it's null).
func (p *PayloadExtractor) HasField(key string) bool {
	_, ok := p.data[key]
	return ok
}
