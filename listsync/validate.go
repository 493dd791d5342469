// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package listsync

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ValidateMutation checks a mutation before it enters the queue or the remote
// apply path. Failures wrap ErrInvalidMutation and are synchronous: an invalid
// mutation is rejected outright, never queued and never retried.
func ValidateMutation(id, mutationType, itemID string, payload json.RawMessage) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: invalid mutation id %q", ErrInvalidMutation, id)
	}

	mutationType = strings.TrimSpace(mutationType)
	switch mutationType {
	case MutAdd, MutUpdate, MutDelete, MutMarkGotten:
	default:
		return fmt.Errorf("%w: unknown mutation type %q", ErrInvalidMutation, mutationType)
	}

	if _, err := uuid.Parse(itemID); err != nil {
		return fmt.Errorf("%w: invalid item id %q", ErrInvalidMutation, itemID)
	}

	if mutationType == MutDelete {
		// Deletions need the target id only; a payload is tolerated as long as it
		// agrees with it.
		if len(payload) == 0 {
			return nil
		}
		p, err := DecodeDeletePayload(payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMutation, err)
		}
		if p.ID != "" && p.ID != itemID {
			return fmt.Errorf("%w: delete payload id %q does not match item id %q",
				ErrInvalidMutation, p.ID, itemID)
		}
		return nil
	}

	if len(payload) == 0 {
		return fmt.Errorf("%w: payload required for %s mutation", ErrInvalidMutation, mutationType)
	}
	ext, err := NewPayloadExtractor(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMutation, err)
	}
	if pid := ext.StrField("id"); pid != nil && *pid != itemID {
		return fmt.Errorf("%w: payload id %q does not match item id %q",
			ErrInvalidMutation, *pid, itemID)
	}

	switch mutationType {
	case MutAdd:
		item, err := DecodeAddPayload(payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMutation, err)
		}
		if strings.TrimSpace(item.Title) == "" {
			return fmt.Errorf("%w: add payload requires a title", ErrInvalidMutation)
		}
		if item.Quantity < 0 {
			return fmt.Errorf("%w: add payload quantity must not be negative", ErrInvalidMutation)
		}

	case MutUpdate:
		p, err := DecodeUpdatePayload(payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMutation, err)
		}
		if p.Title == nil && p.Quantity == nil && p.Notes == nil && p.Category == nil && p.Gotten == nil {
			return fmt.Errorf("%w: update payload changes no fields", ErrInvalidMutation)
		}
		if p.Quantity != nil && *p.Quantity < 0 {
			return fmt.Errorf("%w: update payload quantity must not be negative", ErrInvalidMutation)
		}

	case MutMarkGotten:
		if ext.BoolField("gotten") == nil {
			return fmt.Errorf("%w: markGotten payload requires a gotten flag", ErrInvalidMutation)
		}
	}

	return nil
}
