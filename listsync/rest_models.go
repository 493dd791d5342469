// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package listsync

import (
	"encoding/json"
)

// Wire models for the mutation submit protocol. Mutations are submitted one at
// a time so that causal order on a single entity is preserved end to end; the
// mutation id doubles as the idempotency key for crash-replay deduplication.

// MutationUpload is the request body for submitting one queued mutation.
type MutationUpload struct {
	MutationID  string          `json:"mutation_id"`       // Client mutation UUID (idempotency key)
	Type        string          `json:"type"`              // add | update | delete | markGotten
	ItemID      string          `json:"item_id"`           // Target entity UUID
	ItemVersion int64           `json:"item_version"`      // Base server revision (0 for add)
	Payload     json.RawMessage `json:"payload,omitempty"` // Type-specific payload
}

// MutationResponse is the server's verdict on one submitted mutation.
type MutationResponse struct {
	MutationID     string          `json:"mutation_id"`
	Status         string          `json:"status"`                    // applied | conflict | invalid
	NewItemVersion *int64          `json:"new_item_version,omitempty"` // Set when applied
	ServerItem     json.RawMessage `json:"server_item,omitempty"`      // Current snapshot, set on conflict
	Reason         string          `json:"reason,omitempty"`           // Invalid reason code
	Message        string          `json:"message,omitempty"`
}

// ItemsResponse is the body of a collection snapshot download.
type ItemsResponse struct {
	Items []ListItem `json:"items"`
}

// ErrorResponse is the generic error body for non-2xx responses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ResponseApplied builds a verdict for a successfully applied mutation.
func ResponseApplied(mutationID string, newVersion int64) MutationResponse {
	return MutationResponse{
		MutationID:     mutationID,
		Status:         StApplied,
		NewItemVersion: &newVersion,
	}
}

// ResponseAppliedIdempotent builds a verdict for a mutation that was already
// processed in an earlier submission (crash replay).
func ResponseAppliedIdempotent(mutationID string) MutationResponse {
	return MutationResponse{
		MutationID: mutationID,
		Status:     StApplied,
	}
}

// ResponseConflict builds a rejection verdict carrying the server's current
// snapshot for client-side resolution.
func ResponseConflict(mutationID string, serverItem json.RawMessage) MutationResponse {
	return MutationResponse{
		MutationID: mutationID,
		Status:     StConflict,
		ServerItem: serverItem,
	}
}

// ResponseInvalid builds a terminal rejection verdict.
func ResponseInvalid(mutationID, reason string, err error) MutationResponse {
	resp := MutationResponse{
		MutationID: mutationID,
		Status:     StInvalid,
		Reason:     reason,
	}
	if err != nil {
		resp.Message = err.Error()
	}
	return resp
}
