// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package listsync

// Mutation type constants for queued mutations
const (
	MutAdd        = "add"
	MutUpdate     = "update"
	MutDelete     = "delete"
	MutMarkGotten = "markGotten"
)

// Queue status constants for mutation lifecycle
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusFailed     = "failed"
	StatusSuccess    = "success"
)

// Submit status constants returned by the remote collaborator
const (
	StApplied  = "applied"
	StConflict = "conflict"
	StInvalid  = "invalid"
)

// Invalid reason constants
const (
	ReasonBadPayload    = "bad_payload"
	ReasonUnknownType   = "unknown_type"
	ReasonNotFound      = "not_found"
	ReasonInternalError = "internal_error"
)

// Conflict type constants. Naming is local-first: ConflictUpdateDelete means the
// local side updated while the remote side deleted.
const (
	ConflictFieldLevel   = "field-level"
	ConflictUpdateDelete = "update-vs-delete"
	ConflictDeleteUpdate = "delete-vs-update"
	ConflictCreateCreate = "create-vs-create"
)

// Resolution strategy constants
const (
	StrategyLastWriteWins = "last-write-wins"
	StrategyFieldMerge    = "field-level-merge"
	StrategyPreferLocal   = "prefer-local"
	StrategyPreferRemote  = "prefer-remote"
	StrategyPreferGotten  = "prefer-gotten"
	StrategyManual        = "manual"
)

// DefaultPriorities is the fixed priority table used when a mutation is enqueued
// without an explicit priority. Higher drains first. Deletions and toggles outrank
// creates so a later deletion is not undone by a stale create replay; add and
// update share a priority so a create-then-edit pair drains in enqueue order.
var DefaultPriorities = map[string]int{
	MutDelete:     3,
	MutMarkGotten: 2,
	MutUpdate:     1,
	MutAdd:        1,
}

// PriorityFor returns the default priority for a mutation type (0 for unknown types,
// which ValidateMutation rejects before enqueue).
func PriorityFor(mutationType string) int {
	return DefaultPriorities[mutationType]
}
