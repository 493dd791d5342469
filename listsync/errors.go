// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package listsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Error sentinels for the failure taxonomy. Validation errors fail synchronously
// and never enter the queue; transient errors are retried with backoff; manual
// resolution is surfaced to the user instead of retried.
var (
	// ErrInvalidMutation is the root sentinel wrapped by all mutation validation
	// failures.
	ErrInvalidMutation = errors.New("invalid mutation")

	// ErrIDMismatch is returned by DetectConflict when the two snapshots do not
	// describe the same entity.
	ErrIDMismatch = errors.New("item id mismatch")

	// ErrNilItem is returned by DetectConflict when a snapshot is missing.
	ErrNilItem = errors.New("nil item snapshot")

	// ErrManualResolutionRequired marks a conflict no automatic rule can safely
	// resolve. Callers must route it to a user-facing choice, not a retry.
	ErrManualResolutionRequired = errors.New("manual resolution required")

	// ErrUnknownStrategy is returned by ResolveConflict for strategies outside
	// the fixed set.
	ErrUnknownStrategy = errors.New("unknown resolution strategy")
)

// SubmitError reports a non-2xx response from the remote collaborator.
type SubmitError struct {
	StatusCode int
	Body       string
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Body)
}

// Transient reports whether the response is worth retrying with backoff.
// Server errors and throttling are transient; other client errors are terminal.
func (e *SubmitError) Transient() bool {
	return e.StatusCode >= 500 ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode == http.StatusTooManyRequests
}

// IsValidation reports whether err belongs to the validation class (malformed
// mutation, id mismatch). Validation failures are synchronous and never retried.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidMutation) ||
		errors.Is(err, ErrIDMismatch) ||
		errors.Is(err, ErrNilItem)
}

// IsTransient reports whether a submission failure should be retried with
// backoff. Transport-level failures (connection, timeout, context deadline) are
// transient; terminal HTTP statuses and validation failures are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *SubmitError
	if errors.As(err, &se) {
		return se.Transient()
	}
	if IsValidation(err) || errors.Is(err, ErrManualResolutionRequired) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
