// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package listsync

import (
	"context"
	"time"
)

// Backoff computes the retry delay for a given attempt count:
// min(base << retryCount, max). The sequence is non-decreasing and capped,
// including under shift overflow.
func Backoff(base, max time.Duration, retryCount int) time.Duration {
	if base <= 0 || max <= 0 {
		return 0
	}
	if retryCount < 0 {
		retryCount = 0
	}
	d := base
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// SleepWithContext waits for the duration or until the context is done,
// whichever comes first.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
