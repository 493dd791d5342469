// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package listsqlite

import (
	"github.com/mobiletoly/go-listsync/listsync"
)

// Callbacks let the embedding application observe queue activity. All fields
// are optional. Register callbacks before Start; the struct is read without
// synchronization afterwards. A panicking callback is recovered and logged so
// a buggy UI handler can never abort queue processing. Every payload is a
// snapshot detached from internal queue state.
type Callbacks struct {
	OnMutationSuccess  func(*QueuedMutation)
	OnMutationFailed   func(*QueuedMutation, error)
	OnQueueProcessed   func(*ProcessingResult)
	OnStatusChange     func(*QueueStatus)
	OnConflictPending  func(*listsync.Conflict)
	OnPersistenceError func(error)
}

func (c *Client) invokeCallback(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("queue callback panicked", "callback", name, "panic", r)
		}
	}()
	fn()
}

// The notify helpers expect snapshots: callers clone queue entries while
// holding writeMu and hand the clones over here, outside the lock.

func (c *Client) notifyMutationSuccess(m *QueuedMutation) {
	if cb := c.Callbacks.OnMutationSuccess; cb != nil {
		c.invokeCallback("OnMutationSuccess", func() { cb(m) })
	}
}

func (c *Client) notifyMutationFailed(m *QueuedMutation, err error) {
	if cb := c.Callbacks.OnMutationFailed; cb != nil {
		c.invokeCallback("OnMutationFailed", func() { cb(m, err) })
	}
}

func (c *Client) notifyQueueProcessed(result *ProcessingResult) {
	if cb := c.Callbacks.OnQueueProcessed; cb != nil {
		c.invokeCallback("OnQueueProcessed", func() { cb(result) })
	}
}

func (c *Client) notifyStatusChange(status *QueueStatus) {
	if cb := c.Callbacks.OnStatusChange; cb != nil {
		c.invokeCallback("OnStatusChange", func() { cb(status) })
	}
}

func (c *Client) notifyConflictPending(conf *listsync.Conflict) {
	if cb := c.Callbacks.OnConflictPending; cb != nil {
		c.invokeCallback("OnConflictPending", func() { cb(conf) })
	}
}

func (c *Client) notifyPersistenceError(err error) {
	if cb := c.Callbacks.OnPersistenceError; cb != nil {
		c.invokeCallback("OnPersistenceError", func() { cb(err) })
	}
}
