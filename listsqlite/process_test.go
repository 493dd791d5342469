// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package listsqlite

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-listsync/listsync"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// fakeListServer applies mutations with the same policy as the demo server:
// idempotent replay by mutation id, version checks, tombstone no-ops, and
// conflict verdicts carrying the current snapshot.
type fakeListServer struct {
	mu      sync.Mutex
	items   map[string]*listsync.ListItem
	applied map[string]int64 // mutation id -> acknowledged version
	seen    []listsync.MutationUpload
	failFor map[string]int // item id -> remaining 503 responses
}

func newFakeListServer() *fakeListServer {
	return &fakeListServer{
		items:   map[string]*listsync.ListItem{},
		applied: map[string]int64{},
		failFor: map[string]int{},
	}
}

func (s *fakeListServer) failNext(itemID string, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failFor[itemID] = times
}

func (s *fakeListServer) takeFailure(itemID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFor[itemID] > 0 {
		s.failFor[itemID]--
		return true
	}
	return false
}

func (s *fakeListServer) item(id string) *listsync.ListItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it := s.items[id]; it != nil {
		return it.Clone()
	}
	return nil
}

func (s *fakeListServer) put(item *listsync.ListItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ID] = item.Clone()
}

// seenTypes lists the mutation types that reached apply, in arrival order.
// Transport failures and idempotent replays do not count.
func (s *fakeListServer) seenTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, len(s.seen))
	for i, up := range s.seen {
		types[i] = up.Type
	}
	return types
}

func (s *fakeListServer) itemsResponse() listsync.ItemsResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	var resp listsync.ItemsResponse
	for _, it := range s.items {
		resp.Items = append(resp.Items, *it.Clone())
	}
	return resp
}

func conflictResp(mutationID string, cur *listsync.ListItem) listsync.MutationResponse {
	snapshot, _ := json.Marshal(cur)
	return listsync.ResponseConflict(mutationID, snapshot)
}

func sameContent(a, b *listsync.ListItem) bool {
	return a.Title == b.Title && a.Quantity == b.Quantity && a.Notes == b.Notes &&
		a.Category == b.Category && a.Gotten == b.Gotten
}

func (s *fakeListServer) apply(up listsync.MutationUpload) listsync.MutationResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.applied[up.MutationID]; ok {
		return listsync.ResponseApplied(up.MutationID, v)
	}
	s.seen = append(s.seen, up)

	cur := s.items[up.ItemID]
	now := time.Now().UTC()

	switch up.Type {
	case listsync.MutAdd:
		item, err := listsync.DecodeAddPayload(up.Payload)
		if err != nil {
			return listsync.ResponseInvalid(up.MutationID, listsync.ReasonBadPayload, err)
		}
		if cur == nil {
			item.ID = up.ItemID
			item.Deleted = false
			item.Version = 1
			item.UpdatedAt = now
			s.items[up.ItemID] = item
			s.applied[up.MutationID] = 1
			return listsync.ResponseApplied(up.MutationID, 1)
		}
		if !cur.Deleted && sameContent(item, cur) {
			s.applied[up.MutationID] = cur.Version
			return listsync.ResponseApplied(up.MutationID, cur.Version)
		}
		return conflictResp(up.MutationID, cur)

	case listsync.MutUpdate, listsync.MutMarkGotten:
		if cur == nil {
			return listsync.ResponseInvalid(up.MutationID, listsync.ReasonNotFound,
				fmt.Errorf("item %s does not exist", up.ItemID))
		}
		if cur.Deleted {
			s.applied[up.MutationID] = cur.Version
			return listsync.ResponseApplied(up.MutationID, cur.Version)
		}
		if up.ItemVersion != cur.Version {
			return conflictResp(up.MutationID, cur)
		}
		if up.Type == listsync.MutUpdate {
			patch, err := listsync.DecodeUpdatePayload(up.Payload)
			if err != nil {
				return listsync.ResponseInvalid(up.MutationID, listsync.ReasonBadPayload, err)
			}
			patch.ApplyTo(cur)
		} else {
			p, err := listsync.DecodeMarkGottenPayload(up.Payload)
			if err != nil {
				return listsync.ResponseInvalid(up.MutationID, listsync.ReasonBadPayload, err)
			}
			cur.Gotten = p.Gotten
		}
		cur.Version++
		cur.UpdatedAt = now
		s.applied[up.MutationID] = cur.Version
		return listsync.ResponseApplied(up.MutationID, cur.Version)

	case listsync.MutDelete:
		if cur == nil {
			s.items[up.ItemID] = &listsync.ListItem{ID: up.ItemID, Deleted: true, Version: 1, UpdatedAt: now}
			s.applied[up.MutationID] = 1
			return listsync.ResponseApplied(up.MutationID, 1)
		}
		if cur.Deleted {
			s.applied[up.MutationID] = cur.Version
			return listsync.ResponseApplied(up.MutationID, cur.Version)
		}
		if up.ItemVersion != cur.Version {
			return conflictResp(up.MutationID, cur)
		}
		cur.Deleted = true
		cur.Version++
		cur.UpdatedAt = now
		s.applied[up.MutationID] = cur.Version
		return listsync.ResponseApplied(up.MutationID, cur.Version)
	}

	return listsync.ResponseInvalid(up.MutationID, listsync.ReasonUnknownType,
		fmt.Errorf("unknown mutation type %q", up.Type))
}

type fakeTransport struct {
	server *fakeListServer
}

func (t *fakeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Authorization") == "" {
		return httpResponse(http.StatusUnauthorized, []byte(`{"error":"unauthorized"}`)), nil
	}

	switch req.Method + " " + req.URL.Path {
	case "POST /listsync/mutations":
		var up listsync.MutationUpload
		if err := json.NewDecoder(req.Body).Decode(&up); err != nil {
			return nil, err
		}
		if t.server.takeFailure(up.ItemID) {
			return httpResponse(http.StatusServiceUnavailable, []byte("upstream unavailable")), nil
		}
		return jsonResponse(t.server.apply(up)), nil

	case "GET /listsync/items":
		return jsonResponse(t.server.itemsResponse()), nil

	default:
		return httpResponse(http.StatusNotFound, []byte("not found")), nil
	}
}

func httpResponse(status int, body []byte) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader(body)),
		Header:     make(http.Header),
	}
}

func jsonResponse(v any) *http.Response {
	b, err := json.Marshal(v)
	if err != nil {
		return httpResponse(http.StatusInternalServerError, []byte(err.Error()))
	}
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewReader(b)),
		Header:     h,
	}
}

// newSyncedClient wires a test client to a fake server with a tiny retry
// policy so backoff tests run in milliseconds.
func newSyncedClient(t *testing.T, srv *fakeListServer) *Client {
	t.Helper()
	client := newTestClient(t, &Config{
		MaxRetries:  3,
		BackoffBase: 2 * time.Millisecond,
		BackoffMax:  20 * time.Millisecond,
	})
	client.HTTP = &http.Client{Transport: &fakeTransport{server: srv}}
	return client
}

func TestProcessQueue_DrainsInOrder(t *testing.T) {
	srv := newFakeListServer()
	client := newSyncedClient(t, srv)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)

	var successes, processed int
	client.Callbacks.OnMutationSuccess = func(*QueuedMutation) { successes++ }
	client.Callbacks.OnQueueProcessed = func(*ProcessingResult) { processed++ }

	itemID := uuid.New().String()
	add, err := NewAddMutation(&listsync.ListItem{ID: itemID, Title: "Milk", Quantity: 1})
	require.NoError(t, err)
	add.Timestamp = base
	require.NoError(t, client.AddToQueue(ctx, add))

	qty := 5
	upd, err := NewUpdateMutation(itemID, &listsync.UpdatePayload{Quantity: &qty})
	require.NoError(t, err)
	upd.Timestamp = base.Add(time.Second)
	require.NoError(t, client.AddToQueue(ctx, upd))

	result, err := client.ProcessQueue(ctx)
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Equal(t, 2, result.Attempted)
	require.Equal(t, 2, result.Succeeded)
	require.Zero(t, result.Failed)
	require.Zero(t, result.Conflicts)

	require.Empty(t, client.GetQueuedMutations(), "acknowledged mutations leave the queue")
	require.Zero(t, queuedRowCount(t, client))

	// The update rode on the version acknowledged for the add.
	remote := srv.item(itemID)
	require.NotNil(t, remote)
	require.Equal(t, 5, remote.Quantity)
	require.Equal(t, int64(2), remote.Version)

	local, err := client.Item(ctx, itemID)
	require.NoError(t, err)
	require.Equal(t, int64(2), local.Version)

	require.Equal(t, 2, successes)
	require.Equal(t, 1, processed)
	require.False(t, client.GetStatus().LastProcessed.IsZero())
}

func TestProcessQueue_ToggleWaitsForItsAdd(t *testing.T) {
	srv := newFakeListServer()
	client := newSyncedClient(t, srv)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)

	// Offline, the user adds an item and immediately ticks it off. The toggle
	// sorts ahead of the add, but the server has never seen the item, so the
	// add has to reach it first.
	itemID := uuid.New().String()
	add, err := NewAddMutation(&listsync.ListItem{ID: itemID, Title: "Butter"})
	require.NoError(t, err)
	add.Timestamp = base
	require.NoError(t, client.AddToQueue(ctx, add))

	gotten, err := NewMarkGottenMutation(itemID, true)
	require.NoError(t, err)
	gotten.Timestamp = base.Add(time.Second)
	require.NoError(t, client.AddToQueue(ctx, gotten))

	queued := client.GetQueuedMutations()
	require.Equal(t, []string{gotten.ID, add.ID}, []string{queued[0].ID, queued[1].ID},
		"the toggle outranks the add in the stored queue")

	result, err := client.ProcessQueue(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, result.Attempted)
	require.Equal(t, 2, result.Succeeded)
	require.Zero(t, result.Failed)
	require.Empty(t, client.GetQueuedMutations())

	require.Equal(t, []string{listsync.MutAdd, listsync.MutMarkGotten}, srv.seenTypes())
	remote := srv.item(itemID)
	require.NotNil(t, remote)
	require.True(t, remote.Gotten)
	require.Equal(t, int64(2), remote.Version)
}

func TestProcessQueue_NoopShapes(t *testing.T) {
	client := newSyncedClient(t, newFakeListServer())
	ctx := context.Background()

	add, err := NewAddMutation(&listsync.ListItem{ID: uuid.New().String(), Title: "Milk"})
	require.NoError(t, err)
	require.NoError(t, client.AddToQueue(ctx, add))

	client.SetOnline(false)
	result, err := client.ProcessQueue(ctx)
	require.NoError(t, err)
	require.Nil(t, result, "offline drains are silent no-ops")
	require.Len(t, client.GetQueuedMutations(), 1, "the queue is untouched")

	atomic.StoreInt32(&client.online, 1)
	atomic.StoreInt32(&client.processing, 1)
	result, err = client.ProcessQueue(ctx)
	require.NoError(t, err)
	require.Nil(t, result, "a concurrent drain call yields to the one in flight")
	atomic.StoreInt32(&client.processing, 0)
}

func TestProcessQueue_TransientRetryWithBackoff(t *testing.T) {
	srv := newFakeListServer()
	client := newSyncedClient(t, srv)
	ctx := context.Background()

	itemID := uuid.New().String()
	srv.failNext(itemID, 1)

	add, err := NewAddMutation(&listsync.ListItem{ID: itemID, Title: "Milk"})
	require.NoError(t, err)
	require.NoError(t, client.AddToQueue(ctx, add))

	result, err := client.ProcessQueue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Attempted)
	require.Zero(t, result.Succeeded)
	require.Zero(t, result.Failed, "a scheduled retry is not a failure")

	queued := client.GetQueuedMutations()
	require.Len(t, queued, 1)
	require.Equal(t, listsync.StatusPending, queued[0].Status)
	require.Equal(t, 1, queued[0].RetryCount)
	require.False(t, queued[0].NextAttemptAt.IsZero())
	require.NotEmpty(t, queued[0].Error)

	// Before the backoff elapses the mutation is not eligible.
	result, err = client.ProcessQueue(ctx)
	require.NoError(t, err)
	require.Zero(t, result.Attempted)

	// Drain until the backoff elapses and the retry lands.
	require.Eventually(t, func() bool {
		res, perr := client.ProcessQueue(ctx)
		require.NoError(t, perr)
		return res != nil && res.Succeeded == 1
	}, time.Second, 5*time.Millisecond)

	require.Empty(t, client.GetQueuedMutations())
	require.NotNil(t, srv.item(itemID))
}

func TestProcessQueue_RetriesExhausted(t *testing.T) {
	srv := newFakeListServer()
	client := newSyncedClient(t, srv)
	ctx := context.Background()

	var failedErr error
	client.Callbacks.OnMutationFailed = func(_ *QueuedMutation, err error) { failedErr = err }

	itemID := uuid.New().String()
	srv.failNext(itemID, 100)
	client.config.MaxRetries = 2

	add, err := NewAddMutation(&listsync.ListItem{ID: itemID, Title: "Milk"})
	require.NoError(t, err)
	require.NoError(t, client.AddToQueue(ctx, add))

	require.Eventually(t, func() bool {
		_, perr := client.ProcessQueue(ctx)
		require.NoError(t, perr)
		return client.GetStatus().Failed == 1
	}, time.Second, 5*time.Millisecond)

	queued := client.GetQueuedMutations()
	require.Len(t, queued, 1)
	require.Equal(t, listsync.StatusFailed, queued[0].Status)
	require.Contains(t, queued[0].Error, "retries exhausted")
	require.Error(t, failedErr)
	require.Nil(t, srv.item(itemID), "nothing reached the server")
}

func TestProcessQueue_FailedSiblingBlocksAndRetryFailedRecovers(t *testing.T) {
	srv := newFakeListServer()
	client := newSyncedClient(t, srv)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)

	blocked := uuid.New().String()
	healthy := uuid.New().String()
	srv.failNext(blocked, 100)
	client.config.MaxRetries = 2

	addBlocked, err := NewAddMutation(&listsync.ListItem{ID: blocked, Title: "Milk"})
	require.NoError(t, err)
	addBlocked.Timestamp = base
	require.NoError(t, client.AddToQueue(ctx, addBlocked))

	addHealthy, err := NewAddMutation(&listsync.ListItem{ID: healthy, Title: "Eggs"})
	require.NoError(t, err)
	addHealthy.Timestamp = base.Add(time.Second)
	require.NoError(t, client.AddToQueue(ctx, addHealthy))

	qty := 9
	updBlocked, err := NewUpdateMutation(blocked, &listsync.UpdatePayload{Quantity: &qty})
	require.NoError(t, err)
	updBlocked.Timestamp = base.Add(2 * time.Second)
	require.NoError(t, client.AddToQueue(ctx, updBlocked))

	// One item's trouble never stalls the rest of the queue.
	result, err := client.ProcessQueue(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, result.Attempted, "the blocked item's update must not be attempted")
	require.Equal(t, 1, result.Succeeded)
	require.NotNil(t, srv.item(healthy))

	// Exhaust the blocked add's retry budget.
	require.Eventually(t, func() bool {
		_, perr := client.ProcessQueue(ctx)
		require.NoError(t, perr)
		return client.GetStatus().Failed == 1
	}, time.Second, 5*time.Millisecond)

	// The update stays parked behind its failed sibling, untouched.
	result, err = client.ProcessQueue(ctx)
	require.NoError(t, err)
	require.Zero(t, result.Attempted)
	for _, m := range client.GetQueuedMutations() {
		if m.ID == updBlocked.ID {
			require.Equal(t, listsync.StatusPending, m.Status)
			require.Zero(t, m.RetryCount)
		}
	}

	// Once the outage clears, RetryFailed replays the add and unblocks the
	// update within the same drain.
	srv.failNext(blocked, 0)
	result, err = client.RetryFailed(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, result.Attempted)
	require.Equal(t, 2, result.Succeeded)
	require.Empty(t, client.GetQueuedMutations())

	remote := srv.item(blocked)
	require.NotNil(t, remote)
	require.Equal(t, 9, remote.Quantity)
	require.Equal(t, int64(2), remote.Version)
}

func TestProcessQueue_ConflictAutoResolved(t *testing.T) {
	srv := newFakeListServer()
	client := newSyncedClient(t, srv)
	ctx := context.Background()

	itemID := uuid.New().String()
	add, err := NewAddMutation(&listsync.ListItem{ID: itemID, Title: "Milk", Quantity: 1})
	require.NoError(t, err)
	require.NoError(t, client.AddToQueue(ctx, add))
	_, err = client.ProcessQueue(ctx)
	require.NoError(t, err)

	// Another device annotates the item; the server moves to revision 2.
	other := srv.item(itemID)
	other.Notes = "from phone"
	other.Version = 2
	other.UpdatedAt = time.Now().UTC()
	srv.put(other)

	// This device edits the quantity against the stale revision 1.
	qty := 5
	upd, err := NewUpdateMutation(itemID, &listsync.UpdatePayload{Quantity: &qty})
	require.NoError(t, err)
	require.NoError(t, client.AddToQueue(ctx, upd))

	result, err := client.ProcessQueue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Conflicts)
	require.Equal(t, 1, result.AutoResolved)
	require.Equal(t, 2, result.Attempted, "the reconciled value is resubmitted in the same pass")
	require.Equal(t, 2, result.Succeeded)
	require.Zero(t, result.Failed)
	require.Empty(t, client.GetQueuedMutations())

	// Both edits survive: the quantity from this device, the notes from the
	// other one.
	remote := srv.item(itemID)
	require.NotNil(t, remote)
	require.Equal(t, 5, remote.Quantity)
	require.Equal(t, "from phone", remote.Notes)
	require.Equal(t, int64(3), remote.Version)

	local, err := client.Item(ctx, itemID)
	require.NoError(t, err)
	require.Equal(t, 5, local.Quantity)
	require.Equal(t, "from phone", local.Notes)
	require.Equal(t, int64(3), local.Version)

	require.Equal(t, []string{listsync.MutAdd, listsync.MutUpdate, listsync.MutUpdate}, srv.seenTypes())
}

func TestProcessQueue_ConflictNeedsManualResolution(t *testing.T) {
	srv := newFakeListServer()
	client := newSyncedClient(t, srv)
	ctx := context.Background()

	var pendingConflict *listsync.Conflict
	client.Callbacks.OnConflictPending = func(c *listsync.Conflict) { pendingConflict = c }

	itemID := uuid.New().String()
	add, err := NewAddMutation(&listsync.ListItem{ID: itemID, Title: "Milk"})
	require.NoError(t, err)
	require.NoError(t, client.AddToQueue(ctx, add))
	_, err = client.ProcessQueue(ctx)
	require.NoError(t, err)

	// Two concurrent title edits, minutes apart at most: no safe winner.
	other := srv.item(itemID)
	other.Title = "Skim Milk"
	other.Version = 2
	other.UpdatedAt = time.Now().UTC()
	srv.put(other)

	title := "Whole Milk"
	upd, err := NewUpdateMutation(itemID, &listsync.UpdatePayload{Title: &title})
	require.NoError(t, err)
	require.NoError(t, client.AddToQueue(ctx, upd))

	result, err := client.ProcessQueue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Conflicts)
	require.Zero(t, result.AutoResolved)
	require.Equal(t, 1, result.Failed)

	require.NotNil(t, pendingConflict, "the conflict surfaces for a user decision")
	require.Equal(t, itemID, pendingConflict.ItemID)
	require.True(t, pendingConflict.RequiresManualResolution)
	require.Equal(t, "Whole Milk", pendingConflict.Local.Title)
	require.Equal(t, "Skim Milk", pendingConflict.Remote.Title)

	queued := client.GetQueuedMutations()
	require.Len(t, queued, 1, "the user's change is parked, not dropped")
	require.Equal(t, listsync.StatusFailed, queued[0].Status)
	require.Contains(t, queued[0].Error, "manual resolution required")

	// The user resolves by abandoning the local edit.
	require.NoError(t, client.RemoveMutation(ctx, queued[0].ID))
	require.Empty(t, client.GetQueuedMutations())
	require.Equal(t, "Skim Milk", srv.item(itemID).Title)
}

func TestProcessQueue_SupersededByLocalDelete(t *testing.T) {
	srv := newFakeListServer()
	client := newSyncedClient(t, srv)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)

	itemID := uuid.New().String()
	add, err := NewAddMutation(&listsync.ListItem{ID: itemID, Title: "Milk"})
	require.NoError(t, err)
	require.NoError(t, client.AddToQueue(ctx, add))
	_, err = client.ProcessQueue(ctx)
	require.NoError(t, err)

	qty := 9
	upd, err := NewUpdateMutation(itemID, &listsync.UpdatePayload{Quantity: &qty})
	require.NoError(t, err)
	upd.Timestamp = base
	require.NoError(t, client.AddToQueue(ctx, upd))

	del, err := NewDeleteMutation(itemID)
	require.NoError(t, err)
	del.Timestamp = base.Add(time.Second)
	require.NoError(t, client.AddToQueue(ctx, del))

	result, err := client.ProcessQueue(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, result.Attempted)
	require.Equal(t, 2, result.Succeeded)
	require.Empty(t, client.GetQueuedMutations())

	// The stale update was acknowledged locally without ever reaching the
	// server; only the add and the delete were submitted.
	require.Equal(t, []string{listsync.MutAdd, listsync.MutDelete}, srv.seenTypes())
	remote := srv.item(itemID)
	require.True(t, remote.Deleted)
	require.Equal(t, int64(2), remote.Version)
}

func TestProcessQueue_InvalidVerdictIsTerminal(t *testing.T) {
	srv := newFakeListServer()
	client := newSyncedClient(t, srv)
	ctx := context.Background()

	// An update for an item the server has never seen.
	qty := 2
	upd, err := NewUpdateMutation(uuid.New().String(), &listsync.UpdatePayload{Quantity: &qty})
	require.NoError(t, err)
	require.NoError(t, client.AddToQueue(ctx, upd))

	result, err := client.ProcessQueue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Attempted)
	require.Equal(t, 1, result.Failed)

	queued := client.GetQueuedMutations()
	require.Len(t, queued, 1)
	require.Equal(t, listsync.StatusFailed, queued[0].Status)
	require.Contains(t, queued[0].Error, listsync.ReasonNotFound)
	require.Zero(t, queued[0].RetryCount, "a server rejection is not retried")
	require.True(t, queued[0].NextAttemptAt.IsZero())
}

func TestProcessQueue_IdempotentReplayAfterCrash(t *testing.T) {
	srv := newFakeListServer()
	client := newSyncedClient(t, srv)
	ctx := context.Background()

	itemID := uuid.New().String()
	add, err := NewAddMutation(&listsync.ListItem{ID: itemID, Title: "Milk"})
	require.NoError(t, err)
	require.NoError(t, client.AddToQueue(ctx, add))
	_, err = client.ProcessQueue(ctx)
	require.NoError(t, err)

	// Simulate a crash after the server applied the add but before the client
	// recorded the acknowledgement: the same mutation id is submitted again.
	replay := add.Clone()
	replay.Status = listsync.StatusPending
	require.NoError(t, client.AddToQueue(ctx, replay))

	result, err := client.ProcessQueue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Succeeded)

	remote := srv.item(itemID)
	require.Equal(t, int64(1), remote.Version, "the replay must not apply twice")
	require.Equal(t, []string{listsync.MutAdd}, srv.seenTypes())

	local, err := client.Item(ctx, itemID)
	require.NoError(t, err)
	require.Equal(t, int64(1), local.Version)
}

func TestProcessQueue_AddIdenticalContentConverges(t *testing.T) {
	srv := newFakeListServer()
	client := newSyncedClient(t, srv)
	ctx := context.Background()

	// Another device already created the same item with identical content.
	itemID := uuid.New().String()
	srv.put(&listsync.ListItem{
		ID: itemID, Title: "Milk", Quantity: 2, CreatedBy: "device-2",
		UpdatedAt: time.Now().UTC(), Version: 4,
	})

	add, err := NewAddMutation(&listsync.ListItem{ID: itemID, Title: "Milk", Quantity: 2})
	require.NoError(t, err)
	require.NoError(t, client.AddToQueue(ctx, add))

	result, err := client.ProcessQueue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Succeeded)
	require.Zero(t, result.Conflicts, "matching content is agreement, not conflict")

	local, err := client.Item(ctx, itemID)
	require.NoError(t, err)
	require.Equal(t, int64(4), local.Version, "the client adopts the server's revision")
}

func TestProcessQueue_CancelRevertsInFlightMutation(t *testing.T) {
	client := newTestClient(t, &Config{MaxRetries: 3})
	ctx, cancel := context.WithCancel(context.Background())

	client.HTTP = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		cancel()
		return nil, context.Canceled
	})}

	add, err := NewAddMutation(&listsync.ListItem{ID: uuid.New().String(), Title: "Milk"})
	require.NoError(t, err)
	require.NoError(t, client.AddToQueue(ctx, add))

	result, err := client.ProcessQueue(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, result.Attempted)

	queued := client.GetQueuedMutations()
	require.Len(t, queued, 1)
	require.Equal(t, listsync.StatusPending, queued[0].Status, "a cancelled submission goes back to pending")
	require.Zero(t, queued[0].RetryCount, "cancellation does not burn a retry")
}

func TestSetOnline_TriggersDrain(t *testing.T) {
	srv := newFakeListServer()
	client := newSyncedClient(t, srv)
	ctx := context.Background()

	client.SetOnline(false)

	itemID := uuid.New().String()
	add, err := NewAddMutation(&listsync.ListItem{ID: itemID, Title: "Milk"})
	require.NoError(t, err)
	require.NoError(t, client.AddToQueue(ctx, add))
	require.Len(t, client.GetQueuedMutations(), 1, "mutations buffer while offline")

	client.SetOnline(true)
	require.Eventually(t, func() bool {
		return len(client.GetQueuedMutations()) == 0 && srv.item(itemID) != nil
	}, time.Second, 5*time.Millisecond, "reconnecting drains the buffered queue")
}

func TestProcessQueue_CallbackPanicIsContained(t *testing.T) {
	srv := newFakeListServer()
	client := newSyncedClient(t, srv)
	ctx := context.Background()

	client.Callbacks.OnStatusChange = func(*QueueStatus) { panic("listener bug") }
	client.Callbacks.OnMutationSuccess = func(*QueuedMutation) { panic("another one") }

	add, err := NewAddMutation(&listsync.ListItem{ID: uuid.New().String(), Title: "Milk"})
	require.NoError(t, err)
	require.NoError(t, client.AddToQueue(ctx, add))

	result, err := client.ProcessQueue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Succeeded, "panicking listeners never abort processing")
	require.Empty(t, client.GetQueuedMutations())
}
