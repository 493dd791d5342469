// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package listsqlite

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-listsync/listsync"
)

func TestItemsVisibilityAndOrdering(t *testing.T) {
	client := newTestClient(t, nil)
	ctx := context.Background()

	now := time.Now().UTC()
	bananas := &listsync.ListItem{ID: uuid.New().String(), Title: "bananas", UpdatedAt: now, Version: 1}
	apples := &listsync.ListItem{ID: uuid.New().String(), Title: "Apples", UpdatedAt: now, Version: 1}
	gone := &listsync.ListItem{ID: uuid.New().String(), Title: "Cereal", Deleted: true, UpdatedAt: now, Version: 2}

	for _, item := range []*listsync.ListItem{bananas, apples, gone} {
		require.NoError(t, client.upsertItem(ctx, item))
	}

	items, err := client.Items(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2, "tombstoned rows are invisible to list reads")
	// Case-insensitive title order.
	require.Equal(t, "Apples", items[0].Title)
	require.Equal(t, "bananas", items[1].Title)

	// Item() still reaches tombstones; unknown ids are nil without error.
	row, err := client.Item(ctx, gone.ID)
	require.NoError(t, err)
	require.NotNil(t, row)
	require.True(t, row.Deleted)

	row, err = client.Item(ctx, uuid.New().String())
	require.NoError(t, err)
	require.Nil(t, row)
}

func TestRefreshItems_MergesServerSnapshot(t *testing.T) {
	srv := newFakeListServer()
	client := newSyncedClient(t, srv)
	ctx := context.Background()

	// An item with a queued local edit keeps its optimistic state.
	contested := uuid.New().String()
	add, err := NewAddMutation(&listsync.ListItem{ID: contested, Title: "Milk (local)"})
	require.NoError(t, err)
	require.NoError(t, client.AddToQueue(ctx, add))

	now := time.Now().UTC()
	srv.put(&listsync.ListItem{ID: contested, Title: "Milk (server)", UpdatedAt: now, Version: 3})

	fresh := uuid.New().String()
	srv.put(&listsync.ListItem{ID: fresh, Title: "Eggs", Quantity: 12, UpdatedAt: now, Version: 7})

	buried := uuid.New().String()
	srv.put(&listsync.ListItem{ID: buried, Title: "Bread", Deleted: true, UpdatedAt: now, Version: 2})

	require.NoError(t, client.RefreshItems(ctx))

	local, err := client.Item(ctx, contested)
	require.NoError(t, err)
	require.Equal(t, "Milk (local)", local.Title, "queued local work is not clobbered")

	adopted, err := client.Item(ctx, fresh)
	require.NoError(t, err)
	require.Equal(t, "Eggs", adopted.Title)
	require.Equal(t, int64(7), adopted.Version)

	// Server tombstones propagate and hide the row locally.
	tomb, err := client.Item(ctx, buried)
	require.NoError(t, err)
	require.True(t, tomb.Deleted)

	items, err := client.Items(ctx)
	require.NoError(t, err)
	titles := make([]string, len(items))
	for i, it := range items {
		titles[i] = it.Title
	}
	require.Equal(t, []string{"Eggs", "Milk (local)"}, titles)
}

func TestRefreshItems_HTTPError(t *testing.T) {
	client := newTestClient(t, nil)
	client.HTTP = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return httpResponse(http.StatusBadGateway, []byte("down for maintenance")), nil
	})}

	err := client.RefreshItems(context.Background())
	require.Error(t, err)
	require.True(t, listsync.IsTransient(err), "a gateway error is worth retrying later")
}
