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
	"strings"

	"github.com/mobiletoly/go-listsync/listsync"
)

// submitMutation sends one queued mutation to the remote collaborator and
// returns its verdict. The base version is read from the item mirror at send
// time, not at enqueue time, so a mutation queued behind others claims the
// revision acknowledged by the submissions before it. Each submission is
// bounded by SubmitTimeout; a timeout surfaces as a transient failure.
func (c *Client) submitMutation(ctx context.Context, m *QueuedMutation) (*listsync.MutationResponse, error) {
	var baseVersion int64
	if m.Type != listsync.MutAdd {
		v, err := c.itemVersion(ctx, m.ItemID)
		if err != nil {
			return nil, err
		}
		baseVersion = v
	}

	upload := listsync.MutationUpload{
		MutationID:  m.ID,
		Type:        m.Type,
		ItemID:      m.ItemID,
		ItemVersion: baseVersion,
		Payload:     m.Payload,
	}
	body, err := json.Marshal(upload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal mutation: %w", err)
	}

	subCtx, cancel := context.WithTimeout(ctx, c.config.SubmitTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(subCtx, http.MethodPost, c.BaseURL+"/listsync/mutations", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	token, err := c.Token(subCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to get auth token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to submit mutation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &listsync.SubmitError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		}
	}

	var verdict listsync.MutationResponse
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return nil, fmt.Errorf("failed to decode mutation response: %w", err)
	}
	return &verdict, nil
}

// RefreshItems downloads the server's current list snapshot and folds it into
// the local mirror. Items with queued local mutations keep their optimistic
// state until those mutations drain.
func (c *Client) RefreshItems(ctx context.Context) error {
	totalStart := c.stageStart()
	fetchStart := c.stageStart()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/listsync/items", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	token, err := c.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get auth token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch items: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &listsync.SubmitError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		}
	}

	var payload listsync.ItemsResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("failed to decode items response: %w", err)
	}
	c.observeStage(ctx, MetricsOpRefresh, MetricsStageFetch, fetchStart, len(payload.Items), false)

	applyStart := c.stageStart()
	mergeErr := c.mergeServerItems(ctx, payload.Items)
	c.observeStage(ctx, MetricsOpRefresh, MetricsStageApply, applyStart, len(payload.Items), mergeErr != nil)
	if mergeErr != nil {
		return mergeErr
	}

	c.observeStage(ctx, MetricsOpRefresh, MetricsStageTotal, totalStart, len(payload.Items), false)
	c.logger.Debug("refreshed items from server", "count", len(payload.Items))
	return nil
}
