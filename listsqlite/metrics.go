// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package listsqlite

import (
	"context"
	"time"
)

const (
	MetricsOpDrain   = "drain"
	MetricsOpRefresh = "refresh"

	MetricsStageTotal = "total"

	// Drain per-mutation stages.
	MetricsStageSubmit  = "submit"
	MetricsStageResolve = "resolve"

	// Queue persistence (whole-queue write-through).
	MetricsStagePersist = "persist"

	// Refresh stages.
	MetricsStageFetch = "fetch"
	MetricsStageApply = "apply"
)

type StageTiming struct {
	Operation string
	Stage     string
	Duration  time.Duration
	Count     int
	Attempt   int
	Error     bool
}

type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

func (c *Client) stageTimingEnabled() bool {
	if c == nil || c.config == nil {
		return false
	}
	return c.config.StageMetrics != nil || c.config.LogStageTimings
}

func (c *Client) stageStart() time.Time {
	if !c.stageTimingEnabled() {
		return time.Time{}
	}
	return time.Now()
}

func (c *Client) observeStage(ctx context.Context, op, stage string, start time.Time, count int, hadError bool) {
	c.observeStageAttempt(ctx, op, stage, start, count, 0, hadError)
}

func (c *Client) observeStageAttempt(ctx context.Context, op, stage string, start time.Time, count, attempt int, hadError bool) {
	if start.IsZero() || c == nil || c.config == nil {
		return
	}

	d := time.Since(start)
	timing := StageTiming{
		Operation: op,
		Stage:     stage,
		Duration:  d,
		Count:     count,
		Attempt:   attempt,
		Error:     hadError,
	}

	if c.config.StageMetrics != nil {
		c.config.StageMetrics.ObserveStage(ctx, timing)
	}
	if c.config.LogStageTimings && c.logger != nil {
		c.logger.Debug("Stage timing",
			"op", timing.Operation,
			"stage", timing.Stage,
			"duration", timing.Duration,
			"count", timing.Count,
			"attempt", timing.Attempt,
			"error", timing.Error,
		)
	}
}
