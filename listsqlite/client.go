// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package listsqlite provides the SQLite-backed client runtime for go-listsync:
// a durable offline mutation queue, an optimistic local mirror of the shared
// list, and the drain machinery that submits queued mutations to the remote
// collaborator and reconciles rejections with the pure resolution functions
// from the listsync package.
package listsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/mobiletoly/go-listsync/listsync"
)

// Client owns the durable mutation queue and the local item mirror for one
// signed-in user on one device. The in-memory queue slice is authoritative
// between persistence points; every mutating operation writes it back to
// SQLite as a whole so crash replay always sees a consistent snapshot.
type Client struct {
	DB        *sql.DB
	BaseURL   string
	Token     func(context.Context) (string, error) // returns JWT
	SourceID  string
	UserID    string
	Callbacks Callbacks
	HTTP      *http.Client

	config *Config
	logger *slog.Logger

	writeMu       sync.Mutex // guards queue and lastProcessed
	queue         []*QueuedMutation
	lastProcessed time.Time

	// Atomic switches: at-most-one active drain, last reported network state,
	// pause control for tests and bulk imports
	processing int32
	online     int32
	paused     int32

	kick chan struct{} // wakes the background drain loop
}

// Config holds tunable queue policy. Zero fields are replaced with the
// DefaultConfig values in New, so callers can set only what they care about.
type Config struct {
	MaxRetries    int           // transient attempts before a mutation is marked failed, e.g. 5
	BackoffBase   time.Duration // first retry delay, e.g. 1s
	BackoffMax    time.Duration // retry delay cap, e.g. 60s
	LWWThreshold  time.Duration // timestamp gap beyond which last-write-wins auto-applies
	SubmitTimeout time.Duration // per-mutation bounded wait for the remote verdict

	Logger *slog.Logger // defaults to slog.Default()

	// Optional stage metrics (nil disables)
	StageMetrics    StageMetricsRecorder
	LogStageTimings bool
}

// DefaultConfig returns the stock queue policy.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:    5,
		BackoffBase:   1 * time.Second,
		BackoffMax:    60 * time.Second,
		LWWThreshold:  listsync.DefaultLWWThreshold,
		SubmitTimeout: 30 * time.Second,
	}
}

func applyConfigDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	if cfg.LWWThreshold <= 0 {
		cfg.LWWThreshold = def.LWWThreshold
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = def.SubmitTimeout
	}
}

// PauseProcessing suspends queue drains (ProcessQueue and the background loop respect this flag)
func (c *Client) PauseProcessing() { atomic.StoreInt32(&c.paused, 1) }

// ResumeProcessing resumes queue drains and wakes the background loop
func (c *Client) ResumeProcessing() {
	atomic.StoreInt32(&c.paused, 0)
	c.signalDrain()
}

func (c *Client) pausedNow() bool { return atomic.LoadInt32(&c.paused) == 1 }

// New creates a queue client bound to the given SQLite handle. The schema is
// created on first use and any mutations persisted by a previous process are
// replayed into the in-memory queue, so a crash or restart never loses
// buffered work.
func New(db *sql.DB, baseURL, userID, sourceID string, tok func(ctx context.Context) (string, error), config *Config) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	cfg := *config
	applyConfigDefaults(&cfg)
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := &Client{
		DB:       db,
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Token:    tok,
		SourceID: sourceID,
		UserID:   userID,
		HTTP:     &http.Client{Timeout: 120 * time.Second},
		config:   &cfg,
		logger:   logger,
		online:   1, // assume reachable until the connectivity observer reports otherwise
		kick:     make(chan struct{}, 1),
	}

	queue, err := client.loadQueue(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to load queued mutations: %w", err)
	}
	client.queue = queue
	sortMutations(client.queue)

	return client, nil
}

// EnsureSourceID generates and persists a source ID if not already present
func EnsureSourceID(db *sql.DB, userID string) (string, error) {
	var sourceID string
	err := db.QueryRow(`SELECT source_id FROM listsync_client_info WHERE user_id = ?`, userID).Scan(&sourceID)
	if errors.Is(err, sql.ErrNoRows) {
		sourceID = uuid.New().String()
		_, err = db.Exec(`
			INSERT INTO listsync_client_info (user_id, source_id)
			VALUES (?, ?)
		`, userID, sourceID)
		if err != nil {
			return "", fmt.Errorf("failed to insert client info: %w", err)
		}
	} else if err != nil {
		return "", fmt.Errorf("failed to query client info: %w", err)
	}
	return sourceID, nil
}

// SetOnline records the network state reported by the platform's connectivity
// observer. An offline-to-online transition schedules an asynchronous drain so
// buffered mutations replay without the caller doing anything else.
func (c *Client) SetOnline(online bool) {
	var v int32
	if online {
		v = 1
	}
	prev := atomic.SwapInt32(&c.online, v)
	if online && prev == 0 {
		c.logger.Info("network restored, scheduling queue drain")
		c.signalDrain()
		go func() {
			if _, err := c.ProcessQueue(context.Background()); err != nil {
				c.logger.Error("drain after reconnect failed", "error", err)
			}
		}()
	}
}

// Online reports the last network state recorded by SetOnline.
func (c *Client) Online() bool { return atomic.LoadInt32(&c.online) == 1 }

// AppDidBecomeActive is the lifecycle hook for application foregrounding.
// Mutations queued while the app was suspended are drained if the client
// still believes the network is reachable.
func (c *Client) AppDidBecomeActive() {
	if !c.Online() {
		return
	}
	c.signalDrain()
	go func() {
		if _, err := c.ProcessQueue(context.Background()); err != nil {
			c.logger.Error("drain after foreground failed", "error", err)
		}
	}()
}

// Start launches the background drain loop. The loop wakes on explicit kicks
// (enqueue, reconnect, foreground) and on the earliest scheduled retry, and
// exits when ctx is cancelled.
func (c *Client) Start(ctx context.Context) error {
	go c.drainLoop(ctx)
	return nil
}

// Stop exists for API symmetry with Start; cancelling the Start context is
// what actually terminates the loop.
func (c *Client) Stop(ctx context.Context) error {
	return nil
}

func (c *Client) drainLoop(ctx context.Context) {
	for {
		var timer *time.Timer
		var timerC <-chan time.Time
		if wait, ok := c.nextWake(time.Now()); ok {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-c.kick:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}

		if !c.Online() {
			continue
		}
		if _, err := c.ProcessQueue(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("queue drain failed", "error", err)
		}
	}
}

// nextWake returns how long the loop may sleep before some pending mutation
// becomes eligible again. ok is false when nothing is schedulable, in which
// case the loop parks until the next kick.
func (c *Client) nextWake(now time.Time) (time.Duration, bool) {
	if !c.Online() || c.pausedNow() {
		return 0, false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	earliest, ok := nextEligibleAt(c.queue, now)
	if !ok {
		return 0, false
	}
	wait := earliest.Sub(now)
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

// signalDrain nudges the background loop without blocking; a kick that is
// already pending is enough.
func (c *Client) signalDrain() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}
