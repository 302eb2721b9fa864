// Package activity records per-session activity in memory and flushes it to
// the session registry in the background.
package activity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Toucher persists a session's last-activity time.
type Toucher interface {
	Touch(ctx context.Context, id string, at time.Time) error
}

// Tracker batches activity so hot paths (keystrokes, attaches) never wait on
// storage.
type Tracker struct {
	store    Toucher
	interval time.Duration
	clk      clock.Clock

	mu      sync.Mutex
	pending map[string]time.Time
	last    map[string]time.Time

	stopOnce sync.Once
	done     chan struct{}
	stopped  chan struct{}
}

// NewTracker creates a tracker that flushes every interval.
func NewTracker(store Toucher, interval time.Duration, clk clock.Clock) *Tracker {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Tracker{
		store:    store,
		interval: interval,
		clk:      clk,
		pending:  make(map[string]time.Time),
		last:     make(map[string]time.Time),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start begins the flush loop.
func (t *Tracker) Start() {
	go func() {
		defer close(t.stopped)
		ticker := t.clk.Ticker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.done:
				t.Flush(context.Background())
				return
			case <-ticker.C:
				t.Flush(context.Background())
			}
		}
	}()
}

// Stop flushes pending activity and stops the loop. Start must have been
// called.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.done) })
	<-t.stopped
}

// RecordActivity marks the session as active now.
func (t *Tracker) RecordActivity(sessionID string) {
	if t == nil {
		return
	}
	now := t.clk.Now()
	t.mu.Lock()
	t.pending[sessionID] = now
	t.last[sessionID] = now
	t.mu.Unlock()
}

// LastActivity returns the most recent recorded activity for the session.
func (t *Tracker) LastActivity(sessionID string) (time.Time, bool) {
	if t == nil {
		return time.Time{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.last[sessionID]
	return at, ok
}

// IdleFor returns how long the session has gone without activity.
func (t *Tracker) IdleFor(sessionID string) time.Duration {
	at, ok := t.LastActivity(sessionID)
	if !ok {
		return 0
	}
	return t.clk.Since(at)
}

// Forget drops in-memory state for a session that has ended.
func (t *Tracker) Forget(sessionID string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	delete(t.pending, sessionID)
	delete(t.last, sessionID)
	t.mu.Unlock()
}

// Flush writes pending activity to the store.
func (t *Tracker) Flush(ctx context.Context) {
	t.mu.Lock()
	batch := t.pending
	t.pending = make(map[string]time.Time, len(batch))
	t.mu.Unlock()

	for id, at := range batch {
		if err := t.store.Touch(ctx, id, at); err != nil {
			slog.Warn("Failed to persist session activity", "sessionID", id, "error", err)
		}
	}
}
