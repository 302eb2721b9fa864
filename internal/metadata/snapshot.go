// Package metadata derives status snapshots for running sessions from the
// files the CLI writes into its project directory.
package metadata

import (
	"fmt"
	"time"
)

// Source tags where a snapshot's values came from.
type Source string

const (
	SourceStatusFile  Source = "structured-status-file"
	SourceLogTail     Source = "log-tail-heuristic"
	SourceUnavailable Source = "unavailable"
)

// Snapshot is the latest derived reading for a session. Each snapshot
// replaces the previous one entirely.
type Snapshot struct {
	SessionID      string    `json:"sessionId"`
	TokensUsed     *int64    `json:"tokensUsed,omitempty"`
	ContextPercent *int      `json:"contextPercent,omitempty"`
	CostUSD        *float64  `json:"costUsd,omitempty"`
	Status         string    `json:"status,omitempty"`
	Source         Source    `json:"source"`
	Raw            string    `json:"raw,omitempty"`
	CapturedAt     time.Time `json:"capturedAt"`
}

// WatchFailure reports a change subscription that broke. The watcher falls
// back to polling; it is logged, never returned to clients.
type WatchFailure struct {
	SessionID string
	Err       error
}

func (e *WatchFailure) Error() string {
	return fmt.Sprintf("metadata watch for session %s failed: %v", e.SessionID, e.Err)
}

func (e *WatchFailure) Unwrap() error {
	return e.Err
}

// maxRawBytes bounds the raw text kept on a snapshot.
const maxRawBytes = 4096

func truncateRaw(s string) string {
	if len(s) <= maxRawBytes {
		return s
	}
	return s[len(s)-maxRawBytes:]
}
