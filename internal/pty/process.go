// Package pty provides pseudo-terminal backed process hosting.
package pty

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// ErrProcessClosed is returned by Write and Resize once the process has exited
// or its handle has been released.
var ErrProcessClosed = errors.New("process closed")

// ErrNotRecoverable is returned by backends whose processes cannot outlive
// the server.
var ErrNotRecoverable = errors.New("backend does not support rebinding")

// SpawnError reports a failure to launch the interactive process: missing
// binary, permission denied, bad working directory or a spawn that did not
// complete before its deadline.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// ExitStatus describes how a hosted process terminated.
type ExitStatus struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
}

// Process is one interactive OS process bound to a pseudo-terminal.
//
// Output delivers chunks in the order they were read and is closed before
// Exited fires. After Exited, Write and Resize return ErrProcessClosed.
type Process interface {
	Write(p []byte) error
	Resize(cols, rows int) error
	Capture() ([]byte, error)
	Kill(sig os.Signal) error
	// Release drops the local handle without terminating a backing process
	// that can outlive this server.
	Release() error
	Output() <-chan []byte
	Exited() <-chan struct{}
	ExitStatus() ExitStatus
}

// SpawnRequest asks a backend for a new process rooted at Dir.
type SpawnRequest struct {
	SessionID string
	Dir       string
	Cols      int
	Rows      int
}

// Survivor is a backing process that outlived a previous server run.
type Survivor struct {
	SessionID string
	Dir       string
}

// Backend creates processes and enumerates the ones that survived a restart.
// Reap destroys a survivor that will not be rebound.
type Backend interface {
	Name() string
	Spawn(ctx context.Context, req SpawnRequest) (Process, error)
	Survivors(ctx context.Context) ([]Survivor, error)
	Rebind(ctx context.Context, s Survivor, cols, rows int) (Process, error)
	Reap(ctx context.Context, s Survivor) error
}
