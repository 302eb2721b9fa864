package pty

import (
	"context"
	"fmt"
)

// DirectBackend runs the CLI as a direct child of this server. Nothing it
// starts survives a restart.
type DirectBackend struct {
	Command         []string
	Env             []string
	ScrollbackBytes int
	OutputBuffer    int
}

var _ Backend = (*DirectBackend)(nil)

// Name identifies the backend in logs and health output.
func (b *DirectBackend) Name() string {
	return "direct"
}

// Spawn starts the CLI under a fresh PTY rooted at req.Dir.
func (b *DirectBackend) Spawn(ctx context.Context, req SpawnRequest) (Process, error) {
	if len(b.Command) == 0 {
		return nil, &SpawnError{Err: fmt.Errorf("no command configured")}
	}
	return Launch(ctx, LaunchConfig{
		ID:              req.SessionID,
		Argv:            b.Command,
		Dir:             req.Dir,
		Env:             append([]string{"RELAY_SESSION_ID=" + req.SessionID}, b.Env...),
		Rows:            req.Rows,
		Cols:            req.Cols,
		OutputBuffer:    b.OutputBuffer,
		ScrollbackBytes: b.ScrollbackBytes,
	})
}

// Survivors always reports none.
func (b *DirectBackend) Survivors(context.Context) ([]Survivor, error) {
	return nil, nil
}

// Rebind is unsupported.
func (b *DirectBackend) Rebind(context.Context, Survivor, int, int) (Process, error) {
	return nil, ErrNotRecoverable
}

// Reap has nothing to do: direct processes die with the server.
func (b *DirectBackend) Reap(context.Context, Survivor) error {
	return nil
}
