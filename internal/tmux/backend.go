// Package tmux hosts CLI sessions inside detached tmux sessions so the
// interactive process outlives a server restart.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/GianlucaP106/gotmux/gotmux"

	"github.com/workspace/session-relay/internal/pty"
)

// DefaultPrefix namespaces relay-owned tmux sessions.
const DefaultPrefix = "relay-"

// defaultCommandTimeout bounds tmux calls made without a caller deadline.
const defaultCommandTimeout = 5 * time.Second

// ErrTmuxUnavailable is returned when no tmux server can be reached.
var ErrTmuxUnavailable = errors.New("tmux is not available")

// Client is the subset of gotmux the backend drives.
type Client interface {
	Command(args ...string) (string, error)
	ListSessions() ([]*gotmux.Session, error)
	HasSession(name string) bool
}

// Config holds configuration for the tmux backend.
type Config struct {
	// Socket selects a dedicated tmux server; empty uses the default socket.
	Socket          string
	Prefix          string
	Command         []string
	Env             []string
	ScrollbackBytes int
	OutputBuffer    int
}

// Backend spawns each session's CLI in "<prefix><sessionID>" and attaches a
// local tmux client under a PTY to stream it.
type Backend struct {
	client         Client
	cfg            Config
	binary         string
	commandTimeout time.Duration
}

var _ pty.Backend = (*Backend)(nil)

// New connects to the configured tmux server.
func New(cfg Config) (*Backend, error) {
	var (
		client *gotmux.Tmux
		err    error
	)
	if cfg.Socket != "" {
		client, err = gotmux.NewTmux(cfg.Socket)
	} else {
		client, err = gotmux.DefaultTmux()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTmuxUnavailable, err)
	}
	return NewWithClient(client, cfg), nil
}

// NewWithClient builds a backend on an existing client.
func NewWithClient(client Client, cfg Config) *Backend {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	return &Backend{client: client, cfg: cfg, binary: "tmux", commandTimeout: defaultCommandTimeout}
}

// Name identifies the backend in logs and health output.
func (b *Backend) Name() string {
	return "tmux"
}

// SessionName maps a relay session id to its tmux session name.
func (b *Backend) SessionName(sessionID string) string {
	return b.cfg.Prefix + sessionID
}

// Spawn creates a detached tmux session running the CLI and attaches to it.
func (b *Backend) Spawn(ctx context.Context, req pty.SpawnRequest) (pty.Process, error) {
	if len(b.cfg.Command) == 0 {
		return nil, &pty.SpawnError{Err: errors.New("no command configured")}
	}
	if err := ctx.Err(); err != nil {
		return nil, &pty.SpawnError{Command: b.cfg.Command[0], Err: err}
	}
	if req.Dir != "" {
		info, err := os.Stat(req.Dir)
		if err != nil {
			return nil, &pty.SpawnError{Command: b.cfg.Command[0], Err: fmt.Errorf("working directory: %w", err)}
		}
		if !info.IsDir() {
			return nil, &pty.SpawnError{Command: b.cfg.Command[0], Err: fmt.Errorf("working directory %s is not a directory", req.Dir)}
		}
	}

	name := b.SessionName(req.SessionID)
	args := []string{"new-session", "-d", "-s", name}
	if req.Dir != "" {
		args = append(args, "-c", req.Dir)
	}
	if req.Cols > 0 && req.Rows > 0 {
		args = append(args, "-x", strconv.Itoa(req.Cols), "-y", strconv.Itoa(req.Rows))
	}
	args = append(args, "-e", "RELAY_SESSION_ID="+req.SessionID)
	for _, kv := range b.cfg.Env {
		args = append(args, "-e", kv)
	}
	args = append(args, shellJoin(b.cfg.Command))

	if _, err := b.command(ctx, args...); err != nil {
		if ctx.Err() != nil {
			// A hung new-session may still complete later.
			go b.kill(name)
		}
		return nil, &pty.SpawnError{Command: b.cfg.Command[0], Err: fmt.Errorf("tmux new-session: %w", err)}
	}
	slog.Info("tmux session created", "tmuxSession", name, "dir", req.Dir)

	proc, err := b.attach(ctx, req.SessionID, req.Dir, req.Cols, req.Rows)
	if err != nil {
		b.kill(name)
		return nil, err
	}
	return proc, nil
}

// Survivors lists relay-owned tmux sessions left by a previous run.
func (b *Backend) Survivors(ctx context.Context) ([]pty.Survivor, error) {
	sessions, err := call(ctx, b.client.ListSessions)
	if err != nil {
		// tmux reports a missing server as an error; treat it as empty.
		if strings.Contains(err.Error(), "no server running") {
			return nil, nil
		}
		return nil, fmt.Errorf("list tmux sessions: %w", err)
	}

	var out []pty.Survivor
	for _, s := range sessions {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		id, ok := strings.CutPrefix(s.Name, b.cfg.Prefix)
		if !ok || id == "" {
			continue
		}
		out = append(out, pty.Survivor{SessionID: id, Dir: b.panePath(ctx, s)})
	}
	return out, nil
}

// Rebind attaches to a surviving tmux session.
func (b *Backend) Rebind(ctx context.Context, s pty.Survivor, cols, rows int) (pty.Process, error) {
	name := b.SessionName(s.SessionID)
	exists, err := call(ctx, func() (bool, error) {
		return b.client.HasSession(name), nil
	})
	if err != nil {
		return nil, fmt.Errorf("tmux has-session %s: %w", name, err)
	}
	if !exists {
		return nil, fmt.Errorf("tmux session %s no longer exists", name)
	}
	return b.attach(ctx, s.SessionID, s.Dir, cols, rows)
}

// Reap kills a surviving tmux session that will not be rebound.
func (b *Backend) Reap(ctx context.Context, s pty.Survivor) error {
	name := b.SessionName(s.SessionID)
	if _, err := b.command(ctx, "kill-session", "-t", name); err != nil {
		return fmt.Errorf("tmux kill-session %s: %w", name, err)
	}
	slog.Info("tmux session reaped", "tmuxSession", name)
	return nil
}

func (b *Backend) attach(ctx context.Context, sessionID, dir string, cols, rows int) (pty.Process, error) {
	name := b.SessionName(sessionID)
	argv := []string{b.binary}
	if b.cfg.Socket != "" {
		argv = append(argv, "-S", b.cfg.Socket)
	}
	argv = append(argv, "attach-session", "-t", name)

	return pty.Launch(ctx, pty.LaunchConfig{
		ID:              sessionID,
		Argv:            argv,
		Dir:             dir,
		Cols:            cols,
		Rows:            rows,
		OutputBuffer:    b.cfg.OutputBuffer,
		ScrollbackBytes: b.cfg.ScrollbackBytes,
		CaptureFunc: func() ([]byte, error) {
			return b.Capture(sessionID)
		},
		TerminateFunc: func(sig os.Signal) error {
			if sig == syscall.SIGKILL || sig == syscall.SIGTERM {
				b.kill(name)
			}
			return nil
		},
	})
}

// Capture returns the visible pane contents with escape sequences intact.
func (b *Backend) Capture(sessionID string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), b.commandTimeout)
	defer cancel()
	out, err := b.command(ctx, "capture-pane", "-p", "-e", "-J", "-t", b.SessionName(sessionID))
	if err != nil {
		return nil, fmt.Errorf("tmux capture-pane: %w", err)
	}
	// capture-pane emits bare LF; terminals expect CRLF.
	return []byte(strings.ReplaceAll(out, "\n", "\r\n")), nil
}

func (b *Backend) kill(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), b.commandTimeout)
	defer cancel()
	if _, err := b.command(ctx, "kill-session", "-t", name); err != nil {
		slog.Debug("tmux kill-session failed", "tmuxSession", name, "error", err)
	}
}

func (b *Backend) panePath(ctx context.Context, s *gotmux.Session) string {
	out, err := b.command(ctx, "display-message", "-p", "-t", s.Name, "#{pane_current_path}")
	if err == nil {
		if p := strings.TrimSpace(out); p != "" {
			return p
		}
	}
	return s.Path
}

// command runs a tmux command, giving up when ctx is done.
func (b *Backend) command(ctx context.Context, args ...string) (string, error) {
	return call(ctx, func() (string, error) {
		return b.client.Command(args...)
	})
}

// call runs fn and returns its result, or ctx.Err() if ctx ends first. The
// client has no cancellation of its own, so a hung call is abandoned.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v: v, err: err}
	}()
	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// shellJoin quotes argv for the shell tmux runs the window command in.
func shellJoin(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		if a != "" && strings.IndexFunc(a, needsQuote) < 0 {
			parts[i] = a
			continue
		}
		parts[i] = "'" + strings.ReplaceAll(a, "'", `'"'"'`) + "'"
	}
	return strings.Join(parts, " ")
}

func needsQuote(r rune) bool {
	return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:,@%+", r))
}
