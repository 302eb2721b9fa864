package pty

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/creack/pty"
)

const (
	readChunkSize       = 4096
	defaultOutputBuffer = 64
)

// LaunchConfig holds configuration for starting a Host.
type LaunchConfig struct {
	ID   string
	Argv []string
	Dir  string
	Env  []string
	Rows int
	Cols int

	// OutputBuffer is the channel depth between the PTY reader and the consumer.
	OutputBuffer int

	// ScrollbackBytes keeps recent output for Capture when no CaptureFunc is set.
	ScrollbackBytes int

	// CaptureFunc overrides the scrollback, e.g. to ask a multiplexer for the
	// rendered screen.
	CaptureFunc func() ([]byte, error)

	// TerminateFunc overrides signal delivery in Kill, e.g. to destroy a
	// multiplexer session instead of its attached client.
	TerminateFunc func(sig os.Signal) error
}

// Host owns one process started under a pseudo-terminal.
type Host struct {
	id        string
	cmd       *exec.Cmd
	ptmx      *os.File
	scroll    *Scrollback
	capture   func() ([]byte, error)
	terminate func(sig os.Signal) error

	output   chan []byte
	exited   chan struct{}
	released chan struct{}

	mu          sync.RWMutex
	closed      bool
	status      ExitStatus
	rows        int
	cols        int
	releaseOnce sync.Once
}

var _ Process = (*Host)(nil)

// Launch starts the configured command under a new PTY. A launch that does
// not complete before ctx is done is reported as a SpawnError and the late
// process, if any, is killed.
func Launch(ctx context.Context, cfg LaunchConfig) (*Host, error) {
	if len(cfg.Argv) == 0 {
		return nil, &SpawnError{Command: "", Err: errors.New("empty command")}
	}
	command := cfg.Argv[0]

	if cfg.Dir != "" {
		info, err := os.Stat(cfg.Dir)
		if err != nil {
			return nil, &SpawnError{Command: command, Err: fmt.Errorf("working directory: %w", err)}
		}
		if !info.IsDir() {
			return nil, &SpawnError{Command: command, Err: fmt.Errorf("working directory %s is not a directory", cfg.Dir)}
		}
	}
	if _, err := exec.LookPath(command); err != nil {
		return nil, &SpawnError{Command: command, Err: err}
	}

	rows := cfg.Rows
	if rows <= 0 {
		rows = 24
	}
	cols := cfg.Cols
	if cols <= 0 {
		cols = 80
	}

	cmd := exec.Command(command, cfg.Argv[1:]...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Env = append(cmd.Env, "TERM=xterm-256color")

	type started struct {
		ptmx *os.File
		err  error
	}
	startC := make(chan started, 1)
	go func() {
		ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
		startC <- started{ptmx: ptmx, err: err}
	}()

	var res started
	select {
	case res = <-startC:
	case <-ctx.Done():
		go func() {
			late := <-startC
			if late.err == nil {
				_ = cmd.Process.Kill()
				_ = late.ptmx.Close()
				_, _ = cmd.Process.Wait()
			}
		}()
		return nil, &SpawnError{Command: command, Err: ctx.Err()}
	}
	if res.err != nil {
		return nil, &SpawnError{Command: command, Err: res.err}
	}

	outputBuffer := cfg.OutputBuffer
	if outputBuffer <= 0 {
		outputBuffer = defaultOutputBuffer
	}

	h := &Host{
		id:        cfg.ID,
		cmd:       cmd,
		ptmx:      res.ptmx,
		capture:   cfg.CaptureFunc,
		terminate: cfg.TerminateFunc,
		output:    make(chan []byte, outputBuffer),
		exited:    make(chan struct{}),
		released:  make(chan struct{}),
		rows:      rows,
		cols:      cols,
	}
	if h.capture == nil {
		h.scroll = NewScrollback(cfg.ScrollbackBytes)
	}

	slog.Debug("PTY process started", "hostID", cfg.ID, "command", command, "pid", cmd.Process.Pid, "dir", cfg.Dir)

	go h.readLoop()
	return h, nil
}

// ID returns the identifier the host was launched with.
func (h *Host) ID() string {
	return h.id
}

// Output returns the ordered stream of output chunks.
func (h *Host) Output() <-chan []byte {
	return h.output
}

// Exited is closed once the process has terminated and Output is drained.
func (h *Host) Exited() <-chan struct{} {
	return h.exited
}

// ExitStatus is valid after Exited is closed.
func (h *Host) ExitStatus() ExitStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// Size returns the current terminal dimensions.
func (h *Host) Size() (cols, rows int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cols, h.rows
}

// Write forwards raw bytes to the process input.
func (h *Host) Write(p []byte) error {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return ErrProcessClosed
	}
	if _, err := h.ptmx.Write(p); err != nil {
		if h.isClosed() || errors.Is(err, os.ErrClosed) {
			return ErrProcessClosed
		}
		return fmt.Errorf("pty write: %w", err)
	}
	return nil
}

// Resize adjusts the PTY window.
func (h *Host) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("invalid terminal size %dx%d", cols, rows)
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrProcessClosed
	}
	h.cols = cols
	h.rows = rows
	h.mu.Unlock()

	return pty.Setsize(h.ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

// Capture returns the current screen snapshot.
func (h *Host) Capture() ([]byte, error) {
	if h.capture != nil {
		return h.capture()
	}
	return h.scroll.Snapshot(), nil
}

// Kill requests termination. It is a no-op once the process has exited.
func (h *Host) Kill(sig os.Signal) error {
	if h.isClosed() {
		return nil
	}
	if h.terminate != nil {
		return h.terminate(sig)
	}
	if h.cmd.Process == nil {
		return nil
	}
	if err := h.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signal %v: %w", sig, err)
	}
	return nil
}

// Release closes the PTY master. The reader stops and the attached process
// receives SIGHUP from the kernel.
func (h *Host) Release() error {
	var err error
	h.releaseOnce.Do(func() {
		close(h.released)
		if cerr := h.ptmx.Close(); cerr != nil && !errors.Is(cerr, os.ErrClosed) {
			err = cerr
		}
	})
	return err
}

func (h *Host) isClosed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

func (h *Host) readLoop() {
	buf := make([]byte, readChunkSize)
	var carry []byte
	for {
		n, err := h.ptmx.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			cut := completeUTF8(data)
			if err != nil {
				cut = len(data)
			}
			carry = append([]byte(nil), data[cut:]...)
			if cut > 0 {
				chunk := make([]byte, cut)
				copy(chunk, data[:cut])
				if h.scroll != nil {
					_, _ = h.scroll.Write(chunk)
				}
				select {
				case h.output <- chunk:
				case <-h.released:
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, syscall.EIO) && !errors.Is(err, os.ErrClosed) {
				slog.Debug("PTY read ended", "hostID", h.id, "error", err)
			}
			break
		}
	}
	close(h.output)
	h.wait()
}

// completeUTF8 returns the length of the longest prefix of b that does not
// end inside a multi-byte rune. At most utf8.UTFMax-1 bytes are held back.
func completeUTF8(b []byte) int {
	for i := 1; i < utf8.UTFMax && i <= len(b); i++ {
		c := b[len(b)-i]
		if c < utf8.RuneSelf {
			return len(b)
		}
		if utf8.RuneStart(c) {
			if utf8.FullRune(b[len(b)-i:]) {
				return len(b)
			}
			return len(b) - i
		}
	}
	return len(b)
}

func (h *Host) wait() {
	waitErr := h.cmd.Wait()
	status := exitStatusOf(h.cmd.ProcessState, waitErr)

	h.mu.Lock()
	h.closed = true
	h.status = status
	h.mu.Unlock()

	_ = h.Release()
	close(h.exited)
	slog.Debug("PTY process exited", "hostID", h.id, "code", status.Code, "signal", status.Signal)
}

func exitStatusOf(state *os.ProcessState, waitErr error) ExitStatus {
	if state == nil {
		if waitErr != nil {
			return ExitStatus{Code: -1}
		}
		return ExitStatus{}
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitStatus{Code: -1, Signal: ws.Signal().String()}
	}
	return ExitStatus{Code: state.ExitCode()}
}

// KillWithGrace sends SIGTERM, waits up to grace for the process to exit and
// then sends SIGKILL. If ctx ends first SIGKILL is sent right away. It
// returns once the process has exited or ctx is done.
func KillWithGrace(ctx context.Context, p Process, grace time.Duration) error {
	select {
	case <-p.Exited():
		return nil
	default:
	}
	if err := p.Kill(syscall.SIGTERM); err != nil {
		slog.Warn("SIGTERM failed, escalating", "error", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.Exited():
		return nil
	case <-ctx.Done():
	case <-timer.C:
	}

	if err := p.Kill(syscall.SIGKILL); err != nil {
		return err
	}
	select {
	case <-p.Exited():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
