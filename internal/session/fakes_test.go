package session

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/workspace/session-relay/internal/pty"
)

// fakeProcess is an in-memory pty.Process.
type fakeProcess struct {
	mu       sync.Mutex
	input    [][]byte
	cols     int
	rows     int
	screen   []byte
	signals  []os.Signal
	released bool
	closed   bool
	// stubborn processes ignore SIGTERM.
	stubborn bool
	// captureGate, when set, blocks Capture until it is closed.
	captureGate chan struct{}

	output   chan []byte
	exited   chan struct{}
	exitOnce sync.Once
	status   pty.ExitStatus
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{
		output: make(chan []byte, 256),
		exited: make(chan struct{}),
		screen: []byte("$ "),
	}
}

func (p *fakeProcess) Write(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return pty.ErrProcessClosed
	}
	p.input = append(p.input, append([]byte(nil), b...))
	return nil
}

func (p *fakeProcess) Resize(cols, rows int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return pty.ErrProcessClosed
	}
	p.cols, p.rows = cols, rows
	return nil
}

func (p *fakeProcess) Capture() ([]byte, error) {
	p.mu.Lock()
	gate := p.captureGate
	p.mu.Unlock()
	if gate != nil {
		<-gate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.screen...), nil
}

func (p *fakeProcess) Kill(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	stubborn := p.stubborn
	p.mu.Unlock()
	switch {
	case sig == syscall.SIGKILL:
		p.exit(pty.ExitStatus{Code: -1, Signal: "killed"})
	case sig == syscall.SIGTERM && !stubborn:
		p.exit(pty.ExitStatus{Code: -1, Signal: "terminated"})
	}
	return nil
}

func (p *fakeProcess) Release() error {
	p.mu.Lock()
	p.released = true
	p.mu.Unlock()
	return nil
}

func (p *fakeProcess) Output() <-chan []byte   { return p.output }
func (p *fakeProcess) Exited() <-chan struct{} { return p.exited }

func (p *fakeProcess) ExitStatus() pty.ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// emit produces an output chunk as the process would.
func (p *fakeProcess) emit(s string) {
	p.output <- []byte(s)
}

// exit closes output and then fires the exit event, once.
func (p *fakeProcess) exit(status pty.ExitStatus) {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.status = status
		p.mu.Unlock()
		close(p.output)
		close(p.exited)
	})
}

func (p *fakeProcess) inputs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.input))
	for i, b := range p.input {
		out[i] = string(b)
	}
	return out
}

func (p *fakeProcess) sent() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]os.Signal(nil), p.signals...)
}

func (p *fakeProcess) wasReleased() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released
}

// fakeBackend hands out fakeProcesses and reports configured survivors.
type fakeBackend struct {
	mu        sync.Mutex
	procs     map[string]*fakeProcess
	survivors []pty.Survivor
	spawnErr  error
	rebindErr error
	spawnWait time.Duration
	rebinds   int
	// exitOnSpawn hands out processes that have already exited.
	exitOnSpawn bool
	reapErr     error
	reaped      []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{procs: make(map[string]*fakeProcess)}
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Spawn(ctx context.Context, req pty.SpawnRequest) (pty.Process, error) {
	if b.spawnWait > 0 {
		select {
		case <-time.After(b.spawnWait):
		case <-ctx.Done():
			return nil, &pty.SpawnError{Command: "fake", Err: ctx.Err()}
		}
	}
	if b.spawnErr != nil {
		return nil, &pty.SpawnError{Command: "fake", Err: b.spawnErr}
	}
	p := newFakeProcess()
	b.mu.Lock()
	b.procs[req.SessionID] = p
	exited := b.exitOnSpawn
	b.mu.Unlock()
	if exited {
		p.exit(pty.ExitStatus{Code: 0})
	}
	return p, nil
}

func (b *fakeBackend) Survivors(context.Context) ([]pty.Survivor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]pty.Survivor(nil), b.survivors...), nil
}

func (b *fakeBackend) Rebind(_ context.Context, s pty.Survivor, _, _ int) (pty.Process, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rebindErr != nil {
		return nil, b.rebindErr
	}
	b.rebinds++
	p := newFakeProcess()
	b.procs[s.SessionID] = p
	return p, nil
}

func (b *fakeBackend) Reap(_ context.Context, s pty.Survivor) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.reapErr != nil {
		return b.reapErr
	}
	b.reaped = append(b.reaped, s.SessionID)
	kept := b.survivors[:0]
	for _, sv := range b.survivors {
		if sv.SessionID != s.SessionID {
			kept = append(kept, sv)
		}
	}
	b.survivors = kept
	return nil
}

func (b *fakeBackend) reapedIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.reaped...)
}

func (b *fakeBackend) proc(id string) *fakeProcess {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.procs[id]
}

// memRegistry is an in-memory Registry.
type memRegistry struct {
	mu   sync.Mutex
	rows map[string]Session
}

func newMemRegistry(rows ...Session) *memRegistry {
	r := &memRegistry{rows: make(map[string]Session)}
	for _, s := range rows {
		r.rows[s.ID] = s
	}
	return r
}

func (r *memRegistry) Insert(_ context.Context, s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[s.ID]; ok {
		return errors.New("duplicate id")
	}
	r.rows[s.ID] = s
	return nil
}

func (r *memRegistry) Get(_ context.Context, id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[id]
	if !ok {
		return nil, ErrUnknownSession
	}
	return &s, nil
}

func (r *memRegistry) List(context.Context) ([]Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.rows))
	for _, s := range r.rows {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memRegistry) ListByStatus(ctx context.Context, status Status) ([]Session, error) {
	all, _ := r.List(ctx)
	out := []Session{}
	for _, s := range all {
		if s.Status == status {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *memRegistry) MarkTerminated(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[id]
	if !ok || s.Status == StatusTerminated {
		return nil
	}
	s.Status = StatusTerminated
	s.EndedAt = &at
	r.rows[id] = s
	return nil
}

func (r *memRegistry) Touch(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.rows[id]; ok && at.After(s.LastActivityAt) {
		s.LastActivityAt = at
		r.rows[id] = s
	}
	return nil
}

func (r *memRegistry) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, id)
	return nil
}

func (r *memRegistry) status(id string) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[id]
	return s.Status, ok
}

// chanSink collects events on a bounded channel, like a connection's send
// queue.
type chanSink struct {
	events chan Event

	mu     sync.Mutex
	closed string
}

func newChanSink(depth int) *chanSink {
	return &chanSink{events: make(chan Event, depth)}
}

func (s *chanSink) Send(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

func (s *chanSink) Close(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = reason
}

func (s *chanSink) closedReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// drain returns the events queued so far without waiting.
func (s *chanSink) drain() []Event {
	var out []Event
	for {
		select {
		case ev := <-s.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}
