package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/workspace/session-relay/internal/activity"
	"github.com/workspace/session-relay/internal/audit"
	"github.com/workspace/session-relay/internal/logging"
	"github.com/workspace/session-relay/internal/metadata"
	"github.com/workspace/session-relay/internal/pty"
)

const (
	// registryTimeout bounds registry writes made outside a caller's context.
	registryTimeout = 5 * time.Second
	// reapTimeout is how long a reaper waits for exit after SIGKILL.
	reapTimeout = 5 * time.Second
)

// Config holds configuration for a Manager.
type Config struct {
	Backend  pty.Backend
	Registry Registry

	// Optional collaborators; nil disables them.
	Pipeline *metadata.Pipeline
	Audit    *audit.Recorder
	Activity *activity.Tracker

	DefaultCols        int
	DefaultRows        int
	SpawnTimeout       time.Duration
	KillGracePeriod    time.Duration
	PreserveOnShutdown bool

	// CaptureTimeout bounds the screen capture taken for a resume buffer.
	CaptureTimeout time.Duration

	Clock clock.Clock
}

// Conn identifies an attaching connection.
type Conn struct {
	ID        string
	Principal string
	Sink      Sink
}

// Manager owns the live sessions. It is the only component that mutates
// the session table or any session's master assignment.
type Manager struct {
	cfg Config
	clk clock.Clock

	mu       sync.RWMutex
	sessions map[string]*liveSession
	closing  bool

	reapMu  sync.Mutex
	reaping map[chan struct{}]struct{}
}

// NewManager creates a manager. Call RecoverSessions once before serving.
func NewManager(cfg Config) *Manager {
	if cfg.DefaultCols <= 0 {
		cfg.DefaultCols = 120
	}
	if cfg.DefaultRows <= 0 {
		cfg.DefaultRows = 40
	}
	if cfg.SpawnTimeout <= 0 {
		cfg.SpawnTimeout = 10 * time.Second
	}
	if cfg.KillGracePeriod <= 0 {
		cfg.KillGracePeriod = 5 * time.Second
	}
	if cfg.CaptureTimeout <= 0 {
		cfg.CaptureTimeout = 3 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Manager{
		cfg:      cfg,
		clk:      cfg.Clock,
		sessions: make(map[string]*liveSession),
		reaping:  make(map[chan struct{}]struct{}),
	}
}

// BackendName reports which backing layer hosts the processes.
func (m *Manager) BackendName() string {
	return m.cfg.Backend.Name()
}

func (m *Manager) now() time.Time {
	return m.clk.Now().UTC()
}

// CreateSession registers a new active session and spawns its process
// rooted at projectPath. On spawn failure the registry row is removed.
func (m *Manager) CreateSession(ctx context.Context, projectPath, projectName string) (Session, error) {
	if m.isClosing() {
		return Session{}, ErrShuttingDown
	}
	if err := validateProjectPath(projectPath); err != nil {
		return Session{}, &CreateError{ProjectPath: projectPath, Err: err}
	}
	if projectName == "" && projectPath != "" {
		projectName = filepath.Base(projectPath)
	}

	now := m.now()
	rec := Session{
		ID:             uuid.NewString(),
		ProjectName:    projectName,
		ProjectPath:    projectPath,
		Status:         StatusActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := m.cfg.Registry.Insert(ctx, rec); err != nil {
		return Session{}, &CreateError{ProjectPath: projectPath, Err: err}
	}

	spawnCtx, cancel := context.WithTimeout(ctx, m.cfg.SpawnTimeout)
	defer cancel()
	proc, err := m.cfg.Backend.Spawn(spawnCtx, pty.SpawnRequest{
		SessionID: rec.ID,
		Dir:       projectPath,
		Cols:      m.cfg.DefaultCols,
		Rows:      m.cfg.DefaultRows,
	})
	if err != nil {
		m.rollback(rec.ID)
		return Session{}, &CreateError{ProjectPath: projectPath, Err: err}
	}

	if !m.register(rec, proc) {
		m.reap(context.Background(), proc, logging.ForSession(rec.ID))
		m.rollback(rec.ID)
		return Session{}, ErrShuttingDown
	}

	logging.ForSession(rec.ID).Info("Session created", "projectPath", projectPath, "backend", m.cfg.Backend.Name())
	m.cfg.Audit.Emit(audit.Event{
		Type:      audit.SessionCreated,
		SessionID: rec.ID,
		Detail:    map[string]string{"projectPath": projectPath, "projectName": projectName},
	})
	return rec, nil
}

func validateProjectPath(p string) error {
	if p == "" {
		return nil
	}
	if !filepath.IsAbs(p) {
		return fmt.Errorf("project path must be absolute")
	}
	info, err := os.Stat(p)
	if err != nil {
		return fmt.Errorf("project path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("project path is not a directory")
	}
	return nil
}

func (m *Manager) rollback(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()
	if err := m.cfg.Registry.Delete(ctx, id); err != nil {
		slog.Error("Failed to roll back session record", "sessionID", id, "error", err)
		if err := m.cfg.Registry.MarkTerminated(ctx, id, m.now()); err != nil {
			slog.Error("Failed to terminate session record", "sessionID", id, "error", err)
		}
	}
}

// register starts the session's watcher, publishes the session and then
// starts its event loop. Every path to terminate goes through the table or
// the event loop, so the watcher always exists before it can be stopped.
// register fails once shutdown has begun.
func (m *Manager) register(rec Session, proc pty.Process) bool {
	ls := newLiveSession(rec, proc)

	if m.cfg.Pipeline != nil {
		m.cfg.Pipeline.Start(rec.ID, rec.ProjectPath, ls.offerMetadata)
	}

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		if m.cfg.Pipeline != nil {
			m.cfg.Pipeline.Stop(rec.ID)
		}
		return false
	}
	m.sessions[rec.ID] = ls
	m.mu.Unlock()

	go m.run(ls)
	return true
}

// RecoverSessions reconciles active registry rows with the processes that
// survived a restart. Survivors with a matching row are rebound, rows with
// no survivor are terminated and survivors with no row are adopted. A
// survivor that cannot be rebound, or whose row has already ended, is
// reaped. Running it again against the same state changes nothing.
func (m *Manager) RecoverSessions(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	if m.isClosing() {
		return report, ErrShuttingDown
	}

	survivors, err := m.cfg.Backend.Survivors(ctx)
	if err != nil {
		return report, fmt.Errorf("enumerate survivors: %w", err)
	}
	rows, err := m.cfg.Registry.ListByStatus(ctx, StatusActive)
	if err != nil {
		return report, fmt.Errorf("list active sessions: %w", err)
	}

	byID := lo.SliceToMap(survivors, func(s pty.Survivor) (string, pty.Survivor) {
		return s.SessionID, s
	})
	known := lo.SliceToMap(rows, func(r Session) (string, struct{}) {
		return r.ID, struct{}{}
	})

	for _, row := range rows {
		if m.HasSession(row.ID) {
			continue
		}
		if s, ok := byID[row.ID]; ok {
			proc, err := m.cfg.Backend.Rebind(ctx, s, m.cfg.DefaultCols, m.cfg.DefaultRows)
			if err == nil {
				if m.register(row, proc) {
					report.Rebound = append(report.Rebound, row.ID)
					m.cfg.Audit.Emit(audit.Event{Type: audit.SessionRecovered, SessionID: row.ID})
					continue
				}
				_ = proc.Release()
				return report, ErrShuttingDown
			}
			logging.ForSession(row.ID).Warn("Failed to rebind surviving process", "error", err)
			m.reapSurvivor(ctx, s)
		}

		if err := m.cfg.Registry.MarkTerminated(ctx, row.ID, m.now()); err != nil {
			return report, fmt.Errorf("terminate stale session %s: %w", row.ID, err)
		}
		report.Terminated = append(report.Terminated, row.ID)
		m.cfg.Audit.Emit(audit.Event{Type: audit.SessionReaped, SessionID: row.ID})
	}

	orphans := lo.Filter(survivors, func(s pty.Survivor, _ int) bool {
		_, ok := known[s.SessionID]
		return !ok && !m.HasSession(s.SessionID)
	})
	for _, s := range orphans {
		id, err := m.adopt(ctx, s)
		if err != nil {
			logging.ForSession(s.SessionID).Warn("Failed to adopt surviving process", "error", err)
			continue
		}
		if id != "" {
			report.Adopted = append(report.Adopted, id)
		}
	}

	slog.Info("Session recovery complete",
		"rebound", len(report.Rebound),
		"terminated", len(report.Terminated),
		"adopted", len(report.Adopted),
	)
	return report, nil
}

// adopt creates an active record for a survivor that has none. A survivor
// whose record exists but is no longer active is reaped: terminated
// sessions are never resurrected.
func (m *Manager) adopt(ctx context.Context, s pty.Survivor) (string, error) {
	if existing, err := m.cfg.Registry.Get(ctx, s.SessionID); err == nil {
		logging.ForSession(s.SessionID).Warn("Surviving process belongs to an ended session; reaping", "status", existing.Status)
		m.reapSurvivor(ctx, s)
		return "", nil
	} else if !errors.Is(err, ErrUnknownSession) {
		return "", err
	}

	proc, err := m.cfg.Backend.Rebind(ctx, s, m.cfg.DefaultCols, m.cfg.DefaultRows)
	if err != nil {
		m.reapSurvivor(ctx, s)
		return "", fmt.Errorf("rebind: %w", err)
	}

	now := m.now()
	rec := Session{
		ID:             s.SessionID,
		ProjectName:    filepath.Base(s.Dir),
		ProjectPath:    s.Dir,
		Status:         StatusActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if s.Dir == "" {
		rec.ProjectName = "adopted-" + s.SessionID
	}
	if err := m.cfg.Registry.Insert(ctx, rec); err != nil {
		_ = proc.Release()
		return "", fmt.Errorf("record orphan: %w", err)
	}
	if !m.register(rec, proc) {
		_ = proc.Release()
		return "", ErrShuttingDown
	}
	m.cfg.Audit.Emit(audit.Event{Type: audit.SessionAdopted, SessionID: rec.ID, Detail: map[string]string{"projectPath": s.Dir}})
	return rec.ID, nil
}

// reapSurvivor destroys a backing process nobody will control.
func (m *Manager) reapSurvivor(ctx context.Context, s pty.Survivor) {
	if err := m.cfg.Backend.Reap(ctx, s); err != nil {
		logging.ForSession(s.SessionID).Warn("Failed to reap surviving process", "error", err)
		return
	}
	logging.ForSession(s.SessionID).Info("Surviving process reaped")
}

// Attach binds a connection to a live session. A master request is granted
// only while no master is held; otherwise the connection becomes a viewer.
// The resume buffer is delivered to the sink as the first event, ahead of
// any live output.
//
// The screen capture runs without the session lock. Events broadcast while
// it runs are held for the new connection and delivered after the resume
// buffer, so nothing is lost; a few bytes may appear in both.
func (m *Manager) Attach(sessionID string, conn Conn, desired Role) (AttachResult, error) {
	if m.isClosing() {
		return AttachResult{}, ErrShuttingDown
	}
	ls, ok := m.lookup(sessionID)
	if !ok {
		return AttachResult{}, ErrUnknownSession
	}

	ls.mu.Lock()
	if ls.ended {
		ls.mu.Unlock()
		return AttachResult{}, ErrUnknownSession
	}
	// Re-attaching the same connection starts from a clean slate.
	if _, ok := ls.conns[conn.ID]; ok {
		delete(ls.conns, conn.ID)
		if ls.master == conn.ID {
			ls.master = ""
		}
	}

	role := RoleViewer
	if desired == RoleMaster && ls.master == "" {
		ls.master = conn.ID
		role = RoleMaster
	}
	att := &attachment{role: role, principal: conn.Principal, sink: conn.Sink, pending: true}
	ls.conns[conn.ID] = att
	ls.mu.Unlock()

	resume := m.capture(ls)

	ls.mu.Lock()
	switch {
	case ls.released:
		ls.mu.Unlock()
		return AttachResult{}, ErrShuttingDown
	case ls.ended:
		ls.mu.Unlock()
		return AttachResult{}, ErrUnknownSession
	case att.dropped:
		ls.mu.Unlock()
		return AttachResult{}, ErrBackpressure
	case ls.conns[conn.ID] != att:
		ls.mu.Unlock()
		return AttachResult{}, ErrNotAttached
	}

	// The latest snapshot supersedes any metadata held in the backlog.
	sent := conn.Sink.Send(Event{Type: EventAttached, Role: role, Data: resume})
	if sent && ls.meta != nil {
		sent = conn.Sink.Send(Event{Type: EventMetadata, Metadata: ls.meta})
	}
	for _, ev := range att.backlog {
		if !sent {
			break
		}
		if ev.Type == EventMetadata {
			continue
		}
		sent = conn.Sink.Send(ev)
	}
	att.backlog = nil
	if !sent {
		delete(ls.conns, conn.ID)
		if ls.master == conn.ID {
			ls.master = ""
		}
		ls.mu.Unlock()
		conn.Sink.Close("backpressure")
		ls.logger.Warn("Connection could not take the resume buffer", "connID", conn.ID)
		return AttachResult{}, ErrBackpressure
	}
	att.pending = false
	ls.mu.Unlock()

	m.cfg.Activity.RecordActivity(sessionID)
	ls.logger.Info("Connection attached", "connID", conn.ID, "role", role, "requested", desired)
	m.cfg.Audit.Emit(audit.Event{
		Type: audit.Attach, SessionID: sessionID, ConnID: conn.ID, Principal: conn.Principal,
		Detail: map[string]string{"role": string(role), "requested": string(desired)},
	})
	if role == RoleMaster {
		m.cfg.Audit.Emit(audit.Event{Type: audit.MasterGranted, SessionID: sessionID, ConnID: conn.ID, Principal: conn.Principal})
	}
	return AttachResult{Role: role, Resume: resume}, nil
}

// capture takes the resume buffer, giving up after CaptureTimeout. A failed
// or late capture attaches with an empty buffer.
func (m *Manager) capture(ls *liveSession) []byte {
	type result struct {
		screen []byte
		err    error
	}
	done := make(chan result, 1)
	go func() {
		screen, err := ls.proc.Capture()
		done <- result{screen: screen, err: err}
	}()

	timer := time.NewTimer(m.cfg.CaptureTimeout)
	defer timer.Stop()
	select {
	case r := <-done:
		if r.err != nil {
			ls.logger.Warn("Screen capture failed; attaching without resume buffer", "error", r.err)
			return nil
		}
		return r.screen
	case <-timer.C:
		ls.logger.Warn("Screen capture timed out; attaching without resume buffer", "timeout", m.cfg.CaptureTimeout)
		return nil
	}
}

// Detach releases whatever role connID holds. A released master is not
// handed to anyone else. Detaching twice, or from a session that has
// ended, is a no-op.
func (m *Manager) Detach(sessionID, connID string) {
	ls, ok := m.lookup(sessionID)
	if !ok {
		return
	}
	ls.mu.Lock()
	att, attached := ls.conns[connID]
	if !attached {
		ls.mu.Unlock()
		return
	}
	delete(ls.conns, connID)
	wasMaster := ls.master == connID
	if wasMaster {
		ls.master = ""
	}
	ls.mu.Unlock()

	m.afterDetach(ls, connID, att.principal, wasMaster, "")
}

func (m *Manager) afterDetach(ls *liveSession, connID, principal string, wasMaster bool, reason string) {
	ls.logger.Info("Connection detached", "connID", connID, "wasMaster", wasMaster, "reason", reason)
	if wasMaster {
		m.cfg.Audit.Emit(audit.Event{Type: audit.MasterReleased, SessionID: ls.id, ConnID: connID, Principal: principal})
	}
	ev := audit.Event{Type: audit.Detach, SessionID: ls.id, ConnID: connID, Principal: principal}
	if reason != "" {
		ev.Detail = map[string]string{"reason": reason}
	}
	m.cfg.Audit.Emit(ev)
}

// RequestMaster grants master to connID if nobody holds it. It never
// preempts and never queues: the first claim wins. A granted request,
// including one from the current holder, is confirmed to the caller's sink
// with a roleChanged event.
func (m *Manager) RequestMaster(sessionID, connID string) (bool, error) {
	ls, err := m.liveOrErr(sessionID)
	if err != nil {
		return false, err
	}

	ls.mu.Lock()
	if ls.ended {
		ls.mu.Unlock()
		return false, ErrUnknownSession
	}
	att, ok := ls.conns[connID]
	if !ok || att.pending {
		ls.mu.Unlock()
		return false, ErrNotAttached
	}
	if ls.master == connID {
		att.sink.Send(Event{Type: EventRoleChanged, Role: RoleMaster})
		ls.mu.Unlock()
		return true, nil
	}
	if ls.master != "" {
		ls.mu.Unlock()
		return false, nil
	}
	ls.master = connID
	att.role = RoleMaster
	att.sink.Send(Event{Type: EventRoleChanged, Role: RoleMaster})
	ls.mu.Unlock()

	ls.logger.Info("Master granted", "connID", connID)
	m.cfg.Audit.Emit(audit.Event{Type: audit.MasterGranted, SessionID: sessionID, ConnID: connID, Principal: att.principal})
	return true, nil
}

// ReleaseMaster clears master if connID holds it.
func (m *Manager) ReleaseMaster(sessionID, connID string) error {
	ls, err := m.liveOrErr(sessionID)
	if err != nil {
		return err
	}

	ls.mu.Lock()
	att, ok := ls.conns[connID]
	if !ok || att.pending || ls.master != connID || ls.ended {
		ls.mu.Unlock()
		return nil
	}
	ls.master = ""
	att.role = RoleViewer
	att.sink.Send(Event{Type: EventRoleChanged, Role: RoleViewer})
	ls.mu.Unlock()

	ls.logger.Info("Master released", "connID", connID)
	m.cfg.Audit.Emit(audit.Event{Type: audit.MasterReleased, SessionID: sessionID, ConnID: connID, Principal: att.principal})
	return nil
}

// SendInput forwards data to the process if connID holds master.
func (m *Manager) SendInput(sessionID, connID string, data []byte) error {
	proc, err := m.masterProcess(sessionID, connID)
	if err != nil {
		return err
	}
	if err := proc.Write(data); err != nil {
		return err
	}
	m.cfg.Activity.RecordActivity(sessionID)
	return nil
}

// Resize changes the terminal size. Only the master may resize.
func (m *Manager) Resize(sessionID, connID string, cols, rows int) error {
	if cols <= 0 || rows <= 0 || cols > 1000 || rows > 1000 {
		return ErrInvalidSize
	}
	proc, err := m.masterProcess(sessionID, connID)
	if err != nil {
		return err
	}
	return proc.Resize(cols, rows)
}

// masterProcess checks authority under the session lock and returns the
// process so the write itself happens outside it.
func (m *Manager) masterProcess(sessionID, connID string) (pty.Process, error) {
	ls, err := m.liveOrErr(sessionID)
	if err != nil {
		return nil, err
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.ended {
		return nil, ErrUnknownSession
	}
	if ls.master != connID {
		return nil, ErrNotMaster
	}
	return ls.proc, nil
}

// KillSession terminates the session: attached connections receive a
// sessionEnded event, the watcher is torn down and the record is marked
// terminated. The process is then signalled with escalation in the
// background, independent of ctx, so KillSession returns promptly.
func (m *Manager) KillSession(_ context.Context, sessionID string) error {
	ls, ok := m.lookup(sessionID)
	if !ok {
		return ErrUnknownSession
	}
	if !m.terminate(ls, EndReasonKilled, nil) {
		return ErrUnknownSession
	}
	m.reap(context.Background(), ls.proc, ls.logger)
	return nil
}

// reap sends SIGTERM, then SIGKILL after the grace period or as soon as
// parent ends, without blocking the caller. Shutdown waits for reapers.
func (m *Manager) reap(parent context.Context, proc pty.Process, logger *slog.Logger) {
	done := make(chan struct{})
	m.reapMu.Lock()
	m.reaping[done] = struct{}{}
	m.reapMu.Unlock()

	go func() {
		defer func() {
			m.reapMu.Lock()
			delete(m.reaping, done)
			m.reapMu.Unlock()
			close(done)
		}()
		ctx, cancel := context.WithTimeout(parent, m.cfg.KillGracePeriod+reapTimeout)
		defer cancel()
		if err := pty.KillWithGrace(ctx, proc, m.cfg.KillGracePeriod); err != nil {
			logger.Warn("Process did not exit cleanly", "error", err)
		}
	}()
}

// terminate moves a live session to terminated exactly once. It reports
// false if the session had already ended or was released for shutdown.
func (m *Manager) terminate(ls *liveSession, reason string, exit *pty.ExitStatus) bool {
	ls.mu.Lock()
	if ls.ended || ls.released {
		ls.mu.Unlock()
		return false
	}
	ls.ended = true
	conns := ls.conns
	ls.conns = make(map[string]*attachment)
	ls.master = ""
	var stuck []Sink
	for _, att := range conns {
		// A pending attach learns of the end from Attach itself.
		if att.pending {
			continue
		}
		if !att.sink.Send(Event{Type: EventEnded, Reason: reason, Exit: exit}) {
			stuck = append(stuck, att.sink)
		}
	}
	ls.mu.Unlock()

	for _, s := range stuck {
		s.Close("backpressure")
	}

	m.mu.Lock()
	if m.sessions[ls.id] == ls {
		delete(m.sessions, ls.id)
	}
	m.mu.Unlock()

	// The watcher's publish never takes the session lock, so stopping it
	// here cannot deadlock.
	if m.cfg.Pipeline != nil {
		m.cfg.Pipeline.Stop(ls.id)
	}
	m.cfg.Activity.Forget(ls.id)

	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()
	if err := m.cfg.Registry.MarkTerminated(ctx, ls.id, m.now()); err != nil {
		ls.logger.Error("Failed to mark session terminated", "error", err)
	}

	attrs := []any{"reason", reason, "connections", len(conns)}
	detail := map[string]string{"reason": reason}
	if exit != nil {
		attrs = append(attrs, "exitCode", exit.Code, "signal", exit.Signal)
		detail["exitCode"] = strconv.Itoa(exit.Code)
	}
	ls.logger.Info("Session terminated", attrs...)

	evType := audit.SessionKilled
	if reason == EndReasonExited {
		evType = audit.SessionExited
	}
	m.cfg.Audit.Emit(audit.Event{Type: evType, SessionID: ls.id, Detail: detail})
	return true
}

// HasSession reports whether a live session exists.
func (m *Manager) HasSession(sessionID string) bool {
	_, ok := m.lookup(sessionID)
	return ok
}

// ListSessions returns every known record ordered by creation time.
func (m *Manager) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := m.cfg.Registry.List(ctx)
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(rows, func(a, b Session) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return rows, nil
}

// GetSession returns the stored record for sessionID.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	return m.cfg.Registry.Get(ctx, sessionID)
}

// Presence describes who is attached to a live session.
type Presence struct {
	MasterHeld  bool `json:"masterHeld"`
	Connections int  `json:"connections"`
}

// Presence returns the attachment summary for a live session.
func (m *Manager) Presence(sessionID string) (Presence, error) {
	ls, err := m.liveOrErr(sessionID)
	if err != nil {
		return Presence{}, err
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return Presence{MasterHeld: ls.master != "", Connections: len(ls.conns)}, nil
}

// Snapshot returns the latest metadata for a live session, or nil if none
// has been captured yet.
func (m *Manager) Snapshot(sessionID string) (*metadata.Snapshot, error) {
	ls, err := m.liveOrErr(sessionID)
	if err != nil {
		return nil, err
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.meta, nil
}

// LiveCount returns the number of sessions with a bound process.
func (m *Manager) LiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Shutdown stops accepting attaches, cancels every metadata watcher and
// then either releases the processes (preserve mode) or terminates them
// with a bounded grace period. If ctx ends first, remaining processes are
// sent SIGKILL. Connections receive sessionEnded with reason "shutdown".
// Processes still being reaped after KillSession are waited for too.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return nil
	}
	m.closing = true
	live := lo.Values(m.sessions)
	m.mu.Unlock()

	if m.cfg.Pipeline != nil {
		m.cfg.Pipeline.Close()
	}

	for _, ls := range live {
		if m.cfg.PreserveOnShutdown {
			m.release(ls)
			continue
		}
		if m.terminate(ls, EndReasonShutdown, nil) {
			m.reap(ctx, ls.proc, ls.logger)
		}
	}

	m.reapMu.Lock()
	reapers := lo.Keys(m.reaping)
	m.reapMu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, r := range reapers {
			<-r
		}
		for _, ls := range live {
			<-ls.done
		}
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Session manager stopped", "sessions", len(live), "preserved", m.cfg.PreserveOnShutdown)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session shutdown: %w", ctx.Err())
	}
}

// release drops the local handle but keeps the backing process and its
// active record for the next start's recovery.
func (m *Manager) release(ls *liveSession) {
	ls.mu.Lock()
	if ls.ended || ls.released {
		ls.mu.Unlock()
		return
	}
	ls.released = true
	conns := ls.conns
	ls.conns = make(map[string]*attachment)
	ls.master = ""
	var stuck []Sink
	for _, att := range conns {
		if att.pending {
			continue
		}
		if !att.sink.Send(Event{Type: EventEnded, Reason: EndReasonShutdown}) {
			stuck = append(stuck, att.sink)
		}
	}
	ls.mu.Unlock()

	for _, s := range stuck {
		s.Close("backpressure")
	}

	close(ls.quit)
	if err := ls.proc.Release(); err != nil {
		ls.logger.Warn("Failed to release process handle", "error", err)
	}
}

func (m *Manager) isClosing() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closing
}

func (m *Manager) lookup(id string) (*liveSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ls, ok := m.sessions[id]
	return ls, ok
}

func (m *Manager) liveOrErr(id string) (*liveSession, error) {
	ls, ok := m.lookup(id)
	if !ok {
		return nil, ErrUnknownSession
	}
	return ls, nil
}
