package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workspace/session-relay/internal/metadata"
	"github.com/workspace/session-relay/internal/pty"
)

type harness struct {
	mgr      *Manager
	backend  *fakeBackend
	registry *memRegistry
	clock    *clock.Mock
}

func newHarness(t *testing.T, rows ...Session) *harness {
	t.Helper()
	h := &harness{
		backend:  newFakeBackend(),
		registry: newMemRegistry(rows...),
		clock:    clock.NewMock(),
	}
	h.mgr = NewManager(Config{
		Backend:         h.backend,
		Registry:        h.registry,
		KillGracePeriod: 50 * time.Millisecond,
		SpawnTimeout:    time.Second,
		Clock:           h.clock,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.mgr.Shutdown(ctx)
	})
	return h
}

func (h *harness) create(t *testing.T) (Session, *fakeProcess) {
	t.Helper()
	rec, err := h.mgr.CreateSession(context.Background(), t.TempDir(), "")
	require.NoError(t, err)
	return rec, h.backend.proc(rec.ID)
}

// next waits for the sink's next event.
func next(t *testing.T, s *chanSink) Event {
	t.Helper()
	select {
	case ev := <-s.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func attach(t *testing.T, m *Manager, id, connID string, role Role) (AttachResult, *chanSink) {
	t.Helper()
	sink := newChanSink(64)
	res, err := m.Attach(id, Conn{ID: connID, Sink: sink}, role)
	require.NoError(t, err)
	ev := next(t, sink)
	require.Equal(t, EventAttached, ev.Type)
	require.Equal(t, res.Role, ev.Role)
	return res, sink
}

func TestCreateSession_RegistersActiveRecord(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()

	rec, err := h.mgr.CreateSession(context.Background(), dir, "")
	require.NoError(t, err)

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, filepath.Base(dir), rec.ProjectName)
	assert.Equal(t, StatusActive, rec.Status)
	assert.True(t, h.mgr.HasSession(rec.ID))

	status, ok := h.registry.status(rec.ID)
	require.True(t, ok)
	assert.Equal(t, StatusActive, status)
}

func TestCreateSession_RejectsUnusablePath(t *testing.T) {
	h := newHarness(t)
	file := filepath.Join(t.TempDir(), "file.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	for _, p := range []string{"relative/path", "/does/not/exist", file} {
		_, err := h.mgr.CreateSession(context.Background(), p, "bad")
		var createErr *CreateError
		require.ErrorAs(t, err, &createErr, p)
	}
	rows, _ := h.registry.List(context.Background())
	assert.Empty(t, rows)
}

func TestCreateSession_SpawnFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.backend.spawnErr = errors.New("exec: \"claude\": executable file not found")

	_, err := h.mgr.CreateSession(context.Background(), t.TempDir(), "p")
	var createErr *CreateError
	require.ErrorAs(t, err, &createErr)
	var spawnErr *pty.SpawnError
	assert.ErrorAs(t, err, &spawnErr)

	rows, _ := h.registry.List(context.Background())
	assert.Empty(t, rows, "no orphaned active row")
	assert.Zero(t, h.mgr.LiveCount())
}

func TestCreateSession_HungSpawnTimesOut(t *testing.T) {
	h := newHarness(t)
	h.mgr.cfg.SpawnTimeout = 20 * time.Millisecond
	h.backend.spawnWait = time.Minute

	start := time.Now()
	_, err := h.mgr.CreateSession(context.Background(), t.TempDir(), "p")
	var spawnErr *pty.SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)

	rows, _ := h.registry.List(context.Background())
	assert.Empty(t, rows)
}

func TestAttach_MasterDowngradeAndInputAuthority(t *testing.T) {
	h := newHarness(t)
	rec, proc := h.create(t)

	a, _ := attach(t, h.mgr, rec.ID, "A", RoleMaster)
	assert.Equal(t, RoleMaster, a.Role)
	assert.Equal(t, "$ ", string(a.Resume))

	b, _ := attach(t, h.mgr, rec.ID, "B", RoleMaster)
	assert.Equal(t, RoleViewer, b.Role, "second master request is silently downgraded")

	require.NoError(t, h.mgr.SendInput(rec.ID, "A", []byte("ls\r")))
	assert.ErrorIs(t, h.mgr.SendInput(rec.ID, "B", []byte("rm -rf /\r")), ErrNotMaster)
	assert.Equal(t, []string{"ls\r"}, proc.inputs())
}

func TestAttach_UnknownSession(t *testing.T) {
	h := newHarness(t)
	_, err := h.mgr.Attach("missing", Conn{ID: "A", Sink: newChanSink(1)}, RoleViewer)
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestAttach_ViewerRequestNeverTakesMaster(t *testing.T) {
	h := newHarness(t)
	rec, _ := h.create(t)

	res, _ := attach(t, h.mgr, rec.ID, "A", RoleViewer)
	assert.Equal(t, RoleViewer, res.Role)

	p, err := h.mgr.Presence(rec.ID)
	require.NoError(t, err)
	assert.False(t, p.MasterHeld)
	assert.Equal(t, 1, p.Connections)
}

func TestDetach_MasterIsNotPromotedAutomatically(t *testing.T) {
	h := newHarness(t)
	rec, _ := h.create(t)

	attach(t, h.mgr, rec.ID, "A", RoleMaster)
	_, sinkB := attach(t, h.mgr, rec.ID, "B", RoleViewer)

	h.mgr.Detach(rec.ID, "A")
	h.mgr.Detach(rec.ID, "A")

	p, err := h.mgr.Presence(rec.ID)
	require.NoError(t, err)
	assert.False(t, p.MasterHeld, "no automatic promotion")
	assert.Empty(t, sinkB.drain(), "viewer is not told about a role change it did not get")

	granted, err := h.mgr.RequestMaster(rec.ID, "B")
	require.NoError(t, err)
	assert.True(t, granted)
	ev := next(t, sinkB)
	assert.Equal(t, EventRoleChanged, ev.Type)
	assert.Equal(t, RoleMaster, ev.Role)
	require.NoError(t, h.mgr.SendInput(rec.ID, "B", []byte("y")))
}

func TestRequestMaster_FirstClaimWins(t *testing.T) {
	h := newHarness(t)
	rec, _ := h.create(t)

	const n = 32
	for i := 0; i < n; i++ {
		attach(t, h.mgr, rec.ID, fmt.Sprintf("c%d", i), RoleViewer)
	}

	var granted atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			ok, err := h.mgr.RequestMaster(rec.ID, fmt.Sprintf("c%d", i))
			if err == nil && ok {
				granted.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), granted.Load(), "exactly one concurrent claim succeeds")
	p, _ := h.mgr.Presence(rec.ID)
	assert.True(t, p.MasterHeld)
}

func TestRequestMaster_Errors(t *testing.T) {
	h := newHarness(t)
	rec, _ := h.create(t)

	_, err := h.mgr.RequestMaster(rec.ID, "stranger")
	assert.ErrorIs(t, err, ErrNotAttached)

	_, err = h.mgr.RequestMaster("missing", "A")
	assert.ErrorIs(t, err, ErrUnknownSession)

	attach(t, h.mgr, rec.ID, "A", RoleMaster)
	attach(t, h.mgr, rec.ID, "B", RoleViewer)
	ok, err := h.mgr.RequestMaster(rec.ID, "B")
	require.NoError(t, err)
	assert.False(t, ok, "held master is never preempted")

	ok, err = h.mgr.RequestMaster(rec.ID, "A")
	require.NoError(t, err)
	assert.True(t, ok, "holder asking again keeps master")
}

func TestReleaseMaster(t *testing.T) {
	h := newHarness(t)
	rec, _ := h.create(t)

	_, sinkA := attach(t, h.mgr, rec.ID, "A", RoleMaster)
	attach(t, h.mgr, rec.ID, "B", RoleViewer)

	require.NoError(t, h.mgr.ReleaseMaster(rec.ID, "B"), "non-holder release is a no-op")
	p, _ := h.mgr.Presence(rec.ID)
	assert.True(t, p.MasterHeld)

	require.NoError(t, h.mgr.ReleaseMaster(rec.ID, "A"))
	ev := next(t, sinkA)
	assert.Equal(t, EventRoleChanged, ev.Type)
	assert.Equal(t, RoleViewer, ev.Role)
	assert.ErrorIs(t, h.mgr.SendInput(rec.ID, "A", []byte("x")), ErrNotMaster)
}

func TestResize_MasterOnly(t *testing.T) {
	h := newHarness(t)
	rec, proc := h.create(t)
	attach(t, h.mgr, rec.ID, "A", RoleMaster)
	attach(t, h.mgr, rec.ID, "B", RoleViewer)

	require.NoError(t, h.mgr.Resize(rec.ID, "A", 200, 50))
	assert.ErrorIs(t, h.mgr.Resize(rec.ID, "B", 80, 24), ErrNotMaster)
	assert.ErrorIs(t, h.mgr.Resize(rec.ID, "A", 0, 24), ErrInvalidSize)

	proc.mu.Lock()
	defer proc.mu.Unlock()
	assert.Equal(t, 200, proc.cols)
	assert.Equal(t, 50, proc.rows)
}

func TestOutput_FanOutPreservesOrder(t *testing.T) {
	h := newHarness(t)
	rec, proc := h.create(t)

	const chunks = 100
	sinks := make([]*chanSink, 3)
	for i := range sinks {
		sinks[i] = newChanSink(chunks + 8)
		_, err := h.mgr.Attach(rec.ID, Conn{ID: fmt.Sprintf("c%d", i), Sink: sinks[i]}, RoleViewer)
		require.NoError(t, err)
		require.Equal(t, EventAttached, next(t, sinks[i]).Type)
	}

	for i := 0; i < chunks; i++ {
		proc.emit(fmt.Sprintf("%d,", i))
	}

	for _, s := range sinks {
		for i := 0; i < chunks; i++ {
			ev := next(t, s)
			require.Equal(t, EventOutput, ev.Type)
			require.Equal(t, fmt.Sprintf("%d,", i), string(ev.Data))
		}
	}
}

func TestOutput_SlowConsumerIsDetachedWithoutStallingOthers(t *testing.T) {
	h := newHarness(t)
	rec, proc := h.create(t)

	slow := newChanSink(3)
	_, err := h.mgr.Attach(rec.ID, Conn{ID: "slow", Sink: slow}, RoleMaster)
	require.NoError(t, err)
	_, fast := attach(t, h.mgr, rec.ID, "fast", RoleViewer)

	for i := 0; i < 10; i++ {
		proc.emit("x")
	}
	for i := 0; i < 10; i++ {
		assert.Equal(t, EventOutput, next(t, fast).Type)
	}

	assert.Eventually(t, func() bool { return slow.closedReason() == "backpressure" }, 2*time.Second, 10*time.Millisecond)
	p, _ := h.mgr.Presence(rec.ID)
	assert.Equal(t, 1, p.Connections)
	assert.False(t, p.MasterHeld, "a dropped master releases the role")
}

func TestKillSession_EndsEveryConnectionOnce(t *testing.T) {
	h := newHarness(t)
	rec, proc := h.create(t)

	_, sinkA := attach(t, h.mgr, rec.ID, "A", RoleMaster)
	_, sinkB := attach(t, h.mgr, rec.ID, "B", RoleViewer)

	require.NoError(t, h.mgr.KillSession(context.Background(), rec.ID))

	for _, s := range []*chanSink{sinkA, sinkB} {
		ev := next(t, s)
		assert.Equal(t, EventEnded, ev.Type)
		assert.Equal(t, EndReasonKilled, ev.Reason)
	}

	<-proc.Exited()
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, sinkA.drain())
	assert.Empty(t, sinkB.drain())

	assert.False(t, h.mgr.HasSession(rec.ID))
	status, _ := h.registry.status(rec.ID)
	assert.Equal(t, StatusTerminated, status)

	_, err := h.mgr.Attach(rec.ID, Conn{ID: "C", Sink: newChanSink(4)}, RoleViewer)
	assert.ErrorIs(t, err, ErrUnknownSession, "terminated sessions cannot be re-attached")
	assert.ErrorIs(t, h.mgr.KillSession(context.Background(), rec.ID), ErrUnknownSession)
}

func TestProcessExit_TerminatesSession(t *testing.T) {
	h := newHarness(t)
	rec, proc := h.create(t)
	_, sink := attach(t, h.mgr, rec.ID, "A", RoleMaster)

	proc.emit("bye\r\n")
	proc.exit(pty.ExitStatus{Code: 0})

	ev := next(t, sink)
	require.Equal(t, EventOutput, ev.Type, "buffered output is delivered before the end")
	ev = next(t, sink)
	require.Equal(t, EventEnded, ev.Type)
	assert.Equal(t, EndReasonExited, ev.Reason)
	require.NotNil(t, ev.Exit)
	assert.Equal(t, 0, ev.Exit.Code)

	require.Eventually(t, func() bool {
		status, _ := h.registry.status(rec.ID)
		return status == StatusTerminated
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, h.mgr.HasSession(rec.ID))
}

func TestMetadata_BroadcastAndLatestSnapshot(t *testing.T) {
	h := newHarness(t)
	rec, _ := h.create(t)
	_, sink := attach(t, h.mgr, rec.ID, "A", RoleViewer)

	ls, ok := h.mgr.lookup(rec.ID)
	require.True(t, ok)
	cost := 1.5
	ls.offerMetadata(metadata.Snapshot{SessionID: rec.ID, Source: metadata.SourceStatusFile, CostUSD: &cost})

	ev := next(t, sink)
	require.Equal(t, EventMetadata, ev.Type)
	assert.Equal(t, metadata.SourceStatusFile, ev.Metadata.Source)

	snap, err := h.mgr.Snapshot(rec.ID)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 1.5, *snap.CostUSD)

	// Late joiners receive the latest snapshot right after the resume buffer.
	_, late := attach(t, h.mgr, rec.ID, "B", RoleViewer)
	ev = next(t, late)
	assert.Equal(t, EventMetadata, ev.Type)
}

func TestRecoverSessions_TerminatesRowsWithoutProcess(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h := newHarness(t, Session{ID: "s1", Status: StatusActive, CreatedAt: created})

	report, err := h.mgr.RecoverSessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, report.Terminated)

	assert.False(t, h.mgr.HasSession("s1"))
	rec, err := h.registry.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusTerminated, rec.Status)
	require.NotNil(t, rec.EndedAt)
	assert.True(t, rec.EndedAt.Equal(h.clock.Now().UTC()))
}

func TestRecoverSessions_RebindsAndAdoptsIdempotently(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h := newHarness(t,
		Session{ID: "live", Status: StatusActive, CreatedAt: created},
		Session{ID: "gone", Status: StatusActive, CreatedAt: created.Add(time.Minute)},
		Session{ID: "old", Status: StatusTerminated, CreatedAt: created.Add(2 * time.Minute)},
	)
	orphanDir := t.TempDir()
	h.backend.survivors = []pty.Survivor{
		{SessionID: "live", Dir: "/srv/live"},
		{SessionID: "orphan", Dir: orphanDir},
		{SessionID: "old"},
	}

	report, err := h.mgr.RecoverSessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"live"}, report.Rebound)
	assert.Equal(t, []string{"gone"}, report.Terminated)
	assert.Equal(t, []string{"orphan"}, report.Adopted)

	assert.True(t, h.mgr.HasSession("live"))
	assert.True(t, h.mgr.HasSession("orphan"))
	assert.False(t, h.mgr.HasSession("old"), "terminated sessions are never resurrected")
	assert.Equal(t, []string{"old"}, h.backend.reapedIDs(), "a terminated session's survivor is reaped")

	orphan, err := h.registry.Get(context.Background(), "orphan")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, orphan.Status)
	assert.Equal(t, filepath.Base(orphanDir), orphan.ProjectName)

	before, _ := h.registry.List(context.Background())
	rebinds := h.backend.rebinds

	report, err = h.mgr.RecoverSessions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Rebound)
	assert.Empty(t, report.Terminated)
	assert.Empty(t, report.Adopted)

	after, _ := h.registry.List(context.Background())
	assert.Equal(t, before, after, "second pass leaves the registry unchanged")
	assert.Equal(t, rebinds, h.backend.rebinds)
}

func TestRecoverSessions_FailedRebindTerminates(t *testing.T) {
	h := newHarness(t, Session{ID: "s1", Status: StatusActive})
	h.backend.survivors = []pty.Survivor{{SessionID: "s1"}}
	h.backend.rebindErr = errors.New("attach failed")

	report, err := h.mgr.RecoverSessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, report.Terminated)
	assert.Equal(t, []string{"s1"}, h.backend.reapedIDs(), "an unbindable survivor is not left running")
}

func TestRecoverSessions_FailedAdoptReapsSurvivor(t *testing.T) {
	h := newHarness(t)
	h.backend.survivors = []pty.Survivor{{SessionID: "orphan", Dir: t.TempDir()}}
	h.backend.rebindErr = errors.New("attach failed")

	report, err := h.mgr.RecoverSessions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Adopted)
	assert.Equal(t, []string{"orphan"}, h.backend.reapedIDs())
	_, err = h.registry.Get(context.Background(), "orphan")
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestRecoverSessions_ReapFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, Session{ID: "s1", Status: StatusActive})
	h.backend.survivors = []pty.Survivor{{SessionID: "s1"}}
	h.backend.rebindErr = errors.New("attach failed")
	h.backend.reapErr = errors.New("kill-session failed")

	report, err := h.mgr.RecoverSessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, report.Terminated)
}

func TestListSessions_OrderedByCreation(t *testing.T) {
	h := newHarness(t)
	first, _ := h.create(t)
	h.clock.Add(time.Second)
	second, _ := h.create(t)

	list, err := h.mgr.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)
}

func TestShutdown_TerminatesAndRejectsNewWork(t *testing.T) {
	h := newHarness(t)
	rec, proc := h.create(t)
	_, sink := attach(t, h.mgr, rec.ID, "A", RoleMaster)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.mgr.Shutdown(ctx))

	ev := next(t, sink)
	assert.Equal(t, EventEnded, ev.Type)
	assert.Equal(t, EndReasonShutdown, ev.Reason)
	<-proc.Exited()

	status, _ := h.registry.status(rec.ID)
	assert.Equal(t, StatusTerminated, status)

	_, err := h.mgr.CreateSession(context.Background(), t.TempDir(), "p")
	assert.ErrorIs(t, err, ErrShuttingDown)
	_, err = h.mgr.Attach(rec.ID, Conn{ID: "B", Sink: newChanSink(1)}, RoleViewer)
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestShutdown_PreserveReleasesHandles(t *testing.T) {
	h := newHarness(t)
	h.mgr.cfg.PreserveOnShutdown = true
	rec, proc := h.create(t)
	_, sink := attach(t, h.mgr, rec.ID, "A", RoleViewer)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.mgr.Shutdown(ctx))

	assert.Equal(t, EventEnded, next(t, sink).Type)
	assert.True(t, proc.wasReleased())
	proc.mu.Lock()
	assert.Empty(t, proc.signals, "preserved processes are not signalled")
	proc.mu.Unlock()

	status, _ := h.registry.status(rec.ID)
	assert.Equal(t, StatusActive, status, "row stays active for the next recovery")
}

func TestKillSession_StubbornProcessIsKilledInBackground(t *testing.T) {
	h := newHarness(t)
	rec, proc := h.create(t)
	proc.mu.Lock()
	proc.stubborn = true
	proc.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	require.NoError(t, h.mgr.KillSession(ctx, rec.ID))
	assert.Less(t, time.Since(start), time.Second, "KillSession does not wait for the process")
	assert.False(t, h.mgr.HasSession(rec.ID))

	select {
	case <-proc.Exited():
	case <-time.After(2 * time.Second):
		t.Fatal("process ignoring SIGTERM was never killed")
	}
	assert.Equal(t, []os.Signal{syscall.SIGTERM, syscall.SIGKILL}, proc.sent())
	assert.Equal(t, "killed", proc.ExitStatus().Signal)
}

func TestShutdown_ContextEndKillsStubbornProcess(t *testing.T) {
	h := newHarness(t)
	h.mgr.cfg.KillGracePeriod = time.Minute
	_, proc := h.create(t)
	proc.mu.Lock()
	proc.stubborn = true
	proc.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := h.mgr.Shutdown(ctx)
	if err != nil {
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	}

	select {
	case <-proc.Exited():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown deadline passed without SIGKILL")
	}
	assert.Contains(t, proc.sent(), os.Signal(syscall.SIGKILL))
}

func TestRegister_ExitedProcessLeavesNoWatcher(t *testing.T) {
	backend := newFakeBackend()
	backend.exitOnSpawn = true
	pipe := metadata.NewPipeline(metadata.Config{DisableNotify: true})
	defer pipe.Close()
	registry := newMemRegistry()
	mgr := NewManager(Config{
		Backend:         backend,
		Registry:        registry,
		Pipeline:        pipe,
		KillGracePeriod: 50 * time.Millisecond,
		SpawnTimeout:    time.Second,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})

	dir := t.TempDir()
	var ids []string
	for i := 0; i < 200; i++ {
		rec, err := mgr.CreateSession(context.Background(), dir, "p")
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}
	// The row is marked terminated after the watcher is stopped.
	for _, id := range ids {
		require.Eventually(t, func() bool {
			status, _ := registry.status(id)
			return status == StatusTerminated
		}, 2*time.Second, 5*time.Millisecond)
		assert.False(t, mgr.HasSession(id))
		assert.False(t, pipe.Watching(id), "watcher outlived session %s", id)
	}
}

func TestAttach_SlowCaptureDoesNotStallOutput(t *testing.T) {
	h := newHarness(t)
	rec, proc := h.create(t)
	_, viewer := attach(t, h.mgr, rec.ID, "A", RoleViewer)

	gate := make(chan struct{})
	proc.mu.Lock()
	proc.captureGate = gate
	proc.mu.Unlock()

	type outcome struct {
		res AttachResult
		err error
	}
	sink := newChanSink(64)
	done := make(chan outcome, 1)
	go func() {
		res, err := h.mgr.Attach(rec.ID, Conn{ID: "B", Sink: sink}, RoleMaster)
		done <- outcome{res: res, err: err}
	}()
	require.Eventually(t, func() bool {
		p, _ := h.mgr.Presence(rec.ID)
		return p.Connections == 2
	}, 2*time.Second, 5*time.Millisecond)

	proc.emit("during")
	ev := next(t, viewer)
	require.Equal(t, EventOutput, ev.Type)
	assert.Equal(t, "during", string(ev.Data))

	select {
	case <-done:
		t.Fatal("attach returned before the capture finished")
	default:
	}
	close(gate)

	var got outcome
	select {
	case got = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("attach did not finish")
	}
	require.NoError(t, got.err)
	assert.Equal(t, RoleMaster, got.res.Role)

	ev = next(t, sink)
	require.Equal(t, EventAttached, ev.Type)
	assert.Equal(t, "$ ", string(ev.Data))
	ev = next(t, sink)
	require.Equal(t, EventOutput, ev.Type, "output produced during the capture follows the resume buffer")
	assert.Equal(t, "during", string(ev.Data))
}

func TestAttach_CaptureTimeoutAttachesWithoutResume(t *testing.T) {
	h := newHarness(t)
	h.mgr.cfg.CaptureTimeout = 30 * time.Millisecond
	rec, proc := h.create(t)

	gate := make(chan struct{})
	t.Cleanup(func() { close(gate) })
	proc.mu.Lock()
	proc.captureGate = gate
	proc.mu.Unlock()

	res, sink := attach(t, h.mgr, rec.ID, "A", RoleMaster)
	assert.Nil(t, res.Resume)
	assert.Equal(t, RoleMaster, res.Role)

	proc.emit("after")
	ev := next(t, sink)
	assert.Equal(t, EventOutput, ev.Type)
}

func TestAttach_FullSinkIsBackpressure(t *testing.T) {
	h := newHarness(t)
	rec, _ := h.create(t)

	full := newChanSink(0)
	_, err := h.mgr.Attach(rec.ID, Conn{ID: "A", Sink: full}, RoleMaster)
	require.ErrorIs(t, err, ErrBackpressure)
	assert.Equal(t, "backpressure", full.closedReason())

	p, err := h.mgr.Presence(rec.ID)
	require.NoError(t, err)
	assert.Zero(t, p.Connections)
	assert.False(t, p.MasterHeld, "a refused connection does not keep the master role")

	res, _ := attach(t, h.mgr, rec.ID, "B", RoleMaster)
	assert.Equal(t, RoleMaster, res.Role)
}
