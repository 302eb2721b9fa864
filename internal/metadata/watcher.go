package metadata

import (
	"errors"
	"io"
	stdlog "log"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fsnotify/fsnotify"
	"github.com/hpcloud/tail"
)

// Watcher observes one session's project directory. It owns a change
// subscription, a log follower and a fallback poll timer; Stop cancels all
// three and no snapshot is published once Stop returns.
type Watcher struct {
	sessionID  string
	statusPath string
	logPath    string
	cfg        Config
	clk        clock.Clock
	publish    func(Snapshot)
	logger     *slog.Logger

	notify   *fsnotify.Watcher
	follower *tail.Tail
	changed  chan struct{}

	linesMu sync.Mutex
	lines   []string

	degraded atomic.Bool
	stopOnce sync.Once
	stopC    chan struct{}
	doneC    chan struct{}
}

func newWatcher(sessionID, projectPath string, cfg Config, publish func(Snapshot)) *Watcher {
	w := &Watcher{
		sessionID:  sessionID,
		statusPath: resolve(projectPath, cfg.StatusFile),
		logPath:    resolve(projectPath, cfg.LogFile),
		cfg:        cfg,
		clk:        cfg.Clock,
		publish:    publish,
		logger:     slog.With("sessionID", sessionID, "component", "metadata"),
		changed:    make(chan struct{}, 1),
		stopC:      make(chan struct{}),
		doneC:      make(chan struct{}),
	}

	if !cfg.DisableNotify {
		w.notify = w.subscribe(projectPath)
	}
	w.follower = w.followLog()
	return w
}

func resolve(projectPath, name string) string {
	if name == "" {
		return ""
	}
	if filepath.IsAbs(name) {
		return filepath.Clean(name)
	}
	return filepath.Join(projectPath, name)
}

// subscribe watches the status file's directory, or the project directory
// when that does not exist yet. Returns nil when neither can be watched.
func (w *Watcher) subscribe(projectPath string) *fsnotify.Watcher {
	if w.statusPath == "" {
		return nil
	}
	nw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("Change subscription unavailable, polling only", "error", err)
		return nil
	}
	for _, dir := range []string{filepath.Dir(w.statusPath), projectPath} {
		if dir == "" {
			continue
		}
		if err := nw.Add(dir); err == nil {
			w.logger.Debug("Watching for status changes", "dir", dir)
			return nw
		}
	}
	nw.Close()
	w.logger.Debug("No watchable directory, polling only", "statusFile", w.statusPath)
	return nil
}

func (w *Watcher) followLog() *tail.Tail {
	if w.logPath == "" {
		return nil
	}
	t, err := tail.TailFile(w.logPath, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		Poll:      true,
		Location:  &tail.SeekInfo{Offset: 0, Whence: io.SeekStart},
		Logger:    stdlog.New(io.Discard, "", 0),
	})
	if err != nil {
		w.logger.Debug("Log follower unavailable", "path", w.logPath, "error", err)
		return nil
	}
	go func() {
		for line := range t.Lines {
			if line == nil || line.Err != nil {
				continue
			}
			w.appendLine(line.Text)
			w.signal()
		}
	}()
	return t
}

func (w *Watcher) appendLine(text string) {
	w.linesMu.Lock()
	defer w.linesMu.Unlock()
	w.lines = append(w.lines, text)
	if extra := len(w.lines) - w.cfg.TailLines; extra > 0 {
		w.lines = append(w.lines[:0], w.lines[extra:]...)
	}
}

func (w *Watcher) tailLines() []string {
	w.linesMu.Lock()
	defer w.linesMu.Unlock()
	out := make([]string, len(w.lines))
	copy(out, w.lines)
	return out
}

func (w *Watcher) signal() {
	select {
	case w.changed <- struct{}{}:
	default:
	}
}

// Degraded reports whether the change subscription has failed and the
// watcher is polling only.
func (w *Watcher) Degraded() bool {
	return w.degraded.Load() || w.notify == nil
}

func (w *Watcher) start() {
	go w.run()
}

// Stop tears the watcher down and waits for its loop to exit. It must not be
// called from the publish callback.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopC) })
	<-w.doneC
}

func (w *Watcher) run() {
	defer close(w.doneC)
	defer w.teardown()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if w.notify != nil {
		events = w.notify.Events
		errs = w.notify.Errors
	}

	snap := w.collect()
	timer := w.clk.Timer(w.interval(snap.Source))
	defer timer.Stop()
	w.emit(snap)

	var debounce *clock.Timer
	var debounceC <-chan time.Time
	arm := func() {
		if debounceC != nil {
			return
		}
		debounce = w.clk.Timer(w.cfg.Debounce)
		debounceC = debounce.C
	}
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-w.stopC:
			return

		case ev, ok := <-events:
			if !ok {
				w.dropSubscription(errors.New("event stream closed"))
				events, errs = nil, nil
				continue
			}
			if filepath.Clean(ev.Name) == w.statusPath {
				arm()
			}

		case err, ok := <-errs:
			if !ok {
				err = errors.New("error stream closed")
			}
			w.dropSubscription(err)
			events, errs = nil, nil

		case <-w.changed:
			arm()

		case <-debounceC:
			debounceC = nil
			w.refresh(timer)

		case <-timer.C:
			w.refresh(timer)
		}
	}
}

// refresh captures, re-arms the poll timer for the new source and publishes.
func (w *Watcher) refresh(timer *clock.Timer) {
	snap := w.collect()
	timer.Stop()
	timer.Reset(w.interval(snap.Source))
	w.emit(snap)
}

// dropSubscription closes the broken change subscription before the loop
// continues on the poll timer alone.
func (w *Watcher) dropSubscription(err error) {
	if w.degraded.Swap(true) {
		return
	}
	failure := &WatchFailure{SessionID: w.sessionID, Err: err}
	w.logger.Warn("Metadata subscription failed, falling back to polling", "error", failure)
	if cerr := w.notify.Close(); cerr != nil {
		w.logger.Debug("Closing failed subscription", "error", cerr)
	}
}

func (w *Watcher) teardown() {
	if w.notify != nil && !w.degraded.Load() {
		w.notify.Close()
	}
	if w.follower != nil {
		_ = w.follower.Stop()
		w.follower.Cleanup()
	}
}

func (w *Watcher) interval(src Source) time.Duration {
	if src == SourceUnavailable {
		return w.cfg.UnavailableInterval
	}
	return w.cfg.PollInterval
}

// collect reads the preferred source, falling back to the log tail and then
// to an unavailable marker.
func (w *Watcher) collect() Snapshot {
	snap, ok := w.fromStatusFile()
	if !ok {
		snap, ok = w.fromLogTail()
	}
	if !ok {
		snap = Snapshot{Source: SourceUnavailable}
	}
	snap.SessionID = w.sessionID
	snap.CapturedAt = w.clk.Now()
	return snap
}

func (w *Watcher) fromStatusFile() (Snapshot, bool) {
	if w.statusPath == "" {
		return Snapshot{}, false
	}
	b, err := readBounded(w.statusPath, w.cfg.MaxStatusBytes)
	if err != nil {
		return Snapshot{}, false
	}
	return parseStatusFile(b)
}

func (w *Watcher) fromLogTail() (Snapshot, bool) {
	if w.logPath == "" {
		return Snapshot{}, false
	}
	f, err := os.Open(w.logPath)
	if err != nil {
		return Snapshot{}, false
	}
	f.Close()
	return parseLogTail(w.tailLines()), true
}

func (w *Watcher) emit(snap Snapshot) {
	select {
	case <-w.stopC:
		return
	default:
	}
	w.publish(snap)
}

func readBounded(path string, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, limit))
}
