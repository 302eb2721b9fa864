package metadata

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Config holds configuration for the metadata pipeline. StatusFile and
// LogFile are resolved against each session's project path unless absolute.
type Config struct {
	StatusFile          string
	LogFile             string
	PollInterval        time.Duration
	UnavailableInterval time.Duration
	Debounce            time.Duration
	TailLines           int
	MaxStatusBytes      int64

	// DisableNotify skips the change subscription and polls only.
	DisableNotify bool
	Clock         clock.Clock
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		StatusFile:          ".claude/status.json",
		LogFile:             ".claude/session.log",
		PollInterval:        5 * time.Second,
		UnavailableInterval: 30 * time.Second,
		Debounce:            250 * time.Millisecond,
		TailLines:           200,
		MaxStatusBytes:      1 << 20,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.UnavailableInterval <= 0 {
		c.UnavailableInterval = def.UnavailableInterval
	}
	if c.Debounce <= 0 {
		c.Debounce = def.Debounce
	}
	if c.TailLines <= 0 {
		c.TailLines = def.TailLines
	}
	if c.MaxStatusBytes <= 0 {
		c.MaxStatusBytes = def.MaxStatusBytes
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}

// Pipeline owns one Watcher per session with a project path.
type Pipeline struct {
	cfg Config

	mu       sync.Mutex
	watchers map[string]*Watcher
	closed   bool
}

// NewPipeline creates an empty pipeline.
func NewPipeline(cfg Config) *Pipeline {
	return &Pipeline{
		cfg:      cfg.withDefaults(),
		watchers: make(map[string]*Watcher),
	}
}

// Start begins watching projectPath for sessionID. It is a no-op when the
// session is already watched, the path is empty or the pipeline is closed.
// publish is called from the watcher's goroutine and must not block on
// Stop.
func (p *Pipeline) Start(sessionID, projectPath string, publish func(Snapshot)) {
	if projectPath == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if _, ok := p.watchers[sessionID]; ok {
		return
	}
	w := newWatcher(sessionID, projectPath, p.cfg, publish)
	p.watchers[sessionID] = w
	w.start()
	slog.Debug("Metadata watcher started", "sessionID", sessionID, "projectPath", projectPath, "polling", w.Degraded())
}

// Stop tears down the session's watcher and waits for it to exit.
func (p *Pipeline) Stop(sessionID string) {
	p.mu.Lock()
	w, ok := p.watchers[sessionID]
	delete(p.watchers, sessionID)
	p.mu.Unlock()
	if ok {
		w.Stop()
	}
}

// Watching reports whether sessionID has a live watcher.
func (p *Pipeline) Watching(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.watchers[sessionID]
	return ok
}

// Close stops every watcher and rejects further starts.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	watchers := p.watchers
	p.watchers = make(map[string]*Watcher)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range watchers {
		wg.Add(1)
		go func(w *Watcher) {
			defer wg.Done()
			w.Stop()
		}(w)
	}
	wg.Wait()
}
