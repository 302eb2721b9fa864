package session

import (
	"log/slog"
	"sync"

	"github.com/workspace/session-relay/internal/logging"
	"github.com/workspace/session-relay/internal/metadata"
	"github.com/workspace/session-relay/internal/pty"
)

// maxAttachBacklog bounds the events held for a connection whose resume
// capture is still running.
const maxAttachBacklog = 1024

type attachment struct {
	role      Role
	principal string
	sink      Sink

	// pending is set until the attached event has been delivered; events
	// broadcast meanwhile wait in backlog.
	pending bool
	backlog []Event
	dropped bool
}

// liveSession is the mutable state of one session with a bound process.
// mu serializes every role change, attach, detach and fan-out for this
// session only.
type liveSession struct {
	id     string
	proc   pty.Process
	logger *slog.Logger

	mu       sync.Mutex
	rec      Session
	master   string
	conns    map[string]*attachment
	meta     *metadata.Snapshot
	ended    bool
	released bool

	// metaC holds at most one pending snapshot; a newer one replaces it.
	metaC chan metadata.Snapshot
	quit  chan struct{}
	done  chan struct{}
}

func newLiveSession(rec Session, proc pty.Process) *liveSession {
	return &liveSession{
		id:     rec.ID,
		proc:   proc,
		logger: logging.ForSession(rec.ID),
		rec:    rec,
		conns:  make(map[string]*attachment),
		metaC:  make(chan metadata.Snapshot, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// offerMetadata is the pipeline's publish callback. It never blocks and
// never takes the session lock.
func (ls *liveSession) offerMetadata(s metadata.Snapshot) {
	select {
	case ls.metaC <- s:
		return
	default:
	}
	select {
	case <-ls.metaC:
	default:
	}
	select {
	case ls.metaC <- s:
	default:
	}
}

// run is the session's event loop. Output chunks, metadata snapshots and
// the exit notification are all handled here, so every connection sees
// them in one order.
func (m *Manager) run(ls *liveSession) {
	defer close(ls.done)

	output := ls.proc.Output()
	exited := ls.proc.Exited()
	for {
		select {
		case <-ls.quit:
			return

		case chunk, ok := <-output:
			if !ok {
				output = nil
				continue
			}
			m.broadcast(ls, Event{Type: EventOutput, Data: chunk}, nil)

		case snap := <-ls.metaC:
			m.broadcast(ls, Event{Type: EventMetadata, Metadata: &snap}, &snap)

		case <-exited:
			if output != nil {
				for chunk := range output {
					m.broadcast(ls, Event{Type: EventOutput, Data: chunk}, nil)
				}
			}
			status := ls.proc.ExitStatus()
			m.terminate(ls, EndReasonExited, &status)
			return
		}
	}
}

// broadcast delivers ev to every attached connection. A connection whose
// backlog is full is detached and closed; the producer never waits on it.
func (m *Manager) broadcast(ls *liveSession, ev Event, snap *metadata.Snapshot) {
	type dropped struct {
		connID    string
		principal string
		sink      Sink
		wasMaster bool
		pending   bool
	}
	var slow []dropped

	ls.mu.Lock()
	if ls.ended || ls.released {
		ls.mu.Unlock()
		return
	}
	if snap != nil {
		ls.meta = snap
	}
	for connID, att := range ls.conns {
		if att.pending {
			if len(att.backlog) < maxAttachBacklog {
				att.backlog = append(att.backlog, ev)
				continue
			}
		} else if att.sink.Send(ev) {
			continue
		}
		delete(ls.conns, connID)
		att.dropped = true
		wasMaster := ls.master == connID
		if wasMaster {
			ls.master = ""
		}
		slow = append(slow, dropped{connID: connID, principal: att.principal, sink: att.sink, wasMaster: wasMaster, pending: att.pending})
	}
	ls.mu.Unlock()

	for _, d := range slow {
		d.sink.Close("backpressure")
		if !d.pending {
			m.afterDetach(ls, d.connID, d.principal, d.wasMaster, "backpressure")
		}
	}
}
