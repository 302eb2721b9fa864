// Package session owns the live interactive sessions: their processes,
// master/viewer arbitration and startup recovery.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/workspace/session-relay/internal/metadata"
	"github.com/workspace/session-relay/internal/pty"
)

// Status is the lifecycle state of a session record.
type Status string

const (
	StatusActive Status = "active"
	// StatusIdle is part of the stored schema but never assigned.
	StatusIdle       Status = "idle"
	StatusTerminated Status = "terminated"
)

// Role is the access a connection holds on a session.
type Role string

const (
	RoleMaster Role = "master"
	RoleViewer Role = "viewer"
)

// Valid reports whether r names a known role.
func (r Role) Valid() bool {
	return r == RoleMaster || r == RoleViewer
}

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrNotMaster      = errors.New("connection does not hold master")
	ErrNotAttached    = errors.New("connection is not attached")
	ErrShuttingDown   = errors.New("session manager is shutting down")
	ErrInvalidSize    = errors.New("invalid terminal size")
	ErrBackpressure   = errors.New("connection cannot keep up with the session")
)

// CreateError reports a session that could not be created because the
// project path is unusable or the process failed to spawn.
type CreateError struct {
	ProjectPath string
	Err         error
}

func (e *CreateError) Error() string {
	return fmt.Sprintf("create session for %q: %v", e.ProjectPath, e.Err)
}

func (e *CreateError) Unwrap() error {
	return e.Err
}

// Session is the durable record of one tracked interactive process.
type Session struct {
	ID             string     `json:"id"`
	ProjectName    string     `json:"projectName"`
	ProjectPath    string     `json:"projectPath,omitempty"`
	Status         Status     `json:"status"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastActivityAt time.Time  `json:"lastActivityAt"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
}

// Registry is the durable store of session records. It is the source of
// truth across restarts.
type Registry interface {
	Insert(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (*Session, error)
	// List returns every record ordered by creation time.
	List(ctx context.Context) ([]Session, error)
	ListByStatus(ctx context.Context, status Status) ([]Session, error)
	MarkTerminated(ctx context.Context, id string, endedAt time.Time) error
	Touch(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
}

// EventType discriminates the events delivered to a Sink.
type EventType string

const (
	// EventAttached carries the granted role and the resume buffer; it is
	// always the first event a connection receives after Attach.
	EventAttached    EventType = "attached"
	EventOutput      EventType = "output"
	EventRoleChanged EventType = "roleChanged"
	EventMetadata    EventType = "metadata"
	EventEnded       EventType = "sessionEnded"
)

// End reasons carried by EventEnded.
const (
	EndReasonKilled   = "killed"
	EndReasonExited   = "exited"
	EndReasonShutdown = "shutdown"
)

// Event is one message fanned out to an attached connection.
type Event struct {
	Type     EventType
	Data     []byte
	Role     Role
	Metadata *metadata.Snapshot
	Reason   string
	Exit     *pty.ExitStatus
}

// Sink receives a connection's share of a session's events.
//
// Send must not block; it returns false when the connection's backlog is
// full, which detaches it. Close is called once when the manager drops the
// connection for backpressure.
type Sink interface {
	Send(ev Event) bool
	Close(reason string)
}

// AttachResult is returned by Attach.
type AttachResult struct {
	Role   Role
	Resume []byte
}

// RecoveryReport summarizes one RecoverSessions pass.
type RecoveryReport struct {
	Rebound    []string
	Terminated []string
	Adopted    []string
}
