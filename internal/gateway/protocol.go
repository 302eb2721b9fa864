package gateway

import (
	"encoding/json"
	"errors"

	"github.com/workspace/session-relay/internal/metadata"
	"github.com/workspace/session-relay/internal/pty"
	"github.com/workspace/session-relay/internal/session"
)

// Client to server message types.
const (
	MsgAttach        = "attach"
	MsgInput         = "input"
	MsgResize        = "resize"
	MsgRequestMaster = "requestMaster"
	MsgReleaseMaster = "releaseMaster"
	MsgDetach        = "detach"
	MsgPing          = "ping"
)

// Server to client message types.
const (
	MsgAttached     = "attached"
	MsgOutput       = "output"
	MsgRoleChanged  = "roleChanged"
	MsgMetadata     = "metadata"
	MsgSessionEnded = "sessionEnded"
	MsgError        = "error"
	MsgPong         = "pong"
)

// Error codes reported in error messages. Raw error text is never sent.
const (
	CodeUnknownSession = "UNKNOWN_SESSION"
	CodeNotMaster      = "NOT_MASTER"
	CodeNotAttached    = "NOT_ATTACHED"
	CodeMasterHeld     = "MASTER_HELD"
	CodeProcessClosed  = "PROCESS_CLOSED"
	CodeBadMessage     = "BAD_MESSAGE"
	CodeShuttingDown   = "SHUTTING_DOWN"
	CodeInternal       = "INTERNAL"
)

// envelope is the frame shape in both directions.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type attachRequest struct {
	SessionID string       `json:"sessionId"`
	Role      session.Role `json:"role"`
}

type inputRequest struct {
	Data string `json:"data"`
}

type resizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

type attachedPayload struct {
	SessionID string       `json:"sessionId"`
	Role      session.Role `json:"role"`
	Resume    string       `json:"resume"`
}

type outputPayload struct {
	Data string `json:"data"`
}

type rolePayload struct {
	Role session.Role `json:"role"`
}

type metadataPayload struct {
	Snapshot *metadata.Snapshot `json:"snapshot"`
}

type endedPayload struct {
	Reason   string `json:"reason"`
	ExitCode *int   `json:"exitCode,omitempty"`
	Signal   string `json:"signal,omitempty"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Request string `json:"request,omitempty"`
}

func marshalFrame(msgType string, payload any) ([]byte, error) {
	env := envelope{Type: msgType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// encodeEvent renders a session event as a wire frame.
func encodeEvent(sessionID string, ev session.Event) ([]byte, error) {
	switch ev.Type {
	case session.EventAttached:
		return marshalFrame(MsgAttached, attachedPayload{SessionID: sessionID, Role: ev.Role, Resume: string(ev.Data)})
	case session.EventOutput:
		return marshalFrame(MsgOutput, outputPayload{Data: string(ev.Data)})
	case session.EventRoleChanged:
		return marshalFrame(MsgRoleChanged, rolePayload{Role: ev.Role})
	case session.EventMetadata:
		return marshalFrame(MsgMetadata, metadataPayload{Snapshot: ev.Metadata})
	case session.EventEnded:
		p := endedPayload{Reason: ev.Reason}
		if ev.Exit != nil {
			code := ev.Exit.Code
			p.ExitCode = &code
			p.Signal = ev.Exit.Signal
		}
		return marshalFrame(MsgSessionEnded, p)
	default:
		return nil, errors.New("unknown event type " + string(ev.Type))
	}
}

// errorCode maps a manager or process error onto its wire code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrUnknownSession):
		return CodeUnknownSession
	case errors.Is(err, session.ErrNotMaster):
		return CodeNotMaster
	case errors.Is(err, session.ErrNotAttached):
		return CodeNotAttached
	case errors.Is(err, session.ErrShuttingDown):
		return CodeShuttingDown
	case errors.Is(err, session.ErrInvalidSize):
		return CodeBadMessage
	case errors.Is(err, pty.ErrProcessClosed):
		return CodeProcessClosed
	default:
		return CodeInternal
	}
}
