// Package gateway relays terminal sessions to websocket clients. A
// connection is attached to at most one session at a time; its frames are
// queued on a bounded channel drained by a single write pump.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/workspace/session-relay/internal/logging"
	"github.com/workspace/session-relay/internal/session"
)

// Sessions is the subset of the session manager the gateway drives.
type Sessions interface {
	Attach(sessionID string, conn session.Conn, desired session.Role) (session.AttachResult, error)
	Detach(sessionID, connID string)
	RequestMaster(sessionID, connID string) (bool, error)
	ReleaseMaster(sessionID, connID string) error
	SendInput(sessionID, connID string, data []byte) error
	Resize(sessionID, connID string, cols, rows int) error
}

// Config holds gateway tuning.
type Config struct {
	// SendBuffer is the per-connection frame backlog. A connection whose
	// backlog fills is disconnected.
	SendBuffer      int
	ReadBufferSize  int
	WriteBufferSize int
	PingInterval    time.Duration
	PongTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	AllowedOrigins  []string
}

// DefaultConfig returns the gateway defaults.
func DefaultConfig() Config {
	return Config{
		SendBuffer:      256,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		PingInterval:    30 * time.Second,
		PongTimeout:     90 * time.Second,
		WriteTimeout:    10 * time.Second,
		MaxMessageBytes: 64 * 1024,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = d.WriteBufferSize
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = d.PongTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = d.MaxMessageBytes
	}
	return c
}

// Gateway upgrades HTTP requests and runs one protocol handler per
// connection.
type Gateway struct {
	cfg      Config
	sessions Sessions
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[string]*connection
	closed bool
	wg     sync.WaitGroup
}

// New creates a gateway bound to a session manager.
func New(sessions Sessions, cfg Config) *Gateway {
	g := &Gateway{
		cfg:      cfg.withDefaults(),
		sessions: sessions,
		conns:    make(map[string]*connection),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  g.cfg.ReadBufferSize,
		WriteBufferSize: g.cfg.WriteBufferSize,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

// ServeWS upgrades the request and serves the connection until it closes.
// principal is the identity the auth layer already established.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request, principal string) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	g.wg.Add(1)
	g.mu.Unlock()
	defer g.wg.Done()

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	c := &connection{
		id:        uuid.NewString(),
		principal: principal,
		gw:        g,
		ws:        ws,
		sendCh:    make(chan []byte, g.cfg.SendBuffer),
		done:      make(chan struct{}),
		pumpDone:  make(chan struct{}),
	}
	c.logger = logging.ForConn(c.id, "")

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		_ = ws.Close()
		return
	}
	g.conns[c.id] = c
	g.mu.Unlock()

	c.logger.Info("Relay connection opened", "principal", principal, "remote", r.RemoteAddr)
	go c.writePump()
	c.readLoop()
	c.cleanup()

	g.mu.Lock()
	delete(g.conns, c.id)
	g.mu.Unlock()
	c.logger.Info("Relay connection closed", "reason", c.closeText)
}

// ConnectionCount returns the number of open connections.
func (g *Gateway) ConnectionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Close rejects new upgrades, closes every open connection and waits for
// their handlers to return or ctx to end. Frames already queued, such as
// sessionEnded, are flushed first.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	conns := make([]*connection, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		c.shutdown(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type connection struct {
	id        string
	principal string
	gw        *Gateway
	ws        *websocket.Conn
	logger    *slog.Logger

	sendCh    chan []byte
	done      chan struct{}
	pumpDone  chan struct{}
	once      sync.Once
	closeCode int
	closeText string

	mu        sync.Mutex
	sessionID string
}

// shutdown signals the write pump to send a close frame and drop the
// socket. Only the first call has any effect.
func (c *connection) shutdown(code int, text string) {
	c.once.Do(func() {
		c.closeCode = code
		c.closeText = text
		close(c.done)
	})
}

// enqueue queues a frame without blocking. It reports false if the
// connection is closing or its backlog is full.
func (c *connection) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.sendCh <- frame:
		return true
	default:
		return false
	}
}

func (c *connection) reply(msgType string, payload any) {
	frame, err := marshalFrame(msgType, payload)
	if err != nil {
		c.logger.Error("Failed to encode frame", "type", msgType, "error", err)
		return
	}
	if !c.enqueue(frame) {
		c.shutdown(websocket.CloseTryAgainLater, "backpressure")
	}
}

func (c *connection) sendError(code, request string) {
	c.reply(MsgError, errorPayload{Code: code, Request: request})
}

func (c *connection) current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *connection) setSession(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

// clearSession forgets id if it is still the attached session.
func (c *connection) clearSession(id string) {
	c.mu.Lock()
	if c.sessionID == id {
		c.sessionID = ""
	}
	c.mu.Unlock()
}

func (c *connection) takeSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.sessionID
	c.sessionID = ""
	return id
}

func (c *connection) writePump() {
	ticker := time.NewTicker(c.gw.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.shutdown(websocket.CloseNormalClosure, "")
		if c.closeCode != websocket.CloseTryAgainLater {
			c.flush()
		}
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(c.closeCode, c.closeText),
			time.Now().Add(c.gw.cfg.WriteTimeout))
		_ = c.ws.Close()
		close(c.pumpDone)
	}()

	for {
		select {
		case frame := <-c.sendCh:
			if err := c.write(frame); err != nil {
				c.logger.Debug("Relay write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.gw.cfg.WriteTimeout)); err != nil {
				c.logger.Debug("Relay ping failed", "error", err)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *connection) write(frame []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.gw.cfg.WriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// flush writes whatever is still queued.
func (c *connection) flush() {
	for {
		select {
		case frame := <-c.sendCh:
			if err := c.write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *connection) readLoop() {
	pongTimeout := c.gw.cfg.PongTimeout
	c.ws.SetReadLimit(c.gw.cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("Relay read ended", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
		c.handle(raw)
	}
}

// cleanup detaches from the current session and waits for the write pump.
func (c *connection) cleanup() {
	if id := c.takeSession(); id != "" {
		c.gw.sessions.Detach(id, c.id)
	}
	c.shutdown(websocket.CloseNormalClosure, "")
	<-c.pumpDone
}

func decode(data json.RawMessage, v any) bool {
	if len(data) == 0 {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func (c *connection) handle(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
		c.sendError(CodeBadMessage, "")
		return
	}

	switch env.Type {
	case MsgAttach:
		c.handleAttach(env.Data)

	case MsgInput:
		var req inputRequest
		if !decode(env.Data, &req) {
			c.sendError(CodeBadMessage, env.Type)
			return
		}
		c.withSession(env.Type, func(id string) error {
			return c.gw.sessions.SendInput(id, c.id, []byte(req.Data))
		})

	case MsgResize:
		var req resizeRequest
		if !decode(env.Data, &req) {
			c.sendError(CodeBadMessage, env.Type)
			return
		}
		c.withSession(env.Type, func(id string) error {
			return c.gw.sessions.Resize(id, c.id, req.Cols, req.Rows)
		})

	case MsgRequestMaster:
		c.withSession(env.Type, func(id string) error {
			granted, err := c.gw.sessions.RequestMaster(id, c.id)
			if err == nil && !granted {
				c.sendError(CodeMasterHeld, env.Type)
			}
			return err
		})

	case MsgReleaseMaster:
		c.withSession(env.Type, func(id string) error {
			return c.gw.sessions.ReleaseMaster(id, c.id)
		})

	case MsgDetach:
		if id := c.takeSession(); id != "" {
			c.gw.sessions.Detach(id, c.id)
		}

	case MsgPing:
		c.reply(MsgPong, nil)

	default:
		c.sendError(CodeBadMessage, env.Type)
	}
}

// withSession runs fn against the attached session and reports its error,
// if any, to this connection only.
func (c *connection) withSession(request string, fn func(id string) error) {
	id := c.current()
	if id == "" {
		c.sendError(CodeNotAttached, request)
		return
	}
	if err := fn(id); err != nil {
		code := errorCode(err)
		if code == CodeInternal {
			c.logger.Error("Relay request failed", "request", request, "sessionID", id, "error", err)
		}
		if errors.Is(err, session.ErrUnknownSession) {
			c.clearSession(id)
		}
		c.sendError(code, request)
	}
}

func (c *connection) handleAttach(data json.RawMessage) {
	var req attachRequest
	if !decode(data, &req) || req.SessionID == "" {
		c.sendError(CodeBadMessage, MsgAttach)
		return
	}
	role := req.Role
	if role == "" {
		role = session.RoleMaster
	}
	if !role.Valid() {
		c.sendError(CodeBadMessage, MsgAttach)
		return
	}

	if prev := c.takeSession(); prev != "" {
		c.gw.sessions.Detach(prev, c.id)
	}
	c.setSession(req.SessionID)

	sink := &connSink{c: c, sessionID: req.SessionID}
	res, err := c.gw.sessions.Attach(req.SessionID, session.Conn{ID: c.id, Principal: c.principal, Sink: sink}, role)
	if err != nil {
		c.clearSession(req.SessionID)
		c.sendError(errorCode(err), MsgAttach)
		return
	}
	c.logger.Info("Relay attached", "sessionID", req.SessionID, "role", res.Role, "resumeBytes", len(res.Resume))
}

// connSink adapts a connection to the session manager's Sink. Send runs
// under the session's lock, so it only encodes and queues.
type connSink struct {
	c         *connection
	sessionID string
}

func (s *connSink) Send(ev session.Event) bool {
	frame, err := encodeEvent(s.sessionID, ev)
	if err != nil {
		s.c.logger.Error("Failed to encode event", "type", ev.Type, "error", err)
		return true
	}
	if ev.Type == session.EventEnded {
		s.c.clearSession(s.sessionID)
	}
	return s.c.enqueue(frame)
}

func (s *connSink) Close(reason string) {
	s.c.clearSession(s.sessionID)
	s.c.logger.Warn("Dropping relay connection", "sessionID", s.sessionID, "reason", reason)
	s.c.shutdown(websocket.CloseTryAgainLater, reason)
}
