package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/simstudio/workflow-core/internal/observability"
	"github.com/simstudio/workflow-core/internal/storage"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsPongWait        = 45 * time.Second
	wsPingInterval    = 20 * time.Second
	wsWriteWait       = 10 * time.Second
)

// frame is the wire envelope for every socket message in both
// directions; event/payload carry client->server and server->client
// bodies, error carries a top-level transport error.
type frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Authenticator resolves a connecting request into a user identity,
// or reports failure so the upgrade can be refused.
type Authenticator interface {
	Authenticate(r *http.Request) (userID, userName string, ok bool)
}

// Server upgrades HTTP requests to websocket sessions and dispatches
// their events into the room/operations/field components.
type Server struct {
	rooms      *RoomManager
	operations *OperationsHandler
	fields     *FieldUpdater
	auth       Authenticator
	logger     *observability.Logger
	upgrader   websocket.Upgrader
}

// NewServer builds a websocket Server wired to the realtime
// components it dispatches into.
func NewServer(rooms *RoomManager, operations *OperationsHandler, fields *FieldUpdater, auth Authenticator, logger *observability.Logger) *Server {
	return &Server{
		rooms:      rooms,
		operations: operations,
		fields:     fields,
		auth:       auth,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, userName, ok := s.auth.Authenticate(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Error(r.Context(), "realtime: websocket upgrade failed", "error", err)
		}
		return
	}

	sess := newSession(conn, userID, userName)
	s.run(sess)
}

// session is one connected socket: a send-side buffered channel and a
// single cancellation used to stop both the read and write loops
// together when either side of the connection fails.
type session struct {
	id       string
	userID   string
	userName string

	conn *websocket.Conn
	send chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

func newSession(conn *websocket.Conn, userID, userName string) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		id:       uuid.NewString(),
		userID:   userID,
		userName: userName,
		conn:     conn,
		send:     make(chan []byte, 64),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *session) ID() string       { return s.id }
func (s *session) UserID() string   { return s.userID }
func (s *session) UserName() string { return s.userName }

// Send encodes an event frame and delivers it without blocking; a
// full send buffer means the client is not draining fast enough and
// the session is torn down rather than let the buffer grow unbounded.
func (s *session) Send(event string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	data, err := json.Marshal(frame{Event: event, Payload: body})
	if err != nil {
		return
	}
	select {
	case s.send <- data:
	default:
		s.cancel()
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		close(s.send)
		_ = s.conn.Close()
	})
}

func (s *Server) run(sess *session) {
	defer s.rooms.Disconnect(sess.id)
	defer sess.close()

	go s.writeLoop(sess)
	s.readLoop(sess)
}

func (s *Server) writeLoop(sess *session) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.ctx.Done():
			return
		case data, ok := <-sess.send:
			if !ok {
				return
			}
			_ = sess.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := sess.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				sess.cancel()
				return
			}
		case <-ticker.C:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				sess.cancel()
				return
			}
		}
	}
}

func (s *Server) readLoop(sess *session) {
	sess.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = sess.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	sess.conn.SetPongHandler(func(string) error {
		return sess.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			sess.Send("error", map[string]string{"type": "decode-error", "message": "malformed frame"})
			continue
		}

		s.dispatch(sess, f)

		select {
		case <-sess.ctx.Done():
			return
		default:
		}
	}
}

func (s *Server) dispatch(sess *session, f frame) {
	ctx := sess.ctx

	switch f.Event {
	case "join-workflow":
		var req struct {
			WorkflowID string `json:"workflowId"`
		}
		if err := json.Unmarshal(f.Payload, &req); err != nil || req.WorkflowID == "" {
			sess.Send("join-workflow-error", map[string]string{"error": "workflowId is required"})
			return
		}
		_ = s.rooms.JoinWorkflow(ctx, sess, req.WorkflowID)

	case "leave-workflow":
		s.rooms.LeaveWorkflow(sess.id)

	case "request-sync":
		var req struct {
			WorkflowID string `json:"workflowId"`
		}
		if err := json.Unmarshal(f.Payload, &req); err != nil || req.WorkflowID == "" {
			return
		}
		s.rooms.RequestSync(ctx, sess, req.WorkflowID)

	case "workflow-operation":
		if err := validateEventPayload(f.Event, f.Payload); err != nil {
			s.rejectSchema(sess, f.Payload, err)
			return
		}
		var op WorkflowOperation
		if err := json.Unmarshal(f.Payload, &op); err != nil {
			sess.Send("error", map[string]string{"type": "decode-error", "message": "malformed operation"})
			return
		}
		s.operations.Handle(ctx, sess, op)

	case "subblock-update":
		if err := validateEventPayload(f.Event, f.Payload); err != nil {
			s.rejectSchema(sess, f.Payload, err)
			return
		}
		var update SubblockUpdate
		if err := json.Unmarshal(f.Payload, &update); err != nil {
			return
		}
		workflowID, ok := s.rooms.WorkflowOf(sess.id)
		if !ok {
			return
		}
		s.fields.EnqueueSubBlock(sess, workflowID, update)

	case "variable-update":
		if err := validateEventPayload(f.Event, f.Payload); err != nil {
			s.rejectSchema(sess, f.Payload, err)
			return
		}
		var update VariableUpdate
		if err := json.Unmarshal(f.Payload, &update); err != nil {
			return
		}
		workflowID, ok := s.rooms.WorkflowOf(sess.id)
		if !ok {
			return
		}
		s.fields.EnqueueVariable(sess, workflowID, update)
	}
}

// rejectSchema emits both acknowledgement forms spec §7 assigns a
// SchemaError: operation-failed{retryable:false} for clients reading the
// current ack shape, and the legacy operation-error{type:VALIDATION_ERROR}
// event for clients still keyed off it.
func (s *Server) rejectSchema(sess *session, payload json.RawMessage, err error) {
	operationID, operation, target := peekOperationFields(payload)
	sess.Send("operation-failed", OperationFailed{OperationID: operationID, Error: err.Error(), Retryable: false})

	var schemaErr *SchemaError
	var details []string
	if errors.As(err, &schemaErr) {
		details = schemaErr.Details
	}
	sess.Send("operation-error", OperationError{
		Type: "VALIDATION_ERROR", Message: err.Error(), Operation: operation, Target: target, Errors: details,
	})
}

// AccessControlAuthenticator is a minimal Authenticator backed directly
// by a workflow access check, used where upstream authentication has
// already resolved a user identity into request headers.
type AccessControlAuthenticator struct {
	Store storage.WorkflowStore
}

// Authenticate trusts the X-User-Id/X-User-Name headers set by an
// upstream authenticating proxy.
func (a AccessControlAuthenticator) Authenticate(r *http.Request) (userID, userName string, ok bool) {
	userID = r.Header.Get("X-User-Id")
	userName = r.Header.Get("X-User-Name")
	if userID == "" {
		return "", "", false
	}
	if userName == "" {
		userName = userID
	}
	return userID, userName, true
}
