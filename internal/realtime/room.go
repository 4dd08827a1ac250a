package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/simstudio/workflow-core/internal/observability"
	"github.com/simstudio/workflow-core/internal/storage"
)

// RoomManager owns every WorkflowRoom and the indices needed to route
// a socket event without a linear scan: which room a socket belongs
// to, and which presence entry represents it within that room.
type RoomManager struct {
	mu             sync.RWMutex
	rooms          map[string]*WorkflowRoom // workflowId -> room
	socketWorkflow map[string]string        // socketId -> workflowId
	socketByID     map[string]Socket        // socketId -> socket

	store       storage.WorkflowStore
	logger      *observability.Logger
	metrics     *observability.Metrics
	diagnostics *observability.DiagnosticEmitter
}

// NewRoomManager builds a RoomManager backed by store.
func NewRoomManager(store storage.WorkflowStore, logger *observability.Logger) *RoomManager {
	return &RoomManager{
		rooms:          make(map[string]*WorkflowRoom),
		socketWorkflow: make(map[string]string),
		socketByID:     make(map[string]Socket),
		store:          store,
		logger:         logger,
	}
}

// WithMetrics attaches a Metrics sink, returning the manager for
// chaining at construction time.
func (m *RoomManager) WithMetrics(metrics *observability.Metrics) *RoomManager {
	m.metrics = metrics
	return m
}

// WithDiagnostics attaches a DiagnosticEmitter, returning the manager
// for chaining at construction time.
func (m *RoomManager) WithDiagnostics(emitter *observability.DiagnosticEmitter) *RoomManager {
	m.diagnostics = emitter
	return m
}

// JoinWorkflow admits a socket into a workflow's room: it verifies
// access, leaves any room the socket previously occupied, registers
// presence, emits the current workflow state to the joining socket,
// and broadcasts the updated presence list to the room.
func (m *RoomManager) JoinWorkflow(ctx context.Context, sock Socket, workflowID string) error {
	access, err := m.store.VerifyAccess(ctx, workflowID, sock.UserID())
	if err != nil {
		sock.Send("join-workflow-error", map[string]string{"error": "access check failed"})
		return err
	}
	if !access.Exists {
		sock.Send("join-workflow-error", map[string]string{"error": "workflow not found"})
		return nil
	}

	m.leaveCurrentRoom(sock.ID())

	role := NormalizeRole(access.Role)
	now := time.Now()

	m.mu.Lock()
	room, ok := m.rooms[workflowID]
	isNewRoom := !ok
	if !ok {
		room = &WorkflowRoom{WorkflowID: workflowID, Users: make(map[string]*UserPresence)}
		m.rooms[workflowID] = room
	}
	room.Users[sock.ID()] = &UserPresence{
		UserID:       sock.UserID(),
		UserName:     sock.UserName(),
		SocketID:     sock.ID(),
		Role:         role,
		JoinedAt:     now,
		LastActivity: now,
	}
	room.ActiveConnections++
	m.socketWorkflow[sock.ID()] = workflowID
	m.socketByID[sock.ID()] = sock
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RoomJoined(isNewRoom)
	}
	m.diagnostics.EmitRoomJoined(&observability.RoomMembershipEvent{WorkflowID: workflowID, UserID: sock.UserID()})

	state, err := m.store.GetState(ctx, workflowID)
	if err != nil {
		if m.logger != nil {
			m.logger.Error(ctx, "realtime: load workflow state failed", "workflowId", workflowID, "error", err)
		}
	} else {
		sock.Send("workflow-state", state)
	}

	m.broadcastPresence(workflowID)
	return nil
}

// LeaveWorkflow removes a socket from its current room and broadcasts
// the updated presence list, without closing the socket itself.
func (m *RoomManager) LeaveWorkflow(socketID string) {
	workflowID, ok := m.leaveCurrentRoom(socketID)
	if !ok {
		return
	}
	m.broadcastPresence(workflowID)
}

// Disconnect tears down every index entry for a socket that has gone
// away, regardless of which room (if any) it occupied.
func (m *RoomManager) Disconnect(socketID string) {
	workflowID, ok := m.leaveCurrentRoom(socketID)
	m.mu.Lock()
	delete(m.socketByID, socketID)
	m.mu.Unlock()
	if ok {
		m.broadcastPresence(workflowID)
	}
}

// leaveCurrentRoom removes the socket's presence entry from whatever
// room it currently occupies, returning that workflow id.
func (m *RoomManager) leaveCurrentRoom(socketID string) (string, bool) {
	m.mu.Lock()

	workflowID, ok := m.socketWorkflow[socketID]
	if !ok {
		m.mu.Unlock()
		return "", false
	}
	delete(m.socketWorkflow, socketID)

	room, ok := m.rooms[workflowID]
	if !ok {
		m.mu.Unlock()
		return workflowID, true
	}
	left := false
	userID := ""
	if presence, present := room.Users[socketID]; present {
		userID = presence.UserID
		delete(room.Users, socketID)
		room.ActiveConnections--
		left = true
	}
	roomClosed := room.ActiveConnections <= 0
	if roomClosed {
		delete(m.rooms, workflowID)
	}
	m.mu.Unlock()

	if left {
		if m.metrics != nil {
			m.metrics.RoomLeft(roomClosed)
		}
		m.diagnostics.EmitRoomLeft(&observability.RoomMembershipEvent{WorkflowID: workflowID, UserID: userID})
	}
	return workflowID, true
}

// RequestSync re-sends the current workflow state to one socket,
// without touching presence or broadcasting.
func (m *RoomManager) RequestSync(ctx context.Context, sock Socket, workflowID string) {
	state, err := m.store.GetState(ctx, workflowID)
	if err != nil {
		sock.Send("error", map[string]string{"type": "sync-failed", "message": "could not load workflow state"})
		return
	}
	sock.Send("workflow-state", state)
}

// PresenceRole returns the cached role for a socket currently joined
// to a room, used by the operations handler to authorize a mutation
// without a second storage round trip.
func (m *RoomManager) PresenceRole(socketID string) (Role, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	workflowID, ok := m.socketWorkflow[socketID]
	if !ok {
		return "", false
	}
	room, ok := m.rooms[workflowID]
	if !ok {
		return "", false
	}
	presence, ok := room.Users[socketID]
	if !ok {
		return "", false
	}
	return presence.Role, true
}

// WorkflowOf returns the workflow a socket currently occupies.
func (m *RoomManager) WorkflowOf(socketID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	workflowID, ok := m.socketWorkflow[socketID]
	return workflowID, ok
}

// TouchActivity updates a presence's LastActivity timestamp, called on
// every accepted operation from that socket.
func (m *RoomManager) TouchActivity(socketID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	workflowID, ok := m.socketWorkflow[socketID]
	if !ok {
		return
	}
	room, ok := m.rooms[workflowID]
	if !ok {
		return
	}
	if presence, ok := room.Users[socketID]; ok {
		presence.LastActivity = time.Now()
	}
}

// MarkModified stamps a room's LastModified, used by the operations
// handler after a successful persist.
func (m *RoomManager) MarkModified(workflowID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if room, ok := m.rooms[workflowID]; ok {
		room.LastModified = time.Now()
	}
}

// Broadcast sends an event to every socket in a room except those
// listed in except.
func (m *RoomManager) Broadcast(workflowID, event string, payload any, except ...string) {
	skip := make(map[string]struct{}, len(except))
	for _, id := range except {
		skip[id] = struct{}{}
	}

	m.mu.RLock()
	room, ok := m.rooms[workflowID]
	if !ok {
		m.mu.RUnlock()
		return
	}
	targets := make([]Socket, 0, len(room.Users))
	for socketID := range room.Users {
		if _, skipped := skip[socketID]; skipped {
			continue
		}
		if sock, ok := m.socketByID[socketID]; ok {
			targets = append(targets, sock)
		}
	}
	m.mu.RUnlock()

	for _, sock := range targets {
		sock.Send(event, payload)
	}
}

// SendTo delivers an event to a single socket by id, if it is still
// connected.
func (m *RoomManager) SendTo(socketID, event string, payload any) {
	m.mu.RLock()
	sock, ok := m.socketByID[socketID]
	m.mu.RUnlock()
	if ok {
		sock.Send(event, payload)
	}
}

func (m *RoomManager) broadcastPresence(workflowID string) {
	m.mu.RLock()
	room, ok := m.rooms[workflowID]
	if !ok {
		m.mu.RUnlock()
		return
	}
	users := make([]*UserPresence, 0, len(room.Users))
	for _, presence := range room.Users {
		copied := *presence
		users = append(users, &copied)
	}
	m.mu.RUnlock()

	m.Broadcast(workflowID, "presence-update", PresencePayload{WorkflowID: workflowID, Users: users})
}
