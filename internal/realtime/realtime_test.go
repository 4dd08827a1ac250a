package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/simstudio/workflow-core/internal/storage"
)

// fakeSocket is an in-memory Socket used by every test in this package.
type fakeSocket struct {
	id       string
	userID   string
	userName string

	mu   sync.Mutex
	sent []sentEvent
}

type sentEvent struct {
	event   string
	payload any
}

func newFakeSocket(id, userID string) *fakeSocket {
	return &fakeSocket{id: id, userID: userID, userName: userID}
}

func (s *fakeSocket) ID() string       { return s.id }
func (s *fakeSocket) UserID() string   { return s.userID }
func (s *fakeSocket) UserName() string { return s.userName }

func (s *fakeSocket) Send(event string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentEvent{event: event, payload: payload})
}

func (s *fakeSocket) events() []sentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sentEvent, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *fakeSocket) hasEvent(name string) bool {
	for _, e := range s.events() {
		if e.event == name {
			return true
		}
	}
	return false
}

func rawJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestRoomManager_JoinWorkflow_UnknownWorkflowErrors(t *testing.T) {
	store := storage.NewMemoryWorkflowStore()
	rooms := NewRoomManager(store, nil)
	sock := newFakeSocket("sock-1", "user-1")

	if err := rooms.JoinWorkflow(context.Background(), sock, "missing"); err != nil {
		t.Fatalf("JoinWorkflow returned error: %v", err)
	}
	if !sock.hasEvent("join-workflow-error") {
		t.Error("expected join-workflow-error for unknown workflow")
	}
}

func TestRoomManager_JoinWorkflow_SendsStateAndPresence(t *testing.T) {
	store := storage.NewMemoryWorkflowStore()
	store.Seed("wf-1", json.RawMessage(`{}`))
	rooms := NewRoomManager(store, nil)

	sock := newFakeSocket("sock-1", "user-1")
	if err := rooms.JoinWorkflow(context.Background(), sock, "wf-1"); err != nil {
		t.Fatalf("JoinWorkflow: %v", err)
	}

	if !sock.hasEvent("workflow-state") {
		t.Error("expected workflow-state to be sent to joining socket")
	}
	if !sock.hasEvent("presence-update") {
		t.Error("expected presence-update to be broadcast on join")
	}

	role, ok := rooms.PresenceRole(sock.id)
	if !ok || role != RoleEditor {
		t.Errorf("PresenceRole = (%q,%v), want (editor,true)", role, ok)
	}
}

func TestRoomManager_JoinWorkflow_LeavesPriorRoom(t *testing.T) {
	store := storage.NewMemoryWorkflowStore()
	store.Seed("wf-1", nil)
	store.Seed("wf-2", nil)
	rooms := NewRoomManager(store, nil)
	ctx := context.Background()

	sock := newFakeSocket("sock-1", "user-1")
	rooms.JoinWorkflow(ctx, sock, "wf-1")
	rooms.JoinWorkflow(ctx, sock, "wf-2")

	workflowID, ok := rooms.WorkflowOf(sock.id)
	if !ok || workflowID != "wf-2" {
		t.Fatalf("WorkflowOf = (%q,%v), want (wf-2,true)", workflowID, ok)
	}
}

func TestRoomManager_Disconnect_RemovesPresenceAndBroadcasts(t *testing.T) {
	store := storage.NewMemoryWorkflowStore()
	store.Seed("wf-1", nil)
	rooms := NewRoomManager(store, nil)
	ctx := context.Background()

	a := newFakeSocket("sock-a", "user-a")
	b := newFakeSocket("sock-b", "user-b")
	rooms.JoinWorkflow(ctx, a, "wf-1")
	rooms.JoinWorkflow(ctx, b, "wf-1")

	rooms.Disconnect(a.id)

	if _, ok := rooms.WorkflowOf(a.id); ok {
		t.Error("disconnected socket should no longer map to a workflow")
	}
	if !b.hasEvent("presence-update") {
		t.Error("remaining socket should observe a presence-update after the other disconnects")
	}
}

func TestOperationsHandler_ViewerCannotMutate(t *testing.T) {
	store := storage.NewMemoryWorkflowStore()
	store.Seed("wf-1", nil)
	store.GrantRole("wf-1", "user-1", "viewer")
	rooms := NewRoomManager(store, nil)
	ops := NewOperationsHandler(rooms, store, nil)
	ctx := context.Background()

	sock := newFakeSocket("sock-1", "user-1")
	rooms.JoinWorkflow(ctx, sock, "wf-1")

	ops.Handle(ctx, sock, WorkflowOperation{Operation: "add-block", Target: "block", OperationID: "op-1"})

	if !sock.hasEvent("operation-forbidden") {
		t.Error("expected operation-forbidden for a viewer mutation")
	}
}

func TestOperationsHandler_GeneralPath_PersistsThenBroadcasts(t *testing.T) {
	store := storage.NewMemoryWorkflowStore()
	store.Seed("wf-1", nil)
	rooms := NewRoomManager(store, nil)
	ops := NewOperationsHandler(rooms, store, nil)
	ctx := context.Background()

	author := newFakeSocket("sock-1", "user-1")
	other := newFakeSocket("sock-2", "user-2")
	rooms.JoinWorkflow(ctx, author, "wf-1")
	rooms.JoinWorkflow(ctx, other, "wf-1")

	ops.Handle(ctx, author, WorkflowOperation{Operation: "add-block", Target: "block", OperationID: "op-1", Payload: rawJSON(t, map[string]string{})})

	if !author.hasEvent("operation-confirmed") {
		t.Error("author should receive operation-confirmed")
	}
	if author.hasEvent("workflow-operation") {
		t.Error("author should not receive its own echoed operation")
	}
	if !other.hasEvent("workflow-operation") {
		t.Error("other participant should receive the broadcast operation")
	}

	if len(store.AuditLog()) != 1 {
		t.Errorf("expected one audit record, got %d", len(store.AuditLog()))
	}
}

func TestOperationsHandler_GeneralPath_PersistFailureNeverBroadcasts(t *testing.T) {
	store := storage.NewMemoryWorkflowStore() // wf-1 never seeded: persist will fail
	rooms := NewRoomManager(store, nil)
	ops := NewOperationsHandler(rooms, store, nil)
	ctx := context.Background()

	author := newFakeSocket("sock-1", "user-1")
	other := newFakeSocket("sock-2", "user-2")

	// Join fails silently (no workflow); manufacture presence directly so
	// the handler reaches the persistence call we want to exercise.
	rooms.mu.Lock()
	rooms.rooms["wf-1"] = &WorkflowRoom{WorkflowID: "wf-1", Users: map[string]*UserPresence{
		author.id: {UserID: author.userID, SocketID: author.id, Role: RoleEditor},
		other.id:  {UserID: other.userID, SocketID: other.id, Role: RoleEditor},
	}}
	rooms.socketWorkflow[author.id] = "wf-1"
	rooms.socketWorkflow[other.id] = "wf-1"
	rooms.socketByID[author.id] = author
	rooms.socketByID[other.id] = other
	rooms.mu.Unlock()

	ops.Handle(ctx, author, WorkflowOperation{Operation: "add-block", Target: "block", OperationID: "op-1"})

	if !author.hasEvent("operation-failed") {
		t.Error("expected operation-failed when persistence fails")
	}
	if other.hasEvent("workflow-operation") {
		t.Error("a failed persist must never reach other participants")
	}
}

func TestFieldUpdater_CoalescesRapidSubBlockWrites(t *testing.T) {
	store := storage.NewMemoryWorkflowStore()
	store.Seed("wf-1", nil)
	rooms := NewRoomManager(store, nil)
	fields := NewFieldUpdater(rooms, store, nil)
	ctx := context.Background()

	author := newFakeSocket("sock-1", "user-1")
	other := newFakeSocket("sock-2", "user-2")
	rooms.JoinWorkflow(ctx, author, "wf-1")
	rooms.JoinWorkflow(ctx, other, "wf-1")

	for i := 0; i < 5; i++ {
		fields.EnqueueSubBlock(author, "wf-1", SubblockUpdate{
			BlockID: "block-1", SubblockID: "label",
			Value:       rawJSON(t, i),
			OperationID: "op-" + string(rune('a'+i)),
		})
	}

	time.Sleep(80 * time.Millisecond)

	block, err := store.GetBlock(ctx, "wf-1", "block-1")
	if err != nil {
		t.Fatalf("GetBlock: %v", err)
	}
	var subBlocks map[string]int
	if err := json.Unmarshal(block.SubBlocks, &subBlocks); err != nil {
		t.Fatalf("unmarshal subblocks: %v", err)
	}
	if subBlocks["label"] != 4 {
		t.Errorf("persisted value = %d, want the last-enqueued value 4", subBlocks["label"])
	}

	confirmed := 0
	for _, e := range author.events() {
		if e.event == "operation-confirmed" {
			confirmed++
		}
	}
	if confirmed != 5 {
		t.Errorf("expected every coalesced operationId to be confirmed, got %d confirmations", confirmed)
	}

	if !other.hasEvent("subblock-update") {
		t.Error("other participant should receive exactly one coalesced subblock-update broadcast")
	}
	if author.hasEvent("subblock-update") {
		t.Error("author should not receive its own broadcast echo")
	}
}

func TestFieldUpdater_VariableUpdate_NotFoundIsNotRetryable(t *testing.T) {
	store := storage.NewMemoryWorkflowStore() // wf-1 never seeded
	rooms := NewRoomManager(store, nil)
	fields := NewFieldUpdater(rooms, store, nil)

	sock := newFakeSocket("sock-1", "user-1")
	rooms.mu.Lock()
	rooms.socketByID[sock.id] = sock
	rooms.mu.Unlock()

	fields.EnqueueVariable(sock, "wf-missing", VariableUpdate{VariableID: "var-1", Field: "value", Value: rawJSON(t, 1), OperationID: "op-1"})
	time.Sleep(80 * time.Millisecond)

	var failed *OperationFailed
	for _, e := range sock.events() {
		if payload, ok := e.payload.(OperationFailed); ok && e.event == "operation-failed" {
			p := payload
			failed = &p
		}
	}
	if failed == nil {
		t.Fatal("expected an operation-failed event")
	}
	if failed.Retryable {
		t.Error("a not-found target should be reported as non-retryable")
	}
}

func TestCheckRolePermission(t *testing.T) {
	tests := []struct {
		role    Role
		allowed bool
	}{
		{RoleViewer, false},
		{RoleEditor, true},
		{RoleAdmin, true},
	}
	for _, tt := range tests {
		if allowed, _ := CheckRolePermission(tt.role, "add-block"); allowed != tt.allowed {
			t.Errorf("CheckRolePermission(%q) allowed = %v, want %v", tt.role, allowed, tt.allowed)
		}
	}
}

func TestNormalizeRole(t *testing.T) {
	tests := []struct {
		in   string
		want Role
	}{
		{"viewer", RoleViewer},
		{"admin", RoleAdmin},
		{"editor", RoleEditor},
		{"", RoleEditor},
		{"unknown", RoleEditor},
	}
	for _, tt := range tests {
		if got := NormalizeRole(tt.in); got != tt.want {
			t.Errorf("NormalizeRole(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
