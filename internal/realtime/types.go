// Package realtime implements the workflow-room control plane: socket
// admission into per-workflow rooms (C6), mutation validation and
// persist-then-broadcast (C7), and coalesced high-frequency field
// updates (C8).
package realtime

import (
	"encoding/json"
	"time"
)

// Role is a cached authorization level, stamped onto a UserPresence at
// join time so later operations never need a second database hit.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

// NormalizeRole maps an arbitrary role string onto one of the three
// known roles, defaulting unrecognized values to editor.
func NormalizeRole(role string) Role {
	switch Role(role) {
	case RoleViewer:
		return RoleViewer
	case RoleAdmin:
		return RoleAdmin
	default:
		return RoleEditor
	}
}

// CheckRolePermission authorises an operation name against a cached
// role. Viewers may never mutate; editors and admins may perform any
// named operation.
func CheckRolePermission(role Role, operation string) (allowed bool, reason string) {
	if role == RoleViewer {
		return false, "viewer role cannot perform " + operation
	}
	return true, ""
}

// UserPresence is one socket's membership in a WorkflowRoom. Its
// lifetime is strictly bounded by the socket connection.
type UserPresence struct {
	UserID       string    `json:"userId"`
	UserName     string    `json:"userName"`
	SocketID     string    `json:"socketId"`
	Role         Role      `json:"role"`
	JoinedAt     time.Time `json:"joinedAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// WorkflowRoom tracks every socket currently joined to one workflow.
type WorkflowRoom struct {
	WorkflowID       string
	Users            map[string]*UserPresence // socketId -> presence
	LastModified     time.Time
	ActiveConnections int
}

// PendingFieldUpdate is one coalescing key's buffered state, used by
// fields.go when building the generic debounce.Debouncer[fieldUpdate]
// item type.
type PendingFieldUpdate struct {
	Value       json.RawMessage
	Timestamp   time.Time
	OperationID string
	SocketID    string
}

// Socket abstracts the transport so room/operations/field logic never
// imports gorilla/websocket directly; ws.go is the only adapter.
type Socket interface {
	ID() string
	UserID() string
	UserName() string
	Send(event string, payload any)
}

// WorkflowOperation is the validated payload of a workflow-operation
// socket event.
type WorkflowOperation struct {
	OperationID string          `json:"operationId,omitempty"`
	Operation   string          `json:"operation"`
	Target      string          `json:"target"`
	Payload     json.RawMessage `json:"payload"`
	Timestamp   int64           `json:"timestamp"`
}

// SubblockUpdate is the payload of a subblock-update socket event.
type SubblockUpdate struct {
	BlockID     string          `json:"blockId"`
	SubblockID  string          `json:"subblockId"`
	Value       json.RawMessage `json:"value"`
	Timestamp   int64           `json:"timestamp"`
	OperationID string          `json:"operationId,omitempty"`
}

// VariableUpdate is the payload of a variable-update socket event.
type VariableUpdate struct {
	VariableID  string          `json:"variableId"`
	Field       string          `json:"field"`
	Value       json.RawMessage `json:"value"`
	Timestamp   int64           `json:"timestamp"`
	OperationID string          `json:"operationId,omitempty"`
}

// PresencePayload is the unordered set of presences broadcast to a
// room on join/leave/disconnect.
type PresencePayload struct {
	WorkflowID string          `json:"workflowId"`
	Users      []*UserPresence `json:"users"`
}

// OperationConfirmed acknowledges a successfully applied operation.
type OperationConfirmed struct {
	OperationID     string `json:"operationId,omitempty"`
	ServerTimestamp int64  `json:"serverTimestamp"`
}

// OperationFailed reports a rejected or errored operation.
type OperationFailed struct {
	OperationID string `json:"operationId,omitempty"`
	Error       string `json:"error"`
	Retryable   bool   `json:"retryable"`
}

// OperationForbidden reports a role-permission rejection.
type OperationForbidden struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Operation string `json:"operation"`
	Target    string `json:"target"`
}

// OperationError is the legacy-form rejection payload, emitted alongside
// OperationFailed for a SchemaError so clients still keying off `type`
// rather than `retryable` see the same rejection.
type OperationError struct {
	Type      string   `json:"type"`
	Message   string   `json:"message"`
	Operation string   `json:"operation,omitempty"`
	Target    string   `json:"target,omitempty"`
	Errors    []string `json:"errors,omitempty"`
}

// BroadcastMeta rides along with re-broadcast operation/field events
// so receiving clients can dedupe their own echoes.
type BroadcastMeta struct {
	WorkflowID      string `json:"workflowId"`
	OperationID     string `json:"operationId,omitempty"`
	IsPositionUpdate bool  `json:"isPositionUpdate,omitempty"`
}

// Broadcast is the envelope re-sent to other room participants for a
// workflow-operation, subblock-update, or variable-update.
type Broadcast struct {
	SenderID string        `json:"senderId"`
	UserID   string        `json:"userId"`
	UserName string        `json:"userName"`
	Payload  any           `json:"payload"`
	Meta     BroadcastMeta `json:"metadata"`
}
