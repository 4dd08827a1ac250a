package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/simstudio/workflow-core/internal/observability"
	"github.com/simstudio/workflow-core/internal/storage"
)

// positionUpdateTarget is the operation target that takes the fast
// path: block position changes are the highest-frequency mutation
// (every drag frame) and tolerate eventual persistence far better than
// they tolerate round-trip latency.
const positionUpdateTarget = "position"

// commitField is the payload key a position-update carries on its
// final frame (mouse-up), signalling that this update, unlike every
// intermediate frame, must be durably persisted before broadcast.
const commitField = "commit"

// OperationsHandler validates, persists, and rebroadcasts
// workflow-operation events.
type OperationsHandler struct {
	rooms       *RoomManager
	store       storage.WorkflowStore
	logger      *observability.Logger
	metrics     *observability.Metrics
	diagnostics *observability.DiagnosticEmitter
}

// NewOperationsHandler builds an OperationsHandler.
func NewOperationsHandler(rooms *RoomManager, store storage.WorkflowStore, logger *observability.Logger) *OperationsHandler {
	return &OperationsHandler{rooms: rooms, store: store, logger: logger}
}

// WithMetrics attaches a Metrics sink, returning the handler for
// chaining at construction time.
func (h *OperationsHandler) WithMetrics(metrics *observability.Metrics) *OperationsHandler {
	h.metrics = metrics
	return h
}

// WithDiagnostics attaches a DiagnosticEmitter, returning the handler
// for chaining at construction time.
func (h *OperationsHandler) WithDiagnostics(emitter *observability.DiagnosticEmitter) *OperationsHandler {
	h.diagnostics = emitter
	return h
}

// Handle processes one workflow-operation event from sock.
func (h *OperationsHandler) Handle(ctx context.Context, sock Socket, op WorkflowOperation) {
	workflowID, ok := h.rooms.WorkflowOf(sock.ID())
	if !ok {
		sock.Send("operation-failed", OperationFailed{OperationID: op.OperationID, Error: "not joined to a workflow", Retryable: false})
		return
	}

	role, ok := h.rooms.PresenceRole(sock.ID())
	if !ok {
		sock.Send("operation-failed", OperationFailed{OperationID: op.OperationID, Error: "no active presence", Retryable: false})
		return
	}
	if allowed, reason := CheckRolePermission(role, op.Operation); !allowed {
		sock.Send("operation-forbidden", OperationForbidden{
			Type: "permission-denied", Message: reason, Operation: op.Operation, Target: op.Target,
		})
		return
	}

	h.rooms.TouchActivity(sock.ID())

	if op.Target == positionUpdateTarget {
		h.handlePositionUpdate(ctx, sock, workflowID, op)
		return
	}
	h.handleGeneral(ctx, sock, workflowID, op)
}

// handlePositionUpdate broadcasts immediately and persists
// asynchronously, except on a commit frame (drag release) which waits
// for the persist to complete so a failure can still be reported.
func (h *OperationsHandler) handlePositionUpdate(ctx context.Context, sock Socket, workflowID string, op WorkflowOperation) {
	h.broadcastOperation(sock, workflowID, op)

	if !isCommitFrame(op.Payload) {
		if h.metrics != nil {
			h.metrics.RecordOperation(positionUpdateTarget, nil)
		}
		sock.Send("operation-confirmed", OperationConfirmed{OperationID: op.OperationID, ServerTimestamp: time.Now().UnixMilli()})
		return
	}

	if err := h.persist(ctx, sock, workflowID, op); err != nil {
		sock.Send("operation-failed", OperationFailed{OperationID: op.OperationID, Error: "failed to persist position", Retryable: true})
		return
	}
	sock.Send("operation-confirmed", OperationConfirmed{OperationID: op.OperationID, ServerTimestamp: time.Now().UnixMilli()})
}

// handleGeneral persists before broadcasting, so a persistence failure
// never reaches other participants.
func (h *OperationsHandler) handleGeneral(ctx context.Context, sock Socket, workflowID string, op WorkflowOperation) {
	if err := h.persist(ctx, sock, workflowID, op); err != nil {
		sock.Send("operation-failed", OperationFailed{OperationID: op.OperationID, Error: "failed to apply operation", Retryable: true})
		sock.Send("operation-error", OperationFailed{OperationID: op.OperationID, Error: "failed to apply operation", Retryable: true})
		return
	}

	h.broadcastOperation(sock, workflowID, op)
	sock.Send("operation-confirmed", OperationConfirmed{OperationID: op.OperationID, ServerTimestamp: time.Now().UnixMilli()})
}

func (h *OperationsHandler) persist(ctx context.Context, sock Socket, workflowID string, op WorkflowOperation) error {
	err := h.store.ApplyOperation(ctx, workflowID, storage.AuditRecord{
		Operation: op.Operation,
		Target:    op.Target,
		Payload:   op.Payload,
		UserID:    sock.UserID(),
	})
	if h.metrics != nil {
		h.metrics.RecordOperation(operationPathLabel(op.Target), err)
	}
	opStatus := "success"
	if err != nil {
		opStatus = "error"
	}
	h.diagnostics.EmitOperationApplied(&observability.OperationAppliedEvent{
		WorkflowID: workflowID, Operation: op.Operation, Target: op.Target, Status: opStatus,
	})
	if err != nil {
		if h.logger != nil {
			h.logger.Error(ctx, "realtime: apply operation failed", "workflowId", workflowID, "operation", op.Operation, "error", err)
		}
		return err
	}
	h.rooms.MarkModified(workflowID)
	return nil
}

func operationPathLabel(target string) string {
	if target == positionUpdateTarget {
		return positionUpdateTarget
	}
	return "general"
}

func (h *OperationsHandler) broadcastOperation(sock Socket, workflowID string, op WorkflowOperation) {
	h.rooms.Broadcast(workflowID, "workflow-operation", Broadcast{
		SenderID: sock.ID(),
		UserID:   sock.UserID(),
		UserName: sock.UserName(),
		Payload:  op,
		Meta: BroadcastMeta{
			WorkflowID:       workflowID,
			OperationID:      op.OperationID,
			IsPositionUpdate: op.Target == positionUpdateTarget,
		},
	}, sock.ID())
}

func isCommitFrame(payload json.RawMessage) bool {
	var decoded struct {
		Commit bool `json:"commit"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return false
	}
	return decoded.Commit
}
