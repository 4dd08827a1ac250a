package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/simstudio/workflow-core/internal/debounce"
	"github.com/simstudio/workflow-core/internal/observability"
	"github.com/simstudio/workflow-core/internal/storage"
)

// fieldDebounceInterval is the coalescing window for subblock/variable
// updates: every keystroke enqueues, but only the last value written
// inside this window is ever persisted or broadcast.
const fieldDebounceInterval = 25 * time.Millisecond

type fieldKind int

const (
	fieldKindSubBlock fieldKind = iota
	fieldKindVariable
)

// fieldItem is one coalescing debouncer item: a single field write
// from a single socket, still carrying enough identity to
// acknowledge its own operationId once the key's batch flushes.
type fieldItem struct {
	kind       fieldKind
	workflowID string
	blockID    string
	subBlockID string
	variableID string
	field      string

	value       json.RawMessage
	operationID string
	socketID    string
	userID      string
	userName    string
}

// FieldUpdater coalesces high-frequency subblock and variable updates
// per (workflow, target) key, persisting and broadcasting only the
// most recent value once a key goes quiet for fieldDebounceInterval.
type FieldUpdater struct {
	rooms       *RoomManager
	store       storage.WorkflowStore
	logger      *observability.Logger
	metrics     *observability.Metrics
	diagnostics *observability.DiagnosticEmitter

	debouncer *debounce.Debouncer[fieldItem]
}

// WithMetrics attaches a Metrics sink, returning the updater for
// chaining at construction time.
func (f *FieldUpdater) WithMetrics(metrics *observability.Metrics) *FieldUpdater {
	f.metrics = metrics
	return f
}

// WithDiagnostics attaches a DiagnosticEmitter, returning the updater
// for chaining at construction time.
func (f *FieldUpdater) WithDiagnostics(emitter *observability.DiagnosticEmitter) *FieldUpdater {
	f.diagnostics = emitter
	return f
}

// FieldUpdaterOption configures a FieldUpdater at construction.
type FieldUpdaterOption func(*fieldUpdaterConfig)

type fieldUpdaterConfig struct {
	debounceInterval time.Duration
}

// WithFieldDebounceInterval overrides fieldDebounceInterval, letting a
// deployment tune coalescing latency via config (realtime.field_debounce_ms).
func WithFieldDebounceInterval(d time.Duration) FieldUpdaterOption {
	return func(c *fieldUpdaterConfig) { c.debounceInterval = d }
}

// NewFieldUpdater builds a FieldUpdater wired to rooms and store.
func NewFieldUpdater(rooms *RoomManager, store storage.WorkflowStore, logger *observability.Logger, opts ...FieldUpdaterOption) *FieldUpdater {
	cfg := fieldUpdaterConfig{debounceInterval: fieldDebounceInterval}
	for _, opt := range opts {
		opt(&cfg)
	}

	f := &FieldUpdater{rooms: rooms, store: store, logger: logger}
	f.debouncer = debounce.NewDebouncer[fieldItem](
		debounce.WithDebounceDuration[fieldItem](cfg.debounceInterval),
		debounce.WithBuildKey[fieldItem](fieldItemKey),
		debounce.WithOnFlush[fieldItem](f.flush),
		debounce.WithOnError[fieldItem](f.onFlushError),
	)
	return f
}

func fieldItemKey(item *fieldItem) string {
	switch item.kind {
	case fieldKindSubBlock:
		return CompositeKeyParts(item.workflowID, "block", item.blockID, item.subBlockID)
	default:
		return CompositeKeyParts(item.workflowID, "variable", item.variableID, item.field)
	}
}

// CompositeKeyParts joins coalescing-key components, namespaced the
// same way ratelimit.CompositeKey namespaces rate-limit keys.
func CompositeKeyParts(parts ...string) string {
	key := ""
	for i, part := range parts {
		if i > 0 {
			key += ":"
		}
		key += part
	}
	return key
}

// EnqueueSubBlock buffers one sub-block value write.
func (f *FieldUpdater) EnqueueSubBlock(sock Socket, workflowID string, update SubblockUpdate) {
	f.debouncer.Enqueue(&fieldItem{
		kind:        fieldKindSubBlock,
		workflowID:  workflowID,
		blockID:     update.BlockID,
		subBlockID:  update.SubblockID,
		value:       update.Value,
		operationID: update.OperationID,
		socketID:    sock.ID(),
		userID:      sock.UserID(),
		userName:    sock.UserName(),
	})
}

// EnqueueVariable buffers one variable value write.
func (f *FieldUpdater) EnqueueVariable(sock Socket, workflowID string, update VariableUpdate) {
	f.debouncer.Enqueue(&fieldItem{
		kind:        fieldKindVariable,
		workflowID:  workflowID,
		variableID:  update.VariableID,
		field:       update.Field,
		value:       update.Value,
		operationID: update.OperationID,
		socketID:    sock.ID(),
		userID:      sock.UserID(),
		userName:    sock.UserName(),
	})
}

// flush is the debouncer's onFlush callback: it persists the latest
// value for the key and acknowledges every coalesced operationId.
func (f *FieldUpdater) flush(items []*fieldItem) error {
	if len(items) == 0 {
		return nil
	}
	last := items[len(items)-1]
	ctx := context.Background()

	var err error
	switch last.kind {
	case fieldKindSubBlock:
		err = f.store.SetSubBlock(ctx, last.workflowID, last.blockID, last.subBlockID, last.value)
	default:
		err = f.store.SetVariable(ctx, last.workflowID, last.variableID, last.field, last.value)
	}

	if f.metrics != nil {
		f.metrics.RecordCoalesceFlush(fieldKindLabel(last.kind), err)
	}
	flushStatus := "success"
	if err != nil {
		flushStatus = "error"
	}
	f.diagnostics.EmitOperationApplied(&observability.OperationAppliedEvent{
		WorkflowID: last.workflowID, Operation: "field-update", Target: fieldKindLabel(last.kind), Status: flushStatus,
	})

	if err != nil {
		retryable := !errors.Is(err, storage.ErrNotFound)
		for _, item := range items {
			f.rooms.SendTo(item.socketID, "operation-failed", OperationFailed{
				OperationID: item.operationID,
				Error:       "failed to persist field update",
				Retryable:   retryable,
			})
		}
		return err
	}

	f.rooms.MarkModified(last.workflowID)

	contributors := make(map[string]struct{}, len(items))
	for _, item := range items {
		contributors[item.socketID] = struct{}{}
	}
	except := make([]string, 0, len(contributors))
	for socketID := range contributors {
		except = append(except, socketID)
	}

	event, payload := broadcastPayload(last)
	f.rooms.Broadcast(last.workflowID, event, Broadcast{
		SenderID: last.socketID,
		UserID:   last.userID,
		UserName: last.userName,
		Payload:  payload,
		Meta:     BroadcastMeta{WorkflowID: last.workflowID, OperationID: last.operationID},
	}, except...)

	now := time.Now().UnixMilli()
	for _, item := range items {
		f.rooms.SendTo(item.socketID, "operation-confirmed", OperationConfirmed{OperationID: item.operationID, ServerTimestamp: now})
	}
	return nil
}

func fieldKindLabel(kind fieldKind) string {
	if kind == fieldKindSubBlock {
		return "subblock"
	}
	return "variable"
}

func broadcastPayload(item *fieldItem) (string, any) {
	if item.kind == fieldKindSubBlock {
		return "subblock-update", SubblockUpdate{
			BlockID:    item.blockID,
			SubblockID: item.subBlockID,
			Value:      item.value,
		}
	}
	return "variable-update", VariableUpdate{
		VariableID: item.variableID,
		Field:      item.field,
		Value:      item.value,
	}
}

func (f *FieldUpdater) onFlushError(err error, items []*fieldItem) {
	if f.logger == nil || len(items) == 0 {
		return
	}
	f.logger.Error(context.Background(), "realtime: field update flush failed",
		"workflowId", items[0].workflowID, "error", err, "coalesced", len(items))
}

// Stop flushes and cancels every pending debounce timer, used on
// server shutdown.
func (f *FieldUpdater) Stop() {
	f.debouncer.Stop()
}
