// Package observability also provides a lightweight diagnostic event
// bus: a secondary, non-Prometheus feed of individual request/tool/room
// events that an admin endpoint or local debugging session can
// subscribe to, independent of whatever scrapes /metrics.
package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

// DiagnosticEventType identifies the type of diagnostic event.
type DiagnosticEventType string

const (
	EventTypeProviderRequest  DiagnosticEventType = "provider.request"
	EventTypeToolExecution    DiagnosticEventType = "tool.execution"
	EventTypeRateLimitDecided DiagnosticEventType = "rate_limit.decided"
	EventTypeRoomJoined       DiagnosticEventType = "room.joined"
	EventTypeRoomLeft         DiagnosticEventType = "room.left"
	EventTypeOperationApplied DiagnosticEventType = "operation.applied"
)

// DiagnosticEvent is the envelope every concrete event embeds: a
// sequence number and millisecond timestamp stamped at emission time.
type DiagnosticEvent struct {
	Type DiagnosticEventType `json:"type"`
	Seq  int64               `json:"seq"`
	Ts   int64               `json:"ts"`
}

// ProviderRequestEvent records one completed provider adapter call.
type ProviderRequestEvent struct {
	DiagnosticEvent
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	Status     string `json:"status"`
	DurationMs int64  `json:"duration_ms"`
	Iterations int    `json:"iterations,omitempty"`
}

// ToolExecutionEvent records one tool invocation dispatched from the
// tool-call loop.
type ToolExecutionEvent struct {
	DiagnosticEvent
	ToolName   string `json:"tool_name"`
	Status     string `json:"status"`
	DurationMs int64  `json:"duration_ms"`
}

// RateLimitDecidedEvent records one Limiter.Check outcome.
type RateLimitDecidedEvent struct {
	DiagnosticEvent
	Plan    string `json:"plan"`
	Counter string `json:"counter"`
	Allowed bool   `json:"allowed"`
	Used    int    `json:"used"`
	Limit   int    `json:"limit"`
}

// RoomMembershipEvent records a socket joining or leaving a workflow
// room.
type RoomMembershipEvent struct {
	DiagnosticEvent
	WorkflowID string `json:"workflow_id"`
	UserID     string `json:"user_id"`
}

// OperationAppliedEvent records one workflow mutation operation.
type OperationAppliedEvent struct {
	DiagnosticEvent
	WorkflowID string `json:"workflow_id"`
	Operation  string `json:"operation"`
	Target     string `json:"target"`
	Status     string `json:"status"`
}

// DiagnosticEventPayload is the interface every concrete event
// satisfies through its embedded DiagnosticEvent.
type DiagnosticEventPayload interface {
	EventType() DiagnosticEventType
	Sequence() int64
	Timestamp() int64
}

func (e *DiagnosticEvent) EventType() DiagnosticEventType { return e.Type }
func (e *DiagnosticEvent) Sequence() int64                { return e.Seq }
func (e *DiagnosticEvent) Timestamp() int64               { return e.Ts }

// DiagnosticListener receives diagnostic events as they are emitted.
type DiagnosticListener func(event DiagnosticEventPayload)

// DiagnosticEmitter fans out diagnostic events to every registered
// listener. The zero value is disabled; call SetEnabled(true) once a
// listener (e.g. an admin websocket) is attached.
type DiagnosticEmitter struct {
	mu        sync.RWMutex
	seq       int64
	enabled   atomic.Bool
	listeners []DiagnosticListener
}

// NewDiagnosticEmitter builds a disabled emitter ready to accept
// listeners.
func NewDiagnosticEmitter() *DiagnosticEmitter {
	return &DiagnosticEmitter{}
}

// SetEnabled turns emission on or off. Disabled emitters drop every
// event without iterating listeners, so a nil or disabled emitter
// costs one atomic load per call site.
func (e *DiagnosticEmitter) SetEnabled(enabled bool) {
	e.enabled.Store(enabled)
}

// Enabled reports whether emission is currently turned on.
func (e *DiagnosticEmitter) Enabled() bool {
	return e.enabled.Load()
}

// Subscribe registers a listener and returns an unsubscribe function.
func (e *DiagnosticEmitter) Subscribe(listener DiagnosticListener) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := len(e.listeners)
	e.listeners = append(e.listeners, listener)
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if id < len(e.listeners) {
			e.listeners[id] = nil
		}
	}
}

func (e *DiagnosticEmitter) nextSeq() int64 {
	return atomic.AddInt64(&e.seq, 1)
}

func (e *DiagnosticEmitter) emit(event DiagnosticEventPayload) {
	if !e.Enabled() {
		return
	}
	e.mu.RLock()
	listeners := make([]DiagnosticListener, len(e.listeners))
	copy(listeners, e.listeners)
	e.mu.RUnlock()

	for _, listener := range listeners {
		if listener == nil {
			continue
		}
		listener(event)
	}
}

func (e *DiagnosticEmitter) stamp(base *DiagnosticEvent, eventType DiagnosticEventType) {
	base.Type = eventType
	base.Seq = e.nextSeq()
	base.Ts = time.Now().UnixMilli()
}

// EmitProviderRequest emits a ProviderRequestEvent.
func (e *DiagnosticEmitter) EmitProviderRequest(ev *ProviderRequestEvent) {
	if e == nil {
		return
	}
	e.stamp(&ev.DiagnosticEvent, EventTypeProviderRequest)
	e.emit(ev)
}

// EmitToolExecution emits a ToolExecutionEvent.
func (e *DiagnosticEmitter) EmitToolExecution(ev *ToolExecutionEvent) {
	if e == nil {
		return
	}
	e.stamp(&ev.DiagnosticEvent, EventTypeToolExecution)
	e.emit(ev)
}

// EmitRateLimitDecided emits a RateLimitDecidedEvent.
func (e *DiagnosticEmitter) EmitRateLimitDecided(ev *RateLimitDecidedEvent) {
	if e == nil {
		return
	}
	e.stamp(&ev.DiagnosticEvent, EventTypeRateLimitDecided)
	e.emit(ev)
}

// EmitRoomJoined emits a RoomMembershipEvent of type room.joined.
func (e *DiagnosticEmitter) EmitRoomJoined(ev *RoomMembershipEvent) {
	if e == nil {
		return
	}
	e.stamp(&ev.DiagnosticEvent, EventTypeRoomJoined)
	e.emit(ev)
}

// EmitRoomLeft emits a RoomMembershipEvent of type room.left.
func (e *DiagnosticEmitter) EmitRoomLeft(ev *RoomMembershipEvent) {
	if e == nil {
		return
	}
	e.stamp(&ev.DiagnosticEvent, EventTypeRoomLeft)
	e.emit(ev)
}

// EmitOperationApplied emits an OperationAppliedEvent.
func (e *DiagnosticEmitter) EmitOperationApplied(ev *OperationAppliedEvent) {
	if e == nil {
		return
	}
	e.stamp(&ev.DiagnosticEvent, EventTypeOperationApplied)
	e.emit(ev)
}
