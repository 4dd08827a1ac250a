package observability

import (
	"sync"
	"testing"
)

func TestDiagnosticEmitterDisabledByDefault(t *testing.T) {
	e := NewDiagnosticEmitter()
	if e.Enabled() {
		t.Fatal("expected a new emitter to start disabled")
	}

	received := false
	e.Subscribe(func(event DiagnosticEventPayload) { received = true })
	e.EmitProviderRequest(&ProviderRequestEvent{Provider: "openai", Model: "gpt-4"})

	if received {
		t.Error("expected no listener delivery while disabled")
	}
}

func TestDiagnosticEmitterDeliversToListeners(t *testing.T) {
	e := NewDiagnosticEmitter()
	e.SetEnabled(true)

	var mu sync.Mutex
	var got []DiagnosticEventPayload
	e.Subscribe(func(event DiagnosticEventPayload) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, event)
	})

	e.EmitToolExecution(&ToolExecutionEvent{ToolName: "search", Status: "success", DurationMs: 12})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got[0].EventType() != EventTypeToolExecution {
		t.Errorf("expected %s, got %s", EventTypeToolExecution, got[0].EventType())
	}
	if got[0].Sequence() != 1 {
		t.Errorf("expected sequence 1, got %d", got[0].Sequence())
	}
}

func TestDiagnosticEmitterSequenceIncrements(t *testing.T) {
	e := NewDiagnosticEmitter()
	e.SetEnabled(true)

	ev1 := &RoomMembershipEvent{WorkflowID: "wf-1", UserID: "user-1"}
	ev2 := &RoomMembershipEvent{WorkflowID: "wf-1", UserID: "user-2"}
	e.EmitRoomJoined(ev1)
	e.EmitRoomJoined(ev2)

	if ev1.Sequence() >= ev2.Sequence() {
		t.Errorf("expected increasing sequence numbers, got %d then %d", ev1.Sequence(), ev2.Sequence())
	}
}

func TestDiagnosticEmitterUnsubscribe(t *testing.T) {
	e := NewDiagnosticEmitter()
	e.SetEnabled(true)

	count := 0
	unsubscribe := e.Subscribe(func(event DiagnosticEventPayload) { count++ })

	e.EmitOperationApplied(&OperationAppliedEvent{WorkflowID: "wf-1", Operation: "update", Target: "position", Status: "success"})
	unsubscribe()
	e.EmitOperationApplied(&OperationAppliedEvent{WorkflowID: "wf-1", Operation: "update", Target: "position", Status: "success"})

	if count != 1 {
		t.Errorf("expected exactly 1 delivery before unsubscribe, got %d", count)
	}
}

func TestDiagnosticEmitterNilReceiverIsSafe(t *testing.T) {
	var e *DiagnosticEmitter

	// None of these should panic on a nil emitter, matching the pattern
	// used by optional Logger/Metrics fields elsewhere in this package.
	e.EmitProviderRequest(&ProviderRequestEvent{Provider: "openai"})
	e.EmitToolExecution(&ToolExecutionEvent{ToolName: "search"})
	e.EmitRateLimitDecided(&RateLimitDecidedEvent{Plan: "pro"})
	e.EmitRoomJoined(&RoomMembershipEvent{WorkflowID: "wf-1"})
	e.EmitRoomLeft(&RoomMembershipEvent{WorkflowID: "wf-1"})
	e.EmitOperationApplied(&OperationAppliedEvent{WorkflowID: "wf-1"})
}

func TestDiagnosticEmitterConcurrentEmit(t *testing.T) {
	e := NewDiagnosticEmitter()
	e.SetEnabled(true)

	var mu sync.Mutex
	seen := 0
	e.Subscribe(func(event DiagnosticEventPayload) {
		mu.Lock()
		seen++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.EmitToolExecution(&ToolExecutionEvent{ToolName: "search", Status: "success"})
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if seen != 50 {
		t.Errorf("expected 50 deliveries, got %d", seen)
	}
}
