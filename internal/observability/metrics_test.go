package observability

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsRegistersAgainstIsolatedRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newMetricsWith(registry)

	if metrics.ProviderRequestDuration == nil || metrics.HTTPRequestCounter == nil {
		t.Fatal("expected all metric fields to be constructed")
	}

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Error("expected metrics to be registered against the passed registry")
	}
}

func TestRecordProviderRequest(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newMetricsWith(registry)

	metrics.RecordProviderRequest("anthropic", "claude-3-opus", "success", 1.5, 100, 50)
	metrics.RecordProviderRequest("anthropic", "claude-3-opus", "error", 0.2, 0, 0)

	if count := testutil.CollectAndCount(metrics.ProviderRequestCounter); count != 2 {
		t.Errorf("expected 2 label combinations, got %d", count)
	}

	expected := `
		# HELP workflow_core_provider_tokens_total Total number of tokens used by provider, model, and type
		# TYPE workflow_core_provider_tokens_total counter
		workflow_core_provider_tokens_total{model="claude-3-opus",provider="anthropic",type="completion"} 50
		workflow_core_provider_tokens_total{model="claude-3-opus",provider="anthropic",type="prompt"} 100
	`
	if err := testutil.CollectAndCompare(metrics.ProviderTokensUsed, strings.NewReader(expected), "workflow_core_provider_tokens_total"); err != nil {
		t.Errorf("unexpected token metric: %v", err)
	}
}

func TestRecordProviderRequestSkipsZeroTokenUpdates(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newMetricsWith(registry)

	metrics.RecordProviderRequest("ollama", "llama3", "error", 0.05, 0, 0)

	if count := testutil.CollectAndCount(metrics.ProviderTokensUsed); count != 0 {
		t.Errorf("expected no token series when token counts are zero, got %d", count)
	}
}

func TestRecordToolLoopRun(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newMetricsWith(registry)

	metrics.RecordToolLoopRun("openai", 3)
	metrics.RecordToolLoopRun("openai", 1)

	if count := testutil.CollectAndCount(metrics.ToolLoopIterations); count != 1 {
		t.Errorf("expected a single provider series, got %d", count)
	}
}

func TestRecordToolExecution(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newMetricsWith(registry)

	metrics.RecordToolExecution("web_search", "success", 0.3)
	metrics.RecordToolExecution("web_search", "success", 0.4)
	metrics.RecordToolExecution("browser", "error", 1.2)

	expected := `
		# HELP workflow_core_tool_executions_total Total number of tool executions by tool name and status
		# TYPE workflow_core_tool_executions_total counter
		workflow_core_tool_executions_total{status="error",tool_name="browser"} 1
		workflow_core_tool_executions_total{status="success",tool_name="web_search"} 2
	`
	if err := testutil.CollectAndCompare(metrics.ToolExecutionCounter, strings.NewReader(expected), "workflow_core_tool_executions_total"); err != nil {
		t.Errorf("unexpected tool execution metric: %v", err)
	}
}

func TestRecordRateLimitDecision(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newMetricsWith(registry)

	metrics.RecordRateLimitDecision("team", "sync", true)
	metrics.RecordRateLimitDecision("team", "sync", false)

	expected := `
		# HELP workflow_core_rate_limit_decisions_total Rate limiter allow/deny decisions by plan and counter
		# TYPE workflow_core_rate_limit_decisions_total counter
		workflow_core_rate_limit_decisions_total{allowed="false",counter="sync",plan="team"} 1
		workflow_core_rate_limit_decisions_total{allowed="true",counter="sync",plan="team"} 1
	`
	if err := testutil.CollectAndCompare(metrics.RateLimitDecisions, strings.NewReader(expected), "workflow_core_rate_limit_decisions_total"); err != nil {
		t.Errorf("unexpected rate limit metric: %v", err)
	}
}

func TestRoomJoinedAndLeft(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newMetricsWith(registry)

	metrics.RoomJoined(true)  // first socket, new room
	metrics.RoomJoined(false) // second socket, same room

	if got := testutil.ToFloat64(metrics.RoomActiveConnections); got != 2 {
		t.Errorf("expected 2 active connections, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.RoomsActive); got != 1 {
		t.Errorf("expected 1 active room, got %v", got)
	}

	metrics.RoomLeft(false) // one socket leaves, room stays open
	if got := testutil.ToFloat64(metrics.RoomActiveConnections); got != 1 {
		t.Errorf("expected 1 active connection after leave, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.RoomsActive); got != 1 {
		t.Errorf("expected room to remain active, got %v", got)
	}

	metrics.RoomLeft(true) // last socket leaves, room closes
	if got := testutil.ToFloat64(metrics.RoomActiveConnections); got != 0 {
		t.Errorf("expected 0 active connections, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.RoomsActive); got != 0 {
		t.Errorf("expected 0 active rooms, got %v", got)
	}
}

func TestRecordCoalesceFlush(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newMetricsWith(registry)

	metrics.RecordCoalesceFlush("subblock", nil)
	metrics.RecordCoalesceFlush("variable", errors.New("persist failed"))

	expected := `
		# HELP workflow_core_coalesce_flushes_total FieldUpdater debounce flushes by field kind and outcome
		# TYPE workflow_core_coalesce_flushes_total counter
		workflow_core_coalesce_flushes_total{kind="subblock",status="success"} 1
		workflow_core_coalesce_flushes_total{kind="variable",status="error"} 1
	`
	if err := testutil.CollectAndCompare(metrics.CoalesceFlushes, strings.NewReader(expected), "workflow_core_coalesce_flushes_total"); err != nil {
		t.Errorf("unexpected coalesce metric: %v", err)
	}
}

func TestRecordOperation(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newMetricsWith(registry)

	metrics.RecordOperation("position", nil)
	metrics.RecordOperation("general", errors.New("apply failed"))

	if count := testutil.CollectAndCount(metrics.OperationsHandled); count != 2 {
		t.Errorf("expected 2 label combinations, got %d", count)
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newMetricsWith(registry)

	metrics.RecordHTTPRequest("POST", "/v1/complete", "200", 0.05)
	metrics.RecordHTTPRequest("POST", "/v1/complete", "429", 0.01)

	if count := testutil.CollectAndCount(metrics.HTTPRequestCounter); count != 2 {
		t.Errorf("expected 2 label combinations, got %d", count)
	}
}

func TestMetricsConcurrentRecording(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newMetricsWith(registry)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			metrics.RecordProviderRequest("openai", "gpt-4", "success", 0.1, 10, 5)
		}()
		go func() {
			defer wg.Done()
			metrics.RoomJoined(false)
		}()
	}
	wg.Wait()

	if got := testutil.ToFloat64(metrics.RoomActiveConnections); got != 50 {
		t.Errorf("expected 50 active connections after concurrent joins, got %v", got)
	}
}

func TestBoolAndStatusLabels(t *testing.T) {
	if boolLabel(true) != "true" || boolLabel(false) != "false" {
		t.Error("unexpected boolLabel output")
	}
	if statusLabel(nil) != "success" {
		t.Error("expected nil error to label success")
	}
	if statusLabel(errors.New("boom")) != "error" {
		t.Error("expected non-nil error to label error")
	}
}
