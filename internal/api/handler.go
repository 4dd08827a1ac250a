package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/simstudio/workflow-core/internal/observability"
	"github.com/simstudio/workflow-core/internal/ratelimit"
	"github.com/simstudio/workflow-core/internal/streamnorm"
	"github.com/simstudio/workflow-core/internal/toolloop"
	"github.com/simstudio/workflow-core/pkg/provider"
)

// Handler serves POST /v1/complete, the HTTP entrypoint driving C1-C4
// end to end: it authenticates the caller, enforces the rate limiter
// (C5), selects a provider adapter, and runs the tool-call loop.
type Handler struct {
	Providers   map[string]provider.Provider
	Limiter     *ratelimit.Limiter
	Auth        Authenticator
	Logger      *observability.Logger
	Metrics     *observability.Metrics
	Tracer      *observability.Tracer
	Diagnostics *observability.DiagnosticEmitter

	// Execute runs a tool call named by the model. Tool implementations
	// are an external collaborator (not this system's concern); nil
	// leaves every tool call unresolved, which toolloop folds into a
	// "no tool executor configured" result rather than failing the
	// request.
	Execute toolloop.Executor
}

// RegisterRoutes attaches the completion endpoint to mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/complete", h.handleComplete)
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	defer func() {
		if h.Metrics != nil {
			h.Metrics.RecordHTTPRequest(r.Method, "/v1/complete", statusCodeLabel(rec.status), time.Since(start).Seconds())
		}
	}()
	w = rec
	ctx := r.Context()

	identity, err := h.authenticator().Authenticate(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	ctx = observability.AddUserID(ctx, identity.UserID)

	var req CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, &ValidationError{Message: "invalid JSON body: " + err.Error()})
		return
	}
	if err := validateCompletionRequest(&req); err != nil {
		h.writeError(w, err)
		return
	}
	if req.ReferenceID != "" {
		ctx = observability.AddRunID(ctx, req.ReferenceID)
	}

	adapter, ok := h.Providers[req.Provider]
	if !ok {
		h.writeError(w, &UnknownProviderError{Name: req.Provider})
		return
	}

	var span trace.Span
	if h.Tracer != nil {
		ctx, span = h.Tracer.TraceCompletionRequest(ctx, req.Provider, req.Model, req.ReferenceID)
		defer span.End()
	}

	result := h.Limiter.Check(ctx, ratelimit.Plan(identity.Plan), req.ReferenceID, identity.UserID, req.TriggerType, req.Async, req.Manual)
	if h.Metrics != nil {
		h.Metrics.RecordRateLimitDecision(string(identity.Plan), req.TriggerType, result.Allowed)
	}
	h.Diagnostics.EmitRateLimitDecided(&observability.RateLimitDecidedEvent{
		Plan: string(identity.Plan), Counter: req.TriggerType, Allowed: result.Allowed,
		Used: result.Used, Limit: result.Limit,
	})
	if !result.Allowed {
		h.writeError(w, &RateLimitedError{Plan: identity.Plan, Counter: req.TriggerType, Limit: result.Limit, Used: result.Used})
		return
	}

	// Tool-bearing requests always resolve through the full loop, which
	// buffers every round (tool arguments cannot be dispatched from a
	// partial stream); only a tool-free request gets the true
	// incremental SSE path below.
	if req.Stream && len(req.Tools) == 0 {
		h.streamSingleTurn(ctx, w, adapter, &req)
		return
	}

	runStart := time.Now()
	run, err := toolloop.Run(ctx, h.buildRequest(adapter, &req))
	h.recordProviderRun(req.Provider, req.Model, run, err, runStart)
	if err != nil {
		if span != nil && h.Tracer != nil {
			h.Tracer.RecordError(span, err)
		}
		h.writeError(w, err)
		return
	}

	resp := CompletionResponse{Content: run.Content, ToolCalls: run.ToolCalls, ToolResults: run.ToolResults, Tokens: run.Tokens, Timing: run.Timing}
	if !req.Stream {
		h.writeJSON(w, http.StatusOK, resp)
		return
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		h.writeJSON(w, http.StatusOK, resp)
		return
	}
	if resp.Content != "" {
		sse.writeDelta(resp.Content)
	}
	sse.writeDone(resp)
}

// recordProviderRun emits provider-request and tool-loop-iteration
// metrics for one completed (or failed) toolloop.Run call.
func (h *Handler) recordProviderRun(providerName, model string, run *toolloop.Result, err error, start time.Time) {
	iterations := 0
	if run != nil && run.Timing != nil {
		iterations = run.Timing.Iterations
	}
	if h.Metrics != nil {
		h.Metrics.RecordProviderRequest(providerName, model, statusLabelFor(err), time.Since(start).Seconds(),
			runPromptTokens(run), runCompletionTokens(run))
		if iterations > 0 {
			h.Metrics.RecordToolLoopRun(providerName, iterations)
		}
	}
	h.Diagnostics.EmitProviderRequest(&observability.ProviderRequestEvent{
		Provider: providerName, Model: model, Status: statusLabelFor(err),
		DurationMs: time.Since(start).Milliseconds(), Iterations: iterations,
	})
}

func runPromptTokens(run *toolloop.Result) int {
	if run == nil {
		return 0
	}
	return run.Tokens.Prompt
}

func runCompletionTokens(run *toolloop.Result) int {
	if run == nil {
		return 0
	}
	return run.Tokens.Completion
}

func statusLabelFor(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func statusCodeLabel(status int) string {
	if status == 0 {
		status = http.StatusOK
	}
	return strconv.Itoa(status)
}

// statusRecorder captures the status code written by downstream
// handlers so RecordHTTPRequest can label it after the fact.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// streamSingleTurn drives a single provider round directly, bypassing
// the tool loop entirely, so text deltas reach the client as the
// backend emits them instead of only after the full response buffers.
func (h *Handler) streamSingleTurn(ctx context.Context, w http.ResponseWriter, adapter provider.Provider, req *CompletionRequest) {
	start := time.Now()
	providerReq := &provider.ProviderRequest{
		Model:          req.Model,
		SystemPrompt:   req.SystemPrompt,
		Context:        req.Context,
		Messages:       req.Messages,
		ResponseFormat: req.ResponseFormat,
		Temperature:    req.Temperature,
		MaxTokens:      req.MaxTokens,
		Stream:         true,
	}

	chunks, err := adapter.Complete(ctx, providerReq)
	if err != nil {
		if h.Metrics != nil {
			h.Metrics.RecordProviderRequest(req.Provider, req.Model, "error", time.Since(start).Seconds(), 0, 0)
		}
		h.writeError(w, err)
		return
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		h.writeError(w, errors.New("streaming unsupported by this response writer"))
		return
	}

	var final CompletionResponse
	var streamErr error
	events := streamnorm.Normalize(ctx, chunks, func(content string, usage *provider.TokenUsage) {
		final.Content = content
		if usage != nil {
			final.Tokens = *usage
		}
	})
	for event := range events {
		switch {
		case event.Err != nil:
			streamErr = event.Err
			sse.writeError(event.Err)
		case len(event.Bytes) > 0:
			sse.writeDelta(string(event.Bytes))
		case event.Done:
			sse.writeDone(final)
		}
	}
	if h.Metrics != nil {
		h.Metrics.RecordProviderRequest(req.Provider, req.Model, statusLabelFor(streamErr), time.Since(start).Seconds(),
			final.Tokens.Prompt, final.Tokens.Completion)
	}
}

func (h *Handler) buildRequest(adapter provider.Provider, req *CompletionRequest) *toolloop.Request {
	return &toolloop.Request{
		Provider:       adapter,
		Model:          req.Model,
		SystemPrompt:   req.SystemPrompt,
		Context:        req.Context,
		Messages:       req.Messages,
		Tools:          req.Tools,
		ForcedTools:    req.ForcedTools,
		ResponseFormat: req.ResponseFormat,
		Temperature:    req.Temperature,
		MaxTokens:      req.MaxTokens,
		Stream:         req.Stream,
		Execute:        h.instrumentedExecute(),
	}
}

// instrumentedExecute wraps the configured tool executor with a span
// per invocation (when a Tracer is attached) and a RecordToolExecution
// call per invocation (when Metrics is attached). With neither
// attached it returns h.Execute unmodified, including nil.
func (h *Handler) instrumentedExecute() toolloop.Executor {
	if h.Tracer == nil && h.Metrics == nil && h.Diagnostics == nil {
		return h.Execute
	}
	exec := h.Execute
	return func(ctx context.Context, call provider.ToolCallRequest) (string, bool) {
		start := time.Now()
		if call.ID != "" {
			ctx = observability.AddToolCallID(ctx, call.ID)
		}
		var span trace.Span
		if h.Tracer != nil {
			ctx, span = h.Tracer.TraceToolExecution(ctx, call.Name)
			defer span.End()
		}

		var content string
		var isError bool
		if exec != nil {
			content, isError = exec(ctx, call)
		} else {
			content, isError = "no tool executor configured", true
		}

		status := "success"
		if isError {
			status = "error"
		}
		if h.Metrics != nil {
			h.Metrics.RecordToolExecution(call.Name, status, time.Since(start).Seconds())
		}
		h.Diagnostics.EmitToolExecution(&observability.ToolExecutionEvent{
			ToolName: call.Name, Status: status, DurationMs: time.Since(start).Milliseconds(),
		})
		if span != nil && isError {
			h.Tracer.RecordError(span, errors.New(content))
		}
		return content, isError
	}
}

func (h *Handler) authenticator() Authenticator {
	if h.Auth != nil {
		return h.Auth
	}
	return HeaderAuthenticator{}
}

func validateCompletionRequest(req *CompletionRequest) error {
	if req.Provider == "" {
		return &ValidationError{Message: "provider is required"}
	}
	if len(req.Messages) == 0 {
		return &ValidationError{Message: "messages must not be empty"}
	}
	return nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil && h.Logger != nil {
		h.Logger.Error(context.Background(), "api: failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status, message := classifyError(err)
	h.writeJSON(w, status, map[string]string{"error": message})
}

func classifyError(err error) (int, string) {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return http.StatusUnauthorized, authErr.Error()
	}
	var rateErr *RateLimitedError
	if errors.As(err, &rateErr) {
		return http.StatusTooManyRequests, rateErr.Error()
	}
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return http.StatusBadRequest, validationErr.Error()
	}
	var unknownErr *UnknownProviderError
	if errors.As(err, &unknownErr) {
		return http.StatusBadRequest, unknownErr.Error()
	}
	var configErr *provider.ConfigError
	if errors.As(err, &configErr) {
		return http.StatusBadRequest, configErr.Error()
	}
	var failure *provider.Failure
	if errors.As(err, &failure) {
		status := failure.Status
		if status == 0 {
			status = http.StatusBadGateway
		}
		return status, failure.Error()
	}
	return http.StatusInternalServerError, err.Error()
}
