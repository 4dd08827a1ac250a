// Package toolloop drives the model-agnostic tool-calling state machine:
// issue a call, detect tool_calls, dispatch them, feed results back, and
// repeat until the model stops asking for tools or the iteration bound is
// hit.
//
//	        ┌──────────────┐
//	  init→ │ INITIAL_CALL │───(no tool_calls)──→ DONE
//	        └──────┬───────┘
//	               │ tool_calls present
//	               ▼
//	        ┌──────────────┐       for each tool_call:
//	        │ EXECUTE_TOOLS│ ───── executeTool
//	        └──────┬───────┘       append assistant(tool_calls) + tool(result)
//	               │
//	               ▼
//	        ┌──────────────┐
//	        │ NEXT_CALL    │──(no tool_calls)──→ DONE
//	        └──────┬───────┘
//	               │ tool_calls present AND iter < MAX_ITERATIONS
//	               └──→ EXECUTE_TOOLS
package toolloop

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/simstudio/workflow-core/internal/telemetry"
	"github.com/simstudio/workflow-core/pkg/provider"
)

// MaxIterations bounds the number of model round-trips per request. On
// reaching the bound the loop stops and the last model content becomes
// the answer; no error is raised.
const MaxIterations = 10

// Executor runs a single tool call and returns its result content.
// isError marks the result as a tool-side failure (still fed back to the
// model, never surfaced as a Go error).
type Executor func(ctx context.Context, call provider.ToolCallRequest) (content string, isError bool)

// ToolError wraps a tool invocation failure. It never escapes the loop:
// failures are always folded into the tool result message sent back to
// the model.
type ToolError struct {
	ToolName string
	Cause    error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %q failed: %v", e.ToolName, e.Cause)
}

func (e *ToolError) Unwrap() error { return e.Cause }

// Request describes one tool-calling run.
type Request struct {
	Provider       provider.Provider
	Model          string
	SystemPrompt   string
	Context        string
	Messages       []provider.Message
	Tools          []provider.ToolDefinition
	ForcedTools    []string
	ResponseFormat *provider.ResponseFormat
	Temperature    *float64
	MaxTokens      int
	Stream         bool
	Execute        Executor
}

// Result is the outcome of a completed run. ToolCalls records every
// invocation attempted; ToolResults is the subset that succeeded.
type Result struct {
	Content     string
	ToolCalls   []provider.ToolCall
	ToolResults []provider.ToolCall
	Tokens      provider.TokenUsage
	Timing      *provider.ProviderTiming
}

var fencedJSON = regexp.MustCompile("(?s)^```(?:json)?\\s*\\n?(.*?)\\n?```$")

// stripFencedJSON removes a surrounding ```json ... ``` fence from
// assistant content, per the provider response-cleanup contract.
func stripFencedJSON(content string) string {
	trimmed := strings.TrimSpace(content)
	if m := fencedJSON.FindStringSubmatch(trimmed); m != nil {
		return strings.TrimSpace(m[1])
	}
	return content
}

func toolSignature(name string, args json.RawMessage) string {
	return name + "-" + string(args)
}

// Run executes the state machine described above.
func Run(ctx context.Context, req *Request) (*Result, error) {
	if req.Provider == nil {
		return nil, &provider.ConfigError{Message: "toolloop: provider is required"}
	}

	clock := telemetry.New()
	messages := append([]provider.Message(nil), req.Messages...)

	forced := make(map[string]bool, len(req.ForcedTools))
	for _, name := range req.ForcedTools {
		forced[name] = false // false = not yet used
	}

	seenSignatures := make(map[string]bool)
	var allToolCalls []provider.ToolCall
	var tokens provider.TokenUsage
	var finalContent string
	duplicateBreak := false

	for iter := 0; iter <= MaxIterations; iter++ {
		toolChoiceNone := duplicateBreak || iter == MaxIterations
		streamForIteration := req.Stream

		segName := fmt.Sprintf("model-call-%d", iter)
		clock.Start(telemetry.SegmentModel, segName)

		providerReq := buildProviderRequest(req, messages, forced, toolChoiceNone, streamForIteration)

		content, toolCalls, usage, err := callProvider(ctx, req.Provider, providerReq)
		clock.End(telemetry.SegmentModel, segName)
		if err != nil {
			return nil, attachTiming(err, clock)
		}

		tokens.Prompt += usage.Prompt
		tokens.Completion += usage.Completion
		tokens.Total += usage.Total

		finalContent = stripFencedJSON(content)

		if len(toolCalls) == 0 || toolChoiceNone {
			break
		}

		duplicateBreak = markDuplicates(toolCalls, seenSignatures)

		messages = append(messages, provider.Message{Role: provider.RoleAssistant, Content: finalContent, ToolCalls: toolCalls})

		for _, tc := range toolCalls {
			markForcedUsed(forced, tc.Name)

			result := executeOne(ctx, clock, req.Execute, tc)
			allToolCalls = append(allToolCalls, result)

			messages = append(messages, toolResultMessage(tc, result))
		}
	}

	timing := clock.Finish()
	return &Result{
		Content:     finalContent,
		ToolCalls:   allToolCalls,
		ToolResults: successfulToolCalls(allToolCalls),
		Tokens:      tokens,
		Timing:      timing,
	}, nil
}

// successfulToolCalls filters toolCalls down to the ones that completed
// without error, per the toolCalls/toolResults distinction on
// ProviderResponse.
func successfulToolCalls(calls []provider.ToolCall) []provider.ToolCall {
	var results []provider.ToolCall
	for _, c := range calls {
		if c.Success {
			results = append(results, c)
		}
	}
	return results
}

// callProvider drains a provider's completion channel into an aggregated
// content string, the tool calls requested, and accumulated token usage.
func callProvider(ctx context.Context, p provider.Provider, req *provider.ProviderRequest) (string, []provider.ToolCallRequest, provider.TokenUsage, error) {
	stream, err := p.Complete(ctx, req)
	if err != nil {
		return "", nil, provider.TokenUsage{}, err
	}

	var content strings.Builder
	var toolCalls []provider.ToolCallRequest
	var usage provider.TokenUsage

	for chunk := range stream {
		if chunk.Error != nil {
			return "", nil, usage, chunk.Error
		}
		if chunk.Text != "" {
			content.WriteString(chunk.Text)
		}
		if chunk.ToolCall != nil {
			toolCalls = append(toolCalls, *chunk.ToolCall)
		}
		if chunk.InputTokens > 0 {
			usage.Prompt += chunk.InputTokens
		}
		if chunk.OutputTokens > 0 {
			usage.Completion += chunk.OutputTokens
		}
	}
	usage.Total = usage.Prompt + usage.Completion

	return content.String(), toolCalls, usage, nil
}

func buildProviderRequest(req *Request, messages []provider.Message, forced map[string]bool, toolChoiceNone, stream bool) *provider.ProviderRequest {
	var tools []provider.ToolDefinition
	if !toolChoiceNone {
		// Final non-tool follow-up drops tool declarations entirely so the
		// backend cannot re-trigger a call. Copy the rest so per-iteration
		// forced-tool mutation below never touches the caller's slice.
		tools = append(tools, req.Tools...)
	}

	pr := &provider.ProviderRequest{
		Model:          req.Model,
		SystemPrompt:   req.SystemPrompt,
		Context:        req.Context,
		Messages:       messages,
		Tools:          tools,
		ResponseFormat: req.ResponseFormat,
		Temperature:    req.Temperature,
		MaxTokens:      req.MaxTokens,
		Stream:         stream,
	}

	if !toolChoiceNone && req.Provider.SupportsForcedTools() {
		if next := nextUnusedForced(forced); next != "" {
			for i := range pr.Tools {
				if pr.Tools[i].ID == next {
					pr.Tools[i].UsageControl = provider.UsageForce
				}
			}
		}
	}

	return pr
}

func nextUnusedForced(forced map[string]bool) string {
	for name, used := range forced {
		if !used {
			return name
		}
	}
	return ""
}

func markForcedUsed(forced map[string]bool, name string) {
	if _, ok := forced[name]; ok {
		forced[name] = true
	}
}

// markDuplicates records each call's (name, arguments) signature and
// reports whether a repeat was seen — the Cerebras-class break condition.
func markDuplicates(calls []provider.ToolCall, seen map[string]bool) bool {
	duplicate := false
	for _, tc := range calls {
		sig := toolSignature(tc.Name, tc.Arguments)
		if seen[sig] {
			duplicate = true
			continue
		}
		seen[sig] = true
	}
	return duplicate
}

func executeOne(ctx context.Context, clock *telemetry.Clock, exec Executor, tc provider.ToolCallRequest) provider.ToolCall {
	start := time.Now()
	clock.Start(telemetry.SegmentTool, tc.Name)

	var content string
	var isError bool
	if exec == nil {
		content, isError = "no tool executor configured", true
	} else {
		content, isError = exec(ctx, tc)
	}

	clock.End(telemetry.SegmentTool, tc.Name)
	end := time.Now()

	return provider.ToolCall{
		ID:        tc.ID,
		Name:      tc.Name,
		State:     terminalState(isError),
		Arguments: tc.Arguments,
		StartTime: start,
		EndTime:   end,
		Duration:  end.Sub(start),
		Result:    content,
		Success:   !isError,
	}
}

func terminalState(isError bool) provider.ToolCallState {
	if isError {
		return provider.ToolCallError
	}
	return provider.ToolCallSuccess
}

// toolResultMessage builds the tool-role message fed back to the model.
// Failures carry a structured error payload rather than raw content.
func toolResultMessage(tc provider.ToolCallRequest, result provider.ToolCall) provider.Message {
	content := result.Result
	if !result.Success {
		payload, _ := json.Marshal(map[string]any{"error": true, "message": result.Result, "tool": tc.Name})
		content = string(payload)
	}
	return provider.Message{Role: provider.RoleTool, Content: content, ToolCallID: tc.ID}
}

func attachTiming(err error, clock *telemetry.Clock) error {
	timing := clock.Finish()
	var failure *provider.Failure
	if asFailure(err, &failure) {
		return failure.WithTiming(timing)
	}
	return err
}

func asFailure(err error, target **provider.Failure) bool {
	f, ok := err.(*provider.Failure)
	if !ok {
		return false
	}
	*target = f
	return true
}
