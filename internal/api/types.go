// Package api exposes the HTTP completion endpoint that drives the
// provider orchestrator (C1-C4) end to end: POST /v1/complete decodes a
// CompletionRequest, resolves the named adapter, runs it through the
// tool-call loop, and replies with either a buffered ProviderResponse or
// an SSE stream of text deltas.
package api

import (
	"github.com/simstudio/workflow-core/pkg/provider"
)

// CompletionRequest is the wire body of POST /v1/complete: a
// ProviderRequest plus the adapter-selection and tool-dispatch fields
// toolloop.Request needs that ProviderRequest itself has no room for.
type CompletionRequest struct {
	Provider       string                   `json:"provider"`
	Model          string                   `json:"model"`
	SystemPrompt   string                   `json:"systemPrompt,omitempty"`
	Context        string                   `json:"context,omitempty"`
	Messages       []provider.Message       `json:"messages"`
	Tools          []provider.ToolDefinition `json:"tools,omitempty"`
	ForcedTools    []string                 `json:"forcedTools,omitempty"`
	ResponseFormat *provider.ResponseFormat `json:"responseFormat,omitempty"`
	Temperature    *float64                 `json:"temperature,omitempty"`
	MaxTokens      int                      `json:"maxTokens,omitempty"`
	Stream         bool                     `json:"stream,omitempty"`

	// ReferenceID identifies the organisation a team/enterprise plan
	// acts on behalf of; see ratelimit.SelectKey. Empty keys on UserID.
	ReferenceID string `json:"referenceId,omitempty"`
	// TriggerType and Async select the rate-limit counter consulted
	// before the request is allowed through (ratelimit.SelectCounter).
	TriggerType string `json:"triggerType,omitempty"`
	Async       bool   `json:"async,omitempty"`
	Manual      bool   `json:"manual,omitempty"`
}

// CompletionResponse is the JSON body returned for a non-streaming
// completion.
type CompletionResponse struct {
	Content     string                   `json:"content"`
	ToolCalls   []provider.ToolCall      `json:"toolCalls,omitempty"`
	ToolResults []provider.ToolCall      `json:"toolResults,omitempty"`
	Tokens      provider.TokenUsage      `json:"tokens"`
	Timing      *provider.ProviderTiming `json:"timing,omitempty"`
}
