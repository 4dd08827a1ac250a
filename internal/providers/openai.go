// Package providers implements provider.Provider for every LLM backend
// named in the specification: OpenAI, Anthropic, Google Gemini, Ollama,
// Groq, Cerebras, Mistral (all OpenAI-compatible), and optionally
// Anthropic-on-Bedrock.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
	"github.com/simstudio/workflow-core/internal/providers/toolconv"
	"github.com/simstudio/workflow-core/pkg/provider"
)

// OpenAIProvider implements provider.Provider for OpenAI's API and, by
// config, any OpenAI-compatible endpoint (Groq, Cerebras, Mistral).
type OpenAIProvider struct {
	client         *openai.Client
	name           string
	defaultModel   string
	base           BaseProvider
	supportsForced bool
}

var _ provider.Provider = (*OpenAIProvider)(nil)

// OpenAICompatConfig configures an OpenAI-wire-compatible backend.
type OpenAICompatConfig struct {
	// Name is the provider name reported by Name() — "openai", "groq",
	// "cerebras", or "mistral".
	Name string
	// APIKey authenticates against the backend.
	APIKey string
	// BaseURL overrides the OpenAI API base, for Groq/Cerebras/Mistral
	// endpoints that speak the same wire format at a different host.
	BaseURL string
	// DefaultModel is used when ProviderRequest.Model is empty.
	DefaultModel string
	// SupportsForcedTools is false for backends that cannot honour an
	// explicit {type:function, function:{name}} tool_choice (Groq,
	// Cerebras); spec §4.1 requires coercing forced choices to "auto"
	// on those backends.
	SupportsForcedTools bool
}

// NewOpenAIProvider creates an OpenAI-compatible provider.
func NewOpenAIProvider(cfg OpenAICompatConfig) *OpenAIProvider {
	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	if cfg.APIKey == "" {
		return &OpenAIProvider{name: name, base: NewBaseProvider()}
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIProvider{
		client:         openai.NewClientWithConfig(clientCfg),
		name:           name,
		defaultModel:   cfg.DefaultModel,
		base:           NewBaseProvider(),
		supportsForced: cfg.SupportsForcedTools,
	}
}

func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) Models() []provider.Model {
	if p.name != "openai" {
		if p.defaultModel == "" {
			return nil
		}
		return []provider.Model{{ID: p.defaultModel, Name: p.defaultModel}}
	}
	return []provider.Model{
		{ID: "gpt-4o", Name: "GPT-4o", ContextSize: 128000, SupportsVision: true},
		{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", ContextSize: 128000, SupportsVision: true},
		{ID: "gpt-4", Name: "GPT-4", ContextSize: 8192},
		{ID: "gpt-3.5-turbo", Name: "GPT-3.5 Turbo", ContextSize: 16385},
	}
}

func (p *OpenAIProvider) SupportsTools() bool       { return true }
func (p *OpenAIProvider) SupportsForcedTools() bool { return p.supportsForced }

// Complete sends a streaming chat request and returns the decoded chunk
// channel. ProviderRequest.Stream is honoured by the caller (the
// tool-call loop engine) deciding how to consume the channel; OpenAI's
// wire protocol is always requested in streaming mode here because the
// accumulation logic is identical either way.
func (p *OpenAIProvider) Complete(ctx context.Context, req *provider.ProviderRequest) (<-chan *provider.CompletionChunk, error) {
	if p.client == nil {
		return nil, &provider.ConfigError{Message: fmt.Sprintf("%s: API key not configured", p.name)}
	}

	messages, err := p.convertMessages(req)
	if err != nil {
		return nil, fmt.Errorf("convert messages: %w", err)
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		chatReq.Temperature = float32(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = toolconv.ToOpenAITools(req.Tools)
		chatReq.ToolChoice = p.toolChoice(req)
	}
	if req.ResponseFormat != nil {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   req.ResponseFormat.Name,
				Schema: json.RawMessage(req.ResponseFormat.Schema),
				Strict: req.ResponseFormat.Strict,
			},
		}
	}

	var stream *openai.ChatCompletionStream
	err = p.base.Retry(ctx, func(attempt int) error {
		var streamErr error
		stream, streamErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		return streamErr
	})
	if err != nil {
		return nil, provider.NewFailure(p.name, model, err)
	}

	chunks := make(chan *provider.CompletionChunk)
	go p.processStream(ctx, stream, chunks)
	return chunks, nil
}

// toolChoice picks the next unused forced tool, or "auto" once every
// forced tool has fired or the backend cannot honour forcing.
func (p *OpenAIProvider) toolChoice(req *provider.ProviderRequest) any {
	if !p.supportsForced {
		return "auto"
	}
	for _, t := range req.Tools {
		if t.UsageControl == provider.UsageForce {
			return openai.ToolChoice{Type: openai.ToolTypeFunction, Function: openai.ToolFunction{Name: t.ID}}
		}
	}
	return "auto"
}

func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- *provider.CompletionChunk) {
	defer close(out)
	defer stream.Close()

	toolCalls := make(map[int]*provider.ToolCallRequest)
	var promptTokens, completionTokens int

	for {
		select {
		case <-ctx.Done():
			out <- &provider.CompletionChunk{Error: ctx.Err(), Done: true}
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flushToolCalls(toolCalls, out)
				out <- &provider.CompletionChunk{Done: true, InputTokens: promptTokens, OutputTokens: completionTokens}
				return
			}
			out <- &provider.CompletionChunk{Error: err, Done: true}
			return
		}

		if resp.Usage != nil {
			promptTokens = resp.Usage.PromptTokens
			completionTokens = resp.Usage.CompletionTokens
		}

		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta

		if delta.Content != "" {
			out <- &provider.CompletionChunk{Text: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			if toolCalls[idx] == nil {
				toolCalls[idx] = &provider.ToolCallRequest{}
			}
			if tc.ID != "" {
				toolCalls[idx].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[idx].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[idx].Arguments = append(toolCalls[idx].Arguments, []byte(tc.Function.Arguments)...)
			}
		}

		if resp.Choices[0].FinishReason == openai.FinishReasonToolCalls {
			flushToolCalls(toolCalls, out)
			toolCalls = make(map[int]*provider.ToolCallRequest)
		}
	}
}

func flushToolCalls(toolCalls map[int]*provider.ToolCallRequest, out chan<- *provider.CompletionChunk) {
	for _, tc := range toolCalls {
		if tc.ID != "" && tc.Name != "" {
			out <- &provider.CompletionChunk{ToolCall: tc}
		}
	}
}

func (p *OpenAIProvider) convertMessages(req *provider.ProviderRequest) ([]openai.ChatCompletionMessage, error) {
	out := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+2)

	if req.SystemPrompt != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt})
	}
	if req.Context != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Context})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case provider.RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		case provider.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Content}
			if len(msg.ToolCalls) > 0 {
				oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					oaiMsg.ToolCalls[i] = openai.ToolCall{
						ID:   tc.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      tc.Name,
							Arguments: string(tc.Arguments),
						},
					}
				}
			}
			out = append(out, oaiMsg)
		default:
			out = append(out, openai.ChatCompletionMessage{Role: string(msg.Role), Content: msg.Content})
		}
	}

	return out, nil
}
