package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/simstudio/workflow-core/internal/providers/toolconv"
	"github.com/simstudio/workflow-core/pkg/provider"
	"google.golang.org/genai"
)

// GoogleProvider implements provider.Provider for Google's Gemini models
// via the Gen AI SDK's streaming iterator.
type GoogleProvider struct {
	client       *genai.Client
	base         BaseProvider
	defaultModel string
}

var _ provider.Provider = (*GoogleProvider)(nil)

// GoogleConfig configures a GoogleProvider.
type GoogleConfig struct {
	APIKey       string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
}

// NewGoogleProvider creates a GoogleProvider. APIKey is required.
func NewGoogleProvider(cfg GoogleConfig) (*GoogleProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: create client: %w", err)
	}

	return &GoogleProvider{
		client:       client,
		base:         BaseProvider{maxRetries: cfg.MaxRetries, retryDelay: cfg.RetryDelay},
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *GoogleProvider) Name() string { return "google" }

func (p *GoogleProvider) Models() []provider.Model {
	return []provider.Model{
		{ID: "gemini-2.0-flash", Name: "Gemini 2.0 Flash", ContextSize: 1000000, SupportsVision: true},
		{ID: "gemini-2.0-flash-lite", Name: "Gemini 2.0 Flash Lite", ContextSize: 1000000, SupportsVision: true},
		{ID: "gemini-1.5-pro", Name: "Gemini 1.5 Pro", ContextSize: 2000000, SupportsVision: true},
		{ID: "gemini-1.5-flash", Name: "Gemini 1.5 Flash", ContextSize: 1000000, SupportsVision: true},
	}
}

func (p *GoogleProvider) SupportsTools() bool       { return true }
func (p *GoogleProvider) SupportsForcedTools() bool { return false }

// Complete always streams: it calls GenerateContentStream regardless of
// whether the request carries tools or sets Stream, and lets
// processStream assemble both text deltas and function-call parts off
// the same iterator.
func (p *GoogleProvider) Complete(ctx context.Context, req *provider.ProviderRequest) (<-chan *provider.CompletionChunk, error) {
	chunks := make(chan *provider.CompletionChunk)

	go func() {
		defer close(chunks)

		model := p.model(req.Model)
		contents := p.convertMessages(req.Messages)
		config := p.buildConfig(req)

		err := p.base.Retry(ctx, func(attempt int) error {
			streamIter := p.client.Models.GenerateContentStream(ctx, model, contents, config)
			return p.processStream(ctx, streamIter, chunks)
		})

		if err != nil {
			chunks <- &provider.CompletionChunk{Error: provider.NewFailure("google", model, err)}
			return
		}

		chunks <- &provider.CompletionChunk{Done: true}
	}()

	return chunks, nil
}

// processStream consumes Gemini's streaming iterator. Tool calls Gemini
// emits mid-stream have no ID of their own, so one is generated here.
func (p *GoogleProvider) processStream(ctx context.Context, streamIter iter.Seq2[*genai.GenerateContentResponse, error], chunks chan<- *provider.CompletionChunk) error {
	for resp, err := range streamIter {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil {
			return err
		}
		if resp == nil {
			continue
		}

		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" {
					chunks <- &provider.CompletionChunk{Text: part.Text}
				}
				if part.FunctionCall != nil {
					args, jsonErr := json.Marshal(part.FunctionCall.Args)
					if jsonErr != nil {
						args = []byte("{}")
					}
					chunks <- &provider.CompletionChunk{ToolCall: &provider.ToolCallRequest{
						ID:        uuid.NewString(),
						Name:      part.FunctionCall.Name,
						Arguments: args,
					}}
				}
			}
		}
	}
	return nil
}

func (p *GoogleProvider) convertMessages(messages []provider.Message) []*genai.Content {
	var result []*genai.Content

	toolNames := map[string]string{}
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			toolNames[tc.ID] = tc.Name
		}
	}

	for _, msg := range messages {
		if msg.Role == provider.RoleSystem {
			continue
		}

		content := &genai.Content{}
		switch msg.Role {
		case provider.RoleAssistant:
			content.Role = genai.RoleModel
		default:
			content.Role = genai.RoleUser
		}

		if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}

		for _, tc := range msg.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal(tc.Arguments, &args); err != nil {
				args = map[string]any{}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args},
			})
		}

		if msg.Role == provider.RoleTool {
			var response map[string]any
			if err := json.Unmarshal([]byte(msg.Content), &response); err != nil {
				response = map[string]any{"result": msg.Content}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     toolNames[msg.ToolCallID],
					Response: response,
				},
			})
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}

	return result
}

func (p *GoogleProvider) buildConfig(req *provider.ProviderRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	system := req.SystemPrompt
	if req.Context != "" {
		if system != "" {
			system += "\n\n" + req.Context
		} else {
			system = req.Context
		}
	}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}

	if req.MaxTokens > 0 {
		maxTokens := min(req.MaxTokens, math.MaxInt32)
		config.MaxOutputTokens = int32(maxTokens)
	}

	if len(req.Tools) > 0 {
		config.Tools = toolconv.ToGeminiTools(req.Tools)
	}

	return config
}

func (p *GoogleProvider) model(requested string) string {
	if requested == "" {
		return p.defaultModel
	}
	return requested
}
