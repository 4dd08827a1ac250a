package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/simstudio/workflow-core/pkg/provider"
)

// OllamaProvider implements provider.Provider against a local Ollama
// daemon's /api/chat NDJSON streaming endpoint. No official Go SDK
// exists for Ollama anywhere in the dependency set, so this adapter
// speaks the wire protocol directly over net/http.
type OllamaProvider struct {
	client       *http.Client
	baseURL      string
	defaultModel string
}

var _ provider.Provider = (*OllamaProvider)(nil)

// OllamaConfig configures an OllamaProvider.
type OllamaConfig struct {
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
}

// NewOllamaProvider creates an OllamaProvider. BaseURL defaults to
// http://localhost:11434 and Timeout to two minutes.
func NewOllamaProvider(cfg OllamaConfig) *OllamaProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	defaultModel := cfg.DefaultModel
	if defaultModel == "" {
		defaultModel = "llama3.1"
	}
	return &OllamaProvider{
		client:       &http.Client{Timeout: timeout},
		baseURL:      baseURL,
		defaultModel: defaultModel,
	}
}

func (p *OllamaProvider) Name() string { return "ollama" }

func (p *OllamaProvider) Models() []provider.Model {
	return []provider.Model{{ID: p.defaultModel, Name: p.defaultModel, ContextSize: 128000}}
}

func (p *OllamaProvider) SupportsTools() bool       { return true }
func (p *OllamaProvider) SupportsForcedTools() bool { return false }

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolName  string           `json:"tool_name,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function ollamaToolCallFn `json:"function"`
}

type ollamaToolCallFn struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type ollamaChatRequest struct {
	Model    string           `json:"model"`
	Stream   bool             `json:"stream"`
	Messages []ollamaMessage  `json:"messages"`
	Tools    []ollamaToolSpec `json:"tools,omitempty"`
	Options  ollamaOptions    `json:"options,omitempty"`
}

type ollamaToolSpec struct {
	Type     string             `json:"type"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
}

type ollamaChatResponse struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	Error           string        `json:"error"`
	EvalCount       int           `json:"eval_count"`
	PromptEvalCount int           `json:"prompt_eval_count"`
}

func (p *OllamaProvider) Complete(ctx context.Context, req *provider.ProviderRequest) (<-chan *provider.CompletionChunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	body := ollamaChatRequest{
		Model:    model,
		Stream:   true,
		Messages: p.buildMessages(req),
	}
	if req.Temperature != nil {
		body.Options.Temperature = *req.Temperature
	}
	if len(req.Tools) > 0 {
		body.Tools = p.convertTools(req.Tools)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("ollama: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, provider.NewFailure("ollama", model, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, provider.NewFailure("ollama", model, fmt.Errorf("ollama returned status %d", resp.StatusCode)).WithStatus(resp.StatusCode)
	}

	chunks := make(chan *provider.CompletionChunk)
	go func() {
		defer resp.Body.Close()
		defer close(chunks)
		p.streamResponse(resp.Body, chunks, model)
	}()

	return chunks, nil
}

// streamResponse decodes the NDJSON body emitted by /api/chat, one JSON
// object per line, and deduplicates repeated tool calls the daemon
// sometimes re-emits across lines.
func (p *OllamaProvider) streamResponse(body io.Reader, chunks chan<- *provider.CompletionChunk, model string) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	emitted := make(map[string]struct{})
	var promptTokens, completionTokens int

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk ollamaChatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}

		if chunk.Error != "" {
			chunks <- &provider.CompletionChunk{Error: provider.NewFailure("ollama", model, fmt.Errorf("%s", chunk.Error))}
			return
		}

		if chunk.Message.Content != "" {
			chunks <- &provider.CompletionChunk{Text: chunk.Message.Content}
		}

		for _, tc := range chunk.Message.ToolCalls {
			key := toolCallKey(tc)
			if _, ok := emitted[key]; ok {
				continue
			}
			emitted[key] = struct{}{}

			args, err := json.Marshal(tc.Function.Arguments)
			if err != nil {
				continue
			}
			chunks <- &provider.CompletionChunk{ToolCall: &provider.ToolCallRequest{
				ID:        uuid.NewString(),
				Name:      tc.Function.Name,
				Arguments: args,
			}}
		}

		if chunk.PromptEvalCount > 0 {
			promptTokens = chunk.PromptEvalCount
		}
		if chunk.EvalCount > 0 {
			completionTokens = chunk.EvalCount
		}

		if chunk.Done {
			chunks <- &provider.CompletionChunk{Done: true, InputTokens: promptTokens, OutputTokens: completionTokens}
			return
		}
	}

	if err := scanner.Err(); err != nil {
		chunks <- &provider.CompletionChunk{Error: provider.NewFailure("ollama", model, err)}
	}
}

func toolCallKey(tc ollamaToolCall) string {
	args, _ := json.Marshal(tc.Function.Arguments)
	return tc.Function.Name + ":" + string(args)
}

func (p *OllamaProvider) buildMessages(req *provider.ProviderRequest) []ollamaMessage {
	var messages []ollamaMessage

	if req.SystemPrompt != "" {
		messages = append(messages, ollamaMessage{Role: "system", Content: req.SystemPrompt})
	}
	if req.Context != "" {
		messages = append(messages, ollamaMessage{Role: "user", Content: req.Context})
	}

	toolNames := map[string]string{}
	for _, msg := range req.Messages {
		for _, tc := range msg.ToolCalls {
			toolNames[tc.ID] = tc.Name
		}
	}

	for _, msg := range req.Messages {
		m := ollamaMessage{Role: string(msg.Role), Content: msg.Content}
		if msg.Role == provider.RoleTool {
			m.ToolName = toolNames[msg.ToolCallID]
		}
		for _, tc := range msg.ToolCalls {
			var args map[string]any
			_ = json.Unmarshal(tc.Arguments, &args)
			m.ToolCalls = append(m.ToolCalls, ollamaToolCall{Function: ollamaToolCallFn{Name: tc.Name, Arguments: args}})
		}
		messages = append(messages, m)
	}

	return messages
}

func (p *OllamaProvider) convertTools(tools []provider.ToolDefinition) []ollamaToolSpec {
	result := make([]ollamaToolSpec, 0, len(tools))
	for _, t := range tools {
		if t.UsageControl == provider.UsageNone {
			continue
		}
		var params map[string]any
		if err := json.Unmarshal(t.Parameters, &params); err != nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, ollamaToolSpec{
			Type: "function",
			Function: ollamaToolFunction{
				Name:        t.ID,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return result
}
