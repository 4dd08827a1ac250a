// Package toolconv converts provider.ToolDefinition into each backend's
// native tool/function-declaration shape, and JSON Schema maps into
// each backend's schema type where the SDK demands its own.
package toolconv

import (
	"encoding/json"

	openai "github.com/sashabaranov/go-openai"
	"github.com/simstudio/workflow-core/pkg/provider"
)

// ToOpenAITools converts tool definitions into OpenAI's function-tool
// schema, used directly by OpenAI, Groq, Cerebras, and Mistral adapters.
func ToOpenAITools(tools []provider.ToolDefinition) []openai.Tool {
	result := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		if t.UsageControl == provider.UsageNone {
			continue
		}
		var schemaMap map[string]any
		if err := json.Unmarshal(t.Parameters, &schemaMap); err != nil {
			schemaMap = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.ID,
				Description: t.Description,
				Parameters:  schemaMap,
			},
		})
	}
	return result
}
