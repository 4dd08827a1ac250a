package toolconv

import (
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/simstudio/workflow-core/pkg/provider"
)

// ToAnthropicTools converts tool definitions into Anthropic's tool
// union params, dropping any whose UsageControl is "none".
func ToAnthropicTools(tools []provider.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		if t.UsageControl == provider.UsageNone {
			continue
		}
		param, err := toAnthropicTool(t)
		if err != nil {
			return nil, err
		}
		result = append(result, param)
	}
	return result, nil
}

func toAnthropicTool(t provider.ToolDefinition) (anthropic.ToolUnionParam, error) {
	var schema anthropic.ToolInputSchemaParam
	if err := json.Unmarshal(t.Parameters, &schema); err != nil {
		return anthropic.ToolUnionParam{}, fmt.Errorf("invalid tool schema for %s: %w", t.ID, err)
	}

	toolParam := anthropic.ToolUnionParamOfTool(schema, t.ID)
	if toolParam.OfTool == nil {
		return anthropic.ToolUnionParam{}, fmt.Errorf("invalid tool schema for %s: missing tool definition", t.ID)
	}
	toolParam.OfTool.Description = anthropic.String(t.Description)
	return toolParam, nil
}
