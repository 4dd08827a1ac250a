package toolconv

import (
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/simstudio/workflow-core/pkg/provider"
)

// ToBedrockTools converts tool definitions into a Bedrock ToolConfiguration,
// dropping any whose UsageControl is "none".
func ToBedrockTools(tools []provider.ToolDefinition) *types.ToolConfiguration {
	bedrockTools := make([]types.Tool, 0, len(tools))

	for _, t := range tools {
		if t.UsageControl == provider.UsageNone {
			continue
		}
		var schema any
		if err := json.Unmarshal(t.Parameters, &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}

		bedrockTools = append(bedrockTools, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(t.ID),
				Description: aws.String(t.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
			},
		})
	}
	if len(bedrockTools) == 0 {
		return nil
	}

	return &types.ToolConfiguration{Tools: bedrockTools}
}
