package toolconv

import (
	"encoding/json"
	"strings"

	"github.com/simstudio/workflow-core/pkg/provider"
	"google.golang.org/genai"
)

// geminiUnsupportedKeywords are JSON-Schema keywords Gemini's
// FunctionDeclaration/responseSchema rejects outright. The backend
// doesn't document an exhaustive list (spec §9); these are the ones
// known to trip a 400.
var geminiUnsupportedKeywords = map[string]bool{
	"additionalProperties": true,
	"$schema":              true,
	"definitions":          true,
	"$ref":                 true,
	"$id":                  true,
}

// ToGeminiTools converts tool definitions to Gemini's Tool format,
// dropping any whose UsageControl is "none".
func ToGeminiTools(tools []provider.ToolDefinition) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}

	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		if t.UsageControl == provider.UsageNone {
			continue
		}
		var schemaMap map[string]any
		if err := json.Unmarshal(t.Parameters, &schemaMap); err != nil {
			continue
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        t.ID,
			Description: t.Description,
			Parameters:  ToGeminiSchema(schemaMap),
		})
	}
	if len(decls) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// ToGeminiSchema recursively converts a JSON-Schema map into Gemini's
// typed Schema, stripping keywords Gemini does not understand.
func ToGeminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}
	schemaMap = sanitizeForGemini(schemaMap)

	schema := &genai.Schema{}

	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = ToGeminiSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = ToGeminiSchema(items)
	}

	return schema
}

func sanitizeForGemini(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if geminiUnsupportedKeywords[k] {
			continue
		}
		out[k] = v
	}
	return out
}
