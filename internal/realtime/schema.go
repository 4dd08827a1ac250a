package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaError reports a socket payload that failed JSON Schema
// validation: an unknown event shape, a missing required field, or an
// operation/target outside the known set. It is always non-retryable —
// resending the same payload against the same schema can never succeed.
type SchemaError struct {
	Event   string
	Details []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("realtime: %s payload failed schema validation: %s", e.Event, strings.Join(e.Details, "; "))
}

// Retryable satisfies the ambient error-taxonomy convention shared by
// every error type across the codebase.
func (e *SchemaError) Retryable() bool { return false }

type eventSchemaRegistry struct {
	once    sync.Once
	initErr error
	schemas map[string]*jsonschema.Schema
}

var eventSchemas eventSchemaRegistry

func initEventSchemas() error {
	eventSchemas.once.Do(func() {
		defs := map[string]string{
			"workflow-operation": workflowOperationSchema,
			"subblock-update":    subblockUpdateSchema,
			"variable-update":    variableUpdateSchema,
		}
		eventSchemas.schemas = make(map[string]*jsonschema.Schema, len(defs))
		for name, def := range defs {
			compiled, err := jsonschema.CompileString("realtime_"+name, def)
			if err != nil {
				eventSchemas.initErr = err
				return
			}
			eventSchemas.schemas[name] = compiled
		}
	})
	return eventSchemas.initErr
}

// validateEventPayload checks raw against the event's JSON Schema
// (payload shape plus, for workflow-operation, the known
// operation/target enums) and wraps any violation as a *SchemaError.
// Events with no registered schema pass through unchecked.
func validateEventPayload(event string, raw json.RawMessage) error {
	if err := initEventSchemas(); err != nil {
		return err
	}
	schema, ok := eventSchemas.schemas[event]
	if !ok {
		return nil
	}

	var payload any
	if len(raw) == 0 {
		payload = map[string]any{}
	} else if err := json.Unmarshal(raw, &payload); err != nil {
		return &SchemaError{Event: event, Details: []string{err.Error()}}
	}

	if err := schema.Validate(payload); err != nil {
		return &SchemaError{Event: event, Details: []string{err.Error()}}
	}
	return nil
}

// peekOperationFields best-effort extracts operationId/operation/target
// from a payload that may have already failed schema validation, so a
// rejection's acknowledgements can still be threaded to the right
// operationId and echo what the caller asked for.
func peekOperationFields(raw json.RawMessage) (operationID, operation, target string) {
	var fields struct {
		OperationID string `json:"operationId"`
		Operation   string `json:"operation"`
		Target      string `json:"target"`
	}
	_ = json.Unmarshal(raw, &fields)
	return fields.OperationID, fields.Operation, fields.Target
}

// workflowOperationSchema closes over the known operation verbs and
// mutation targets named in the socket event catalogue; an operation or
// target outside these sets is rejected before it ever reaches
// OperationsHandler or CheckRolePermission.
const workflowOperationSchema = `{
  "type": "object",
  "required": ["operation", "target", "payload"],
  "properties": {
    "operationId": { "type": "string" },
    "operation": {
      "type": "string",
      "enum": ["add", "update", "remove", "duplicate", "move", "update-position"]
    },
    "target": {
      "type": "string",
      "enum": ["block", "edge", "variable", "subflow", "position", "note"]
    },
    "payload": { "type": "object" },
    "timestamp": { "type": "integer" }
  },
  "additionalProperties": true
}`

const subblockUpdateSchema = `{
  "type": "object",
  "required": ["blockId", "subblockId", "value"],
  "properties": {
    "blockId": { "type": "string", "minLength": 1 },
    "subblockId": { "type": "string", "minLength": 1 },
    "value": {},
    "timestamp": { "type": "integer" },
    "operationId": { "type": "string" }
  },
  "additionalProperties": true
}`

const variableUpdateSchema = `{
  "type": "object",
  "required": ["variableId", "field", "value"],
  "properties": {
    "variableId": { "type": "string", "minLength": 1 },
    "field": { "type": "string", "minLength": 1 },
    "value": {},
    "timestamp": { "type": "integer" },
    "operationId": { "type": "string" }
  },
  "additionalProperties": true
}`
