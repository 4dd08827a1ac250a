package storage

import (
	"context"
	"encoding/json"
	"time"
)

// WorkflowAccess is the result of verifying a user's right to join a
// workflow room: their cached role and whether the workflow exists at
// all.
type WorkflowAccess struct {
	Exists bool
	Role   string
}

// WorkflowState is the full variables snapshot of one workflow.
type WorkflowState struct {
	ID        string
	Variables json.RawMessage
	UpdatedAt time.Time
}

// WorkflowBlock is one block's sub-block state within a workflow.
type WorkflowBlock struct {
	ID        string
	WorkflowID string
	SubBlocks json.RawMessage
	UpdatedAt time.Time
}

// AuditRecord is an opaque write-ahead entry describing one applied
// mutation, independent of the table it eventually lands in.
type AuditRecord struct {
	Operation string
	Target    string
	Payload   json.RawMessage
	Timestamp time.Time
	UserID    string
}

// WorkflowStore persists workflow variables, block sub-blocks, and an
// append-only audit log, backing the room manager, operations
// handler, and field updater.
type WorkflowStore interface {
	VerifyAccess(ctx context.Context, workflowID, userID string) (WorkflowAccess, error)

	GetState(ctx context.Context, workflowID string) (*WorkflowState, error)
	SetVariable(ctx context.Context, workflowID, variableID, field string, value json.RawMessage) error

	GetBlock(ctx context.Context, workflowID, blockID string) (*WorkflowBlock, error)
	SetSubBlock(ctx context.Context, workflowID, blockID, subBlockID string, value json.RawMessage) error

	ApplyOperation(ctx context.Context, workflowID string, rec AuditRecord) error

	AppendAudit(ctx context.Context, rec AuditRecord) error
}
