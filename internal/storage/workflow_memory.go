package storage

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryWorkflowStore is an in-process WorkflowStore for tests and
// single-instance local runs.
type MemoryWorkflowStore struct {
	mu     sync.RWMutex
	states map[string]*WorkflowState              // workflowId -> state
	blocks map[string]map[string]*WorkflowBlock    // workflowId -> blockId -> block
	roles  map[string]map[string]string            // workflowId -> userId -> role
	audit  []AuditRecord
}

// NewMemoryWorkflowStore creates an empty MemoryWorkflowStore.
func NewMemoryWorkflowStore() *MemoryWorkflowStore {
	return &MemoryWorkflowStore{
		states: make(map[string]*WorkflowState),
		blocks: make(map[string]map[string]*WorkflowBlock),
		roles:  make(map[string]map[string]string),
	}
}

// Seed registers a workflow and its initial variables, as though
// created outside the realtime control plane (e.g. by the workflow
// editor's REST API). Tests use this to set up fixtures.
func (s *MemoryWorkflowStore) Seed(workflowID string, variables json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if variables == nil {
		variables = json.RawMessage(`{}`)
	}
	s.states[workflowID] = &WorkflowState{ID: workflowID, Variables: variables, UpdatedAt: time.Now()}
	if _, ok := s.blocks[workflowID]; !ok {
		s.blocks[workflowID] = make(map[string]*WorkflowBlock)
	}
}

// GrantRole records a user's cached role for a workflow, consulted by
// VerifyAccess. Unrecorded users default to editor.
func (s *MemoryWorkflowStore) GrantRole(workflowID, userID, role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[workflowID]; !ok {
		s.roles[workflowID] = make(map[string]string)
	}
	s.roles[workflowID][userID] = role
}

func (s *MemoryWorkflowStore) VerifyAccess(ctx context.Context, workflowID, userID string) (WorkflowAccess, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.states[workflowID]; !ok {
		return WorkflowAccess{Exists: false}, nil
	}
	role := "editor"
	if byUser, ok := s.roles[workflowID]; ok {
		if r, ok := byUser[userID]; ok {
			role = r
		}
	}
	return WorkflowAccess{Exists: true, Role: role}, nil
}

func (s *MemoryWorkflowStore) GetState(ctx context.Context, workflowID string) (*WorkflowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[workflowID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *state
	return &clone, nil
}

func (s *MemoryWorkflowStore) SetVariable(ctx context.Context, workflowID, variableID, field string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[workflowID]
	if !ok {
		return ErrNotFound
	}

	var variables map[string]map[string]json.RawMessage
	if err := json.Unmarshal(state.Variables, &variables); err != nil || variables == nil {
		variables = make(map[string]map[string]json.RawMessage)
	}
	if _, ok := variables[variableID]; !ok {
		variables[variableID] = make(map[string]json.RawMessage)
	}
	variables[variableID][field] = value

	encoded, err := json.Marshal(variables)
	if err != nil {
		return err
	}
	state.Variables = encoded
	state.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryWorkflowStore) GetBlock(ctx context.Context, workflowID, blockID string) (*WorkflowBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byBlock, ok := s.blocks[workflowID]
	if !ok {
		return nil, ErrNotFound
	}
	block, ok := byBlock[blockID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *block
	return &clone, nil
}

func (s *MemoryWorkflowStore) SetSubBlock(ctx context.Context, workflowID, blockID, subBlockID string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.states[workflowID]; !ok {
		return ErrNotFound
	}
	byBlock, ok := s.blocks[workflowID]
	if !ok {
		byBlock = make(map[string]*WorkflowBlock)
		s.blocks[workflowID] = byBlock
	}
	block, ok := byBlock[blockID]
	if !ok {
		block = &WorkflowBlock{ID: blockID, WorkflowID: workflowID, SubBlocks: json.RawMessage(`{}`)}
		byBlock[blockID] = block
	}

	var subBlocks map[string]json.RawMessage
	if err := json.Unmarshal(block.SubBlocks, &subBlocks); err != nil || subBlocks == nil {
		subBlocks = make(map[string]json.RawMessage)
	}
	subBlocks[subBlockID] = value

	encoded, err := json.Marshal(subBlocks)
	if err != nil {
		return err
	}
	block.SubBlocks = encoded
	block.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryWorkflowStore) ApplyOperation(ctx context.Context, workflowID string, rec AuditRecord) error {
	s.mu.Lock()
	if _, ok := s.states[workflowID]; !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	s.states[workflowID].UpdatedAt = time.Now()
	s.mu.Unlock()
	return s.AppendAudit(ctx, rec)
}

func (s *MemoryWorkflowStore) AppendAudit(ctx context.Context, rec AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	s.audit = append(s.audit, rec)
	return nil
}

// AuditLog returns a snapshot of every recorded audit entry, for tests.
func (s *MemoryWorkflowStore) AuditLog() []AuditRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AuditRecord, len(s.audit))
	copy(out, s.audit)
	return out
}
