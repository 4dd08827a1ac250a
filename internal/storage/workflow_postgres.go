package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// PostgresWorkflowStore implements WorkflowStore against the
// workflow, workflow_blocks, and an append-only audit_log table.
type PostgresWorkflowStore struct {
	db *sql.DB
}

// NewPostgresWorkflowStoreFromDSN opens a PostgresWorkflowStore, reusing
// the shared connection pool defaults.
func NewPostgresWorkflowStoreFromDSN(dsn string, config *CockroachConfig) (*PostgresWorkflowStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultCockroachConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresWorkflowStore{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *PostgresWorkflowStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresWorkflowStore) VerifyAccess(ctx context.Context, workflowID, userID string) (WorkflowAccess, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM workflow WHERE id = $1)`, workflowID).Scan(&exists)
	if err != nil {
		return WorkflowAccess{}, fmt.Errorf("verify access %s: %w", workflowID, err)
	}
	if !exists {
		return WorkflowAccess{Exists: false}, nil
	}

	var role sql.NullString
	err = s.db.QueryRowContext(ctx, `
		SELECT role FROM workflow_collaborators WHERE "workflowId" = $1 AND "userId" = $2
	`, workflowID, userID).Scan(&role)
	if err == sql.ErrNoRows {
		return WorkflowAccess{Exists: true, Role: "editor"}, nil
	}
	if err != nil {
		return WorkflowAccess{}, fmt.Errorf("verify access role %s: %w", workflowID, err)
	}
	if !role.Valid || role.String == "" {
		return WorkflowAccess{Exists: true, Role: "editor"}, nil
	}
	return WorkflowAccess{Exists: true, Role: role.String}, nil
}

func (s *PostgresWorkflowStore) GetState(ctx context.Context, workflowID string) (*WorkflowState, error) {
	var state WorkflowState
	state.ID = workflowID
	err := s.db.QueryRowContext(ctx, `
		SELECT variables, "updatedAt" FROM workflow WHERE id = $1
	`, workflowID).Scan(&state.Variables, &state.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow state %s: %w", workflowID, err)
	}
	return &state, nil
}

// SetVariable merges one variable field into the workflow's variables
// JSON document in a single round trip using jsonb_set, preserving
// every sibling field and variable.
func (s *PostgresWorkflowStore) SetVariable(ctx context.Context, workflowID, variableID, field string, value json.RawMessage) error {
	path := "{" + variableID + "," + field + "}"
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow
		SET variables = jsonb_set(
				coalesce(variables, '{}'::jsonb),
				$2::text[],
				$3::jsonb,
				true
			),
			"updatedAt" = now()
		WHERE id = $1
	`, workflowID, path, string(value))
	if err != nil {
		return fmt.Errorf("set variable %s/%s/%s: %w", workflowID, variableID, field, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresWorkflowStore) GetBlock(ctx context.Context, workflowID, blockID string) (*WorkflowBlock, error) {
	block := WorkflowBlock{ID: blockID, WorkflowID: workflowID}
	err := s.db.QueryRowContext(ctx, `
		SELECT "subBlocks", "updatedAt" FROM workflow_blocks WHERE id = $1 AND "workflowId" = $2
	`, blockID, workflowID).Scan(&block.SubBlocks, &block.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get block %s/%s: %w", workflowID, blockID, err)
	}
	return &block, nil
}

// SetSubBlock upserts one sub-block field via jsonb_set over an
// INSERT ... ON CONFLICT, so the first write to a block creates its
// row and later writes merge into the existing document.
func (s *PostgresWorkflowStore) SetSubBlock(ctx context.Context, workflowID, blockID, subBlockID string, value json.RawMessage) error {
	path := "{" + subBlockID + "}"
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_blocks (id, "workflowId", "subBlocks", "updatedAt")
		VALUES ($1, $2, jsonb_build_object($4, $5::jsonb), now())
		ON CONFLICT (id) DO UPDATE SET
			"subBlocks" = jsonb_set(coalesce(workflow_blocks."subBlocks", '{}'::jsonb), $3::text[], $5::jsonb, true),
			"updatedAt" = now()
	`, blockID, workflowID, path, subBlockID, string(value))
	if err != nil {
		return fmt.Errorf("set subblock %s/%s/%s: %w", workflowID, blockID, subBlockID, err)
	}
	return nil
}

func (s *PostgresWorkflowStore) ApplyOperation(ctx context.Context, workflowID string, rec AuditRecord) error {
	res, err := s.db.ExecContext(ctx, `UPDATE workflow SET "updatedAt" = now() WHERE id = $1`, workflowID)
	if err != nil {
		return fmt.Errorf("apply operation %s: %w", workflowID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return s.AppendAudit(ctx, rec)
}

func (s *PostgresWorkflowStore) AppendAudit(ctx context.Context, rec AuditRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (operation, target, payload, "timestamp", "userId")
		VALUES ($1, $2, $3, $4, $5)
	`, rec.Operation, rec.Target, []byte(rec.Payload), rec.Timestamp, rec.UserID)
	if err != nil {
		return fmt.Errorf("append audit %s/%s: %w", rec.Operation, rec.Target, err)
	}
	return nil
}
