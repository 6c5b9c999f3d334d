package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gantry-labs/gantry-go/internal/repo"
)

type WorkflowStore struct {
	db DB
}

const (
	workflowColumns = `workflow_id, name, definition, created_at, updated_at`

	upsertWorkflowQuery = `INSERT INTO workflows (
		workflow_id,
		name,
		definition,
		created_at,
		updated_at
	) VALUES ($1,$2,$3,$4,$4)
	ON CONFLICT (name) DO UPDATE SET definition = EXCLUDED.definition, updated_at = EXCLUDED.updated_at
	RETURNING ` + workflowColumns

	selectWorkflowQuery = `SELECT ` + workflowColumns + ` FROM workflows WHERE workflow_id = $1`

	selectWorkflowByNameQuery = `SELECT ` + workflowColumns + ` FROM workflows WHERE name = $1`

	listWorkflowsQuery = `SELECT ` + workflowColumns + ` FROM workflows ORDER BY name ASC`
)

func NewWorkflowStore(db DB) *WorkflowStore {
	if db == nil {
		return nil
	}
	return &WorkflowStore{db: db}
}

func (s *WorkflowStore) SaveWorkflow(ctx context.Context, record repo.WorkflowRecord) (repo.WorkflowRecord, error) {
	if s == nil || s.db == nil {
		return repo.WorkflowRecord{}, fmt.Errorf("workflow store not initialized")
	}
	if strings.TrimSpace(record.ID) == "" {
		return repo.WorkflowRecord{}, fmt.Errorf("workflow id is required")
	}
	if strings.TrimSpace(record.Name) == "" {
		return repo.WorkflowRecord{}, fmt.Errorf("workflow name is required")
	}
	if len(record.Definition) == 0 {
		return repo.WorkflowRecord{}, fmt.Errorf("workflow definition is required")
	}
	now := normalizeTime(record.UpdatedAt)
	row := s.db.QueryRowContext(
		ctx,
		upsertWorkflowQuery,
		strings.TrimSpace(record.ID),
		strings.TrimSpace(record.Name),
		record.Definition,
		now,
	)
	saved, err := scanWorkflow(row.Scan)
	if err != nil {
		return repo.WorkflowRecord{}, fmt.Errorf("save workflow: %w", err)
	}
	return saved, nil
}

func scanWorkflow(scan func(dest ...any) error) (repo.WorkflowRecord, error) {
	var record repo.WorkflowRecord
	var createdAt, updatedAt time.Time
	if err := scan(&record.ID, &record.Name, &record.Definition, &createdAt, &updatedAt); err != nil {
		return repo.WorkflowRecord{}, err
	}
	record.CreatedAt = createdAt.UTC()
	record.UpdatedAt = updatedAt.UTC()
	return record, nil
}

func (s *WorkflowStore) GetWorkflow(ctx context.Context, id string) (repo.WorkflowRecord, error) {
	if s == nil || s.db == nil {
		return repo.WorkflowRecord{}, fmt.Errorf("workflow store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return repo.WorkflowRecord{}, fmt.Errorf("workflow id is required")
	}
	row := s.db.QueryRowContext(ctx, selectWorkflowQuery, id)
	record, err := scanWorkflow(row.Scan)
	if err != nil {
		return repo.WorkflowRecord{}, handleNotFound(err)
	}
	return record, nil
}

func (s *WorkflowStore) GetWorkflowByName(ctx context.Context, name string) (repo.WorkflowRecord, error) {
	if s == nil || s.db == nil {
		return repo.WorkflowRecord{}, fmt.Errorf("workflow store not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return repo.WorkflowRecord{}, fmt.Errorf("workflow name is required")
	}
	row := s.db.QueryRowContext(ctx, selectWorkflowByNameQuery, name)
	record, err := scanWorkflow(row.Scan)
	if err != nil {
		return repo.WorkflowRecord{}, handleNotFound(err)
	}
	return record, nil
}

func (s *WorkflowStore) ListWorkflows(ctx context.Context, limit int) ([]repo.WorkflowRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("workflow store not initialized")
	}
	query := listWorkflowsQuery
	args := make([]any, 0, 1)
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	records := make([]repo.WorkflowRecord, 0)
	for rows.Next() {
		record, err := scanWorkflow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	return records, nil
}
