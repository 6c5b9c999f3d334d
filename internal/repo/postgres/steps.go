package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/gantry-labs/gantry-go/internal/domain"
)

type StepStore struct {
	db DB
}

const (
	stepColumns = `step_execution_id, instance_id, step_index, step_name, status, exit_code, log_tail, error_message, started_at, finished_at`

	insertStepQuery = `INSERT INTO step_executions (
		step_execution_id,
		instance_id,
		step_index,
		step_name,
		status,
		exit_code,
		log_tail,
		error_message,
		started_at,
		finished_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	ON CONFLICT (instance_id, step_index) DO NOTHING`

	listStepsQuery = `SELECT ` + stepColumns + ` FROM step_executions
	 WHERE instance_id = $1
	 ORDER BY step_index ASC`
)

func NewStepStore(db DB) *StepStore {
	if db == nil {
		return nil
	}
	return &StepStore{db: db}
}

func (s *StepStore) RecordStep(ctx context.Context, step domain.StepExecution) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("step store not initialized")
	}
	if err := step.Validate(); err != nil {
		return err
	}
	var exitCode sql.NullInt64
	if step.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*step.ExitCode), Valid: true}
	}
	_, err := s.db.ExecContext(
		ctx,
		insertStepQuery,
		strings.TrimSpace(step.ID),
		strings.TrimSpace(step.InstanceID),
		step.Index,
		strings.TrimSpace(step.Name),
		string(step.Status),
		exitCode,
		step.LogTail,
		nullIfEmpty(step.Error),
		nullTimePtr(step.StartedAt),
		nullTimePtr(step.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("record step: %w", err)
	}
	return nil
}

func (s *StepStore) ListSteps(ctx context.Context, instanceID string) ([]domain.StepExecution, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("step store not initialized")
	}
	instanceID = strings.TrimSpace(instanceID)
	if instanceID == "" {
		return nil, fmt.Errorf("instance id is required")
	}
	rows, err := s.db.QueryContext(ctx, listStepsQuery, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	steps := make([]domain.StepExecution, 0)
	for rows.Next() {
		var step domain.StepExecution
		var exitCode sql.NullInt64
		var errMsg sql.NullString
		var startedAt, finishedAt sql.NullTime
		var status string
		if err := rows.Scan(
			&step.ID, &step.InstanceID, &step.Index, &step.Name, &status,
			&exitCode, &step.LogTail, &errMsg, &startedAt, &finishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			step.ExitCode = &code
		}
		step.Status = domain.StepStatus(status)
		step.Error = errMsg.String
		step.StartedAt = timePtr(startedAt)
		step.FinishedAt = timePtr(finishedAt)
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	return steps, nil
}
