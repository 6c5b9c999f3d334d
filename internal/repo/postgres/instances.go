package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/gantry-labs/gantry-go/internal/domain"
)

type InstanceStore struct {
	db DB
}

const (
	instanceColumns = `instance_id, run_id, job_name, binding, state, error_message, created_at, started_at, finished_at`

	insertInstanceQuery = `INSERT INTO job_instances (
		instance_id,
		run_id,
		job_name,
		binding,
		state,
		error_message,
		created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7)`

	selectInstanceQuery = `SELECT ` + instanceColumns + ` FROM job_instances WHERE instance_id = $1`

	listInstancesQuery = `SELECT ` + instanceColumns + ` FROM job_instances
	 WHERE run_id = $1
	 ORDER BY created_at ASC, instance_id ASC`

	updateInstanceStateQuery = `UPDATE job_instances SET
		state = $1,
		error_message = COALESCE(NULLIF($2, ''), error_message),
		started_at = CASE WHEN $1 = 'running' AND started_at IS NULL THEN $3 ELSE started_at END,
		finished_at = CASE WHEN $1 IN ('succeeded','failed','canceled','skipped') THEN $3 ELSE finished_at END
	 WHERE instance_id = $4 AND state NOT IN ('succeeded','failed','canceled','skipped')`
)

func NewInstanceStore(db DB) *InstanceStore {
	if db == nil {
		return nil
	}
	return &InstanceStore{db: db}
}

func (s *InstanceStore) CreateInstances(ctx context.Context, instances []domain.JobInstance) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("instance store not initialized")
	}
	for _, instance := range instances {
		if err := instance.Validate(); err != nil {
			return err
		}
		bindingJSON, err := encodeBinding(instance.Binding)
		if err != nil {
			return fmt.Errorf("encode binding: %w", err)
		}
		_, err = s.db.ExecContext(
			ctx,
			insertInstanceQuery,
			strings.TrimSpace(instance.ID),
			strings.TrimSpace(instance.RunID),
			strings.TrimSpace(instance.JobName),
			bindingJSON,
			string(instance.State),
			nullIfEmpty(instance.Error),
			normalizeTime(instance.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert instance %s: %w", instance.ID, err)
		}
	}
	return nil
}

func scanInstance(scan func(dest ...any) error) (domain.JobInstance, error) {
	var instance domain.JobInstance
	var bindingJSON []byte
	var errMsg sql.NullString
	var startedAt, finishedAt sql.NullTime
	var state string
	if err := scan(
		&instance.ID, &instance.RunID, &instance.JobName, &bindingJSON,
		&state, &errMsg, &instance.CreatedAt, &startedAt, &finishedAt,
	); err != nil {
		return domain.JobInstance{}, err
	}
	binding, err := decodeBinding(bindingJSON)
	if err != nil {
		return domain.JobInstance{}, fmt.Errorf("decode binding: %w", err)
	}
	instance.Binding = binding
	instance.State = domain.InstanceState(state)
	instance.Error = errMsg.String
	instance.CreatedAt = instance.CreatedAt.UTC()
	instance.StartedAt = timePtr(startedAt)
	instance.FinishedAt = timePtr(finishedAt)
	return instance, nil
}

func (s *InstanceStore) GetInstance(ctx context.Context, id string) (domain.JobInstance, error) {
	if s == nil || s.db == nil {
		return domain.JobInstance{}, fmt.Errorf("instance store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.JobInstance{}, fmt.Errorf("instance id is required")
	}
	row := s.db.QueryRowContext(ctx, selectInstanceQuery, id)
	instance, err := scanInstance(row.Scan)
	if err != nil {
		return domain.JobInstance{}, handleNotFound(err)
	}
	return instance, nil
}

func (s *InstanceStore) ListInstances(ctx context.Context, runID string) ([]domain.JobInstance, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("instance store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	rows, err := s.db.QueryContext(ctx, listInstancesQuery, runID)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	instances := make([]domain.JobInstance, 0)
	for rows.Next() {
		instance, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		instances = append(instances, instance)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	return instances, nil
}

func (s *InstanceStore) UpdateInstanceState(ctx context.Context, id string, state domain.InstanceState, message string, at time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("instance store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("instance id is required")
	}
	if state == "" {
		return fmt.Errorf("instance state is required")
	}
	res, err := s.db.ExecContext(ctx, updateInstanceStateQuery, string(state), message, normalizeTime(at), id)
	if err != nil {
		return fmt.Errorf("update instance state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update instance state: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetInstance(ctx, id); err != nil {
			return err
		}
		return nil
	}
	return nil
}
