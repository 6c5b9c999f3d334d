package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/gantry-labs/gantry-go/internal/domain"
	"github.com/gantry-labs/gantry-go/internal/repo"
)

type RunStore struct {
	db DB
}

const (
	runColumns = `run_id, workflow_id, workflow_name, event_kind, ref, repo, commit_sha, delivery_id,
		state, error_message, created_at, started_at, finished_at`

	insertRunQuery = `INSERT INTO runs (
		run_id,
		workflow_id,
		workflow_name,
		event_kind,
		ref,
		repo,
		commit_sha,
		delivery_id,
		state,
		error_message,
		created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`

	selectRunQuery = `SELECT ` + runColumns + ` FROM runs WHERE run_id = $1`

	listActiveRunsQuery = `SELECT ` + runColumns + ` FROM runs
	 WHERE workflow_id = $1 AND ref = $2 AND state IN ('pending','running')
	 ORDER BY created_at ASC`

	updateRunStateQuery = `UPDATE runs SET
		state = $1,
		error_message = COALESCE(NULLIF($2, ''), error_message),
		started_at = CASE WHEN $1 = 'running' AND started_at IS NULL THEN $3 ELSE started_at END,
		finished_at = CASE WHEN $1 IN ('succeeded','failed','canceled') THEN $3 ELSE finished_at END
	 WHERE run_id = $4 AND state NOT IN ('succeeded','failed','canceled')`
)

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

func (s *RunStore) CreateRun(ctx context.Context, run domain.Run) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if err := run.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		insertRunQuery,
		strings.TrimSpace(run.ID),
		nullIfEmpty(run.WorkflowID),
		strings.TrimSpace(run.WorkflowName),
		string(run.Event.Kind),
		strings.TrimSpace(run.Event.Ref),
		nullIfEmpty(run.Event.Repo),
		nullIfEmpty(run.Event.Commit),
		nullIfEmpty(run.Event.DeliveryID),
		string(run.State),
		nullIfEmpty(run.Error),
		normalizeTime(run.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func scanRun(scan func(dest ...any) error) (domain.Run, error) {
	var run domain.Run
	var workflowID, repoName, commit, deliveryID, errMsg sql.NullString
	var startedAt, finishedAt sql.NullTime
	var kind, state string
	if err := scan(
		&run.ID, &workflowID, &run.WorkflowName, &kind, &run.Event.Ref, &repoName, &commit, &deliveryID,
		&state, &errMsg, &run.CreatedAt, &startedAt, &finishedAt,
	); err != nil {
		return domain.Run{}, err
	}
	run.WorkflowID = workflowID.String
	run.Event.Kind = domain.EventKind(kind)
	run.Event.Repo = repoName.String
	run.Event.Commit = commit.String
	run.Event.DeliveryID = deliveryID.String
	run.State = domain.RunState(state)
	run.Error = errMsg.String
	run.CreatedAt = run.CreatedAt.UTC()
	run.StartedAt = timePtr(startedAt)
	run.FinishedAt = timePtr(finishedAt)
	return run, nil
}

func (s *RunStore) GetRun(ctx context.Context, id string) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Run{}, fmt.Errorf("run id is required")
	}
	row := s.db.QueryRowContext(ctx, selectRunQuery, id)
	run, err := scanRun(row.Scan)
	if err != nil {
		return domain.Run{}, handleNotFound(err)
	}
	return run, nil
}

func (s *RunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	clauses := make([]string, 0, 3)
	args := make([]any, 0, 4)

	if strings.TrimSpace(filter.WorkflowName) != "" {
		args = append(args, strings.TrimSpace(filter.WorkflowName))
		clauses = append(clauses, fmt.Sprintf("workflow_name = $%d", len(args)))
	}
	if filter.State != "" {
		args = append(args, string(filter.State))
		clauses = append(clauses, fmt.Sprintf("state = $%d", len(args)))
	}
	if strings.TrimSpace(filter.Ref) != "" {
		args = append(args, strings.TrimSpace(filter.Ref))
		clauses = append(clauses, fmt.Sprintf("ref = $%d", len(args)))
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]domain.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

func (s *RunStore) ListActiveRuns(ctx context.Context, workflowID, ref string) ([]domain.Run, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	workflowID = strings.TrimSpace(workflowID)
	ref = strings.TrimSpace(ref)
	if workflowID == "" || ref == "" {
		return nil, fmt.Errorf("workflow id and ref are required")
	}
	rows, err := s.db.QueryContext(ctx, listActiveRunsQuery, workflowID, ref)
	if err != nil {
		return nil, fmt.Errorf("list active runs: %w", err)
	}
	defer rows.Close()

	runs := make([]domain.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active runs: %w", err)
	}
	return runs, nil
}

func (s *RunStore) UpdateRunState(ctx context.Context, id string, state domain.RunState, message string, at time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("run id is required")
	}
	if state == "" {
		return fmt.Errorf("run state is required")
	}
	res, err := s.db.ExecContext(ctx, updateRunStateQuery, string(state), message, normalizeTime(at), id)
	if err != nil {
		return fmt.Errorf("update run state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run state: %w", err)
	}
	if affected == 0 {
		// Either the run is unknown or it already reached a terminal
		// state; a late write against a terminal run is a no-op.
		if _, err := s.GetRun(ctx, id); err != nil {
			return err
		}
		return nil
	}
	return nil
}
