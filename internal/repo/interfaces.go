// Package repo defines the persistence surface of the orchestrator.
// Implementations live in repo/postgres and, for tests and single-node
// development, repo/memory.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/gantry-labs/gantry-go/internal/domain"
)

var ErrNotFound = errors.New("not found")

type RunFilter struct {
	WorkflowName string
	State        domain.RunState
	Ref          string
	Limit        int
}

// WorkflowRecord is a registered workflow definition with its raw
// document. The document is re-validated on every save.
type WorkflowRecord struct {
	ID         string
	Name       string
	Definition []byte
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// WebhookDelivery records one accepted trigger delivery for dedupe.
type WebhookDelivery struct {
	ID            string
	Provider      string
	PayloadSHA256 string
	RunID         string
	ReceivedAt    time.Time
}

// RunRepository manages runs with immutable identity and forward-only
// state.
type RunRepository interface {
	CreateRun(ctx context.Context, run domain.Run) error
	GetRun(ctx context.Context, id string) (domain.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.Run, error)
	// ListActiveRuns returns pending or running runs of a workflow for
	// one ref, oldest first.
	ListActiveRuns(ctx context.Context, workflowID, ref string) ([]domain.Run, error)
	// UpdateRunState moves the run forward. Running sets started_at,
	// terminal states set finished_at.
	UpdateRunState(ctx context.Context, id string, state domain.RunState, message string, at time.Time) error
}

// InstanceRepository manages the job instances of a run.
type InstanceRepository interface {
	CreateInstances(ctx context.Context, instances []domain.JobInstance) error
	GetInstance(ctx context.Context, id string) (domain.JobInstance, error)
	ListInstances(ctx context.Context, runID string) ([]domain.JobInstance, error)
	UpdateInstanceState(ctx context.Context, id string, state domain.InstanceState, message string, at time.Time) error
}

// StepRepository records step executions. Each step of an instance is
// recorded exactly once with its final status.
type StepRepository interface {
	RecordStep(ctx context.Context, step domain.StepExecution) error
	ListSteps(ctx context.Context, instanceID string) ([]domain.StepExecution, error)
}

// WorkflowRepository is the registry of workflow definitions.
type WorkflowRepository interface {
	SaveWorkflow(ctx context.Context, record WorkflowRecord) (WorkflowRecord, error)
	GetWorkflow(ctx context.Context, id string) (WorkflowRecord, error)
	GetWorkflowByName(ctx context.Context, name string) (WorkflowRecord, error)
	ListWorkflows(ctx context.Context, limit int) ([]WorkflowRecord, error)
}

// DeliveryRepository deduplicates webhook deliveries by payload hash.
type DeliveryRepository interface {
	// InsertDelivery reports false when a delivery with the same payload
	// hash was already recorded.
	InsertDelivery(ctx context.Context, delivery WebhookDelivery) (bool, error)
}
