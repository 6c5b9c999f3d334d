// Package memory implements the repo interfaces with in-process maps.
// It backs tests and single-node development; semantics match the
// postgres stores, including sticky terminal states and insert-once
// step records.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gantry-labs/gantry-go/internal/domain"
	"github.com/gantry-labs/gantry-go/internal/repo"
)

type Store struct {
	mu            sync.RWMutex
	runs          map[string]domain.Run
	runOrder      []string
	instances     map[string]domain.JobInstance
	instanceOrder map[string][]string
	steps         map[string][]domain.StepExecution
	workflows     map[string]repo.WorkflowRecord
	workflowNames map[string]string
	deliveries    map[string]repo.WebhookDelivery
}

func NewStore() *Store {
	return &Store{
		runs:          map[string]domain.Run{},
		instances:     map[string]domain.JobInstance{},
		instanceOrder: map[string][]string{},
		steps:         map[string][]domain.StepExecution{},
		workflows:     map[string]repo.WorkflowRecord{},
		workflowNames: map[string]string{},
		deliveries:    map[string]repo.WebhookDelivery{},
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func (s *Store) CreateRun(_ context.Context, run domain.Run) error {
	if err := run.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	run.CreatedAt = normalizeTime(run.CreatedAt)
	s.runs[run.ID] = run
	s.runOrder = append(s.runOrder, run.ID)
	return nil
}

func (s *Store) GetRun(_ context.Context, id string) (domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return domain.Run{}, repo.ErrNotFound
	}
	return run, nil
}

func (s *Store) ListRuns(_ context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := make([]domain.Run, 0, len(s.runOrder))
	for i := len(s.runOrder) - 1; i >= 0; i-- {
		run := s.runs[s.runOrder[i]]
		if filter.WorkflowName != "" && run.WorkflowName != filter.WorkflowName {
			continue
		}
		if filter.State != "" && run.State != filter.State {
			continue
		}
		if filter.Ref != "" && run.Event.Ref != filter.Ref {
			continue
		}
		runs = append(runs, run)
		if filter.Limit > 0 && len(runs) >= filter.Limit {
			break
		}
	}
	return runs, nil
}

func (s *Store) ListActiveRuns(_ context.Context, workflowID, ref string) ([]domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := make([]domain.Run, 0)
	for _, id := range s.runOrder {
		run := s.runs[id]
		if run.WorkflowID != workflowID || run.Event.Ref != ref {
			continue
		}
		if run.State != domain.RunStatePending && run.State != domain.RunStateRunning {
			continue
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func (s *Store) UpdateRunState(_ context.Context, id string, state domain.RunState, message string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return repo.ErrNotFound
	}
	if domain.IsTerminalRunState(run.State) {
		return nil
	}
	at = normalizeTime(at)
	run.State = state
	if message != "" {
		run.Error = message
	}
	if state == domain.RunStateRunning && run.StartedAt == nil {
		run.StartedAt = &at
	}
	if domain.IsTerminalRunState(state) {
		run.FinishedAt = &at
	}
	s.runs[id] = run
	return nil
}

func (s *Store) CreateInstances(_ context.Context, instances []domain.JobInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, instance := range instances {
		if err := instance.Validate(); err != nil {
			return err
		}
		if _, exists := s.instances[instance.ID]; exists {
			return fmt.Errorf("instance %s already exists", instance.ID)
		}
		instance.CreatedAt = normalizeTime(instance.CreatedAt)
		s.instances[instance.ID] = instance
		s.instanceOrder[instance.RunID] = append(s.instanceOrder[instance.RunID], instance.ID)
	}
	return nil
}

func (s *Store) GetInstance(_ context.Context, id string) (domain.JobInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	instance, ok := s.instances[id]
	if !ok {
		return domain.JobInstance{}, repo.ErrNotFound
	}
	return instance, nil
}

func (s *Store) ListInstances(_ context.Context, runID string) ([]domain.JobInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.instanceOrder[runID]
	instances := make([]domain.JobInstance, 0, len(ids))
	for _, id := range ids {
		instances = append(instances, s.instances[id])
	}
	return instances, nil
}

func (s *Store) UpdateInstanceState(_ context.Context, id string, state domain.InstanceState, message string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	instance, ok := s.instances[id]
	if !ok {
		return repo.ErrNotFound
	}
	if domain.IsTerminalInstanceState(instance.State) {
		return nil
	}
	at = normalizeTime(at)
	instance.State = state
	if message != "" {
		instance.Error = message
	}
	if state == domain.InstanceRunning && instance.StartedAt == nil {
		instance.StartedAt = &at
	}
	if domain.IsTerminalInstanceState(state) {
		instance.FinishedAt = &at
	}
	s.instances[id] = instance
	return nil
}

func (s *Store) RecordStep(_ context.Context, step domain.StepExecution) error {
	if err := step.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.steps[step.InstanceID] {
		if existing.Index == step.Index {
			return nil
		}
	}
	s.steps[step.InstanceID] = append(s.steps[step.InstanceID], step)
	return nil
}

func (s *Store) ListSteps(_ context.Context, instanceID string) ([]domain.StepExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	steps := make([]domain.StepExecution, len(s.steps[instanceID]))
	copy(steps, s.steps[instanceID])
	sort.Slice(steps, func(i, j int) bool { return steps[i].Index < steps[j].Index })
	return steps, nil
}

func (s *Store) SaveWorkflow(_ context.Context, record repo.WorkflowRecord) (repo.WorkflowRecord, error) {
	if record.ID == "" || record.Name == "" || len(record.Definition) == 0 {
		return repo.WorkflowRecord{}, fmt.Errorf("workflow id, name, and definition are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := normalizeTime(record.UpdatedAt)
	if existingID, ok := s.workflowNames[record.Name]; ok {
		existing := s.workflows[existingID]
		existing.Definition = record.Definition
		existing.UpdatedAt = now
		s.workflows[existingID] = existing
		return existing, nil
	}
	record.CreatedAt = now
	record.UpdatedAt = now
	s.workflows[record.ID] = record
	s.workflowNames[record.Name] = record.ID
	return record, nil
}

func (s *Store) GetWorkflow(_ context.Context, id string) (repo.WorkflowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.workflows[id]
	if !ok {
		return repo.WorkflowRecord{}, repo.ErrNotFound
	}
	return record, nil
}

func (s *Store) GetWorkflowByName(_ context.Context, name string) (repo.WorkflowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.workflowNames[name]
	if !ok {
		return repo.WorkflowRecord{}, repo.ErrNotFound
	}
	return s.workflows[id], nil
}

func (s *Store) ListWorkflows(_ context.Context, limit int) ([]repo.WorkflowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.workflowNames))
	for name := range s.workflowNames {
		names = append(names, name)
	}
	sort.Strings(names)
	records := make([]repo.WorkflowRecord, 0, len(names))
	for _, name := range names {
		records = append(records, s.workflows[s.workflowNames[name]])
		if limit > 0 && len(records) >= limit {
			break
		}
	}
	return records, nil
}

func (s *Store) InsertDelivery(_ context.Context, delivery repo.WebhookDelivery) (bool, error) {
	if delivery.ID == "" || delivery.PayloadSHA256 == "" {
		return false, fmt.Errorf("delivery id and payload sha256 are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.deliveries[delivery.PayloadSHA256]; exists {
		return false, nil
	}
	delivery.ReceivedAt = normalizeTime(delivery.ReceivedAt)
	s.deliveries[delivery.PayloadSHA256] = delivery
	return true, nil
}
