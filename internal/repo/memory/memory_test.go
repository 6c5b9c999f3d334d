package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gantry-labs/gantry-go/internal/domain"
	"github.com/gantry-labs/gantry-go/internal/repo"
)

func testEvent() domain.TriggerEvent {
	return domain.TriggerEvent{
		Kind:   domain.EventPush,
		Ref:    "refs/tags/v1.0",
		Repo:   "acme/wheelhouse",
		Commit: "abc123",
	}
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	run := domain.Run{
		ID:           "run-1",
		WorkflowID:   "wf-1",
		WorkflowName: "wheel-ci",
		Event:        testEvent(),
		State:        domain.RunStatePending,
	}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := store.CreateRun(ctx, run); err == nil {
		t.Fatalf("duplicate run id should be rejected")
	}

	if _, err := store.GetRun(ctx, "run-missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("missing run err = %v, want ErrNotFound", err)
	}

	now := time.Now().UTC()
	if err := store.UpdateRunState(ctx, "run-1", domain.RunStateRunning, "", now); err != nil {
		t.Fatalf("UpdateRunState: %v", err)
	}
	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.State != domain.RunStateRunning || got.StartedAt == nil {
		t.Fatalf("run after start = %+v", got)
	}

	if err := store.UpdateRunState(ctx, "run-1", domain.RunStateFailed, "step tests failed", now); err != nil {
		t.Fatalf("UpdateRunState: %v", err)
	}
	if err := store.UpdateRunState(ctx, "run-1", domain.RunStateSucceeded, "", now); err != nil {
		t.Fatalf("late write against terminal run should be a no-op, got %v", err)
	}
	got, _ = store.GetRun(ctx, "run-1")
	if got.State != domain.RunStateFailed || got.Error != "step tests failed" || got.FinishedAt == nil {
		t.Fatalf("terminal state must stick, got %+v", got)
	}
}

func TestListActiveRuns(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	for i, state := range []domain.RunState{domain.RunStateRunning, domain.RunStatePending, domain.RunStateFailed} {
		run := domain.Run{
			ID:           "run-" + string(rune('a'+i)),
			WorkflowID:   "wf-1",
			WorkflowName: "wheel-ci",
			Event:        domain.TriggerEvent{Kind: domain.EventPullRequest, Ref: "refs/heads/feature", Repo: "acme/wheelhouse", Commit: "c"},
			State:        state,
		}
		if err := store.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}

	active, err := store.ListActiveRuns(ctx, "wf-1", "refs/heads/feature")
	if err != nil {
		t.Fatalf("ListActiveRuns: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("active = %d, want 2", len(active))
	}
	if active[0].ID != "run-a" {
		t.Fatalf("active runs must be oldest first, got %s", active[0].ID)
	}
	if none, _ := store.ListActiveRuns(ctx, "wf-1", "refs/heads/other"); len(none) != 0 {
		t.Fatalf("ref filter leaked: %v", none)
	}
}

func TestInstanceLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	instances := []domain.JobInstance{
		{ID: "in-1", RunID: "run-1", JobName: "test", Binding: domain.Binding{{Name: "interpreter", Value: "3.7"}}, State: domain.InstancePending},
		{ID: "in-2", RunID: "run-1", JobName: "test", Binding: domain.Binding{{Name: "interpreter", Value: "3.10"}}, State: domain.InstancePending},
	}
	if err := store.CreateInstances(ctx, instances); err != nil {
		t.Fatalf("CreateInstances: %v", err)
	}

	listed, err := store.ListInstances(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListInstances: %v", err)
	}
	if len(listed) != 2 || listed[0].ID != "in-1" || listed[1].ID != "in-2" {
		t.Fatalf("instances out of order: %+v", listed)
	}

	now := time.Now().UTC()
	if err := store.UpdateInstanceState(ctx, "in-1", domain.InstanceFailed, "exit 1", now); err != nil {
		t.Fatalf("UpdateInstanceState: %v", err)
	}
	if err := store.UpdateInstanceState(ctx, "in-1", domain.InstanceSucceeded, "", now); err != nil {
		t.Fatalf("late write should be a no-op, got %v", err)
	}
	got, err := store.GetInstance(ctx, "in-1")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got.State != domain.InstanceFailed || got.FinishedAt == nil {
		t.Fatalf("instance = %+v", got)
	}
}

func TestStepsInsertOnceOrdered(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	code := 1
	steps := []domain.StepExecution{
		{ID: "s-2", InstanceID: "in-1", Index: 1, Name: "tests", Status: domain.StepFailed, ExitCode: &code},
		{ID: "s-1", InstanceID: "in-1", Index: 0, Name: "checkout", Status: domain.StepSucceeded},
		{ID: "s-2b", InstanceID: "in-1", Index: 1, Name: "tests", Status: domain.StepSucceeded},
	}
	for _, step := range steps {
		if err := store.RecordStep(ctx, step); err != nil {
			t.Fatalf("RecordStep: %v", err)
		}
	}

	listed, err := store.ListSteps(ctx, "in-1")
	if err != nil {
		t.Fatalf("ListSteps: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("steps = %d, want duplicate index dropped", len(listed))
	}
	if listed[0].Name != "checkout" || listed[1].ID != "s-2" {
		t.Fatalf("steps = %+v", listed)
	}
	if listed[1].Status != domain.StepFailed {
		t.Fatalf("first record must win, got %s", listed[1].Status)
	}
}

func TestWorkflowUpsert(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	first, err := store.SaveWorkflow(ctx, repo.WorkflowRecord{ID: "wf-1", Name: "wheel-ci", Definition: []byte("version: 1")})
	if err != nil {
		t.Fatalf("SaveWorkflow: %v", err)
	}
	second, err := store.SaveWorkflow(ctx, repo.WorkflowRecord{ID: "wf-2", Name: "wheel-ci", Definition: []byte("version: 1 # updated")})
	if err != nil {
		t.Fatalf("SaveWorkflow: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("upsert must keep the original id, got %s", second.ID)
	}
	byName, err := store.GetWorkflowByName(ctx, "wheel-ci")
	if err != nil {
		t.Fatalf("GetWorkflowByName: %v", err)
	}
	if string(byName.Definition) != "version: 1 # updated" {
		t.Fatalf("definition not updated: %s", byName.Definition)
	}
	all, err := store.ListWorkflows(ctx, 0)
	if err != nil || len(all) != 1 {
		t.Fatalf("ListWorkflows = %v, %v", all, err)
	}
}

func TestDeliveryDedupe(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	delivery := repo.WebhookDelivery{ID: "d-1", Provider: "forge", PayloadSHA256: "aa11"}
	inserted, err := store.InsertDelivery(ctx, delivery)
	if err != nil || !inserted {
		t.Fatalf("first insert = %v, %v", inserted, err)
	}
	replay, err := store.InsertDelivery(ctx, repo.WebhookDelivery{ID: "d-2", Provider: "forge", PayloadSHA256: "aa11"})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replay {
		t.Fatalf("replayed payload must not be inserted")
	}
}
