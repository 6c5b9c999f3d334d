package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gantry-labs/gantry-go/internal/artifacts"
	"github.com/gantry-labs/gantry-go/internal/cache"
	"github.com/gantry-labs/gantry-go/internal/domain"
	"github.com/gantry-labs/gantry-go/internal/platform/auditlog"
	"github.com/gantry-labs/gantry-go/internal/publish"
	"github.com/gantry-labs/gantry-go/internal/repo"
	"github.com/gantry-labs/gantry-go/internal/statuscheck"
	"github.com/gantry-labs/gantry-go/internal/steprun"
)

const defaultInstanceTimeout = time.Hour

// Config tunes run execution.
type Config struct {
	// WorkspaceRoot is where per-run working directories live.
	WorkspaceRoot string
	// InstanceTimeout is the wall-clock budget of one job instance.
	InstanceTimeout time.Duration
	// Secrets are resolvable through ${secrets.<NAME>} expressions.
	Secrets map[string]string
}

// RunnerFactory picks the runner for a job's runs-on label.
type RunnerFactory func(runsOn string) (steprun.Runner, error)

// DefaultRunners runs plain and "linux" jobs on the host shell and
// "docker:<image>" jobs in containers, one runner per image.
func DefaultRunners(dockerBin string) RunnerFactory {
	local := steprun.NewLocalRunner()
	var mu sync.Mutex
	byImage := map[string]steprun.Runner{}
	return func(runsOn string) (steprun.Runner, error) {
		switch {
		case runsOn == "" || runsOn == "linux":
			return local, nil
		case strings.HasPrefix(runsOn, "docker:"):
			image := strings.TrimPrefix(runsOn, "docker:")
			mu.Lock()
			defer mu.Unlock()
			if runner, ok := byImage[image]; ok {
				return runner, nil
			}
			runner, err := steprun.NewDockerRunner(dockerBin, image)
			if err != nil {
				return nil, err
			}
			byImage[image] = runner
			return runner, nil
		default:
			return nil, fmt.Errorf("unsupported runs-on: %q", runsOn)
		}
	}
}

// Options wires the engine's collaborators. The repositories and the
// checkout func are required; cache, artifacts, publisher, notifier
// and audit degrade to no-ops when absent.
type Options struct {
	Logger    *slog.Logger
	Runs      repo.RunRepository
	Instances repo.InstanceRepository
	Steps     repo.StepRepository
	Cache     cache.Coordinator
	Artifacts *artifacts.Store
	Publisher *publish.Client
	Notifier  *statuscheck.Notifier
	Audit     auditlog.QueryRower
	Checkout  CheckoutFunc
	Runners   RunnerFactory
	Config    Config
}

// Engine owns the full lifecycle of runs, from trigger to terminal
// aggregate state.
type Engine struct {
	cfg       Config
	logger    *slog.Logger
	runs      repo.RunRepository
	instances repo.InstanceRepository
	steps     repo.StepRepository
	cache     cache.Coordinator
	artifacts *artifacts.Store
	publisher *publish.Client
	notifier  *statuscheck.Notifier
	audit     auditlog.QueryRower
	checkout  CheckoutFunc
	runners   RunnerFactory
	now       func() time.Time

	mu     sync.Mutex
	active map[string]*activeRun
	wg     sync.WaitGroup
}

type activeRun struct {
	run    domain.Run
	cancel context.CancelFunc
	reason string
}

func New(opts Options) (*Engine, error) {
	if opts.Runs == nil || opts.Instances == nil || opts.Steps == nil {
		return nil, errors.New("run, instance and step repositories are required")
	}
	if opts.Checkout == nil {
		return nil, errors.New("checkout func is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config
	if cfg.InstanceTimeout <= 0 {
		cfg.InstanceTimeout = defaultInstanceTimeout
	}
	if strings.TrimSpace(cfg.WorkspaceRoot) == "" {
		cfg.WorkspaceRoot = filepath.Join(os.TempDir(), "gantry")
	}
	runners := opts.Runners
	if runners == nil {
		runners = DefaultRunners("docker")
	}
	return &Engine{
		cfg:       cfg,
		logger:    logger,
		runs:      opts.Runs,
		instances: opts.Instances,
		steps:     opts.Steps,
		cache:     opts.Cache,
		artifacts: opts.Artifacts,
		publisher: opts.Publisher,
		notifier:  opts.Notifier,
		audit:     opts.Audit,
		checkout:  opts.Checkout,
		runners:   runners,
		now:       time.Now,
		active:    map[string]*activeRun{},
	}, nil
}

// Trigger plans a run for the event and starts it in the background.
// ErrNotTriggered comes back untouched so callers can tell an ignored
// event from a failed one. A workflow that triggers but cannot be laid
// out still gets a run, recorded failed with zero instances.
func (e *Engine) Trigger(ctx context.Context, rec repo.WorkflowRecord, wf domain.Workflow, event domain.TriggerEvent) (domain.Run, error) {
	plan, planErr := Plan(wf, event)
	if errors.Is(planErr, ErrNotTriggered) {
		return domain.Run{}, planErr
	}

	run := domain.Run{
		ID:           uuid.NewString(),
		WorkflowID:   rec.ID,
		WorkflowName: wf.Name,
		Event:        event,
		State:        domain.RunStatePending,
		CreatedAt:    e.now().UTC(),
	}
	if err := e.runs.CreateRun(ctx, run); err != nil {
		return domain.Run{}, fmt.Errorf("create run: %w", err)
	}
	e.auditEvent(ctx, "run.created", run, map[string]any{
		"event":       string(event.Kind),
		"ref":         event.Ref,
		"commit":      event.Commit,
		"delivery_id": event.DeliveryID,
	})
	e.logger.Info("run created",
		"run_id", run.ID,
		"workflow", run.WorkflowName,
		"event", string(event.Kind),
		"ref", event.Ref)

	if planErr != nil {
		run.State = e.finishRun(ctx, run, domain.RunStateFailed, planErr.Error())
		return run, nil
	}

	if event.Kind == domain.EventPullRequest {
		e.supersede(ctx, rec.ID, event.Ref, run.ID)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.register(run, cancel)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.deregister(run.ID)
		defer cancel()
		e.Execute(runCtx, run, plan)
	}()
	return run, nil
}

// Execute drives one planned run to completion: source snapshot, cache
// digests, instance materialization, dependency waves, aggregation. It
// blocks until the run is terminal and returns the final state.
// Persistence survives cancellation so superseded runs still record
// how they ended.
func (e *Engine) Execute(ctx context.Context, run domain.Run, plan *RunPlan) domain.RunState {
	persist := context.WithoutCancel(ctx)
	logger := e.logger.With("run_id", run.ID, "workflow", run.WorkflowName)

	if err := e.runs.UpdateRunState(persist, run.ID, domain.RunStateRunning, "", e.now().UTC()); err != nil {
		logger.Error("mark run running", "error", err)
	}

	runDir := filepath.Join(e.cfg.WorkspaceRoot, run.ID)
	defer os.RemoveAll(runDir)
	sourceDir := filepath.Join(runDir, "source")
	if err := os.MkdirAll(sourceDir, 0o755); err != nil {
		return e.finishRun(persist, run, domain.RunStateFailed, fmt.Sprintf("prepare workspace: %v", err))
	}
	if err := e.checkout(ctx, sourceDir, run.Event); err != nil {
		return e.finishRun(persist, run, domain.RunStateFailed,
			fmt.Sprintf("checkout %s@%s: %v", run.Event.Repo, run.Event.Commit, err))
	}

	if err := checkSecretRefs(plan, e.cfg.Secrets); err != nil {
		return e.finishRun(persist, run, domain.RunStateFailed, err.Error())
	}
	digests, err := cacheDigests(sourceDir, plan)
	if err != nil {
		return e.finishRun(persist, run, domain.RunStateFailed, err.Error())
	}

	all, byJob := materializeInstances(run, plan, e.now().UTC())
	if len(all) > 0 {
		if err := e.instances.CreateInstances(persist, all); err != nil {
			return e.finishRun(persist, run, domain.RunStateFailed, fmt.Sprintf("create instances: %v", err))
		}
	}

	states := e.runWaves(ctx, persist, run, plan, runDir, sourceDir, digests, byJob)

	final := domain.AggregateRunState(states)
	message := ""
	switch final {
	case domain.RunStateFailed:
		failed := 0
		for _, state := range states {
			if state == domain.InstanceFailed {
				failed++
			}
		}
		if failed > 0 {
			message = fmt.Sprintf("%d of %d instances failed", failed, len(states))
		} else {
			message = fmt.Sprintf("%d instances did not succeed", len(states))
		}
	case domain.RunStateCanceled:
		message = e.cancelReason(run.ID)
	}
	return e.finishRun(persist, run, final, message)
}

// runWaves executes the plan wave by wave. Jobs inside a wave never
// depend on each other, so their instances all run in parallel; wave
// results gate the next wave.
func (e *Engine) runWaves(ctx, persist context.Context, run domain.Run, plan *RunPlan, runDir, sourceDir string, digests map[string]string, byJob map[string][]domain.JobInstance) []domain.InstanceState {
	jobSucceeded := make(map[string]bool)
	var all []domain.InstanceState

	for _, wave := range plan.Waves {
		blocked := make([]string, len(wave))
		for i, jp := range wave {
			for _, need := range jp.Job.Needs {
				if !jobSucceeded[need] {
					blocked[i] = need
					break
				}
			}
		}

		results := make([][]domain.InstanceState, len(wave))
		var wg sync.WaitGroup
		for i, jp := range wave {
			i, jp := i, jp
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i] = e.runJob(ctx, persist, run, jp, byJob[jp.Job.Name], blocked[i], runDir, sourceDir, digests)
			}()
		}
		wg.Wait()

		for i, jp := range wave {
			ok := true
			for _, state := range results[i] {
				if state != domain.InstanceSucceeded {
					ok = false
					break
				}
			}
			jobSucceeded[jp.Job.Name] = ok
			all = append(all, results[i]...)
		}
	}
	return all
}

// runJob runs every instance of one job in parallel. A canceled run or
// an unmet need settles the instances without executing anything; with
// fail-fast the first failing instance cancels its siblings.
func (e *Engine) runJob(ctx, persist context.Context, run domain.Run, jp JobPlan, insts []domain.JobInstance, blockedBy, runDir, sourceDir string, digests map[string]string) []domain.InstanceState {
	states := make([]domain.InstanceState, len(insts))

	settle := func(state domain.InstanceState, message string) []domain.InstanceState {
		for i, inst := range insts {
			e.updateInstance(persist, inst.ID, state, message)
			states[i] = state
		}
		return states
	}

	if ctx.Err() != nil {
		return settle(domain.InstanceCanceled, e.cancelReason(run.ID))
	}
	if blockedBy != "" {
		return settle(domain.InstanceSkipped, fmt.Sprintf("dependency %q did not succeed", blockedBy))
	}

	runner, err := e.runners(jp.Job.RunsOn)
	if err != nil {
		return settle(domain.InstanceFailed, err.Error())
	}

	jobCtx, cancelSiblings := context.WithCancel(ctx)
	defer cancelSiblings()

	var wg sync.WaitGroup
	for i, inst := range insts {
		i, inst := i, inst
		wg.Add(1)
		go func() {
			defer wg.Done()
			state := e.runInstance(jobCtx, persist, instanceArgs{
				run:       run,
				job:       jp.Job,
				inst:      inst,
				runner:    runner,
				runDir:    runDir,
				sourceDir: sourceDir,
				digests:   digests,
			})
			states[i] = state
			if state == domain.InstanceFailed && jp.Job.Strategy.FailFastEnabled() {
				cancelSiblings()
			}
		}()
	}
	wg.Wait()
	return states
}

func (e *Engine) finishRun(ctx context.Context, run domain.Run, state domain.RunState, message string) domain.RunState {
	finishedAt := e.now().UTC()
	if err := e.runs.UpdateRunState(ctx, run.ID, state, message, finishedAt); err != nil {
		e.logger.Error("mark run finished", "run_id", run.ID, "error", err)
	}
	e.auditEvent(ctx, "run.finished", run, map[string]any{
		"state":   string(state),
		"message": message,
	})
	if e.notifier != nil {
		report := statuscheck.Report{
			RunID:        run.ID,
			WorkflowName: run.WorkflowName,
			Repo:         run.Event.Repo,
			Commit:       run.Event.Commit,
			Ref:          run.Event.Ref,
			State:        domain.CheckState(state),
			FinishedAt:   finishedAt,
		}
		if err := e.notifier.Notify(ctx, report); err != nil {
			e.logger.Warn("status callback failed", "run_id", run.ID, "error", err)
		}
	}
	e.logger.Info("run finished", "run_id", run.ID, "state", string(state), "message", message)
	return state
}

// supersede cancels older in-flight pull-request runs of the same
// workflow and ref. Runs left behind by a previous process are swept
// through the repository.
func (e *Engine) supersede(ctx context.Context, workflowID, ref, newRunID string) {
	reason := "superseded by run " + newRunID

	e.mu.Lock()
	var ids []string
	for id, ar := range e.active {
		if id == newRunID {
			continue
		}
		if ar.run.WorkflowID == workflowID && ar.run.Event.Ref == ref && ar.run.Event.Kind == domain.EventPullRequest {
			ids = append(ids, id)
		}
	}
	e.mu.Unlock()
	for _, id := range ids {
		e.cancelRun(id, reason)
		e.logger.Info("run superseded", "run_id", id, "by", newRunID)
	}

	stale, err := e.runs.ListActiveRuns(ctx, workflowID, ref)
	if err != nil {
		e.logger.Warn("list active runs", "workflow_id", workflowID, "error", err)
		return
	}
	for _, old := range stale {
		if old.ID == newRunID || old.Event.Kind != domain.EventPullRequest || e.isActive(old.ID) {
			continue
		}
		if err := e.runs.UpdateRunState(ctx, old.ID, domain.RunStateCanceled, reason, e.now().UTC()); err != nil {
			e.logger.Warn("cancel stale run", "run_id", old.ID, "error", err)
		}
	}
}

// Shutdown cancels every in-flight run and waits for their goroutines
// to persist terminal states.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		e.cancelRun(id, "orchestrator shutting down")
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) register(run domain.Run, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[run.ID] = &activeRun{run: run, cancel: cancel}
}

func (e *Engine) deregister(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, id)
}

func (e *Engine) isActive(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[id]
	return ok
}

func (e *Engine) cancelRun(id, reason string) bool {
	e.mu.Lock()
	ar, ok := e.active[id]
	if ok && ar.reason == "" {
		ar.reason = reason
	}
	e.mu.Unlock()
	if !ok {
		return false
	}
	ar.cancel()
	return true
}

func (e *Engine) cancelReason(id string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ar, ok := e.active[id]; ok && ar.reason != "" {
		return ar.reason
	}
	return "canceled"
}

func (e *Engine) updateInstance(ctx context.Context, id string, state domain.InstanceState, message string) {
	if err := e.instances.UpdateInstanceState(ctx, id, state, message, e.now().UTC()); err != nil {
		e.logger.Error("update instance state", "instance_id", id, "state", string(state), "error", err)
	}
}

func (e *Engine) recordStep(ctx context.Context, step domain.StepExecution) {
	if err := e.steps.RecordStep(ctx, step); err != nil {
		e.logger.Error("record step", "instance_id", step.InstanceID, "step", step.Name, "error", err)
	}
}

func (e *Engine) auditEvent(ctx context.Context, action string, run domain.Run, payload map[string]any) {
	if e.audit == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["workflow"] = run.WorkflowName
	_, err := auditlog.Insert(ctx, e.audit, auditlog.Event{
		Actor:        "orchestrator",
		Action:       action,
		ResourceType: "run",
		ResourceID:   run.ID,
		Payload:      payload,
	})
	if err != nil {
		e.logger.Warn("audit insert failed", "action", action, "run_id", run.ID, "error", err)
	}
}
