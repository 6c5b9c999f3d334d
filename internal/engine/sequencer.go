package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/gantry-labs/gantry-go/internal/artifacts"
	"github.com/gantry-labs/gantry-go/internal/cache"
	"github.com/gantry-labs/gantry-go/internal/domain"
	"github.com/gantry-labs/gantry-go/internal/gate"
	"github.com/gantry-labs/gantry-go/internal/publish"
	"github.com/gantry-labs/gantry-go/internal/steprun"
	"github.com/gantry-labs/gantry-go/internal/workflow"
)

type instanceArgs struct {
	run       domain.Run
	job       domain.Job
	inst      domain.JobInstance
	runner    steprun.Runner
	runDir    string
	sourceDir string
	digests   map[string]string
}

// runInstance drives one job instance under its timeout and records
// the terminal state.
func (e *Engine) runInstance(ctx, persist context.Context, args instanceArgs) domain.InstanceState {
	logger := e.logger.With("run_id", args.run.ID, "instance", args.inst.Name())
	e.updateInstance(persist, args.inst.ID, domain.InstanceRunning, "")

	instCtx, cancel := context.WithTimeout(ctx, e.cfg.InstanceTimeout)
	defer cancel()

	seq := &sequencer{
		engine:    e,
		persist:   persist,
		args:      args,
		logger:    logger,
		workspace: filepath.Join(args.runDir, "ws-"+args.inst.ID),
		resolve:   newResolver(args.run, args.inst.Binding, e.cfg.Secrets),
	}
	state, message := seq.run(instCtx)
	e.updateInstance(persist, args.inst.ID, state, message)
	logger.Info("instance finished", "state", string(state), "message", message)
	return state
}

type deferredStore struct {
	key string
	dir string
}

// sequencer walks one instance's declared steps strictly in order.
type sequencer struct {
	engine    *Engine
	persist   context.Context
	args      instanceArgs
	logger    *slog.Logger
	workspace string
	resolve   func(workflow.Ref) (string, bool)
	deferred  []deferredStore
}

type stepOutcome struct {
	status   domain.StepStatus
	exitCode *int
	logTail  string
	errMsg   string
}

func (s *sequencer) run(ctx context.Context) (domain.InstanceState, string) {
	if err := os.MkdirAll(s.workspace, 0o755); err != nil {
		return domain.InstanceFailed, fmt.Sprintf("prepare workspace: %v", err)
	}

	guardCtx := gate.NewContext(s.args.run.Event, s.args.inst.Binding)

	failure := ""
	interrupted := false
	for idx, step := range s.args.job.Steps {
		exec := domain.StepExecution{
			ID:         uuid.NewString(),
			InstanceID: s.args.inst.ID,
			Index:      idx,
			Name:       step.Name,
			Status:     domain.StepSkipped,
		}
		switch {
		case failure != "":
			exec.Error = "not run: an earlier step failed"
		case ctx.Err() != nil:
			interrupted = true
			exec.Error = "not run: instance interrupted"
		case step.If != nil && !gate.Evaluate(*step.If, guardCtx):
			// Clean guard skip, not a failure of any kind.
		default:
			startedAt := s.engine.now().UTC()
			outcome := s.executeStep(ctx, idx, step)
			finishedAt := s.engine.now().UTC()
			exec.Status = outcome.status
			exec.ExitCode = outcome.exitCode
			exec.LogTail = outcome.logTail
			exec.Error = outcome.errMsg
			exec.StartedAt = &startedAt
			exec.FinishedAt = &finishedAt
			if outcome.status == domain.StepFailed {
				if ctx.Err() != nil {
					interrupted = true
				}
				if failure == "" {
					failure = fmt.Sprintf("step %q failed", step.Name)
					if outcome.errMsg != "" {
						failure = fmt.Sprintf("step %q failed: %s", step.Name, outcome.errMsg)
					}
				}
			}
		}
		s.engine.recordStep(s.persist, exec)
	}

	s.completion()

	if interrupted {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return domain.InstanceFailed, fmt.Sprintf("instance timed out after %s", s.engine.cfg.InstanceTimeout)
		}
		return domain.InstanceCanceled, s.engine.cancelReason(s.args.run.ID)
	}
	if failure != "" {
		return domain.InstanceFailed, failure
	}
	return domain.InstanceSucceeded, ""
}

func (s *sequencer) executeStep(ctx context.Context, idx int, step domain.Step) stepOutcome {
	kind, err := step.Kind()
	if err != nil {
		return stepOutcome{status: domain.StepFailed, errMsg: err.Error()}
	}
	switch kind {
	case domain.StepKindCache:
		return s.cacheStep(ctx, idx, *step.Cache)
	case domain.StepKindAction:
		return s.actionStep(ctx, step)
	default:
		return s.runStep(ctx, step)
	}
}

func (s *sequencer) runStep(ctx context.Context, step domain.Step) stepOutcome {
	command, err := s.expand(step.Run)
	if err != nil {
		return stepOutcome{status: domain.StepFailed, errMsg: err.Error()}
	}
	env, err := s.stepEnv(step)
	if err != nil {
		return stepOutcome{status: domain.StepFailed, errMsg: err.Error()}
	}

	result, err := s.args.runner.Run(ctx, steprun.CommandSpec{
		Dir:     s.workspace,
		Command: command,
		Shell:   step.Shell,
		Env:     env,
	})
	out := stepOutcome{logTail: result.LogTail}
	switch {
	case err != nil:
		// The command never ran to an observable exit.
		out.status = domain.StepFailed
		out.errMsg = err.Error()
	case result.ExitCode != 0:
		out.status = domain.StepFailed
		out.errMsg = fmt.Sprintf("command exited with status %d", result.ExitCode)
		out.exitCode = &result.ExitCode
	default:
		out.status = domain.StepSucceeded
		out.exitCode = &result.ExitCode
	}
	return out
}

func (s *sequencer) cacheStep(ctx context.Context, idx int, mount domain.CacheMount) stepOutcome {
	dir := filepath.Join(s.workspace, filepath.FromSlash(mount.Path))
	key := cache.Key(mount, s.args.digests[digestKey(s.args.job.Name, idx)], s.args.inst.Binding)

	if s.engine.cache == nil {
		return stepOutcome{status: domain.StepSucceeded, logTail: "cache not configured, building cold"}
	}

	hit, err := s.engine.cache.Lookup(ctx, key, dir)
	if err != nil {
		s.logger.Debug("cache lookup degraded to a miss", "key", key, "error", err)
	}
	s.deferred = append(s.deferred, deferredStore{key: key, dir: dir})

	tail := "cache miss: " + key
	if hit {
		tail = "cache hit: " + key
	}
	return stepOutcome{status: domain.StepSucceeded, logTail: tail}
}

func (s *sequencer) actionStep(ctx context.Context, step domain.Step) stepOutcome {
	switch step.Action {
	case domain.ActionCheckout:
		if err := copyTree(s.args.sourceDir, s.workspace); err != nil {
			return stepOutcome{status: domain.StepFailed, errMsg: fmt.Sprintf("checkout: %v", err)}
		}
		return stepOutcome{status: domain.StepSucceeded, logTail: "source checked out at " + s.args.run.Event.Commit}
	case domain.ActionPublish:
		return s.publishStep(ctx, step)
	default:
		return stepOutcome{status: domain.StepFailed, errMsg: fmt.Sprintf("unknown action %q", step.Action)}
	}
}

func (s *sequencer) publishStep(ctx context.Context, step domain.Step) stepOutcome {
	if s.engine.publisher == nil {
		return stepOutcome{status: domain.StepFailed, errMsg: "no package registry configured"}
	}

	with := make(map[string]string, len(step.With))
	for key, value := range step.With {
		expanded, err := s.expand(value)
		if err != nil {
			return stepOutcome{status: domain.StepFailed, errMsg: fmt.Sprintf("with.%s: %v", key, err)}
		}
		with[key] = expanded
	}

	files, err := s.publishFiles(with["path"])
	if err != nil {
		return stepOutcome{status: domain.StepFailed, errMsg: err.Error()}
	}

	up := publish.Upload{
		Project: with["project"],
		Version: with["version"],
		Files:   files,
	}
	if up.Project == "" {
		up.Project = path.Base(s.args.run.Event.Repo)
	}
	if up.Version == "" {
		if !domain.IsTagRef(s.args.run.Event.Ref) {
			return stepOutcome{status: domain.StepFailed, errMsg: "publish needs a tag ref or an explicit with.version"}
		}
		up.Version = strings.TrimPrefix(domain.ShortRef(s.args.run.Event.Ref), "v")
	}

	creds := publish.Credentials{User: with["user"], Password: with["password"]}
	if err := s.engine.publisher.Do(ctx, creds, up); err != nil {
		if errors.Is(err, publish.ErrVersionExists) {
			s.engine.auditEvent(s.persist, "publish.rejected", s.args.run, map[string]any{
				"instance_id": s.args.inst.ID,
				"project":     up.Project,
				"version":     up.Version,
				"reason":      "version_exists",
			})
		}
		return stepOutcome{status: domain.StepFailed, errMsg: err.Error()}
	}

	if s.engine.artifacts != nil {
		for _, file := range files {
			body, err := os.ReadFile(file)
			if err != nil {
				s.logger.Warn("provenance copy skipped", "file", file, "error", err)
				continue
			}
			_, err = s.engine.artifacts.Put(s.persist, artifacts.Upload{
				RunID:      s.args.run.ID,
				InstanceID: s.args.inst.ID,
				Name:       "publish/" + filepath.Base(file),
				Body:       body,
			})
			if err != nil {
				s.logger.Warn("provenance copy failed", "file", file, "error", err)
			}
		}
	}

	return stepOutcome{
		status:  domain.StepSucceeded,
		logTail: fmt.Sprintf("published %s %s (%d files)", up.Project, up.Version, len(files)),
	}
}

// publishFiles resolves the publish path against the workspace: a
// directory means its regular files, a file means itself, anything
// else is tried as a glob.
func (s *sequencer) publishFiles(rel string) ([]string, error) {
	if strings.TrimSpace(rel) == "" {
		return nil, errors.New("publish path is required")
	}
	full := filepath.Join(s.workspace, filepath.FromSlash(rel))

	var candidates []string
	info, err := os.Stat(full)
	switch {
	case err == nil && info.IsDir():
		entries, err := os.ReadDir(full)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			candidates = append(candidates, filepath.Join(full, entry.Name()))
		}
	case err == nil:
		candidates = []string{full}
	default:
		matches, globErr := filepath.Glob(full)
		if globErr != nil || len(matches) == 0 {
			return nil, fmt.Errorf("publish path %q matched nothing", rel)
		}
		candidates = matches
	}

	var files []string
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		files = append(files, candidate)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("publish path %q holds no files", rel)
	}
	sort.Strings(files)
	return files, nil
}

// completion runs after the last step regardless of how the instance
// ended: deferred cache stores first, then artifact uploads. Both are
// best-effort and never change the instance outcome.
func (s *sequencer) completion() {
	for _, d := range s.deferred {
		if _, err := os.Stat(d.dir); err != nil {
			continue
		}
		if err := s.engine.cache.Store(s.persist, d.key, d.dir); err != nil {
			s.logger.Debug("cache store failed", "key", d.key, "error", err)
		}
	}

	if s.engine.artifacts == nil || len(s.args.job.Artifacts) == 0 {
		return
	}
	for _, pattern := range s.args.job.Artifacts {
		matches, err := filepath.Glob(filepath.Join(s.workspace, filepath.FromSlash(pattern)))
		if err != nil || len(matches) == 0 {
			s.logger.Warn("artifact pattern matched nothing", "pattern", pattern)
			continue
		}
		for _, match := range matches {
			info, err := os.Stat(match)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			body, err := os.ReadFile(match)
			if err != nil {
				s.logger.Warn("artifact read failed", "file", match, "error", err)
				continue
			}
			rel, err := filepath.Rel(s.workspace, match)
			if err != nil {
				continue
			}
			_, err = s.engine.artifacts.Put(s.persist, artifacts.Upload{
				RunID:      s.args.run.ID,
				InstanceID: s.args.inst.ID,
				Name:       filepath.ToSlash(rel),
				Body:       body,
			})
			if err != nil {
				s.logger.Warn("artifact upload failed", "file", match, "error", err)
			}
		}
	}
}

func (s *sequencer) expand(value string) (string, error) {
	return workflow.ExpandExpressions(value, s.resolve)
}

func (s *sequencer) stepEnv(step domain.Step) (map[string]string, error) {
	env := make(map[string]string, len(s.args.job.Env)+len(step.Env))
	for key, value := range s.args.job.Env {
		expanded, err := s.expand(value)
		if err != nil {
			return nil, fmt.Errorf("env %s: %w", key, err)
		}
		env[key] = expanded
	}
	for key, value := range step.Env {
		expanded, err := s.expand(value)
		if err != nil {
			return nil, fmt.Errorf("env %s: %w", key, err)
		}
		env[key] = expanded
	}
	return env, nil
}
