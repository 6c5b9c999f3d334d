package workflow

import (
	"sort"
	"strings"

	"github.com/gantry-labs/gantry-go/internal/domain"
	"github.com/gantry-labs/gantry-go/internal/matrix"
)

// SupportedVersion is the only definition format this build accepts.
const SupportedVersion = 1

func validEventField(name string) bool {
	switch name {
	case "kind", "ref", "short_ref", "repo", "commit":
		return true
	}
	return false
}

func validRunField(name string) bool {
	return name == "id"
}

// Validate checks everything the structural schema cannot: reference
// integrity, dependency shape, and per-step constraints. All issues
// are reported together.
func Validate(wf domain.Workflow) error {
	v := &ValidationError{}

	if wf.Version != SupportedVersion {
		v.Add("unsupported version %d, this build supports version %d", wf.Version, SupportedVersion)
	}
	if strings.TrimSpace(wf.Name) == "" {
		v.Add("workflow name is required")
	}
	if wf.On.Push == nil && wf.On.PullRequest == nil {
		v.Add("at least one trigger is required under on")
	}
	if len(wf.Jobs) == 0 {
		v.Add("at least one job is required")
	}

	names := map[string]bool{}
	for _, job := range wf.Jobs {
		if names[job.Name] {
			v.Add("duplicate job name %q", job.Name)
		}
		names[job.Name] = true
	}

	for _, job := range wf.Jobs {
		validateJob(v, job, names)
	}

	if cycle := findCycle(wf.Jobs); cycle != "" {
		v.Add("dependency cycle through job %q", cycle)
	}

	return v.OrNil()
}

func validateJob(v *ValidationError, job domain.Job, jobNames map[string]bool) {
	if strings.TrimSpace(job.Name) == "" {
		v.Add("job name is required")
		return
	}

	if job.RunsOn != "" && job.RunsOn != "linux" {
		image, ok := strings.CutPrefix(job.RunsOn, "docker:")
		if !ok || strings.TrimSpace(image) == "" {
			v.Add("job %q: runs-on must be linux or docker:<image>, got %q", job.Name, job.RunsOn)
		}
	}

	for _, dep := range job.Needs {
		if dep == job.Name {
			v.Add("job %q depends on itself", job.Name)
			continue
		}
		if !jobNames[dep] {
			v.Add("job %q needs unknown job %q", job.Name, dep)
		}
	}

	if err := matrix.Validate(job.Strategy.Matrix); err != nil {
		v.Add("job %q: %v", job.Name, err)
	}
	axes := map[string]bool{}
	for _, axis := range job.Strategy.Matrix {
		axes[axis.Name] = true
	}

	if len(job.Steps) == 0 {
		v.Add("job %q has no steps", job.Name)
	}
	stepNames := map[string]bool{}
	for i, step := range job.Steps {
		if stepNames[step.Name] {
			v.Add("job %q: duplicate step name %q", job.Name, step.Name)
		}
		stepNames[step.Name] = true
		validateStep(v, job, i, step, axes)
	}

	for key, value := range job.Env {
		if strings.TrimSpace(key) == "" {
			v.Add("job %q: env key is blank", job.Name)
		}
		validateRefs(v, job.Name, "env "+key, value, axes)
	}
	for _, pattern := range job.Artifacts {
		if strings.TrimSpace(pattern) == "" {
			v.Add("job %q: artifact pattern is blank", job.Name)
		}
	}
}

func validateStep(v *ValidationError, job domain.Job, index int, step domain.Step, axes map[string]bool) {
	where := "job " + job.Name + " step " + step.Name

	kind, err := step.Kind()
	if err != nil {
		v.Add("job %q step %d (%s): %v", job.Name, index, step.Name, err)
		return
	}

	switch kind {
	case domain.StepKindRun:
		if step.Shell != "" && step.Shell != "sh" && step.Shell != "bash" {
			v.Add("%s: shell must be sh or bash, got %q", where, step.Shell)
		}
		validateRefs(v, job.Name, "step "+step.Name, step.Run, axes)
	case domain.StepKindAction:
		switch step.Action {
		case domain.ActionCheckout:
		case domain.ActionPublish:
			for _, key := range []string{"path", "user", "password"} {
				if strings.TrimSpace(step.With[key]) == "" {
					v.Add("%s: publish requires with.%s", where, key)
				}
			}
		default:
			v.Add("%s: unknown action %q", where, step.Action)
		}
	case domain.StepKindCache:
		if err := step.Cache.Validate(); err != nil {
			v.Add("%s: %v", where, err)
		}
		if step.Cache.EffectiveScope() == domain.CacheScopeMatrix && len(axes) == 0 {
			v.Add("%s: cache scope matrix needs a job matrix", where)
		}
	}

	if step.If != nil {
		validateGuard(v, where, step.If, axes)
	}
	for key, value := range step.With {
		validateRefs(v, job.Name, "step "+step.Name+" with."+key, value, axes)
	}
	for key, value := range step.Env {
		if strings.TrimSpace(key) == "" {
			v.Add("%s: env key is blank", where)
		}
		validateRefs(v, job.Name, "step "+step.Name+" env "+key, value, axes)
	}
}

func validateGuard(v *ValidationError, where string, guard *domain.Guard, axes map[string]bool) {
	if guard.Event != "" && guard.Event != domain.EventPush && guard.Event != domain.EventPullRequest {
		v.Add("%s: if.event must be push or pull_request, got %q", where, guard.Event)
	}
	keys := make([]string, 0, len(guard.Matrix))
	for key := range guard.Matrix {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if !axes[key] {
			v.Add("%s: if.matrix references unknown axis %q", where, key)
		}
	}
}

// validateRefs checks every expression in value against what will be
// resolvable at run time. Secret presence is only known when a run is
// planned, so secret names pass here.
func validateRefs(v *ValidationError, jobName, where, value string, axes map[string]bool) {
	for _, ref := range ExpressionRefs(value) {
		switch ref.Namespace {
		case NamespaceMatrix:
			if !axes[ref.Name] {
				v.Add("job %q %s: unknown matrix axis %q", jobName, where, ref.Name)
			}
		case NamespaceEvent:
			if !validEventField(ref.Name) {
				v.Add("job %q %s: unknown event field %q", jobName, where, ref.Name)
			}
		case NamespaceRun:
			if !validRunField(ref.Name) {
				v.Add("job %q %s: unknown run field %q", jobName, where, ref.Name)
			}
		case NamespaceSecrets:
		}
	}
}

// findCycle walks the needs graph and returns a job on a cycle, or an
// empty string when the graph is acyclic. Jobs are visited in sorted
// order so the reported job is stable.
func findCycle(jobs []domain.Job) string {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	byName := make(map[string]domain.Job, len(jobs))
	names := make([]string, 0, len(jobs))
	for _, job := range jobs {
		byName[job.Name] = job
		names = append(names, job.Name)
	}
	sort.Strings(names)

	state := make(map[string]int, len(jobs))
	var found string
	var visit func(name string) bool
	visit = func(name string) bool {
		switch state[name] {
		case visiting:
			found = name
			return true
		case done:
			return false
		}
		state[name] = visiting
		for _, dep := range byName[name].Needs {
			if _, ok := byName[dep]; !ok {
				continue
			}
			if visit(dep) {
				return true
			}
		}
		state[name] = done
		return false
	}

	for _, name := range names {
		if state[name] == unvisited && visit(name) {
			return found
		}
	}
	return ""
}
