// Package engine plans and executes workflow runs: trigger matching,
// dependency ordering, matrix expansion, per-instance step sequencing
// and aggregate run completion.
package engine

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/gantry-labs/gantry-go/internal/cache"
	"github.com/gantry-labs/gantry-go/internal/domain"
	"github.com/gantry-labs/gantry-go/internal/matrix"
	"github.com/gantry-labs/gantry-go/internal/workflow"
)

// ErrNotTriggered reports that the event does not match the workflow's
// trigger rules. No run is created for such an event.
var ErrNotTriggered = errors.New("event does not trigger workflow")

// RunPlan is the deterministic layout of one run: jobs grouped into
// dependency waves, each with its expanded matrix bindings.
type RunPlan struct {
	Workflow domain.Workflow
	Event    domain.TriggerEvent
	Waves    [][]JobPlan
}

// JobPlan is one job with the concrete bindings its instances take.
type JobPlan struct {
	Job      domain.Job
	Bindings []domain.Binding
}

// InstanceCount is the total number of instances the plan yields.
func (p *RunPlan) InstanceCount() int {
	n := 0
	for _, wave := range p.Waves {
		for _, jp := range wave {
			n += len(jp.Bindings)
		}
	}
	return n
}

// Plan checks the event against the workflow's triggers and lays the
// run out. It returns ErrNotTriggered when the rules do not match, and
// a configuration error when the workflow cannot be laid out; either
// way no instance may start.
func Plan(wf domain.Workflow, event domain.TriggerEvent) (*RunPlan, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}
	if !wf.On.Matches(event) {
		return nil, ErrNotTriggered
	}
	if err := workflow.Validate(wf); err != nil {
		return nil, err
	}

	waves, err := dependencyWaves(wf.Jobs)
	if err != nil {
		return nil, err
	}

	plan := &RunPlan{Workflow: wf, Event: event}
	for _, names := range waves {
		wave := make([]JobPlan, 0, len(names))
		for _, name := range names {
			job, _ := wf.JobByName(name)
			wave = append(wave, JobPlan{
				Job:      job,
				Bindings: matrix.Expand(job.Strategy.Matrix),
			})
		}
		plan.Waves = append(plan.Waves, wave)
	}
	return plan, nil
}

// dependencyWaves peels the needs graph level by level: every job
// whose dependencies are already placed joins the next wave, names
// sorted within each wave for a stable layout.
func dependencyWaves(jobs []domain.Job) ([][]string, error) {
	inDegree := make(map[string]int, len(jobs))
	dependents := make(map[string][]string, len(jobs))
	for _, job := range jobs {
		inDegree[job.Name] = len(job.Needs)
		for _, need := range job.Needs {
			dependents[need] = append(dependents[need], job.Name)
		}
	}

	ready := make([]string, 0, len(jobs))
	for name, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	var waves [][]string
	placed := 0
	for len(ready) > 0 {
		wave := ready
		ready = nil
		waves = append(waves, wave)
		placed += len(wave)
		for _, name := range wave {
			for _, dependent := range dependents[name] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					ready = append(ready, dependent)
				}
			}
		}
		sort.Strings(ready)
	}
	if placed != len(jobs) {
		return nil, fmt.Errorf("job dependency graph contains a cycle")
	}
	return waves, nil
}

func digestKey(jobName string, stepIndex int) string {
	return jobName + "/" + strconv.Itoa(stepIndex)
}

// cacheDigests hashes every cache mount's declared inputs against the
// source snapshot. A pattern that matches nothing is a configuration
// error, raised before any instance exists.
func cacheDigests(sourceDir string, plan *RunPlan) (map[string]string, error) {
	digests := map[string]string{}
	for _, wave := range plan.Waves {
		for _, jp := range wave {
			for idx, step := range jp.Job.Steps {
				if step.Cache == nil {
					continue
				}
				digest, err := cache.HashFiles(sourceDir, step.Cache.HashFiles)
				if err != nil {
					return nil, fmt.Errorf("job %q step %q: %w", jp.Job.Name, step.Name, err)
				}
				digests[digestKey(jp.Job.Name, idx)] = digest
			}
		}
	}
	return digests, nil
}

// materializeInstances assigns identities to every planned instance.
// Rows are created pending, in wave order, bindings in product order.
func materializeInstances(run domain.Run, plan *RunPlan, now time.Time) ([]domain.JobInstance, map[string][]domain.JobInstance) {
	var all []domain.JobInstance
	byJob := make(map[string][]domain.JobInstance)
	for _, wave := range plan.Waves {
		for _, jp := range wave {
			for _, binding := range jp.Bindings {
				inst := domain.JobInstance{
					ID:        uuid.NewString(),
					RunID:     run.ID,
					JobName:   jp.Job.Name,
					Binding:   binding,
					State:     domain.InstancePending,
					CreatedAt: now,
				}
				all = append(all, inst)
				byJob[jp.Job.Name] = append(byJob[jp.Job.Name], inst)
			}
		}
	}
	return all, byJob
}

// expandableStrings collects every string of a job that goes through
// expression expansion at run time.
func expandableStrings(job domain.Job) []string {
	var out []string
	for _, value := range job.Env {
		out = append(out, value)
	}
	for _, step := range job.Steps {
		if step.Run != "" {
			out = append(out, step.Run)
		}
		for _, value := range step.With {
			out = append(out, value)
		}
		for _, value := range step.Env {
			out = append(out, value)
		}
	}
	return out
}

// checkSecretRefs resolves every secrets reference up front so a
// missing secret surfaces as a configuration error instead of a
// mid-run step failure.
func checkSecretRefs(plan *RunPlan, secrets map[string]string) error {
	for _, wave := range plan.Waves {
		for _, jp := range wave {
			for _, value := range expandableStrings(jp.Job) {
				for _, ref := range workflow.ExpressionRefs(value) {
					if ref.Namespace != workflow.NamespaceSecrets {
						continue
					}
					if _, ok := secrets[ref.Name]; !ok {
						return fmt.Errorf("job %q references unknown secret %s", jp.Job.Name, ref)
					}
				}
			}
		}
	}
	return nil
}
