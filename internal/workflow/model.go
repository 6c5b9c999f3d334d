// Package workflow parses and validates declarative pipeline definitions.
// A definition passes three layers before it can run: YAML decoding, a
// structural schema check, and semantic validation.
package workflow

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/gantry-labs/gantry-go/internal/domain"
)

type fileWorkflow struct {
	Version int           `yaml:"version"`
	Name    string        `yaml:"name"`
	On      *fileTriggers `yaml:"on"`
	Jobs    []fileJob     `yaml:"jobs"`
}

type fileTriggers struct {
	Push        *filePushRule `yaml:"push"`
	PullRequest *filePRRule   `yaml:"pull_request"`
}

type filePushRule struct {
	Branches []string `yaml:"branches"`
	Tags     []string `yaml:"tags"`
}

type filePRRule struct {
	Branches []string `yaml:"branches"`
}

type fileJob struct {
	Name      string            `yaml:"name"`
	RunsOn    string            `yaml:"runs-on"`
	Needs     []string          `yaml:"needs"`
	Strategy  *fileStrategy     `yaml:"strategy"`
	Env       map[string]string `yaml:"env"`
	Steps     []fileStep        `yaml:"steps"`
	Artifacts []string          `yaml:"artifacts"`
}

type fileStrategy struct {
	FailFast *bool            `yaml:"fail-fast"`
	Matrix   []fileMatrixAxis `yaml:"matrix"`
}

type fileMatrixAxis struct {
	Name   string   `yaml:"name"`
	Values []string `yaml:"values"`
}

type fileStep struct {
	Name   string            `yaml:"name"`
	Run    string            `yaml:"run"`
	Action string            `yaml:"action"`
	With   map[string]string `yaml:"with"`
	Cache  *fileCache        `yaml:"cache"`
	If     *fileGuard        `yaml:"if"`
	Env    map[string]string `yaml:"env"`
	Shell  string            `yaml:"shell"`
}

type fileCache struct {
	Path      string   `yaml:"path"`
	Key       string   `yaml:"key"`
	HashFiles []string `yaml:"hash-files"`
	Scope     string   `yaml:"scope"`
}

type fileGuard struct {
	Event  string            `yaml:"event"`
	Ref    string            `yaml:"ref"`
	Matrix map[string]string `yaml:"matrix"`
}

// Parse decodes, schema-checks, and semantically validates a workflow
// definition. Any failure is a configuration error; nothing of the
// definition is usable afterwards.
func Parse(data []byte) (domain.Workflow, error) {
	if err := validateSchema(data); err != nil {
		return domain.Workflow{}, err
	}

	var file fileWorkflow
	if err := yaml.Unmarshal(data, &file); err != nil {
		return domain.Workflow{}, fmt.Errorf("decode workflow: %w", err)
	}

	wf := file.toDomain()
	if err := Validate(wf); err != nil {
		return domain.Workflow{}, err
	}
	return wf, nil
}

func (f fileWorkflow) toDomain() domain.Workflow {
	wf := domain.Workflow{
		Version: f.Version,
		Name:    f.Name,
	}
	if f.On != nil {
		if f.On.Push != nil {
			wf.On.Push = &domain.PushRule{
				Branches: f.On.Push.Branches,
				Tags:     f.On.Push.Tags,
			}
		}
		if f.On.PullRequest != nil {
			wf.On.PullRequest = &domain.PullRequestRule{
				Branches: f.On.PullRequest.Branches,
			}
		}
	}
	wf.Jobs = make([]domain.Job, 0, len(f.Jobs))
	for _, job := range f.Jobs {
		wf.Jobs = append(wf.Jobs, job.toDomain())
	}
	return wf
}

func (f fileJob) toDomain() domain.Job {
	job := domain.Job{
		Name:      f.Name,
		RunsOn:    f.RunsOn,
		Needs:     f.Needs,
		Env:       f.Env,
		Artifacts: f.Artifacts,
	}
	if f.Strategy != nil {
		job.Strategy.FailFast = f.Strategy.FailFast
		for _, axis := range f.Strategy.Matrix {
			job.Strategy.Matrix = append(job.Strategy.Matrix, domain.MatrixAxis{
				Name:   axis.Name,
				Values: axis.Values,
			})
		}
	}
	job.Steps = make([]domain.Step, 0, len(f.Steps))
	for _, step := range f.Steps {
		job.Steps = append(job.Steps, step.toDomain())
	}
	return job
}

func (f fileStep) toDomain() domain.Step {
	step := domain.Step{
		Name:   f.Name,
		Run:    f.Run,
		Action: f.Action,
		With:   f.With,
		Env:    f.Env,
		Shell:  f.Shell,
	}
	if f.Cache != nil {
		step.Cache = &domain.CacheMount{
			Path:      f.Cache.Path,
			Key:       f.Cache.Key,
			HashFiles: f.Cache.HashFiles,
			Scope:     domain.CacheScope(f.Cache.Scope),
		}
	}
	if f.If != nil {
		step.If = &domain.Guard{
			Event:  domain.EventKind(f.If.Event),
			Ref:    f.If.Ref,
			Matrix: f.If.Matrix,
		}
	}
	return step
}
