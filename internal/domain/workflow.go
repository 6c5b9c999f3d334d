package domain

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// Workflow is a declarative pipeline definition: which events trigger it and
// which jobs it runs.
type Workflow struct {
	Version int
	Name    string
	On      TriggerRules
	Jobs    []Job
}

// TriggerRules selects the events a workflow reacts to. A nil rule means the
// event kind never triggers the workflow.
type TriggerRules struct {
	Push        *PushRule
	PullRequest *PullRequestRule
}

// PushRule filters push events by branch and tag name patterns. An empty
// rule matches every push.
type PushRule struct {
	Branches []string
	Tags     []string
}

// PullRequestRule matches pull-request events. Branch patterns filter on the
// target branch when present.
type PullRequestRule struct {
	Branches []string
}

// Matches reports whether the event triggers this workflow.
func (t TriggerRules) Matches(event TriggerEvent) bool {
	switch event.Kind {
	case EventPush:
		if t.Push == nil {
			return false
		}
		return t.Push.matchesRef(event.Ref)
	case EventPullRequest:
		if t.PullRequest == nil {
			return false
		}
		if len(t.PullRequest.Branches) == 0 {
			return true
		}
		return matchAnyPattern(t.PullRequest.Branches, ShortRef(event.Ref))
	default:
		return false
	}
}

func (r PushRule) matchesRef(ref string) bool {
	if len(r.Branches) == 0 && len(r.Tags) == 0 {
		return true
	}
	if IsBranchRef(ref) {
		return matchAnyPattern(r.Branches, ShortRef(ref))
	}
	if IsTagRef(ref) {
		return matchAnyPattern(r.Tags, ShortRef(ref))
	}
	return false
}

func matchAnyPattern(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if ok, err := path.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

// Job is one named unit of a workflow. Matrixed jobs expand into several
// independent instances.
type Job struct {
	Name      string
	RunsOn    string
	Needs     []string
	Strategy  Strategy
	Env       map[string]string
	Steps     []Step
	Artifacts []string
}

// Strategy controls matrix expansion and the sibling-failure policy.
// FailFast defaults to true when unset.
type Strategy struct {
	FailFast *bool
	Matrix   []MatrixAxis
}

func (s Strategy) FailFastEnabled() bool {
	if s.FailFast == nil {
		return true
	}
	return *s.FailFast
}

// MatrixAxis is one named dimension with its ordered value list.
type MatrixAxis struct {
	Name   string
	Values []string
}

// StepKind discriminates the three step flavors.
type StepKind string

const (
	StepKindRun    StepKind = "run"
	StepKindAction StepKind = "action"
	StepKindCache  StepKind = "cache"
)

// Built-in action names.
const (
	ActionCheckout = "checkout"
	ActionPublish  = "publish"
)

// Step is one entry of a job's ordered step list. Exactly one of Run,
// Action, Cache is set.
type Step struct {
	Name   string
	Run    string
	Action string
	With   map[string]string
	Cache  *CacheMount
	If     *Guard
	Env    map[string]string
	Shell  string
}

func (s Step) Kind() (StepKind, error) {
	kinds := 0
	var kind StepKind
	if strings.TrimSpace(s.Run) != "" {
		kinds++
		kind = StepKindRun
	}
	if strings.TrimSpace(s.Action) != "" {
		kinds++
		kind = StepKindAction
	}
	if s.Cache != nil {
		kinds++
		kind = StepKindCache
	}
	if kinds != 1 {
		return "", fmt.Errorf("step %q must set exactly one of run, action, cache", s.Name)
	}
	return kind, nil
}

// CacheScope controls whether matrix siblings share one cache entry.
type CacheScope string

const (
	CacheScopeShared CacheScope = "shared"
	CacheScopeMatrix CacheScope = "matrix"
)

// CacheMount declares a directory restored from and saved to the cache
// store. HashFiles name the input files whose contents key the entry.
type CacheMount struct {
	Path      string
	Key       string
	HashFiles []string
	Scope     CacheScope
}

func (c CacheMount) Validate() error {
	if strings.TrimSpace(c.Path) == "" {
		return errors.New("cache path is required")
	}
	if strings.TrimSpace(c.Key) == "" {
		return errors.New("cache key is required")
	}
	if len(c.HashFiles) == 0 {
		return errors.New("cache hash-files must be non-empty")
	}
	switch c.Scope {
	case CacheScopeShared, CacheScopeMatrix, "":
	default:
		return fmt.Errorf("unsupported cache scope: %q", c.Scope)
	}
	return nil
}

func (c CacheMount) EffectiveScope() CacheScope {
	if c.Scope == "" {
		return CacheScopeShared
	}
	return c.Scope
}

// Guard is a step condition. All present clauses must hold.
type Guard struct {
	Event  EventKind
	Ref    string
	Matrix map[string]string
}

// JobNameSet returns the declared job names.
func (w Workflow) JobNameSet() map[string]struct{} {
	names := make(map[string]struct{}, len(w.Jobs))
	for _, job := range w.Jobs {
		if strings.TrimSpace(job.Name) == "" {
			continue
		}
		names[job.Name] = struct{}{}
	}
	return names
}

// JobByName returns the named job.
func (w Workflow) JobByName(name string) (Job, bool) {
	for _, job := range w.Jobs {
		if job.Name == name {
			return job, true
		}
	}
	return Job{}, false
}
