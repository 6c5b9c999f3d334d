package workflow

import (
	"strings"
	"testing"

	"github.com/gantry-labs/gantry-go/internal/domain"
)

const validDoc = `
version: 1
name: wheel-ci
on:
  push:
    branches: ["*"]
    tags: ["v*"]
  pull_request: {}
jobs:
  - name: test
    runs-on: linux
    strategy:
      fail-fast: false
      matrix:
        - name: interpreter
          values: ["3.7", "3.10"]
    steps:
      - name: checkout
        action: checkout
      - name: deps-cache
        cache:
          path: .venv
          key: venv
          hash-files: ["requirements.txt"]
          scope: matrix
      - name: install
        run: pip install -r requirements.txt
      - name: tests
        run: pytest -q --junitxml=report-${matrix.interpreter}.xml
      - name: build
        run: python -m build
      - name: publish
        action: publish
        if:
          event: push
          ref: refs/tags/*
          matrix:
            interpreter: "3.7"
        with:
          path: dist/
          user: __token__
          password: ${secrets.REGISTRY_TOKEN}
  - name: checks
    steps:
      - name: checkout
        action: checkout
      - name: pre-commit
        run: pre-commit run --all-files
`

func TestParseValidWorkflow(t *testing.T) {
	wf, err := Parse([]byte(validDoc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if wf.Name != "wheel-ci" {
		t.Fatalf("name = %q, want wheel-ci", wf.Name)
	}
	if wf.Version != 1 {
		t.Fatalf("version = %d, want 1", wf.Version)
	}
	if wf.On.Push == nil || wf.On.PullRequest == nil {
		t.Fatalf("both triggers should be present, got %+v", wf.On)
	}
	if got := len(wf.Jobs); got != 2 {
		t.Fatalf("jobs = %d, want 2", got)
	}

	test := wf.Jobs[0]
	if test.Strategy.FailFastEnabled() {
		t.Fatalf("fail-fast should be disabled")
	}
	if len(test.Strategy.Matrix) != 1 || test.Strategy.Matrix[0].Name != "interpreter" {
		t.Fatalf("matrix = %+v", test.Strategy.Matrix)
	}
	if got := test.Strategy.Matrix[0].Values; len(got) != 2 || got[0] != "3.7" || got[1] != "3.10" {
		t.Fatalf("axis values = %v", got)
	}
	if got := len(test.Steps); got != 6 {
		t.Fatalf("steps = %d, want 6", got)
	}

	kinds := make([]domain.StepKind, 0, len(test.Steps))
	for _, step := range test.Steps {
		kind, err := step.Kind()
		if err != nil {
			t.Fatalf("step %q: %v", step.Name, err)
		}
		kinds = append(kinds, kind)
	}
	want := []domain.StepKind{
		domain.StepKindAction,
		domain.StepKindCache,
		domain.StepKindRun,
		domain.StepKindRun,
		domain.StepKindRun,
		domain.StepKindAction,
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("step %d kind = %q, want %q", i, kinds[i], want[i])
		}
	}

	publish := test.Steps[5]
	if publish.If == nil {
		t.Fatalf("publish step should carry a guard")
	}
	if publish.If.Event != domain.EventPush || publish.If.Ref != "refs/tags/*" {
		t.Fatalf("guard = %+v", publish.If)
	}
	if publish.If.Matrix["interpreter"] != "3.7" {
		t.Fatalf("guard matrix = %v", publish.If.Matrix)
	}
	if publish.With["user"] != "__token__" {
		t.Fatalf("publish user = %q", publish.With["user"])
	}
	if publish.With["password"] != "${secrets.REGISTRY_TOKEN}" {
		t.Fatalf("publish password = %q", publish.With["password"])
	}

	cache := test.Steps[1].Cache
	if cache == nil || cache.EffectiveScope() != domain.CacheScopeMatrix {
		t.Fatalf("cache mount = %+v", cache)
	}

	checks := wf.Jobs[1]
	if len(checks.Strategy.Matrix) != 0 {
		t.Fatalf("checks job should have no matrix")
	}
	if checks.Strategy.FailFastEnabled() != true {
		t.Fatalf("fail-fast should default to enabled")
	}
}

func TestParseRejects(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "unknown top-level key",
			doc: `
version: 1
name: ci
on: {push: {}}
jbos: []
`,
			want: "malformed",
		},
		{
			name: "jobs as mapping",
			doc: `
version: 1
name: ci
on: {push: {}}
jobs:
  build:
    steps: []
`,
			want: "malformed",
		},
		{
			name: "unquoted matrix values",
			doc: `
version: 1
name: ci
on: {push: {}}
jobs:
  - name: test
    strategy:
      matrix:
        - name: interpreter
          values: [3.7, 3.10]
    steps:
      - name: run
        run: pytest
`,
			want: "malformed",
		},
		{
			name: "step typo key",
			doc: `
version: 1
name: ci
on: {push: {}}
jobs:
  - name: test
    steps:
      - name: run
        runn: pytest
`,
			want: "malformed",
		},
		{
			name: "duplicate job names",
			doc: `
version: 1
name: ci
on: {push: {}}
jobs:
  - name: test
    steps: [{name: a, run: "true"}]
  - name: test
    steps: [{name: a, run: "true"}]
`,
			want: `duplicate job name "test"`,
		},
		{
			name: "unknown dependency",
			doc: `
version: 1
name: ci
on: {push: {}}
jobs:
  - name: test
    needs: [missing]
    steps: [{name: a, run: "true"}]
`,
			want: `needs unknown job "missing"`,
		},
		{
			name: "dependency cycle",
			doc: `
version: 1
name: ci
on: {push: {}}
jobs:
  - name: a
    needs: [b]
    steps: [{name: s, run: "true"}]
  - name: b
    needs: [a]
    steps: [{name: s, run: "true"}]
`,
			want: "dependency cycle",
		},
		{
			name: "step with two kinds",
			doc: `
version: 1
name: ci
on: {push: {}}
jobs:
  - name: test
    steps:
      - name: both
        run: pytest
        action: checkout
`,
			want: "exactly one of run, action, cache",
		},
		{
			name: "unknown action",
			doc: `
version: 1
name: ci
on: {push: {}}
jobs:
  - name: test
    steps: [{name: a, action: deploy}]
`,
			want: `unknown action "deploy"`,
		},
		{
			name: "publish missing credentials",
			doc: `
version: 1
name: ci
on: {push: {}}
jobs:
  - name: test
    steps:
      - name: publish
        action: publish
        with:
          path: dist/
`,
			want: "publish requires with.user",
		},
		{
			name: "cache without hash-files",
			doc: `
version: 1
name: ci
on: {push: {}}
jobs:
  - name: test
    steps:
      - name: cache
        cache: {path: .venv, key: venv}
`,
			want: "hash-files",
		},
		{
			name: "matrix cache scope without matrix",
			doc: `
version: 1
name: ci
on: {push: {}}
jobs:
  - name: test
    steps:
      - name: cache
        cache: {path: .venv, key: venv, hash-files: [reqs.txt], scope: matrix}
`,
			want: "cache scope matrix needs a job matrix",
		},
		{
			name: "guard references unknown axis",
			doc: `
version: 1
name: ci
on: {push: {}}
jobs:
  - name: test
    steps:
      - name: a
        run: pytest
        if:
          matrix: {os: linux}
`,
			want: `unknown axis "os"`,
		},
		{
			name: "run references unknown axis",
			doc: `
version: 1
name: ci
on: {push: {}}
jobs:
  - name: test
    steps:
      - name: a
        run: pytest ${matrix.interpreter}
`,
			want: `unknown matrix axis "interpreter"`,
		},
		{
			name: "unknown event field",
			doc: `
version: 1
name: ci
on: {push: {}}
jobs:
  - name: test
    steps:
      - name: a
        run: echo ${event.author}
`,
			want: `unknown event field "author"`,
		},
		{
			name: "bad shell",
			doc: `
version: 1
name: ci
on: {push: {}}
jobs:
  - name: test
    steps:
      - name: a
        run: pytest
        shell: fish
`,
			want: "shell must be sh or bash",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			if err == nil {
				t.Fatalf("Parse accepted invalid document")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err.Error(), tc.want)
			}
		})
	}
}

func TestValidateAggregatesIssues(t *testing.T) {
	wf := domain.Workflow{
		Version: 2,
		Jobs: []domain.Job{
			{Name: "a", Needs: []string{"a"}, Steps: []domain.Step{{Name: "s", Run: "true"}}},
		},
	}
	err := Validate(wf)
	if err == nil {
		t.Fatalf("Validate accepted invalid workflow")
	}
	verr, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("error type = %T, want *ValidationError", err)
	}
	if len(verr.Issues) < 4 {
		t.Fatalf("issues = %v, want version, name, trigger, and self-dependency", verr.Issues)
	}
}

func TestExpressionRefs(t *testing.T) {
	refs := ExpressionRefs("pytest-${matrix.interpreter} $HOME ${PATH} ${secrets.REGISTRY_TOKEN}")
	if len(refs) != 2 {
		t.Fatalf("refs = %v, want 2", refs)
	}
	if refs[0] != (Ref{Namespace: "matrix", Name: "interpreter"}) {
		t.Fatalf("refs[0] = %+v", refs[0])
	}
	if refs[1] != (Ref{Namespace: "secrets", Name: "REGISTRY_TOKEN"}) {
		t.Fatalf("refs[1] = %+v", refs[1])
	}
}

func TestExpandExpressions(t *testing.T) {
	vars := map[Ref]string{
		{Namespace: "matrix", Name: "interpreter"}: "3.7",
		{Namespace: "event", Name: "ref"}:          "refs/tags/v1.0",
	}
	resolve := func(ref Ref) (string, bool) {
		value, ok := vars[ref]
		return value, ok
	}

	got, err := ExpandExpressions("py${matrix.interpreter} on ${event.ref} in $HOME/${PATH}", resolve)
	if err != nil {
		t.Fatalf("ExpandExpressions: %v", err)
	}
	want := "py3.7 on refs/tags/v1.0 in $HOME/${PATH}"
	if got != want {
		t.Fatalf("expanded = %q, want %q", got, want)
	}

	if _, err := ExpandExpressions("${matrix.os}", resolve); err == nil {
		t.Fatalf("unknown reference should error")
	}
}
