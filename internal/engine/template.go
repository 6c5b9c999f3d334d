package engine

import (
	"github.com/gantry-labs/gantry-go/internal/domain"
	"github.com/gantry-labs/gantry-go/internal/workflow"
)

// newResolver binds expression references for one instance: its matrix
// binding, the triggering event, the run identity and the
// orchestrator's secrets. Everything a step can see is fixed before
// the first step starts.
func newResolver(run domain.Run, binding domain.Binding, secrets map[string]string) func(workflow.Ref) (string, bool) {
	params := binding.Map()
	return func(ref workflow.Ref) (string, bool) {
		switch ref.Namespace {
		case workflow.NamespaceMatrix:
			value, ok := params[ref.Name]
			return value, ok
		case workflow.NamespaceSecrets:
			value, ok := secrets[ref.Name]
			return value, ok
		case workflow.NamespaceEvent:
			switch ref.Name {
			case "kind":
				return string(run.Event.Kind), true
			case "ref":
				return run.Event.Ref, true
			case "short_ref":
				return domain.ShortRef(run.Event.Ref), true
			case "repo":
				return run.Event.Repo, true
			case "commit":
				return run.Event.Commit, true
			}
			return "", false
		case workflow.NamespaceRun:
			if ref.Name == "id" {
				return run.ID, true
			}
			return "", false
		}
		return "", false
	}
}
