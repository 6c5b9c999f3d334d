package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// EventKind identifies the version-control event that triggered a run.
type EventKind string

const (
	EventPush        EventKind = "push"
	EventPullRequest EventKind = "pull_request"
)

const (
	branchRefPrefix = "refs/heads/"
	tagRefPrefix    = "refs/tags/"
)

// TriggerEvent is the immutable description of a single delivery from the
// version-control host. One event produces at most one run.
type TriggerEvent struct {
	Kind       EventKind
	Ref        string
	Repo       string
	Commit     string
	DeliveryID string
	ReceivedAt time.Time
}

func (e TriggerEvent) Validate() error {
	switch e.Kind {
	case EventPush, EventPullRequest:
	default:
		return fmt.Errorf("unsupported event kind: %q", e.Kind)
	}
	if strings.TrimSpace(e.Ref) == "" {
		return errors.New("event ref is required")
	}
	if !strings.HasPrefix(e.Ref, "refs/") {
		return fmt.Errorf("event ref must be fully qualified: %q", e.Ref)
	}
	if strings.TrimSpace(e.Repo) == "" {
		return errors.New("event repo is required")
	}
	if strings.TrimSpace(e.Commit) == "" {
		return errors.New("event commit is required")
	}
	return nil
}

// IsTagRef reports whether ref names a tag.
func IsTagRef(ref string) bool {
	return strings.HasPrefix(ref, tagRefPrefix)
}

// IsBranchRef reports whether ref names a branch.
func IsBranchRef(ref string) bool {
	return strings.HasPrefix(ref, branchRefPrefix)
}

// ShortRef strips the refs/heads/ or refs/tags/ prefix.
func ShortRef(ref string) string {
	if IsBranchRef(ref) {
		return strings.TrimPrefix(ref, branchRefPrefix)
	}
	if IsTagRef(ref) {
		return strings.TrimPrefix(ref, tagRefPrefix)
	}
	return ref
}
