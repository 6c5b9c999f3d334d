package workflow

import (
	"fmt"
	"strings"
)

// ValidationError aggregates every issue found in a definition so a
// single parse reports all of them at once.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "workflow validation failed"
	}
	return fmt.Sprintf("workflow validation failed: %s", strings.Join(e.Issues, "; "))
}

// Add records one issue.
func (e *ValidationError) Add(format string, args ...any) {
	e.Issues = append(e.Issues, fmt.Sprintf(format, args...))
}

// OrNil returns the error when at least one issue was recorded.
func (e *ValidationError) OrNil() error {
	if len(e.Issues) == 0 {
		return nil
	}
	return e
}
