// Package steprun executes the shell commands of job steps and reports
// what happened. A non-zero exit is an observed outcome, not an error;
// errors mean the command could not be run or was cut short.
package steprun

import (
	"context"
	"sort"
	"sync"
)

// defaultTailLimit caps the retained command output.
const defaultTailLimit = 8 << 10

// CommandSpec is one command to run inside a prepared workspace.
type CommandSpec struct {
	Dir     string
	Command string
	Shell   string
	Env     map[string]string
}

// Result is what execution observed.
type Result struct {
	ExitCode int
	LogTail  string
}

// Runner executes commands for one runtime flavor.
type Runner interface {
	Kind() string
	Run(ctx context.Context, spec CommandSpec) (Result, error)
}

func shellBinary(shell string) string {
	if shell == "" {
		return "sh"
	}
	return shell
}

func sortedEnvPairs(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, key+"="+env[key])
	}
	return pairs
}

// tailBuffer keeps the last limit bytes written to it. Stdout and
// stderr share one buffer, so writes take a lock.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	data  []byte
}

func newTailBuffer(limit int) *tailBuffer {
	if limit <= 0 {
		limit = defaultTailLimit
	}
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, p...)
	if len(b.data) > b.limit {
		b.data = b.data[len(b.data)-b.limit:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}
