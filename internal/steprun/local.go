package steprun

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// LocalRunner runs commands directly on the host through a shell.
type LocalRunner struct {
	tailLimit int
}

func NewLocalRunner() *LocalRunner {
	return &LocalRunner{tailLimit: defaultTailLimit}
}

func (r *LocalRunner) Kind() string {
	return "local"
}

func (r *LocalRunner) Run(ctx context.Context, spec CommandSpec) (Result, error) {
	cmd := exec.CommandContext(ctx, shellBinary(spec.Shell), "-e", "-c", spec.Command)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), sortedEnvPairs(spec.Env)...)

	tail := newTailBuffer(r.tailLimit)
	cmd.Stdout = tail
	cmd.Stderr = tail

	err := cmd.Run()
	result := Result{LogTail: tail.String()}
	if err == nil {
		return result, nil
	}
	if ctx.Err() != nil {
		result.ExitCode = -1
		return result, fmt.Errorf("command interrupted: %w", ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	result.ExitCode = -1
	return result, fmt.Errorf("run command: %w", err)
}
