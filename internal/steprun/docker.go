package steprun

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// DockerRunner runs commands inside a fresh container per step. The
// workspace is bind mounted so checkout, cache, and artifact handling
// stay on the host side.
type DockerRunner struct {
	dockerBin string
	image     string
	tailLimit int
}

func NewDockerRunner(dockerBin, image string) (*DockerRunner, error) {
	dockerBin = strings.TrimSpace(dockerBin)
	if dockerBin == "" {
		dockerBin = "docker"
	}
	if _, err := exec.LookPath(dockerBin); err != nil {
		return nil, fmt.Errorf("docker binary not found: %w", err)
	}
	image = strings.TrimSpace(image)
	if image == "" {
		return nil, errors.New("container image is required")
	}
	return &DockerRunner{dockerBin: dockerBin, image: image, tailLimit: defaultTailLimit}, nil
}

func (r *DockerRunner) Kind() string {
	return "docker"
}

func (r *DockerRunner) args(spec CommandSpec) []string {
	args := []string{
		"run",
		"--rm",
		"--network", "host",
		"-v", spec.Dir + ":/workspace",
		"-w", "/workspace",
	}
	for _, pair := range sortedEnvPairs(spec.Env) {
		args = append(args, "-e", pair)
	}
	args = append(args, r.image, shellBinary(spec.Shell), "-e", "-c", spec.Command)
	return args
}

func (r *DockerRunner) Run(ctx context.Context, spec CommandSpec) (Result, error) {
	cmd := exec.CommandContext(ctx, r.dockerBin, r.args(spec)...)

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
	return result, fmt.Errorf("docker run failed: %w", err)
}
