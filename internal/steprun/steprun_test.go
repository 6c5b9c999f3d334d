package steprun

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func TestLocalRunnerSuccess(t *testing.T) {
	runner := NewLocalRunner()
	result, err := runner.Run(context.Background(), CommandSpec{
		Dir:     t.TempDir(),
		Command: "echo hello from gantry",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", result.ExitCode)
	}
	if !strings.Contains(result.LogTail, "hello from gantry") {
		t.Fatalf("log tail = %q", result.LogTail)
	}
}

func TestLocalRunnerNonZeroExit(t *testing.T) {
	runner := NewLocalRunner()
	result, err := runner.Run(context.Background(), CommandSpec{
		Dir:     t.TempDir(),
		Command: "echo before failure; exit 3",
	})
	if err != nil {
		t.Fatalf("non-zero exit should not be an error, got %v", err)
	}
	if result.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", result.ExitCode)
	}
	if !strings.Contains(result.LogTail, "before failure") {
		t.Fatalf("log tail = %q", result.LogTail)
	}
}

func TestLocalRunnerStopsAtFirstFailure(t *testing.T) {
	runner := NewLocalRunner()
	result, err := runner.Run(context.Background(), CommandSpec{
		Dir:     t.TempDir(),
		Command: "false\necho should not print",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ExitCode == 0 {
		t.Fatalf("exit code should be non-zero")
	}
	if strings.Contains(result.LogTail, "should not print") {
		t.Fatalf("shell should stop at the first failing line, tail %q", result.LogTail)
	}
}

func TestLocalRunnerEnvAndDir(t *testing.T) {
	dir := t.TempDir()
	runner := NewLocalRunner()
	result, err := runner.Run(context.Background(), CommandSpec{
		Dir:     dir,
		Command: "echo value=$GANTRY_TEST_VALUE dir=$PWD",
		Env:     map[string]string{"GANTRY_TEST_VALUE": "42"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(result.LogTail, "value=42") {
		t.Fatalf("env not passed, tail %q", result.LogTail)
	}
	if !strings.Contains(result.LogTail, dir) {
		t.Fatalf("dir not honored, tail %q", result.LogTail)
	}
}

func TestLocalRunnerCanceled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	runner := NewLocalRunner()
	_, err := runner.Run(ctx, CommandSpec{
		Dir:     t.TempDir(),
		Command: "sleep 10",
	})
	if err == nil {
		t.Fatalf("interrupted command should return an error")
	}
}

func TestLocalRunnerTailLimit(t *testing.T) {
	runner := &LocalRunner{tailLimit: 128}
	result, err := runner.Run(context.Background(), CommandSpec{
		Dir:     t.TempDir(),
		Command: "i=0; while [ $i -lt 100 ]; do echo line-$i; i=$((i+1)); done; echo last-line",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.LogTail) > 128 {
		t.Fatalf("tail length = %d, want at most 128", len(result.LogTail))
	}
	if !strings.Contains(result.LogTail, "last-line") {
		t.Fatalf("tail should keep the end of the output, got %q", result.LogTail)
	}
}

func TestLocalRunnerBashShell(t *testing.T) {
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not installed")
	}
	runner := NewLocalRunner()
	result, err := runner.Run(context.Background(), CommandSpec{
		Dir:     t.TempDir(),
		Command: "echo ${BASH_VERSION:?not bash}",
		Shell:   "bash",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("exit code = %d, tail %q", result.ExitCode, result.LogTail)
	}
}

func TestNewDockerRunnerChecksBinary(t *testing.T) {
	if _, err := NewDockerRunner("gantry-definitely-missing-binary", "python:3.10"); err == nil {
		t.Fatalf("missing binary should fail construction")
	}
}

func TestDockerRunnerArgs(t *testing.T) {
	runner := &DockerRunner{dockerBin: "docker", image: "python:3.10", tailLimit: defaultTailLimit}
	args := runner.args(CommandSpec{
		Dir:     "/tmp/ws",
		Command: "pytest -q",
		Env:     map[string]string{"B": "2", "A": "1"},
	})
	joined := strings.Join(args, " ")
	want := "run --rm --network host -v /tmp/ws:/workspace -w /workspace -e A=1 -e B=2 python:3.10 sh -e -c pytest -q"
	if joined != want {
		t.Fatalf("args = %q, want %q", joined, want)
	}
}
