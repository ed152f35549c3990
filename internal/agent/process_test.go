package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"foreman/internal/scheduler"
)

func mockCLIPath(t *testing.T) string {
	t.Helper()
	workDir, err := os.Getwd()
	if err != nil {
		t.Fatalf("Failed to get working directory: %v", err)
	}
	return filepath.Join(workDir, "../../testdata/mock-cli.sh")
}

func TestExecuteCommand_BasicExecution(t *testing.T) {
	ctx := context.Background()
	cmd := newCommand(ctx, "echo", "hello")

	stdout, stderr, err := executeCommand(ctx, cmd, nil)

	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !strings.Contains(string(stdout), "hello") {
		t.Errorf("Expected stdout to contain 'hello', got: %s", stdout)
	}
	if len(stderr) > 0 {
		t.Errorf("Expected empty stderr, got: %s", stderr)
	}
}

// Output well above the 64KB pipe buffer must not deadlock Wait.
func TestExecuteCommand_LargeOutput(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd := newCommand(ctx, "bash", mockCLIPath(t), "--large-output", "256")

	start := time.Now()
	stdout, _, err := executeCommand(ctx, cmd, nil)
	duration := time.Since(start)

	if err != nil {
		t.Fatalf("Expected no error, got: %v (took %v)", err, duration)
	}
	lines := strings.Split(strings.TrimSpace(string(stdout)), "\n")
	if len(lines) < 10000 {
		t.Errorf("Expected at least 10000 lines of output, got %d", len(lines))
	}
	if duration > 5*time.Second {
		t.Errorf("Command took too long (%v), possible deadlock", duration)
	}
}

func TestExecuteCommand_StderrCapture(t *testing.T) {
	ctx := context.Background()
	cmd := newCommand(ctx, "bash", "-c", "echo error >&2; echo ok")

	stdout, stderr, err := executeCommand(ctx, cmd, nil)

	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !strings.Contains(string(stdout), "ok") {
		t.Errorf("Expected stdout to contain 'ok', got: %s", stdout)
	}
	if !strings.Contains(string(stderr), "error") {
		t.Errorf("Expected stderr to contain 'error', got: %s", stderr)
	}
}

func TestExecuteCommand_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	cmd := newCommand(ctx, "bash", mockCLIPath(t), "--sleep", "30")

	_, _, err := executeCommand(ctx, cmd, nil)

	if err == nil {
		t.Fatal("Expected error due to context cancellation, got nil")
	}
	errMsg := err.Error()
	isContextError := strings.Contains(errMsg, "context deadline exceeded") ||
		strings.Contains(errMsg, "killed") ||
		strings.Contains(errMsg, "signal")
	if !isContextError {
		t.Errorf("Expected context/signal error, got: %v", err)
	}
}

func TestExecuteCommand_NonZeroExitCode(t *testing.T) {
	ctx := context.Background()
	cmd := newCommand(ctx, "bash", mockCLIPath(t), "--echo", "test-output", "--exit-code", "1")

	stdout, _, err := executeCommand(ctx, cmd, nil)

	if err == nil {
		t.Fatal("Expected error due to non-zero exit code, got nil")
	}
	// Output is still captured on failure.
	if !strings.Contains(string(stdout), "test-output") {
		t.Errorf("Expected stdout to be captured despite error, got: %s", stdout)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if exitCode := exitErr.ExitCode(); exitCode != 1 {
			t.Errorf("Expected exit code 1, got %d", exitCode)
		}
	} else {
		t.Errorf("Expected error to wrap *exec.ExitError, got %T: %v", err, err)
	}
}

func TestProcessManager_TrackAndKillAll(t *testing.T) {
	pm := NewProcessManager()

	ctx := context.Background()
	cmd := newCommand(ctx, "bash", mockCLIPath(t), "--sleep", "300")

	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start process: %v", err)
	}
	pm.Track(cmd)
	if pm.Count() != 1 {
		t.Errorf("Expected 1 tracked process, got %d", pm.Count())
	}

	pm.KillAll()

	err := cmd.Wait()
	if err == nil {
		t.Error("Expected process to be killed (non-nil error), got nil")
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && !status.Signaled() {
			t.Errorf("Expected process to be signaled, got exit status: %v", status)
		}
	}

	pm.Untrack(cmd)
	if pm.Count() != 0 {
		t.Errorf("Expected 0 tracked processes after Untrack, got %d", pm.Count())
	}
}

// The whole process group must die, not just the immediate child.
func TestProcessManager_KillsProcessTree(t *testing.T) {
	pm := NewProcessManager()

	ctx := context.Background()
	cmd := newCommand(ctx, "bash", mockCLIPath(t), "--spawn-child", "--sleep", "30")

	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start process: %v", err)
	}
	parentPID := cmd.Process.Pid
	pm.Track(cmd)

	// Give the child a moment to spawn.
	time.Sleep(200 * time.Millisecond)

	pm.KillAll()
	cmd.Wait()
	pm.Untrack(cmd)

	// pgrep exits 1 when no children remain, which is what we want.
	checkCmd := exec.Command("pgrep", "-P", fmt.Sprintf("%d", parentPID))
	output, err := checkCmd.CombinedOutput()
	if err == nil && len(bytes.TrimSpace(output)) > 0 {
		t.Errorf("Child processes still running after KillAll: %s", output)
	}
}

func TestNoZombieProcesses(t *testing.T) {
	ctx := context.Background()
	mockCLI := mockCLIPath(t)

	for i := 1; i <= 15; i++ {
		cmd := newCommand(ctx, "bash", mockCLI, "--echo", fmt.Sprintf("test-%d", i))

		stdout, _, err := executeCommand(ctx, cmd, nil)
		if err != nil {
			t.Fatalf("Invocation %d failed: %v", i, err)
		}
		if !strings.Contains(string(stdout), fmt.Sprintf("test-%d", i)) {
			t.Errorf("Invocation %d: unexpected output: %s", i, stdout)
		}
	}

	time.Sleep(1 * time.Second)

	psCmd := exec.Command("ps", "-eo", "pid,stat,command")
	output, err := psCmd.CombinedOutput()
	if err != nil {
		t.Fatalf("Failed to run ps command: %v", err)
	}
	var zombies []string
	for _, line := range strings.Split(string(output), "\n") {
		if strings.Contains(line, " Z") || strings.Contains(line, "Z+") {
			zombies = append(zombies, line)
		}
	}
	if len(zombies) > 0 {
		t.Errorf("Found %d zombie processes after stress test:\n%s",
			len(zombies), strings.Join(zombies, "\n"))
	}
}

func TestProcessRunner_Execute(t *testing.T) {
	task := &scheduler.Task{
		ID:           "task-1",
		Name:         "wire the thing",
		Description:  "make it go",
		TestCriteria: []string{"it goes"},
	}

	t.Run("brief reaches the command", func(t *testing.T) {
		// printf the final argument back so the test can inspect the brief.
		runner := NewProcessRunner("bash", []string{"-c", `printf '%s' "$1"`, "agent"}, nil, quietLogger())

		res, err := runner.Execute(context.Background(), task, t.TempDir())
		if err != nil {
			t.Fatalf("Execute(): %v", err)
		}
		if !res.Success {
			t.Error("Execute() reported failure for a clean run")
		}
		for _, want := range []string{"task-1", "wire the thing", "make it go", "Acceptance criteria:", "- it goes"} {
			if !strings.Contains(res.Output, want) {
				t.Errorf("brief missing %q, got:\n%s", want, res.Output)
			}
		}
	})

	t.Run("runs inside the workspace", func(t *testing.T) {
		runner := NewProcessRunner("bash", []string{"-c", "pwd"}, nil, quietLogger())
		workspace := t.TempDir()

		res, err := runner.Execute(context.Background(), task, workspace)
		if err != nil {
			t.Fatalf("Execute(): %v", err)
		}
		if got := strings.TrimSpace(res.Output); got != workspace {
			t.Errorf("command ran in %q, want %q", got, workspace)
		}
	})

	t.Run("failure surfaces stderr", func(t *testing.T) {
		runner := NewProcessRunner("bash", []string{"-c", "echo agent exploded >&2; exit 3", "agent"}, nil, quietLogger())

		res, err := runner.Execute(context.Background(), task, t.TempDir())
		if err == nil {
			t.Fatal("Execute() succeeded, want error")
		}
		if res.Success {
			t.Error("Execute() reported success on failure")
		}
		if !strings.Contains(res.Output, "agent exploded") {
			t.Errorf("failure output = %q, want stderr content", res.Output)
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) || exitErr.ExitCode() != 3 {
			t.Errorf("error = %v, want wrapped exit code 3", err)
		}
	})
}

func TestProcessRunner_FixIssues(t *testing.T) {
	task := &scheduler.Task{ID: "task-1", Name: "wire the thing"}

	t.Run("prompt carries the diagnostics", func(t *testing.T) {
		runner := NewProcessRunner("bash", []string{"-c", `printf '%s' "$1" >&2; exit 1`, "agent"}, nil, quietLogger())

		err := runner.FixIssues(context.Background(), task, t.TempDir(), []string{"build: undefined symbol", "lint: unused var"})
		if err == nil {
			t.Fatal("FixIssues() succeeded, want error carrying the prompt")
		}
		for _, want := range []string{"task-1", "Fix the following issues", "undefined symbol", "unused var"} {
			if !strings.Contains(err.Error(), want) {
				t.Errorf("error missing %q: %v", want, err)
			}
		}
	})

	t.Run("clean fix run", func(t *testing.T) {
		runner := NewProcessRunner("true", nil, nil, quietLogger())

		if err := runner.FixIssues(context.Background(), task, t.TempDir(), []string{"anything"}); err != nil {
			t.Fatalf("FixIssues(): %v", err)
		}
	})
}
