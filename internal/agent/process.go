package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"foreman/internal/scheduler"
)

// newCommand creates an exec.Cmd in its own process group so the whole
// subprocess tree can be signaled together.
func newCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true, // New process group for signal propagation
	}
	return cmd
}

// executeCommand runs a command to completion, draining stdout and stderr
// concurrently before Wait. Draining first matters: a subprocess that
// writes more than the pipe buffer would otherwise deadlock against Wait.
// The manager, when given, tracks the process for shutdown cleanup.
func executeCommand(ctx context.Context, cmd *exec.Cmd, pm *ProcessManager) (stdout, stderr []byte, err error) {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start command: %w", err)
	}
	if pm != nil {
		pm.Track(cmd)
		defer pm.Untrack(cmd)
	}

	var wg sync.WaitGroup
	var stdoutBuf, stderrBuf bytes.Buffer

	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(&stdoutBuf, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		io.Copy(&stderrBuf, stderrPipe)
	}()

	// Both pipes must be fully drained before Wait.
	wg.Wait()
	waitErr := cmd.Wait()

	stdout = stdoutBuf.Bytes()
	stderr = stderrBuf.Bytes()
	if waitErr != nil {
		if len(stderr) > 0 {
			return stdout, stderr, fmt.Errorf("command failed: %w (stderr: %s)", waitErr, string(stderr))
		}
		return stdout, stderr, fmt.Errorf("command failed: %w", waitErr)
	}
	return stdout, stderr, nil
}

// killProcessGroup sends SIGKILL to the command's whole process group so
// no grandchild survives.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	// Negative PID addresses the group, not just the immediate child.
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill process group: %w", err)
	}
	return nil
}

// ProcessManager tracks live subprocesses so shutdown can terminate every
// agent process tree instead of orphaning them.
type ProcessManager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewProcessManager creates an empty manager.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{
		procs: make(map[int]*exec.Cmd),
	}
}

// Track registers a subprocess. Call after cmd.Start, once cmd.Process
// exists.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.procs[cmd.Process.Pid] = cmd
}

// Untrack removes a subprocess. Call after cmd.Wait completes.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.procs, cmd.Process.Pid)
}

// KillAll terminates every tracked subprocess group. Called on shutdown.
func (pm *ProcessManager) KillAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for pid, cmd := range pm.procs {
		if err := killProcessGroup(cmd); err != nil {
			errs = append(errs, fmt.Errorf("failed to kill process %d: %w", pid, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors killing processes: %v", errs)
	}
	return nil
}

// Count returns the number of tracked processes.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}

// ProcessRunner is a Runner that shells out to an external agent command.
// The task brief goes to the command as its final argument and the command
// runs inside the task's workspace directory.
type ProcessRunner struct {
	command string
	args    []string
	manager *ProcessManager
	logger  *slog.Logger
}

// NewProcessRunner creates a runner around an external command. The
// manager may be nil when shutdown tracking is not needed.
func NewProcessRunner(command string, args []string, pm *ProcessManager, logger *slog.Logger) *ProcessRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessRunner{
		command: command,
		args:    args,
		manager: pm,
		logger:  logger,
	}
}

// Execute asks the external agent to do the task's work in the workspace.
func (r *ProcessRunner) Execute(ctx context.Context, task *scheduler.Task, workspace string) (Result, error) {
	args := append(append([]string(nil), r.args...), taskBrief(task))
	cmd := newCommand(ctx, r.command, args...)
	cmd.Dir = workspace

	stdout, stderr, err := executeCommand(ctx, cmd, r.manager)
	if err != nil {
		r.logger.Warn("agent execution failed", "task", task.ID, "error", err)
		return Result{Output: string(stderr)}, err
	}
	return Result{Success: true, Output: string(stdout)}, nil
}

// FixIssues feeds verification diagnostics back to the agent for a
// targeted fix pass.
func (r *ProcessRunner) FixIssues(ctx context.Context, task *scheduler.Task, workspace string, diagnostics []string) error {
	prompt := fmt.Sprintf("Fix the following issues in %s:\n%s", task.Name, strings.Join(diagnostics, "\n"))
	args := append(append([]string(nil), r.args...), prompt)
	cmd := newCommand(ctx, r.command, args...)
	cmd.Dir = workspace

	if _, _, err := executeCommand(ctx, cmd, r.manager); err != nil {
		return fmt.Errorf("fix attempt for task %q: %w", task.ID, err)
	}
	return nil
}

// taskBrief renders the instruction handed to the agent command.
func taskBrief(task *scheduler.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s: %s\n", task.ID, task.Name)
	if task.Description != "" {
		b.WriteString(task.Description)
		b.WriteString("\n")
	}
	if len(task.TestCriteria) > 0 {
		b.WriteString("Acceptance criteria:\n")
		for _, criterion := range task.TestCriteria {
			fmt.Fprintf(&b, "- %s\n", criterion)
		}
	}
	return b.String()
}
