package agent

import (
	"context"

	"foreman/internal/scheduler"
)

// Result is what a code agent reports back from one execution attempt.
type Result struct {
	Success      bool
	FilesChanged []string
	Output       string
}

// Runner does the actual work of a task: one execution attempt, plus
// targeted fix passes between verification iterations. Implementations
// call external tooling and may be slow or fallible; failures surface as
// results and errors, never as crashes.
type Runner interface {
	Execute(ctx context.Context, task *scheduler.Task, workspace string) (Result, error)
	FixIssues(ctx context.Context, task *scheduler.Task, workspace string, diagnostics []string) error
}

// Factory builds the runner for an agent type. The coordinator calls it
// once per dispatched task.
type Factory func(agentType string) (Runner, error)
