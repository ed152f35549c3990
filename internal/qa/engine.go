package qa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"foreman/internal/events"
	"foreman/internal/scheduler"
)

// DefaultMaxIterations bounds the verify-and-fix loop when the
// configuration does not say otherwise.
const DefaultMaxIterations = 50

const (
	defaultStageTimeout = 10 * time.Minute
	defaultFixTimeout   = 10 * time.Minute
)

// Fixer repairs a workspace from failing diagnostics between iterations.
// agent.Runner satisfies it.
type Fixer interface {
	FixIssues(ctx context.Context, task *scheduler.Task, workspace string, diagnostics []string) error
}

// Config tunes the loop engine.
type Config struct {
	// MaxIterations caps full Build→Lint→Test→Review passes per task.
	MaxIterations int
	// StopOnFirstFailure ends the attempt on the first failing stage
	// without invoking the fixer. Used for quick pipelines.
	StopOnFirstFailure bool
	// StageTimeout bounds each stage runner call; StageTimeouts overrides
	// it per stage.
	StageTimeout  time.Duration
	StageTimeouts map[Stage]time.Duration
	// FixTimeout bounds each fix-agent call.
	FixTimeout time.Duration
	// NoProgressLimit escalates early once the same diagnostics come back
	// this many consecutive iterations. 0 disables the guard.
	NoProgressLimit int
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = defaultStageTimeout
	}
	if c.FixTimeout <= 0 {
		c.FixTimeout = defaultFixTimeout
	}
	return c
}

func (c Config) stageTimeout(s Stage) time.Duration {
	if d, ok := c.StageTimeouts[s]; ok && d > 0 {
		return d
	}
	return c.StageTimeout
}

// Report is the outcome of one verify-and-fix run.
type Report struct {
	Success    bool
	Iterations int
	Escalated  bool
	// Interrupted means the run stopped at an iteration boundary because
	// the caller quiesced it; the task has no verdict yet.
	Interrupted bool
	// Stages holds the final iteration's outcomes; History holds every
	// iteration for the review request trail.
	Stages  []events.StageRecord
	History []events.IterationRecord
}

// RunOption adjusts a single Run call.
type RunOption func(*runOptions)

type runOptions struct {
	quiesce <-chan struct{}
}

// WithQuiesce makes the run finish its current iteration and return with
// Report.Interrupted set once ch is closed, instead of starting another
// iteration or invoking the fixer. Used to pause in-flight work without
// killing the stage runners.
func WithQuiesce(ch <-chan struct{}) RunOption {
	return func(o *runOptions) {
		o.quiesce = ch
	}
}

// BreakerRegistry keeps one circuit breaker per agent type so a
// persistently failing fix agent fails fast instead of hanging every
// iteration on a dead call.
type BreakerRegistry struct {
	mu       sync.Mutex
	logger   *slog.Logger
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry creates an empty registry.
func NewBreakerRegistry(logger *slog.Logger) *BreakerRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &BreakerRegistry{
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the breaker for the agent type, creating it on first use.
func (r *BreakerRegistry) Get(agentType string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[agentType]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        agentType,
		MaxRequests: 3,                // Probe requests allowed while half-open
		Interval:    0,                // Don't clear counts automatically
		Timeout:     30 * time.Second, // Stay open for 30s before testing recovery
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn("fix agent breaker state change", "agent_type", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Cancellation is the caller's doing, not agent failure.
			if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return true
			}
			return false
		},
	})
	r.breakers[agentType] = cb
	return cb
}

// Engine drives the verification pipeline for one task at a time. A single
// engine is shared by all in-flight tasks; it keeps no per-run state.
type Engine struct {
	stages   map[Stage]Runner
	config   Config
	bus      *events.Bus
	logger   *slog.Logger
	breakers *BreakerRegistry
}

// NewEngine creates a loop engine over the given stage runners. Stages
// with no runner pass by default, so a pipeline can configure only the
// checks it has commands for.
func NewEngine(stages map[Stage]Runner, cfg Config, bus *events.Bus, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		stages:   stages,
		config:   cfg.withDefaults(),
		bus:      bus,
		logger:   logger,
		breakers: NewBreakerRegistry(logger),
	}
}

// Run drives Build→Lint→Test→Review for the task until every stage passes
// in a single iteration or the iteration budget runs out. The fixer gets
// the accumulated diagnostics between iterations. The returned error is
// non-nil only for context cancellation; exhausting the budget is reported
// through Report.Escalated, not as an error.
func (e *Engine) Run(ctx context.Context, task *scheduler.Task, workspace string, fixer Fixer, opts ...RunOption) (*Report, error) {
	var options runOptions
	for _, opt := range opts {
		opt(&options)
	}

	report := &Report{}
	var accumulated []string
	var lastFailure string
	sameFailures := 0

	for report.Iterations < e.config.MaxIterations {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		select {
		case <-options.quiesce:
			report.Interrupted = true
			return report, nil
		default:
		}
		report.Iterations++
		iteration := report.Iterations

		records, failing := e.runIteration(ctx, task, workspace, iteration)
		report.Stages = records
		report.History = append(report.History, events.IterationRecord{Iteration: iteration, Stages: records})

		if failing == nil {
			report.Success = true
			e.emitLoop(task, report)
			return report, nil
		}
		// A stage that failed because the run was cancelled is not a
		// verdict on the task.
		if err := ctx.Err(); err != nil {
			return report, err
		}

		if e.config.StopOnFirstFailure {
			report.Escalated = true
			e.emitLoop(task, report)
			return report, nil
		}

		failureKey := strings.Join(failing, "\n")
		if failureKey == lastFailure {
			sameFailures++
		} else {
			sameFailures = 1
			lastFailure = failureKey
		}
		if e.config.NoProgressLimit > 0 && sameFailures >= e.config.NoProgressLimit {
			e.logger.Warn("no progress across iterations, escalating early",
				"task", task.ID, "iterations", iteration)
			report.Escalated = true
			e.emitLoop(task, report)
			return report, nil
		}

		accumulated = append(accumulated, failing...)
		select {
		case <-options.quiesce:
			report.Interrupted = true
			return report, nil
		default:
		}
		if report.Iterations < e.config.MaxIterations {
			e.fix(ctx, task, workspace, fixer, accumulated)
		}
	}

	report.Escalated = true
	e.emitLoop(task, report)
	return report, nil
}

// runIteration attempts one full pass, short-circuiting on the first
// failing stage. Returns the stage records and the failing stage's
// diagnostics; nil diagnostics means every stage passed.
func (e *Engine) runIteration(ctx context.Context, task *scheduler.Task, workspace string, iteration int) ([]events.StageRecord, []string) {
	records := make([]events.StageRecord, 0, len(StageOrder))
	for _, stage := range StageOrder {
		e.emit(events.TypeStageStarted, events.StagePayload{
			TaskID:    task.ID,
			Stage:     stage.String(),
			Iteration: iteration,
		})

		result := e.runStage(ctx, stage, workspace)

		e.emit(events.TypeStageComplete, events.StagePayload{
			TaskID:      task.ID,
			Stage:       stage.String(),
			Iteration:   iteration,
			Passed:      result.Passed,
			Diagnostics: result.Errors,
			DurationMS:  result.Duration.Milliseconds(),
		})
		records = append(records, events.StageRecord{
			Stage:       stage.String(),
			Passed:      result.Passed,
			Diagnostics: result.Errors,
		})

		if !result.Passed {
			diagnostics := result.Errors
			if len(diagnostics) == 0 {
				diagnostics = []string{fmt.Sprintf("%s stage failed", stage)}
			}
			return records, diagnostics
		}
	}
	return records, nil
}

// runStage invokes one stage runner under its time budget. On timeout the
// runner goroutine is abandoned; the buffered channel lets it finish in
// the background without blocking on its send.
func (e *Engine) runStage(ctx context.Context, stage Stage, workspace string) StageResult {
	runner, ok := e.stages[stage]
	if !ok || runner == nil {
		return StageResult{Passed: true}
	}

	timeout := e.config.stageTimeout(stage)
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan StageResult, 1)
	start := time.Now()
	go func() {
		done <- runner.Run(stageCtx, workspace)
	}()

	select {
	case result := <-done:
		if result.Duration == 0 {
			result.Duration = time.Since(start)
		}
		return result
	case <-stageCtx.Done():
		if err := ctx.Err(); err != nil {
			return StageResult{Passed: false, Errors: []string{err.Error()}, Duration: time.Since(start)}
		}
		timeoutErr := &StageTimeoutError{Stage: stage, Timeout: timeout}
		e.logger.Warn("stage timed out", "stage", stage.String(), "timeout", timeout)
		return StageResult{Passed: false, Errors: []string{timeoutErr.Error()}, Duration: time.Since(start)}
	}
}

// fix hands the accumulated diagnostics to the fix agent through the agent
// type's circuit breaker. A failed fix is absorbed: the next iteration's
// stages fail again and spend the budget, per the recoverable-error policy.
func (e *Engine) fix(ctx context.Context, task *scheduler.Task, workspace string, fixer Fixer, diagnostics []string) {
	if fixer == nil {
		return
	}
	fixCtx, cancel := context.WithTimeout(ctx, e.config.FixTimeout)
	defer cancel()

	cb := e.breakers.Get(task.AgentType)
	_, err := cb.Execute(func() (any, error) {
		return nil, fixer.FixIssues(fixCtx, task, workspace, diagnostics)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			e.logger.Warn("fix agent breaker open, skipping fix pass", "task", task.ID, "agent_type", task.AgentType)
			return
		}
		e.logger.Warn("fix attempt failed", "task", task.ID, "error", err)
	}
}

func (e *Engine) emit(eventType string, payload events.StagePayload) {
	if e.bus != nil {
		e.bus.Emit(eventType, payload, events.WithSource("qa"))
	}
}

func (e *Engine) emitLoop(task *scheduler.Task, report *Report) {
	if e.bus == nil {
		return
	}
	e.bus.Emit(events.TypeLoopComplete, events.LoopPayload{
		TaskID:     task.ID,
		Success:    report.Success,
		Iterations: report.Iterations,
		Escalated:  report.Escalated,
	}, events.WithSource("qa"))
}
