package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"foreman/internal/agent"
	"foreman/internal/checkpoint"
	"foreman/internal/events"
	"foreman/internal/persistence"
	"foreman/internal/qa"
	"foreman/internal/scheduler"
	"foreman/internal/workspace"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stageStub adapts a func to qa.Runner so tests can script stage verdicts.
type stageStub func(workspace string) qa.StageResult

func (f stageStub) Run(ctx context.Context, ws string) qa.StageResult {
	return f(ws)
}

func passingStages() map[qa.Stage]qa.Runner {
	stages := make(map[qa.Stage]qa.Runner, len(qa.StageOrder))
	for _, stage := range qa.StageOrder {
		stages[stage] = stageStub(func(string) qa.StageResult {
			return qa.StageResult{Passed: true}
		})
	}
	return stages
}

func passingEngine() *qa.Engine {
	return qa.NewEngine(passingStages(), qa.Config{MaxIterations: 2}, nil, quietLogger())
}

// stubRunner succeeds instantly, or always errors when execErr is set.
type stubRunner struct {
	mu      sync.Mutex
	execErr error
	execs   []string
	fixes   int
}

func (r *stubRunner) Execute(ctx context.Context, task *scheduler.Task, ws string) (agent.Result, error) {
	r.mu.Lock()
	r.execs = append(r.execs, task.ID)
	r.mu.Unlock()
	if r.execErr != nil {
		return agent.Result{}, r.execErr
	}
	return agent.Result{Success: true, FilesChanged: []string{"main.go"}}, nil
}

func (r *stubRunner) FixIssues(ctx context.Context, task *scheduler.Task, ws string, diags []string) error {
	r.mu.Lock()
	r.fixes++
	r.mu.Unlock()
	return nil
}

// blockingRunner parks Execute until release is closed, reporting each
// entry on started.
type blockingRunner struct {
	release chan struct{}
	started chan string
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{
		release: make(chan struct{}),
		started: make(chan string, 8),
	}
}

func (r *blockingRunner) Execute(ctx context.Context, task *scheduler.Task, ws string) (agent.Result, error) {
	select {
	case r.started <- task.ID:
	default:
	}
	select {
	case <-r.release:
		return agent.Result{Success: true}, nil
	case <-ctx.Done():
		return agent.Result{}, ctx.Err()
	}
}

func (r *blockingRunner) FixIssues(ctx context.Context, task *scheduler.Task, ws string, diags []string) error {
	return nil
}

func fixedFactory(r agent.Runner) agent.Factory {
	return func(agentType string) (agent.Runner, error) { return r, nil }
}

func testConfig(t *testing.T, engine *qa.Engine, runner agent.Runner) Config {
	t.Helper()
	return Config{
		Concurrency:  2,
		DrainTimeout: 2 * time.Second,
		Engine:       engine,
		Workspaces:   workspace.NewDirProvider(t.TempDir()),
		Runners:      fixedFactory(runner),
		Logger:       quietLogger(),
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func eventsOfType(seen []events.Event, eventType string) []events.Event {
	var out []events.Event
	for _, e := range seen {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func taskEventIndex(seen []events.Event, eventType, taskID string) int {
	for i, e := range seen {
		if e.Type != eventType {
			continue
		}
		if p, ok := e.Payload.(events.TaskPayload); ok && p.TaskID == taskID {
			return i
		}
	}
	return -1
}

func TestCoordinatorTransitionGuards(t *testing.T) {
	ctx := context.Background()
	runner := newBlockingRunner()
	coord := New(testConfig(t, passingEngine(), runner), scheduler.NewQueue(), agent.NewPool(agent.Limits{}, nil, quietLogger()))

	if err := coord.Pause(ctx, "x"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Pause on idle = %v, want ErrInvalidTransition", err)
	}
	if err := coord.Resume(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Resume on idle = %v, want ErrInvalidTransition", err)
	}
	if err := coord.Stop(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Stop on idle = %v, want ErrInvalidTransition", err)
	}
	if err := coord.Start(ctx); err == nil {
		t.Fatal("Start without a plan should fail")
	}
	if err := coord.RestoreCheckpoint(ctx, "cp-1"); err == nil {
		t.Fatal("RestoreCheckpoint without a manager should fail")
	}
	if err := coord.Resolve("task-a", "maybe"); err == nil {
		t.Fatal("Resolve with unknown decision should fail")
	}
	if err := coord.Resolve("no-such-task", DecisionRetry); err == nil {
		t.Fatal("Resolve for unknown task should fail")
	}

	tasks := []*scheduler.Task{{ID: "task-a", Name: "a", AgentType: agent.TypeCoder}}
	if err := coord.Initialize("proj-guards", tasks); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := coord.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-runner.started

	if err := coord.Start(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Start while running = %v, want ErrInvalidTransition", err)
	}
	if err := coord.Initialize("proj-2", tasks); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Initialize while running = %v, want ErrInvalidTransition", err)
	}
	if err := coord.Resume(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Resume while running = %v, want ErrInvalidTransition", err)
	}
	if err := coord.RestoreCheckpoint(ctx, "cp-1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("RestoreCheckpoint while running = %v, want ErrInvalidTransition", err)
	}

	pauseErr := make(chan error, 1)
	go func() { pauseErr <- coord.Pause(ctx, "operator") }()
	waitFor(t, time.Second, func() bool { return coord.State() == StatePaused })
	if err := coord.Pause(ctx, "again"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Pause while paused = %v, want ErrInvalidTransition", err)
	}
	close(runner.release)
	if err := <-pauseErr; err != nil {
		t.Fatalf("Pause: %v", err)
	}

	if err := coord.Stop(ctx); err != nil {
		t.Fatalf("Stop from paused: %v", err)
	}
	if got := coord.State(); got != StateIdle {
		t.Fatalf("state after Stop = %s, want idle", got)
	}
}

func TestCoordinatorRunsBatch(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus(quietLogger())
	var seen []events.Event
	bus.OnAny(func(e events.Event) { seen = append(seen, e) })

	queue := scheduler.NewQueue()
	pool := agent.NewPool(agent.Limits{}, nil, quietLogger())
	store, err := persistence.NewMemoryStore(ctx)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	manager := checkpoint.NewManager(store, queue, pool, bus, quietLogger())

	runner := &stubRunner{}
	root := t.TempDir()
	cfg := testConfig(t, passingEngine(), runner)
	cfg.Workspaces = workspace.NewDirProvider(root)
	cfg.Bus = bus
	cfg.Checkpoints = manager

	coord := New(cfg, queue, pool)
	tasks := []*scheduler.Task{
		{ID: "task-a", Name: "scaffold", AgentType: agent.TypeCoder, EstimatedMinutes: 5},
		{ID: "task-b", Name: "api", AgentType: agent.TypeCoder, DependsOn: []string{"task-a"}, EstimatedMinutes: 5},
		{ID: "task-c", Name: "tests", AgentType: agent.TypeTester, DependsOn: []string{"task-a"}, EstimatedMinutes: 5},
	}
	if err := coord.Initialize("proj-1", tasks); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := coord.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-coord.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}

	if got := coord.State(); got != StateIdle {
		t.Fatalf("state after run = %s, want idle", got)
	}
	counts := queue.Counts()
	if counts.Completed != 3 {
		t.Fatalf("completed = %d, want 3", counts.Completed)
	}
	progress := coord.Progress()
	if progress.Total != 3 || progress.Completed != 3 || progress.Failed != 0 {
		t.Fatalf("unexpected progress: %+v", progress)
	}
	if inFlight := pool.Status().TasksInFlight; inFlight != 0 {
		t.Fatalf("tasks in flight after run = %d", inFlight)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("workspace root not cleaned up, %d entries left", len(entries))
	}

	records, err := manager.List(ctx, "proj-1", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("checkpoints = %d, want 2", len(records))
	}
	if records[0].Trigger != checkpoint.TriggerFeatureComplete || records[1].Trigger != checkpoint.TriggerWaveComplete {
		t.Fatalf("checkpoint triggers = %s, %s", records[0].Trigger, records[1].Trigger)
	}

	bus.Close()

	if got := len(eventsOfType(seen, events.TypeWaveStarted)); got != 2 {
		t.Fatalf("wave.started events = %d, want 2", got)
	}
	if got := len(eventsOfType(seen, events.TypeWaveCompleted)); got != 2 {
		t.Fatalf("wave.completed events = %d, want 2", got)
	}
	if got := len(eventsOfType(seen, events.TypeTaskCompleted)); got != 3 {
		t.Fatalf("task.completed events = %d, want 3", got)
	}
	feature := eventsOfType(seen, events.TypeFeatureCompleted)
	if len(feature) != 1 {
		t.Fatalf("feature.completed events = %d, want 1", len(feature))
	}
	if p := feature[0].Payload.(events.FeaturePayload); p.Completed != 3 || p.Failed != 0 {
		t.Fatalf("unexpected feature payload: %+v", p)
	}

	for _, id := range []string{"task-a", "task-b", "task-c"} {
		assigned := taskEventIndex(seen, events.TypeTaskAssigned, id)
		started := taskEventIndex(seen, events.TypeTaskStarted, id)
		completed := taskEventIndex(seen, events.TypeTaskCompleted, id)
		if assigned == -1 || started == -1 || completed == -1 {
			t.Fatalf("missing lifecycle events for %s", id)
		}
		if !(assigned < started && started < completed) {
			t.Fatalf("%s events out of order: assigned=%d started=%d completed=%d", id, assigned, started, completed)
		}
	}

	states := eventsOfType(seen, events.TypeStateChanged)
	if len(states) < 3 {
		t.Fatalf("state events = %d, want at least 3", len(states))
	}
	first := states[0].Payload.(events.StatePayload)
	last := states[len(states)-1].Payload.(events.StatePayload)
	if first.From != "idle" || first.To != "running" {
		t.Fatalf("first transition = %+v", first)
	}
	if last.To != "idle" {
		t.Fatalf("last transition = %+v", last)
	}
}

func TestCoordinatorEscalationKeepsSiblingsRunning(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus(quietLogger())
	var seen []events.Event
	bus.OnAny(func(e events.Event) { seen = append(seen, e) })

	// Build fails forever for task-a's workspace, passes everywhere else.
	stages := passingStages()
	stages[qa.StageBuild] = stageStub(func(ws string) qa.StageResult {
		if strings.Contains(ws, "task-a") {
			return qa.StageResult{Passed: false, Errors: []string{"undefined: Widget"}}
		}
		return qa.StageResult{Passed: true}
	})
	engine := qa.NewEngine(stages, qa.Config{MaxIterations: 2}, nil, quietLogger())

	queue := scheduler.NewQueue()
	pool := agent.NewPool(agent.Limits{}, nil, quietLogger())
	cfg := testConfig(t, engine, &stubRunner{})
	cfg.Bus = bus
	coord := New(cfg, queue, pool)

	tasks := []*scheduler.Task{
		{ID: "task-a", Name: "broken", AgentType: agent.TypeCoder},
		{ID: "task-b", Name: "fine", AgentType: agent.TypeCoder},
		{ID: "task-c", Name: "downstream", AgentType: agent.TypeCoder, DependsOn: []string{"task-b"}},
	}
	if err := coord.Initialize("proj-esc", tasks); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := coord.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// task-b and task-c finish despite task-a's escalation; the run then
	// parks waiting for the review decision.
	waitFor(t, 5*time.Second, func() bool {
		counts := queue.Counts()
		return counts.Completed == 2 && counts.Escalated == 1
	})
	if got := coord.State(); got != StateRunning {
		t.Fatalf("state while awaiting review = %s, want running", got)
	}

	if err := coord.Resolve("task-a", DecisionAbandon); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	select {
	case <-coord.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after resolution")
	}

	counts := queue.Counts()
	if counts.Completed != 2 || counts.Failed != 1 || counts.Escalated != 0 {
		t.Fatalf("unexpected counts: %+v", counts)
	}

	bus.Close()
	requests := eventsOfType(seen, events.TypeReviewRequested)
	if len(requests) != 1 {
		t.Fatalf("review.requested events = %d, want 1", len(requests))
	}
	req := requests[0].Payload.(events.ReviewRequestPayload)
	if req.TaskID != "task-a" || !strings.Contains(req.Reason, "QA budget") {
		t.Fatalf("unexpected review request: %+v", req)
	}
	if len(req.IterationHistory) != 2 {
		t.Fatalf("iteration history length = %d, want 2", len(req.IterationHistory))
	}
	resolved := eventsOfType(seen, events.TypeReviewResolved)
	if len(resolved) != 1 || resolved[0].Payload.(events.ReviewResolutionPayload).Decision != DecisionAbandon {
		t.Fatalf("unexpected review.resolved events: %v", resolved)
	}
	feature := eventsOfType(seen, events.TypeFeatureCompleted)
	if len(feature) != 1 {
		t.Fatalf("feature.completed events = %d, want 1", len(feature))
	}
	if p := feature[0].Payload.(events.FeaturePayload); p.Completed != 2 || p.Failed != 1 {
		t.Fatalf("unexpected feature payload: %+v", p)
	}
}

func TestCoordinatorRetryAfterResolve(t *testing.T) {
	ctx := context.Background()

	// First verification attempt fails, everything after passes.
	var mu sync.Mutex
	buildCalls := 0
	stages := passingStages()
	stages[qa.StageBuild] = stageStub(func(string) qa.StageResult {
		mu.Lock()
		defer mu.Unlock()
		buildCalls++
		if buildCalls == 1 {
			return qa.StageResult{Passed: false, Errors: []string{"syntax error"}}
		}
		return qa.StageResult{Passed: true}
	})
	engine := qa.NewEngine(stages, qa.Config{MaxIterations: 1}, nil, quietLogger())

	queue := scheduler.NewQueue()
	pool := agent.NewPool(agent.Limits{}, nil, quietLogger())
	coord := New(testConfig(t, engine, &stubRunner{}), queue, pool)

	tasks := []*scheduler.Task{{ID: "task-a", Name: "flaky", AgentType: agent.TypeCoder}}
	if err := coord.Initialize("proj-retry", tasks); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := coord.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool { return queue.Counts().Escalated == 1 })

	if err := coord.Resolve("task-a", DecisionRetry); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	select {
	case <-coord.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after retry")
	}

	counts := queue.Counts()
	if counts.Completed != 1 || counts.Escalated != 0 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
}

func TestCoordinatorPauseResume(t *testing.T) {
	ctx := context.Background()
	runner := newBlockingRunner()

	queue := scheduler.NewQueue()
	pool := agent.NewPool(agent.Limits{}, nil, quietLogger())
	store, err := persistence.NewMemoryStore(ctx)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	manager := checkpoint.NewManager(store, queue, pool, nil, quietLogger())

	cfg := testConfig(t, passingEngine(), runner)
	cfg.Checkpoints = manager
	coord := New(cfg, queue, pool)

	tasks := []*scheduler.Task{{ID: "task-a", Name: "slow", AgentType: agent.TypeCoder}}
	if err := coord.Initialize("proj-pause", tasks); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := coord.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-runner.started

	pauseErr := make(chan error, 1)
	go func() { pauseErr <- coord.Pause(ctx, "operator pause") }()
	waitFor(t, time.Second, func() bool { return coord.State() == StatePaused })
	close(runner.release)
	if err := <-pauseErr; err != nil {
		t.Fatalf("Pause: %v", err)
	}

	// The in-flight attempt was cut at the iteration boundary: task back
	// among the dispatchable, agent idle, nothing running.
	counts := queue.Counts()
	if counts.Ready != 1 || counts.Running != 0 {
		t.Fatalf("counts after pause: %+v", counts)
	}
	if inFlight := pool.Status().TasksInFlight; inFlight != 0 {
		t.Fatalf("tasks in flight after pause = %d", inFlight)
	}
	records, err := manager.List(ctx, "proj-pause", 1)
	if err != nil || len(records) == 0 {
		t.Fatalf("List: %v, %d records", err, len(records))
	}
	if records[0].Trigger != checkpoint.TriggerManual {
		t.Fatalf("latest checkpoint trigger = %s, want %s", records[0].Trigger, checkpoint.TriggerManual)
	}

	if err := coord.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	select {
	case <-coord.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after resume")
	}
	if got := queue.Counts().Completed; got != 1 {
		t.Fatalf("completed = %d, want 1", got)
	}
}

func TestCoordinatorStopAndResumeFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	runner := newBlockingRunner()

	queue := scheduler.NewQueue()
	pool := agent.NewPool(agent.Limits{}, nil, quietLogger())
	store, err := persistence.NewMemoryStore(ctx)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	manager := checkpoint.NewManager(store, queue, pool, nil, quietLogger())

	cfg := testConfig(t, passingEngine(), runner)
	cfg.Checkpoints = manager
	coord := New(cfg, queue, pool)

	tasks := []*scheduler.Task{
		{ID: "task-a", Name: "first", AgentType: agent.TypeCoder},
		{ID: "task-b", Name: "second", AgentType: agent.TypeCoder, DependsOn: []string{"task-a"}},
	}
	if err := coord.Initialize("proj-stop", tasks); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := coord.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-runner.started

	stopErr := make(chan error, 1)
	go func() { stopErr <- coord.Stop(ctx) }()
	waitFor(t, time.Second, func() bool { return coord.State() != StateRunning })
	close(runner.release)
	if err := <-stopErr; err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := coord.State(); got != StateIdle {
		t.Fatalf("state after stop = %s, want idle", got)
	}

	counts := queue.Counts()
	if counts.Completed != 0 || counts.Running != 0 {
		t.Fatalf("counts after stop: %+v", counts)
	}
	records, err := manager.List(ctx, "proj-stop", 1)
	if err != nil || len(records) == 0 {
		t.Fatalf("List: %v, %d records", err, len(records))
	}
	final := records[0]
	if final.Trigger != checkpoint.TriggerFinal {
		t.Fatalf("latest checkpoint trigger = %s, want %s", final.Trigger, checkpoint.TriggerFinal)
	}

	// A fresh coordinator picks the run up from the final checkpoint.
	queue2 := scheduler.NewQueue()
	pool2 := agent.NewPool(agent.Limits{}, nil, quietLogger())
	manager2 := checkpoint.NewManager(store, queue2, pool2, nil, quietLogger())
	cfg2 := testConfig(t, passingEngine(), &stubRunner{})
	cfg2.Checkpoints = manager2
	coord2 := New(cfg2, queue2, pool2)

	if err := coord2.RestoreCheckpoint(ctx, final.ID); err != nil {
		t.Fatalf("RestoreCheckpoint: %v", err)
	}
	if got := coord2.ProjectID(); got != "proj-stop" {
		t.Fatalf("restored project = %q", got)
	}
	if err := coord2.Start(ctx); err != nil {
		t.Fatalf("Start after restore: %v", err)
	}
	select {
	case <-coord2.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("restored run did not finish")
	}
	if got := queue2.Counts().Completed; got != 2 {
		t.Fatalf("completed after restore = %d, want 2", got)
	}
}

func TestCoordinatorAgentFailureEscalates(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus(quietLogger())
	var seen []events.Event
	bus.OnAny(func(e events.Event) { seen = append(seen, e) })

	queue := scheduler.NewQueue()
	pool := agent.NewPool(agent.Limits{}, nil, quietLogger())
	runner := &stubRunner{execErr: errors.New("agent process crashed")}
	cfg := testConfig(t, passingEngine(), runner)
	cfg.Bus = bus
	coord := New(cfg, queue, pool)

	tasks := []*scheduler.Task{{ID: "task-a", Name: "doomed", AgentType: agent.TypeCoder}}
	if err := coord.Initialize("proj-crash", tasks); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := coord.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool { return queue.Counts().Escalated == 1 })

	// The malfunctioning agent is gone from the pool, not just idle.
	if got := pool.Status().TotalAgents; got != 0 {
		t.Fatalf("agents in pool = %d, want 0", got)
	}

	if err := coord.Resolve("task-a", DecisionAbandon); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	select {
	case <-coord.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after resolution")
	}

	bus.Close()
	requests := eventsOfType(seen, events.TypeReviewRequested)
	if len(requests) != 1 {
		t.Fatalf("review.requested events = %d, want 1", len(requests))
	}
	req := requests[0].Payload.(events.ReviewRequestPayload)
	if !strings.Contains(req.Reason, "agent execution failed") {
		t.Fatalf("unexpected escalation reason: %q", req.Reason)
	}
}

func TestCoordinatorPoolExhaustionEscalates(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus(quietLogger())
	var seen []events.Event
	bus.OnAny(func(e events.Event) { seen = append(seen, e) })

	runner := newBlockingRunner()
	queue := scheduler.NewQueue()
	pool := agent.NewPool(agent.Limits{Total: 1}, nil, quietLogger())

	cfg := testConfig(t, passingEngine(), runner)
	cfg.Bus = bus
	cfg.Retry = RetryConfig{
		InitialInterval:     5 * time.Millisecond,
		MaxInterval:         10 * time.Millisecond,
		MaxElapsedTime:      40 * time.Millisecond,
		Multiplier:          2.0,
		RandomizationFactor: 0,
	}
	coord := New(cfg, queue, pool)

	tasks := []*scheduler.Task{
		{ID: "task-a", Name: "one", AgentType: agent.TypeCoder},
		{ID: "task-b", Name: "two", AgentType: agent.TypeCoder},
	}
	if err := coord.Initialize("proj-full", tasks); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := coord.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// One task wins the single agent; the other exhausts its acquisition
	// backoff and lands in review.
	waitFor(t, 5*time.Second, func() bool { return queue.Counts().Escalated == 1 })
	close(runner.release)
	waitFor(t, 5*time.Second, func() bool { return queue.Counts().Completed == 1 })

	var escalatedID string
	for _, task := range queue.Tasks() {
		if task.Status == scheduler.StatusEscalated {
			escalatedID = task.ID
		}
	}
	if escalatedID == "" {
		t.Fatal("no escalated task found")
	}
	if err := coord.Resolve(escalatedID, DecisionAbandon); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	select {
	case <-coord.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after resolution")
	}

	counts := queue.Counts()
	if counts.Completed != 1 || counts.Failed != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}

	bus.Close()
	requests := eventsOfType(seen, events.TypeReviewRequested)
	if len(requests) != 1 {
		t.Fatalf("review.requested events = %d, want 1", len(requests))
	}
	req := requests[0].Payload.(events.ReviewRequestPayload)
	if !strings.Contains(req.Reason, "no coder agent became available") {
		t.Fatalf("unexpected escalation reason: %q", req.Reason)
	}
}

func TestCoordinatorPlanningFailure(t *testing.T) {
	t.Run("cyclic batch", func(t *testing.T) {
		bus := events.NewBus(quietLogger())
		var seen []events.Event
		bus.OnAny(func(e events.Event) { seen = append(seen, e) })

		cfg := testConfig(t, passingEngine(), &stubRunner{})
		cfg.Bus = bus
		coord := New(cfg, scheduler.NewQueue(), agent.NewPool(agent.Limits{}, nil, quietLogger()))

		tasks := []*scheduler.Task{
			{ID: "task-a", Name: "a", DependsOn: []string{"task-b"}},
			{ID: "task-b", Name: "b", DependsOn: []string{"task-a"}},
		}
		err := coord.Initialize("proj-cycle", tasks)
		if err == nil {
			t.Fatal("Initialize with a cycle should fail")
		}
		var cycleErr *scheduler.CyclicDependencyError
		if !errors.As(err, &cycleErr) {
			t.Fatalf("error type = %T, want CyclicDependencyError", err)
		}
		if got := coord.State(); got != StateIdle {
			t.Fatalf("state after failed planning = %s, want idle", got)
		}

		bus.Close()
		failures := eventsOfType(seen, events.TypePlanningFailed)
		if len(failures) != 1 {
			t.Fatalf("planning.failed events = %d, want 1", len(failures))
		}
		p := failures[0].Payload.(events.PlanningPayload)
		if len(p.Cycles) == 0 {
			t.Fatalf("planning payload has no cycles: %+v", p)
		}
	})

	t.Run("unknown dependency", func(t *testing.T) {
		coord := New(testConfig(t, passingEngine(), &stubRunner{}), scheduler.NewQueue(), agent.NewPool(agent.Limits{}, nil, quietLogger()))
		tasks := []*scheduler.Task{
			{ID: "task-a", Name: "a", DependsOn: []string{"task-zz"}},
		}
		if err := coord.Initialize("proj-dangling", tasks); err == nil {
			t.Fatal("Initialize with unknown dependency should fail")
		}
	})
}

func TestCoordinatorRunnerFactoryFailure(t *testing.T) {
	ctx := context.Background()
	queue := scheduler.NewQueue()
	pool := agent.NewPool(agent.Limits{}, nil, quietLogger())

	cfg := testConfig(t, passingEngine(), &stubRunner{})
	cfg.Runners = func(agentType string) (agent.Runner, error) {
		return nil, fmt.Errorf("no command configured for %s agents", agentType)
	}
	coord := New(cfg, queue, pool)

	tasks := []*scheduler.Task{{ID: "task-a", Name: "orphan", AgentType: agent.TypeCoder}}
	if err := coord.Initialize("proj-factory", tasks); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := coord.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-coord.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}

	counts := queue.Counts()
	if counts.Failed != 1 {
		t.Fatalf("failed = %d, want 1: %+v", counts.Failed, counts)
	}
	if inFlight := pool.Status().TasksInFlight; inFlight != 0 {
		t.Fatalf("tasks in flight = %d", inFlight)
	}
}
