package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"foreman/internal/agent"
	"foreman/internal/checkpoint"
	"foreman/internal/events"
	"foreman/internal/qa"
	"foreman/internal/scheduler"
	"foreman/internal/workspace"
)

// State is the coordinator's lifecycle position.
type State int

const (
	StateIdle State = iota
	StateRunning
	StatePaused
	StateStopping
)

var stateNames = map[State]string{
	StateIdle:     "idle",
	StateRunning:  "running",
	StatePaused:   "paused",
	StateStopping: "stopping",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ErrInvalidTransition is returned when a control call does not apply to
// the current state.
var ErrInvalidTransition = errors.New("invalid coordinator transition")

var transitions = map[State][]State{
	StateIdle:     {StateRunning},
	StateRunning:  {StatePaused, StateStopping},
	StatePaused:   {StateRunning, StateStopping},
	StateStopping: {StateIdle},
}

// Review decisions accepted by Resolve.
const (
	DecisionRetry   = "retry"
	DecisionAbandon = "abandon"
)

// RetryConfig configures the exponential backoff used to acquire an agent
// from an exhausted pool.
type RetryConfig struct {
	InitialInterval     time.Duration // Initial retry interval (default 100ms)
	MaxInterval         time.Duration // Maximum retry interval (default 10s)
	MaxElapsedTime      time.Duration // Maximum total retry time (default 2min)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// Config carries the coordinator's knobs and collaborators.
type Config struct {
	Concurrency        int           // Max concurrent tasks (default 4)
	DrainTimeout       time.Duration // Bounded wait for in-flight work on pause/stop (default 2min)
	CheckpointInterval time.Duration // Periodic checkpoint period; 0 disables
	KeepCheckpoints    int           // Checkpoints retained per project
	Retry              RetryConfig   // Backoff for agent acquisition

	Locks       *scheduler.FileLocks
	Engine      *qa.Engine
	Checkpoints *checkpoint.Manager // nil disables checkpointing
	Workspaces  workspace.Provider
	Runners     agent.Factory // Builds the code agent per agent type
	Bus         *events.Bus
	Logger      *slog.Logger
}

func (cfg Config) withDefaults() Config {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 2 * time.Minute
	}
	if cfg.KeepCheckpoints <= 0 {
		cfg.KeepCheckpoints = checkpoint.DefaultKeepCount
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.Locks == nil {
		cfg.Locks = scheduler.NewFileLocks()
	}
	return cfg
}

// Progress aggregates task outcomes. Failed folds in blocked tasks, since
// a task whose dependency chain broke will never run either.
type Progress struct {
	Completed        int `json:"completed"`
	Failed           int `json:"failed"`
	Escalated        int `json:"escalated"`
	Total            int `json:"total"`
	RemainingMinutes int `json:"remaining_minutes"`
}

// Status is a point-in-time view of the coordinator.
type Status struct {
	State       string   `json:"state"`
	CurrentWave int      `json:"current_wave"`
	Progress    Progress `json:"progress"`
}

// Coordinator drives a planned task batch through the queue, the agent
// pool and the QA engine, wave by wave. Control calls are safe from any
// goroutine; queue and pool mutations funnel through the single run loop
// and its dispatch goroutines.
type Coordinator struct {
	config Config
	queue  *scheduler.Queue
	pool   *agent.Pool
	logger *slog.Logger

	mu            sync.Mutex
	state         State
	projectID     string
	plan          []scheduler.Wave
	planPending   bool
	currentWave   int
	announcedWave int
	quiesce       chan struct{} // closed to stop new work for this epoch
	pauseAck      chan struct{} // closed by the loop once a pause settles
	resumeCh      chan struct{} // closed by Resume to wake a parked loop
	stopCh        chan struct{} // closed by Stop
	done          chan struct{} // closed when the run loop exits
	runCancel     context.CancelFunc
	stopReason    string
	completed     bool
	workspaces    map[string]*workspace.Ref // live workspace per task

	wake chan struct{} // kicked by Resolve to re-check the queue
}

// New creates an idle coordinator over the given queue and pool.
func New(cfg Config, queue *scheduler.Queue, pool *agent.Pool) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		config:        cfg.withDefaults(),
		queue:         queue,
		pool:          pool,
		logger:        logger,
		state:         StateIdle,
		announcedWave: -1,
		workspaces:    make(map[string]*workspace.Ref),
		wake:          make(chan struct{}, 1),
	}
}

// Initialize validates and plans a task batch. Only an idle coordinator
// accepts a new plan; a cyclic or otherwise invalid batch is rejected
// whole, with the failure visible on the bus.
func (c *Coordinator) Initialize(projectID string, tasks []*scheduler.Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return fmt.Errorf("%w: initialize requires idle, coordinator is %s", ErrInvalidTransition, c.state)
	}

	if err := scheduler.Validate(tasks); err != nil {
		c.emitPlanningFailure(projectID, err)
		return err
	}
	waves, err := scheduler.CalculateWaves(tasks)
	if err != nil {
		c.emitPlanningFailure(projectID, err)
		return err
	}

	c.projectID = projectID
	c.plan = waves
	c.planPending = true
	c.logger.Info("project planned", "project", projectID, "tasks", len(tasks), "waves", len(waves))
	return nil
}

// Start moves an idle coordinator to running and launches the wave loop.
// A freshly planned batch is seeded into the queue; a queue already
// holding tasks, such as one loaded by RestoreCheckpoint, resumes as-is.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return fmt.Errorf("%w: start requires idle, coordinator is %s", ErrInvalidTransition, c.state)
	}

	if c.planPending {
		if c.queue.Total() > 0 {
			return errors.New("queue already holds a batch; plan a new project on a fresh queue")
		}
		if err := c.queue.Seed(c.plan); err != nil {
			c.emitPlanningFailure(c.projectID, err)
			return err
		}
		c.planPending = false
		c.currentWave = 0
	} else if c.queue.Total() == 0 {
		return errors.New("coordinator has no plan; call Initialize or RestoreCheckpoint first")
	}

	c.transitionLocked(StateRunning, "start")
	runCtx, cancel := context.WithCancel(ctx)
	c.runCancel = cancel
	c.quiesce = make(chan struct{})
	c.stopCh = make(chan struct{})
	c.done = make(chan struct{})
	c.pauseAck = nil
	c.resumeCh = nil
	c.stopReason = ""
	c.completed = false
	c.announcedWave = -1

	go c.run(runCtx)
	return nil
}

// Pause stops new dispatch and waits for in-flight tasks to settle at
// their next iteration boundary, then checkpoints. A drain longer than
// DrainTimeout cancels the run outright, landing the coordinator idle
// instead of paused.
func (c *Coordinator) Pause(ctx context.Context, reason string) error {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return fmt.Errorf("%w: pause requires running, coordinator is %s", ErrInvalidTransition, c.state)
	}
	if reason == "" {
		reason = "paused"
	}
	c.transitionLocked(StatePaused, reason)
	close(c.quiesce)
	ack := make(chan struct{})
	c.pauseAck = ack
	c.resumeCh = make(chan struct{})
	done := c.done
	drain := c.config.DrainTimeout
	c.mu.Unlock()

	select {
	case <-ack:
		return nil
	case <-done:
		return nil
	case <-time.After(drain):
		c.logger.Warn("pause drain timed out, cancelling in-flight work")
		c.setStopReason("pause drain timeout")
		c.hardCancel()
		select {
		case <-ack:
		case <-done:
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resume reopens dispatch after a pause.
func (c *Coordinator) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePaused {
		return fmt.Errorf("%w: resume requires paused, coordinator is %s", ErrInvalidTransition, c.state)
	}
	c.transitionLocked(StateRunning, "resume")
	c.quiesce = make(chan struct{})
	if c.resumeCh != nil {
		close(c.resumeCh)
		c.resumeCh = nil
	}
	return nil
}

// Stop drains in-flight work within DrainTimeout, takes a final
// checkpoint, releases the agents and returns the coordinator to idle.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateRunning && c.state != StatePaused {
		c.mu.Unlock()
		return fmt.Errorf("%w: stop requires running or paused, coordinator is %s", ErrInvalidTransition, c.state)
	}
	c.transitionLocked(StateStopping, "stop")
	c.stopReason = "stop"
	select {
	case <-c.quiesce:
	default:
		close(c.quiesce)
	}
	close(c.stopCh)
	done := c.done
	drain := c.config.DrainTimeout
	c.mu.Unlock()

	select {
	case <-done:
	case <-time.After(drain):
		c.logger.Warn("stop drain timed out, cancelling in-flight work")
		c.hardCancel()
		<-done
	case <-ctx.Done():
		c.hardCancel()
		<-done
		return ctx.Err()
	}
	return nil
}

// RestoreCheckpoint loads a stored snapshot into the queue and pool and
// adopts its wave position. Idle only; Start afterwards resumes the run.
func (c *Coordinator) RestoreCheckpoint(ctx context.Context, checkpointID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return fmt.Errorf("%w: restore requires idle, coordinator is %s", ErrInvalidTransition, c.state)
	}
	if c.config.Checkpoints == nil {
		return errors.New("no checkpoint manager configured")
	}

	snap, err := c.config.Checkpoints.Restore(ctx, checkpointID)
	if err != nil {
		return err
	}
	c.projectID = snap.ProjectID
	c.currentWave = snap.Coordinator.CurrentWave
	c.logger.Info("checkpoint adopted", "checkpoint", snap.ID, "project", snap.ProjectID, "wave", c.currentWave)
	return nil
}

// Resolve feeds a human review decision back in: retry puts the task back
// in play, abandon fails it for good. The reviewed workspace is destroyed
// either way.
func (c *Coordinator) Resolve(taskID, decision string) error {
	var err error
	switch decision {
	case DecisionRetry:
		err = c.queue.Requeue(taskID)
	case DecisionAbandon:
		err = c.queue.Abandon(taskID)
	default:
		return fmt.Errorf("unknown review decision %q", decision)
	}
	if err != nil {
		return err
	}

	c.destroyTracked(taskID)
	c.emitBus(events.TypeReviewResolved, events.ReviewResolutionPayload{TaskID: taskID, Decision: decision})
	c.logger.Info("review resolved", "task", taskID, "decision", decision)
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Wave returns the wave currently being processed.
func (c *Coordinator) Wave() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentWave
}

// WaveCount reports how many waves the current batch spans.
func (c *Coordinator) WaveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.planPending {
		return len(c.plan)
	}
	return c.queue.WaveCount()
}

// ProjectID returns the project the coordinator is working on.
func (c *Coordinator) ProjectID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.projectID
}

// Progress tallies task outcomes from the queue.
func (c *Coordinator) Progress() Progress {
	counts := c.queue.Counts()
	return Progress{
		Completed:        counts.Completed,
		Failed:           counts.Failed + counts.Blocked,
		Escalated:        counts.Escalated,
		Total:            c.queue.Total(),
		RemainingMinutes: c.queue.RemainingMinutes(),
	}
}

// Status assembles the control-surface view.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	state := c.state
	wave := c.currentWave
	c.mu.Unlock()
	return Status{State: state.String(), CurrentWave: wave, Progress: c.Progress()}
}

// Done returns a channel closed when the run loop has exited. A
// coordinator that was never started counts as done.
func (c *Coordinator) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// transitionLocked moves to a new state and announces it. Callers hold
// c.mu and have already validated the transition; an illegal one here is
// a programming error and only logged.
func (c *Coordinator) transitionLocked(to State, reason string) {
	legal := false
	for _, allowed := range transitions[c.state] {
		if allowed == to {
			legal = true
			break
		}
	}
	if !legal {
		c.logger.Error("illegal state transition", "from", c.state.String(), "to", to.String())
		return
	}
	from := c.state
	c.state = to
	c.logger.Info("state changed", "from", from.String(), "to", to.String(), "reason", reason)
	c.emitBus(events.TypeStateChanged, events.StatePayload{From: from.String(), To: to.String(), Reason: reason})
}

func (c *Coordinator) emitPlanningFailure(projectID string, err error) {
	payload := events.PlanningPayload{ProjectID: projectID, Reason: err.Error()}
	var cycleErr *scheduler.CyclicDependencyError
	if errors.As(err, &cycleErr) {
		payload.Cycles = cycleErr.Cycles
	}
	c.emitBus(events.TypePlanningFailed, payload)
	c.logger.Error("planning failed", "project", projectID, "error", err)
}

func (c *Coordinator) emitBus(eventType string, payload any) {
	if c.config.Bus != nil {
		c.config.Bus.Emit(eventType, payload, events.WithSource("coordinator"))
	}
}

func (c *Coordinator) setStopReason(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopReason == "" {
		c.stopReason = reason
	}
}

func (c *Coordinator) hardCancel() {
	c.mu.Lock()
	cancel := c.runCancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
