package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"foreman/internal/agent"
	"foreman/internal/checkpoint"
	"foreman/internal/events"
	"foreman/internal/qa"
	"foreman/internal/scheduler"
	"foreman/internal/workspace"
)

// errQuiesced aborts an agent acquisition when dispatch is being paused.
var errQuiesced = errors.New("dispatch quiesced")

// run is the wave loop. It owns wave advancement; task outcomes are
// written by the dispatch goroutines it fans out per round.
func (c *Coordinator) run(ctx context.Context) {
	c.mu.Lock()
	done := c.done
	stopCh := c.stopCh
	c.mu.Unlock()

	defer close(done)
	defer c.finalize()

	if pruner, ok := c.config.Workspaces.(workspace.Pruner); ok {
		if err := pruner.Prune(); err != nil {
			c.logger.Warn("workspace prune failed", "error", err)
		}
	}

	if c.config.CheckpointInterval > 0 {
		go c.intervalCheckpoints(ctx, stopCh)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		if c.State() == StatePaused {
			c.checkpointNow(ctx, checkpoint.TriggerManual)
			c.ackPause()
			if !c.parkPaused(ctx, stopCh) {
				return
			}
			continue
		}
		// A pause that was resumed before the drain finished still owes
		// its caller an ack.
		c.ackPause()

		if ready := c.dispatchable(); len(ready) > 0 {
			c.announceWave()
			c.dispatchRound(ctx, ready)
			continue
		}

		wave := c.Wave()
		if !c.queue.WaveSettled(wave) {
			// Tasks here are waiting on escalated dependencies.
			if !c.await(ctx, stopCh) {
				return
			}
			continue
		}

		if wave < c.queue.WaveCount()-1 {
			c.finishWave(ctx, wave)
			continue
		}

		if c.queue.Counts().Escalated > 0 {
			if !c.await(ctx, stopCh) {
				return
			}
			continue
		}

		if c.queue.Total() > 0 {
			c.emitWaveCompleted(wave)
		}
		c.complete(ctx)
		return
	}
}

// dispatchable returns the ready tasks whose wave has been reached.
func (c *Coordinator) dispatchable() []*scheduler.Task {
	wave := c.Wave()
	var out []*scheduler.Task
	for _, task := range c.queue.ReadyTasks() {
		if task.WaveID <= wave {
			out = append(out, task)
		}
	}
	return out
}

// dispatchRound runs one batch of ready tasks under the concurrency cap
// and waits for every dispatch to settle.
func (c *Coordinator) dispatchRound(ctx context.Context, tasks []*scheduler.Task) {
	quiesce := c.quiesceCh()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.Concurrency)
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			// Outcomes land in the queue; never abort the group.
			c.executeTask(gctx, task, quiesce)
			return nil
		})
	}
	_ = g.Wait()
}

// executeTask carries one task through agent acquisition, execution and
// the QA loop, and records the outcome in the queue.
func (c *Coordinator) executeTask(ctx context.Context, task *scheduler.Task, quiesce <-chan struct{}) {
	select {
	case <-ctx.Done():
		return
	case <-quiesce:
		return
	default:
	}

	ag, err := c.acquireAgent(ctx, task.AgentType, quiesce)
	if err != nil {
		if errors.Is(err, errQuiesced) || ctx.Err() != nil {
			return
		}
		c.escalateTask(task, "", fmt.Sprintf("no %s agent became available: %v", task.AgentType, err), nil)
		return
	}

	ws, err := c.config.Workspaces.Create(task.ID)
	if err != nil {
		c.failTask(task, ag.ID, fmt.Errorf("workspace: %w", err))
		return
	}
	if err := c.pool.Assign(ag.ID, task.ID, ws.Path); err != nil {
		c.destroyWorkspace(ws)
		c.failTask(task, ag.ID, fmt.Errorf("assign agent: %w", err))
		return
	}
	if err := c.queue.Claim(task.ID, ag.ID); err != nil {
		c.logger.Error("claim failed after assign", "task", task.ID, "agent", ag.ID, "error", err)
		_ = c.pool.Release(ag.ID)
		c.destroyWorkspace(ws)
		return
	}
	c.trackWorkspace(task.ID, ws)
	c.emitTask(events.TypeTaskAssigned, task, ag.ID, "")

	c.config.Locks.LockAll(task.Files)
	defer c.config.Locks.UnlockAll(task.Files)

	c.emitTask(events.TypeTaskStarted, task, ag.ID, "")
	c.logger.Info("task dispatched", "task", task.ID, "agent", ag.ID, "wave", task.WaveID)

	runner, err := c.config.Runners(task.AgentType)
	if err == nil && runner == nil {
		err = fmt.Errorf("factory returned no runner for agent type %q", task.AgentType)
	}
	if err != nil {
		_ = c.pool.Release(ag.ID)
		c.failTask(task, ag.ID, fmt.Errorf("runner: %w", err))
		return
	}

	result, err := runner.Execute(ctx, task, ws.Path)
	if err != nil {
		if ctx.Err() != nil {
			c.settleInterrupted(task, ag.ID)
			return
		}
		// The agent itself malfunctioned; retire it and hand the task
		// to a human instead of burning retries on a broken runner.
		_ = c.pool.MarkError(ag.ID)
		_, _ = c.pool.Terminate(ag.ID)
		c.escalateTask(task, ag.ID, fmt.Sprintf("agent execution failed: %v", err), nil)
		return
	}
	c.logger.Debug("agent finished", "task", task.ID, "success", result.Success, "files_changed", len(result.FilesChanged))

	report, err := c.config.Engine.Run(ctx, task, ws.Path, runner, qa.WithQuiesce(quiesce))
	if err != nil {
		c.settleInterrupted(task, ag.ID)
		return
	}
	if report.Interrupted {
		c.settleInterrupted(task, ag.ID)
		return
	}

	if report.Success {
		if err := c.queue.MarkCompleted(task.ID); err != nil {
			c.logger.Error("failed to record completion", "task", task.ID, "error", err)
		}
		_ = c.pool.Release(ag.ID)
		c.destroyTracked(task.ID)
		c.emitTask(events.TypeTaskCompleted, task, ag.ID, "")
		c.emitProgress()
		c.logger.Info("task completed", "task", task.ID, "iterations", report.Iterations)
		return
	}

	// Escalated by the QA loop. The workspace stays alive so the reviewer
	// can inspect it; Resolve cleans it up.
	_ = c.pool.Release(ag.ID)
	reason := fmt.Sprintf("exhausted QA budget after %d iterations", report.Iterations)
	c.escalateTask(task, ag.ID, reason, report.History)
}

// acquireAgent spawns an agent of the given type, retrying with
// exponential backoff while the pool is at capacity.
func (c *Coordinator) acquireAgent(ctx context.Context, agentType string, quiesce <-chan struct{}) (*agent.Agent, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.config.Retry.InitialInterval
	policy.MaxInterval = c.config.Retry.MaxInterval
	policy.MaxElapsedTime = c.config.Retry.MaxElapsedTime
	policy.Multiplier = c.config.Retry.Multiplier
	policy.RandomizationFactor = c.config.Retry.RandomizationFactor

	var acquired *agent.Agent
	operation := func() error {
		select {
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		case <-quiesce:
			return backoff.Permanent(errQuiesced)
		default:
		}
		ag, err := c.pool.Spawn(agentType)
		if err != nil {
			if errors.Is(err, agent.ErrPoolExhausted) {
				return err
			}
			return backoff.Permanent(err)
		}
		acquired = ag
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	return acquired, nil
}

// failTask records a terminal failure. Tasks that never got claimed are
// claimed first so the queue accepts the verdict.
func (c *Coordinator) failTask(task *scheduler.Task, agentID string, err error) {
	if cur, ok := c.queue.Get(task.ID); ok && cur.Status == scheduler.StatusReady {
		_ = c.queue.Claim(task.ID, agentID)
	}
	if markErr := c.queue.MarkFailed(task.ID); markErr != nil {
		c.logger.Error("failed to record failure", "task", task.ID, "error", markErr)
	}
	c.destroyTracked(task.ID)
	c.emitTask(events.TypeTaskFailed, task, agentID, err.Error())
	c.emitProgress()
	c.logger.Error("task failed", "task", task.ID, "error", err)
}

// escalateTask hands a task to human review and announces it on the bus.
func (c *Coordinator) escalateTask(task *scheduler.Task, agentID, reason string, history []events.IterationRecord) {
	if cur, ok := c.queue.Get(task.ID); ok && cur.Status == scheduler.StatusReady {
		_ = c.queue.Claim(task.ID, agentID)
	}
	if err := c.queue.MarkEscalated(task.ID); err != nil {
		c.logger.Error("failed to record escalation", "task", task.ID, "error", err)
	}
	c.emitTask(events.TypeTaskEscalated, task, agentID, reason)
	c.emitBus(events.TypeReviewRequested, events.ReviewRequestPayload{
		TaskID:           task.ID,
		Reason:           reason,
		IterationHistory: history,
	})
	c.emitProgress()
	c.logger.Warn("task escalated", "task", task.ID, "reason", reason)
}

// settleInterrupted returns an in-flight task to the dispatchable set
// after a pause or cancellation cut its attempt short.
func (c *Coordinator) settleInterrupted(task *scheduler.Task, agentID string) {
	if err := c.queue.Unclaim(task.ID); err != nil {
		c.logger.Error("failed to unclaim interrupted task", "task", task.ID, "error", err)
	}
	_ = c.pool.Release(agentID)
	c.destroyTracked(task.ID)
	c.logger.Debug("task interrupted, returned to queue", "task", task.ID)
}

// announceWave emits wave.started once per wave per run.
func (c *Coordinator) announceWave() {
	c.mu.Lock()
	wave := c.currentWave
	if c.announcedWave >= wave {
		c.mu.Unlock()
		return
	}
	c.announcedWave = wave
	c.mu.Unlock()

	tasks := c.queue.TasksInWave(wave)
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	c.emitBus(events.TypeWaveStarted, events.WavePayload{WaveID: wave, TaskIDs: ids})
	c.logger.Info("wave started", "wave", wave, "tasks", len(ids))
}

// finishWave advances past a settled wave and checkpoints the boundary.
// The wave counter moves first so a restore resumes at the next wave.
func (c *Coordinator) finishWave(ctx context.Context, wave int) {
	c.emitWaveCompleted(wave)
	c.mu.Lock()
	c.currentWave = wave + 1
	c.mu.Unlock()
	c.checkpointNow(ctx, checkpoint.TriggerWaveComplete)
	c.logger.Info("wave completed", "wave", wave)
}

func (c *Coordinator) emitWaveCompleted(wave int) {
	tasks := c.queue.TasksInWave(wave)
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	c.emitBus(events.TypeWaveCompleted, events.WavePayload{WaveID: wave, TaskIDs: ids})
}

// complete records a finished feature: final tallies on the bus and a
// feature_complete checkpoint.
func (c *Coordinator) complete(ctx context.Context) {
	c.checkpointNow(ctx, checkpoint.TriggerFeatureComplete)
	progress := c.Progress()
	c.emitBus(events.TypeFeatureCompleted, events.FeaturePayload{
		ProjectID: c.ProjectID(),
		Total:     progress.Total,
		Completed: progress.Completed,
		Failed:    progress.Failed,
		Escalated: progress.Escalated,
	})
	c.mu.Lock()
	c.completed = true
	c.mu.Unlock()
	c.logger.Info("feature complete", "project", c.ProjectID(),
		"completed", progress.Completed, "failed", progress.Failed, "escalated", progress.Escalated)
}

// finalize is the single exit path of the run loop. Whatever ended the
// run, the coordinator lands idle with no agent still working and, for
// an interrupted run, a final checkpoint on disk.
func (c *Coordinator) finalize() {
	c.mu.Lock()
	if c.state == StateRunning || c.state == StatePaused {
		reason := "run ended"
		if c.completed {
			reason = "feature complete"
		}
		c.transitionLocked(StateStopping, reason)
	}
	completed := c.completed
	c.mu.Unlock()

	// Anything still holding an agent was interrupted mid-flight.
	for _, ag := range c.pool.Agents() {
		if ag.State == agent.StateWorking {
			_ = c.pool.Release(ag.ID)
		}
	}

	if !completed {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		c.checkpointNow(ctx, checkpoint.TriggerFinal)
		cancel()
	}

	c.ackPause()

	c.mu.Lock()
	cancel := c.runCancel
	c.runCancel = nil
	c.transitionLocked(StateIdle, "run loop exited")
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// await parks the loop until a review resolution, a control action or the
// context wakes it. Returns false when the run should end.
func (c *Coordinator) await(ctx context.Context, stopCh <-chan struct{}) bool {
	select {
	case <-c.wake:
		return true
	case <-c.quiesceCh():
		return true
	case <-stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

// parkPaused blocks until Resume, Stop or cancellation. Returns false
// when the run should end.
func (c *Coordinator) parkPaused(ctx context.Context, stopCh <-chan struct{}) bool {
	c.mu.Lock()
	resume := c.resumeCh
	c.mu.Unlock()
	if resume == nil {
		return true
	}
	select {
	case <-resume:
		return true
	case <-stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

// ackPause unblocks a Pause caller waiting for in-flight work to drain.
func (c *Coordinator) ackPause() {
	c.mu.Lock()
	ack := c.pauseAck
	c.pauseAck = nil
	c.mu.Unlock()
	if ack != nil {
		close(ack)
	}
}

func (c *Coordinator) quiesceCh() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quiesce
}

// intervalCheckpoints takes periodic snapshots while the run is live.
func (c *Coordinator) intervalCheckpoints(ctx context.Context, stopCh <-chan struct{}) {
	ticker := time.NewTicker(c.config.CheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if c.State() == StateRunning {
				c.checkpointNow(ctx, checkpoint.TriggerInterval)
			}
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// checkpointNow snapshots the run and sweeps old checkpoints past the
// retention cap. Failures are logged, never fatal.
func (c *Coordinator) checkpointNow(ctx context.Context, trigger string) {
	if c.config.Checkpoints == nil {
		return
	}
	c.mu.Lock()
	project := c.projectID
	coord := checkpoint.CoordinatorState{State: c.state.String(), CurrentWave: c.currentWave}
	c.mu.Unlock()

	if _, err := c.config.Checkpoints.Create(ctx, project, trigger, coord); err != nil {
		c.logger.Error("checkpoint failed", "trigger", trigger, "error", err)
		return
	}
	if _, err := c.config.Checkpoints.DeleteOld(ctx, project, c.config.KeepCheckpoints); err != nil {
		c.logger.Warn("checkpoint retention sweep failed", "error", err)
	}
}

func (c *Coordinator) emitTask(eventType string, task *scheduler.Task, agentID, reason string) {
	c.emitBus(eventType, events.TaskPayload{
		TaskID:  task.ID,
		Name:    task.Name,
		WaveID:  task.WaveID,
		AgentID: agentID,
		Reason:  reason,
	})
}

func (c *Coordinator) emitProgress() {
	progress := c.Progress()
	c.emitBus(events.TypeTaskProgress, events.ProgressPayload{
		Completed:        progress.Completed,
		Failed:           progress.Failed,
		Escalated:        progress.Escalated,
		Total:            progress.Total,
		RemainingMinutes: progress.RemainingMinutes,
	})
}

func (c *Coordinator) trackWorkspace(taskID string, ref *workspace.Ref) {
	c.mu.Lock()
	c.workspaces[taskID] = ref
	c.mu.Unlock()
}

// destroyTracked tears down the workspace tracked for a task, if any.
func (c *Coordinator) destroyTracked(taskID string) {
	c.mu.Lock()
	ref := c.workspaces[taskID]
	delete(c.workspaces, taskID)
	c.mu.Unlock()
	if ref != nil {
		c.destroyWorkspace(ref)
	}
}

func (c *Coordinator) destroyWorkspace(ref *workspace.Ref) {
	if err := c.config.Workspaces.Destroy(ref); err != nil {
		c.logger.Warn("workspace cleanup failed", "task", ref.TaskID, "path", ref.Path, "error", err)
	}
}
