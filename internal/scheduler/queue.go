package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/gammazero/toposort"
)

// ErrTaskAlreadyAssigned is returned when a task is claimed while already
// in flight. Correct callers never trigger it; it signals a dispatch bug
// rather than a recoverable condition.
var ErrTaskAlreadyAssigned = errors.New("task already assigned")

// Queue tracks every task of a planning batch through its lifecycle. All
// mutations funnel through the queue's mutex; callers receive clones, never
// the live records.
type Queue struct {
	mu         sync.RWMutex
	tasks      map[string]*Task    // All tasks indexed by ID
	dependents map[string][]string // Maps task ID -> IDs of tasks that depend on it
	waves      map[int][]string    // Maps wave ID -> member task IDs
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		tasks:      make(map[string]*Task),
		dependents: make(map[string][]string),
		waves:      make(map[int][]string),
	}
}

// Seed loads a resolved batch into the queue and validates it as a whole.
// Tasks are copied, wave membership is recorded, and tasks with no pending
// dependencies start out ready. On any validation error the queue is left
// empty.
func (q *Queue) Seed(waves []Wave) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, wave := range waves {
		for _, task := range wave.Tasks {
			if err := q.enqueueLocked(task, wave.ID); err != nil {
				q.resetLocked()
				return err
			}
		}
	}
	if _, err := validateGraph(q.tasks); err != nil {
		q.resetLocked()
		return err
	}
	q.refreshLocked()
	return nil
}

// Enqueue adds a single task to the given wave. Returns an error if the ID
// already exists. The task starts pending, or ready when it has no
// unfinished dependencies.
func (q *Queue) Enqueue(task *Task, waveID int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.enqueueLocked(task, waveID); err != nil {
		return err
	}
	q.refreshLocked()
	return nil
}

func (q *Queue) enqueueLocked(task *Task, waveID int) error {
	if _, exists := q.tasks[task.ID]; exists {
		return fmt.Errorf("task with ID %q already exists", task.ID)
	}

	cp := task.Clone()
	cp.WaveID = waveID
	if cp.Status != StatusPending && cp.Status != StatusReady {
		cp.Status = StatusPending
	}
	q.tasks[cp.ID] = cp
	q.waves[waveID] = append(q.waves[waveID], cp.ID)

	// Build dependents map for efficient downstream lookup
	for _, depID := range cp.DependsOn {
		q.dependents[depID] = append(q.dependents[depID], cp.ID)
	}
	return nil
}

func (q *Queue) resetLocked() {
	q.tasks = make(map[string]*Task)
	q.dependents = make(map[string][]string)
	q.waves = make(map[int][]string)
}

// validateGraph verifies all dependency references exist and the graph is
// acyclic, returning a topological order over the task IDs. Cycles are
// reported as a CyclicDependencyError carrying the full loop.
func validateGraph(tasks map[string]*Task) ([]string, error) {
	for taskID, task := range tasks {
		for _, depID := range task.DependsOn {
			if _, exists := tasks[depID]; !exists {
				return nil, fmt.Errorf("task %q depends on non-existent task %q", taskID, depID)
			}
		}
	}

	// Build edges for topological sort
	var edges []toposort.Edge
	for taskID, task := range tasks {
		if len(task.DependsOn) == 0 {
			// Task with no dependencies - add edge from nil to ensure it's included
			edges = append(edges, toposort.Edge{nil, taskID})
		} else {
			for _, depID := range task.DependsOn {
				// Edge (depID, taskID) means depID must come before taskID
				edges = append(edges, toposort.Edge{depID, taskID})
			}
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		all := make([]*Task, 0, len(tasks))
		for _, t := range tasks {
			all = append(all, t)
		}
		return nil, &CyclicDependencyError{Cycles: DetectCycles(all)}
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != len(tasks) {
		var missing []string
		found := make(map[string]bool, len(order))
		for _, id := range order {
			found[id] = true
		}
		for taskID := range tasks {
			if !found[taskID] {
				missing = append(missing, taskID)
			}
		}
		sort.Strings(missing)
		return nil, fmt.Errorf("topological sort lost %d tasks: %v", len(missing), missing)
	}
	return order, nil
}

// ReadyTasks returns clones of every ready task in ascending ID order, the
// dispatch order for the current wave.
func (q *Queue) ReadyTasks() []*Task {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var ready []*Task
	for _, task := range q.tasks {
		if task.Status == StatusReady {
			ready = append(ready, task.Clone())
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })
	return ready
}

// Dequeue claims the next ready task, by ascending ID, and returns a clone
// with status running. Returns nil when nothing is ready.
func (q *Queue) Dequeue() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	next := ""
	for id, task := range q.tasks {
		if task.Status != StatusReady {
			continue
		}
		if next == "" || id < next {
			next = id
		}
	}
	if next == "" {
		return nil
	}
	task := q.tasks[next]
	task.Status = StatusRunning
	return task.Clone()
}

// Claim transitions a ready task to running and records the agent that owns
// it. Claiming a task that is already running returns
// ErrTaskAlreadyAssigned; claiming one that is not ready is an error.
func (q *Queue) Claim(taskID, agentID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, exists := q.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %q not found", taskID)
	}
	switch task.Status {
	case StatusReady:
		task.Status = StatusRunning
		task.AssignedAgentID = agentID
		return nil
	case StatusRunning:
		return fmt.Errorf("task %q: %w", taskID, ErrTaskAlreadyAssigned)
	default:
		return fmt.Errorf("task %q is %s, not ready", taskID, task.Status)
	}
}

// Unclaim puts a running task back among the dispatchable ones, dropping
// its agent. Used when a run is interrupted before the task reaches a
// verdict, so a later round can pick it up again.
func (q *Queue) Unclaim(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, exists := q.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %q not found", taskID)
	}
	if task.Status != StatusRunning {
		return fmt.Errorf("task %q is %s, not running", taskID, task.Status)
	}
	task.Status = StatusReady
	task.AssignedAgentID = ""
	return nil
}

// MarkCompleted finishes a running task. Any task whose last unfinished
// dependency was this one becomes ready.
func (q *Queue) MarkCompleted(taskID string) error {
	return q.finish(taskID, StatusCompleted)
}

// MarkFailed fails a running task. Tasks depending on it, directly or
// transitively, become blocked and will never be dispatched.
func (q *Queue) MarkFailed(taskID string) error {
	return q.finish(taskID, StatusFailed)
}

// MarkEscalated parks a running task for human review. Like failure it
// blocks dependents, but the task can come back through Requeue once the
// review decides to retry.
func (q *Queue) MarkEscalated(taskID string) error {
	return q.finish(taskID, StatusEscalated)
}

func (q *Queue) finish(taskID string, status Status) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, exists := q.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %q not found", taskID)
	}
	if task.Status != StatusRunning {
		return fmt.Errorf("task %q is %s, not running", taskID, task.Status)
	}
	task.Status = status
	task.AssignedAgentID = ""
	q.refreshLocked()
	return nil
}

// Requeue puts an escalated or failed task back in play after a review
// decided to retry it. Dependents that were blocked by it are re-derived.
func (q *Queue) Requeue(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, exists := q.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %q not found", taskID)
	}
	if task.Status != StatusEscalated && task.Status != StatusFailed {
		return fmt.Errorf("task %q is %s, not escalated or failed", taskID, task.Status)
	}
	task.Status = StatusPending
	task.AssignedAgentID = ""
	q.refreshLocked()
	return nil
}

// Abandon marks an escalated task as failed for good, after a review
// rejected it.
func (q *Queue) Abandon(taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, exists := q.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %q not found", taskID)
	}
	if task.Status != StatusEscalated {
		return fmt.Errorf("task %q is %s, not escalated", taskID, task.Status)
	}
	task.Status = StatusFailed
	q.refreshLocked()
	return nil
}

// refreshLocked re-derives the pending, ready and blocked statuses from the
// terminal ones. Completed, failed, escalated and running tasks are fixed
// points; every other task is blocked if any dependency failed, escalated
// or is itself blocked, ready if all dependencies completed, and pending
// otherwise.
func (q *Queue) refreshLocked() {
	memo := make(map[string]Status, len(q.tasks))
	var derive func(id string) Status
	derive = func(id string) Status {
		task := q.tasks[id]
		switch task.Status {
		case StatusCompleted, StatusFailed, StatusEscalated, StatusRunning:
			return task.Status
		}
		if s, ok := memo[id]; ok {
			return s
		}
		status := StatusReady
		for _, depID := range task.DependsOn {
			switch derive(depID) {
			case StatusCompleted:
				// Satisfied.
			case StatusFailed, StatusEscalated, StatusBlocked:
				status = StatusBlocked
			default:
				if status != StatusBlocked {
					status = StatusPending
				}
			}
		}
		memo[id] = status
		return status
	}

	for id, task := range q.tasks {
		switch task.Status {
		case StatusPending, StatusReady, StatusBlocked:
			task.Status = derive(id)
		}
	}
}

// Get returns a clone of the task by ID.
func (q *Queue) Get(taskID string) (*Task, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	task, exists := q.tasks[taskID]
	if !exists {
		return nil, false
	}
	return task.Clone(), true
}

// Tasks returns clones of all tasks in ascending ID order.
func (q *Queue) Tasks() []*Task {
	q.mu.RLock()
	defer q.mu.RUnlock()

	tasks := make([]*Task, 0, len(q.tasks))
	for _, task := range q.tasks {
		tasks = append(tasks, task.Clone())
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks
}

// Counts holds the number of tasks in each status.
type Counts struct {
	Pending   int `json:"pending"`
	Ready     int `json:"ready"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Blocked   int `json:"blocked"`
	Escalated int `json:"escalated"`
}

// Counts tallies tasks by status.
func (q *Queue) Counts() Counts {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var c Counts
	for _, task := range q.tasks {
		switch task.Status {
		case StatusPending:
			c.Pending++
		case StatusReady:
			c.Ready++
		case StatusRunning:
			c.Running++
		case StatusCompleted:
			c.Completed++
		case StatusFailed:
			c.Failed++
		case StatusBlocked:
			c.Blocked++
		case StatusEscalated:
			c.Escalated++
		}
	}
	return c
}

// Size returns the number of tasks still in play: pending, ready or
// running.
func (q *Queue) Size() int {
	c := q.Counts()
	return c.Pending + c.Ready + c.Running
}

// CompletedCount returns the number of completed tasks.
func (q *Queue) CompletedCount() int {
	return q.Counts().Completed
}

// Total returns the number of tasks in the batch.
func (q *Queue) Total() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.tasks)
}

// RemainingMinutes sums the estimates of every task that has not reached a
// terminal status.
func (q *Queue) RemainingMinutes() int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	total := 0
	for _, task := range q.tasks {
		if !task.Status.Terminal() {
			total += task.EstimatedMinutes
		}
	}
	return total
}

// WaveCount returns the number of waves in the batch.
func (q *Queue) WaveCount() int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	max := -1
	for waveID := range q.waves {
		if waveID > max {
			max = waveID
		}
	}
	return max + 1
}

// TasksInWave returns clones of the wave's tasks in ascending ID order.
func (q *Queue) TasksInWave(waveID int) []*Task {
	q.mu.RLock()
	defer q.mu.RUnlock()

	ids := q.waves[waveID]
	tasks := make([]*Task, 0, len(ids))
	for _, id := range ids {
		tasks = append(tasks, q.tasks[id].Clone())
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks
}

// WaveSettled reports whether every task in the wave reached a terminal
// status, the condition for advancing to the next wave.
func (q *Queue) WaveSettled(waveID int) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, id := range q.waves[waveID] {
		if !q.tasks[id].Status.Terminal() {
			return false
		}
	}
	return true
}

// Snapshot is the serializable state of a queue.
type Snapshot struct {
	Tasks []*Task `json:"tasks"`
}

// Snapshot captures the full queue state for checkpointing.
func (q *Queue) Snapshot() Snapshot {
	return Snapshot{Tasks: q.Tasks()}
}

// Restore replaces the queue's state with a snapshot's contents. Tasks that
// were running when the snapshot was taken come back as ready, since their
// agents did not survive. A failed restore leaves the current state
// untouched.
func (q *Queue) Restore(snap Snapshot) error {
	tasks := make(map[string]*Task, len(snap.Tasks))
	dependents := make(map[string][]string, len(snap.Tasks))
	waves := make(map[int][]string)
	for _, task := range snap.Tasks {
		if _, exists := tasks[task.ID]; exists {
			return fmt.Errorf("snapshot has duplicate task %q", task.ID)
		}
		cp := task.Clone()
		if cp.Status == StatusRunning {
			cp.Status = StatusReady
			cp.AssignedAgentID = ""
		}
		tasks[cp.ID] = cp
		waves[cp.WaveID] = append(waves[cp.WaveID], cp.ID)
		for _, depID := range cp.DependsOn {
			dependents[depID] = append(dependents[depID], cp.ID)
		}
	}
	if _, err := validateGraph(tasks); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = tasks
	q.dependents = dependents
	q.waves = waves
	q.refreshLocked()
	return nil
}
