package scheduler

import "fmt"

// Status represents the lifecycle state of a task.
type Status int

const (
	StatusPending   Status = iota // Waiting for dependencies
	StatusReady                   // All dependencies completed, dispatchable
	StatusRunning                 // Currently executing
	StatusCompleted               // Finished successfully
	StatusFailed                  // Finished with error, or abandoned after review
	StatusBlocked                 // A dependency failed or escalated; will never run
	StatusEscalated               // Exhausted its QA budget; awaiting human review
)

var statusNames = map[Status]string{
	StatusPending:   "pending",
	StatusReady:     "ready",
	StatusRunning:   "running",
	StatusCompleted: "completed",
	StatusFailed:    "failed",
	StatusBlocked:   "blocked",
	StatusEscalated: "escalated",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Terminal reports whether the status is an end state. Blocked counts: a
// blocked task's dependency chain is broken and it will never be dispatched.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusBlocked, StatusEscalated:
		return true
	}
	return false
}

// MarshalText encodes the status by name so snapshots stay readable and
// stable if the enum is ever reordered.
func (s Status) MarshalText() ([]byte, error) {
	name, ok := statusNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown task status %d", int(s))
	}
	return []byte(name), nil
}

// UnmarshalText decodes a status encoded by MarshalText.
func (s *Status) UnmarshalText(text []byte) error {
	for st, name := range statusNames {
		if name == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown task status %q", string(text))
}

// MaxEstimatedMinutes is the size threshold for a single task. The upstream
// planner is expected to split anything larger; the scheduler only validates.
const MaxEstimatedMinutes = 30

// Task is an atomic unit of work in a planning batch.
type Task struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Description      string   `json:"description,omitempty"`
	AgentType        string   `json:"agent_type,omitempty"` // Key into the pool's per-type caps (e.g. "coder")
	EstimatedMinutes int      `json:"estimated_minutes"`
	DependsOn        []string `json:"depends_on,omitempty"`
	TestCriteria     []string `json:"test_criteria,omitempty"`
	Files            []string `json:"files,omitempty"` // Paths the task will touch
	Status           Status   `json:"status"`
	WaveID           int      `json:"wave_id"`
	AssignedAgentID  string   `json:"assigned_agent_id,omitempty"`
}

// Clone returns a deep copy so callers can inspect a task without racing
// the queue's own mutations.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.DependsOn != nil {
		cp.DependsOn = append([]string(nil), t.DependsOn...)
	}
	if t.TestCriteria != nil {
		cp.TestCriteria = append([]string(nil), t.TestCriteria...)
	}
	if t.Files != nil {
		cp.Files = append([]string(nil), t.Files...)
	}
	return &cp
}

// Wave is an ordered group of tasks whose dependencies are all satisfied by
// earlier waves; members are safe to execute concurrently.
type Wave struct {
	ID               int     `json:"id"`
	Tasks            []*Task `json:"tasks"`
	EstimatedMinutes int     `json:"estimated_minutes"`
}
