package events

import (
	"time"
)

// Event is the envelope delivered to subscribers. Payload holds one of the
// typed records below depending on Type. Events are ephemeral; nothing in
// the core persists them.
type Event struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	Payload       any       `json:"payload,omitempty"`
	Source        string    `json:"source,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// Event type constants. External listeners must treat unknown types as
// ignorable.
const (
	TypeTaskAssigned  = "task.assigned"
	TypeTaskStarted   = "task.started"
	TypeTaskProgress  = "task.progress"
	TypeTaskCompleted = "task.completed"
	TypeTaskFailed    = "task.failed"
	TypeTaskEscalated = "task.escalated"

	TypeWaveStarted   = "wave.started"
	TypeWaveCompleted = "wave.completed"

	TypeFeatureCompleted = "feature.completed"
	TypePlanningFailed   = "planning.failed"

	TypeAgentSpawned    = "agent.spawned"
	TypeAgentAssigned   = "agent.assigned"
	TypeAgentReleased   = "agent.released"
	TypeAgentTerminated = "agent.terminated"

	TypeStageStarted  = "qa.stage.started"
	TypeStageComplete = "qa.stage.completed"
	TypeLoopComplete  = "qa.loop.completed"

	TypeReviewRequested = "review.requested"
	TypeReviewResolved  = "review.resolved"

	TypeCheckpointCreated  = "checkpoint.created"
	TypeCheckpointRestored = "checkpoint.restored"

	TypeStateChanged = "coordinator.state"
)

// TaskPayload accompanies the task lifecycle events.
type TaskPayload struct {
	TaskID  string `json:"task_id"`
	Name    string `json:"name,omitempty"`
	WaveID  int    `json:"wave_id"`
	AgentID string `json:"agent_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// StagePayload accompanies qa.stage.started and qa.stage.completed.
type StagePayload struct {
	TaskID      string   `json:"task_id"`
	Stage       string   `json:"stage"`
	Iteration   int      `json:"iteration"`
	Passed      bool     `json:"passed"`
	Diagnostics []string `json:"diagnostics,omitempty"`
	DurationMS  int64    `json:"duration_ms,omitempty"`
}

// LoopPayload accompanies qa.loop.completed, one per task attempt.
type LoopPayload struct {
	TaskID     string `json:"task_id"`
	Success    bool   `json:"success"`
	Iterations int    `json:"iterations"`
	Escalated  bool   `json:"escalated"`
}

// AgentPayload accompanies the agent lifecycle events.
type AgentPayload struct {
	AgentID   string `json:"agent_id"`
	AgentType string `json:"agent_type"`
	TaskID    string `json:"task_id,omitempty"`
}

// WavePayload accompanies wave.started and wave.completed.
type WavePayload struct {
	WaveID  int      `json:"wave_id"`
	TaskIDs []string `json:"task_ids,omitempty"`
}

// FeaturePayload accompanies feature.completed with the final tallies.
type FeaturePayload struct {
	ProjectID string `json:"project_id"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Escalated int    `json:"escalated"`
}

// PlanningPayload accompanies planning.failed. Cycles carries the offending
// dependency loops when planning died on a cyclic batch.
type PlanningPayload struct {
	ProjectID string     `json:"project_id,omitempty"`
	Reason    string     `json:"reason"`
	Cycles    [][]string `json:"cycles,omitempty"`
}

// StageRecord is one stage outcome inside an iteration record.
type StageRecord struct {
	Stage       string   `json:"stage"`
	Passed      bool     `json:"passed"`
	Diagnostics []string `json:"diagnostics,omitempty"`
}

// IterationRecord summarizes one full QA pass for a review request.
type IterationRecord struct {
	Iteration int           `json:"iteration"`
	Stages    []StageRecord `json:"stages"`
}

// ReviewRequestPayload accompanies review.requested. The iteration history
// gives the reviewer the full trail of failed attempts.
type ReviewRequestPayload struct {
	TaskID           string            `json:"task_id"`
	Reason           string            `json:"reason"`
	IterationHistory []IterationRecord `json:"iteration_history,omitempty"`
}

// ReviewResolutionPayload accompanies review.resolved; Decision is "retry"
// or "abandon".
type ReviewResolutionPayload struct {
	TaskID   string `json:"task_id"`
	Decision string `json:"decision"`
}

// CheckpointPayload accompanies checkpoint.created and checkpoint.restored.
type CheckpointPayload struct {
	CheckpointID string `json:"checkpoint_id"`
	ProjectID    string `json:"project_id,omitempty"`
	Trigger      string `json:"trigger,omitempty"`
	Wave         int    `json:"wave"`
}

// StatePayload accompanies coordinator.state transitions.
type StatePayload struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// ProgressPayload accompanies task.progress and aggregate progress updates.
type ProgressPayload struct {
	TaskID           string `json:"task_id,omitempty"`
	Completed        int    `json:"completed"`
	Failed           int    `json:"failed"`
	Escalated        int    `json:"escalated"`
	Total            int    `json:"total"`
	RemainingMinutes int    `json:"remaining_minutes"`
}
