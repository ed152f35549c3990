package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"foreman/internal/agent"
	"foreman/internal/events"
	"foreman/internal/persistence"
	"foreman/internal/scheduler"
)

// Checkpoint triggers.
const (
	TriggerWaveComplete    = "wave_complete"
	TriggerFeatureComplete = "feature_complete"
	TriggerInterval        = "interval"
	TriggerManual          = "manual"
	TriggerFinal           = "final"
)

// DefaultKeepCount is how many checkpoints retention keeps per project when
// no count is given.
const DefaultKeepCount = 10

var validTriggers = map[string]bool{
	TriggerWaveComplete:    true,
	TriggerFeatureComplete: true,
	TriggerInterval:        true,
	TriggerManual:          true,
	TriggerFinal:           true,
}

// ErrRestoreFailed wraps every restore failure; the previous in-memory
// state is intact whenever it is returned.
var ErrRestoreFailed = errors.New("checkpoint restore failed")

// CoordinatorState is the coordinator's contribution to a snapshot.
type CoordinatorState struct {
	State       string `json:"state"`
	CurrentWave int    `json:"current_wave"`
}

// Snapshot is one immutable checkpoint: queue, pool and coordinator state
// captured at the same instant.
type Snapshot struct {
	ID          string             `json:"id"`
	ProjectID   string             `json:"project_id"`
	Trigger     string             `json:"trigger"`
	CreatedAt   time.Time          `json:"created_at"`
	Queue       scheduler.Snapshot `json:"queue"`
	Pool        agent.Snapshot     `json:"pool"`
	Coordinator CoordinatorState   `json:"coordinator"`
}

// Manager snapshots and restores the queue and pool through a durable
// store. Create is synchronous: when it returns, the checkpoint is on disk.
type Manager struct {
	store  persistence.Store
	queue  *scheduler.Queue
	pool   *agent.Pool
	bus    *events.Bus
	logger *slog.Logger
}

// NewManager creates a checkpoint manager over the given queue and pool.
// The bus may be nil; a nil logger falls back to slog.Default.
func NewManager(store persistence.Store, queue *scheduler.Queue, pool *agent.Pool, bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		queue:  queue,
		pool:   pool,
		bus:    bus,
		logger: logger,
	}
}

// Create captures the current queue, pool and coordinator state into a new
// checkpoint and persists it before returning.
func (m *Manager) Create(ctx context.Context, projectID, trigger string, coord CoordinatorState) (Snapshot, error) {
	if !validTriggers[trigger] {
		return Snapshot{}, fmt.Errorf("unknown checkpoint trigger %q", trigger)
	}

	snap := Snapshot{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		Trigger:     trigger,
		CreatedAt:   time.Now().UTC(),
		Queue:       m.queue.Snapshot(),
		Pool:        m.pool.Snapshot(),
		Coordinator: coord,
	}

	blob, err := json.Marshal(snap)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	rec := persistence.Record{
		ID:        snap.ID,
		ProjectID: snap.ProjectID,
		Trigger:   snap.Trigger,
		CreatedAt: snap.CreatedAt,
		Blob:      blob,
	}
	if err := m.store.Save(ctx, rec); err != nil {
		return Snapshot{}, fmt.Errorf("failed to persist checkpoint: %w", err)
	}

	m.logger.Info("checkpoint created",
		"checkpoint", snap.ID,
		"project", projectID,
		"trigger", trigger,
		"wave", coord.CurrentWave)
	m.emit(events.TypeCheckpointCreated, snap)
	return snap, nil
}

// Restore replaces the queue's and pool's contents with a stored
// checkpoint and returns the snapshot so the caller can adopt the
// coordinator state. The snapshot is rehearsed on scratch instances first:
// a bad one must not leave the queue swapped and the pool untouched.
func (m *Manager) Restore(ctx context.Context, checkpointID string) (Snapshot, error) {
	rec, err := m.store.Load(ctx, checkpointID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("checkpoint %q: %w: %w", checkpointID, ErrRestoreFailed, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(rec.Blob, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("checkpoint %q: %w: corrupt snapshot: %w", checkpointID, ErrRestoreFailed, err)
	}

	if err := scheduler.NewQueue().Restore(snap.Queue); err != nil {
		return Snapshot{}, fmt.Errorf("checkpoint %q: %w: queue: %w", checkpointID, ErrRestoreFailed, err)
	}
	if err := agent.NewPool(snap.Pool.Limits, nil, m.logger).Restore(snap.Pool); err != nil {
		return Snapshot{}, fmt.Errorf("checkpoint %q: %w: pool: %w", checkpointID, ErrRestoreFailed, err)
	}

	if err := m.queue.Restore(snap.Queue); err != nil {
		return Snapshot{}, fmt.Errorf("checkpoint %q: %w: queue: %w", checkpointID, ErrRestoreFailed, err)
	}
	if err := m.pool.Restore(snap.Pool); err != nil {
		return Snapshot{}, fmt.Errorf("checkpoint %q: %w: pool: %w", checkpointID, ErrRestoreFailed, err)
	}

	m.logger.Info("checkpoint restored",
		"checkpoint", snap.ID,
		"project", snap.ProjectID,
		"wave", snap.Coordinator.CurrentWave)
	m.emit(events.TypeCheckpointRestored, snap)
	return snap, nil
}

// List returns a project's checkpoints, newest first. limit <= 0 means all.
func (m *Manager) List(ctx context.Context, projectID string, limit int) ([]Snapshot, error) {
	records, err := m.store.List(ctx, projectID, limit)
	if err != nil {
		return nil, err
	}
	snapshots := make([]Snapshot, 0, len(records))
	for _, rec := range records {
		var snap Snapshot
		if err := json.Unmarshal(rec.Blob, &snap); err != nil {
			return nil, fmt.Errorf("checkpoint %q: corrupt snapshot: %w", rec.ID, err)
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, nil
}

// DeleteOld prunes a project's checkpoints down to the newest keepCount.
// keepCount <= 0 falls back to DefaultKeepCount. Returns how many were
// deleted.
func (m *Manager) DeleteOld(ctx context.Context, projectID string, keepCount int) (int, error) {
	if keepCount <= 0 {
		keepCount = DefaultKeepCount
	}
	records, err := m.store.List(ctx, projectID, 0)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, rec := range records[min(keepCount, len(records)):] {
		if err := m.store.Delete(ctx, rec.ID); err != nil {
			return deleted, err
		}
		deleted++
	}
	if deleted > 0 {
		m.logger.Info("checkpoints pruned", "project", projectID, "deleted", deleted, "kept", keepCount)
	}
	return deleted, nil
}

func (m *Manager) emit(eventType string, snap Snapshot) {
	if m.bus == nil {
		return
	}
	m.bus.Emit(eventType, events.CheckpointPayload{
		CheckpointID: snap.ID,
		ProjectID:    snap.ProjectID,
		Trigger:      snap.Trigger,
		Wave:         snap.Coordinator.CurrentWave,
	}, events.WithSource("checkpoint"))
}
