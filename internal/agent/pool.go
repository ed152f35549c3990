package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"foreman/internal/events"
)

// ErrPoolExhausted is returned by Spawn when a concurrency cap is reached.
// Expected and recoverable: callers back off and retry instead of treating
// it as fatal.
var ErrPoolExhausted = errors.New("agent pool exhausted")

// DefaultTotalAgents caps the pool when no explicit limit is configured.
const DefaultTotalAgents = 4

// Limits configures pool capacity. Total bounds all agents together,
// PerType adds finer caps for individual agent types.
type Limits struct {
	Total   int            `json:"total"`
	PerType map[string]int `json:"per_type,omitempty"`
}

func (l Limits) withDefaults() Limits {
	if l.Total <= 0 {
		l.Total = DefaultTotalAgents
	}
	return l
}

// Pool owns the worker agents. Every spawn, assign, release and terminate
// is serialized through its mutex and announced on the event bus.
type Pool struct {
	mu     sync.Mutex
	agents map[string]*Agent
	limits Limits
	bus    *events.Bus
	logger *slog.Logger
}

// NewPool creates an agent pool. The bus may be nil when nobody listens;
// a nil logger falls back to slog.Default.
func NewPool(limits Limits, bus *events.Bus, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		agents: make(map[string]*Agent),
		limits: limits.withDefaults(),
		bus:    bus,
		logger: logger,
	}
}

func (p *Pool) emit(eventType string, payload events.AgentPayload) {
	if p.bus != nil {
		p.bus.Emit(eventType, payload, events.WithSource("pool"))
	}
}

// Spawn hands out an idle agent of the given type, creating a fresh one
// while the caps allow it and recycling a released one once they are
// reached. Fails with ErrPoolExhausted when the pool is at capacity and
// every agent of the type is busy.
func (p *Pool) Spawn(agentType string) (*Agent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ofType := 0
	for _, a := range p.agents {
		if a.Type == agentType {
			ofType++
		}
	}

	atCap := len(p.agents) >= p.limits.Total
	if typeCap, ok := p.limits.PerType[agentType]; ok && ofType >= typeCap {
		atCap = true
	}
	if atCap {
		// A released agent of the same type can be handed out again
		// instead of growing past the cap.
		if idle := p.idleLocked(agentType); idle != nil {
			p.logger.Debug("agent reused", "agent", idle.ID, "type", agentType)
			return idle.Clone(), nil
		}
		if typeCap, ok := p.limits.PerType[agentType]; ok && ofType >= typeCap {
			return nil, fmt.Errorf("cap %d for type %q reached: %w", typeCap, agentType, ErrPoolExhausted)
		}
		return nil, fmt.Errorf("total cap %d reached: %w", p.limits.Total, ErrPoolExhausted)
	}

	a := &Agent{
		ID:    fmt.Sprintf("%s-%s", agentType, uuid.NewString()),
		Type:  agentType,
		State: StateIdle,
	}
	p.agents[a.ID] = a

	p.logger.Debug("agent spawned", "agent", a.ID, "type", agentType)
	p.emit(events.TypeAgentSpawned, events.AgentPayload{AgentID: a.ID, AgentType: agentType})
	return a.Clone(), nil
}

// idleLocked returns the idle agent of the given type with the smallest id,
// or nil when every agent of that type is busy.
func (p *Pool) idleLocked(agentType string) *Agent {
	var pick *Agent
	for _, a := range p.agents {
		if a.Type != agentType || a.State != StateIdle {
			continue
		}
		if pick == nil || a.ID < pick.ID {
			pick = a
		}
	}
	return pick
}

// Assign hands a task and its workspace to an idle agent. The agent owns
// the task exclusively until released or terminated.
func (p *Pool) Assign(agentID, taskID, workspaceRef string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, exists := p.agents[agentID]
	if !exists {
		return fmt.Errorf("agent %q not found", agentID)
	}
	if a.State != StateIdle {
		return fmt.Errorf("agent %q is %s, not idle", agentID, a.State)
	}
	a.State = StateWorking
	a.CurrentTaskID = taskID
	a.WorkspaceRef = workspaceRef

	p.emit(events.TypeAgentAssigned, events.AgentPayload{AgentID: agentID, AgentType: a.Type, TaskID: taskID})
	return nil
}

// Release returns an agent to idle once its task is done. Releasing an
// agent that is already idle is an error.
func (p *Pool) Release(agentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, exists := p.agents[agentID]
	if !exists {
		return fmt.Errorf("agent %q not found", agentID)
	}
	if a.State == StateIdle {
		return fmt.Errorf("agent %q is already idle", agentID)
	}
	taskID := a.CurrentTaskID
	a.State = StateIdle
	a.CurrentTaskID = ""
	a.WorkspaceRef = ""

	p.emit(events.TypeAgentReleased, events.AgentPayload{AgentID: agentID, AgentType: a.Type, TaskID: taskID})
	return nil
}

// MarkError flags a malfunctioning agent. It keeps its task and its slot
// in the pool until the caller releases or terminates it.
func (p *Pool) MarkError(agentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, exists := p.agents[agentID]
	if !exists {
		return fmt.Errorf("agent %q not found", agentID)
	}
	if a.State != StateWorking {
		return fmt.Errorf("agent %q is %s, not working", agentID, a.State)
	}
	a.State = StateError
	return nil
}

// Terminate removes an agent from the pool for good and returns the ID of
// the task it was working on, if any. The caller is responsible for
// getting that task back into the queue.
func (p *Pool) Terminate(agentID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, exists := p.agents[agentID]
	if !exists {
		return "", fmt.Errorf("agent %q not found", agentID)
	}
	orphaned := a.CurrentTaskID
	a.State = StateTerminated
	delete(p.agents, agentID)

	p.logger.Debug("agent terminated", "agent", agentID, "orphaned_task", orphaned)
	p.emit(events.TypeAgentTerminated, events.AgentPayload{AgentID: agentID, AgentType: a.Type, TaskID: orphaned})
	return orphaned, nil
}

// TypeStatus counts one agent type's active and idle members.
type TypeStatus struct {
	Active int `json:"active"`
	Idle   int `json:"idle"`
}

// Status is the pool-wide view used by status reporting.
type Status struct {
	TotalAgents   int                   `json:"total_agents"`
	ByType        map[string]TypeStatus `json:"by_type"`
	TasksInFlight int                   `json:"tasks_in_flight"`
}

// Status reports current pool occupancy. Agents in the error state count
// toward the total but are neither active nor idle.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Status{
		TotalAgents: len(p.agents),
		ByType:      make(map[string]TypeStatus),
	}
	for _, a := range p.agents {
		ts := st.ByType[a.Type]
		switch a.State {
		case StateWorking:
			ts.Active++
			st.TasksInFlight++
		case StateIdle:
			ts.Idle++
		}
		st.ByType[a.Type] = ts
	}
	return st
}

// Get returns a clone of the agent by ID.
func (p *Pool) Get(agentID string) (*Agent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, exists := p.agents[agentID]
	if !exists {
		return nil, false
	}
	return a.Clone(), true
}

// Agents returns clones of all agents in ascending ID order.
func (p *Pool) Agents() []*Agent {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*Agent, 0, len(p.agents))
	for _, a := range p.agents {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshot is the serializable state of a pool.
type Snapshot struct {
	Agents []*Agent `json:"agents"`
	Limits Limits   `json:"limits"`
}

// Snapshot captures the pool for checkpointing.
func (p *Pool) Snapshot() Snapshot {
	return Snapshot{Agents: p.Agents(), Limits: p.limits}
}

// Restore replaces the pool's contents with the snapshot's. Agents that
// were working or errored come back idle, since their processes did not
// survive; the queue's own restore requeues their tasks. A failed restore
// leaves the current pool untouched.
func (p *Pool) Restore(snap Snapshot) error {
	agents := make(map[string]*Agent, len(snap.Agents))
	for _, a := range snap.Agents {
		if _, dup := agents[a.ID]; dup {
			return fmt.Errorf("snapshot has duplicate agent %q", a.ID)
		}
		if a.State == StateTerminated {
			continue
		}
		cp := a.Clone()
		if cp.State != StateIdle {
			cp.State = StateIdle
			cp.CurrentTaskID = ""
			cp.WorkspaceRef = ""
		}
		agents[cp.ID] = cp
	}
	limits := snap.Limits.withDefaults()
	if len(agents) > limits.Total {
		return fmt.Errorf("snapshot holds %d agents, above the total cap %d", len(agents), limits.Total)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.agents = agents
	p.limits = limits
	return nil
}
