package agent

import "fmt"

// Worker agent types. The pool caps concurrency per type and in total;
// a task's AgentType selects which kind of worker picks it up.
const (
	TypeCoder    = "coder"
	TypeTester   = "tester"
	TypeReviewer = "reviewer"
	TypeMerger   = "merger"
)

// State represents an agent's lifecycle state.
type State int

const (
	StateIdle       State = iota // Spawned, waiting for an assignment
	StateWorking                 // Exclusively owns a task
	StateError                   // Malfunctioned; holds capacity until terminated
	StateTerminated              // Removed from the pool
)

var stateNames = map[State]string{
	StateIdle:       "idle",
	StateWorking:    "working",
	StateError:      "error",
	StateTerminated: "terminated",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText encodes the state by name for snapshots.
func (s State) MarshalText() ([]byte, error) {
	name, ok := stateNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown agent state %d", int(s))
	}
	return []byte(name), nil
}

// UnmarshalText decodes a state encoded by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for st, name := range stateNames {
		if name == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown agent state %q", string(text))
}

// Agent is a worker handle. The pool owns the record; callers get clones
// and refer to agents by ID. An agent owns at most one task at a time.
type Agent struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	State         State  `json:"state"`
	CurrentTaskID string `json:"current_task_id,omitempty"`
	WorkspaceRef  string `json:"workspace_ref,omitempty"`
}

// Clone returns a copy safe to hand outside the pool.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	cp := *a
	return &cp
}
