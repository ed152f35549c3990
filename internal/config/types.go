package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads and writes as a string like
// "90s" or "10m" in YAML.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string like \"10m\": %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the full foreman configuration, merged from defaults,
// the global file and the project file.
type Config struct {
	Agents     AgentsConfig     `yaml:"agents"`
	QA         QAConfig         `yaml:"qa"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Workspace  WorkspaceConfig  `yaml:"workspace"`
	Run        RunConfig        `yaml:"run"`
}

// AgentsConfig sizes the pool and maps each agent type to the external
// command that does its work.
type AgentsConfig struct {
	MaxTotal int                      `yaml:"max_total"`          // Concurrent agent cap across all types
	PerType  map[string]int           `yaml:"per_type,omitempty"` // Optional per-type caps
	Commands map[string]CommandConfig `yaml:"commands"`           // Keyed by agent type ("coder", "tester")
}

// CommandConfig is one external command invocation.
type CommandConfig struct {
	Command string   `yaml:"command"`        // Binary name (e.g., "claude", "codex")
	Args    []string `yaml:"args,omitempty"` // Args placed before the task brief
}

// QAConfig tunes the verify-and-fix loop.
type QAConfig struct {
	MaxIterations      int                    `yaml:"max_iterations"` // Full pipeline passes per task attempt
	StopOnFirstFailure bool                   `yaml:"stop_on_first_failure,omitempty"`
	NoProgressLimit    int                    `yaml:"no_progress_limit,omitempty"` // Escalate after N identical failures; 0 disables
	StageTimeout       Duration               `yaml:"stage_timeout,omitempty"`     // Default per-stage budget
	Stages             map[string]StageConfig `yaml:"stages"`                      // Keyed by stage: build, lint, test, review
}

// StageConfig is one verification stage's command. A stage with no
// command is skipped.
type StageConfig struct {
	Command string   `yaml:"command,omitempty"`
	Args    []string `yaml:"args,omitempty"`
	Timeout Duration `yaml:"timeout,omitempty"` // Overrides the default stage budget
}

// CheckpointConfig controls snapshot persistence.
type CheckpointConfig struct {
	Path     string   `yaml:"path"`               // SQLite file holding checkpoints
	Interval Duration `yaml:"interval,omitempty"` // Periodic snapshot period; 0 disables
	Keep     int      `yaml:"keep"`               // Checkpoints retained per project
}

// WorkspaceConfig picks how task workspaces are isolated.
type WorkspaceConfig struct {
	Provider   string `yaml:"provider"`              // "dir" or "git"
	Root       string `yaml:"root"`                  // dir provider: directory the workspaces live under
	Repo       string `yaml:"repo,omitempty"`        // git provider: repository path
	BaseBranch string `yaml:"base_branch,omitempty"` // git provider: branch task branches fork from
}

// RunConfig bounds the coordinator's dispatch.
type RunConfig struct {
	Concurrency  int      `yaml:"concurrency"`             // Tasks in flight at once
	DrainTimeout Duration `yaml:"drain_timeout,omitempty"` // Bounded wait for in-flight work on pause and stop
}

// Validate rejects configurations foreman cannot run with.
func (c *Config) Validate() error {
	if c.Agents.MaxTotal <= 0 {
		return fmt.Errorf("agents.max_total must be positive, got %d", c.Agents.MaxTotal)
	}
	if c.QA.MaxIterations <= 0 {
		return fmt.Errorf("qa.max_iterations must be positive, got %d", c.QA.MaxIterations)
	}
	for name := range c.QA.Stages {
		switch name {
		case "build", "lint", "test", "review":
		default:
			return fmt.Errorf("unknown qa stage %q", name)
		}
	}
	switch c.Workspace.Provider {
	case "dir":
	case "git":
		if c.Workspace.Repo == "" {
			return fmt.Errorf("workspace.repo is required for the git provider")
		}
	default:
		return fmt.Errorf("workspace.provider must be \"dir\" or \"git\", got %q", c.Workspace.Provider)
	}
	return nil
}
