package config

import (
	"path/filepath"
	"time"
)

// DefaultConfig returns the built-in configuration: claude-backed coder
// and tester agents, make-driven verification stages and checkpoints
// under .foreman/.
func DefaultConfig() *Config {
	return &Config{
		Agents: AgentsConfig{
			MaxTotal: 4,
			Commands: map[string]CommandConfig{
				"coder":  {Command: "claude", Args: []string{"-p"}},
				"tester": {Command: "claude", Args: []string{"-p"}},
			},
		},
		QA: QAConfig{
			MaxIterations: 50,
			StageTimeout:  Duration(10 * time.Minute),
			Stages: map[string]StageConfig{
				"build": {Command: "make", Args: []string{"build"}},
				"lint":  {Command: "make", Args: []string{"lint"}},
				"test":  {Command: "make", Args: []string{"test"}},
			},
		},
		Checkpoint: CheckpointConfig{
			Path: filepath.Join(".foreman", "checkpoints.db"),
			Keep: 10,
		},
		Workspace: WorkspaceConfig{
			Provider: "dir",
			Root:     filepath.Join(".foreman", "workspaces"),
		},
		Run: RunConfig{
			Concurrency:  4,
			DrainTimeout: Duration(2 * time.Minute),
		},
	}
}
