package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"foreman/internal/agent"
	"foreman/internal/checkpoint"
	"foreman/internal/config"
	"foreman/internal/coordinator"
	"foreman/internal/events"
	"foreman/internal/persistence"
	"foreman/internal/qa"
	"foreman/internal/scheduler"
	"foreman/internal/workspace"
)

// runtime is one fully wired orchestration stack, every component built
// from the same Config.
type runtime struct {
	bus     *events.Bus
	pm      *agent.ProcessManager
	queue   *scheduler.Queue
	pool    *agent.Pool
	store   *persistence.SQLiteStore
	manager *checkpoint.Manager
	coord   *coordinator.Coordinator
	logger  *slog.Logger
}

func buildRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	bus := events.NewBus(logger)

	store, err := persistence.NewSQLiteStore(ctx, cfg.Checkpoint.Path)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("opening checkpoint store: %w", err)
	}

	stages, timeouts, err := buildStages(cfg.QA)
	if err != nil {
		store.Close()
		bus.Close()
		return nil, err
	}

	provider, err := buildProvider(cfg.Workspace)
	if err != nil {
		store.Close()
		bus.Close()
		return nil, err
	}

	queue := scheduler.NewQueue()
	pool := agent.NewPool(agent.Limits{Total: cfg.Agents.MaxTotal, PerType: cfg.Agents.PerType}, bus, logger)
	manager := checkpoint.NewManager(store, queue, pool, bus, logger)
	engine := qa.NewEngine(stages, qa.Config{
		MaxIterations:      cfg.QA.MaxIterations,
		StopOnFirstFailure: cfg.QA.StopOnFirstFailure,
		StageTimeout:       cfg.QA.StageTimeout.Std(),
		StageTimeouts:      timeouts,
		NoProgressLimit:    cfg.QA.NoProgressLimit,
	}, bus, logger)

	pm := agent.NewProcessManager()
	coord := coordinator.New(coordinator.Config{
		Concurrency:        cfg.Run.Concurrency,
		DrainTimeout:       cfg.Run.DrainTimeout.Std(),
		CheckpointInterval: cfg.Checkpoint.Interval.Std(),
		KeepCheckpoints:    cfg.Checkpoint.Keep,
		Engine:             engine,
		Checkpoints:        manager,
		Workspaces:         provider,
		Runners:            runnerFactory(cfg.Agents, pm, logger),
		Bus:                bus,
		Logger:             logger,
	}, queue, pool)

	return &runtime{
		bus:     bus,
		pm:      pm,
		queue:   queue,
		pool:    pool,
		store:   store,
		manager: manager,
		coord:   coord,
		logger:  logger,
	}, nil
}

// close flushes the bus and releases the store. Call only after the
// coordinator's run loop has exited.
func (rt *runtime) close() {
	if err := rt.store.Close(); err != nil {
		rt.logger.Warn("closing checkpoint store", "error", err)
	}
	rt.bus.Close()
}

// buildStages turns the configured stage commands into QA runners keyed by
// pipeline stage. Stages without an entry are skipped by the engine.
func buildStages(cfg config.QAConfig) (map[qa.Stage]qa.Runner, map[qa.Stage]time.Duration, error) {
	stages := make(map[qa.Stage]qa.Runner, len(cfg.Stages))
	timeouts := make(map[qa.Stage]time.Duration)
	for name, sc := range cfg.Stages {
		stage, err := qa.ParseStage(name)
		if err != nil {
			return nil, nil, err
		}
		if sc.Command == "" {
			return nil, nil, fmt.Errorf("qa stage %q has no command", name)
		}
		stages[stage] = qa.NewCommandRunner(sc.Command, sc.Args...)
		if sc.Timeout > 0 {
			timeouts[stage] = sc.Timeout.Std()
		}
	}
	return stages, timeouts, nil
}

// buildProvider picks the workspace backend named by the configuration.
func buildProvider(cfg config.WorkspaceConfig) (workspace.Provider, error) {
	switch cfg.Provider {
	case "", "dir":
		return workspace.NewDirProvider(cfg.Root), nil
	case "git":
		return workspace.NewGitProvider(workspace.GitConfig{
			RepoPath:   cfg.Repo,
			BaseBranch: cfg.BaseBranch,
		}), nil
	default:
		return nil, fmt.Errorf("unknown workspace provider %q", cfg.Provider)
	}
}

// runnerFactory maps agent types to process runners using the configured
// commands. Unconfigured types fail at spawn time, not at startup, so a
// plan using only "coder" agents never needs a tester command.
func runnerFactory(cfg config.AgentsConfig, pm *agent.ProcessManager, logger *slog.Logger) agent.Factory {
	return func(agentType string) (agent.Runner, error) {
		cmd, ok := cfg.Commands[agentType]
		if !ok {
			return nil, fmt.Errorf("no command configured for agent type %q", agentType)
		}
		return agent.NewProcessRunner(cmd.Command, cmd.Args, pm, logger), nil
	}
}
