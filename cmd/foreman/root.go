package main

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"foreman/internal/config"
)

// rootOptions carries the persistent flags every subcommand shares.
type rootOptions struct {
	configPath string
	verbose    bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "foreman",
		Short: "Coordinate a pool of coding agents through planned task batches",
		Long: `Foreman plans a task batch into dependency waves, dispatches each wave to
a pool of agent subprocesses, verifies every result through the QA
pipeline and checkpoints progress so an interrupted run can resume.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", `project config file (default ".foreman/config.yaml")`)
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newRunCommand(opts),
		newResumeCommand(opts),
		newCheckpointsCommand(opts),
		newConfigCommand(opts),
	)
	return root
}

// loadConfig resolves the layered configuration: defaults, then the global
// file, then the project file (or the --config override).
func (o *rootOptions) loadConfig() (*config.Config, error) {
	if o.configPath == "" {
		return config.LoadDefault()
	}
	var globalPath string
	if home, err := os.UserHomeDir(); err == nil {
		globalPath = filepath.Join(home, ".foreman", "config.yaml")
	}
	return config.Load(globalPath, o.configPath)
}

func (o *rootOptions) newLogger() *slog.Logger {
	level := slog.LevelInfo
	if o.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
