package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newResumeCommand(opts *rootOptions) *cobra.Command {
	var projectID string
	var onEscalation string

	cmd := &cobra.Command{
		Use:   "resume [checkpoint-id]",
		Short: "Restore a checkpoint and continue the run",
		Long: `Resume restores a stored checkpoint and picks the run back up. With no
checkpoint id, the newest checkpoint of --project is used.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			policy, err := parseEscalationPolicy(onEscalation)
			if err != nil {
				return err
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			rt, err := buildRuntime(ctx, cfg, opts.newLogger())
			if err != nil {
				return err
			}
			defer rt.close()

			var id string
			if len(args) == 1 {
				id = args[0]
			} else {
				if projectID == "" {
					return fmt.Errorf("a checkpoint id or --project is required")
				}
				snaps, err := rt.manager.List(ctx, projectID, 1)
				if err != nil {
					return err
				}
				if len(snaps) == 0 {
					return fmt.Errorf("no checkpoints stored for project %q", projectID)
				}
				id = snaps[0].ID
			}

			if err := rt.coord.RestoreCheckpoint(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored checkpoint %s (project %s, wave %d)\n",
				id, rt.coord.ProjectID(), rt.coord.Wave())
			return runBatch(cmd, rt, policy)
		},
	}

	cmd.Flags().StringVar(&projectID, "project", "", "resume the newest checkpoint of this project")
	cmd.Flags().StringVar(&onEscalation, "on-escalation", "prompt", "handling for escalated tasks: prompt, abandon or wait")
	return cmd
}
