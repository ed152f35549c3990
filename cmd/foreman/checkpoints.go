package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newCheckpointsCommand(opts *rootOptions) *cobra.Command {
	var projectID string
	var limit int

	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "List stored checkpoints for a project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
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

			snaps, err := rt.manager.List(ctx, projectID, limit)
			if err != nil {
				return err
			}
			if len(snaps) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no checkpoints stored for project %q\n", projectID)
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTRIGGER\tWAVE\tTASKS\tCREATED")
			for _, s := range snaps {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
					s.ID, s.Trigger, s.Coordinator.CurrentWave, len(s.Queue.Tasks),
					s.CreatedAt.Local().Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&projectID, "project", "", "project whose checkpoints to list")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of checkpoints to show")
	_ = cmd.MarkFlagRequired("project")

	cmd.AddCommand(newCheckpointsPruneCommand(opts))
	return cmd
}

func newCheckpointsPruneCommand(opts *rootOptions) *cobra.Command {
	var projectID string
	var keep int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete a project's old checkpoints, keeping the newest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
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

			deleted, err := rt.manager.DeleteOld(ctx, projectID, keep)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d checkpoints, kept the newest %d\n", deleted, keep)
			return nil
		},
	}

	cmd.Flags().StringVar(&projectID, "project", "", "project whose checkpoints to prune")
	cmd.Flags().IntVar(&keep, "keep", 10, "how many of the newest checkpoints to keep")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}
