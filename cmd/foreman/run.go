package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"foreman/internal/coordinator"
)

// shutdownTimeout bounds the drain after a shutdown signal, matching the
// window agents get before their processes are killed.
const shutdownTimeout = 10 * time.Second

func newRunCommand(opts *rootOptions) *cobra.Command {
	var projectID string
	var onEscalation string

	cmd := &cobra.Command{
		Use:   "run <plan-file>",
		Short: "Execute a task plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			policy, err := parseEscalationPolicy(onEscalation)
			if err != nil {
				return err
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			plan, err := loadPlan(args[0])
			if err != nil {
				return err
			}
			if projectID != "" {
				plan.Project = projectID
			}

			rt, err := buildRuntime(cmd.Context(), cfg, opts.newLogger())
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.coord.Initialize(plan.Project, plan.Tasks); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "project %s: %d tasks in %d waves\n",
				plan.Project, len(plan.Tasks), rt.coord.WaveCount())
			return runBatch(cmd, rt, policy)
		},
	}

	cmd.Flags().StringVar(&projectID, "project", "", "project id (default: the plan's project field or the file stem)")
	cmd.Flags().StringVar(&onEscalation, "on-escalation", "prompt", "handling for escalated tasks: prompt, abandon or wait")
	return cmd
}

// runBatch starts the coordinator and blocks until the batch finishes or a
// shutdown signal arrives. Shared by run and resume.
func runBatch(cmd *cobra.Command, rt *runtime, policy escalationPolicy) error {
	out := cmd.OutOrStdout()
	stopReporting := reportEvents(rt.bus, out)
	defer stopReporting()

	stopReviews := handleEscalations(policy, rt, cmd.InOrStdin(), out)
	defer stopReviews()

	// The run itself gets a background context: a signal lands as a Stop
	// call below so the final checkpoint still gets written.
	if err := rt.coord.Start(context.Background()); err != nil {
		return err
	}
	return awaitRun(cmd.Context(), rt, out)
}

// awaitRun waits out the run, draining gracefully on a signal, and turns
// unfinished work into a non-zero exit.
func awaitRun(ctx context.Context, rt *runtime, out io.Writer) error {
	select {
	case <-rt.coord.Done():
	case <-ctx.Done():
		rt.logger.Info("shutdown signal received, draining")
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := rt.coord.Stop(stopCtx); err != nil && !errors.Is(err, coordinator.ErrInvalidTransition) {
			rt.logger.Warn("stop did not finish cleanly", "error", err)
		}
		cancel()
		if err := rt.pm.KillAll(); err != nil {
			rt.logger.Warn("killing agent subprocesses", "error", err)
		}
		<-rt.coord.Done()
	}

	p := rt.coord.Progress()
	fmt.Fprintf(out, "\n%d/%d tasks completed, %d failed, %d escalated\n",
		p.Completed, p.Total, p.Failed, p.Escalated)
	if remaining := p.Total - p.Completed; remaining > 0 {
		return fmt.Errorf("%d of %d tasks did not complete", remaining, p.Total)
	}
	return nil
}
