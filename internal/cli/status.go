package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/harun/scorpio/internal/daemon"
	"github.com/harun/scorpio/pkg/fleet"
	"github.com/harun/scorpio/pkg/taskgraph"
	"github.com/spf13/cobra"
)

func buildStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status and a fleet summary",
		Long: `Show whether the scorpio daemon is running, followed by agent counts
per status, task counts per status and the number of open alerts.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, opts)
		},
	}
}

func runStatus(cmd *cobra.Command, opts *globalOptions) error {
	out := cmd.OutOrStdout()

	cfg, _, err := opts.loadConfig()
	if err != nil {
		return err
	}

	pid, err := daemon.ReadPIDFile(cfg.PIDFile())
	if err != nil || !daemon.ProcessAlive(pid) {
		fmt.Fprintln(out, "Status: stopped")
	} else {
		fmt.Fprintln(out, "Status: running")
		fmt.Fprintf(out, "PID: %d\n", pid)
		if info, err := os.Stat(cfg.PIDFile()); err == nil {
			fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
		}
	}

	return opts.withDaemon(cmd.Context(), func(ctx context.Context, d *daemon.Daemon) error {
		agents, err := d.Fleet().CountByStatus(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "Agents:")
		for _, s := range fleet.Statuses {
			fmt.Fprintf(out, "  %-12s %d\n", s, agents[s])
		}

		tasks, err := d.Tasks().List(ctx, taskgraph.ListOptions{})
		if err != nil {
			return err
		}
		byStatus := make(map[taskgraph.Status]int)
		for _, t := range tasks {
			byStatus[t.Status]++
		}
		fmt.Fprintln(out, "Tasks:")
		for _, s := range []taskgraph.Status{
			taskgraph.StatusPending, taskgraph.StatusAssigned, taskgraph.StatusInProgress,
			taskgraph.StatusNeedsReview, taskgraph.StatusCompleted, taskgraph.StatusFailed,
		} {
			fmt.Fprintf(out, "  %-12s %d\n", s, byStatus[s])
		}

		alerts, err := d.Recorder().ActiveAlerts(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Open alerts: %d\n", len(alerts))
		return nil
	})
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
