package cli

import (
	"context"

	"github.com/harun/scorpio/internal/daemon"
	"github.com/harun/scorpio/pkg/audit"
	"github.com/spf13/cobra"
)

func buildAlertCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alert",
		Short: "List and resolve alerts",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List open alerts",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return opts.withDaemon(cmd.Context(), func(ctx context.Context, d *daemon.Daemon) error {
					alerts, err := d.Recorder().ActiveAlerts(ctx)
					if err != nil {
						return err
					}
					if alerts == nil {
						alerts = []audit.Alert{}
					}
					return printJSON(cmd.OutOrStdout(), alerts)
				})
			},
		},
		buildAlertResolveCmd(opts),
	)
	return cmd
}

func buildAlertResolveCmd(opts *globalOptions) *cobra.Command {
	var by, notes string
	cmd := &cobra.Command{
		Use:   "resolve <alert-id>",
		Short: "Resolve an open alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withDaemon(cmd.Context(), func(ctx context.Context, d *daemon.Daemon) error {
				alert, err := d.Recorder().ResolveAlert(ctx, args[0], by, notes)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), alert)
			})
		},
	}
	cmd.Flags().StringVar(&by, "by", "cli", "resolver id")
	cmd.Flags().StringVar(&notes, "notes", "", "resolution notes")
	return cmd
}
