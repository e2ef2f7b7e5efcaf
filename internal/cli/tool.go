package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/scorpio/internal/daemon"
	"github.com/harun/scorpio/pkg/toolexecutor"
	"github.com/spf13/cobra"
)

func buildToolCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tool",
		Short: "Inspect and run registered tools",
	}
	cmd.AddCommand(
		buildToolListCmd(opts),
		buildToolRunCmd(opts),
		buildToolHistoryCmd(opts),
	)
	return cmd
}

func buildToolListCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withDaemon(cmd.Context(), func(ctx context.Context, d *daemon.Daemon) error {
				tools := d.Executor().Registry().List()
				if tools == nil {
					tools = []toolexecutor.ToolDefinition{}
				}
				return printJSON(cmd.OutOrStdout(), tools)
			})
		},
	}
}

func buildToolRunCmd(opts *globalOptions) *cobra.Command {
	var (
		params    string
		sessionID string
		cacheTTL  time.Duration
	)
	cmd := &cobra.Command{
		Use:     "run <tool>",
		Short:   "Execute a tool once",
		Example: `  scorpio tool run fleet_find_agents --params '{"requirements":[{"skill_name":"go","minimum_level":5}]}'`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseObject(params)
			if err != nil {
				return err
			}
			if parsed == nil {
				parsed = map[string]any{}
			}
			return opts.withDaemon(cmd.Context(), func(ctx context.Context, d *daemon.Daemon) error {
				rec, err := d.Executor().Execute(ctx, sessionID, args[0], parsed, cacheTTL)
				if rec != nil {
					if perr := printJSON(cmd.OutOrStdout(), rec); perr != nil {
						return perr
					}
				}
				if err != nil {
					return fmt.Errorf("tool %s: %w", args[0], err)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&params, "params", "", "parameters as a JSON object")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id to attribute the execution to")
	cmd.Flags().DurationVar(&cacheTTL, "cache-ttl", 0, "result cache TTL (0 uses the configured default, negative bypasses the cache)")
	return cmd
}

func buildToolHistoryCmd(opts *globalOptions) *cobra.Command {
	var (
		sessionID string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent tool executions of a session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withDaemon(cmd.Context(), func(ctx context.Context, d *daemon.Daemon) error {
				history, err := d.Executor().History(ctx, sessionID, limit)
				if err != nil {
					return err
				}
				if history == nil {
					history = []toolexecutor.ToolExecution{}
				}
				return printJSON(cmd.OutOrStdout(), history)
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of executions")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}
