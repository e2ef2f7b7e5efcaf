package cli

import (
	"context"

	"github.com/harun/scorpio/internal/daemon"
	"github.com/harun/scorpio/pkg/fleet"
	"github.com/spf13/cobra"
)

func buildAgentCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage the agent fleet",
	}
	cmd.AddCommand(
		buildAgentRegisterCmd(opts),
		buildAgentGetCmd(opts),
		buildAgentListCmd(opts),
		buildAgentStatusCmd(opts),
	)
	return cmd
}

func buildAgentRegisterCmd(opts *globalOptions) *cobra.Command {
	var (
		name      string
		team      string
		clearance string
		skills    []string
	)
	cmd := &cobra.Command{
		Use:     "register",
		Short:   "Register an agent",
		Example: `  scorpio agent register --name builder --skill python=7 --skill sql=4`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseSkills(skills)
			if err != nil {
				return err
			}
			return opts.withDaemon(cmd.Context(), func(ctx context.Context, d *daemon.Daemon) error {
				agent, err := d.Fleet().Register(ctx, fleet.Agent{
					Name:              name,
					TeamID:            team,
					SecurityClearance: clearance,
					Skills:            parsed,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), agent)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "agent name")
	cmd.Flags().StringVar(&team, "team", "", "team id")
	cmd.Flags().StringVar(&clearance, "clearance", "", "security clearance (default standard)")
	cmd.Flags().StringArrayVar(&skills, "skill", nil, "skill as name=level (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func buildAgentGetCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <agent-id>",
		Short: "Show one agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withDaemon(cmd.Context(), func(ctx context.Context, d *daemon.Daemon) error {
				agent, err := d.Fleet().Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), agent)
			})
		},
	}
}

func buildAgentListCmd(opts *globalOptions) *cobra.Command {
	var status, team string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withDaemon(cmd.Context(), func(ctx context.Context, d *daemon.Daemon) error {
				agents, err := d.Fleet().List(ctx, fleet.ListOptions{TeamID: team, Status: fleet.Status(status)})
				if err != nil {
					return err
				}
				if agents == nil {
					agents = []*fleet.Agent{}
				}
				return printJSON(cmd.OutOrStdout(), agents)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&team, "team", "", "filter by team id")
	return cmd
}

func buildAgentStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <agent-id> <status>",
		Short: "Set an agent's status",
		Long:  "Set an agent's status: available, busy, offline, maintenance or error.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withDaemon(cmd.Context(), func(ctx context.Context, d *daemon.Daemon) error {
				agent, err := d.Fleet().SetStatus(ctx, args[0], fleet.Status(args[1]))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), agent)
			})
		},
	}
}
