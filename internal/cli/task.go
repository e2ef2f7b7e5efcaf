package cli

import (
	"context"

	"github.com/harun/scorpio/internal/daemon"
	"github.com/harun/scorpio/pkg/taskgraph"
	"github.com/spf13/cobra"
)

func buildTaskCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Create and track tasks",
	}
	cmd.AddCommand(
		buildTaskCreateCmd(opts),
		buildTaskGetCmd(opts),
		buildTaskListCmd(opts),
		buildTaskStatusCmd(opts),
		buildTaskAssignCmd(opts),
	)
	return cmd
}

func buildTaskCreateCmd(opts *globalOptions) *cobra.Command {
	var (
		task     taskgraph.Task
		taskType string
		priority string
		assignee string
		requires []string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task and allocate it",
		Example: `  scorpio task create --title "Rotate keys" --type security --require ops=5
  scorpio task create --title "Report" --type analysis --depends <task-id>`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reqs, err := parseRequirements(requires)
			if err != nil {
				return err
			}
			task.Type = taskgraph.Type(taskType)
			task.Priority = taskgraph.Priority(priority)
			task.Requirements = reqs
			if assignee != "" {
				task.AssignedTo = &assignee
			}
			return opts.withDaemon(cmd.Context(), func(ctx context.Context, d *daemon.Daemon) error {
				created, err := d.Tasks().Create(ctx, task)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), created)
			})
		},
	}
	cmd.Flags().StringVar(&task.Title, "title", "", "task title")
	cmd.Flags().StringVar(&task.Description, "description", "", "task description")
	cmd.Flags().StringVar(&taskType, "type", string(taskgraph.TypeAutomation), "automation, analysis, integration, maintenance, security or collaboration")
	cmd.Flags().StringVar(&priority, "priority", string(taskgraph.PriorityMedium), "low, medium, high or critical")
	cmd.Flags().StringVar(&task.CreatorID, "creator", "cli", "creator id")
	cmd.Flags().StringVar(&task.TeamID, "team", "", "team id")
	cmd.Flags().StringVar(&assignee, "assign", "", "assign to this agent instead of allocating")
	cmd.Flags().StringArrayVar(&requires, "require", nil, "skill requirement as name=min_level (repeatable)")
	cmd.Flags().StringArrayVar(&task.Dependencies, "depends", nil, "id of a completed task this one depends on (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func buildTaskGetCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withDaemon(cmd.Context(), func(ctx context.Context, d *daemon.Daemon) error {
				task, err := d.Tasks().Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), task)
			})
		},
	}
}

func buildTaskListCmd(opts *globalOptions) *cobra.Command {
	var status, team, assignee string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withDaemon(cmd.Context(), func(ctx context.Context, d *daemon.Daemon) error {
				tasks, err := d.Tasks().List(ctx, taskgraph.ListOptions{
					TeamID:     team,
					Status:     taskgraph.Status(status),
					AssignedTo: assignee,
				})
				if err != nil {
					return err
				}
				if tasks == nil {
					tasks = []*taskgraph.Task{}
				}
				return printJSON(cmd.OutOrStdout(), tasks)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&team, "team", "", "filter by team id")
	cmd.Flags().StringVar(&assignee, "assignee", "", "filter by assigned agent id")
	return cmd
}

func buildTaskStatusCmd(opts *globalOptions) *cobra.Command {
	var output, errMsg string
	cmd := &cobra.Command{
		Use:   "status <task-id> <status>",
		Short: "Move a task to a new status",
		Long: `Move a task to a new status. Completing a task releases its agent,
records the outcome and allocates dependents whose dependencies are now met.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := parseObject(output)
			if err != nil {
				return err
			}
			return opts.withDaemon(cmd.Context(), func(ctx context.Context, d *daemon.Daemon) error {
				task, err := d.Tasks().UpdateStatus(ctx, args[0], taskgraph.Status(args[1]), out, errMsg)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), task)
			})
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "task output as a JSON object")
	cmd.Flags().StringVar(&errMsg, "error", "", "failure reason")
	return cmd
}

func buildTaskAssignCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "assign <task-id> <agent-id>",
		Short: "Assign a task to a specific agent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withDaemon(cmd.Context(), func(ctx context.Context, d *daemon.Daemon) error {
				task, err := d.Tasks().Assign(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), task)
			})
		},
	}
}
