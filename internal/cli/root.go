package cli

import (
	"context"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

// globalOptions holds the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	logLevel   string
	dataDir    string
}

// NewRootCmd builds the scorpio command tree.
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "scorpio",
		Short: "Scorpio - agent fleet and task orchestration",
		Long: `Scorpio allocates tasks to a fleet of skill-rated agents, resolves task
dependencies, runs tools with caching and retries, and streams LLM chat
sessions that can call those tools.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default is $HOME/.scorpio/scorpio.yaml)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&opts.dataDir, "data-dir", "", "data directory (overrides config)")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)

	rootCmd.AddCommand(
		buildServeCmd(opts),
		buildStatusCmd(opts),
		buildStopCmd(opts),
		buildAgentCmd(opts),
		buildTaskCmd(opts),
		buildToolCmd(opts),
		buildAlertCmd(opts),
	)
	return rootCmd
}

// Execute runs the CLI. This is called by main.main().
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

// GetRootCmd returns a fresh root command for testing
func GetRootCmd() *cobra.Command {
	return NewRootCmd()
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}
