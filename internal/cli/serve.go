package cli

import (
	"fmt"
	"os"

	"github.com/harun/scorpio/internal/daemon"
	"github.com/harun/scorpio/internal/logger"
	"github.com/spf13/cobra"
)

func buildServeCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scorpio daemon in the foreground",
		Long: `Run the scorpio daemon in the foreground until SIGINT or SIGTERM.
The daemon runs the background jobs, serves /metrics and reloads the log
level when the config file changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
}

func runServe(cmd *cobra.Command, opts *globalOptions) error {
	cfg, loader, err := opts.loadConfig()
	if err != nil {
		return err
	}

	if pid, err := daemon.ReadPIDFile(cfg.PIDFile()); err == nil && pid != os.Getpid() && daemon.ProcessAlive(pid) {
		return fmt.Errorf("daemon is already running (PID %d)", pid)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Close()

	d, err := daemon.New(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}

	zl := log.Zerolog()
	err = loader.Watch(d.ApplyConfig, func(err error) {
		zl.Warn().Err(err).Msg("Ignoring config change")
	})
	if err != nil {
		zl.Debug().Err(err).Msg("Config reload disabled")
	}

	return d.Run(cmd.Context())
}
