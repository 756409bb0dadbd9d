package main

import (
	"github.com/spf13/cobra"
)

func newReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Ask a running daemon to re-read its config file",
		Long: `Send SIGHUP to the daemon holding the run lock. The daemon re-reads
the config and applies new schedules and job settings to the next run. An
invalid config is rejected and the daemon keeps its current settings.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			pidPath := cc.Cfg.Schedule.PIDFile

			if err := sendSIGHUP(pidPath); err != nil {
				return err
			}

			cc.Logger.Debug("sent SIGHUP", "pid_file", pidPath)
			cc.Statusf("Reload requested\n")

			return nil
		},
	}
}
