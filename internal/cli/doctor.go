package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

// newDoctorCommand creates the "doctor" subcommand that runs preflight checks.
func newDoctorCommand(opts *Options) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, storage and image sources",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := LoggerFromContext(cmd.Context())

			cfg, err := loadConfigFromCmd(opts, cmd)
			if err != nil {
				return err
			}
			logger.Info("config ok", "path", cfg.Path, "backend", cfg.Storage.Backend, "storage", cfg.StoragePath())

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if err := runDoctorChecks(ctx, logger, cfg, opts.Session); err != nil {
				return err
			}

			logger.Info("doctor checks completed successfully")
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "Overall time limit for the checks")

	return cmd
}
