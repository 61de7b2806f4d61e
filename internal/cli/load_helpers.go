package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tattester/forgectl/internal/config"
	"github.com/tattester/forgectl/internal/env"
	"github.com/tattester/forgectl/internal/studio"
)

// loadConfigFromCmd reads forge.yaml. The default path may be missing; an
// explicitly passed --config must exist.
func loadConfigFromCmd(opts *Options, cmd *cobra.Command) (*config.Config, error) {
	inlineVars, err := env.ParseInlineVars(opts.Vars)
	if err != nil {
		return nil, err
	}
	explicit := cmd.Flags().Changed("config") || envPresent("FORGE_CONFIG")
	return config.Load(opts.ConfigPath, config.LoadOptions{
		Optional: !explicit,
		Vars:     inlineVars,
	})
}

// openService loads the configuration and wires a studio.Service. The caller must
// Close the service.
func openService(opts *Options, cmd *cobra.Command) (*studio.Service, error) {
	logger := LoggerFromContext(cmd.Context())
	cfg, err := loadConfigFromCmd(opts, cmd)
	if err != nil {
		return nil, err
	}
	if err := ensureDataPath(logger, cfg); err != nil {
		return nil, err
	}
	svc, err := studio.New(cfg, logger, nil)
	if err != nil {
		return nil, err
	}
	logger.Debug("storage opened", "backend", cfg.Storage.Backend, "path", cfg.StoragePath())
	return svc, nil
}

// requireSession returns the --session value or an error naming the flag.
func requireSession(opts *Options) (string, error) {
	if opts.Session == "" {
		return "", fmt.Errorf("no session selected: pass --session or set FORGE_SESSION")
	}
	return opts.Session, nil
}
