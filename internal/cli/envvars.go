package cli

import (
	"os"
	"strings"

	envparse "github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"
)

// baseEnv defines root CLI defaults sourced from FORGE_* env vars.
type baseEnv struct {
	// ConfigPath is the forge.yaml path from FORGE_CONFIG.
	ConfigPath string `env:"FORGE_CONFIG"`
	// Session is the default design session from FORGE_SESSION.
	Session string `env:"FORGE_SESSION"`
	// Vars is a k=v,k2=v2 override list from FORGE_VARS.
	Vars string `env:"FORGE_VARS"`
	// Output is the output format from FORGE_OUTPUT.
	Output string `env:"FORGE_OUTPUT"`
	// LogLevel is the logging level from FORGE_LOG_LEVEL.
	LogLevel string `env:"FORGE_LOG_LEVEL"`
}

// parseEnv fills target from FORGE_* env vars via caarlos0/env.
func parseEnv(target interface{}) error {
	return envparse.Parse(target)
}

// envPresent reports whether a non-empty env var exists.
func envPresent(key string) bool {
	val, ok := os.LookupEnv(key)
	if !ok {
		return false
	}
	return strings.TrimSpace(val) != ""
}

// applyBaseEnv fills persistent flags the user did not set from FORGE_* env vars.
func applyBaseEnv(cmd *cobra.Command, opts *Options) error {
	var be baseEnv
	if err := parseEnv(&be); err != nil {
		return err
	}
	set := func(name, value string, dst *string) {
		if value == "" || cmd.Flags().Changed(name) {
			return
		}
		if dst != nil {
			*dst = value
		}
		_ = cmd.Flags().Set(name, value)
	}
	set("config", be.ConfigPath, &opts.ConfigPath)
	set("session", be.Session, &opts.Session)
	set("vars", be.Vars, &opts.Vars)
	set("output", be.Output, &opts.Output)
	set("log-level", be.LogLevel, nil)
	return nil
}
