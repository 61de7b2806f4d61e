// Package cli defines the command-line interface for forgectl.
package cli

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tattester/forgectl/internal/config"
	"github.com/tattester/forgectl/internal/logging"
)

// Options stores global CLI options shared between commands.
type Options struct {
	ConfigPath string
	Session    string
	Vars       string
	Output     string
	LogLevel   logging.Level
}

// Execute builds the root command, runs it with the provided args and logger, and returns any error.
func Execute(args []string, logger *slog.Logger) error {
	if logger == nil {
		logger = logging.NewLogger(os.Stderr, logging.LevelInfo)
	}

	rootOpts := &Options{
		ConfigPath: config.DefaultFile,
		LogLevel:   logging.LevelInfo,
	}

	rootCmd := newRootCommand(rootOpts, logger)
	rootCmd.SetArgs(args)

	return rootCmd.Execute()
}

// newRootCommand constructs the root cobra.Command with global flags and subcommands.
func newRootCommand(opts *Options, logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "forgectl",
		Short:         "forgectl edits layered tattoo designs and their version history",
		Long:          "forgectl manages design sessions: a layer stack with undo/redo, a compositing engine for PNG and AR export, and a per-session version history with branching and merging.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := applyBaseEnv(cmd, opts); err != nil {
				return err
			}
			raw := cmd.Flag("log-level").Value.String()
			if err := logging.ValidLevel(raw); err != nil {
				return err
			}
			level := logging.ParseLevel(raw)
			opts.LogLevel = level
			logger = logging.NewLogger(cmd.ErrOrStderr(), level)
			cmd.SetContext(context.WithValue(cmd.Context(), loggerKey{}, logger))
			logger.Debug("logger initialized", "level", level)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", config.DefaultFile, "Path to forge.yaml configuration file")
	cmd.PersistentFlags().StringVarP(&opts.Session, "session", "s", "", "Design session to operate on")
	cmd.PersistentFlags().StringVar(&opts.Vars, "vars", "", "Configuration overrides in FORGE_KEY=v,FORGE_KEY2=v2 format")
	cmd.PersistentFlags().StringVarP(&opts.Output, "output", "o", outputText, "Output format (text, json, yaml)")
	cmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		newSessionCommand(opts),
		newCanvasCommand(opts),
		newLayerCommand(opts),
		newUndoCommand(opts),
		newRedoCommand(opts),
		newRenderCommand(opts),
		newExportARCommand(opts),
		newVersionCommand(opts),
		newStatusCommand(opts),
		newDoctorCommand(opts),
		newServeCommand(opts),
	)

	return cmd
}

// loggerKey is a private context key used to store a logger in command contexts.
type loggerKey struct{}

// LoggerFromContext extracts a logger from the context or falls back to a default logger.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return logging.NewLogger(os.Stderr, logging.LevelInfo)
	}
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return logging.NewLogger(os.Stderr, logging.LevelInfo)
}
