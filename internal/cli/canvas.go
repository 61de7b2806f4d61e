package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tattester/forgectl/internal/canvas"
)

// newCanvasCommand creates the "canvas" group for placement presets.
func newCanvasCommand(opts *Options) *cobra.Command {
	return newGroupCommand("canvas", "Inspect placement presets and resize the session canvas",
		newCanvasPresetsCommand(opts),
		newCanvasSetCommand(opts),
	)
}

func newCanvasPresetsCommand(opts *Options) *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:   "presets",
		Short: "List body-part presets",
		RunE: func(cmd *cobra.Command, _ []string) error {
			list := canvas.Presets()
			if category != "" {
				list = canvas.ByCategory(category)
			}
			return printResult(cmd.OutOrStdout(), opts.Output, list, func(w io.Writer) error {
				rows := make([][]string, 0, len(list))
				for _, p := range list {
					rows = append(rows, []string{string(p.ID), p.Label, p.Category, fmt.Sprintf("%g:%g", p.Width, p.Height)})
				}
				return printTable(w, []string{"ID", "LABEL", "CATEGORY", "RATIO"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "Only presets of this category (arm, torso, leg)")
	return cmd
}

func newCanvasSetCommand(opts *Options) *cobra.Command {
	var (
		longSide int
		revision int64
	)
	cmd := &cobra.Command{
		Use:   "set <body-part>",
		Short: "Change the session's placement and canvas size",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, err := requireSession(opts)
			if err != nil {
				return err
			}
			svc, err := openService(opts, cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			ws, err := svc.SetCanvas(cmd.Context(), sessionID, args[0], longSide, revision)
			if err != nil {
				return err
			}
			LoggerFromContext(cmd.Context()).Info("canvas updated", "session", sessionID,
				"bodyPart", ws.Canvas.BodyPart, "width", ws.Canvas.Width, "height", ws.Canvas.Height)
			return printResult(cmd.OutOrStdout(), opts.Output, ws.Canvas, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s %dx%d\n", ws.Canvas.BodyPart, ws.Canvas.Width, ws.Canvas.Height)
				return err
			})
		},
	}
	cmd.Flags().IntVar(&longSide, "long-side", 0, "Pixel length of the longer side (default: canvas.longSide from config)")
	addRevisionFlag(cmd, &revision)
	return cmd
}
