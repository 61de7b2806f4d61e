package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tattester/forgectl/internal/layer"
	"github.com/tattester/forgectl/internal/state"
	"github.com/tattester/forgectl/internal/studio"
)

// newLayerCommand creates the "layer" group with one subcommand per layer operation.
func newLayerCommand(opts *Options) *cobra.Command {
	return newGroupCommand("layer", "Edit the layer stack of a session",
		newLayerAddCommand(opts),
		newLayerListCommand(opts),
		newLayerRemoveCommand(opts),
		newLayerReorderCommand(opts),
		newLayerVisibilityCommand(opts),
		newLayerRenameCommand(opts),
		newLayerImageCommand(opts),
		newLayerBlendCommand(opts),
		newLayerMoveCommand(opts),
		newLayerFlipCommand(opts),
		newLayerEdgeCommand(opts, "front", "Bring a layer to the top of the stack", (*layer.Store).MoveToFront),
		newLayerEdgeCommand(opts, "back", "Send a layer to the bottom of the stack", (*layer.Store).MoveToBack),
		newLayerDuplicateCommand(opts),
		newLayerSelectCommand(opts),
	)
}

// runEdit opens the service, applies fn to the session's layers and prints the
// saved workspace.
func runEdit(opts *Options, cmd *cobra.Command, rev int64, op string, fn func(ls *layer.Store) error) error {
	sessionID, err := requireSession(opts)
	if err != nil {
		return err
	}
	svc, err := openService(opts, cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	ws, err := svc.Edit(cmd.Context(), sessionID, rev, func(ls *layer.Store, _ *state.Workspace) error {
		return fn(ls)
	})
	if err != nil {
		return err
	}
	LoggerFromContext(cmd.Context()).Info("layers updated", "op", op, "session", sessionID,
		"revision", ws.Revision, "layers", len(ws.Layers))
	return printEdited(cmd, opts, ws)
}

func printEdited(cmd *cobra.Command, opts *Options, ws state.Workspace) error {
	return printResult(cmd.OutOrStdout(), opts.Output, ws, func(w io.Writer) error {
		return printLayers(w, ws.Layers, ws.SelectedLayerID)
	})
}

func newLayerAddCommand(opts *Options) *cobra.Command {
	var (
		typ string
		rev int64
	)
	cmd := &cobra.Command{
		Use:   "add <image-url>",
		Short: "Add a layer from an image URL, file path or data URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := layer.ParseType(typ)
			if err != nil {
				return err
			}
			return runEdit(opts, cmd, rev, "add", func(ls *layer.Store) error {
				_, err := ls.Add(args[0], t)
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&typ, "type", "t", string(layer.TypeSubject), "Layer type (subject, background, effect)")
	addRevisionFlag(cmd, &rev)
	return cmd
}

func newLayerListCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List layers from top to bottom",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sessionID, err := requireSession(opts)
			if err != nil {
				return err
			}
			svc, err := openService(opts, cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			ws, err := svc.View(cmd.Context(), sessionID)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), opts.Output, layer.Sorted(ws.Layers), func(w io.Writer) error {
				return printLayers(w, ws.Layers, ws.SelectedLayerID)
			})
		},
	}
}

func newLayerRemoveCommand(opts *Options) *cobra.Command {
	var rev int64
	cmd := &cobra.Command{
		Use:     "rm <layer-id>",
		Aliases: []string{"remove"},
		Short:   "Remove a layer",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEdit(opts, cmd, rev, "remove", func(ls *layer.Store) error {
				return ls.Remove(args[0])
			})
		},
	}
	addRevisionFlag(cmd, &rev)
	return cmd
}

func newLayerReorderCommand(opts *Options) *cobra.Command {
	var rev int64
	cmd := &cobra.Command{
		Use:   "reorder <from> <to>",
		Short: "Move the layer at stack position from to position to (0 is the bottom)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid from index %q", args[0])
			}
			to, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid to index %q", args[1])
			}
			return runEdit(opts, cmd, rev, "reorder", func(ls *layer.Store) error {
				return ls.Reorder(from, to)
			})
		},
	}
	addRevisionFlag(cmd, &rev)
	return cmd
}

func newLayerVisibilityCommand(opts *Options) *cobra.Command {
	var rev int64
	cmd := &cobra.Command{
		Use:     "toggle <layer-id>",
		Aliases: []string{"hide", "show"},
		Short:   "Toggle a layer's visibility",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEdit(opts, cmd, rev, "visibility", func(ls *layer.Store) error {
				_, err := ls.ToggleVisibility(args[0])
				return err
			})
		},
	}
	addRevisionFlag(cmd, &rev)
	return cmd
}

func newLayerRenameCommand(opts *Options) *cobra.Command {
	var rev int64
	cmd := &cobra.Command{
		Use:   "rename <layer-id> <name>",
		Short: "Rename a layer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEdit(opts, cmd, rev, "rename", func(ls *layer.Store) error {
				_, err := ls.Rename(args[0], args[1])
				return err
			})
		},
	}
	addRevisionFlag(cmd, &rev)
	return cmd
}

func newLayerImageCommand(opts *Options) *cobra.Command {
	var rev int64
	cmd := &cobra.Command{
		Use:   "image <layer-id> <image-url>",
		Short: "Replace a layer's image",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEdit(opts, cmd, rev, "image", func(ls *layer.Store) error {
				_, err := ls.UpdateImage(args[0], args[1])
				return err
			})
		},
	}
	addRevisionFlag(cmd, &rev)
	return cmd
}

func newLayerBlendCommand(opts *Options) *cobra.Command {
	var rev int64
	cmd := &cobra.Command{
		Use:   "blend <layer-id> <mode>",
		Short: "Set a layer's blend mode (normal, multiply, screen, overlay)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := layer.ParseBlendMode(args[1])
			if err != nil {
				return err
			}
			return runEdit(opts, cmd, rev, "blend", func(ls *layer.Store) error {
				_, err := ls.UpdateBlendMode(args[0], mode)
				return err
			})
		},
	}
	addRevisionFlag(cmd, &rev)
	return cmd
}

func newLayerMoveCommand(opts *Options) *cobra.Command {
	var (
		rev       int64
		noHistory bool
	)
	cmd := &cobra.Command{
		Use:   "move <layer-id>",
		Short: "Change a layer's position, scale or rotation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch layer.TransformPatch
			for name, dst := range map[string]**float64{
				"x":        &patch.X,
				"y":        &patch.Y,
				"scale-x":  &patch.ScaleX,
				"scale-y":  &patch.ScaleY,
				"rotation": &patch.Rotation,
			} {
				if !cmd.Flags().Changed(name) {
					continue
				}
				v, err := cmd.Flags().GetFloat64(name)
				if err != nil {
					return err
				}
				*dst = &v
			}
			if patch.Empty() {
				return fmt.Errorf("nothing to change: pass at least one of --x, --y, --scale-x, --scale-y, --rotation")
			}
			var mopts []layer.MutationOption
			if noHistory {
				mopts = append(mopts, layer.WithoutHistory())
			}
			return runEdit(opts, cmd, rev, "transform", func(ls *layer.Store) error {
				_, err := ls.UpdateTransform(args[0], patch, mopts...)
				return err
			})
		},
	}
	cmd.Flags().Float64("x", 0, "Horizontal offset from the canvas centre in pixels")
	cmd.Flags().Float64("y", 0, "Vertical offset from the canvas centre in pixels")
	cmd.Flags().Float64("scale-x", 1, "Horizontal scale; negative mirrors")
	cmd.Flags().Float64("scale-y", 1, "Vertical scale; negative mirrors")
	cmd.Flags().Float64("rotation", 0, "Rotation in degrees")
	cmd.Flags().BoolVar(&noHistory, "no-history", false, "Apply without recording an undo step")
	addRevisionFlag(cmd, &rev)
	return cmd
}

func newLayerFlipCommand(opts *Options) *cobra.Command {
	var (
		rev      int64
		vertical bool
	)
	cmd := &cobra.Command{
		Use:   "flip <layer-id>",
		Short: "Mirror a layer horizontally, or vertically with --vertical",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEdit(opts, cmd, rev, "flip", func(ls *layer.Store) error {
				var err error
				if vertical {
					_, err = ls.FlipVertical(args[0])
				} else {
					_, err = ls.FlipHorizontal(args[0])
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&vertical, "vertical", false, "Flip top to bottom instead of left to right")
	addRevisionFlag(cmd, &rev)
	return cmd
}

func newLayerEdgeCommand(opts *Options, use, short string, move func(*layer.Store, string) error) *cobra.Command {
	var rev int64
	cmd := &cobra.Command{
		Use:   use + " <layer-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEdit(opts, cmd, rev, use, func(ls *layer.Store) error {
				return move(ls, args[0])
			})
		},
	}
	addRevisionFlag(cmd, &rev)
	return cmd
}

func newLayerDuplicateCommand(opts *Options) *cobra.Command {
	var rev int64
	cmd := &cobra.Command{
		Use:     "dup <layer-id>",
		Aliases: []string{"duplicate"},
		Short:   "Duplicate a layer on top of the stack",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEdit(opts, cmd, rev, "duplicate", func(ls *layer.Store) error {
				if _, ok := ls.Duplicate(args[0]); !ok {
					return fmt.Errorf("duplicate layer %q: %w", args[0], layer.ErrLayerNotFound)
				}
				return nil
			})
		},
	}
	addRevisionFlag(cmd, &rev)
	return cmd
}

func newLayerSelectCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "select <layer-id>",
		Short: "Select a layer without recording history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEdit(opts, cmd, studio.AnyRevision, "select", func(ls *layer.Store) error {
				return ls.Select(args[0])
			})
		},
	}
	return cmd
}

// newUndoCommand creates the "undo" command.
func newUndoCommand(opts *Options) *cobra.Command {
	return newHistoryCommand(opts, "undo", "Revert the last layer edit")
}

// newRedoCommand creates the "redo" command.
func newRedoCommand(opts *Options) *cobra.Command {
	return newHistoryCommand(opts, "redo", "Re-apply the last undone layer edit")
}

func newHistoryCommand(opts *Options, use, short string) *cobra.Command {
	var rev int64
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sessionID, err := requireSession(opts)
			if err != nil {
				return err
			}
			svc, err := openService(opts, cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			step := svc.Undo
			if use == "redo" {
				step = svc.Redo
			}
			ws, err := step(cmd.Context(), sessionID, rev)
			if err != nil {
				return err
			}
			LoggerFromContext(cmd.Context()).Info(use+" applied", "session", sessionID, "revision", ws.Revision,
				"undo", len(ws.History.Past), "redo", len(ws.History.Future))
			return printEdited(cmd, opts, ws)
		},
	}
	addRevisionFlag(cmd, &rev)
	return cmd
}
