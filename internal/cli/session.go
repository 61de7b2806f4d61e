package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tattester/forgectl/internal/canvas"
	"github.com/tattester/forgectl/internal/layer"
	"github.com/tattester/forgectl/internal/state"
)

// newSessionCommand creates the "session" group for creating, listing and removing design sessions.
func newSessionCommand(opts *Options) *cobra.Command {
	return newGroupCommand("session", "Manage design sessions",
		newSessionNewCommand(opts),
		newSessionListCommand(opts),
		newSessionShowCommand(opts),
		newSessionRemoveCommand(opts),
		newSessionGCCommand(opts),
	)
}

func newSessionNewCommand(opts *Options) *cobra.Command {
	var (
		bodyPart string
		longSide int
	)
	cmd := &cobra.Command{
		Use:   "new [session-id]",
		Short: "Create an empty design session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := LoggerFromContext(cmd.Context())
			svc, err := openService(opts, cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			id := opts.Session
			if len(args) == 1 {
				id = args[0]
			}
			c := svc.Workspaces.DefaultCanvas()
			if bodyPart != "" || longSide > 0 {
				if longSide <= 0 {
					longSide = svc.Config.Canvas.LongSide
				}
				if c, err = canvas.Resolve(bodyPart, longSide); err != nil {
					return err
				}
			}
			ws, err := svc.Create(cmd.Context(), id, c)
			if err != nil {
				return err
			}
			logger.Info("session created", "session", ws.SessionID, "bodyPart", ws.Canvas.BodyPart,
				"width", ws.Canvas.Width, "height", ws.Canvas.Height)
			return printResult(cmd.OutOrStdout(), opts.Output, ws, func(w io.Writer) error {
				_, err := fmt.Fprintln(w, ws.SessionID)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&bodyPart, "body-part", "", "Placement preset (forearm, chest, back, ...)")
	cmd.Flags().IntVar(&longSide, "long-side", 0, "Pixel length of the canvas' longer side")
	return cmd
}

func newSessionListCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List stored design sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := openService(opts, cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			list, err := svc.Workspaces.List(cmd.Context())
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), opts.Output, list, func(w io.Writer) error {
				return printSessions(w, list)
			})
		},
	}
}

func printSessions(w io.Writer, list []state.Summary) error {
	rows := make([][]string, 0, len(list))
	for _, s := range list {
		rows = append(rows, []string{
			s.SessionID,
			strconv.FormatInt(s.Revision, 10),
			strconv.Itoa(s.Layers),
			string(s.BodyPart),
			s.UpdatedAt.Local().Format(time.DateTime),
		})
	}
	return printTable(w, []string{"SESSION", "REVISION", "LAYERS", "BODY PART", "UPDATED"}, rows)
}

func newSessionShowCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the workspace of the selected session",
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
			return printResult(cmd.OutOrStdout(), opts.Output, ws, func(w io.Writer) error {
				return printWorkspace(w, ws)
			})
		},
	}
}

func newSessionRemoveCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:     "rm [session-id]",
		Aliases: []string{"remove"},
		Short:   "Delete a session's workspace and version history",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := LoggerFromContext(cmd.Context())
			sessionID := opts.Session
			if len(args) == 1 {
				sessionID = args[0]
			}
			if sessionID == "" {
				return fmt.Errorf("session id is required")
			}
			svc, err := openService(opts, cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			if err := svc.Remove(cmd.Context(), sessionID); err != nil {
				return err
			}
			logger.Info("session removed", "session", sessionID)
			return nil
		},
	}
}

func newSessionGCCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Remove expired version histories and idle workspaces",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := LoggerFromContext(cmd.Context())
			svc, err := openService(opts, cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			removed, err := svc.Purge(cmd.Context())
			if err != nil {
				return err
			}
			logger.Info("garbage collection finished", "removed", removed, "expiry", svc.Config.Versions.Expiry())
			return nil
		},
	}
}

func printWorkspace(w io.Writer, ws state.Workspace) error {
	fmt.Fprintf(w, "Session:   %s (revision %d)\n", ws.SessionID, ws.Revision)
	fmt.Fprintf(w, "Canvas:    %s %dx%d\n", ws.Canvas.BodyPart, ws.Canvas.Width, ws.Canvas.Height)
	fmt.Fprintf(w, "History:   %d undo, %d redo\n", len(ws.History.Past), len(ws.History.Future))
	if ws.SelectedLayerID != "" {
		fmt.Fprintf(w, "Selected:  %s\n", ws.SelectedLayerID)
	}
	fmt.Fprintln(w)
	return printLayers(w, ws.Layers, ws.SelectedLayerID)
}

func printLayers(w io.Writer, layers []layer.Layer, selected string) error {
	sorted := layer.Sorted(layers)
	rows := make([][]string, 0, len(sorted))
	for i := len(sorted) - 1; i >= 0; i-- {
		l := sorted[i]
		mark := ""
		if l.ID == selected {
			mark = "*"
		}
		visible := "yes"
		if !l.Visible {
			visible = "no"
		}
		t := l.Transform
		rows = append(rows, []string{
			mark + l.ID,
			l.Name,
			string(l.Type),
			strconv.Itoa(l.ZIndex),
			string(l.BlendMode),
			visible,
			fmt.Sprintf("x=%g y=%g sx=%g sy=%g r=%g", t.X, t.Y, t.ScaleX, t.ScaleY, t.Rotation),
		})
	}
	return printTable(w, []string{"ID", "NAME", "TYPE", "Z", "BLEND", "VISIBLE", "TRANSFORM"}, rows)
}
