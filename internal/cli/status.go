package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/tattester/forgectl/internal/canvas"
	"github.com/tattester/forgectl/internal/studio"
)

type sessionStatus struct {
	SessionID string         `json:"sessionId" yaml:"sessionId"`
	Revision  int64          `json:"revision" yaml:"revision"`
	Layers    int            `json:"layers" yaml:"layers"`
	Visible   int            `json:"visible" yaml:"visible"`
	Selected  string         `json:"selected,omitempty" yaml:"selected,omitempty"`
	Canvas    canvas.State   `json:"canvas" yaml:"canvas"`
	Undo      int            `json:"undo" yaml:"undo"`
	Redo      int            `json:"redo" yaml:"redo"`
	Versions  int            `json:"versions" yaml:"versions"`
	Favorites int            `json:"favorites" yaml:"favorites"`
	UpdatedAt time.Time      `json:"updatedAt" yaml:"updatedAt"`
	Latest    *latestVersion `json:"latestVersion,omitempty" yaml:"latestVersion,omitempty"`
}

type latestVersion struct {
	ID            string    `json:"id" yaml:"id"`
	VersionNumber int       `json:"versionNumber" yaml:"versionNumber"`
	Timestamp     time.Time `json:"timestamp" yaml:"timestamp"`
}

// newStatusCommand creates the "status" subcommand that summarises a session.
func newStatusCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show layers, history depth and versions of the selected session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(opts, cmd, func(svc *studio.Service, sessionID string) error {
				ws, err := svc.View(cmd.Context(), sessionID)
				if err != nil {
					return err
				}
				versions, err := svc.Versions.List(cmd.Context(), sessionID)
				if err != nil {
					return err
				}

				st := sessionStatus{
					SessionID: ws.SessionID,
					Revision:  ws.Revision,
					Layers:    len(ws.Layers),
					Selected:  ws.SelectedLayerID,
					Canvas:    ws.Canvas,
					Undo:      len(ws.History.Past),
					Redo:      len(ws.History.Future),
					Versions:  len(versions),
					UpdatedAt: ws.UpdatedAt,
				}
				for _, l := range ws.Layers {
					if l.Visible {
						st.Visible++
					}
				}
				for _, v := range versions {
					if v.IsFavorite {
						st.Favorites++
					}
				}
				if n := len(versions); n > 0 {
					last := versions[n-1]
					st.Latest = &latestVersion{ID: last.ID, VersionNumber: last.VersionNumber, Timestamp: last.Timestamp}
				}

				return printResult(cmd.OutOrStdout(), opts.Output, st, func(w io.Writer) error {
					fmt.Fprintf(w, "Session:   %s (revision %d, updated %s)\n", st.SessionID, st.Revision, st.UpdatedAt.Local().Format(time.DateTime))
					fmt.Fprintf(w, "Canvas:    %s %dx%d\n", st.Canvas.BodyPart, st.Canvas.Width, st.Canvas.Height)
					fmt.Fprintf(w, "Layers:    %d (%d visible)\n", st.Layers, st.Visible)
					fmt.Fprintf(w, "History:   %d undo, %d redo\n", st.Undo, st.Redo)
					fmt.Fprintf(w, "Versions:  %d (%d favourite)\n", st.Versions, st.Favorites)
					if st.Latest != nil {
						fmt.Fprintf(w, "Latest:    v%d %s\n", st.Latest.VersionNumber, st.Latest.ID)
					}
					return nil
				})
			})
		},
	}
}
