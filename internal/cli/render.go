package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tattester/forgectl/internal/engine"
	"github.com/tattester/forgectl/internal/studio"
)

// newRenderCommand creates the "render" subcommand that flattens a session into an image.
func newRenderCommand(opts *Options) *cobra.Command {
	var (
		req        studio.RenderRequest
		format     string
		onlyLayers string
		skipLayers string
	)

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Composite the session's visible layers into a PNG or JPEG",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := LoggerFromContext(cmd.Context())
			sessionID, err := requireSession(opts)
			if err != nil {
				return err
			}
			if format != "" {
				if req.Format, err = engine.ParseFormat(format); err != nil {
					return err
				}
			}
			req.Only = parseNameList(onlyLayers)
			req.Skip = parseNameList(skipLayers)

			svc, err := openService(opts, cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			data, f, err := svc.Render(cmd.Context(), sessionID, req)
			if err != nil {
				return err
			}
			path, err := writeImage(cmd, data, sessionID+"."+string(f))
			if err != nil || path == "" {
				return err
			}
			logger.Info("rendered design", "session", sessionID, "path", path, "format", f, "bytes", len(data))
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "", "Image format (png, jpeg); defaults to export.format")
	cmd.Flags().Float64Var(&req.Quality, "quality", 0, "Encoder quality in (0,1]; defaults to export.quality")
	cmd.Flags().IntVar(&req.Width, "width", 0, "Output width; defaults to the session canvas")
	cmd.Flags().IntVar(&req.Height, "height", 0, "Output height; defaults to the session canvas")
	addRenderFilterFlags(cmd, &onlyLayers, &skipLayers)
	addImageOutputFlags(cmd)

	return cmd
}

// newExportARCommand creates the "export-ar" subcommand that writes the square transparent AR asset.
func newExportARCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export-ar",
		Short: "Export the session as a square transparent PNG for AR preview",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := LoggerFromContext(cmd.Context())
			sessionID, err := requireSession(opts)
			if err != nil {
				return err
			}
			svc, err := openService(opts, cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			data, err := svc.ExportAR(cmd.Context(), sessionID)
			if err != nil {
				return err
			}
			path, err := writeImage(cmd, data, sessionID+"-ar.png")
			if err != nil || path == "" {
				return err
			}
			logger.Info("exported ar asset", "session", sessionID, "path", path, "side", svc.Config.Canvas.ARTargetSide)
			return nil
		},
	}
	addImageOutputFlags(cmd)
	return cmd
}

func addImageOutputFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("dir", "d", "", "Output directory (if empty, writes the image to stdout)")
	cmd.Flags().Bool("stdout", false, "Force output to stdout instead of a file")
}

// writeImage writes data to --dir/name, or to stdout when no directory is set.
// It returns the written path, which is empty for stdout.
func writeImage(cmd *cobra.Command, data []byte, name string) (string, error) {
	outputDir := cmd.Flag("dir").Value.String()
	toStdout, _ := cmd.Flags().GetBool("stdout")

	if outputDir == "" || toStdout {
		_, writeErr := cmd.OutOrStdout().Write(data)
		return "", writeErr
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory %q: %w", outputDir, err)
	}

	outPath := filepath.Join(outputDir, name)
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return "", fmt.Errorf("write image to %q: %w", outPath, err)
	}
	return outPath, nil
}
