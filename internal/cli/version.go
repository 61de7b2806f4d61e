package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tattester/forgectl/internal/studio"
	"github.com/tattester/forgectl/internal/version"
)

// newVersionCommand creates the "version" group for the session's saved snapshots.
func newVersionCommand(opts *Options) *cobra.Command {
	return newGroupCommand("version", "Save, branch, compare and merge design versions",
		newVersionSaveCommand(opts),
		newVersionListCommand(opts),
		newVersionRemoveCommand(opts),
		newVersionFavoriteCommand(opts),
		newVersionBranchCommand(opts),
		newVersionCompareCommand(opts),
		newVersionMergeCommand(opts),
		newVersionTimelineCommand(opts),
		newVersionCheckoutCommand(opts),
		newVersionClearCommand(opts),
		newVersionPurgeCommand(opts),
	)
}

// withSession runs fn with an open service for the selected session.
func withSession(opts *Options, cmd *cobra.Command, fn func(svc *studio.Service, sessionID string) error) error {
	sessionID, err := requireSession(opts)
	if err != nil {
		return err
	}
	svc, err := openService(opts, cmd)
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(svc, sessionID)
}

func versionWriteOptions(rev int64) []version.WriteOption {
	if rev == studio.AnyRevision {
		return nil
	}
	return []version.WriteOption{version.IfRevision(rev)}
}

func newVersionSaveCommand(opts *Options) *cobra.Command {
	var (
		req       studio.SaveRequest
		vibeChips string
	)
	cmd := &cobra.Command{
		Use:   "save",
		Short: "Save the current layers as a new version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			req.Parameters.VibeChips = parseNameList(vibeChips)
			return withSession(opts, cmd, func(svc *studio.Service, sessionID string) error {
				v, err := svc.SaveVersion(cmd.Context(), sessionID, req)
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), opts.Output, v, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "%s (v%d)\n", v.ID, v.VersionNumber)
					return err
				})
			})
		},
	}
	cmd.Flags().StringVarP(&req.Prompt, "prompt", "p", "", "Prompt that produced the design")
	cmd.Flags().StringVar(&req.EnhancedPrompt, "enhanced-prompt", "", "Enhanced prompt sent to the generator")
	cmd.Flags().StringVar(&req.ImageURL, "image-url", "", "Flattened preview of the version")
	cmd.Flags().BoolVar(&req.Flatten, "flatten", false, "Store a PNG composite as the preview when --image-url is empty")
	cmd.Flags().BoolVar(&req.IsFavorite, "favorite", false, "Mark the version as a favourite")
	cmd.Flags().StringVar(&req.Parameters.Size, "size", "", "Generation size")
	cmd.Flags().StringVar(&req.Parameters.AIModel, "ai-model", "", "Generation model")
	cmd.Flags().StringVar(&req.Parameters.NegativePrompt, "negative-prompt", "", "Negative prompt")
	cmd.Flags().StringVar(&req.Parameters.EnhancementLevel, "enhancement-level", "", "Prompt enhancement level")
	cmd.Flags().StringVar(&req.Parameters.BodyPart, "body-part", "", "Placement; defaults to the session canvas")
	cmd.Flags().StringVar(&vibeChips, "vibe-chips", "", "Style chips (comma-separated)")
	return cmd
}

func newVersionListCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List the session's versions, oldest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(opts, cmd, func(svc *studio.Service, sessionID string) error {
				h, err := svc.Versions.Load(cmd.Context(), sessionID)
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), opts.Output, h, func(w io.Writer) error {
					return printVersions(w, h.Versions)
				})
			})
		},
	}
}

func printVersions(w io.Writer, versions []version.Version) error {
	rows := make([][]string, 0, len(versions))
	for _, v := range versions {
		fav := ""
		if v.IsFavorite {
			fav = "*"
		}
		origin := ""
		switch {
		case v.BranchedFrom != nil:
			origin = fmt.Sprintf("branch of %s/v%d", v.BranchedFrom.SessionID, v.BranchedFrom.VersionNumber)
		case v.MergedFrom != nil:
			origin = fmt.Sprintf("merge of %s+%s", v.MergedFrom.Version1, v.MergedFrom.Version2)
		}
		rows = append(rows, []string{
			strconv.Itoa(v.VersionNumber),
			v.ID,
			fav,
			strconv.Itoa(len(v.Layers)),
			v.Timestamp.Local().Format(time.DateTime),
			origin,
		})
	}
	return printTable(w, []string{"#", "ID", "FAV", "LAYERS", "SAVED", "ORIGIN"}, rows)
}

func newVersionRemoveCommand(opts *Options) *cobra.Command {
	var rev int64
	cmd := &cobra.Command{
		Use:     "rm <version-id>",
		Aliases: []string{"remove"},
		Short:   "Delete a version; other version numbers are kept",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(opts, cmd, func(svc *studio.Service, sessionID string) error {
				remaining, err := svc.Versions.Delete(cmd.Context(), sessionID, args[0], versionWriteOptions(rev)...)
				if err != nil {
					return err
				}
				LoggerFromContext(cmd.Context()).Info("version deleted", "session", sessionID, "version", args[0], "remaining", len(remaining))
				return nil
			})
		},
	}
	addRevisionFlag(cmd, &rev)
	return cmd
}

func newVersionFavoriteCommand(opts *Options) *cobra.Command {
	var rev int64
	cmd := &cobra.Command{
		Use:     "favorite <version-id>",
		Aliases: []string{"fav"},
		Short:   "Toggle the favourite flag of a version",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(opts, cmd, func(svc *studio.Service, sessionID string) error {
				v, ok, err := svc.Versions.ToggleFavorite(cmd.Context(), sessionID, args[0], versionWriteOptions(rev)...)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("version %q: %w", args[0], studio.ErrVersionNotFound)
				}
				LoggerFromContext(cmd.Context()).Info("favourite toggled", "session", sessionID, "version", v.ID, "favorite", v.IsFavorite)
				return nil
			})
		},
	}
	addRevisionFlag(cmd, &rev)
	return cmd
}

func newVersionBranchCommand(opts *Options) *cobra.Command {
	var checkout bool
	cmd := &cobra.Command{
		Use:   "branch <version-id>",
		Short: "Fork a version into a new session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(opts, cmd, func(svc *studio.Service, sessionID string) error {
				b, ok, err := svc.Versions.Branch(cmd.Context(), sessionID, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("version %q: %w", args[0], studio.ErrVersionNotFound)
				}
				if checkout {
					if _, err := svc.Checkout(cmd.Context(), b.SessionID, b.SessionID, b.Version.ID, studio.AnyRevision); err != nil {
						return err
					}
				}
				LoggerFromContext(cmd.Context()).Info("branch created", "session", sessionID, "branch", b.SessionID, "checkout", checkout)
				return printResult(cmd.OutOrStdout(), opts.Output, b, func(w io.Writer) error {
					_, err := fmt.Fprintln(w, b.SessionID)
					return err
				})
			})
		},
	}
	cmd.Flags().BoolVar(&checkout, "checkout", false, "Load the branch's layers into a workspace for the new session")
	return cmd
}

func newVersionCompareCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "compare <version-id> <version-id>",
		Short: "Diff two versions",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(opts, cmd, func(svc *studio.Service, sessionID string) error {
				c, ok, err := svc.Versions.Compare(cmd.Context(), sessionID, args[0], args[1])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("compare %s and %s: %w", args[0], args[1], studio.ErrVersionNotFound)
				}
				return printResult(cmd.OutOrStdout(), opts.Output, c, func(w io.Writer) error {
					d := c.Differences
					fmt.Fprintf(w, "Similarity: %d%%\n", c.SimilarityScore)
					fmt.Fprintf(w, "Time apart: %s\n", time.Duration(c.TimeDifference)*time.Millisecond)
					return printTable(w, []string{"FIELD", "CHANGED"}, [][]string{
						{"prompt", strconv.FormatBool(d.Prompt)},
						{"enhancedPrompt", strconv.FormatBool(d.EnhancedPrompt)},
						{"parameters", strconv.FormatBool(d.Parameters)},
						{"layerCount", strconv.FormatBool(d.LayerCount)},
						{"imageUrl", strconv.FormatBool(d.ImageURL)},
					})
				})
			})
		},
	}
}

func newVersionMergeCommand(opts *Options) *cobra.Command {
	var (
		from1, from2 string
		prompt       string
		rev          int64
	)
	cmd := &cobra.Command{
		Use:   "merge <version-id> <version-id>",
		Short: "Combine layers of two versions into a new version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx1, err := parseIndexList(from1)
			if err != nil {
				return err
			}
			idx2, err := parseIndexList(from2)
			if err != nil {
				return err
			}
			mo := version.MergeOptions{LayersFromVersion1: idx1, LayersFromVersion2: idx2}
			if cmd.Flags().Changed("prompt") {
				mo.Prompt = &prompt
			}
			return withSession(opts, cmd, func(svc *studio.Service, sessionID string) error {
				v, ok, err := svc.Versions.Merge(cmd.Context(), sessionID, args[0], args[1], mo, versionWriteOptions(rev)...)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("merge %s and %s: %w", args[0], args[1], studio.ErrVersionNotFound)
				}
				return printResult(cmd.OutOrStdout(), opts.Output, v, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "%s (v%d, %d layers)\n", v.ID, v.VersionNumber, len(v.Layers))
					return err
				})
			})
		},
	}
	cmd.Flags().StringVar(&from1, "layers1", "", "Layer indices to take from the first version (comma-separated)")
	cmd.Flags().StringVar(&from2, "layers2", "", "Layer indices to take from the second version (comma-separated)")
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "Prompt of the merged version; defaults to the first version's")
	addRevisionFlag(cmd, &rev)
	return cmd
}

func newVersionTimelineCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "timeline",
		Short: "Show a summary of every version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(opts, cmd, func(svc *studio.Service, sessionID string) error {
				entries, err := svc.Versions.Timeline(cmd.Context(), sessionID)
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), opts.Output, entries, func(w io.Writer) error {
					rows := make([][]string, 0, len(entries))
					for _, e := range entries {
						fav := ""
						if e.IsFavorite {
							fav = "*"
						}
						rows = append(rows, []string{
							strconv.Itoa(e.VersionNumber),
							e.Timestamp.Local().Format(time.DateTime),
							fav,
							strconv.Itoa(e.LayerCount),
							e.PromptPreview,
						})
					}
					return printTable(w, []string{"#", "SAVED", "FAV", "LAYERS", "PROMPT"}, rows)
				})
			})
		},
	}
}

func newVersionCheckoutCommand(opts *Options) *cobra.Command {
	var (
		from string
		rev  int64
	)
	cmd := &cobra.Command{
		Use:   "checkout <version-id>",
		Short: "Replace the session's layers with a version's layers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(opts, cmd, func(svc *studio.Service, sessionID string) error {
				ws, err := svc.Checkout(cmd.Context(), sessionID, from, args[0], rev)
				if err != nil {
					return err
				}
				LoggerFromContext(cmd.Context()).Info("version checked out", "session", sessionID, "version", args[0], "revision", ws.Revision)
				return printEdited(cmd, opts, ws)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Session that owns the version (default: the selected session)")
	addRevisionFlag(cmd, &rev)
	return cmd
}

func newVersionClearCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete every version of the session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(opts, cmd, func(svc *studio.Service, sessionID string) error {
				if err := svc.Versions.Clear(cmd.Context(), sessionID); err != nil {
					return err
				}
				LoggerFromContext(cmd.Context()).Info("version history cleared", "session", sessionID)
				return nil
			})
		},
	}
}

func newVersionPurgeCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Drop version histories of every session idle past versions.expiryDays",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := openService(opts, cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			removed, err := svc.Versions.PurgeExpired(cmd.Context())
			if err != nil {
				return err
			}
			LoggerFromContext(cmd.Context()).Info("expired version histories purged", "removed", removed,
				"expiry", svc.Config.Versions.Expiry())
			return nil
		},
	}
}
