package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tattester/forgectl/internal/studio"
)

const (
	outputText = "text"
	outputJSON = "json"
	outputYAML = "yaml"
)

// newGroupCommand builds a cobra.Command that groups subcommands.
func newGroupCommand(use, short string, subcommands ...*cobra.Command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
	}
	if len(subcommands) > 0 {
		cmd.AddCommand(subcommands...)
	}
	return cmd
}

func addRenderFilterFlags(cmd *cobra.Command, onlyLayers, skipLayers *string) {
	cmd.Flags().StringVar(onlyLayers, "only-layers", "", "Composite only the selected layers (comma-separated ids)")
	cmd.Flags().StringVar(skipLayers, "skip-layers", "", "Leave out the selected layers (comma-separated ids)")
}

// addRevisionFlag registers --if-revision, which makes a write fail when the
// stored revision moved on.
func addRevisionFlag(cmd *cobra.Command, rev *int64) {
	cmd.Flags().Int64Var(rev, "if-revision", studio.AnyRevision, "Fail unless the stored revision matches (-1 disables the check)")
}

// printResult writes v in the requested output format. text falls back to the
// provided renderer, or to YAML when there is none.
func printResult(w io.Writer, format string, v any, text func(io.Writer) error) error {
	switch strings.ToLower(format) {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case outputText, "":
		if text == nil {
			return printResult(w, outputYAML, v, nil)
		}
		return text(w)
	default:
		return fmt.Errorf("unknown output format %q (use text, json or yaml)", format)
	}
}

// printTable renders rows with aligned columns.
func printTable(w io.Writer, header []string, rows [][]string) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

func parseIndexList(raw string) ([]int, error) {
	if strings.TrimSpace(raw) == "" {
		return []int{}, nil
	}
	var out []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid layer index %q", part)
		}
		out = append(out, n)
	}
	return out, nil
}
