package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"fragmesh/internal/host"
	"fragmesh/internal/manifest"

	"github.com/spf13/cobra"
)

// checkCmd resolves shared dependencies without fetching
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Dry-run shared dependency resolution for a manifest",
	Long: `Reserves every fragment's shared dependencies in manifest order against the
manifest's shared scope. Nothing is fetched. Exits non-zero on any conflict.`,
	RunE: runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	m, err := manifest.Load(manifestPath)
	if err != nil {
		return err
	}

	entries, checkErr := host.Check(m)

	out := cmd.OutOrStdout()
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DEP\tACTIVE\tCONSUMERS")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Dep, e.ActiveVersion, strings.Join(e.Consumers, ","))
	}
	tw.Flush()

	if checkErr != nil {
		return fmt.Errorf("%d fragments checked: %w", len(m.Fragments), checkErr)
	}
	fmt.Fprintf(out, "%d fragments, no conflicts\n", len(m.Fragments))
	return nil
}
