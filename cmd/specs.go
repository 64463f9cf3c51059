package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/portside-io/portside/internal/config"
	"github.com/portside-io/portside/internal/params"
)

var specsCmd = &cobra.Command{
	Use:   "specs",
	Short: "Validate the spec file and list the declared specs",
	RunE:  runSpecs,
}

func init() {
	rootCmd.AddCommand(specsCmd)
}

func runSpecs(cmd *cobra.Command, args []string) error {
	store, err := config.LoadSpecs(cfg.SpecsFile)
	if err != nil {
		return err
	}

	for _, sp := range store.AllSpecs() {
		fmt.Fprintf(cmd.OutOrStdout(), "%s", sp.ID)
		if sp.DisplayName != "" {
			fmt.Fprintf(cmd.OutOrStdout(), " (%s)", sp.DisplayName)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\n  containers: %d\n", len(sp.Containers))

		if sp.Parameters == nil {
			continue
		}
		allowed := params.AllowedForUser(sp)
		ids := make([]string, 0, len(allowed.Values))
		for id := range allowed.Values {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Fprintf(cmd.OutOrStdout(), "  parameter %s:", id)
			for _, vc := range allowed.Values[id] {
				fmt.Fprintf(cmd.OutOrStdout(), " %d=%s", vc.Code, vc.Value)
			}
			fmt.Fprintln(cmd.OutOrStdout())
		}
		fmt.Fprintf(cmd.OutOrStdout(), "  allowed combinations: %d\n", len(allowed.Combinations))
	}
	return nil
}
