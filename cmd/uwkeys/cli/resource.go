package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newResourceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "resource",
		Aliases: []string{"resources"},
		Short:   "Inspect the protected resource catalog",
	}

	cmd.AddCommand(newResourceListCmd())

	return cmd
}

func newResourceListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List registered resource types and their operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResourceList(jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runResourceList(jsonOutput bool) error {
	registry, err := loadRegistry()
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	entries := registry.Entries()

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	if len(entries) == 0 {
		fmt.Println("No resource types registered. Set registry.file in the configuration to load a catalog.")
		return nil
	}

	fmt.Printf("%-24s %s\n", "RESOURCE", "OPERATIONS")
	fmt.Printf("%-24s %s\n", "--------", "----------")
	for _, e := range entries {
		ops := make([]string, 0, len(e.Operations))
		for _, op := range e.Operations {
			ops = append(ops, string(op))
		}
		fmt.Printf("%-24s %s\n", e.ResourceType, strings.Join(ops, ","))
	}

	return nil
}
