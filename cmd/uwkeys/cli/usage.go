package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ubiwhere/uw-api-keys/internal/model"
)

func newUsageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Inspect the key usage log",
		Long:  "List and prune the usage events recorded for every verification and authorization decision.",
	}

	cmd.AddCommand(newUsageListCmd())
	cmd.AddCommand(newUsagePruneCmd())

	return cmd
}

// ---------- usage list ----------

func newUsageListCmd() *cobra.Command {
	var (
		keyIdentifier string
		resourceType  string
		outcome       string
		since         string
		limit         int
		jsonOutput    bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List usage events, newest first",
		Example: `  uwkeys usage list --key a1b2c3d4e5f60718
  uwkeys usage list --outcome denied --since 2026-08-01T00:00:00Z`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUsageList(keyIdentifier, resourceType, outcome, since, limit, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&keyIdentifier, "key", "", "Filter by key identifier")
	cmd.Flags().StringVar(&resourceType, "resource", "", "Filter by resource type")
	cmd.Flags().StringVar(&outcome, "outcome", "", "Filter by outcome (allowed, denied, invalid_key)")
	cmd.Flags().StringVar(&since, "since", "", "Only events at or after this RFC3339 timestamp")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of events")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runUsageList(keyIdentifier, resourceType, outcome, since string, limit int, jsonOutput bool) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	filter := model.UsageFilter{
		KeyIdentifier: keyIdentifier,
		ResourceType:  resourceType,
		Outcome:       model.Outcome(outcome),
		Limit:         limit,
	}
	if since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return fmt.Errorf("invalid --since timestamp: %w", err)
		}
		filter.Since = t
	}

	ctx := context.Background()
	events, err := st.ListUsage(ctx, filter)
	if err != nil {
		return fmt.Errorf("list usage: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(events)
	}

	if len(events) == 0 {
		fmt.Println("No usage events match.")
		return nil
	}

	fmt.Printf("%-20s %-18s %-12s %-8s %-12s %s\n", "OCCURRED", "KEY", "RESOURCE", "OP", "OUTCOME", "ENDPOINT")
	fmt.Printf("%-20s %-18s %-12s %-8s %-12s %s\n", "--------", "---", "--------", "--", "-------", "--------")
	for _, ev := range events {
		fmt.Printf("%-20s %-18s %-12s %-8s %-12s %s\n",
			ev.OccurredAt.Format("2006-01-02 15:04:05"),
			ev.KeyIdentifier,
			ev.ResourceType,
			ev.Operation,
			ev.Outcome,
			ev.Endpoint,
		)
	}

	return nil
}

// ---------- usage prune ----------

func newUsagePruneCmd() *cobra.Command {
	var olderThanDays int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete usage events older than a cutoff",
		Example: `  uwkeys usage prune --older-than-days 90`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUsagePrune(olderThanDays)
		},
	}

	cmd.Flags().IntVar(&olderThanDays, "older-than-days", 0, "Delete events older than this many days (required)")
	cmd.MarkFlagRequired("older-than-days")

	return cmd
}

func runUsagePrune(olderThanDays int) error {
	if olderThanDays <= 0 {
		return fmt.Errorf("--older-than-days must be positive")
	}

	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	before := time.Now().AddDate(0, 0, -olderThanDays)
	deleted, err := st.PruneUsage(context.Background(), before)
	if err != nil {
		return fmt.Errorf("prune usage: %w", err)
	}

	fmt.Printf("Deleted %d usage events older than %s\n", deleted, before.Format(time.RFC3339))
	return nil
}
