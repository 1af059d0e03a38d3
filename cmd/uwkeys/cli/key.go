package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ubiwhere/uw-api-keys/internal/model"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Manage API keys",
		Long:    "Create, list, revoke, and re-scope the API keys used to authenticate callers.",
	}

	cmd.AddCommand(newKeyCreateCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyRevokeCmd())
	cmd.AddCommand(newKeyGrantCmd())
	cmd.AddCommand(newKeyUngrantCmd())

	return cmd
}

// ---------- key create ----------

func newKeyCreateCmd() *cobra.Command {
	var (
		owner     string
		label     string
		expiresIn time.Duration
		scopes    []string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new API key",
		Long:  "Generate a new API key. The plaintext is shown once and cannot be retrieved again.",
		Example: `  uwkeys key create --owner svc-billing --label "CI pipeline"
  uwkeys key create --owner svc-ingest --scope sensor:read,create --scope report:read
  uwkeys key create --owner contractor-acme --expires-in 720h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyCreate(owner, label, expiresIn, scopes)
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner of the key (required)")
	cmd.Flags().StringVar(&label, "label", "", "Human-readable label for the key")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "Key lifetime (e.g. 720h); 0 uses keys.expiry from config")
	cmd.Flags().StringArrayVar(&scopes, "scope", nil, "Initial scope as resource_type:op1,op2 (repeatable)")
	cmd.MarkFlagRequired("owner")

	return cmd
}

func runKeyCreate(owner, label string, expiresIn time.Duration, scopeArgs []string) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	codec, err := newCodec()
	if err != nil {
		return fmt.Errorf("key codec: %w", err)
	}
	registry, err := loadRegistry()
	if err != nil {
		return err
	}

	// Validate every grant before creating anything.
	grants := make(map[string]model.OpSet, len(scopeArgs))
	for _, arg := range scopeArgs {
		rt, ops, err := parseScopeArg(arg)
		if err != nil {
			return err
		}
		if err := validateGrant(registry, rt, ops); err != nil {
			return err
		}
		grants[rt] = grants[rt].Union(ops)
	}

	gen, err := codec.Generate()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	var expiresAt *time.Time
	if expiresIn > 0 {
		t := time.Now().Add(expiresIn)
		expiresAt = &t
	}

	ctx := context.Background()
	key := &model.APIKey{
		Identifier: gen.Identifier,
		Prefix:     codec.Prefix(),
		SecretHash: gen.SecretHash,
		Owner:      owner,
		Label:      label,
		IsActive:   true,
		ExpiresAt:  expiresAt,
	}
	if err := st.CreateAPIKeyWithScopes(ctx, key, grants); err != nil {
		return fmt.Errorf("create api key: %w", err)
	}

	fmt.Println("API key created:")
	fmt.Println()
	fmt.Printf("  Key:        %s\n", gen.Plaintext)
	fmt.Printf("  Identifier: %s\n", key.Identifier)
	fmt.Printf("  Owner:      %s\n", owner)
	if label != "" {
		fmt.Printf("  Label:      %s\n", label)
	}
	if expiresAt != nil {
		fmt.Printf("  Expires:    %s\n", expiresAt.Format(time.RFC3339))
	}
	for rt, ops := range grants {
		fmt.Printf("  Scope:      %s: %s\n", rt, ops)
	}
	fmt.Println()
	fmt.Println("  Save this key now - it cannot be retrieved again.")
	return nil
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyList(jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runKeyList(jsonOutput bool) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	keys, err := st.ListAPIKeys(ctx)
	if err != nil {
		return fmt.Errorf("list api keys: %w", err)
	}

	type keyRow struct {
		Identifier string   `json:"identifier"`
		Owner      string   `json:"owner"`
		Label      string   `json:"label"`
		Active     bool     `json:"active"`
		Expires    string   `json:"expires,omitempty"`
		Scopes     []string `json:"scopes"`
	}

	rows := make([]keyRow, len(keys))
	for i, k := range keys {
		scopes, err := st.GetScopes(ctx, k.ID)
		if err != nil {
			return fmt.Errorf("scopes for %s: %w", k.Identifier, err)
		}
		row := keyRow{
			Identifier: k.Identifier,
			Owner:      k.Owner,
			Label:      k.Label,
			Active:     k.IsActive,
			Scopes:     make([]string, 0, len(scopes)),
		}
		if k.ExpiresAt != nil {
			row.Expires = k.ExpiresAt.Format(time.RFC3339)
		}
		for _, s := range scopes {
			row.Scopes = append(row.Scopes, s.ResourceType+":"+s.Ops.String())
		}
		rows[i] = row
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	if len(rows) == 0 {
		fmt.Println("No API keys. Use 'uwkeys key create' to create one.")
		return nil
	}

	fmt.Printf("%-18s %-16s %-20s %-8s %s\n", "IDENTIFIER", "OWNER", "LABEL", "ACTIVE", "SCOPES")
	fmt.Printf("%-18s %-16s %-20s %-8s %s\n", "----------", "-----", "-----", "------", "------")
	for _, k := range rows {
		active := "yes"
		if !k.Active {
			active = "no"
		}
		fmt.Printf("%-18s %-16s %-20s %-8s %s\n", k.Identifier, k.Owner, k.Label, active, strings.Join(k.Scopes, " "))
	}

	return nil
}

// ---------- key revoke ----------

func newKeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <identifier>",
		Short: "Revoke an API key by its identifier",
		Long:  "Deactivate an API key. Revocation is permanent; the key's usage history stays intact.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyRevoke(args[0])
		},
	}

	return cmd
}

func runKeyRevoke(identifier string) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	key, err := st.GetAPIKeyByIdentifier(ctx, identifier)
	if err != nil {
		return fmt.Errorf("no API key with identifier %q", identifier)
	}

	if err := st.DeactivateAPIKey(ctx, key.ID); err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}

	fmt.Printf("Revoked API key %s\n", key.DisplayName())
	return nil
}

// ---------- key grant / ungrant ----------

func newKeyGrantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grant <identifier> <resource_type:ops>",
		Short: "Grant operations on a resource type to a key",
		Example: `  uwkeys key grant a1b2c3d4e5f60718 sensor:read,create
  uwkeys key grant a1b2c3d4e5f60718 report:read`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyGrant(args[0], args[1])
		},
	}

	return cmd
}

func runKeyGrant(identifier, scopeArg string) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	registry, err := loadRegistry()
	if err != nil {
		return err
	}
	rt, ops, err := parseScopeArg(scopeArg)
	if err != nil {
		return err
	}
	if err := validateGrant(registry, rt, ops); err != nil {
		return err
	}

	ctx := context.Background()
	key, err := st.GetAPIKeyByIdentifier(ctx, identifier)
	if err != nil {
		return fmt.Errorf("no API key with identifier %q", identifier)
	}
	if err := st.GrantScope(ctx, key.ID, rt, ops); err != nil {
		return fmt.Errorf("grant scope: %w", err)
	}

	fmt.Printf("Granted %s on %q to %s\n", ops, rt, key.DisplayName())
	return nil
}

func newKeyUngrantCmd() *cobra.Command {
	var opsArg string

	cmd := &cobra.Command{
		Use:   "ungrant <identifier> <resource_type>",
		Short: "Revoke operations on a resource type from a key",
		Long:  "Remove operations from a key's scope. Without --ops the whole grant on the resource type is removed.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyUngrant(args[0], args[1], opsArg)
		},
	}

	cmd.Flags().StringVar(&opsArg, "ops", "", "Comma-separated operations to remove (default: all)")

	return cmd
}

func runKeyUngrant(identifier, resourceType, opsArg string) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ops := model.OpSetAll
	if opsArg != "" {
		parsed, err := model.ParseOpSet(strings.Split(opsArg, ","))
		if err != nil {
			return err
		}
		ops = parsed
	}

	ctx := context.Background()
	key, err := st.GetAPIKeyByIdentifier(ctx, identifier)
	if err != nil {
		return fmt.Errorf("no API key with identifier %q", identifier)
	}
	if err := st.RevokeScope(ctx, key.ID, resourceType, ops); err != nil {
		return fmt.Errorf("revoke scope: %w", err)
	}

	fmt.Printf("Revoked %s on %q from %s\n", ops, resourceType, key.DisplayName())
	return nil
}
