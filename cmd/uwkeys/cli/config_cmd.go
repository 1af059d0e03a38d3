package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage uwkeys configuration",
		Long:  "Initialize a default configuration file or display the current effective configuration.",
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

// ---------- config init ----------

func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a default uwkeys.yaml configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigInit(force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing config file")

	return cmd
}

const defaultConfig = `# uwkeys Configuration
# https://github.com/Ubiwhere/uw-api-keys

server:
  host: 0.0.0.0
  port: 8080
  base_url: ""          # external URL used in the OpenAPI document
  shutdown_timeout: 30s
  cors_origins:
    - "*"
  verify_rate_per_min: 0  # 0 disables per-key rate limiting on /verify
  login_rate_per_min: 10

# Key format and issuance
keys:
  prefix: default       # leading segment of issued keys: <prefix>_<id>_<secret>
  secret_bytes: 32
  expiry: 0             # default TTL for new keys, 0 means no expiry

# Authentication
auth:
  header: X-API-Key
  allow_query_param: false  # keys in URLs end up in logs, leave off
  jwt_secret: ""            # set via UWKEYS_AUTH_JWT_SECRET env var
  lookup_timeout: 3s
  token_ttl: 24h

# Asynchronous usage logging
usage:
  enabled: true
  buffer: 1024
  drop_oldest: false    # when the buffer is full, drop new events (default) or oldest

# Resource catalog
# List protected resource types and their operations:
registry:
  file: ""
  # resources:
  #   - resource_type: invoice
  #     operations: [create, read, update, delete]
  #   - resource_type: report
  #     operations: [read]

# SQLite store (holds API keys, scopes, admins, usage log)
store:
  dsn: ""               # defaults to <data-dir>/uwkeys.db
`

func runConfigInit(force bool) error {
	path := "uwkeys.yaml"

	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}

	if err := os.WriteFile(path, []byte(defaultConfig), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Created %s\n", path)
	fmt.Println("Edit the file to declare your resource catalog, then run 'uwkeys serve'.")
	return nil
}

// ---------- config show ----------

func newConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the current effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow()
		},
	}

	return cmd
}

func runConfigShow() error {
	// Ensure config is loaded
	initConfig()

	configFile := viper.ConfigFileUsed()
	if configFile != "" {
		fmt.Printf("Config file: %s\n", configFile)
	} else {
		fmt.Println("Config file: (none found, using defaults)")
	}
	fmt.Println()

	settings := viper.AllSettings()
	if len(settings) == 0 {
		fmt.Println("No configuration settings loaded.")
		fmt.Println("Run 'uwkeys config init' to create a default configuration file.")
		return nil
	}

	for key, value := range settings {
		fmt.Printf("  %s: %v\n", key, value)
	}

	return nil
}
