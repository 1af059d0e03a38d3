package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/Ubiwhere/uw-api-keys/internal/keycodec"
	"github.com/Ubiwhere/uw-api-keys/internal/model"
	"github.com/Ubiwhere/uw-api-keys/internal/scope"
	"github.com/Ubiwhere/uw-api-keys/internal/store"
)

// dataDir holds the --data-dir persistent flag value (set on root command).
var dataDir string

// resolveDataDir returns the data directory from the --data-dir flag,
// the UWKEYS_DATA_DIR env var, or ~/.uwkeys as fallback.
func resolveDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	if envDir := os.Getenv("UWKEYS_DATA_DIR"); envDir != "" {
		return envDir
	}
	home, _ := os.UserHomeDir()
	return home + "/.uwkeys"
}

// openStore opens the backing store: the configured DSN if one is set
// (store.dsn, e.g. postgres://...), otherwise SQLite under the data dir.
func openStore() (*store.Store, error) {
	if dsn := viper.GetString("store.dsn"); dsn != "" {
		return store.Open(dsn)
	}
	return store.New(resolveDataDir())
}

// newCodec builds the key codec from configuration.
func newCodec() (*keycodec.Codec, error) {
	prefix := viper.GetString("keys.prefix")
	if prefix == "" {
		prefix = keycodec.DefaultPrefix
	}
	secretBytes := viper.GetInt("keys.secret_bytes")
	if secretBytes == 0 {
		secretBytes = keycodec.MinSecretBytes
	}
	return keycodec.New(prefix, secretBytes)
}

// loadRegistry loads the resource catalog from the configured YAML file.
// With no file configured, the catalog is empty: keys can be issued but no
// scope grant validates and every gate check denies.
func loadRegistry() (*scope.Registry, error) {
	path := viper.GetString("registry.file")
	if path == "" {
		return scope.NewRegistry(), nil
	}
	reg, err := scope.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load resource registry %s: %w", path, err)
	}
	return reg, nil
}

// parseScopeArg parses a --scope argument of the form
// "resourceType:op1,op2" into its parts.
func parseScopeArg(arg string) (string, model.OpSet, error) {
	parts := strings.SplitN(arg, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", 0, fmt.Errorf("invalid scope %q, want resource_type:op1,op2", arg)
	}
	ops, err := model.ParseOpSet(strings.Split(parts[1], ","))
	if err != nil {
		return "", 0, fmt.Errorf("invalid scope %q: %w", arg, err)
	}
	return parts[0], ops, nil
}

// validateGrant checks a grant against the catalog when one is configured.
// An empty catalog skips validation so keys can be managed before the
// registry file exists.
func validateGrant(reg *scope.Registry, resourceType string, ops model.OpSet) error {
	if len(reg.Entries()) == 0 {
		return nil
	}
	if !reg.IsRegistered(resourceType) {
		return fmt.Errorf("unknown resource type %q", resourceType)
	}
	for _, op := range ops.Operations() {
		if !reg.IsValidOperation(resourceType, op) {
			return fmt.Errorf("operation %s not supported on %q", op, resourceType)
		}
	}
	return nil
}
