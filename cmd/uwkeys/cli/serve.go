package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Ubiwhere/uw-api-keys/internal/server"
	"github.com/Ubiwhere/uw-api-keys/internal/service"
	"github.com/Ubiwhere/uw-api-keys/internal/usagelog"
)

func newServeCmd() *cobra.Command {
	var (
		port int
		host string
		dev  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the key verification server",
		Long:  "Start the HTTP server that exposes key verification, the forward-auth gate, and the management API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(host, port, dev)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "HTTP listen port")
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (verbose logging)")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

func runServe(host string, port int, dev bool) error {
	logLevel := slog.LevelInfo
	if dev {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	logger.Info("store initialized", "data_dir", resolveDataDir())

	codec, err := newCodec()
	if err != nil {
		return fmt.Errorf("key codec: %w", err)
	}

	registry, err := loadRegistry()
	if err != nil {
		return err
	}
	if len(registry.Entries()) == 0 {
		logger.Warn("resource registry is empty - every gate check will deny; set registry.file")
	}

	usageCfg := usagelog.DefaultConfig()
	if viper.IsSet("usage.enabled") {
		usageCfg.Enabled = viper.GetBool("usage.enabled")
	}
	if n := viper.GetInt("usage.buffer"); n > 0 {
		usageCfg.BufferSize = n
	}
	usageCfg.DropOldest = viper.GetBool("usage.drop_oldest")
	usage := usagelog.New(usageCfg, st, logger)
	usage.Start()

	jwtSecret := viper.GetString("auth.jwt_secret")
	if jwtSecret == "" {
		jwtSecret = "uwkeys-dev-secret-change-me"
		logger.Warn("auth.jwt_secret not set, using development default")
	}

	authSvc := service.NewAuthService(st, codec, usage, logger, service.Options{
		LookupTimeout: viper.GetDuration("auth.lookup_timeout"),
		DefaultKeyTTL: viper.GetDuration("keys.expiry"),
		JWTSecret:     jwtSecret,
		TokenTTL:      viper.GetDuration("auth.token_ttl"),
	})

	hasAdmin, err := st.HasAnyAdmin(context.Background())
	if err != nil {
		logger.Warn("failed to check for admin", "error", err)
	}
	if !hasAdmin {
		logger.Warn("no admin account found - run: uwkeys admin create")
	}

	srvCfg := server.DefaultConfig()
	srvCfg.Host = host
	srvCfg.Port = port
	srvCfg.BaseURL = viper.GetString("server.base_url")
	if h := viper.GetString("auth.header"); h != "" {
		srvCfg.KeyHeader = h
	}
	srvCfg.AllowQueryParam = viper.GetBool("auth.allow_query_param")
	if origins := viper.GetStringSlice("server.cors_origins"); len(origins) > 0 {
		srvCfg.CORSOrigins = origins
	}
	if n := viper.GetInt("server.verify_rate_per_min"); n > 0 {
		srvCfg.VerifyRatePerMin = n
	}
	if viper.IsSet("server.login_rate_per_min") {
		srvCfg.LoginRatePerMin = viper.GetInt("server.login_rate_per_min")
	}
	if d := viper.GetDuration("server.shutdown_timeout"); d > 0 {
		srvCfg.ShutdownTimeout = d
	} else {
		srvCfg.ShutdownTimeout = 30 * time.Second
	}

	srv := server.New(srvCfg, st, authSvc, registry, usage, logger)

	fmt.Printf("→ uwkeys listening on http://%s:%d\n", host, port)
	fmt.Printf("→ OpenAPI:  http://%s:%d/openapi.json\n", host, port)
	fmt.Printf("→ Health:   http://%s:%d/healthz\n", host, port)
	fmt.Printf("→ Resource types: %d\n", len(registry.Entries()))
	fmt.Println()

	return srv.ListenAndServe()
}
