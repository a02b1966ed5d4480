package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/creditgate/internal/daemon"
	"github.com/MarkoPoloResearchLab/creditgate/internal/httpapi"
	"github.com/MarkoPoloResearchLab/creditgate/internal/store/migrations"
)

const (
	envPrefix = "CREDITD"

	flagDatabaseURL       = "database-url"
	flagStore             = "store"
	flagAutoMigrate       = "auto-migrate"
	flagGRPCListenAddr    = "grpc-listen-addr"
	flagHTTPListenAddr    = "http-listen-addr"
	flagNotifyProvider    = "notify-provider"
	flagNATSURL           = "nats-url"
	flagNATSSubject       = "nats-subject"
	flagRedisAddr         = "redis-addr"
	flagRedisChannel      = "redis-channel"
	flagPurchaseRetries   = "purchase-retries"
	flagPrices            = "prices"
	flagSessionSigningKey = "session-signing-key"
	flagSessionIssuer     = "session-issuer"
	flagSessionCookieName = "session-cookie-name"
	flagAllowedOrigins    = "allowed-origins"
	flagLogLevel          = "log-level"
	flagDown              = "down"

	logLevelDebug = "debug"
)

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	settings := viper.New()
	cfg := &daemon.Config{}
	serve := func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		logger, err := newLogger(settings.GetString(flagLogLevel))
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
		return daemon.Run(ctx, *cfg, logger)
	}

	root := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit ledger server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, settings, cfg)
		},
		RunE: serve,
	}
	flags := root.PersistentFlags()
	flags.String(flagDatabaseURL, daemon.DefaultDatabaseURL, "sqlite:// path or postgres:// connection string")
	flags.String(flagStore, daemon.StoreGorm, "store backend: gorm, pgx or memory")
	flags.Bool(flagAutoMigrate, false, "apply postgres migrations on start")
	flags.String(flagGRPCListenAddr, daemon.DefaultGRPCListenAddr, "gRPC listen address (empty disables gRPC)")
	flags.String(flagHTTPListenAddr, "", "HTTP listen address (empty disables HTTP)")
	flags.String(flagNotifyProvider, daemon.NotifyLocal, "balance notification fan-out: local, nats or redis")
	flags.String(flagNATSURL, "", "NATS server url")
	flags.String(flagNATSSubject, "", "NATS subject for balance updates")
	flags.String(flagRedisAddr, "", "Redis address")
	flags.String(flagRedisChannel, "", "Redis channel for balance updates")
	flags.Int(flagPurchaseRetries, daemon.DefaultRetryBudget, "extra attempts after a transient store conflict")
	flags.String(flagPrices, "", "item prices for HTTP purchases, e.g. WORKBOOK=5,PROMPT:intro=0")
	flags.String(flagSessionSigningKey, "", "tauth session signing key")
	flags.String(flagSessionIssuer, "", "tauth session issuer")
	flags.String(flagSessionCookieName, "", "tauth session cookie name")
	flags.String(flagAllowedOrigins, "", "comma separated CORS origins")
	flags.String(flagLogLevel, "info", "log level: info or debug")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the gRPC and HTTP servers",
		RunE:  serve,
	})
	root.AddCommand(newMigrateCommand(cfg))
	return root
}

func newMigrateCommand(cfg *daemon.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or revert the postgres schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			down, err := cmd.Flags().GetBool(flagDown)
			if err != nil {
				return err
			}
			if !strings.HasPrefix(cfg.DatabaseURL, "postgres://") && !strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
				return fmt.Errorf("migrate requires a postgres database url")
			}
			if down {
				err = migrations.Down(cfg.DatabaseURL)
			} else {
				err = migrations.Up(cfg.DatabaseURL)
			}
			if err != nil {
				return err
			}
			version, dirty, err := migrations.Version(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%t)\n", version, dirty)
			return nil
		},
	}
	cmd.Flags().Bool(flagDown, false, "revert every migration")
	return cmd
}

func loadConfig(cmd *cobra.Command, settings *viper.Viper, cfg *daemon.Config) error {
	settings.SetEnvPrefix(envPrefix)
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()
	if err := settings.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	cfg.DatabaseURL = settings.GetString(flagDatabaseURL)
	cfg.Store = settings.GetString(flagStore)
	cfg.AutoMigrate = settings.GetBool(flagAutoMigrate)
	cfg.GRPCListenAddr = settings.GetString(flagGRPCListenAddr)
	cfg.HTTPListenAddr = settings.GetString(flagHTTPListenAddr)
	cfg.NotifyProvider = settings.GetString(flagNotifyProvider)
	cfg.NATSURL = settings.GetString(flagNATSURL)
	cfg.NATSSubject = settings.GetString(flagNATSSubject)
	cfg.RedisAddr = settings.GetString(flagRedisAddr)
	cfg.RedisChannel = settings.GetString(flagRedisChannel)
	cfg.PurchaseRetries = settings.GetInt(flagPurchaseRetries)
	cfg.Prices = settings.GetString(flagPrices)
	cfg.SessionSigningKey = settings.GetString(flagSessionSigningKey)
	cfg.SessionIssuer = settings.GetString(flagSessionIssuer)
	cfg.SessionCookieName = settings.GetString(flagSessionCookieName)
	cfg.AllowedOrigins = httpapi.ParseAllowedOrigins(settings.GetString(flagAllowedOrigins))
	if cmd.Name() == "migrate" {
		return nil
	}
	return cfg.Validate()
}

func newLogger(level string) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if strings.EqualFold(level, logLevelDebug) {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	return logger, nil
}
