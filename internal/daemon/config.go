package daemon

import (
	"fmt"
	"strings"
	"time"
)

// Store backends.
const (
	StoreGorm   = "gorm"
	StorePgx    = "pgx"
	StoreMemory = "memory"
)

// Notification providers.
const (
	NotifyLocal = "local"
	NotifyNATS  = "nats"
	NotifyRedis = "redis"
)

const (
	DefaultDatabaseURL    = "sqlite:///tmp/creditgate.db"
	DefaultGRPCListenAddr = ":7000"
	DefaultRetryBudget    = 3
	defaultRetryBackoff   = 25 * time.Millisecond
	defaultShutdownGrace  = 5 * time.Second
)

// Config aggregates runtime settings for creditd.
type Config struct {
	DatabaseURL       string
	Store             string
	AutoMigrate       bool
	GRPCListenAddr    string
	HTTPListenAddr    string
	NotifyProvider    string
	NATSURL           string
	NATSSubject       string
	RedisAddr         string
	RedisChannel      string
	PurchaseRetries   int
	RetryBackoff      time.Duration
	Prices            string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	AllowedOrigins    []string
	ShutdownGrace     time.Duration
}

// Validate fills defaults and rejects inconsistent settings.
func (cfg *Config) Validate() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, DefaultDatabaseURL)
	cfg.Store = strings.ToLower(defaultIfEmpty(cfg.Store, StoreGorm))
	cfg.GRPCListenAddr = strings.TrimSpace(cfg.GRPCListenAddr)
	cfg.HTTPListenAddr = strings.TrimSpace(cfg.HTTPListenAddr)
	cfg.NotifyProvider = strings.ToLower(defaultIfEmpty(cfg.NotifyProvider, NotifyLocal))
	if cfg.PurchaseRetries < 0 {
		return fmt.Errorf("purchase retries must not be negative")
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	if cfg.GRPCListenAddr == "" && cfg.HTTPListenAddr == "" {
		return fmt.Errorf("at least one of grpc or http listen addr is required")
	}

	switch cfg.Store {
	case StoreGorm, StoreMemory:
	case StorePgx:
		if !isPostgresURL(cfg.DatabaseURL) {
			return fmt.Errorf("store %q requires a postgres database url", StorePgx)
		}
	default:
		return fmt.Errorf("unsupported store %q", cfg.Store)
	}

	switch cfg.NotifyProvider {
	case NotifyLocal:
	case NotifyNATS:
		if strings.TrimSpace(cfg.NATSURL) == "" {
			return fmt.Errorf("nats url is required for notify provider %q", NotifyNATS)
		}
	case NotifyRedis:
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return fmt.Errorf("redis addr is required for notify provider %q", NotifyRedis)
		}
	default:
		return fmt.Errorf("unsupported notify provider %q", cfg.NotifyProvider)
	}

	if cfg.HTTPListenAddr != "" && len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("session signing key is required when http is enabled")
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

func isPostgresURL(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}
