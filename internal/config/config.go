// Package config defines the marketplace daemon configuration and its
// validation.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by MARKETD_* environment variables.
type Config struct {
	Store       StoreConfig       `toml:"store"`
	Redis       RedisConfig       `toml:"redis"`
	Accounts    AccountsConfig    `toml:"accounts"`
	Marketplace MarketplaceConfig `toml:"marketplace"`
	Reaper      ReaperConfig      `toml:"reaper"`
	Notify      NotifyConfig      `toml:"notify"`
	Archive     ArchiveConfig     `toml:"archive"`
	Server      ServerConfig      `toml:"server"`
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
}

// StoreConfig selects and configures the listing and ledger database.
type StoreConfig struct {
	// Backend is "sqlite" or "postgres".
	Backend    string `toml:"backend"`
	SQLitePath string `toml:"sqlite_path"`

	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`

	// ConnectRetries and ConnectBackoff apply at startup only.
	ConnectRetries int      `toml:"connect_retries"`
	ConnectBackoff duration `toml:"connect_backoff"`
}

// RedisConfig holds Redis connection parameters. Redis is optional; without
// it purchases rely on the store's conditional delete alone and market
// events are not fanned out.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// AccountsConfig points at the game server's economy, inventory and presence
// API.
type AccountsConfig struct {
	BaseURL     string   `toml:"base_url"`
	APIKey      string   `toml:"api_key"`
	APISecret   string   `toml:"api_secret"`
	CallTimeout duration `toml:"call_timeout"`
}

// MarketplaceConfig holds the trading rules.
type MarketplaceConfig struct {
	ListingTTL           duration `toml:"listing_ttl"`
	MaxListingsPerPlayer int      `toml:"max_listings_per_player"`
	PageSize             int      `toml:"page_size"`
	BlackMarketSize      int      `toml:"black_market_size"`
	BlackMarketDiscount  float64  `toml:"black_market_discount"`
	TransactionsPageSize int      `toml:"transactions_page_size"`
	ListingFeeRate       float64  `toml:"listing_fee_rate"`
	ConfirmationTTL      duration `toml:"confirmation_ttl"`
	LockTTL              duration `toml:"lock_ttl"`
}

// ReaperConfig controls background maintenance.
type ReaperConfig struct {
	Interval            duration `toml:"interval"`
	PurgeInvalidOnStart bool     `toml:"purge_invalid_on_start"`
}

// NotifyConfig configures announcement delivery.
type NotifyConfig struct {
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	DiscordUsername   string   `toml:"discord_username"`
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	RetryDelay        duration `toml:"retry_delay"`
	QueueSize         int      `toml:"queue_size"`
	Events            []string `toml:"events"`
}

// ArchiveConfig configures the S3-compatible bucket that keeps copies of
// listings removed for corrupt payloads.
type ArchiveConfig struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ServerConfig holds the HTTP API server settings.
type ServerConfig struct {
	Enabled      bool     `toml:"enabled"`
	Port         int      `toml:"port"`
	CORSOrigins  []string `toml:"cors_origins"`
	APIKey       string   `toml:"api_key"`
	AdminKeyHash string   `toml:"admin_key_hash"`
	RateLimit    int      `toml:"rate_limit"`
	RateWindow   duration `toml:"rate_window"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so that BurntSushi/toml can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with sensible defaults for every field.
func Defaults() Config {
	return Config{
		Store: StoreConfig{
			Backend:        "sqlite",
			SQLitePath:     "data/marketplace.db",
			Host:           "localhost",
			Port:           5432,
			Database:       "marketplace",
			User:           "marketd",
			SSLMode:        "disable",
			PoolMaxConns:   10,
			PoolMinConns:   1,
			RunMigrations:  true,
			ConnectRetries: 3,
			ConnectBackoff: duration{time.Second},
		},
		Redis: RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			PoolSize:   10,
			MaxRetries: 3,
			KeyPrefix:  "marketd:",
		},
		Accounts: AccountsConfig{
			BaseURL:     "http://localhost:8081",
			CallTimeout: duration{10 * time.Second},
		},
		Marketplace: MarketplaceConfig{
			ListingTTL:           duration{7 * 24 * time.Hour},
			MaxListingsPerPlayer: 10,
			PageSize:             45,
			BlackMarketSize:      10,
			BlackMarketDiscount:  0.5,
			TransactionsPageSize: 5,
			ListingFeeRate:       0,
			ConfirmationTTL:      duration{2 * time.Minute},
			LockTTL:              duration{30 * time.Second},
		},
		Reaper: ReaperConfig{
			Interval:            duration{time.Hour},
			PurgeInvalidOnStart: true,
		},
		Notify: NotifyConfig{
			DiscordUsername: "Marketplace",
			RetryDelay:      duration{time.Second},
			QueueSize:       64,
			Events:          []string{"listing_created", "listing_sold"},
		},
		Archive: ArchiveConfig{
			Region:         "us-east-1",
			Bucket:         "marketplace-quarantine",
			UseSSL:         true,
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Mode:     "serve",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"serve": true,
	"sweep": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: serve, sweep)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Store
	switch strings.ToLower(c.Store.Backend) {
	case "sqlite":
		if strings.TrimSpace(c.Store.SQLitePath) == "" {
			errs = append(errs, "store: sqlite_path must not be empty for the sqlite backend")
		}
	case "postgres":
		if strings.TrimSpace(c.Store.DSN) == "" {
			if c.Store.Host == "" {
				errs = append(errs, "store: host must not be empty (or set store.dsn)")
			}
			if c.Store.Port <= 0 || c.Store.Port > 65535 {
				errs = append(errs, fmt.Sprintf("store: port must be 1-65535, got %d", c.Store.Port))
			}
			if c.Store.Database == "" {
				errs = append(errs, "store: database must not be empty")
			}
		}
		if c.Store.PoolMaxConns < 1 {
			errs = append(errs, "store: pool_max_conns must be >= 1")
		}
		if c.Store.PoolMinConns < 0 || c.Store.PoolMinConns > c.Store.PoolMaxConns {
			errs = append(errs, "store: pool_min_conns must be between 0 and pool_max_conns")
		}
	default:
		errs = append(errs, fmt.Sprintf("store: unknown backend %q (valid: sqlite, postgres)", c.Store.Backend))
	}
	if c.Store.ConnectRetries < 1 {
		errs = append(errs, "store: connect_retries must be >= 1")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty when enabled")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// Accounts
	if strings.TrimSpace(c.Accounts.BaseURL) == "" {
		errs = append(errs, "accounts: base_url must not be empty")
	}
	if (c.Accounts.APIKey == "") != (c.Accounts.APISecret == "") {
		errs = append(errs, "accounts: api_key and api_secret must be set together")
	}
	if c.Accounts.CallTimeout.Duration <= 0 {
		errs = append(errs, "accounts: call_timeout must be > 0")
	}

	// Marketplace
	m := c.Marketplace
	if m.ListingTTL.Duration <= 0 {
		errs = append(errs, "marketplace: listing_ttl must be > 0")
	}
	if m.MaxListingsPerPlayer < 1 {
		errs = append(errs, "marketplace: max_listings_per_player must be >= 1")
	}
	if m.PageSize < 1 {
		errs = append(errs, "marketplace: page_size must be >= 1")
	}
	if m.BlackMarketSize < 1 {
		errs = append(errs, "marketplace: black_market_size must be >= 1")
	}
	if m.BlackMarketDiscount <= 0 || m.BlackMarketDiscount > 1 {
		errs = append(errs, fmt.Sprintf("marketplace: black_market_discount must be in (0, 1], got %g", m.BlackMarketDiscount))
	}
	if m.TransactionsPageSize < 1 {
		errs = append(errs, "marketplace: transactions_page_size must be >= 1")
	}
	if m.ListingFeeRate < 0 || m.ListingFeeRate >= 1 {
		errs = append(errs, fmt.Sprintf("marketplace: listing_fee_rate must be in [0, 1), got %g", m.ListingFeeRate))
	}
	if m.ConfirmationTTL.Duration <= 0 {
		errs = append(errs, "marketplace: confirmation_ttl must be > 0")
	}

	// Reaper
	if c.Reaper.Interval.Duration <= 0 {
		errs = append(errs, "reaper: interval must be > 0")
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}
	if c.Notify.QueueSize < 1 {
		errs = append(errs, "notify: queue_size must be >= 1")
	}

	// Archive
	if c.Archive.Enabled {
		if c.Archive.Endpoint == "" {
			errs = append(errs, "archive: endpoint must not be empty when enabled")
		}
		if c.Archive.Bucket == "" {
			errs = append(errs, "archive: bucket must not be empty when enabled")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
		if h := c.Server.AdminKeyHash; h != "" && !strings.HasPrefix(h, "$2") {
			errs = append(errs, "server: admin_key_hash must be a bcrypt hash")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
