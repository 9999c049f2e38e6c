package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies MARKETD_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known MARKETD_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Store ──
	setStr(&cfg.Store.Backend, "MARKETD_STORE_BACKEND")
	setStr(&cfg.Store.SQLitePath, "MARKETD_STORE_SQLITE_PATH")
	setStr(&cfg.Store.DSN, "MARKETD_STORE_DSN")
	setStr(&cfg.Store.DSN, "DATABASE_URL")
	setStr(&cfg.Store.Host, "MARKETD_STORE_HOST")
	setInt(&cfg.Store.Port, "MARKETD_STORE_PORT")
	setStr(&cfg.Store.Database, "MARKETD_STORE_DATABASE")
	setStr(&cfg.Store.User, "MARKETD_STORE_USER")
	setStr(&cfg.Store.Password, "MARKETD_STORE_PASSWORD")
	setStr(&cfg.Store.SSLMode, "MARKETD_STORE_SSL_MODE")
	setInt(&cfg.Store.PoolMaxConns, "MARKETD_STORE_POOL_MAX_CONNS")
	setInt(&cfg.Store.PoolMinConns, "MARKETD_STORE_POOL_MIN_CONNS")
	setBool(&cfg.Store.RunMigrations, "MARKETD_STORE_RUN_MIGRATIONS")
	setInt(&cfg.Store.ConnectRetries, "MARKETD_STORE_CONNECT_RETRIES")
	setDuration(&cfg.Store.ConnectBackoff, "MARKETD_STORE_CONNECT_BACKOFF")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "MARKETD_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "MARKETD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "MARKETD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "MARKETD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "MARKETD_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "MARKETD_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "MARKETD_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "MARKETD_REDIS_KEY_PREFIX")

	// ── Accounts ──
	setStr(&cfg.Accounts.BaseURL, "MARKETD_ACCOUNTS_BASE_URL")
	setStr(&cfg.Accounts.APIKey, "MARKETD_ACCOUNTS_API_KEY")
	setStr(&cfg.Accounts.APISecret, "MARKETD_ACCOUNTS_API_SECRET")
	setDuration(&cfg.Accounts.CallTimeout, "MARKETD_ACCOUNTS_CALL_TIMEOUT")

	// ── Marketplace ──
	setDuration(&cfg.Marketplace.ListingTTL, "MARKETD_MARKETPLACE_LISTING_TTL")
	setInt(&cfg.Marketplace.MaxListingsPerPlayer, "MARKETD_MARKETPLACE_MAX_LISTINGS_PER_PLAYER")
	setInt(&cfg.Marketplace.PageSize, "MARKETD_MARKETPLACE_PAGE_SIZE")
	setInt(&cfg.Marketplace.BlackMarketSize, "MARKETD_MARKETPLACE_BLACK_MARKET_SIZE")
	setFloat64(&cfg.Marketplace.BlackMarketDiscount, "MARKETD_MARKETPLACE_BLACK_MARKET_DISCOUNT")
	setInt(&cfg.Marketplace.TransactionsPageSize, "MARKETD_MARKETPLACE_TRANSACTIONS_PAGE_SIZE")
	setFloat64(&cfg.Marketplace.ListingFeeRate, "MARKETD_MARKETPLACE_LISTING_FEE_RATE")
	setDuration(&cfg.Marketplace.ConfirmationTTL, "MARKETD_MARKETPLACE_CONFIRMATION_TTL")
	setDuration(&cfg.Marketplace.LockTTL, "MARKETD_MARKETPLACE_LOCK_TTL")

	// ── Reaper ──
	setDuration(&cfg.Reaper.Interval, "MARKETD_REAPER_INTERVAL")
	setBool(&cfg.Reaper.PurgeInvalidOnStart, "MARKETD_REAPER_PURGE_INVALID_ON_START")

	// ── Notify ──
	setStr(&cfg.Notify.DiscordWebhookURL, "MARKETD_NOTIFY_DISCORD_WEBHOOK_URL")
	setStr(&cfg.Notify.DiscordUsername, "MARKETD_NOTIFY_DISCORD_USERNAME")
	setStr(&cfg.Notify.TelegramToken, "MARKETD_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "MARKETD_NOTIFY_TELEGRAM_CHAT_ID")
	setDuration(&cfg.Notify.RetryDelay, "MARKETD_NOTIFY_RETRY_DELAY")
	setInt(&cfg.Notify.QueueSize, "MARKETD_NOTIFY_QUEUE_SIZE")
	setStringSlice(&cfg.Notify.Events, "MARKETD_NOTIFY_EVENTS")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "MARKETD_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Endpoint, "MARKETD_ARCHIVE_ENDPOINT")
	setStr(&cfg.Archive.Region, "MARKETD_ARCHIVE_REGION")
	setStr(&cfg.Archive.Bucket, "MARKETD_ARCHIVE_BUCKET")
	setStr(&cfg.Archive.AccessKey, "MARKETD_ARCHIVE_ACCESS_KEY")
	setStr(&cfg.Archive.SecretKey, "MARKETD_ARCHIVE_SECRET_KEY")
	setBool(&cfg.Archive.UseSSL, "MARKETD_ARCHIVE_USE_SSL")
	setBool(&cfg.Archive.ForcePathStyle, "MARKETD_ARCHIVE_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "MARKETD_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "MARKETD_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "MARKETD_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "MARKETD_SERVER_API_KEY")
	setStr(&cfg.Server.AdminKeyHash, "MARKETD_SERVER_ADMIN_KEY_HASH")
	setInt(&cfg.Server.RateLimit, "MARKETD_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "MARKETD_SERVER_RATE_WINDOW")

	// ── Top-level ──
	setStr(&cfg.Mode, "MARKETD_MODE")
	setStr(&cfg.LogLevel, "MARKETD_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
