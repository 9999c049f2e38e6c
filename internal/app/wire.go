package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/playermarket/internal/blob/s3"
	"github.com/alanyoungcy/playermarket/internal/cache/redis"
	"github.com/alanyoungcy/playermarket/internal/codec"
	"github.com/alanyoungcy/playermarket/internal/config"
	"github.com/alanyoungcy/playermarket/internal/crypto"
	"github.com/alanyoungcy/playermarket/internal/domain"
	"github.com/alanyoungcy/playermarket/internal/notify"
	"github.com/alanyoungcy/playermarket/internal/platform/accounts"
	"github.com/alanyoungcy/playermarket/internal/server/handler"
	"github.com/alanyoungcy/playermarket/internal/store/postgres"
	"github.com/alanyoungcy/playermarket/internal/store/sqlite"
)

// Dependencies bundles the infrastructure the marketplace runs on. It is
// constructed by Wire and torn down by the returned cleanup function. Every
// field below the stores may be nil when its backend is not configured.
type Dependencies struct {
	// Stores
	ListingStore domain.ListingStore
	PlayerStore  domain.PlayerStore
	AuditStore   domain.AuditStore

	Codec *codec.Codec

	// Game server
	Economy   domain.Economy
	Inventory domain.Inventory
	Presence  domain.Presence

	// Redis
	LockManager domain.LockManager
	RateLimiter domain.RateLimiter
	SignalBus   domain.SignalBus

	// Blob storage
	Quarantine domain.Quarantine

	// Notifications
	Notifier *notify.Notifier
	Queue    *notify.Queue

	// Checks are the health probes of the wired backends.
	Checks map[string]handler.Check
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Checks: make(map[string]handler.Check)}

	// --- Store ---
	switch strings.ToLower(cfg.Store.Backend) {
	case "postgres":
		pgClient, err := postgres.Connect(ctx, postgres.ClientConfig{
			DSN:      cfg.Store.DSN,
			Host:     cfg.Store.Host,
			Port:     cfg.Store.Port,
			Database: cfg.Store.Database,
			User:     cfg.Store.User,
			Password: cfg.Store.Password,
			SSLMode:  cfg.Store.SSLMode,
			MaxConns: cfg.Store.PoolMaxConns,
			MinConns: cfg.Store.PoolMinConns,
		}, cfg.Store.ConnectRetries, cfg.Store.ConnectBackoff.Duration, logger)
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Store.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		deps.ListingStore = postgres.NewListingStore(pool)
		deps.PlayerStore = postgres.NewPlayerStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.Checks["store"] = pgClient.Ping

	default:
		db, err := sqlite.Open(ctx, cfg.Store.SQLitePath)
		if err != nil {
			return fail(fmt.Errorf("wire: sqlite: %w", err))
		}
		closers = append(closers, func() { _ = db.Close() })

		deps.ListingStore = sqlite.NewListingStore(db)
		deps.PlayerStore = sqlite.NewPlayerStore(db)
		deps.AuditStore = sqlite.NewAuditStore(db)
		deps.Checks["store"] = db.Ping
	}

	// --- Item codec ---
	c, err := codec.New()
	if err != nil {
		return fail(fmt.Errorf("wire: %w", err))
	}
	closers = append(closers, c.Close)
	deps.Codec = c

	// --- Game server accounts API ---
	var signer *crypto.Signer
	if cfg.Accounts.APIKey != "" {
		signer = crypto.NewSigner(cfg.Accounts.APIKey, cfg.Accounts.APISecret)
	}
	acct := accounts.NewClient(cfg.Accounts.BaseURL, signer, cfg.Accounts.CallTimeout.Duration)
	deps.Economy = acct
	deps.Inventory = acct
	deps.Presence = acct

	// --- Redis (optional) ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.LockManager = redis.NewLockManager(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.Checks["redis"] = redisClient.Ping
	}

	// --- S3 quarantine archive (optional) ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.Archive.Endpoint,
			Region:         cfg.Archive.Region,
			Bucket:         cfg.Archive.Bucket,
			AccessKey:      cfg.Archive.AccessKey,
			SecretKey:      cfg.Archive.SecretKey,
			UseSSL:         cfg.Archive.UseSSL,
			ForcePathStyle: cfg.Archive.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Quarantine = s3blob.NewQuarantine(s3blob.NewWriter(s3Client), deps.AuditStore)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(
			cfg.Notify.DiscordWebhookURL,
			cfg.Notify.DiscordUsername,
		))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	deps.Queue = notify.NewQueue(deps.Notifier, cfg.Notify.QueueSize, cfg.Notify.RetryDelay.Duration, logger)

	logger.InfoContext(ctx, "dependencies wired",
		slog.String("store", cfg.Store.Backend),
		slog.Bool("redis", cfg.Redis.Enabled),
		slog.Bool("archive", cfg.Archive.Enabled),
		slog.Int("notify_senders", len(senders)),
	)
	return deps, cleanup, nil
}
