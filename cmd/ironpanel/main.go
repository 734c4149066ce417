package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/ironpanel/internal/auth"
	"github.com/ashita-ai/ironpanel/internal/budgetrequest"
	"github.com/ashita-ai/ironpanel/internal/config"
	"github.com/ashita-ai/ironpanel/internal/ictoken"
	"github.com/ashita-ai/ironpanel/internal/iptoken"
	"github.com/ashita-ai/ironpanel/internal/keys"
	"github.com/ashita-ai/ironpanel/internal/lease"
	"github.com/ashita-ai/ironpanel/internal/ledger"
	"github.com/ashita-ai/ironpanel/internal/pricing"
	"github.com/ashita-ai/ironpanel/internal/ratelimit"
	"github.com/ashita-ai/ironpanel/internal/secretbox"
	"github.com/ashita-ai/ironpanel/internal/server"
	"github.com/ashita-ai/ironpanel/internal/storage"
	"github.com/ashita-ai/ironpanel/internal/storage/sqlite"
	"github.com/ashita-ai/ironpanel/internal/telemetry"
	"github.com/ashita-ai/ironpanel/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

// sweepBatch bounds how many expired leases one sweep tick reconciles.
const sweepBatch = 500

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	var level slog.Level
	if err := level.UnmarshalText([]byte(os.Getenv("IRON_LOG_LEVEL"))); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("ironpanel starting", "version", version, "port", cfg.Port, "storage", cfg.StorageDriver)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:       cfg.OTELEndpoint,
		Insecure:       cfg.OTELInsecure,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	tokens, err := ictoken.NewManager(cfg.ICTokenPrivateKeyPath, cfg.ICTokenPublicKeyPath)
	if err != nil {
		return fmt.Errorf("ic tokens: %w", err)
	}
	keyBox, err := openBox(cfg.ProviderKeySecret, secretbox.PurposeProviderKey, logger)
	if err != nil {
		return err
	}
	tokenBox, err := openBox(cfg.IPTokenSecret, secretbox.PurposeIPToken, logger)
	if err != nil {
		return err
	}
	codec, err := iptoken.NewCodec(tokenBox)
	if err != nil {
		return fmt.Errorf("ip tokens: %w", err)
	}

	costs, err := loadPricing(cfg.PricingPath)
	if err != nil {
		return fmt.Errorf("pricing: %w", err)
	}
	logger.Info("pricing table loaded", "models", costs.Len(), "path", cfg.PricingPath)

	leaseLimiter, err := newLimiter(cfg, "lease", logger)
	if err != nil {
		return err
	}
	defer func() { _ = leaseLimiter.Close() }()
	tokenLimiter, err := newLimiter(cfg, "token", logger)
	if err != nil {
		return err
	}
	defer func() { _ = tokenLimiter.Close() }()

	admin, err := auth.NewAdminVerifier(cfg.AdminToken)
	if err != nil {
		return fmt.Errorf("admin: %w (set IRON_ADMIN_TOKEN)", err)
	}

	led := ledger.New(store, logger, ledger.WithRetry(cfg.LedgerMaxRetries, cfg.LedgerRetryDelay))
	keySvc, err := keys.New(store, keyBox, logger)
	if err != nil {
		return fmt.Errorf("provider keys: %w", err)
	}
	leases := lease.New(lease.Deps{
		Tokens:  tokens,
		Ledger:  led,
		Store:   store,
		Keys:    store,
		KeyBox:  keyBox,
		Codec:   codec,
		Costs:   costs,
		Limiter: leaseLimiter,
	}, lease.Config{TTL: cfg.LeaseTTL, DefaultReservation: cfg.DefaultReservation}, logger)

	srv := server.New(server.ServerConfig{
		Store:               store,
		Ledger:              led,
		Leases:              leases,
		Requests:            budgetrequest.New(store, led, logger),
		Keys:                keySvc,
		Tokens:              tokens,
		Admin:               admin,
		Logger:              logger,
		TokenLimiter:        tokenLimiter,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		StorageDriver:       cfg.StorageDriver,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.LeaseSweepInterval > 0 {
		g.Go(func() error {
			leaseSweepLoop(gctx, leases, logger, cfg.LeaseSweepInterval)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("ironpanel shutting down")
		httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer httpCancel()
		return srv.Shutdown(httpCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("ironpanel stopped")
	return nil
}

// openStore connects the configured backend. Postgres runs the embedded
// migrations first.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Store, func(), error) {
	switch cfg.StorageDriver {
	case config.DriverPostgres:
		db, err := storage.New(ctx, cfg.DatabaseURL, int32(cfg.DatabaseMaxConns), logger) //nolint:gosec // validated positive in config.Validate
		if err != nil {
			return nil, nil, fmt.Errorf("storage: %w", err)
		}
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("migrations: %w", err)
		}
		return db, func() { _ = db.Close() }, nil
	default:
		s, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("storage: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	}
}

// openBox builds an AEAD box for purpose. Without a configured secret an
// ephemeral one is generated: anything sealed with it is unreadable after
// a restart.
func openBox(encoded string, purpose secretbox.Purpose, logger *slog.Logger) (*secretbox.Box, error) {
	if encoded == "" {
		logger.Warn("no secret configured, generating ephemeral secret (not for production)", "purpose", purpose)
		secret, err := secretbox.GenerateSecret()
		if err != nil {
			return nil, fmt.Errorf("secretbox %s: %w", purpose, err)
		}
		return secretbox.New(secret, purpose)
	}
	box, err := secretbox.NewFromBase64(encoded, purpose)
	if err != nil {
		return nil, fmt.Errorf("secretbox %s: %w", purpose, err)
	}
	return box, nil
}

func loadPricing(path string) (*pricing.Table, error) {
	if path == "" {
		return pricing.Default()
	}
	return pricing.Load(path)
}

// newLimiter builds the configured limiter. Each use gets its own bucket
// space so lease and token-issuance quotas never share tokens.
func newLimiter(cfg config.Config, name string, logger *slog.Logger) (ratelimit.Limiter, error) {
	if !cfg.RateLimitEnabled {
		logger.Info("rate limiting: disabled", "limiter", name)
		return ratelimit.NoopLimiter{}, nil
	}
	if cfg.RateLimitBackend == config.BackendRedis {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis url: %w", err)
		}
		client := redis.NewClient(opts)
		logger.Info("rate limiting: redis", "limiter", name,
			"capacity", cfg.RateLimitCapacity, "period", cfg.RateLimitPeriod)
		lim := ratelimit.NewRedisLimiter(client, "ironpanel:rl:"+name+":", cfg.RateLimitCapacity, cfg.RateLimitPeriod)
		return closingLimiter{Limiter: lim, close: client.Close}, nil
	}
	logger.Info("rate limiting: memory (in-process token bucket)", "limiter", name,
		"capacity", cfg.RateLimitCapacity, "period", cfg.RateLimitPeriod)
	return ratelimit.NewMemoryLimiter(cfg.RateLimitCapacity, cfg.RateLimitPeriod), nil
}

// closingLimiter owns the Redis client behind a limiter.
type closingLimiter struct {
	ratelimit.Limiter
	close func() error
}

func (c closingLimiter) Close() error {
	return errors.Join(c.Limiter.Close(), c.close())
}

// leaseSweepLoop closes expired leases in the background. Lazy expiry on
// every lease operation keeps the ledger correct without it.
func leaseSweepLoop(ctx context.Context, leases *lease.Manager, logger *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := leases.SweepExpired(ctx, sweepBatch); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("lease sweep failed", "error", err)
			}
		}
	}
}
