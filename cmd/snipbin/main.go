package main

import (
	"context"
	"crypto/rand"
	"os"
	"os/signal"
	"snipbin/cfg"
	"snipbin/pkg/secrets"
	"snipbin/svc/api"
	"snipbin/svc/auth"
	"snipbin/svc/cache"
	"snipbin/svc/db"
	"snipbin/svc/lim"
	"snipbin/svc/svc"
	"snipbin/svc/util"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 30 * time.Second
	walInterval     = 5 * time.Minute
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-health" {
		os.Exit(healthcheck())
	}
	util.InitLog(os.Getenv("LOG_LEVEL"), false)
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		util.Warn().Err(err).Msg("failed to read .env")
	}
	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().Str("environment", c.Environment).Msg("starting snipbin")

	if err := run(c); err != nil {
		util.Error().Err(err).Msg("snipbin exited with error")
		os.Exit(1)
	}
	util.Info().Msg("shutdown complete")
}

// healthcheck backs the container HEALTHCHECK: exit 0 when the database opens
// and answers a ping.
func healthcheck() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "snipbin.db"
	}
	sqlDB, err := db.NewSQLite(dbPath)
	if err != nil {
		return 1
	}
	defer sqlDB.Close()
	if err := sqlDB.Ping(ctx); err != nil {
		return 1
	}
	return 0
}

func run(c *cfg.Cfg) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pepper, sessionSecret, err := loadSecrets(ctx, c)
	if err != nil {
		return err
	}
	defer util.Wipe(pepper, sessionSecret)

	sqlDB, err := db.NewSQLiteWithConfig(c.DatabasePath, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
	if err != nil {
		return errors.Wrap(err, "open database")
	}
	defer sqlDB.Close()
	util.Info().Str("path", c.DatabasePath).Msg("database initialized")

	var rdb *db.Redis
	if c.RedisURL != "" {
		rdb, err = db.NewRedis(c)
		if err != nil {
			if c.Environment == "production" {
				return errors.Wrap(err, "redis required in production")
			}
			util.Warn().Err(err).Msg("redis unavailable, using in-process caches only")
			rdb = nil
		} else {
			defer rdb.Close()
			util.Info().Msg("redis connected")
		}
	}

	lru, err := cache.NewLRU(c.LRUCacheSize)
	if err != nil {
		return errors.Wrap(err, "create LRU cache")
	}

	hasher, err := auth.NewHasher(c.Argon2Time, c.Argon2Memory, c.Argon2Parallelism, pepper)
	if err != nil {
		return errors.Wrap(err, "create hasher")
	}
	if err := hasher.Start(c.HasherWorkerCount); err != nil {
		return errors.Wrap(err, "start hasher")
	}
	defer hasher.Stop()

	var revoker auth.Revoker = cache.NewRevoked(c.LRUCacheSize, c.SessionTTL)
	if rdb != nil {
		revoker = rdb
	}
	sessions, err := auth.NewSessions(sessionSecret, c.SessionTTL, revoker)
	if err != nil {
		return errors.Wrap(err, "create sessions")
	}

	pasteSvc := svc.NewPaste(sqlDB, lru, rdb, c)
	if !pasteSvc.DefaultExpirationValid() {
		util.Error().Str("default", c.DefaultExpiration).
			Msg("PASTE_DEFAULT_EXPIRATION does not parse, creates without an expiration will fail")
	}
	accounts := auth.NewAccounts(sqlDB, pasteSvc, hasher, c.UsernameMaxLen)

	window := lim.NewWindow(c.RateLimit.PerWindow, c.RateLimit.Window, c.RateLimit.Disabled)
	reads := lim.NewReadLimiter(c.ReadLimit.RPS, c.ReadLimit.Burst)
	reaper := lim.NewReaper(c.RateLimit.SweepInterval, map[string]lim.Sweeper{
		"create": window,
		"read":   reads,
	})
	reaper.Start()
	defer reaper.Stop()
	util.Info().
		Int("per_window", window.Limit()).
		Dur("window", window.Period()).
		Bool("disabled", window.Disabled()).
		Strs("trusted_proxies", c.TrustedProxies).
		Msg("rate limiter initialized")

	server := api.NewServer(api.Deps{
		Cfg:      c,
		Paste:    pasteSvc,
		Accounts: accounts,
		Sessions: sessions,
		Window:   window,
		Reads:    reads,
		DB:       sqlDB,
		Redis:    rdb,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		return db.RunWALMaintenance(gctx, sqlDB.DB(), walInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		util.Info().Msg("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			util.Error().Err(err).Msg("server shutdown error")
		}
		pasteSvc.Shutdown()
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// loadSecrets resolves the pepper and session key. Development falls back to
// random per-process values, which invalidates sessions and stored hashes on
// restart.
func loadSecrets(ctx context.Context, c *cfg.Cfg) ([]byte, []byte, error) {
	pepper := []byte(c.Pepper.Value())
	sessionSecret := []byte(c.SessionSecret.Value())
	if c.SecretsFromProvider {
		adapter, err := secrets.NewAdapter(ctx)
		if err != nil {
			return nil, nil, errors.Wrap(err, "init secret provider")
		}
		defer adapter.Wipe()
		p, err := adapter.GetSecret(ctx, "PEPPER")
		if err != nil {
			return nil, nil, errors.Wrap(err, "load PEPPER")
		}
		s, err := adapter.GetSecret(ctx, "SESSION_SECRET")
		if err != nil {
			return nil, nil, errors.Wrap(err, "load SESSION_SECRET")
		}
		pepper, sessionSecret = []byte(p), []byte(s)
	}
	var err error
	if pepper, err = devFallback(c, "PEPPER", pepper); err != nil {
		return nil, nil, err
	}
	if sessionSecret, err = devFallback(c, "SESSION_SECRET", sessionSecret); err != nil {
		util.Wipe(pepper)
		return nil, nil, err
	}
	return pepper, sessionSecret, nil
}

func devFallback(c *cfg.Cfg, name string, v []byte) ([]byte, error) {
	if len(v) >= 32 {
		return v, nil
	}
	if c.Environment == "production" {
		return nil, errors.Errorf("%s must be at least 32 bytes", name)
	}
	util.Warn().Str("secret", name).Msg("secret missing or short, using a random per-process value")
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, errors.Wrapf(err, "generate %s", name)
	}
	return b, nil
}
