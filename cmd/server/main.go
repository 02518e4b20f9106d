// Package main is the entrypoint for the candypixel API server.
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

	"github.com/kiranshivaraju/candypixel/internal/ai"
	"github.com/kiranshivaraju/candypixel/internal/api"
	"github.com/kiranshivaraju/candypixel/internal/api/handler"
	mw "github.com/kiranshivaraju/candypixel/internal/api/middleware"
	"github.com/kiranshivaraju/candypixel/internal/api/response"
	"github.com/kiranshivaraju/candypixel/internal/breaker"
	"github.com/kiranshivaraju/candypixel/internal/cache"
	"github.com/kiranshivaraju/candypixel/internal/config"
	"github.com/kiranshivaraju/candypixel/internal/credentials"
	"github.com/kiranshivaraju/candypixel/internal/gateway"
	"github.com/kiranshivaraju/candypixel/internal/ratelimit"
	"github.com/kiranshivaraju/candypixel/internal/store"
	"github.com/kiranshivaraju/candypixel/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const (
	shutdownTimeout = 30 * time.Second
	mockCredential  = "mock-local-credential"
	bootstrapOwner  = "admin"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "ai_provider", cfg.AI.Provider, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Cache: Redis when configured
	c, err := newCache(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer c.Close()

	// 5. Store and bootstrap key
	pgStore := store.NewPostgresStore(pool)

	if err := seedAdminKey(ctx, pgStore, cfg.Server.BootstrapAdminKey, bcrypt.DefaultCost); err != nil {
		return fmt.Errorf("seed admin key: %w", err)
	}

	// 6. Provider, credentials and the resilience layer
	provider, err := ai.NewProvider(cfg.AI)
	if err != nil {
		return fmt.Errorf("create AI provider: %w", err)
	}
	creds := newCredentialPool(cfg.AI)
	slog.Info("AI provider initialized", "provider", provider.Name(), "credentials", creds.Len())

	brk := breaker.New(breaker.Config{
		Threshold: cfg.Resilience.FailureThreshold,
		Window:    cfg.Resilience.CircuitWindow,
		Cooldown:  cfg.Resilience.CircuitCooldown,
	})
	gw := gateway.New(newLimiter(cfg.Resilience, c), brk)

	svc := ai.NewService(pgStore, c, creds, provider, gw, pgStore, ai.Config{
		MaxAttempts:       cfg.Resilience.MaxAttempts,
		ProcessingTimeout: cfg.Resilience.ProcessingTimeout,
		RetryLockTTL:      cfg.Resilience.RetryLockTTL,
		SubmitTimeout:     cfg.AI.SubmitTimeout,
		StatusTimeout:     cfg.AI.StatusTimeout,
		DailyLimit:        cfg.Resilience.DailyRequestLimit,
	})

	// 7. Build router with dependencies
	deps := api.Dependencies{
		Auth:      mw.NewAuth(pgStore),
		RateLimit: mw.NewRateLimit(c, cfg.Resilience.APIRateLimitPerMin),

		HealthHandler: healthHandler(pgStore, c, brk, provider.Name()),
		CreateGenerationHandler: handler.NewCreateGenerationHandler(svc, handler.JobsConfig{
			BusyRetryAfter: cfg.Resilience.RateLimitWindow,
		}),
		GetJobHandler:    handler.NewGetJobHandler(svc),
		CreateKeyHandler: handler.NewCreateKeyHandler(pgStore, bcrypt.DefaultCost),
		ListKeysHandler:  handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.AI.SubmitTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// newCache connects to Redis when configured and falls back to an in-process cache.
func newCache(ctx context.Context, cfg config.RedisConfig) (cache.Cache, error) {
	if cfg.URL == "" {
		slog.Warn("REDIS_URL not set, using in-process cache")
		return cache.NewMemoryCache(), nil
	}

	rc, err := cache.NewRedisCache(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("create redis cache: %w", err)
	}
	if err := rc.Ping(ctx); err != nil {
		rc.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")
	return rc, nil
}

// newCredentialPool loads the provider keys and logs them masked.
// The mock provider gets a placeholder key so it runs without configuration.
func newCredentialPool(cfg config.AIConfig) *credentials.Pool {
	secrets := cfg.ModelScope.APIKeys
	if len(secrets) == 0 && cfg.Provider == "mock" {
		secrets = []string{mockCredential}
	}

	creds := credentials.NewPool(secrets)
	if creds.Len() == 0 {
		slog.Warn("no provider API keys configured; job creation will fail")
	}
	for _, c := range creds.All() {
		slog.Info("provider credential loaded", "credential_id", c.ID, "key", c.Masked())
	}
	return creds
}

func newLimiter(cfg config.ResilienceConfig, c cache.Cache) ratelimit.Limiter {
	if cfg.SharedRateLimit {
		slog.Info("AI rate limit shared through cache", "ceiling", cfg.GlobalRateLimit, "window", cfg.RateLimitWindow)
		return ratelimit.NewShared(c, cfg.GlobalRateLimit, cfg.RateLimitWindow)
	}
	return ratelimit.NewWindow(cfg.GlobalRateLimit, cfg.RateLimitWindow)
}

type adminKeyStore interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
}

// seedAdminKey stores raw as an admin key unless an identical key already exists.
func seedAdminKey(ctx context.Context, ks adminKeyStore, raw string, cost int) error {
	if raw == "" {
		return nil
	}
	if len(raw) < mw.KeyPrefixLen {
		return fmt.Errorf("bootstrap key shorter than %d characters", mw.KeyPrefixLen)
	}

	existing, err := ks.GetAPIKeyByPrefix(ctx, raw[:mw.KeyPrefixLen])
	if err != nil {
		return err
	}
	for _, k := range existing {
		if bcrypt.CompareHashAndPassword([]byte(k.KeyHash), []byte(raw)) == nil {
			return nil
		}
	}

	key, err := handler.APIKeyFromRaw(raw, bootstrapOwner, "bootstrap", []string{handler.ScopeJobs, handler.ScopeAdmin}, cost)
	if err != nil {
		return err
	}
	if err := ks.CreateAPIKey(ctx, key); err != nil {
		return err
	}
	slog.Info("bootstrap admin key stored", "key_id", key.ID, "key_prefix", key.KeyPrefix)
	return nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks database and cache connectivity and reports the
// provider circuit. An open circuit does not fail the health check.
func healthHandler(db, c pinger, brk *breaker.Breaker, provider string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			slog.Warn("health: database ping failed", "error", err)
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			slog.Warn("health: cache ping failed", "error", err)
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		circuit := "closed"
		if brk.IsOpen(provider, "") {
			circuit = "open"
		}
		response.JSON(w, map[string]any{
			"status":     "ok",
			"services":   checks,
			"ai_circuit": circuit,
		})
	}
}
