package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/wispberry-tech/epic-auth/config"
	"github.com/wispberry-tech/epic-auth/cookie"
	"github.com/wispberry-tech/epic-auth/core"
	"github.com/wispberry-tech/epic-auth/core/storage"
	"github.com/wispberry-tech/epic-auth/mailer"
	"github.com/wispberry-tech/epic-auth/pwned"
	"github.com/wispberry-tech/epic-auth/ratelimit"
)

const cleanupInterval = 10 * time.Minute

func main() {
	configPath := flag.String("config", "", "path to a config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Server.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	if err := run(cfg); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStorage(cfg.Database)
	if err != nil {
		return err
	}

	secrets, err := cfg.Session.DecodedSecrets()
	if err != nil {
		return err
	}
	keys, err := cfg.Session.DecodedEncryptionKeys()
	if err != nil {
		return err
	}
	cookies, err := cookie.NewManager(cookie.Config{
		Secrets:        secrets,
		EncryptionKeys: keys,
		Domain:         cfg.Session.Domain,
		Secure:         cfg.Session.Secure,
		AuthMaxAge:     cfg.Security.SessionLifetime,
	})
	if err != nil {
		return fmt.Errorf("failed to create cookie manager: %w", err)
	}

	mail, err := mailer.New(mailer.Config{
		Provider:       cfg.Email.Provider,
		ProviderConfig: map[string]any{"api_key": cfg.Email.APIKey},
		FromEmail:      cfg.Email.FromEmail,
		FromName:       cfg.Email.FromName,
		AppName:        cfg.Email.AppName,
		SupportEmail:   cfg.Email.SupportEmail,
	})
	if err != nil {
		return err
	}
	defer mail.Close()

	policy := pwned.FailOpen
	if !cfg.Security.BreachCheckFailOpen {
		policy = pwned.FailClosed
	}
	checker := pwned.New(pwned.Config{
		BaseURL: cfg.Security.BreachCheckURL,
		Timeout: cfg.Security.BreachCheckTimeout,
		Policy:  policy,
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	security := core.DefaultSecurityConfig()
	security.SessionLifetime = cfg.Security.SessionLifetime
	security.VerificationTTL = cfg.Security.VerificationTTL
	security.TwoFactorFreshness = cfg.Security.TwoFactorFreshness
	security.MaxLoginAttempts = cfg.Security.MaxLoginAttempts
	security.LockoutDuration = cfg.Security.LockoutDuration
	security.PermissionCacheTTL = cfg.Security.PermissionCacheTTL

	authService, err := core.NewAuthService(core.Config{
		Storage:         store,
		Cookies:         cookies,
		Mailer:          mail,
		PasswordChecker: checker,
		SecurityConfig:  security,
		OAuthProviders:  oauthProviders(cfg),
		BaseURL:         cfg.Server.BaseURL,
		Issuer:          cfg.Email.AppName,
		Registerer:      registry,
	})
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("failed to create auth service: %w", err)
	}
	defer authService.Close()

	limiter, closeLimiter, err := newLimiter(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLimiter()

	go runCleanup(ctx, authService, limiter)

	router, err := newRouter(cfg, authService, limiter, registry)
	if err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server starting", "addr", server.Addr, "base_url", cfg.Server.BaseURL)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func openStorage(cfg config.DatabaseConfig) (core.Storage, error) {
	if cfg.Driver == "postgres" {
		s, err := storage.NewPostgresStorage(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := storage.NewSQLiteStorage(cfg.DSN)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func oauthProviders(cfg *config.Config) map[string]core.OAuthProviderConfig {
	providers := make(map[string]core.OAuthProviderConfig)
	callback := func(name string) string {
		return cfg.Server.BaseURL + "/auth/" + name + "/callback"
	}
	if p := cfg.OAuth.GitHub; p.Enabled() {
		providers["github"] = core.NewGitHubOAuthProvider(p.ClientID, p.ClientSecret, callback("github"))
	}
	if p := cfg.OAuth.Google; p.Enabled() {
		providers["google"] = core.NewGoogleOAuthProvider(p.ClientID, p.ClientSecret, callback("google"))
	}
	return providers
}

// newLimiter prefers redis when configured so limits hold across instances.
func newLimiter(ctx context.Context, cfg *config.Config) (ratelimit.Limiter, func(), error) {
	limits := ratelimit.Config{Requests: cfg.RateLimit.Requests, Window: cfg.RateLimit.Window}

	if cfg.Redis.Addr == "" {
		slog.Info("Using in-memory rate limiter")
		return ratelimit.NewMemory(limits), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	slog.Info("Using redis rate limiter", "addr", cfg.Redis.Addr)
	return ratelimit.NewRedis(client, limits), func() { _ = client.Close() }, nil
}

func runCleanup(ctx context.Context, authService *core.AuthService, limiter ratelimit.Limiter) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := authService.Cleanup(ctx); err != nil {
				slog.Error("Failed to cleanup expired records", "error", err)
			}
			if m, ok := limiter.(*ratelimit.Memory); ok {
				m.Cleanup()
			}
		}
	}
}
