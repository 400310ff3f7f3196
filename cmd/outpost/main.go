// Package main is the entry point for the outpost authorization server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/outpost-auth/outpost/internal/authz"
	"github.com/outpost-auth/outpost/internal/catalog"
	"github.com/outpost-auth/outpost/internal/config"
	"github.com/outpost-auth/outpost/internal/crypto"
	"github.com/outpost-auth/outpost/internal/grant"
	"github.com/outpost-auth/outpost/internal/guard"
	outposthttp "github.com/outpost-auth/outpost/internal/http"
	"github.com/outpost-auth/outpost/internal/store/file"
)

func main() {
	// A local .env is optional; real deployments set the environment.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: parseLogLevel(cfg.LogLevel),
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: parseLogLevel(cfg.LogLevel),
		})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	store, err := file.NewStore(cfg.DataDir)
	if err != nil {
		logger.Error("failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	logger.Info("initialized file store", "data_dir", cfg.DataDir)

	ctx := context.Background()

	keyRepo := file.NewKeyRepository(cfg.DataDir)
	keyService := crypto.NewKeyService(keyRepo,
		crypto.WithRotationWindow(time.Duration(cfg.SigningKeyRotationDays)*24*time.Hour),
	)
	activeKey, err := keyService.EnsureActiveKey(ctx)
	if err != nil {
		logger.Error("failed to ensure signing key", "error", err)
		os.Exit(1)
	}
	logger.Info("signing key ready", "kid", activeKey.Kid)
	signer := crypto.NewSigner(activeKey, keyService, cfg.IssuerURL)

	catalogSvc := catalog.NewService(store, logger)
	if err := catalogSvc.EnsureStandardScopes(ctx); err != nil {
		logger.Error("failed to seed standard scopes", "error", err)
		os.Exit(1)
	}

	g := guard.New(store.Users(), store.Security(), guard.Config{
		LockoutThreshold: cfg.LockoutThreshold,
		LockoutDuration:  cfg.LockoutDuration,
		PasswordMinLen:   cfg.PasswordMinLen,
		PasswordHistory:  cfg.PasswordHistory,
	}, logger)

	sessions := guard.NewSessionService(store.Sessions(),
		guard.WithCookieSecure(cfg.CookieSecure),
		guard.WithCookieDomain(cfg.CookieDomain),
		guard.WithSessionTTL(cfg.SessionDuration),
	)

	validator := authz.NewValidator(store.Clients(), store.Scopes())
	exchanger := grant.NewExchanger(store, signer, grant.Config{
		AccessTokenTTL:      cfg.AccessTokenTTL,
		RefreshTokenTTL:     cfg.RefreshTokenTTL,
		AuthCodeTTL:         cfg.AuthCodeTTL,
		RotateRefreshTokens: cfg.RotateRefreshTokens,
	}, logger)

	server := outposthttp.NewServer(cfg.Addr(),
		outposthttp.WithLogger(logger),
		outposthttp.WithRequestTimeout(cfg.RequestTimeout),
		outposthttp.WithCORSOrigins(cfg.CORSOrigins),
	)
	server.MountRoutes(
		outposthttp.NewOAuthHandler(validator, exchanger, sessions, logger),
		outposthttp.NewAuthHandler(g, sessions, logger),
		outposthttp.NewAdminHandler(catalogSvc, logger),
		outposthttp.NewDiscoveryHandler(cfg.IssuerURL),
		outposthttp.NewJWKSHandler(keyService, logger),
		outposthttp.RouteConfig{
			LoginRateLimit: cfg.LoginRateLimit,
			TokenRateLimit: cfg.TokenRateLimit,
		},
	)

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("server started", "addr", cfg.Addr(), "issuer", cfg.IssuerURL)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
