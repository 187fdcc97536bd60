package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/meshlink-protocol/meshlink/internal/api"
	"github.com/meshlink-protocol/meshlink/internal/api/middleware"
	"github.com/meshlink-protocol/meshlink/internal/cert"
	"github.com/meshlink-protocol/meshlink/internal/config"
	"github.com/meshlink-protocol/meshlink/internal/conversation"
	"github.com/meshlink-protocol/meshlink/internal/crypto"
	"github.com/meshlink-protocol/meshlink/internal/registry"
	"github.com/meshlink-protocol/meshlink/internal/security"
	"github.com/meshlink-protocol/meshlink/internal/store"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	ctx := context.Background()

	// Initialize trust store: Postgres when configured, SQLite otherwise
	var trust store.TrustStore
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		trust = pg
		logger.Info().Msg("connected to PostgreSQL trust store")
	} else {
		sq, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("sqlite open failed")
		}
		trust = sq
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened SQLite trust store")
	}
	defer trust.Close()

	// Initialize nonce store: Redis when configured, in-process otherwise
	var nonces store.NonceStore
	if cfg.RedisURL != "" {
		rn, err := store.NewRedisNonceStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer rn.Close()
		nonces = rn
		logger.Info().Msg("connected to Redis nonce store")
	} else {
		nonces = store.NewMemoryNonceStore()
		logger.Warn().Msg("using in-process nonce store; replay protection does not span instances")
	}

	// Load or generate the issuer key
	var issuerKeys *crypto.KeyPair
	if cfg.IssuerKey != "" {
		kp, err := crypto.ParsePrivateKey(cfg.IssuerKey)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid ISSUER_KEY")
		}
		issuerKeys = kp
	} else {
		kp, err := crypto.GenerateKeyPair()
		if err != nil {
			logger.Fatal().Err(err).Msg("issuer key generation failed")
		}
		issuerKeys = kp
		logger.Warn().Msg("generated ephemeral issuer key; certificates will not survive restart")
	}
	authority := cert.NewAuthority(cfg.IssuerName, issuerKeys)

	// Assemble the routing core
	contexts := conversation.NewManager()
	reg := registry.NewRegistry(cfg.ReplaceOnRegister, logger)
	verifier := security.NewVerifier(authority.TrustRoot(), logger)
	router := registry.NewRouter(reg, contexts, cfg.SecurityLevel, verifier, logger)

	// Bring stored policies live before accepting traffic
	policies, err := trust.ListPolicies(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load stored policies")
	}
	for _, p := range policies {
		router.SetPolicy(p)
	}
	logger.Info().Int("policies", len(policies)).Msg("policies loaded")

	// Restore issuance state: seed the serial counter past persisted
	// certificates and replay revocations into the live authority
	maxSerial, err := trust.MaxSerial(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to read persisted serials")
	}
	authority.SeedSerial(maxSerial)

	revoked, err := trust.ListRevocations(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load revocations")
	}
	for _, serial := range revoked {
		authority.Revoke(serial)
	}

	h := api.NewHandler(reg, router, contexts, authority, trust, nonces, logger)
	auth := middleware.NewAuthMiddleware(trust, nonces, authority.Verify, logger)
	mux := api.NewRouter(h, auth, logger)

	// Create server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Int("security_level", int(cfg.SecurityLevel)).
			Msg("starting meshlink server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}
