package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"firmware-depot/internal/api"
	"firmware-depot/internal/api/handlers"
	"firmware-depot/internal/auth"
	"firmware-depot/internal/config"
	"firmware-depot/internal/logging"
	"firmware-depot/internal/storage"
	"firmware-depot/internal/webhook"

	"github.com/rs/zerolog/log"
)

func main() {
	cfgPath := os.Getenv("FW_CONFIG_FILE")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Config load failed")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Config validation failed")
	}

	// Initialize logger
	if err := logging.Setup(cfg); err != nil {
		log.Fatal().Err(err).Msg("Logger setup failed")
	}

	log.Info().
		Str("version", "1.0.0").
		Str("listen_addr", cfg.ListenAddr).
		Str("storage_type", cfg.Storage.Type).
		Msg("Firmware Depot starting")

	// Storage layer: validate, construct, then the explicit
	// initialization phase before any request is served.
	store, err := storage.NewManager(storage.Config{
		Type:                   cfg.Storage.Type,
		DataFile:               cfg.Storage.FileSystem.DataFile,
		AnalyticsFile:          cfg.Storage.FileSystem.AnalyticsFile,
		UploadDir:              cfg.Storage.FileSystem.UploadDir,
		MongoURI:               cfg.Storage.MongoDB.URI,
		MongoDatabase:          cfg.Storage.MongoDB.Database,
		MongoBucket:            cfg.Storage.MongoDB.Bucket,
		MongoChunkSize:         cfg.Storage.MongoDB.ChunkSizeBytes,
		PostgresURI:            cfg.Storage.Postgres.URI,
		PostgresMaxConns:       cfg.Storage.Postgres.MaxConns,
		PostgresConnTimeoutSec: cfg.Storage.Postgres.ConnTimeoutSec,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Storage configuration invalid")
	}
	if err := store.Initialize(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Storage initialization failed")
	}

	// Webhook layer
	whSvc := &webhook.Service{
		Targets:    cfg.Webhooks.Targets,
		Secret:     cfg.Webhooks.Secret,
		TimeoutSec: cfg.Webhooks.TimeoutSec,
		Retries:    cfg.Webhooks.Retries,
	}

	tokens := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTLHours, cfg.Auth.BcryptCost)

	// Initialize OIDC verifier if enabled
	var oidcVerifier *auth.OIDCVerifier
	if cfg.OIDC.Enabled {
		log.Info().Str("issuer", cfg.OIDC.IssuerURL).Msg("Initializing OIDC authentication")
		oidcVerifier, err = auth.NewOIDCVerifier(
			context.Background(),
			cfg.OIDC.IssuerURL,
			cfg.OIDC.ClientID,
			cfg.OIDC.Audience,
			cfg.OIDC.RolesClaim,
		)
		if err != nil {
			log.Warn().
				Err(err).
				Msg("OIDC enabled but failed to initialize, falling back to local JWT authentication only")
			cfg.OIDC.Enabled = false
		} else {
			log.Info().
				Str("issuer", cfg.OIDC.IssuerURL).
				Str("client_id", cfg.OIDC.ClientID).
				Str("roles_claim", cfg.OIDC.RolesClaim).
				Msg("OIDC authentication enabled")
		}
	}

	authn := auth.Auth{
		Tokens:       tokens,
		OIDCEnabled:  cfg.OIDC.Enabled,
		OIDCVerifier: oidcVerifier,
	}

	fwHandler := &handlers.FirmwareHandler{
		Auth:              authn,
		Store:             store,
		Webhooks:          whSvc,
		MaxBytes:          cfg.MaxUploadMB * 1024 * 1024,
		AllowedExtensions: cfg.AllowedExtensions,
	}
	userHandler := &handlers.UserHandler{
		Auth:   authn,
		Tokens: tokens,
		Store:  store,
	}
	healthHandler := &handlers.HealthHandler{Store: store}

	router := api.NewRouter(fwHandler, userHandler, healthHandler)

	// Apply middlewares: logging first, then CORS
	handler := logging.HTTPLogger(router)
	handler = api.CORSMiddleware(cfg.CORSOrigin, handler)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handler,
	}

	go func() {
		log.Info().
			Str("listen_addr", cfg.ListenAddr).
			Msg("Firmware Depot listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM: stop accepting requests,
	// then close the storage backend.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	if err := store.Close(ctx); err != nil {
		log.Error().Err(err).Msg("Storage close failed")
	}
	log.Info().Msg("Shutdown complete")
}
