package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"deploycli/pkg/bus"
	"deploycli/pkg/db"
	gos3 "deploycli/pkg/s3"
	"deploycli/pkg/signing"
	"deploycli/pkg/telemetry"
	"deploycli/services/registry"
)

const serviceName = "deploy-registry"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := registry.LoadConfig(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("level", cfg.LogLevel).Msg("parse log level")
	}
	zerolog.SetGlobalLevel(level)

	shutdownTracing, tracing, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("init telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	bundles, err := registry.NewBundles(cfg.TasksDir)
	if err != nil {
		log.Fatal().Err(err).Msg("open tasks directory")
	}

	var store registry.Registry = registry.NewMemoryRegistry()
	if cfg.DBDSN != "" {
		pool, err := db.Open(ctx, cfg.DBDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("connect database")
		}
		defer pool.Close()

		pg, err := registry.NewPostgresRegistry(ctx, pool)
		if err != nil {
			log.Fatal().Err(err).Msg("open postgres registry")
		}
		defer pg.Close()
		store = pg
		log.Info().Msg("using postgres registry")
	}

	opts := registry.Options{
		Password:     cfg.Password,
		Bundles:      bundles,
		Registry:     store,
		RateLimitRPS: cfg.RateLimitRPS,
		Middleware:   []func(http.Handler) http.Handler{tracing},
		Logger:       log.Logger,
	}

	if cfg.AgeSecretKey != "" {
		signer, err := signing.New(cfg.AgeSecretKey, "")
		if err != nil {
			log.Fatal().Err(err).Msg("load signing key")
		}
		opts.Signer = signer
		log.Info().Str("public_key", signer.PublicKeyBase64()).Msg("signing served digests")
	}

	if cfg.NATSURL != "" {
		events, err := bus.New(cfg.NATSURL)
		if err != nil {
			log.Fatal().Err(err).Msg("connect event bus")
		}
		defer events.Close()
		opts.Events = events
	}

	if cfg.S3.Bucket != "" {
		mirror, err := gos3.NewClient(ctx, gos3.Config{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			Bucket:         cfg.S3.Bucket,
			Prefix:         cfg.S3.Prefix,
			DisableTLS:     cfg.S3.DisableTLS,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("init s3 mirror")
		}
		opts.Mirror = mirror
	}

	server, err := registry.New(opts)
	if err != nil {
		log.Fatal().Err(err).Msg("init registry")
	}

	if _, err := server.Reconcile(ctx); err != nil {
		log.Fatal().Err(err).Msg("initial reconcile")
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Str("tasks_dir", cfg.TasksDir).Msg("starting " + serviceName)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown server")
	}
}
