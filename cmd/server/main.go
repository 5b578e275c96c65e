package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/duocam/duocam/internal/archive"
	"github.com/duocam/duocam/internal/config"
	"github.com/duocam/duocam/internal/events"
	"github.com/duocam/duocam/internal/gateway"
	"github.com/duocam/duocam/internal/session"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file loaded")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	var listeners []events.Listener

	if cfg.NATS.Enabled {
		natsCfg := events.DefaultNATSConfig()
		natsCfg.URL = cfg.NATS.URL
		natsCfg.SubjectPrefix = cfg.NATS.SubjectPrefix
		publisher, err := events.NewNATSPublisher(natsCfg)
		if err != nil {
			return fmt.Errorf("failed to create NATS publisher: %w", err)
		}
		defer publisher.Close()
		listeners = append(listeners, publisher)
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS event publishing enabled")
	}

	if cfg.Database.URL != "" {
		repo, err := archive.NewRepository(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("failed to connect archive database: %w", err)
		}
		defer repo.Close()
		if err := repo.EnsureSchema(ctx); err != nil {
			return err
		}
		listeners = append(listeners, repo)
		log.Info().Msg("session archive enabled")
	}

	// The bus runs past ctx so shutdown-time events still reach listeners;
	// Close drains it after the registry has ended every session.
	bus := events.NewBus(listeners...)
	go bus.Run(context.Background())

	registryCfg := session.DefaultRegistryConfig()
	if cfg.Registry.SweepIntervalSec > 0 {
		registryCfg.SweepInterval = time.Duration(cfg.Registry.SweepIntervalSec) * time.Second
	}
	if cfg.Registry.StaleAfterSec > 0 {
		registryCfg.StaleAfter = time.Duration(cfg.Registry.StaleAfterSec) * time.Second
	}
	registry := session.NewRegistry(clockwork.NewRealClock(), bus, registryCfg)
	go registry.Run(ctx)

	gatewayCfg := gateway.DefaultConfig()
	gatewayCfg.CheckOrigin = gateway.OriginChecker(cfg.Server.AllowedOrigins)
	handler := gateway.NewHandler(registry, gatewayCfg)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodDelete,
		},
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedHeaders: []string{"*"},
	})

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: c.Handler(mux),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("coordination server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	registry.Shutdown()
	bus.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	return nil
}

func init() {
	// Human-readable logs when stderr is a terminal; JSON otherwise.
	if fi, err := os.Stderr.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
