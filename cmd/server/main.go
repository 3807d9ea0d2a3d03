package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/Stage/internal/adapters/http"
	"github.com/dkeye/Stage/internal/adapters/rtc"
	sig "github.com/dkeye/Stage/internal/adapters/signal"
	"github.com/dkeye/Stage/internal/adapters/store"
	"github.com/dkeye/Stage/internal/app/auth"
	"github.com/dkeye/Stage/internal/app/broadcast"
	"github.com/dkeye/Stage/internal/config"
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/platform/logging"
	"github.com/dkeye/Stage/internal/platform/metrics"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logging.Setup("debug", "info")
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logging.Setup(cfg.Mode, cfg.Log.Level)

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}

func openPresence(cfg *config.Config) (core.PresenceStore, func() error, error) {
	switch cfg.Presence.Driver {
	case "sqlite":
		db, err := store.OpenSQLite(cfg.Presence.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open presence store: %w", err)
		}
		return db, db.Close, nil
	default:
		return store.NewMemory(), func() error { return nil }, nil
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	backing, closeStore, err := openPresence(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Error().Err(err).Msg("close presence store")
		}
	}()

	m := metrics.New()
	hub := store.NewHub(backing)
	issuer := auth.NewIssuer(cfg.Secret, cfg.TokenTTL)
	broadcasts := broadcast.NewService(cfg.AppID, issuer, hub, m)
	signaling := sig.NewController(issuer, m, sig.Options{
		WebRTC:     rtc.WebRTCConfig(cfg.ICEServers),
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
	})

	r := router.SetupRouter(ctx, cfg, router.Deps{
		Issuer:     issuer,
		Broadcasts: broadcasts,
		Presence:   hub,
		Signal:     signaling,
		Metrics:    m,
	})
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Str("presence", cfg.Presence.Driver).Msg("Stage server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}
