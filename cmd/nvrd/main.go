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

	"github.com/prometheus/client_golang/prometheus"

	"nvrd/internal/api"
	"nvrd/internal/cleanup"
	"nvrd/internal/config"
	"nvrd/internal/logging"
	"nvrd/internal/metrics"
	"nvrd/internal/push"
	"nvrd/internal/store"
	"nvrd/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel)
	log.Info().Str("db", cfg.DBPath).Int("port", cfg.Port).Msg("starting")

	// A second instance holding the same database must not start.
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("db", cfg.DBPath).Msg("opening store")
	}

	met := metrics.New(prometheus.DefaultRegisterer)
	hub := push.NewHub(log)

	sup := supervisor.New(supervisor.Options{
		Store:       st,
		Sink:        hub,
		Metrics:     met,
		Log:         log,
		DetectorDir: cfg.DetectorDir,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sup.Run(ctx)
	go cleanup.New(st, log, met, nil, sup.BusyMovementKeys).Run(ctx)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: api.New(st, sup, hub, log, cfg.WebPath).Router(),
	}
	httpErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("http server listening")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR2)
	select {
	case s := <-sig:
		log.Info().Str("signal", s.String()).Msg("signal received")
	case err := <-httpErr:
		log.Error().Err(err).Msg("http server failed")
	}

	cancel()
	sup.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	if err := st.Close(); err != nil {
		log.Error().Err(err).Msg("closing store")
	}
	log.Info().Msg("stopped")
}
