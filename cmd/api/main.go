package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/punchamoorthee/walletcore/internal/app"
	"github.com/punchamoorthee/walletcore/internal/config"
	"github.com/punchamoorthee/walletcore/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log := logger.New("walletcore-api")
		log.Fatal().Err(err).Msg("load config")
	}

	log := logger.NewWithConfig(logger.Config{
		Level:      cfg.LogLevel,
		TimeFormat: time.RFC3339,
		Pretty:     cfg.LogPretty,
		Service:    "walletcore-api",
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("initialize")
	}
	defer a.Close()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	workersDone := make(chan struct{})
	go func() {
		a.RunWorkers(ctx)
		close(workersDone)
	}()

	go func() {
		log.Info().Str("addr", srv.Addr).Str("env", cfg.Env).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown")
	}
	<-workersDone
}
