package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"voice-jobs-go/internal/app"
	"voice-jobs-go/internal/config"
	"voice-jobs-go/internal/httpapi"
	"voice-jobs-go/internal/logger"
	"voice-jobs-go/internal/metrics"
)

const defaultTenant = "default"

func main() {
	cfg, err := config.Load() // loads .env first
	if err != nil {
		logger.New().WithError(err).Fatal("failed to load configuration")
	}
	log := app.NewLogger(cfg)
	log.WithField("service", "voice-jobs-go").WithField("environment", cfg.Environment).Info("starting service")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to assemble pipeline")
	}
	defer a.Close()
	log.WithField("database", a.Store.Path()).Info("store opened")

	api := httpapi.New(httpapi.Deps{
		Store:         a.Store,
		Pipeline:      a.Pipeline,
		Feedback:      a.Feedback,
		Log:           log,
		Metrics:       metrics.Handler(),
		DefaultTenant: defaultTenant,
	})

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		if err := a.Scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("retry scheduler stopped")
		}
	}()

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.WithField("addr", srv.Addr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case err := <-serveErr:
		if err != nil {
			log.WithError(err).Error("server terminated")
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}
	if err := api.Close(shutdownCtx); err != nil {
		log.WithError(err).Warn("background runs still in flight at shutdown")
	}
	<-schedDone
	log.Info("stopped")
}
