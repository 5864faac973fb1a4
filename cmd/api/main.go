package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"podcast-pipeline/internal/api"
	"podcast-pipeline/internal/approval"
	"podcast-pipeline/internal/config"
	"podcast-pipeline/internal/logging"
	"podcast-pipeline/internal/queue"
	"podcast-pipeline/internal/ratelimit"
	"podcast-pipeline/internal/store"
	"podcast-pipeline/internal/supervisor"
	"podcast-pipeline/internal/transition"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat).With("service", "api")

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("connect database", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Error("migrations", "error", err)
		os.Exit(1)
	}

	q := queue.NewRedisQueue(cfg, logger)
	defer q.Close()

	mover := transition.New(st, q, logger)
	tokens := approval.NewTokens(cfg.ApprovalSecret, cfg.ApprovalTokenTTL)
	sup := supervisor.New(mover, supervisor.MirrorFromConfig(cfg))
	defer sup.Wait()

	server := api.New(cfg, api.Deps{
		Supervisor: sup,
		Decider:    approval.NewDecider(mover, tokens, cfg.Policy),
		Sweeper:    approval.NewSweeper(mover),
		Store:      st,
		Queue:      q,
		Limiter:    ratelimit.FromConfig(q.Client(), cfg),
		Logger:     logger,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", "addr", httpServer.Addr)
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("listen", "error", err)
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
