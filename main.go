package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"naskahsync/config"
	"naskahsync/config/database"
	"naskahsync/internal/document/repository"
	"naskahsync/pkg/logger"
	"naskahsync/pkg/tracing"
	"naskahsync/router"
	"naskahsync/socket"
)

const serviceName = "naskahsync"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Init("info")
		logger.Sugar.Fatalf("Invalid configuration: %v", err)
	}
	logger.Init(cfg.LogLevel)
	defer logger.Log.Sync()

	if cfg.JaegerEndpoint != "" {
		shutdown, err := tracing.Init(serviceName, cfg.JaegerEndpoint)
		if err != nil {
			logger.Sugar.Warnf("Failed to initialize tracing: %v (continuing without tracing)", err)
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(ctx); err != nil {
					logger.Sugar.Warnf("Tracer shutdown: %v", err)
				}
			}()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(ctx, cfg.DatabaseURL())
	if err != nil {
		logger.Sugar.Fatalf("Could not connect to database: %v", err)
	}
	defer db.Close()

	if cfg.DBMigrate {
		if err := database.Migrate(ctx, db); err != nil {
			logger.Sugar.Fatalf("Failed to migrate database: %v", err)
		}
	}

	// The hub owns the live rooms and reads snapshots through the repository.
	hub := socket.NewHub(repository.NewDocumentRepository(db))
	go hub.Run(ctx)

	server := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           router.Setup(db, hub, cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Sugar.Infof("Go Backend listening on %s", cfg.ServerAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Sugar.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Sugar.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Sugar.Errorf("Server shutdown: %v", err)
	}
}
