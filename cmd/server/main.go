package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/Tyrowin/roomchat/internal/dependencies/clock"
	"github.com/Tyrowin/roomchat/internal/presence"
	"github.com/Tyrowin/roomchat/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env file is fine; the environment alone is enough.
	_ = godotenv.Load()

	cfg, err := server.LoadConfig()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Level(),
	}))
	slog.SetDefault(logger)

	hub := server.NewHub(server.HubConfig{
		Config:   cfg,
		Registry: presence.NewRegistry(),
		Clock:    clock.New(),
		Logger:   logger,
	})
	hub.Start()

	router := server.SetupRoutes(server.NewHandlers(hub, cfg, logger), logger)
	httpServer := server.CreateServer(cfg.Addr(), router)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.StartServer(httpServer, logger)
	}()

	select {
	case err := <-errCh:
		_ = hub.Shutdown(cfg.ShutdownTimeout)
		return err
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	if err := server.ShutdownServer(httpServer, cfg.ShutdownTimeout, logger); err != nil {
		logger.Error("http shutdown", slog.Any("error", err))
	}
	if err := hub.Shutdown(cfg.ShutdownTimeout); err != nil {
		return fmt.Errorf("hub shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
