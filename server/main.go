package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/burntcarrot/otpad/config"
	"github.com/burntcarrot/otpad/session"
	"github.com/burntcarrot/otpad/store"
	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

func main() {
	// Parse flags.
	configDir := flag.String("config", config.DefaultDir, "Directory containing config.yml and config.local.yml")
	flag.Parse()

	cfg, err := config.LoadConfig(*configDir)
	if err != nil {
		color.Red("Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Open the history store.
	st, err := store.New(ctx, cfg.StoreOptions())
	if err != nil {
		logger.WithError(err).Fatal("error opening history store")
	}

	hub := session.NewHub(st, session.Config{
		HistoryLimit: cfg.Session.HistoryLimit,
		Logger:       logger,
	})
	defer hub.Close()

	srv := newServer(hub, logger, cfg.Server.SendQueue)
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	// Start the server.
	color.Green("Starting server on %s (store: %s)\n", cfg.Server.Addr, cfg.Storage.Backend)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Fatal("error starting server, exiting")
	}
	color.Yellow("Server stopped\n")
}

// setupLogger initializes the server's logger (logrus).
func setupLogger(cfg config.LogConfig) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		logger.WithError(err).Warn("unknown log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger
}
