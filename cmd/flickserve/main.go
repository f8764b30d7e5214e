package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flickfeed/internal/config"
	"flickfeed/internal/server"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

func main() {
	configPath := "./config.toml"

	// Initialize basic logger for startup
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	// Load .env file if present (for the ngrok authtoken)
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			logger.WithError(err).Warn("Could not load .env file")
		}
	}

	// Load configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.WithError(err).Fatal("Error loading configuration")
	}

	if level, parseErr := logrus.ParseLevel(cfg.Logging.Level); parseErr == nil {
		logger.SetLevel(level)
	}
	if cfg.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if cfg.Logging.File != "" {
		if f, fileErr := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); fileErr == nil {
			logger.SetOutput(f)
		} else {
			logger.WithError(fileErr).Warn("Could not open log file, logging to stderr")
		}
	}

	// Warn when the local media directory is missing; the mock playlist and
	// proxy still work without it.
	if _, err := os.Stat(cfg.Server.MediaDir); os.IsNotExist(err) {
		logger.WithField("media_dir", cfg.Server.MediaDir).Warn("Media directory does not exist, local video serving disabled")
	}

	feedServer, err := server.NewFeedServer(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Error creating feed server")
	}

	// Handle graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := feedServer.Start(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Feed server failed")
		}
	}()

	<-c

	logger.Info("Received shutdown signal")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	feedServer.Shutdown(ctx)
}
