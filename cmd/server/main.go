package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/rx3lixir/boltalka/internal/config"
	"github.com/rx3lixir/boltalka/internal/db"
	"github.com/rx3lixir/boltalka/internal/feed"
	"github.com/rx3lixir/boltalka/internal/httpserver"
	"github.com/rx3lixir/boltalka/pkg/jwt"
	"github.com/rx3lixir/boltalka/pkg/s3storage"
)

func main() {
	// Setting up logger
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportCaller:    true,
		ReportTimestamp: true,
		TimeFormat:      "2006-01-02 15:04:05",
		Level:           log.DebugLevel,
	})

	// Initializing global context instance
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initializing config manager
	cm, err := config.NewConfigManager("internal/config/config.yaml")
	if err != nil {
		logger.Error("Error getting config file", "error", err)
		os.Exit(1)
	}

	c := cm.GetConfig()

	// Validating configuration
	if err := c.Validate(); err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logger.Info(
		"Configuration loaded",
		"env", c.GeneralParams.Env,
		"http_addr", c.GeneralParams.HTTPaddress,
		"database", c.MainDBParams.Name,
		"feed", c.FeedParams.Host,
	)

	// Creating database connection pool
	pool, err := db.CreatePostgresPool(ctx, c.MainDBParams.GetDSN())
	if err != nil {
		logger.Error(
			"Failed to create postgres pool",
			"error", err,
			"db", c.MainDBParams.Name,
		)
		os.Exit(1)
	}
	defer pool.Close()

	logger.Info("Database connection established", "db", c.MainDBParams.Name)

	// Creating change feed publisher
	publisher, err := feed.NewPublisher(c.FeedParams.Host, c.FeedParams.Password)
	if err != nil {
		logger.Error("Failed to create feed publisher", "error", err)
		os.Exit(1)
	}
	defer publisher.Close()

	logger.Info("Change feed publisher initialized")

	// Creates database store
	store := db.NewPostgresStore(pool, publisher)

	if err := store.EnsureSchema(ctx); err != nil {
		logger.Error("Failed to ensure database schema", "error", err)
		os.Exit(1)
	}

	// Initializing JWT service
	jwtService := jwt.NewService(
		c.GeneralParams.SecretKey,
		15*time.Minute,
		7*24*time.Hour,
	)

	logger.Info("JWT service initialized")

	// Initialize S3 client
	s3Client, err := s3storage.NewMinIOClient(
		c.S3Params.Endpoint,
		c.S3Params.AccessKeyID,
		c.S3Params.SecretAccessKey,
		c.S3Params.BucketName,
		c.S3Params.UseSSL,
	)
	if err != nil {
		logger.Error("Failed to create S3 client", "error", err)
		os.Exit(1)
	}

	logger.Info("S3 storage client initialized", "bucket", c.S3Params.BucketName)

	// Creates HTTP server
	HTTPserver := httpserver.New(
		c.GeneralParams.HTTPaddress,
		store,
		jwtService,
		s3Client,
		logger,
	)

	// Channel to listen for errors coming from the server
	serverErrors := make(chan error, 1)

	// Start the HTTP server in a gorutine
	go func() {
		serverErrors <- HTTPserver.Start()
	}()

	logger.Info("Server started successfully")

	// Channel to listen for interrupt signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we recieve a signal or error
	select {
	case err := <-serverErrors:
		logger.Error("Server error", "error", err)
		os.Exit(1)

	case sig := <-shutdown:
		logger.Info("Shutdown signal received", "signal", sig)

		// Give outstanding requests 10s to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		logger.Info("Shutting down HTTP server...")
		if err := HTTPserver.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", "error", err)
		}

		logger.Info("Server stopped gracefully")
	}
}
