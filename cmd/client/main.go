package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/log"

	"github.com/rx3lixir/boltalka/internal/call"
	"github.com/rx3lixir/boltalka/internal/chat"
	"github.com/rx3lixir/boltalka/internal/config"
	"github.com/rx3lixir/boltalka/internal/db"
	"github.com/rx3lixir/boltalka/internal/feed"
	"github.com/rx3lixir/boltalka/internal/httpserver"
	"github.com/rx3lixir/boltalka/internal/presence"
	"github.com/rx3lixir/boltalka/internal/rtc"
	"github.com/rx3lixir/boltalka/internal/session"
	"github.com/rx3lixir/boltalka/internal/story"
	"github.com/rx3lixir/boltalka/pkg/s3storage"
)

func main() {
	serverAddr := flag.String("server", "http://localhost:8080", "auth server address")
	email := flag.String("email", "", "account email")
	password := flag.String("password", "", "account password")
	configPath := flag.String("config", "internal/config/config.yaml", "config file path")
	flag.Parse()

	if *email == "" || *password == "" {
		fmt.Println("Usage: client -email you@example.com -password secret [-server http://localhost:8080]")
		os.Exit(1)
	}

	// Setup logger
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportCaller:    false,
		ReportTimestamp: true,
		TimeFormat:      "15:04:05",
		Level:           log.InfoLevel,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cm, err := config.NewConfigManager(*configPath)
	if err != nil {
		logger.Fatal("Error getting config file", "error", err)
	}

	c := cm.GetConfig()

	if err := c.Validate(); err != nil {
		logger.Fatal("Invalid configuration", "error", err)
	}

	// Authenticate against the HTTP server
	logger.Info("Signing in...", "server", *serverAddr)

	auth, err := signin(*serverAddr, *email, *password)
	if err != nil {
		logger.Fatal("Authentication failed", "error", err)
	}

	sess := session.New()
	sess.SignIn(auth.User.ID, auth.User.Username, auth.AccessToken, auth.RefreshToken)

	logger.Info("✓ Signed in", "user", auth.User.Username, "id", auth.User.ID)

	// Connect to the shared store
	pool, err := db.CreatePostgresPool(ctx, c.MainDBParams.GetDSN())
	if err != nil {
		logger.Fatal("Failed to create postgres pool", "error", err)
	}
	defer pool.Close()

	publisher, err := feed.NewPublisher(c.FeedParams.Host, c.FeedParams.Password)
	if err != nil {
		logger.Fatal("Failed to create feed publisher", "error", err)
	}
	defer publisher.Close()

	store := db.NewPostgresStore(pool, publisher)

	// Subscribe to the change feed
	mux, err := feed.NewMux(c.FeedParams.Host, c.FeedParams.Password, logger)
	if err != nil {
		logger.Fatal("Failed to create feed mux", "error", err)
	}
	mux.Start(ctx)
	defer mux.Close()

	// S3 client for file and story uploads
	blobs, err := s3storage.NewMinIOClient(
		c.S3Params.Endpoint,
		c.S3Params.AccessKeyID,
		c.S3Params.SecretAccessKey,
		c.S3Params.BucketName,
		c.S3Params.UseSSL,
	)
	if err != nil {
		logger.Fatal("Failed to create S3 client", "error", err)
	}

	// Coordination components
	chatStore := chat.NewStore(store, store, sess, logger)

	heartbeat := time.Duration(c.PresenceParams.HeartbeatSeconds) * time.Second
	tracker := presence.NewTracker(store, sess, logger, heartbeat)

	transportFactory := func() (call.Transport, error) {
		source := rtc.NewNoiseSource(320, 20*time.Millisecond)
		return rtc.NewTransport(rtc.Config{
			ListenAddress:     c.RTCParams.ListenAddress,
			RendezvousServers: c.RTCParams.RendezvousServers,
		}, source, logger)
	}
	coordinator := call.NewCoordinator(store, store, sess, logger, transportFactory)

	stories := story.NewService(store, sess, logger, story.DefaultTTL)

	// Bind everything to the change feed
	unsubChat := chatStore.Bind(ctx, mux)
	defer unsubChat()
	unsubPresence := tracker.Bind(ctx, mux)
	defer unsubPresence()
	unsubCalls := coordinator.Bind(ctx, mux)
	defer unsubCalls()
	unsubStories := stories.Bind(ctx, mux)
	defer unsubStories()

	tracker.StartHeartbeat(ctx)
	defer tracker.StopHeartbeat(context.Background())

	// Initial state load
	if err := chatStore.FetchConversations(ctx); err != nil {
		logger.Error("Failed to load conversations", "error", err)
	}
	if err := stories.Refresh(ctx); err != nil {
		logger.Error("Failed to load stories", "error", err)
	}

	app := &App{
		logger:      logger,
		session:     sess,
		chat:        chatStore,
		presence:    tracker,
		coordinator: coordinator,
		stories:     stories,
		blobs:       blobs,
	}

	app.Run(ctx)
}

// signin exchanges credentials for tokens at the auth server
func signin(serverAddr, email, password string) (*httpserver.AuthResponse, error) {
	body, err := json.Marshal(httpserver.SigninRequest{
		Email:    email,
		Password: password,
	})
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}

	resp, err := httpClient.Post(serverAddr+"/api/auth/signin", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to reach auth server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return nil, fmt.Errorf("signin failed: %s", apiErr.Error)
	}

	auth := &httpserver.AuthResponse{}
	if err := json.NewDecoder(resp.Body).Decode(auth); err != nil {
		return nil, fmt.Errorf("failed to decode auth response: %w", err)
	}

	return auth, nil
}
