package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"qingping-go-cloud/internal/automation"
	"qingping-go-cloud/internal/cache"
	"qingping-go-cloud/internal/coordinator"
	"qingping-go-cloud/internal/mqtt"
	"qingping-go-cloud/internal/qingping"
	"qingping-go-cloud/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Cloud struct {
		AppKey       string `yaml:"app_key"`
		AppSecret    string `yaml:"app_secret"`
		OAuthURL     string `yaml:"oauth_url"`
		APIURL       string `yaml:"api_url"`
		PollInterval int    `yaml:"poll_interval"` // seconds
		CallTimeout  int    `yaml:"call_timeout"`  // seconds
	} `yaml:"cloud"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		WebhookToken   string   `yaml:"webhook_token"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Cache struct {
		Path string `yaml:"path"`
	} `yaml:"cache"`
	MQTT struct {
		Enabled  bool     `yaml:"enabled"`
		Broker   string   `yaml:"broker"`
		Username string   `yaml:"username"`
		Password string   `yaml:"password"`
		ClientID string   `yaml:"client_id"`
		Topics   []string `yaml:"topics"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	if c.Cloud.AppKey == "" {
		return fmt.Errorf("cloud.app_key is required")
	}
	if c.Cloud.AppSecret == "" {
		return fmt.Errorf("cloud.app_secret is required")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	// Create configured logger.
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("qingping-cloud starting", "version", version)

	// Cloud API client.
	cloud := qingping.NewClient(cfg.Cloud.AppKey, cfg.Cloud.AppSecret, logger,
		qingping.WithBaseURLs(cfg.Cloud.OAuthURL, cfg.Cloud.APIURL))

	coord := coordinator.New(cloud, coordinator.Config{
		PollInterval: time.Duration(cfg.Cloud.PollInterval) * time.Second,
		CallTimeout:  time.Duration(cfg.Cloud.CallTimeout) * time.Second,
	}, logger)

	// Snapshot cache: warm-start from the last successful poll, then keep it
	// current on every snapshot replacement.
	snapCache, err := cache.Open(cfg.Cache.Path)
	if err != nil {
		logger.Error("open snapshot cache", "err", err)
		os.Exit(1)
	}
	defer snapCache.Close()
	warmStart(coord, snapCache, logger)

	unsubCache := coord.Events().On(coordinator.EventSnapshotReplaced, func(coordinator.Event) {
		err := snapCache.Save(&cache.Snapshot{
			ControllerName: coord.Store().ControllerName(),
			Devices:        coord.Store().Devices(),
			SavedAt:        time.Now(),
		})
		if err != nil {
			logger.Error("save snapshot cache", "err", err)
		}
	})
	defer unsubCache()

	// Prime the model and start the poll loop. A failed first poll is not
	// fatal: the loop retries on schedule and consumers read unavailable
	// until it succeeds.
	startCtx, startCancel := context.WithTimeout(context.Background(), 2*coordinator.DefaultCallTimeout)
	if err := coord.Start(startCtx); err != nil {
		logger.Error("initial poll failed, continuing on cached data", "err", err)
	}
	startCancel()

	// Automation engine.
	auto := automation.NewEngine(coord, logger)
	if cfg.ScriptsDir != "" {
		if err := auto.Start(cfg.ScriptsDir); err != nil {
			logger.Error("start automation", "err", err)
		}
	}

	// Web server: webhook push transport, read API, WebSocket stream.
	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if cfg.Web.WebhookToken != "" {
		webOpts = append(webOpts, web.WithWebhookToken(cfg.Web.WebhookToken))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))

	webServer := web.NewServer(coord, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "err", err)
		}
	}()

	// MQTT push ingestion.
	var ingestor *mqtt.Ingestor
	if cfg.MQTT.Enabled {
		ingestor, err = mqtt.NewIngestor(coord, mqtt.Config{
			Broker:   cfg.MQTT.Broker,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			ClientID: cfg.MQTT.ClientID,
			Topics:   cfg.MQTT.Topics,
		}, logger)
		if err != nil {
			logger.Error("start mqtt ingestor", "err", err)
			os.Exit(1)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	if ingestor != nil {
		ingestor.Stop()
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	coord.Stop()

	logger.Info("goodbye")
}

// warmStart seeds the store from the cached snapshot. The poll state stays
// failed, so everything reads unavailable until the first live poll.
func warmStart(coord *coordinator.Coordinator, snapCache *cache.Cache, logger *slog.Logger) {
	snap, err := snapCache.Load()
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			logger.Warn("load snapshot cache", "err", err)
		}
		return
	}
	coord.Store().ReplaceSnapshot(snap.ControllerName, snap.Devices)
	logger.Info("warm start from cached snapshot",
		"devices", len(snap.Devices), "saved_at", snap.SavedAt.Format(time.RFC3339))
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Defaults
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = ":8090"
	}
	if cfg.Cache.Path == "" {
		cfg.Cache.Path = "qingping-cloud.db"
	}
	if cfg.Cloud.PollInterval == 0 {
		cfg.Cloud.PollInterval = int(coordinator.DefaultPollInterval / time.Second)
	}
	if cfg.Cloud.CallTimeout == 0 {
		cfg.Cloud.CallTimeout = int(coordinator.DefaultCallTimeout / time.Second)
	}
	if cfg.MQTT.Enabled && len(cfg.MQTT.Topics) == 0 {
		cfg.MQTT.Topics = []string{"qingping/+/up"}
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
