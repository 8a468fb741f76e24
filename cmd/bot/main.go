package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hunterwarburton/qnabot/internal/app"
	"github.com/hunterwarburton/qnabot/internal/config"
	"github.com/hunterwarburton/qnabot/internal/logger"
	"github.com/hunterwarburton/qnabot/internal/server"
	"github.com/hunterwarburton/qnabot/internal/telegram"
	"github.com/joho/godotenv"
)

func main() {
	// Parse command line flags
	debug := flag.Bool("debug", false, "Enable debug logging")
	configFile := flag.String("config", "config.yaml", "Path to the YAML config file")
	flag.Parse()

	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		logger.Info("Warning: No .env file found or error loading it")
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("Failed to load configuration: %v", err)
		os.Exit(1)
	}
	logger.Init(*debug || cfg.LogLevel == "debug")
	logger.Info("Starting bot...")

	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration: %v", err)
		os.Exit(1)
	}
	if logger.IsDebugEnabled() {
		logger.Debug("Configuration loaded: Backend=%s, Index=%s, ChatDeployment=%s, EmbeddingDeployment=%s, Telegram=%v",
			cfg.Index.Backend, cfg.Index.Name, cfg.Azure.ChatDeployment, cfg.Azure.EmbeddingDeployment, cfg.Telegram.Token != "")
	}

	// Set up context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("Initializing services...")
	services, err := app.New(ctx, cfg)
	if err != nil {
		logger.Error("Failed to initialize services: %v", err)
		os.Exit(1)
	}

	var wg sync.WaitGroup

	if cfg.Telegram.Token != "" {
		bot, err := telegram.NewBot(cfg.Telegram.Token, services.Handler, services.Planner, services.Indexer, services.Policy)
		if err != nil {
			logger.Error("Failed to initialize Telegram bot: %v", err)
			os.Exit(1)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			bot.Start(ctx)
		}()
	} else {
		logger.Info("TG_BOT_TOKEN not set; Telegram adapter disabled")
	}

	srv := server.New(server.Config{
		APIToken:         cfg.Server.APIToken,
		DownloadsDir:     cfg.Bot.DownloadsDir,
		MaxDownloadBytes: cfg.Bot.MaxDownloadBytes,
	}, services.Handler, services.Indexer, services.Indexer)
	go func() {
		if err := srv.Start(cfg.Server.Addr); err != nil {
			logger.Error("HTTP server failed: %v", err)
			cancel()
		}
	}()

	// Set up graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
	case <-ctx.Done():
	}
	logger.Info("Shutting down bot...")
	cancel()

	// Create a context with timeout for shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown: %v", err)
	}
	wg.Wait()
	services.Close(shutdownCtx)

	logger.Info("Bot has been shut down")
}
