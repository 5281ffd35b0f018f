package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/llmrelay/relay/internal/application"
	"github.com/llmrelay/relay/internal/infrastructure/config"
	"github.com/llmrelay/relay/internal/infrastructure/logger"
	httpiface "github.com/llmrelay/relay/internal/interfaces/http"
)

const (
	appName    = "relay"
	appVersion = "0.1.0"
)

// Exit codes: 0 ok, 1 config error, 2 credential error.
const (
	exitOK         = 0
	exitConfig     = 1
	exitCredential = 2
)

func main() {
	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "relay, an interactive LLM proxy",
		Long:  "relay proxies chat-completion traffic across heterogeneous LLM backends with in-band commands, policy middleware and failover routing.",
		RunE:  runServe,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the proxy server",
		RunE:  runServe,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", appName, appVersion)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitConfig)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(exitConfig)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(exitConfig)
	}
	defer log.Sync()

	log.Info("Starting relay",
		zap.String("version", appVersion),
		zap.String("mode", cfg.Server.Mode),
	)

	app, err := application.NewApp(cfg, log)
	if err != nil {
		var credErr *application.CredentialError
		if errors.As(err, &credErr) {
			log.Error("Backend credential failure", zap.Error(err))
			os.Exit(exitCredential)
		}
		log.Error("Failed to initialize application", zap.Error(err))
		os.Exit(exitConfig)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.Start(ctx); err != nil {
		log.Error("Failed to start application", zap.Error(err))
		os.Exit(exitConfig)
	}

	server := httpiface.NewServer(httpiface.Config{
		Host:   cfg.Server.Host,
		Port:   cfg.Server.Port,
		Mode:   cfg.Server.Mode,
		APIKey: cfg.Auth.APIKey,
	}, app.Pipeline(), app.Backends(), log)

	if err := server.Start(ctx); err != nil {
		log.Error("Failed to start HTTP server", zap.Error(err))
		os.Exit(exitConfig)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("Received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Error("Error stopping HTTP server", zap.Error(err))
	}
	if err := app.Stop(shutdownCtx); err != nil {
		log.Error("Error during shutdown", zap.Error(err))
		os.Exit(exitConfig)
	}

	log.Info("Relay stopped")
	os.Exit(exitOK)
	return nil
}
