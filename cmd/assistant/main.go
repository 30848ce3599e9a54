package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/joi-assistant/joi/internal/application"
	"github.com/joi-assistant/joi/internal/infrastructure/config"
	"github.com/joi-assistant/joi/internal/infrastructure/logger"
	"github.com/joi-assistant/joi/internal/infrastructure/prompt"
)

const (
	appName    = "joi-assistant"
	appVersion = "0.1.0"
)

func main() {
	var configDir string

	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "Joi assistant service",
		Long:  "LLM orchestrator: memory, policy authority, signed HTTP surface",
		RunE:  runServe,
	}
	rootCmd.PersistentFlags().StringVarP(&configDir, "config", "c", "", "config directory")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the assistant service (default)",
		RunE:  runServe,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", appName, appVersion)
		},
	}

	rotateCmd := &cobra.Command{
		Use:   "rotate-key",
		Short: "Rotate the shared HMAC key and push it to the mesh",
		RunE:  runRotateKey,
	}
	rotateCmd.Flags().Bool("grace", true, "keep accepting the old key during the grace window")

	pushCmd := &cobra.Command{
		Use:   "push-config",
		Short: "Push the current policy to the mesh",
		RunE:  runPushConfig,
	}

	ingestCmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Queue a document for knowledge ingestion",
		Args:  cobra.ExactArgs(1),
		RunE:  runIngest,
	}
	ingestCmd.Flags().String("scope", "default", "knowledge scope for the document")

	rootCmd.AddCommand(serveCmd, versionCmd, rotateCmd, pushCmd, ingestCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := bootstrap(cmd, "")
	if err != nil {
		return err
	}
	defer log.Sync()

	log.Info("starting assistant",
		zap.String("name", appName),
		zap.String("version", appVersion))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := application.NewAssistantApp(cfg, log)
	if err != nil {
		return fmt.Errorf("initialize assistant: %w", err)
	}
	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("start assistant: %w", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("received shutdown signal", zap.String("signal", sig.String()))
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := app.Stop(shutdownCtx); err != nil {
		log.Error("shutdown error", zap.Error(err))
		return err
	}
	log.Info("assistant stopped")
	return nil
}

func runRotateKey(cmd *cobra.Command, args []string) error {
	cfg, log, err := bootstrap(cmd, "console")
	if err != nil {
		return err
	}
	defer log.Sync()

	grace, _ := cmd.Flags().GetBool("grace")

	app, err := application.NewAssistantApp(cfg, log)
	if err != nil {
		return fmt.Errorf("initialize assistant: %w", err)
	}
	if err := app.Pusher().RotateKey(grace); err != nil {
		return fmt.Errorf("rotate key: %w", err)
	}
	fmt.Println("key rotated and pushed to mesh")
	return nil
}

func runPushConfig(cmd *cobra.Command, args []string) error {
	cfg, log, err := bootstrap(cmd, "console")
	if err != nil {
		return err
	}
	defer log.Sync()

	app, err := application.NewAssistantApp(cfg, log)
	if err != nil {
		return fmt.Errorf("initialize assistant: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	hash, err := app.Pusher().PushNow(ctx)
	if err != nil {
		return fmt.Errorf("push config: %w", err)
	}
	fmt.Printf("config pushed, hash %s\n", hash)
	return nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, log, err := bootstrap(cmd, "console")
	if err != nil {
		return err
	}
	defer log.Sync()

	scope, _ := cmd.Flags().GetString("scope")
	scope = prompt.SanitizeScope(scope)
	if scope == "" {
		return fmt.Errorf("invalid scope")
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read document: %w", err)
	}

	app, err := application.NewAssistantApp(cfg, log)
	if err != nil {
		return fmt.Errorf("initialize assistant: %w", err)
	}
	if err := app.Ingester().EnsureDirectories(); err != nil {
		return err
	}
	path, err := app.Ingester().WriteIncoming(scope, filepath.Base(args[0]), data)
	if err != nil {
		return fmt.Errorf("queue document: %w", err)
	}
	ok, failed := app.Ingester().ProcessPending()
	fmt.Printf("queued %s, processed %d file(s), %d failed\n", path, ok, failed)
	return nil
}

// bootstrap loads config and builds the logger. formatOverride forces console
// output for the one-shot subcommands.
func bootstrap(cmd *cobra.Command, formatOverride string) (*config.AssistantConfig, *zap.Logger, error) {
	configDir, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadAssistant(configDir)
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}

	format := cfg.Log.Format
	if formatOverride != "" {
		format = formatOverride
	}
	log, err := logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Format:     format,
		OutputPath: "stdout",
	})
	if err != nil {
		return nil, nil, fmt.Errorf("initialize logger: %w", err)
	}
	return cfg, log, nil
}
