package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/joi-assistant/joi/internal/application"
	"github.com/joi-assistant/joi/internal/infrastructure/config"
	"github.com/joi-assistant/joi/internal/infrastructure/logger"
)

const (
	appName    = "joi-mesh"
	appVersion = "0.1.0"
)

func main() {
	var configDir string

	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "Joi mesh transport adapter",
		Long:  "Signal transport adapter: signal-cli child, inbound policy, signed HTTP surface",
		RunE:  runServe,
	}
	rootCmd.PersistentFlags().StringVarP(&configDir, "config", "c", "", "config directory")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Start the mesh service (default)",
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "version",
			Short: "Show version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("%s v%s\n", appName, appVersion)
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	configDir, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadMesh(configDir)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: "stdout",
	})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer log.Sync()

	log.Info("starting mesh",
		zap.String("name", appName),
		zap.String("version", appVersion),
		zap.String("account", cfg.Signal.Account))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := application.NewMeshApp(cfg, log)
	if err != nil {
		return fmt.Errorf("initialize mesh: %w", err)
	}
	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("start mesh: %w", err)
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
	log.Info("mesh stopped")
	return nil
}
