package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fithublabs/gatekeeper/cmd/mock-server/backend"
	"github.com/fithublabs/gatekeeper/internal/common/cnst"
	"github.com/fithublabs/gatekeeper/internal/common/config"
	"github.com/fithublabs/gatekeeper/pkg/logger"
	"github.com/fithublabs/gatekeeper/pkg/version"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of mock-server",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mock-server version %s\n", version.Get())
		},
	}

	rootCmd = &cobra.Command{
		Use:   "mock-server",
		Short: "Development backend fixture",
		Long: `mock-server is the development backend the gate agent talks to: the
resource API, the websocket event endpoint and the long-poll fallback,
seeded with a small fixture dataset.`,
		Run: func(cmd *cobra.Command, args []string) {
			run()
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "conf", cnst.MockServerYaml, "path to configuration file")
	rootCmd.AddCommand(versionCmd)
}

func run() {
	cfg, cfgPath, err := config.LoadConfig[config.MockServerConfig](configPath)
	if err != nil {
		log.Fatalf("failed to load configuration from %s: %v", cfgPath, err)
	}
	if cfg.Port == 0 {
		cfg.Port = 5000
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "mock-server-development-secret"
	}

	lg, err := logger.NewLogger(&cfg.Logger)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer lg.Sync()

	lg.Info("starting mock-server",
		zap.String("version", version.Get()),
		zap.String("conf", cfgPath),
		zap.Int("port", cfg.Port))

	db, err := backend.NewDatabase(cfg.Database)
	if err != nil {
		lg.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()

	jwtSvc := backend.NewJWTService(cfg.JWTSecret, 24*time.Hour)
	hub := backend.NewHub(jwtSvc, lg)
	srv := backend.NewHTTPServer(db, hub, jwtSvc, lg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(":" + strconv.Itoa(cfg.Port))
	}()

	select {
	case <-ctx.Done():
		lg.Info("received shutdown signal")
	case err := <-errChan:
		if err != nil {
			lg.Error("server error", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		lg.Error("failed to shutdown server", zap.Error(err))
	}
	lg.Info("mock-server stopped")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
