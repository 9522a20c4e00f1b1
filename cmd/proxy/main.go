package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iTrooz/resilient-loader/internal/cache"
	"github.com/iTrooz/resilient-loader/internal/config"
	"github.com/iTrooz/resilient-loader/internal/proxy"

	"github.com/sirupsen/logrus"
)

func main() {
	configPath := "configs/config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}
	if err := cfg.Log.Apply(); err != nil {
		logrus.Fatalf("Invalid log configuration: %v", err)
	}

	storage, err := cache.New(cfg.Cache)
	if err != nil {
		logrus.Fatalf("Failed to create cache storage: %v", err)
	}

	server, err := proxy.New(cfg, storage)
	if err != nil {
		logrus.Fatalf("Failed to create proxy server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go handleUpgrades(ctx, server, configPath)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(ctx) }()

	select {
	case err := <-errCh:
		if err != nil {
			logrus.Fatalf("Server failed: %v", err)
		}
	case <-ctx.Done():
		logrus.Infof("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("Shutdown failed: %v", err)
	}
}

// handleUpgrades installs the worker version found in the config file on every SIGHUP
func handleUpgrades(ctx context.Context, server *proxy.Server, configPath string) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}

		if err := upgradeFromConfig(ctx, server, configPath); err != nil {
			logrus.Errorf("Worker upgrade failed: %v", err)
		}
	}
}

func upgradeFromConfig(ctx context.Context, server *proxy.Server, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logrus.Infof("Upgrading worker to %s", cfg.Worker.Version)
	return server.Upgrade(ctx, cfg.Worker.Version)
}
