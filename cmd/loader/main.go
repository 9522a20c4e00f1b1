package main

import (
	"bufio"
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/iTrooz/resilient-loader/internal/cache"
	"github.com/iTrooz/resilient-loader/internal/client"
	"github.com/iTrooz/resilient-loader/internal/config"
	"github.com/iTrooz/resilient-loader/internal/connectivity"
	"github.com/iTrooz/resilient-loader/internal/loader"
	"github.com/iTrooz/resilient-loader/internal/store"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func loadConfig() (*config.Config, error) {
	if len(os.Args) > 1 {
		return config.Load(os.Args[1])
	}
	return config.Default()
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}
	if err := cfg.Log.Apply(); err != nil {
		logrus.Fatalf("Invalid log configuration: %v", err)
	}
	logrus.SetOutput(os.Stderr)

	timings, err := cfg.Loader.Timings()
	if err != nil {
		logrus.Fatalf("Invalid loader configuration: %v", err)
	}

	api, err := client.New(cfg.Loader.BaseURL, timings.FetchTimeout)
	if err != nil {
		logrus.Fatalf("Failed to create client: %v", err)
	}

	storage, err := cache.New(cfg.Cache)
	if err != nil {
		logrus.Fatalf("Failed to create cache storage: %v", err)
	}
	defer func() { _ = storage.Close() }()

	ctrl := loader.New(
		store.New(cfg.Loader.Namespace, store.FromCache(storage)),
		api,
		loader.NewTextRenderer(os.Stdout),
		loader.Options{
			MaxRetries:      cfg.Loader.MaxRetries,
			StalenessWindow: timings.StalenessWindow,
			DisplayDelay:    timings.DisplayDelay,
			MinDelay:        timings.MinDelay,
			MaxDelay:        timings.MaxDelay,
		},
	)

	monitor := connectivity.New(func(ctx context.Context) error {
		_, err := api.Health(ctx)
		return err
	}, timings.HealthInterval, timings.FetchTimeout)
	monitor.AddListener(ctrl)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ctrl.Init(ctx)
		return nil
	})
	g.Go(func() error {
		monitor.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return readCommands(ctx, ctrl, stop)
	})

	if err := g.Wait(); err != nil {
		logrus.Errorf("Loader stopped: %v", err)
	}
}

// readCommands dispatches single-letter commands read from stdin until quit or EOF
func readCommands(ctx context.Context, ctrl *loader.Controller, quit func()) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				quit()
				return nil
			}
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "r":
				go ctrl.Retry(ctx)
			case "f":
				go ctrl.Refresh(ctx)
			case "c":
				go ctrl.ClearCache(ctx)
			case "q":
				quit()
				return nil
			case "":
			default:
				logrus.Warnf("Unknown command %q (r: retry, f: refresh, c: clear cache, q: quit)", line)
			}
		}
	}
}
