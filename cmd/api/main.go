package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iTrooz/resilient-loader/internal/api"

	"github.com/caarlos0/env/v11"
	"github.com/sirupsen/logrus"
)

type settings struct {
	Port     int    `env:"PORT" envDefault:"5000"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	API      api.Options
}

func main() {
	var s settings
	if err := env.Parse(&s); err != nil {
		logrus.Fatalf("Failed to parse environment: %v", err)
	}
	level, err := logrus.ParseLevel(s.LogLevel)
	if err != nil {
		logrus.Fatalf("Invalid log level: %v", err)
	}
	logrus.SetLevel(level)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.Port),
		Handler:           api.NewHandler(s.API),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logrus.Infof("Server started on port %d", s.Port)
	logrus.Infof("Environment: %s", s.API.Environment)
	logrus.Infof("API delay: %s to %s", s.API.MinDelay, s.API.MaxDelay)
	if s.API.StaticDir != "" {
		logrus.Infof("Serving static files from %s", s.API.StaticDir)
	}

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logrus.Fatalf("Server failed: %v", err)
	}
}
