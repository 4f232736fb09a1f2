package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"claude-relay/internal/artifacts"
	"claude-relay/internal/config"
	"claude-relay/internal/history"
	"claude-relay/internal/realtime"
	"claude-relay/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	hist, err := history.NewStore(cfg.HistoryDir, logger)
	if err != nil {
		logger.Fatal("history store init failed", zap.Error(err))
	}

	artifactStore := artifacts.NewStore(cfg.ArtifactDir, logger)

	launcher := &session.ExecLauncher{
		Binary:  cfg.AgentBinary,
		WorkDir: cfg.WorkDir,
	}

	clk := clock.New()
	registry := session.NewRegistry(launcher, hist, artifactStore, clk, logger, session.Options{
		GracePeriod:      cfg.GracePeriod,
		MaxContextTokens: cfg.MaxContextTokens,
		ShutdownTimeout:  cfg.ShutdownTimeout,
	})

	rtServer := realtime.New(registry, logger, cfg.HeartbeatInterval, clk)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: rtServer.Handler(),
	}

	// Graceful shutdown on signals.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutting down")
		registry.Shutdown()
		hist.Close()
		httpServer.Close()
	}()

	logger.Info("claude-relay listening",
		zap.Int("port", cfg.Port),
		zap.String("agent", cfg.AgentBinary))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("http server error", zap.Error(err))
	}
}
