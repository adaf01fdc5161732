package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/arox/socks5tunnel/internal/server"
)

func main() {
	configPath := flag.String("config", "configs/server.yaml", "path to server configuration file")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	s := server.New(cfg)

	slog.Info("server starting")
	if err := s.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("server exited with error", "err", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
