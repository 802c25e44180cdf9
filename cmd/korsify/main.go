// Package main は Korsify API を操作する CLI のエントリーポイントです。
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/yourusername/korsify/cmd/korsify/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	if err := commands.New().Run(ctx, os.Args); err != nil {
		logger.Error("command failed", "error", err)
		stop()
		os.Exit(1)
	}
}
