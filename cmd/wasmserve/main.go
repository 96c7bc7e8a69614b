package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Kush-Singh-26/wasmserve/internal/config"
	"github.com/Kush-Singh-26/wasmserve/internal/server"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Load(args)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Error: %v\n", err)
		return 2
	}

	logger := cfg.Log.Logger(os.Stderr)
	for _, notice := range cfg.Notices {
		logger.Warn(notice)
	}

	root, err := server.OpenRoot(cfg.Dir, cfg.FollowSymlinks)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Error: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.New(cfg, root, logger).Run(ctx); err != nil {
		logger.Error("Server failed", "error", err)
		return 1
	}
	return 0
}
