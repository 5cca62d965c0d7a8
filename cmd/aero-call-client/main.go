package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/appctx"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/client"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/ui"
)

func main() {
	cfg, err := config.LoadClient(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// stdout belongs to the console.
	logger, err := config.NewLoggerTo(os.Stderr, cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting aero-call-client",
		"relay_url", cfg.RelayURL,
		"transport", cfg.Transport,
		"media_source", cfg.MediaSource,
		"resolution", cfg.Resolution,
		"max_resolution", cfg.MaxResolution,
		"auto_resolution", cfg.AutoResolution,
		"ice_servers", len(cfg.ICEServers),
	)

	console := ui.NewConsole(os.Stdout, logger)
	c, err := client.New(appctx.New(cfg, logger, console), client.Options{})
	if err != nil {
		logger.Error("failed to create client", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c.Start(ctx)

	replDone := make(chan error, 1)
	go func() {
		replDone <- runREPL(ctx, os.Stdin, os.Stdout, c, console)
	}()

	select {
	case err := <-replDone:
		if err != nil {
			logger.Error("command loop failed", "err", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	if err := c.Close(); err != nil {
		logger.Error("client shutdown failed", "err", err)
		os.Exit(1)
	}
}
