package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/clock"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/mailbox"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/relay"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/turncred"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.LoadRelay(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting aero-call-relay",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"user_codes", len(cfg.UserAccessCodes),
		"ice_servers", len(cfg.ICEServers),
		"mailbox", cfg.MailboxEnabled,
		"turn_rest", cfg.TURNREST.Enabled(),
		"max_signaling_messages_per_second", cfg.MaxMessagesPerSecond,
	)

	logStartupSecurityWarnings(logger, cfg)

	m := metrics.New()
	tokens := auth.NewTokenIssuer(cfg.TokenSecret, cfg.TokenTTL)
	hub := relay.NewHub(
		auth.NewAccessCodes(cfg.AdminAccessCode, cfg.AdminName, cfg.UserAccessCodes),
		tokens,
		m,
		logger.With("component", "hub"),
	)

	routes := httpserver.Routes{
		Signal:  relay.NewWebSocketServer(cfg, hub, m, logger.With("component", "signal_ws")),
		Metrics: metrics.PrometheusHandler(m,
			metrics.Gauge{Name: "aero_relay_online_users", Help: "Signed-in users.", Value: hub.Online},
			metrics.Gauge{Name: "aero_relay_connections", Help: "Open signaling connections.", Value: hub.Connections},
		),
	}
	if cfg.TURNREST.Enabled() {
		minter, err := turncred.NewMinter(cfg.TURNREST, clock.Real{})
		if err != nil {
			logger.Error("invalid TURN REST config", "err", err)
			os.Exit(2)
		}
		routes.TURN = minter
		routes.Authorize = func(token string) (string, error) {
			id, err := tokens.Verify(token)
			if err != nil {
				return "", err
			}
			return id.UserID, nil
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bridgeDone := make(chan error, 1)
	if cfg.MailboxEnabled {
		store := mailbox.NewRedisStore(cfg.Redis)
		defer store.Close()
		if err := store.Ping(ctx); err != nil {
			// Keep serving WebSocket clients; /readyz reports the outage.
			logger.Warn("mailbox store unreachable at startup", "addr", cfg.Redis.Addr, "err", err)
		}
		routes.Check = store.Ping

		bridge := relay.NewMailboxBridge(store, hub, relay.MailboxBridgeConfig{
			PollInterval:         cfg.MailboxPollInterval,
			IdleTimeout:          cfg.MailboxIdleTimeout,
			MaxMessagesPerSecond: cfg.MaxMessagesPerSecond,
			MaxMessageBytes:      cfg.MaxMessageBytes,
		}, m, logger.With("component", "mailbox_bridge"))
		go func() { bridgeDone <- bridge.Run(ctx) }()
	} else {
		close(bridgeDone)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, routes)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		stop()
		<-bridgeDone
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	<-bridgeDone

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to the Go build info for
	// `go run` / dev builds.
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
