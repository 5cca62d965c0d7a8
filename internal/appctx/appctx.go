// Package appctx holds the explicitly owned client context handed to every
// client component constructor.
package appctx

import (
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/clock"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/ui"
)

type ClientContext struct {
	Config    config.ClientConfig
	Logger    *slog.Logger
	Clock     clock.Clock
	Metrics   *metrics.Metrics
	Presenter ui.Presenter
}

// New fills in the real clock and a fresh metrics registry.
func New(cfg config.ClientConfig, logger *slog.Logger, presenter ui.Presenter) *ClientContext {
	return &ClientContext{
		Config:    cfg,
		Logger:    logger,
		Clock:     clock.Real{},
		Metrics:   metrics.New(),
		Presenter: presenter,
	}
}
