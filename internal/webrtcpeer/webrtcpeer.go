// Package webrtcpeer wraps pion PeerConnections for one-to-one calls.
package webrtcpeer

import (
	"fmt"
	"log/slog"

	"github.com/pion/interceptor"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
)

type APIOptions struct {
	Network config.WebRTCNetwork
	// RegisterCodecs populates the MediaEngine; nil registers pion's defaults.
	RegisterCodecs func(*webrtc.MediaEngine) error
	// Net replaces the OS network stack, for tests.
	Net    *vnet.Net
	Logger *slog.Logger
}

func NewAPI(opts APIOptions) (*webrtc.API, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mediaEngine := &webrtc.MediaEngine{}
	register := opts.RegisterCodecs
	if register == nil {
		register = (*webrtc.MediaEngine).RegisterDefaultCodecs
	}
	if err := register(mediaEngine); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: NewLoggerFactory(logger)}
	if err := ApplyNetworkSettings(&se, opts.Network); err != nil {
		return nil, err
	}
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, cfg config.WebRTCNetwork) error {
	if cfg.UDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(cfg.UDPPortRange.Min, cfg.UDPPortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	if len(cfg.NAT1To1IPs) > 0 {
		var candidateType webrtc.ICECandidateType
		switch cfg.NAT1To1CandidateType {
		case config.NAT1To1CandidateTypeHost, "":
			candidateType = webrtc.ICECandidateTypeHost
		case config.NAT1To1CandidateTypeSrflx:
			candidateType = webrtc.ICECandidateTypeSrflx
		default:
			return fmt.Errorf("invalid NAT 1:1 IP candidate type %q", cfg.NAT1To1CandidateType)
		}
		se.SetNAT1To1IPs(cfg.NAT1To1IPs, candidateType)
	}

	disconnected := cfg.ICEDisconnectedTimeout
	if disconnected <= 0 {
		disconnected = config.DefaultICEDisconnectedTimeout
	}
	failed := cfg.ICEFailedTimeout
	if failed <= 0 {
		failed = config.DefaultICEFailedTimeout
	}
	keepalive := cfg.ICEKeepaliveInterval
	if keepalive <= 0 {
		keepalive = config.DefaultICEKeepaliveInterval
	}
	se.SetICETimeouts(disconnected, failed, keepalive)
	return nil
}
