package config

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarRelayURL        = "AERO_CALL_RELAY_URL"
	envVarTransport       = "AERO_CALL_TRANSPORT"
	envVarAccessCode      = "AERO_CALL_ACCESS_CODE"
	envVarResolution      = "AERO_CALL_RESOLUTION"
	envVarMaxResolution   = "AERO_CALL_MAX_RESOLUTION"
	envVarAutoResolution  = "AERO_CALL_AUTO_RESOLUTION"
	envVarPresetsFile     = "AERO_CALL_PRESETS_FILE"
	envVarMediaSource     = "AERO_CALL_MEDIA_SOURCE"
	envVarRingTimeout     = "AERO_CALL_RING_TIMEOUT"
	envVarReconnectDelay  = "AERO_CALL_RECONNECT_INITIAL_DELAY"
	envVarReconnectFactor = "AERO_CALL_RECONNECT_FACTOR"
	envVarReconnectMax    = "AERO_CALL_RECONNECT_MAX_DELAY"
	envVarReconnectTries  = "AERO_CALL_RECONNECT_MAX_ATTEMPTS"
	envVarPingInterval    = "AERO_CALL_PING_INTERVAL"
	envVarQualityWindow   = "AERO_CALL_QUALITY_WINDOW"

	DefaultRelayURL              = "ws://127.0.0.1:8080/signal"
	DefaultTransport             = TransportWebSocket
	DefaultResolution            = "480p"
	DefaultMaxResolution         = "720p"
	DefaultMediaSource           = MediaSourceSynthetic
	DefaultRingTimeout           = 30 * time.Second
	DefaultReconnectInitialDelay = 1 * time.Second
	DefaultReconnectFactor       = 1.5
	DefaultReconnectMaxDelay     = 30 * time.Second
	DefaultReconnectMaxAttempts  = 10
	DefaultPingInterval          = 5 * time.Second
	DefaultQualityWindow         = 10
)

type TransportKind string

const (
	TransportWebSocket TransportKind = "websocket"
	TransportMailbox   TransportKind = "mailbox"
)

type MediaSourceKind string

const (
	MediaSourceDevices   MediaSourceKind = "devices"
	MediaSourceSynthetic MediaSourceKind = "synthetic"
)

type Reconnect struct {
	InitialDelay time.Duration
	Factor       float64
	MaxDelay     time.Duration
	MaxAttempts  int
}

type ClientConfig struct {
	Logging

	RelayURL            string
	Transport           TransportKind
	Redis               RedisConfig
	MailboxPollInterval time.Duration
	AccessCode          string

	Resolution     string
	MaxResolution  string
	AutoResolution bool
	PresetsFile    string
	MediaSource    MediaSourceKind

	RingTimeout   time.Duration
	Reconnect     Reconnect
	PingInterval  time.Duration
	QualityWindow int

	ICEServers []webrtc.ICEServer
	Network    WebRTCNetwork
}

func LoadClient(args []string) (ClientConfig, error) {
	return loadClient(os.LookupEnv, args)
}

func loadClient(lookup func(string) (string, bool), args []string) (ClientConfig, error) {
	fs := flag.NewFlagSet("aero-call-client", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	logFlags := registerLoggingFlags(fs, lookup)
	iceFlags := registerICEFlags(fs, lookup)
	netFlags, err := registerNetworkFlags(fs, lookup)
	if err != nil {
		return ClientConfig{}, err
	}
	redis, err := registerRedisFlags(fs, lookup)
	if err != nil {
		return ClientConfig{}, err
	}

	cfg := ClientConfig{
		RelayURL:      envOrDefault(lookup, envVarRelayURL, DefaultRelayURL),
		AccessCode:    envOrDefault(lookup, envVarAccessCode, ""),
		Resolution:    envOrDefault(lookup, envVarResolution, DefaultResolution),
		MaxResolution: envOrDefault(lookup, envVarMaxResolution, DefaultMaxResolution),
		PresetsFile:   envOrDefault(lookup, envVarPresetsFile, ""),
	}
	transport := envOrDefault(lookup, envVarTransport, string(DefaultTransport))
	mediaSource := envOrDefault(lookup, envVarMediaSource, string(DefaultMediaSource))

	if cfg.MailboxPollInterval, err = envDurationOrDefault(lookup, envVarMailboxPollInterval, DefaultMailboxPollInterval); err != nil {
		return ClientConfig{}, err
	}
	if cfg.AutoResolution, err = envBoolOrDefault(lookup, envVarAutoResolution, false); err != nil {
		return ClientConfig{}, err
	}
	if cfg.RingTimeout, err = envDurationOrDefault(lookup, envVarRingTimeout, DefaultRingTimeout); err != nil {
		return ClientConfig{}, err
	}
	if cfg.Reconnect.InitialDelay, err = envDurationOrDefault(lookup, envVarReconnectDelay, DefaultReconnectInitialDelay); err != nil {
		return ClientConfig{}, err
	}
	if cfg.Reconnect.Factor, err = envFloatOrDefault(lookup, envVarReconnectFactor, DefaultReconnectFactor); err != nil {
		return ClientConfig{}, err
	}
	if cfg.Reconnect.MaxDelay, err = envDurationOrDefault(lookup, envVarReconnectMax, DefaultReconnectMaxDelay); err != nil {
		return ClientConfig{}, err
	}
	if cfg.Reconnect.MaxAttempts, err = envIntOrDefault(lookup, envVarReconnectTries, DefaultReconnectMaxAttempts); err != nil {
		return ClientConfig{}, err
	}
	if cfg.PingInterval, err = envDurationOrDefault(lookup, envVarPingInterval, DefaultPingInterval); err != nil {
		return ClientConfig{}, err
	}
	if cfg.QualityWindow, err = envIntOrDefault(lookup, envVarQualityWindow, DefaultQualityWindow); err != nil {
		return ClientConfig{}, err
	}

	fs.StringVar(&cfg.RelayURL, "relay-url", cfg.RelayURL, "Relay WebSocket URL (env "+envVarRelayURL+")")
	fs.StringVar(&transport, "transport", transport, "Signaling transport: websocket or mailbox (env "+envVarTransport+")")
	fs.DurationVar(&cfg.MailboxPollInterval, "mailbox-poll-interval", cfg.MailboxPollInterval, "Mailbox polling interval (env "+envVarMailboxPollInterval+")")
	fs.StringVar(&cfg.AccessCode, "access-code", cfg.AccessCode, "Access code sent on login (env "+envVarAccessCode+")")
	fs.StringVar(&cfg.Resolution, "resolution", cfg.Resolution, "Initial capture resolution label (env "+envVarResolution+")")
	fs.StringVar(&cfg.MaxResolution, "max-resolution", cfg.MaxResolution, "Highest resolution auto mode may pick (env "+envVarMaxResolution+")")
	fs.BoolVar(&cfg.AutoResolution, "auto-resolution", cfg.AutoResolution, "Adapt resolution to measured link quality (env "+envVarAutoResolution+")")
	fs.StringVar(&cfg.PresetsFile, "presets-file", cfg.PresetsFile, "JSON resolution presets file, reloaded on change (env "+envVarPresetsFile+")")
	fs.StringVar(&mediaSource, "media-source", mediaSource, "Capture source: devices or synthetic (env "+envVarMediaSource+")")
	fs.DurationVar(&cfg.RingTimeout, "ring-timeout", cfg.RingTimeout, "Auto-reject unanswered incoming calls after this duration (env "+envVarRingTimeout+")")
	fs.DurationVar(&cfg.Reconnect.InitialDelay, "reconnect-initial-delay", cfg.Reconnect.InitialDelay, "First reconnect delay (env "+envVarReconnectDelay+")")
	fs.Float64Var(&cfg.Reconnect.Factor, "reconnect-factor", cfg.Reconnect.Factor, "Reconnect delay growth factor (env "+envVarReconnectFactor+")")
	fs.DurationVar(&cfg.Reconnect.MaxDelay, "reconnect-max-delay", cfg.Reconnect.MaxDelay, "Reconnect delay ceiling (env "+envVarReconnectMax+")")
	fs.IntVar(&cfg.Reconnect.MaxAttempts, "reconnect-max-attempts", cfg.Reconnect.MaxAttempts, "Consecutive reconnect attempts before giving up (env "+envVarReconnectTries+")")
	fs.DurationVar(&cfg.PingInterval, "ping-interval", cfg.PingInterval, "Latency probe interval (env "+envVarPingInterval+")")
	fs.IntVar(&cfg.QualityWindow, "quality-window", cfg.QualityWindow, "Number of latency samples averaged (env "+envVarQualityWindow+")")

	if err := fs.Parse(args); err != nil {
		return ClientConfig{}, err
	}

	if cfg.Logging, err = logFlags.resolve(setFlagNames(fs)); err != nil {
		return ClientConfig{}, err
	}
	if cfg.ICEServers, err = iceFlags.servers(); err != nil {
		return ClientConfig{}, err
	}
	if cfg.Network, err = netFlags.resolve(); err != nil {
		return ClientConfig{}, err
	}

	switch TransportKind(strings.ToLower(strings.TrimSpace(transport))) {
	case TransportWebSocket:
		cfg.Transport = TransportWebSocket
		u, err := url.Parse(cfg.RelayURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return ClientConfig{}, fmt.Errorf("invalid %s %q (expected ws:// or wss:// URL)", envVarRelayURL, cfg.RelayURL)
		}
	case TransportMailbox:
		cfg.Transport = TransportMailbox
		if err := redis.validate(); err != nil {
			return ClientConfig{}, err
		}
	default:
		return ClientConfig{}, fmt.Errorf("invalid %s %q (expected websocket or mailbox)", envVarTransport, transport)
	}
	cfg.Redis = redis.cfg

	switch MediaSourceKind(strings.ToLower(strings.TrimSpace(mediaSource))) {
	case MediaSourceDevices:
		cfg.MediaSource = MediaSourceDevices
	case MediaSourceSynthetic:
		cfg.MediaSource = MediaSourceSynthetic
	default:
		return ClientConfig{}, fmt.Errorf("invalid %s %q (expected devices or synthetic)", envVarMediaSource, mediaSource)
	}

	if cfg.MailboxPollInterval <= 0 {
		return ClientConfig{}, fmt.Errorf("%s/--mailbox-poll-interval must be > 0", envVarMailboxPollInterval)
	}
	if cfg.RingTimeout <= 0 {
		return ClientConfig{}, fmt.Errorf("%s/--ring-timeout must be > 0", envVarRingTimeout)
	}
	if cfg.Reconnect.InitialDelay <= 0 {
		return ClientConfig{}, fmt.Errorf("%s/--reconnect-initial-delay must be > 0", envVarReconnectDelay)
	}
	if cfg.Reconnect.Factor < 1 {
		return ClientConfig{}, fmt.Errorf("%s/--reconnect-factor must be >= 1", envVarReconnectFactor)
	}
	if cfg.Reconnect.MaxDelay < cfg.Reconnect.InitialDelay {
		return ClientConfig{}, fmt.Errorf("%s/--reconnect-max-delay must be >= %s", envVarReconnectMax, envVarReconnectDelay)
	}
	if cfg.Reconnect.MaxAttempts <= 0 {
		return ClientConfig{}, fmt.Errorf("%s/--reconnect-max-attempts must be > 0", envVarReconnectTries)
	}
	if cfg.PingInterval <= 0 {
		return ClientConfig{}, fmt.Errorf("%s/--ping-interval must be > 0", envVarPingInterval)
	}
	if cfg.QualityWindow <= 0 {
		return ClientConfig{}, fmt.Errorf("%s/--quality-window must be > 0", envVarQualityWindow)
	}
	if strings.TrimSpace(cfg.Resolution) == "" {
		return ClientConfig{}, fmt.Errorf("%s/--resolution must be set", envVarResolution)
	}

	return cfg, nil
}
