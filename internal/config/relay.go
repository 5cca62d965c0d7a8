package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarListenAddr           = "AERO_CALL_LISTEN_ADDR"
	envVarPublicBaseURL        = "AERO_CALL_PUBLIC_BASE_URL"
	envVarAllowedOrigins       = "ALLOWED_ORIGINS"
	envVarShutdownTimeout      = "AERO_CALL_SHUTDOWN_TIMEOUT"
	envVarAdminAccessCode      = "AERO_CALL_ADMIN_CODE"
	envVarAdminName            = "AERO_CALL_ADMIN_NAME"
	envVarUserAccessCodes      = "AERO_CALL_USER_CODES"
	envVarTokenSecret          = "AERO_CALL_TOKEN_SECRET"
	envVarTokenTTL             = "AERO_CALL_TOKEN_TTL"
	envVarSignalingAuthTimeout = "SIGNALING_AUTH_TIMEOUT"
	envVarWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarMailboxEnabled       = "AERO_CALL_MAILBOX"
	envVarMailboxIdleTimeout   = "AERO_CALL_MAILBOX_IDLE_TIMEOUT"

	envVarTURNRESTURLs           = "AERO_TURN_REST_URLS"
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTL            = "TURN_REST_TTL"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"

	DefaultListenAddr           = "127.0.0.1:8080"
	DefaultShutdown             = 15 * time.Second
	DefaultAdminName            = "admin"
	DefaultTokenTTL             = 12 * time.Hour
	DefaultSignalingAuthTimeout = 5 * time.Second
	DefaultWSIdleTimeout        = 60 * time.Second
	DefaultWSPingInterval       = 20 * time.Second
	DefaultMaxMessageBytes      = int64(64 * 1024)
	DefaultMaxMessagesPerSecond = 50
	DefaultMailboxIdleTimeout   = 30 * time.Second

	DefaultTURNRESTTTL            = time.Hour
	DefaultTURNRESTUsernamePrefix = "aero"
)

// TURNRESTConfig enables coturn "use-auth-secret" credentials: logged-in
// callers fetching /webrtc/ice get a short-lived username and password for
// URLs.
type TURNRESTConfig struct {
	URLs           []string
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string
}

func (c TURNRESTConfig) Enabled() bool {
	return c.SharedSecret != ""
}

type RelayConfig struct {
	Logging

	ListenAddr      string
	PublicBaseURL   string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration

	AdminAccessCode string
	AdminName       string
	// UserAccessCodes maps access code to display name.
	UserAccessCodes map[string]string
	TokenSecret     string
	TokenTTL        time.Duration

	SignalingAuthTimeout time.Duration
	WSIdleTimeout        time.Duration
	WSPingInterval       time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	MailboxEnabled      bool
	Redis               RedisConfig
	MailboxPollInterval time.Duration
	MailboxIdleTimeout  time.Duration

	ICEServers []webrtc.ICEServer
	TURNREST   TURNRESTConfig
}

func LoadRelay(args []string) (RelayConfig, error) {
	return loadRelay(os.LookupEnv, args)
}

func loadRelay(lookup func(string) (string, bool), args []string) (RelayConfig, error) {
	fs := flag.NewFlagSet("aero-call-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	logFlags := registerLoggingFlags(fs, lookup)
	iceFlags := registerICEFlags(fs, lookup)
	redis, err := registerRedisFlags(fs, lookup)
	if err != nil {
		return RelayConfig{}, err
	}

	cfg := RelayConfig{
		ListenAddr:      envOrDefault(lookup, envVarListenAddr, DefaultListenAddr),
		PublicBaseURL:   envOrDefault(lookup, envVarPublicBaseURL, ""),
		AdminAccessCode: envOrDefault(lookup, envVarAdminAccessCode, ""),
		AdminName:       envOrDefault(lookup, envVarAdminName, DefaultAdminName),
		TokenSecret:     envOrDefault(lookup, envVarTokenSecret, ""),
	}
	allowedOrigins := envOrDefault(lookup, envVarAllowedOrigins, "")
	userCodes := envOrDefault(lookup, envVarUserAccessCodes, "")
	turnRESTURLs := envOrDefault(lookup, envVarTURNRESTURLs, "")
	cfg.TURNREST.SharedSecret = envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	cfg.TURNREST.UsernamePrefix = envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)
	if cfg.TURNREST.TTL, err = envDurationOrDefault(lookup, envVarTURNRESTTTL, DefaultTURNRESTTTL); err != nil {
		return RelayConfig{}, err
	}

	if cfg.ShutdownTimeout, err = envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown); err != nil {
		return RelayConfig{}, err
	}
	if cfg.TokenTTL, err = envDurationOrDefault(lookup, envVarTokenTTL, DefaultTokenTTL); err != nil {
		return RelayConfig{}, err
	}
	if cfg.SignalingAuthTimeout, err = envDurationOrDefault(lookup, envVarSignalingAuthTimeout, DefaultSignalingAuthTimeout); err != nil {
		return RelayConfig{}, err
	}
	if cfg.WSIdleTimeout, err = envDurationOrDefault(lookup, envVarWSIdleTimeout, DefaultWSIdleTimeout); err != nil {
		return RelayConfig{}, err
	}
	if cfg.WSPingInterval, err = envDurationOrDefault(lookup, envVarWSPingInterval, DefaultWSPingInterval); err != nil {
		return RelayConfig{}, err
	}
	if cfg.MaxMessageBytes, err = envInt64OrDefault(lookup, envVarMaxMessageBytes, DefaultMaxMessageBytes); err != nil {
		return RelayConfig{}, err
	}
	if cfg.MaxMessagesPerSecond, err = envIntOrDefault(lookup, envVarMaxMessagesPerSecond, DefaultMaxMessagesPerSecond); err != nil {
		return RelayConfig{}, err
	}
	if cfg.MailboxEnabled, err = envBoolOrDefault(lookup, envVarMailboxEnabled, false); err != nil {
		return RelayConfig{}, err
	}
	if cfg.MailboxPollInterval, err = envDurationOrDefault(lookup, envVarMailboxPollInterval, DefaultMailboxPollInterval); err != nil {
		return RelayConfig{}, err
	}
	if cfg.MailboxIdleTimeout, err = envDurationOrDefault(lookup, envVarMailboxIdleTimeout, DefaultMailboxIdleTimeout); err != nil {
		return RelayConfig{}, err
	}

	fs.StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&cfg.PublicBaseURL, "public-base-url", cfg.PublicBaseURL, "Public base URL (optional; used for logging)")
	fs.StringVar(&allowedOrigins, "allowed-origins", allowedOrigins, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.StringVar(&cfg.AdminAccessCode, "admin-code", cfg.AdminAccessCode, "Access code that logs in as the admin (env "+envVarAdminAccessCode+")")
	fs.StringVar(&cfg.AdminName, "admin-name", cfg.AdminName, "Display name of the admin (env "+envVarAdminName+")")
	fs.StringVar(&userCodes, "user-codes", userCodes, "Comma-separated code=name user access codes (env "+envVarUserAccessCodes+")")
	fs.StringVar(&cfg.TokenSecret, "token-secret", cfg.TokenSecret, "HMAC secret for resume tokens (env "+envVarTokenSecret+")")
	fs.DurationVar(&cfg.TokenTTL, "token-ttl", cfg.TokenTTL, "Resume token lifetime (env "+envVarTokenTTL+")")
	fs.DurationVar(&cfg.SignalingAuthTimeout, "signaling-auth-timeout", cfg.SignalingAuthTimeout, "Close connections that have not logged in after this duration (env "+envVarSignalingAuthTimeout+")")
	fs.DurationVar(&cfg.WSIdleTimeout, "signaling-ws-idle-timeout", cfg.WSIdleTimeout, "Close idle signaling WebSocket connections after this duration (env "+envVarWSIdleTimeout+")")
	fs.DurationVar(&cfg.WSPingInterval, "signaling-ws-ping-interval", cfg.WSPingInterval, "Send ping frames at this interval (must be < --signaling-ws-idle-timeout; env "+envVarWSPingInterval+")")
	fs.Int64Var(&cfg.MaxMessageBytes, "max-signaling-message-bytes", cfg.MaxMessageBytes, "Max inbound signaling message size in bytes (env "+envVarMaxMessageBytes+")")
	fs.IntVar(&cfg.MaxMessagesPerSecond, "max-signaling-messages-per-second", cfg.MaxMessagesPerSecond, "Max inbound signaling messages per second per connection (env "+envVarMaxMessagesPerSecond+")")
	fs.BoolVar(&cfg.MailboxEnabled, "mailbox", cfg.MailboxEnabled, "Also serve clients through the redis mailbox (env "+envVarMailboxEnabled+")")
	fs.DurationVar(&cfg.MailboxPollInterval, "mailbox-poll-interval", cfg.MailboxPollInterval, "Mailbox inbox polling interval (env "+envVarMailboxPollInterval+")")
	fs.DurationVar(&cfg.MailboxIdleTimeout, "mailbox-idle-timeout", cfg.MailboxIdleTimeout, "Drop mailbox clients silent for this long (env "+envVarMailboxIdleTimeout+")")

	fs.StringVar(&turnRESTURLs, "turn-rest-urls", turnRESTURLs, "Comma-separated TURN URLs that get minted credentials (env "+envVarTURNRESTURLs+")")
	fs.StringVar(&cfg.TURNREST.SharedSecret, "turn-rest-shared-secret", cfg.TURNREST.SharedSecret, "TURN REST shared secret (env "+envVarTURNRESTSharedSecret+")")
	fs.DurationVar(&cfg.TURNREST.TTL, "turn-rest-ttl", cfg.TURNREST.TTL, "TURN REST credential lifetime (env "+envVarTURNRESTTTL+")")
	fs.StringVar(&cfg.TURNREST.UsernamePrefix, "turn-rest-username-prefix", cfg.TURNREST.UsernamePrefix, "TURN REST username prefix (env "+envVarTURNRESTUsernamePrefix+")")

	if err := fs.Parse(args); err != nil {
		return RelayConfig{}, err
	}

	if cfg.Logging, err = logFlags.resolve(setFlagNames(fs)); err != nil {
		return RelayConfig{}, err
	}
	if cfg.ICEServers, err = iceFlags.servers(); err != nil {
		return RelayConfig{}, err
	}
	if cfg.AllowedOrigins, err = parseAllowedOrigins(allowedOrigins); err != nil {
		return RelayConfig{}, fmt.Errorf("%s: %w", envVarAllowedOrigins, err)
	}
	if cfg.UserAccessCodes, err = parseAccessCodes(userCodes); err != nil {
		return RelayConfig{}, fmt.Errorf("%s: %w", envVarUserAccessCodes, err)
	}
	cfg.Redis = redis.cfg
	cfg.TURNREST.URLs = splitCommaSeparated(turnRESTURLs)
	if err := validateTURNREST(cfg.TURNREST); err != nil {
		return RelayConfig{}, err
	}

	if strings.TrimSpace(cfg.AdminAccessCode) == "" {
		return RelayConfig{}, fmt.Errorf("%s/--admin-code must be set", envVarAdminAccessCode)
	}
	if _, clash := cfg.UserAccessCodes[cfg.AdminAccessCode]; clash {
		return RelayConfig{}, fmt.Errorf("%s must not reuse the admin access code", envVarUserAccessCodes)
	}
	if strings.TrimSpace(cfg.AdminName) == "" {
		return RelayConfig{}, fmt.Errorf("%s/--admin-name must be non-empty", envVarAdminName)
	}
	if strings.TrimSpace(cfg.TokenSecret) == "" {
		return RelayConfig{}, fmt.Errorf("%s/--token-secret must be set", envVarTokenSecret)
	}
	if cfg.TokenTTL <= 0 {
		return RelayConfig{}, fmt.Errorf("%s/--token-ttl must be > 0", envVarTokenTTL)
	}
	if cfg.SignalingAuthTimeout <= 0 {
		return RelayConfig{}, fmt.Errorf("%s/--signaling-auth-timeout must be > 0", envVarSignalingAuthTimeout)
	}
	if cfg.WSIdleTimeout <= 0 {
		return RelayConfig{}, fmt.Errorf("%s/--signaling-ws-idle-timeout must be > 0", envVarWSIdleTimeout)
	}
	if cfg.WSPingInterval <= 0 {
		return RelayConfig{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be > 0", envVarWSPingInterval)
	}
	if cfg.WSPingInterval >= cfg.WSIdleTimeout {
		return RelayConfig{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be < %s/--signaling-ws-idle-timeout", envVarWSPingInterval, envVarWSIdleTimeout)
	}
	if cfg.MaxMessageBytes <= 0 {
		return RelayConfig{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", envVarMaxMessageBytes)
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		return RelayConfig{}, fmt.Errorf("%s/--max-signaling-messages-per-second must be > 0", envVarMaxMessagesPerSecond)
	}
	if cfg.MailboxEnabled {
		if err := redis.validate(); err != nil {
			return RelayConfig{}, err
		}
		if cfg.MailboxPollInterval <= 0 {
			return RelayConfig{}, fmt.Errorf("%s/--mailbox-poll-interval must be > 0", envVarMailboxPollInterval)
		}
		if cfg.MailboxIdleTimeout <= cfg.MailboxPollInterval {
			return RelayConfig{}, fmt.Errorf("%s/--mailbox-idle-timeout must be > --mailbox-poll-interval", envVarMailboxIdleTimeout)
		}
	}

	return cfg, nil
}

func validateTURNREST(c TURNRESTConfig) error {
	if !c.Enabled() {
		if len(c.URLs) > 0 {
			return fmt.Errorf("%s requires %s", envVarTURNRESTURLs, envVarTURNRESTSharedSecret)
		}
		return nil
	}
	if len(c.URLs) == 0 {
		return fmt.Errorf("%s/--turn-rest-urls must be set when %s is set", envVarTURNRESTURLs, envVarTURNRESTSharedSecret)
	}
	for _, u := range c.URLs {
		lower := strings.ToLower(u)
		if !strings.HasPrefix(lower, "turn:") && !strings.HasPrefix(lower, "turns:") {
			return fmt.Errorf("%s: %q is not a turn: or turns: url", envVarTURNRESTURLs, u)
		}
	}
	if c.TTL <= 0 {
		return fmt.Errorf("%s/--turn-rest-ttl must be > 0", envVarTURNRESTTTL)
	}
	if c.UsernamePrefix == "" || strings.Contains(c.UsernamePrefix, ":") {
		return fmt.Errorf("%s/--turn-rest-username-prefix must be non-empty and must not contain ':'", envVarTURNRESTUsernamePrefix)
	}
	return nil
}
