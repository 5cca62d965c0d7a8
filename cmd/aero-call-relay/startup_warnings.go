package main

import (
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
)

const (
	minAccessCodeLen  = 8
	minTokenSecretLen = 32
	maxTokenTTL       = 7 * 24 * time.Hour
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.RelayConfig) {
	if logger == nil {
		logger = slog.Default()
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if len(cfg.AdminAccessCode) < minAccessCodeLen {
		logger.Warn("startup security warning: the admin access code is short and easy to guess",
			"warning_code", "admin_code_short",
			"length", len(cfg.AdminAccessCode),
			"mode", cfg.Mode,
		)
	}
	short := 0
	for code := range cfg.UserAccessCodes {
		if len(code) < minAccessCodeLen {
			short++
		}
	}
	if short > 0 {
		logger.Warn("startup security warning: some user access codes are short and easy to guess",
			"warning_code", "user_codes_short",
			"count", short,
			"mode", cfg.Mode,
		)
	}
	if len(cfg.UserAccessCodes) == 0 {
		logger.Warn("no user access codes configured; only the admin can log in",
			"warning_code", "no_user_codes",
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && len(cfg.TokenSecret) < minTokenSecretLen {
		logger.Warn("startup security warning: AERO_CALL_TOKEN_SECRET is shorter than 32 bytes while --mode=prod",
			"warning_code", "token_secret_short_in_prod",
			"length", len(cfg.TokenSecret),
			"mode", cfg.Mode,
		)
	}
	if cfg.TokenTTL > maxTokenTTL {
		logger.Warn("startup security warning: AERO_CALL_TOKEN_TTL is very long (leaked resume tokens stay valid)",
			"warning_code", "token_ttl_long",
			"token_ttl", cfg.TokenTTL,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (increases per-message allocation risk)",
			"warning_code", "max_signaling_message_large",
			"max_signaling_message_bytes", cfg.MaxMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MailboxEnabled && cfg.Redis.Password == "" {
		logger.Warn("startup security warning: mailbox enabled without a redis password while --mode=prod",
			"warning_code", "mailbox_redis_no_password_in_prod",
			"redis_addr", cfg.Redis.Addr,
			"mode", cfg.Mode,
		)
	}

	if cfg.TURNREST.Enabled() && cfg.TURNREST.TTL > 24*time.Hour {
		logger.Warn("startup security warning: TURN_REST_TTL is longer than a day (leaked TURN credentials stay usable)",
			"warning_code", "turn_rest_ttl_long",
			"turn_rest_ttl", cfg.TURNREST.TTL,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && strings.HasPrefix(strings.ToLower(strings.TrimSpace(cfg.PublicBaseURL)), "http://") {
		logger.Warn("startup security warning: public base URL is not https while --mode=prod (access codes travel in clear text)",
			"warning_code", "public_base_url_insecure_in_prod",
			"public_base_url_host", safeURLHost(cfg.PublicBaseURL),
			"mode", cfg.Mode,
		)
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}

func safeURLHost(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return u.Host
}
