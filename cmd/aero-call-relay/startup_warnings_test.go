package main

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
)

type recordedLog struct {
	level slog.Level
	msg   string
	attrs map[string]any
}

type recordingHandler struct {
	mu      *sync.Mutex
	records *[]recordedLog
	attrs   []slog.Attr
	groups  []string
}

func newRecordingLogger() (*slog.Logger, func() []recordedLog) {
	mu := &sync.Mutex{}
	records := &[]recordedLog{}
	h := &recordingHandler{mu: mu, records: records}
	logger := slog.New(h)
	return logger, func() []recordedLog {
		mu.Lock()
		defer mu.Unlock()
		out := make([]recordedLog, len(*records))
		copy(out, *records)
		return out
	}
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	rec := recordedLog{
		level: r.Level,
		msg:   r.Message,
		attrs: map[string]any{},
	}
	for _, a := range h.attrs {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
		return true
	})

	h.mu.Lock()
	*h.records = append(*h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := h.clone()
	nh.attrs = append(nh.attrs, attrs...)
	return nh
}

func (h *recordingHandler) WithGroup(name string) slog.Handler {
	nh := h.clone()
	nh.groups = append(nh.groups, name)
	return nh
}

func (h *recordingHandler) clone() *recordingHandler {
	cp := &recordingHandler{
		mu:      h.mu,
		records: h.records,
	}
	if len(h.attrs) > 0 {
		cp.attrs = append([]slog.Attr(nil), h.attrs...)
	}
	if len(h.groups) > 0 {
		cp.groups = append([]string(nil), h.groups...)
	}
	return cp
}

func (h *recordingHandler) key(k string) string {
	if len(h.groups) == 0 {
		return k
	}
	return stringsJoin(h.groups, ".") + "." + k
}

func stringsJoin(parts []string, sep string) string {
	// Small local helper to avoid pulling in strings for tests that don't need it.
	if len(parts) == 0 {
		return ""
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += sep + p
	}
	return out
}

func warningCodes(records []recordedLog) map[string]recordedLog {
	out := make(map[string]recordedLog)
	for _, r := range records {
		if r.level != slog.LevelWarn {
			continue
		}
		if code, ok := r.attrs["warning_code"].(string); ok {
			out[code] = r
		}
	}
	return out
}

func safeRelayConfig() config.RelayConfig {
	return config.RelayConfig{
		Logging:         config.Logging{Mode: config.ModeProd},
		AdminAccessCode: "a-long-admin-code",
		UserAccessCodes: map[string]string{"a-long-user-code": "alice"},
		TokenSecret:     "0123456789abcdef0123456789abcdef",
		TokenTTL:        config.DefaultTokenTTL,
		MaxMessageBytes: config.DefaultMaxMessageBytes,
		PublicBaseURL:   "https://call.example",
	}
}

func TestStartupSecurityWarnings_SafeConfigIsQuiet(t *testing.T) {
	logger, records := newRecordingLogger()
	logStartupSecurityWarnings(logger, safeRelayConfig())
	if got := warningCodes(records()); len(got) != 0 {
		t.Fatalf("unexpected warnings: %#v", got)
	}
}

func TestStartupSecurityWarnings_AllowedOriginsWildcard(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := safeRelayConfig()
	cfg.AllowedOrigins = []string{"*"}
	logStartupSecurityWarnings(logger, cfg)

	if _, ok := warningCodes(records())["allowed_origins_wildcard"]; !ok {
		t.Fatalf("expected warning_code=allowed_origins_wildcard, got %#v", records())
	}
}

func TestStartupSecurityWarnings_WeakSecrets(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := safeRelayConfig()
	cfg.AdminAccessCode = "1234"
	cfg.UserAccessCodes = map[string]string{"x": "alice", "a-long-user-code": "bob"}
	cfg.TokenSecret = "short"
	cfg.TokenTTL = 30 * 24 * time.Hour
	logStartupSecurityWarnings(logger, cfg)

	got := warningCodes(records())
	for _, code := range []string{"admin_code_short", "user_codes_short", "token_secret_short_in_prod", "token_ttl_long"} {
		if _, ok := got[code]; !ok {
			t.Fatalf("missing warning_code=%s in %#v", code, got)
		}
	}
	if n := got["user_codes_short"].attrs["count"]; n != int64(1) {
		t.Fatalf("user_codes_short count=%#v, want 1", n)
	}
}

func TestStartupSecurityWarnings_ProdOnly(t *testing.T) {
	cfg := safeRelayConfig()
	cfg.TokenSecret = "short"
	cfg.PublicBaseURL = "http://call.example"
	cfg.MailboxEnabled = true
	cfg.Redis = config.RedisConfig{Addr: "127.0.0.1:6379"}

	logger, records := newRecordingLogger()
	logStartupSecurityWarnings(logger, cfg)
	got := warningCodes(records())
	for _, code := range []string{"token_secret_short_in_prod", "public_base_url_insecure_in_prod", "mailbox_redis_no_password_in_prod"} {
		if _, ok := got[code]; !ok {
			t.Fatalf("missing warning_code=%s in %#v", code, got)
		}
	}
	if host := got["public_base_url_insecure_in_prod"].attrs["public_base_url_host"]; host != "call.example" {
		t.Fatalf("public_base_url_host=%#v", host)
	}

	cfg.Mode = config.ModeDev
	logger, records = newRecordingLogger()
	logStartupSecurityWarnings(logger, cfg)
	if got := warningCodes(records()); len(got) != 0 {
		t.Fatalf("dev mode warnings: %#v", got)
	}
}

func TestStartupSecurityWarnings_NoUserCodes(t *testing.T) {
	logger, records := newRecordingLogger()
	cfg := safeRelayConfig()
	cfg.UserAccessCodes = nil
	logStartupSecurityWarnings(logger, cfg)
	if _, ok := warningCodes(records())["no_user_codes"]; !ok {
		t.Fatalf("expected warning_code=no_user_codes, got %#v", records())
	}
}

func TestStartupSecurityWarnings_TURNRESTTTL(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := safeRelayConfig()
	cfg.TURNREST = config.TURNRESTConfig{
		URLs:           []string{"turn:turn.example.com:3478"},
		SharedSecret:   "turn-secret",
		TTL:            48 * time.Hour,
		UsernamePrefix: "aero",
	}
	logStartupSecurityWarnings(logger, cfg)
	if _, ok := warningCodes(records())["turn_rest_ttl_long"]; !ok {
		t.Fatalf("expected warning_code=turn_rest_ttl_long, got %#v", records())
	}

	logger, records = newRecordingLogger()
	cfg.TURNREST.TTL = time.Hour
	logStartupSecurityWarnings(logger, cfg)
	if got := warningCodes(records()); len(got) != 0 {
		t.Fatalf("unexpected warnings: %#v", got)
	}
}
