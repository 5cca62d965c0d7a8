package config

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/origin"
)

const (
	envVarMode      = "AERO_CALL_MODE"
	envVarLogFormat = "AERO_CALL_LOG_FORMAT"
	envVarLogLevel  = "AERO_CALL_LOG_LEVEL"

	envVarRedisAddr           = "AERO_CALL_REDIS_ADDR"
	envVarRedisPassword       = "AERO_CALL_REDIS_PASSWORD"
	envVarRedisDB             = "AERO_CALL_REDIS_DB"
	envVarMailboxPollInterval = "AERO_CALL_MAILBOX_POLL_INTERVAL"

	DefaultMode                Mode = ModeDev
	DefaultRedisAddr                = "127.0.0.1:6379"
	DefaultMailboxPollInterval      = 500 * time.Millisecond
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// Logging is shared by the client and relay configs.
type Logging struct {
	Mode      Mode
	LogFormat LogFormat
	LogLevel  slog.Level
}

// RedisConfig locates the document store used by the mailbox transport.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func NewLogger(cfg Logging) (*slog.Logger, error) {
	return NewLoggerTo(os.Stdout, cfg)
}

// NewLoggerTo is NewLogger with an explicit destination. The interactive
// client logs to stderr so that stdout stays readable.
func NewLoggerTo(w io.Writer, cfg Logging) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(w, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

// loggingFlags registers --mode/--log-format/--log-level. Format and level
// follow the final mode unless set explicitly by env or flag.
type loggingFlags struct {
	mode   string
	format string
	level  string

	formatFromEnv bool
	levelFromEnv  bool
}

func registerLoggingFlags(fs *flag.FlagSet, lookup func(string) (string, bool)) *loggingFlags {
	f := &loggingFlags{
		mode: envOrDefault(lookup, envVarMode, string(DefaultMode)),
	}
	if v, ok := lookup(envVarLogFormat); ok && v != "" {
		f.format = v
		f.formatFromEnv = true
	}
	if v, ok := lookup(envVarLogLevel); ok && v != "" {
		f.level = v
		f.levelFromEnv = true
	}

	fs.StringVar(&f.mode, "mode", f.mode, "Run mode: dev or prod (env "+envVarMode+")")
	fs.StringVar(&f.format, "log-format", f.format, "Log format: text or json (default depends on mode; env "+envVarLogFormat+")")
	fs.StringVar(&f.level, "log-level", f.level, "Log level: debug, info, warn, error (default depends on mode; env "+envVarLogLevel+")")
	return f
}

func (f *loggingFlags) resolve(setFlags map[string]bool) (Logging, error) {
	mode, err := parseMode(f.mode)
	if err != nil {
		return Logging{}, err
	}
	format := f.format
	if !f.formatFromEnv && !setFlags["log-format"] {
		format = defaultLogFormatForMode(mode)
	}
	level := f.level
	if !f.levelFromEnv && !setFlags["log-level"] {
		level = defaultLogLevelForMode(mode)
	}

	logFormat, err := parseLogFormat(format)
	if err != nil {
		return Logging{}, err
	}
	logLevel, err := parseLogLevel(level)
	if err != nil {
		return Logging{}, err
	}
	return Logging{Mode: mode, LogFormat: logFormat, LogLevel: logLevel}, nil
}

type redisFlags struct {
	cfg RedisConfig
}

func registerRedisFlags(fs *flag.FlagSet, lookup func(string) (string, bool)) (*redisFlags, error) {
	db, err := envIntOrDefault(lookup, envVarRedisDB, 0)
	if err != nil {
		return nil, err
	}
	f := &redisFlags{cfg: RedisConfig{
		Addr:     envOrDefault(lookup, envVarRedisAddr, DefaultRedisAddr),
		Password: envOrDefault(lookup, envVarRedisPassword, ""),
		DB:       db,
	}}
	fs.StringVar(&f.cfg.Addr, "redis-addr", f.cfg.Addr, "Redis address for the mailbox transport (env "+envVarRedisAddr+")")
	fs.StringVar(&f.cfg.Password, "redis-password", f.cfg.Password, "Redis password (env "+envVarRedisPassword+")")
	fs.IntVar(&f.cfg.DB, "redis-db", f.cfg.DB, "Redis database number (env "+envVarRedisDB+")")
	return f, nil
}

func (f *redisFlags) validate() error {
	if strings.TrimSpace(f.cfg.Addr) == "" {
		return fmt.Errorf("%s/--redis-addr must be set", envVarRedisAddr)
	}
	if f.cfg.DB < 0 {
		return fmt.Errorf("%s/--redis-db must be >= 0", envVarRedisDB)
	}
	return nil
}

func setFlagNames(fs *flag.FlagSet) map[string]bool {
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	return set
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envInt64OrDefault(lookup func(string) (string, bool), key string, fallback int64) (int64, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envFloatOrDefault(lookup func(string) (string, bool), key string, fallback float64) (float64, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return f, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode Mode) string {
	if mode == ModeProd {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode Mode) string {
	if mode == ModeProd {
		return "info"
	}
	return "debug"
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			out = append(out, entry)
			continue
		}
		normalized, _, ok := origin.NormalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalized)
	}
	return out, nil
}

// parseAccessCodes parses "code=name,code=name".
func parseAccessCodes(raw string) (map[string]string, error) {
	out := map[string]string{}
	for _, entry := range splitCommaSeparated(raw) {
		code, name, ok := strings.Cut(entry, "=")
		code = strings.TrimSpace(code)
		name = strings.TrimSpace(name)
		if !ok || code == "" || name == "" {
			return nil, fmt.Errorf("invalid access code entry %q (expected code=name)", entry)
		}
		if _, dup := out[code]; dup {
			return nil, fmt.Errorf("duplicate access code for %q", name)
		}
		out[code] = name
	}
	return out, nil
}
