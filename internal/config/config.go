package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarListenAddr      = "LISTEN_ADDR"
	envVarMode            = "MODE"
	envVarLogFormat       = "LOG_FORMAT"
	envVarLogLevel        = "LOG_LEVEL"
	envVarShutdownTimeout = "SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"

	// Authentication.
	envVarJWTSecret          = "JWT_SECRET"
	envVarAuthServiceURL     = "AUTH_SERVICE_URL"
	envVarAuthServiceAPIKey  = "AUTH_SERVICE_API_KEY"
	envVarAuthFailPolicy     = "AUTH_FAIL_POLICY"
	envVarAuthTimeout        = "AUTH_TIMEOUT"
	envVarAuthRateWindow     = "AUTH_RATE_LIMIT_WINDOW"
	envVarAuthRateMax        = "AUTH_RATE_LIMIT_MAX"
	envVarMaxConnsPerUser    = "MAX_CONNECTIONS_PER_USER"

	// Call session limits.
	envVarMaxCallsPerUser    = "MAX_CALLS_PER_USER"
	envVarMaxConcurrentCalls = "MAX_CONCURRENT_CALLS"
	envVarMaxCallsPerMinute  = "MAX_CALLS_PER_MINUTE"
	envVarMaxCallDuration    = "MAX_CALL_DURATION"
	envVarSessionTimeout     = "SESSION_TIMEOUT"
	envVarSessionSweep       = "SESSION_SWEEP_INTERVAL"
	envVarRingTimeout        = "RING_TIMEOUT"

	// End-to-end encryption coordination.
	envVarKeyRotationInterval = "KEY_ROTATION_INTERVAL"

	// WebSocket signaling hardening.
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"

	// ICE / coturn TURN REST (ephemeral) credentials.
	envVarICEServersJSON       = "ICE_SERVERS_JSON"
	envVarStunURLs             = "STUN_URLS"
	envVarTurnURLs             = "TURN_URLS"
	envVarTURNRESTSharedSecret = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds   = "TURN_REST_TTL_SECONDS"

	// External collaborators.
	envVarNotifyServiceURL    = "NOTIFY_SERVICE_URL"
	envVarNotifyServiceToken  = "NOTIFY_SERVICE_TOKEN"
	envVarHistoryServiceURL   = "HISTORY_SERVICE_URL"
	envVarHistoryServiceToken = "HISTORY_SERVICE_TOKEN"
	envVarUpstreamTimeout     = "UPSTREAM_TIMEOUT"
)

const (
	DefaultListenAddr           = "127.0.0.1:8001"
	DefaultShutdown             = 15 * time.Second
	DefaultMode            Mode = ModeDev
	DefaultAuthFailPolicy       = AuthFailClosed
	DefaultAuthTimeout          = 5 * time.Second
	DefaultAuthRateWindow       = 15 * time.Minute
	DefaultAuthRateMax          = 5
	DefaultMaxConnsPerUser      = 3

	DefaultMaxCallsPerUser    = 10
	DefaultMaxConcurrentCalls = 10000
	DefaultMaxCallsPerMinute  = 10
	DefaultMaxCallDuration    = 2 * time.Hour
	DefaultSessionTimeout     = 5 * time.Minute
	DefaultSessionSweep       = 5 * time.Minute
	DefaultRingTimeout        = 30 * time.Second

	DefaultKeyRotationInterval = 5 * time.Minute

	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50

	DefaultTURNRESTTTLSeconds int64 = 3600

	DefaultUpstreamTimeout = 5 * time.Second
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

// AuthFailPolicy controls what happens when the identity authority is
// unreachable: fail_closed rejects the request, fail_open accepts the
// locally-verified token with degraded trust. The policy is always explicit;
// there is no silent fallback.
type AuthFailPolicy string

const (
	AuthFailClosed AuthFailPolicy = "fail_closed"
	AuthFailOpen   AuthFailPolicy = "fail_open"
)

type TurnRESTConfig struct {
	SharedSecret string
	TTLSeconds   int64
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	AllowedOrigins  []string

	// Authentication.
	JWTSecret         string
	AuthServiceURL    string
	AuthServiceAPIKey string
	AuthFailPolicy    AuthFailPolicy
	AuthTimeout       time.Duration
	AuthRateWindow    time.Duration
	AuthRateMax       int
	MaxConnsPerUser   int

	// Call session limits. A value <= 0 means unlimited.
	MaxCallsPerUser    int
	MaxConcurrentCalls int
	MaxCallsPerMinute  int
	MaxCallDuration    time.Duration
	SessionTimeout     time.Duration
	SessionSweep       time.Duration
	RingTimeout        time.Duration

	KeyRotationInterval time.Duration

	// WebSocket signaling hardening.
	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	// ICE.
	ICEServers []webrtc.ICEServer
	TURNURLs   []string
	TURNREST   TurnRESTConfig

	// External collaborators. Empty URL disables the client (noop in dev).
	NotifyServiceURL    string
	NotifyServiceToken  string
	HistoryServiceURL   string
	HistoryServiceToken string
	UpstreamTimeout     time.Duration
}

func Load() (Config, error) {
	return load(os.LookupEnv)
}

func load(lookup func(string) (string, bool)) (Config, error) {
	modeStr := envOrDefault(lookup, envVarMode, string(DefaultMode))
	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	logFormatStr := envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(string(mode)))
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevelStr := envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(string(mode)))
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")
	if strings.TrimSpace(jwtSecret) == "" {
		return Config{}, fmt.Errorf("%s is required", envVarJWTSecret)
	}

	failPolicy, err := parseAuthFailPolicy(envOrDefault(lookup, envVarAuthFailPolicy, string(DefaultAuthFailPolicy)))
	if err != nil {
		return Config{}, err
	}

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	authTimeout, err := envDurationOrDefault(lookup, envVarAuthTimeout, DefaultAuthTimeout)
	if err != nil {
		return Config{}, err
	}
	authRateWindow, err := envDurationOrDefault(lookup, envVarAuthRateWindow, DefaultAuthRateWindow)
	if err != nil {
		return Config{}, err
	}
	authRateMax, err := envIntOrDefault(lookup, envVarAuthRateMax, DefaultAuthRateMax)
	if err != nil {
		return Config{}, err
	}
	maxConnsPerUser, err := envIntOrDefault(lookup, envVarMaxConnsPerUser, DefaultMaxConnsPerUser)
	if err != nil {
		return Config{}, err
	}

	maxCallsPerUser, err := envIntOrDefault(lookup, envVarMaxCallsPerUser, DefaultMaxCallsPerUser)
	if err != nil {
		return Config{}, err
	}
	maxConcurrentCalls, err := envIntOrDefault(lookup, envVarMaxConcurrentCalls, DefaultMaxConcurrentCalls)
	if err != nil {
		return Config{}, err
	}
	maxCallsPerMinute, err := envIntOrDefault(lookup, envVarMaxCallsPerMinute, DefaultMaxCallsPerMinute)
	if err != nil {
		return Config{}, err
	}
	maxCallDuration, err := envDurationOrDefault(lookup, envVarMaxCallDuration, DefaultMaxCallDuration)
	if err != nil {
		return Config{}, err
	}
	sessionTimeout, err := envDurationOrDefault(lookup, envVarSessionTimeout, DefaultSessionTimeout)
	if err != nil {
		return Config{}, err
	}
	sessionSweep, err := envDurationOrDefault(lookup, envVarSessionSweep, DefaultSessionSweep)
	if err != nil {
		return Config{}, err
	}
	ringTimeout, err := envDurationOrDefault(lookup, envVarRingTimeout, DefaultRingTimeout)
	if err != nil {
		return Config{}, err
	}
	keyRotationInterval, err := envDurationOrDefault(lookup, envVarKeyRotationInterval, DefaultKeyRotationInterval)
	if err != nil {
		return Config{}, err
	}

	wsIdleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	wsPingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}
	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}

	iceServers, turnURLs, err := parseICEServersFromValues(
		envOrDefault(lookup, envVarICEServersJSON, ""),
		envOrDefault(lookup, envVarStunURLs, ""),
		envOrDefault(lookup, envVarTurnURLs, ""),
	)
	if err != nil {
		return Config{}, err
	}

	turnRESTTTLSeconds := DefaultTURNRESTTTLSeconds
	if raw, ok := lookup(envVarTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarTURNRESTTTLSeconds, raw, err)
		}
		turnRESTTTLSeconds = n
	}

	upstreamTimeout, err := envDurationOrDefault(lookup, envVarUpstreamTimeout, DefaultUpstreamTimeout)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:      envOrDefault(lookup, envVarListenAddr, DefaultListenAddr),
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ShutdownTimeout: shutdownTimeout,
		AllowedOrigins:  splitCommaSeparated(envOrDefault(lookup, envVarAllowedOrigins, "")),

		JWTSecret:         jwtSecret,
		AuthServiceURL:    strings.TrimRight(envOrDefault(lookup, envVarAuthServiceURL, ""), "/"),
		AuthServiceAPIKey: envOrDefault(lookup, envVarAuthServiceAPIKey, ""),
		AuthFailPolicy:    failPolicy,
		AuthTimeout:       authTimeout,
		AuthRateWindow:    authRateWindow,
		AuthRateMax:       authRateMax,
		MaxConnsPerUser:   maxConnsPerUser,

		MaxCallsPerUser:    maxCallsPerUser,
		MaxConcurrentCalls: maxConcurrentCalls,
		MaxCallsPerMinute:  maxCallsPerMinute,
		MaxCallDuration:    maxCallDuration,
		SessionTimeout:     sessionTimeout,
		SessionSweep:       sessionSweep,
		RingTimeout:        ringTimeout,

		KeyRotationInterval: keyRotationInterval,

		SignalingWSIdleTimeout:        wsIdleTimeout,
		SignalingWSPingInterval:       wsPingInterval,
		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,

		ICEServers: iceServers,
		TURNURLs:   turnURLs,
		TURNREST: TurnRESTConfig{
			SharedSecret: envOrDefault(lookup, envVarTURNRESTSharedSecret, ""),
			TTLSeconds:   turnRESTTTLSeconds,
		},

		NotifyServiceURL:    strings.TrimRight(envOrDefault(lookup, envVarNotifyServiceURL, ""), "/"),
		NotifyServiceToken:  envOrDefault(lookup, envVarNotifyServiceToken, ""),
		HistoryServiceURL:   strings.TrimRight(envOrDefault(lookup, envVarHistoryServiceURL, ""), "/"),
		HistoryServiceToken: envOrDefault(lookup, envVarHistoryServiceToken, ""),
		UpstreamTimeout:     upstreamTimeout,
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.RingTimeout <= 0 {
		return errors.New("RING_TIMEOUT must be > 0")
	}
	if c.KeyRotationInterval < 0 {
		return errors.New("KEY_ROTATION_INTERVAL must be >= 0 (0 disables scheduled rotation)")
	}
	if c.TURNREST.Enabled() && c.TURNREST.TTLSeconds <= 0 {
		return errors.New("TURN_REST_TTL_SECONDS must be > 0")
	}
	if c.TURNREST.Enabled() && len(c.TURNURLs) == 0 {
		return fmt.Errorf("%s requires %s", envVarTURNRESTSharedSecret, envVarTurnURLs)
	}
	return nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
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

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
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

func parseAuthFailPolicy(raw string) (AuthFailPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthFailClosed):
		return AuthFailClosed, nil
	case string(AuthFailOpen):
		return AuthFailOpen, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s or %s)", envVarAuthFailPolicy, raw, AuthFailClosed, AuthFailOpen)
	}
}
