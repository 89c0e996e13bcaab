// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes settings for the
// realtime gateway: server timeouts, logging, websocket heartbeats, presence
// decay, reconnection recovery, rate limiting, the NATS backplane, and
// observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tbourn/go-realtime-backend/internal/sysutil"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-realtime-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// WSConfig defines websocket transport settings for the gateway.
type WSConfig struct {
	HeartbeatInterval time.Duration // WS_HEARTBEAT_INTERVAL: server ping period
	PongWait          time.Duration // WS_PONG_WAIT: max silence before a ping round is missed
	WriteWait         time.Duration // WS_WRITE_WAIT: per-frame write deadline
	MaxFrameBytes     int64         // WS_MAX_FRAME_BYTES: inbound frame size cap
	SendQueueSize     int           // WS_SEND_QUEUE: per-connection outbound buffer
	ShutdownTimeout   time.Duration // WS_SHUTDOWN_TIMEOUT: bound on graceful close
}

// PresenceConfig defines the two-stage presence decay thresholds.
type PresenceConfig struct {
	AwayThreshold    time.Duration // PRESENCE_AWAY_THRESHOLD: Online -> Away
	OfflineThreshold time.Duration // PRESENCE_OFFLINE_THRESHOLD: Away -> Offline
	RemoveAfter      time.Duration // PRESENCE_REMOVE_AFTER: drop record entirely
	SweepInterval    time.Duration // PRESENCE_SWEEP_INTERVAL
}

// RecoveryConfig defines disconnect/reconnect recovery behavior.
type RecoveryConfig struct {
	GracePeriod          time.Duration // RECOVERY_GRACE_PERIOD: clean-disconnect purge delay
	BackoffBase          time.Duration // RECOVERY_BACKOFF_BASE
	BackoffMultiplier    float64       // RECOVERY_BACKOFF_MULTIPLIER
	BackoffMax           time.Duration // RECOVERY_BACKOFF_MAX
	MaxReconnectAttempts int           // RECOVERY_MAX_ATTEMPTS
	MissedEventRetention time.Duration // RECOVERY_MISSED_RETENTION
	MaxMissedEvents      int           // RECOVERY_MAX_MISSED_EVENTS: per-user queue bound
	SweepInterval        time.Duration // RECOVERY_SWEEP_INTERVAL
}

// LimitsConfig defines the multi-tier rate limiter windows and the
// violation/block escalation policy.
type LimitsConfig struct {
	UserPerMinute      int           // LIMIT_USER_PER_MINUTE
	UserPerHour        int           // LIMIT_USER_PER_HOUR
	SocketPerMinute    int           // LIMIT_SOCKET_PER_MINUTE
	IPPerMinute        int           // LIMIT_IP_PER_MINUTE
	ViolationThreshold int           // LIMIT_VIOLATION_THRESHOLD: violations before a block
	ViolationWindow    time.Duration // LIMIT_VIOLATION_WINDOW: tracking window
	SweepInterval      time.Duration // LIMIT_SWEEP_INTERVAL
	WhitelistUsers     []string      // LIMIT_WHITELIST_USERS (CSV)
	WhitelistIPs       []string      // LIMIT_WHITELIST_IPS (CSV)
}

// NATSConfig defines the distributed backplane connection.
type NATSConfig struct {
	Enabled       bool   // NATS_ENABLED (false = single-instance, in-process bus)
	URL           string // NATS_URL (e.g. "nats://localhost:4222")
	SubjectPrefix string // NATS_SUBJECT_PREFIX (e.g. "realtime")
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for API routes

	// Storage (missed-event and publish-receipt store)
	DBPath string // SQLite path

	// Handshake edge limiter (token bucket per IP, pre-upgrade)
	HandshakeRPS   float64 // HANDSHAKE_RPS (>= 0)
	HandshakeBurst int     // HANDSHAKE_BURST (>= 1)

	// Realtime core
	WS       WSConfig
	Presence PresenceConfig
	Recovery RecoveryConfig
	Limits   LimitsConfig
	NATS     NATSConfig

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency (internal publish API)
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
// A local .env file is applied first without overriding the real
// environment.
func Load() (Config, error) {
	sysutil.LoadEnv()

	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Storage
		DBPath: getenv("DB_PATH", "realtime.db"),

		// Handshake edge limiter
		HandshakeRPS:   getfloat("HANDSHAKE_RPS", 5.0),
		HandshakeBurst: getint("HANDSHAKE_BURST", 10),

		// Websocket transport
		WS: WSConfig{
			HeartbeatInterval: getdur("WS_HEARTBEAT_INTERVAL", 25*time.Second),
			PongWait:          getdur("WS_PONG_WAIT", 30*time.Second),
			WriteWait:         getdur("WS_WRITE_WAIT", 5*time.Second),
			MaxFrameBytes:     int64(getint("WS_MAX_FRAME_BYTES", 64<<10)),
			SendQueueSize:     getint("WS_SEND_QUEUE", 64),
			ShutdownTimeout:   getdur("WS_SHUTDOWN_TIMEOUT", 10*time.Second),
		},

		// Presence decay
		Presence: PresenceConfig{
			AwayThreshold:    getdur("PRESENCE_AWAY_THRESHOLD", 5*time.Minute),
			OfflineThreshold: getdur("PRESENCE_OFFLINE_THRESHOLD", 15*time.Minute),
			RemoveAfter:      getdur("PRESENCE_REMOVE_AFTER", 24*time.Hour),
			SweepInterval:    getdur("PRESENCE_SWEEP_INTERVAL", 2*time.Minute),
		},

		// Reconnection recovery
		Recovery: RecoveryConfig{
			GracePeriod:          getdur("RECOVERY_GRACE_PERIOD", 5*time.Second),
			BackoffBase:          getdur("RECOVERY_BACKOFF_BASE", 2*time.Second),
			BackoffMultiplier:    getfloat("RECOVERY_BACKOFF_MULTIPLIER", 2.0),
			BackoffMax:           getdur("RECOVERY_BACKOFF_MAX", 5*time.Minute),
			MaxReconnectAttempts: getint("RECOVERY_MAX_ATTEMPTS", 10),
			MissedEventRetention: getdur("RECOVERY_MISSED_RETENTION", time.Hour),
			MaxMissedEvents:      getint("RECOVERY_MAX_MISSED_EVENTS", 100),
			SweepInterval:        getdur("RECOVERY_SWEEP_INTERVAL", time.Minute),
		},

		// Rate limiting tiers
		Limits: LimitsConfig{
			UserPerMinute:      getint("LIMIT_USER_PER_MINUTE", 60),
			UserPerHour:        getint("LIMIT_USER_PER_HOUR", 1000),
			SocketPerMinute:    getint("LIMIT_SOCKET_PER_MINUTE", 30),
			IPPerMinute:        getint("LIMIT_IP_PER_MINUTE", 200),
			ViolationThreshold: getint("LIMIT_VIOLATION_THRESHOLD", 5),
			ViolationWindow:    getdur("LIMIT_VIOLATION_WINDOW", time.Hour),
			SweepInterval:      getdur("LIMIT_SWEEP_INTERVAL", 5*time.Minute),
			WhitelistUsers:     splitCSV(getenv("LIMIT_WHITELIST_USERS", "")),
			WhitelistIPs:       splitCSV(getenv("LIMIT_WHITELIST_IPS", "")),
		},

		// Backplane
		NATS: NATSConfig{
			Enabled:       getbool("NATS_ENABLED", false),
			URL:           getenv("NATS_URL", "nats://localhost:4222"),
			SubjectPrefix: getenv("NATS_SUBJECT_PREFIX", "realtime"),
		},

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-realtime-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.HandshakeRPS < 0 {
		return cfg, errors.New("HANDSHAKE_RPS must be >= 0")
	}
	if cfg.HandshakeBurst < 1 {
		return cfg, errors.New("HANDSHAKE_BURST must be >= 1")
	}
	if cfg.WS.HeartbeatInterval <= 0 || cfg.WS.PongWait <= 0 || cfg.WS.WriteWait <= 0 {
		return cfg, errors.New("websocket intervals must be positive durations")
	}
	// The read deadline must survive a full ping round or healthy idle
	// connections expire between heartbeats.
	if cfg.WS.PongWait <= cfg.WS.HeartbeatInterval {
		return cfg, errors.New("WS_PONG_WAIT must be > WS_HEARTBEAT_INTERVAL")
	}
	if cfg.WS.MaxFrameBytes <= 0 {
		return cfg, errors.New("WS_MAX_FRAME_BYTES must be > 0")
	}
	if cfg.WS.SendQueueSize < 1 {
		return cfg, errors.New("WS_SEND_QUEUE must be >= 1")
	}
	if cfg.Presence.AwayThreshold <= 0 || cfg.Presence.OfflineThreshold <= cfg.Presence.AwayThreshold {
		return cfg, errors.New("PRESENCE_OFFLINE_THRESHOLD must be > PRESENCE_AWAY_THRESHOLD > 0")
	}
	if cfg.Recovery.GracePeriod < 0 {
		return cfg, errors.New("RECOVERY_GRACE_PERIOD must be >= 0")
	}
	if cfg.Recovery.BackoffBase <= 0 || cfg.Recovery.BackoffMultiplier < 1 || cfg.Recovery.BackoffMax < cfg.Recovery.BackoffBase {
		return cfg, errors.New("recovery backoff must satisfy base > 0, multiplier >= 1, max >= base")
	}
	if cfg.Recovery.MaxReconnectAttempts < 1 {
		return cfg, errors.New("RECOVERY_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.Recovery.MaxMissedEvents < 1 {
		return cfg, errors.New("RECOVERY_MAX_MISSED_EVENTS must be >= 1")
	}
	if cfg.Recovery.MissedEventRetention <= 0 {
		return cfg, errors.New("RECOVERY_MISSED_RETENTION must be > 0")
	}
	if cfg.Limits.UserPerMinute < 1 || cfg.Limits.UserPerHour < 1 || cfg.Limits.SocketPerMinute < 1 || cfg.Limits.IPPerMinute < 1 {
		return cfg, errors.New("rate limit tiers must be >= 1")
	}
	if cfg.Limits.ViolationThreshold < 1 {
		return cfg, errors.New("LIMIT_VIOLATION_THRESHOLD must be >= 1")
	}
	if cfg.NATS.Enabled && strings.TrimSpace(cfg.NATS.URL) == "" {
		return cfg, errors.New("NATS_URL must not be empty when NATS_ENABLED")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
