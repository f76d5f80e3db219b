package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice session gateway.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool
	AdminToken       string

	SessionIdleTimeout    time.Duration
	SessionGracePeriod    time.Duration
	SessionConnectTimeout time.Duration
	JanitorInterval       time.Duration
	SessionProfileFile    string

	AudioMaxChunkBytes int

	UpstreamURL                string
	UpstreamAPIKey             string
	UpstreamModel              string
	UpstreamVoice              string
	UpstreamInstructions       string
	UpstreamTranscriptionModel string
	UpstreamTemperature        float64
	UpstreamHandshakeTimeout   time.Duration
	UpstreamMaxReconnects      int
	UpstreamReconnectDelay     time.Duration
	UpstreamStallTimeout       time.Duration
	UpstreamEventBuffer        int

	TurnDetectionType          string
	TurnDetectionThreshold     float64
	TurnDetectionPrefixPadding time.Duration
	TurnDetectionSilence       time.Duration

	AnalyzerTimeout      time.Duration
	EscalationWebhookURL string
	RedactTranscripts    bool

	AuthMode         string
	AuthJWTSecret    string
	AuthJWTIssuer    string
	AuthStaticTokens string

	DatabaseURL string
}

const defaultInstructions = "You are Ava, a calm and supportive voice companion. Speak warmly, keep answers short, and never give medical advice."

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                   envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:           envOrDefault("APP_METRICS_NAMESPACE", "ava"),
		AllowAnyOrigin:             false,
		AdminToken:                 trimmedEnv("APP_ADMIN_TOKEN"),
		ShutdownTimeout:            15 * time.Second,
		SessionIdleTimeout:         10 * time.Minute,
		SessionGracePeriod:         30 * time.Second,
		SessionConnectTimeout:      10 * time.Second,
		JanitorInterval:            5 * time.Second,
		SessionProfileFile:         trimmedEnv("APP_SESSION_PROFILE_FILE"),
		AudioMaxChunkBytes:         1 << 20,
		UpstreamURL:                envOrDefault("UPSTREAM_URL", "wss://api.openai.com/v1/realtime"),
		UpstreamAPIKey:             trimmedEnv("UPSTREAM_API_KEY"),
		UpstreamModel:              envOrDefault("UPSTREAM_MODEL", "gpt-4o-realtime-preview"),
		UpstreamVoice:              envOrDefault("UPSTREAM_VOICE", "alloy"),
		UpstreamInstructions:       envOrDefault("UPSTREAM_INSTRUCTIONS", defaultInstructions),
		UpstreamTranscriptionModel: envOrDefault("UPSTREAM_TRANSCRIPTION_MODEL", "whisper-1"),
		UpstreamTemperature:        0.8,
		UpstreamHandshakeTimeout:   10 * time.Second,
		UpstreamMaxReconnects:      3,
		UpstreamReconnectDelay:     2 * time.Second,
		UpstreamStallTimeout:       15 * time.Second,
		UpstreamEventBuffer:        256,
		TurnDetectionType:          envOrDefault("TURN_DETECTION_TYPE", "server_vad"),
		TurnDetectionThreshold:     0.5,
		TurnDetectionPrefixPadding: 300 * time.Millisecond,
		TurnDetectionSilence:       500 * time.Millisecond,
		AnalyzerTimeout:            3 * time.Second,
		EscalationWebhookURL:       trimmedEnv("ESCALATION_WEBHOOK_URL"),
		RedactTranscripts:          true,
		AuthMode:                   strings.ToLower(envOrDefault("AUTH_MODE", "jwt")),
		AuthJWTSecret:              trimmedEnv("AUTH_JWT_SECRET"),
		AuthJWTIssuer:              trimmedEnv("AUTH_JWT_ISSUER"),
		AuthStaticTokens:           trimmedEnv("AUTH_STATIC_TOKENS"),
		DatabaseURL:                trimmedEnv("DATABASE_URL"),
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"SESSION_IDLE_TIMEOUT", &cfg.SessionIdleTimeout},
		{"SESSION_GRACE_PERIOD", &cfg.SessionGracePeriod},
		{"SESSION_CONNECT_TIMEOUT", &cfg.SessionConnectTimeout},
		{"SESSION_JANITOR_INTERVAL", &cfg.JanitorInterval},
		{"UPSTREAM_HANDSHAKE_TIMEOUT", &cfg.UpstreamHandshakeTimeout},
		{"UPSTREAM_RECONNECT_DELAY", &cfg.UpstreamReconnectDelay},
		{"UPSTREAM_STALL_TIMEOUT", &cfg.UpstreamStallTimeout},
		{"TURN_DETECTION_PREFIX_PADDING", &cfg.TurnDetectionPrefixPadding},
		{"TURN_DETECTION_SILENCE", &cfg.TurnDetectionSilence},
		{"ANALYZER_TIMEOUT", &cfg.AnalyzerTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}

	if cfg.AudioMaxChunkBytes, err = intFromEnv("AUDIO_MAX_CHUNK_BYTES", cfg.AudioMaxChunkBytes); err != nil {
		return Config{}, err
	}
	if cfg.UpstreamMaxReconnects, err = intFromEnv("UPSTREAM_MAX_RECONNECTS", cfg.UpstreamMaxReconnects); err != nil {
		return Config{}, err
	}
	if cfg.UpstreamEventBuffer, err = intFromEnv("UPSTREAM_EVENT_BUFFER", cfg.UpstreamEventBuffer); err != nil {
		return Config{}, err
	}
	if cfg.UpstreamTemperature, err = floatFromEnv("UPSTREAM_TEMPERATURE", cfg.UpstreamTemperature); err != nil {
		return Config{}, err
	}
	if cfg.TurnDetectionThreshold, err = floatFromEnv("TURN_DETECTION_THRESHOLD", cfg.TurnDetectionThreshold); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}
	if cfg.RedactTranscripts, err = boolFromEnv("TRANSCRIPT_REDACT_PII", cfg.RedactTranscripts); err != nil {
		return Config{}, err
	}

	if cfg.SessionProfileFile != "" {
		profile, err := LoadProfile(cfg.SessionProfileFile)
		if err != nil {
			return Config{}, err
		}
		profile.Apply(&cfg)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.SessionIdleTimeout < 5*time.Second {
		return fmt.Errorf("SESSION_IDLE_TIMEOUT must be at least 5s")
	}
	if c.SessionGracePeriod < 0 {
		return fmt.Errorf("SESSION_GRACE_PERIOD must be >= 0")
	}
	if c.SessionConnectTimeout <= 0 {
		return fmt.Errorf("SESSION_CONNECT_TIMEOUT must be positive")
	}
	if c.AudioMaxChunkBytes <= 0 {
		return fmt.Errorf("AUDIO_MAX_CHUNK_BYTES must be positive")
	}
	if c.UpstreamMaxReconnects < 0 {
		return fmt.Errorf("UPSTREAM_MAX_RECONNECTS must be >= 0")
	}
	if c.UpstreamEventBuffer <= 0 {
		return fmt.Errorf("UPSTREAM_EVENT_BUFFER must be positive")
	}
	if c.UpstreamStallTimeout <= 0 {
		return fmt.Errorf("UPSTREAM_STALL_TIMEOUT must be positive")
	}
	if c.TurnDetectionThreshold < 0 || c.TurnDetectionThreshold > 1 {
		return fmt.Errorf("TURN_DETECTION_THRESHOLD must be within [0,1]")
	}
	switch c.TurnDetectionType {
	case "server_vad", "semantic_vad", "none":
	default:
		return fmt.Errorf("invalid TURN_DETECTION_TYPE: %q (expected server_vad|semantic_vad|none)", c.TurnDetectionType)
	}
	switch c.AuthMode {
	case "jwt":
		if c.AuthJWTSecret == "" {
			return fmt.Errorf("AUTH_MODE=jwt requires AUTH_JWT_SECRET")
		}
	case "static":
		if c.AuthStaticTokens == "" {
			return fmt.Errorf("AUTH_MODE=static requires AUTH_STATIC_TOKENS")
		}
	case "none":
	default:
		return fmt.Errorf("invalid AUTH_MODE: %q (expected jwt|static|none)", c.AuthMode)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
