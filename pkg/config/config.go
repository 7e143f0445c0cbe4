// Package config loads guide and gateway settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Guide holds settings shared by every way of running a guide session.
type Guide struct {
	GeminiAPIKey string
	Model        string
	Voice        string

	Transcription bool
	VideoInterval time.Duration

	BackendURL     string
	BackendAPIKey  string
	BackendTimeout time.Duration
	UserID         string

	// Empty means the built-in Poti vocabulary.
	VocabularyPath string

	LogLevel slog.Level
}

func LoadGuideFromEnv() (Guide, error) {
	cfg := Guide{
		GeminiAPIKey:   firstEnv("GUIDE_GEMINI_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY"),
		Model:          envOr("GUIDE_MODEL", ""),
		Voice:          envOr("GUIDE_VOICE", ""),
		Transcription:  envBoolOr("GUIDE_TRANSCRIPTION", true),
		VideoInterval:  envDurationOr("GUIDE_VIDEO_INTERVAL", time.Second),
		BackendURL:     envOr("GUIDE_BACKEND_URL", ""),
		BackendAPIKey:  envOr("GUIDE_BACKEND_API_KEY", ""),
		BackendTimeout: envDurationOr("GUIDE_BACKEND_TIMEOUT", 10*time.Second),
		UserID:         envOr("GUIDE_USER_ID", ""),
		VocabularyPath: envOr("GUIDE_VOCABULARY", ""),
	}

	level, err := ParseLevel(envOr("GUIDE_LOG_LEVEL", "info"))
	if err != nil {
		return Guide{}, fmt.Errorf("GUIDE_LOG_LEVEL: %w", err)
	}
	cfg.LogLevel = level

	if cfg.VideoInterval <= 0 {
		return Guide{}, fmt.Errorf("GUIDE_VIDEO_INTERVAL must be > 0")
	}
	if cfg.BackendTimeout <= 0 {
		return Guide{}, fmt.Errorf("GUIDE_BACKEND_TIMEOUT must be > 0")
	}
	if cfg.BackendURL != "" && !strings.HasPrefix(cfg.BackendURL, "http://") && !strings.HasPrefix(cfg.BackendURL, "https://") {
		return Guide{}, fmt.Errorf("GUIDE_BACKEND_URL must be an http(s) URL")
	}
	return cfg, nil
}

// Validate reports settings a live session cannot start without.
func (g Guide) Validate() error {
	if g.GeminiAPIKey == "" {
		return fmt.Errorf("GUIDE_GEMINI_API_KEY (or GEMINI_API_KEY) must be set")
	}
	return nil
}

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeDisabled AuthMode = "disabled"
)

// Gateway configures the guide WebSocket gateway.
type Gateway struct {
	Guide

	Addr string

	AuthMode AuthMode
	APIKeys  map[string]struct{}

	CORSAllowedOrigins map[string]struct{} // empty => disabled

	MaxSessions        int
	MaxSessionDuration time.Duration

	// Inbound limits per connection.
	MaxJSONMessageBytes int64
	MaxAudioFPS         int
	MaxVideoFPS         int
	InboundBurstSeconds int

	HandshakeTimeout time.Duration
	WSPingInterval   time.Duration
	WSWriteTimeout   time.Duration

	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadGatewayFromEnv() (Gateway, error) {
	guide, err := LoadGuideFromEnv()
	if err != nil {
		return Gateway{}, err
	}
	cfg := Gateway{
		Guide:               guide,
		Addr:                envOr("GUIDE_GATEWAY_ADDR", ":8080"),
		AuthMode:            AuthMode(envOr("GUIDE_GATEWAY_AUTH_MODE", string(AuthModeRequired))),
		APIKeys:             make(map[string]struct{}),
		CORSAllowedOrigins:  make(map[string]struct{}),
		MaxSessions:         envIntOr("GUIDE_GATEWAY_MAX_SESSIONS", 100),
		MaxSessionDuration:  envDurationOr("GUIDE_GATEWAY_MAX_SESSION_DURATION", time.Hour),
		MaxJSONMessageBytes: envInt64Or("GUIDE_GATEWAY_MAX_JSON_MESSAGE_BYTES", 512<<10), // 512 KiB, fits a JPEG frame
		MaxAudioFPS:         envIntOr("GUIDE_GATEWAY_MAX_AUDIO_FPS", 50),
		MaxVideoFPS:         envIntOr("GUIDE_GATEWAY_MAX_VIDEO_FPS", 5),
		InboundBurstSeconds: envIntOr("GUIDE_GATEWAY_INBOUND_BURST_SECONDS", 2),
		HandshakeTimeout:    envDurationOr("GUIDE_GATEWAY_HANDSHAKE_TIMEOUT", 5*time.Second),
		WSPingInterval:      envDurationOr("GUIDE_GATEWAY_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:      envDurationOr("GUIDE_GATEWAY_WS_WRITE_TIMEOUT", 5*time.Second),
		ReadHeaderTimeout:   envDurationOr("GUIDE_GATEWAY_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod: envDurationOr("GUIDE_GATEWAY_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeDisabled:
	default:
		return Gateway{}, fmt.Errorf("GUIDE_GATEWAY_AUTH_MODE must be one of required|disabled")
	}
	for _, key := range splitCSV(os.Getenv("GUIDE_GATEWAY_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}
	for _, origin := range splitCSV(os.Getenv("GUIDE_GATEWAY_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if cfg.MaxSessions <= 0 {
		return Gateway{}, fmt.Errorf("GUIDE_GATEWAY_MAX_SESSIONS must be > 0")
	}
	if cfg.MaxSessionDuration <= 0 {
		return Gateway{}, fmt.Errorf("GUIDE_GATEWAY_MAX_SESSION_DURATION must be > 0")
	}
	if cfg.MaxJSONMessageBytes <= 0 {
		return Gateway{}, fmt.Errorf("GUIDE_GATEWAY_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.MaxAudioFPS < 0 {
		return Gateway{}, fmt.Errorf("GUIDE_GATEWAY_MAX_AUDIO_FPS must be >= 0")
	}
	if cfg.MaxVideoFPS < 0 {
		return Gateway{}, fmt.Errorf("GUIDE_GATEWAY_MAX_VIDEO_FPS must be >= 0")
	}
	if (cfg.MaxAudioFPS > 0 || cfg.MaxVideoFPS > 0) && cfg.InboundBurstSeconds < 1 {
		return Gateway{}, fmt.Errorf("GUIDE_GATEWAY_INBOUND_BURST_SECONDS must be >= 1 when inbound limits are enabled")
	}
	if cfg.HandshakeTimeout <= 0 {
		return Gateway{}, fmt.Errorf("GUIDE_GATEWAY_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Gateway{}, fmt.Errorf("GUIDE_GATEWAY_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Gateway{}, fmt.Errorf("GUIDE_GATEWAY_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Gateway{}, fmt.Errorf("GUIDE_GATEWAY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Gateway{}, fmt.Errorf("GUIDE_GATEWAY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return Gateway{}, fmt.Errorf("GUIDE_GATEWAY_API_KEYS must be set when GUIDE_GATEWAY_AUTH_MODE=required")
	}
	return cfg, nil
}

// ParseLevel maps debug|info|warn|error to a slog level.
func ParseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", raw)
	}
	return level, nil
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if v := envOr(key, ""); v != "" {
			return v
		}
	}
	return ""
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
