package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vango-go/argonauts-live/pkg/config"
	"github.com/vango-go/argonauts-live/pkg/gateway/sessions"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler reports whether the gateway can accept new guide sessions.
type ReadyHandler struct {
	Config   config.Gateway
	Sessions *sessions.Tracker
	Draining func() bool
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK             bool     `json:"ok"`
		AuthMode       string   `json:"auth_mode"`
		BackendEnabled bool     `json:"backend_enabled"`
		ActiveSessions int      `json:"active_sessions"`
		MaxSessions    int      `json:"max_sessions"`
		Draining       bool     `json:"draining,omitempty"`
		Issues         []string `json:"issues,omitempty"`
	}

	var issues []string
	if h.Config.GeminiAPIKey == "" {
		issues = append(issues, "gemini api key not configured")
	}
	switch h.Config.AuthMode {
	case config.AuthModeRequired, config.AuthModeDisabled:
	default:
		issues = append(issues, "invalid auth_mode")
	}
	if h.Config.AuthMode == config.AuthModeRequired && len(h.Config.APIKeys) == 0 {
		issues = append(issues, "auth_mode=required but no api keys configured")
	}
	if h.Config.MaxJSONMessageBytes <= 0 {
		issues = append(issues, "max_json_message_bytes must be > 0")
	}
	if h.Config.HandshakeTimeout <= 0 || h.Config.WSWriteTimeout <= 0 || h.Config.WSPingInterval <= 0 {
		issues = append(issues, "websocket timeouts must be > 0")
	}

	draining := h.Draining != nil && h.Draining()
	status := http.StatusOK
	switch {
	case len(issues) > 0:
		status = http.StatusInternalServerError
	case draining:
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:             status == http.StatusOK,
		AuthMode:       string(h.Config.AuthMode),
		BackendEnabled: h.Config.BackendURL != "",
		ActiveSessions: h.Sessions.Count(),
		MaxSessions:    h.Config.MaxSessions,
		Draining:       draining,
		Issues:         issues,
	})
}
