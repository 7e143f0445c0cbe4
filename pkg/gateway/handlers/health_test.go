package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vango-go/argonauts-live/pkg/config"
	"github.com/vango-go/argonauts-live/pkg/gateway/sessions"
)

func readyConfig() config.Gateway {
	return config.Gateway{
		Guide:               config.Guide{GeminiAPIKey: "g-test"},
		AuthMode:            config.AuthModeRequired,
		APIKeys:             map[string]struct{}{"gw_test": {}},
		MaxSessions:         3,
		MaxJSONMessageBytes: 1024,
		HandshakeTimeout:    time.Second,
		WSPingInterval:      time.Second,
		WSWriteTimeout:      time.Second,
	}
}

func serveReady(t *testing.T, h ReadyHandler) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v body=%q", err, rr.Body.String())
	}
	return rr.Code, resp
}

func TestHealthHandler(t *testing.T) {
	rr := httptest.NewRecorder()
	HealthHandler{}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "ok\n" {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestReadyHandler_Ready(t *testing.T) {
	code, resp := serveReady(t, ReadyHandler{Config: readyConfig(), Sessions: sessions.NewTracker(3)})
	if code != http.StatusOK {
		t.Fatalf("status=%d resp=%v", code, resp)
	}
	if ok, _ := resp["ok"].(bool); !ok {
		t.Fatalf("expected ok=true, resp=%v", resp)
	}
	if resp["max_sessions"] != float64(3) || resp["active_sessions"] != float64(0) {
		t.Fatalf("resp=%v", resp)
	}
}

func TestReadyHandler_RequiredAuthEmptyKeys_NotReady(t *testing.T) {
	cfg := readyConfig()
	cfg.APIKeys = map[string]struct{}{}
	code, resp := serveReady(t, ReadyHandler{Config: cfg, Sessions: sessions.NewTracker(3)})
	if code != http.StatusInternalServerError {
		t.Fatalf("status=%d", code)
	}
	if ok, _ := resp["ok"].(bool); ok {
		t.Fatalf("expected ok=false")
	}
}

func TestReadyHandler_MissingGeminiKey_NotReady(t *testing.T) {
	cfg := readyConfig()
	cfg.GeminiAPIKey = ""
	code, resp := serveReady(t, ReadyHandler{Config: cfg, Sessions: sessions.NewTracker(3)})
	if code != http.StatusInternalServerError {
		t.Fatalf("status=%d", code)
	}
	issues, _ := resp["issues"].([]any)
	if len(issues) != 1 {
		t.Fatalf("issues=%v", resp["issues"])
	}
}

func TestReadyHandler_Draining(t *testing.T) {
	code, resp := serveReady(t, ReadyHandler{
		Config:   readyConfig(),
		Sessions: sessions.NewTracker(3),
		Draining: func() bool { return true },
	})
	if code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", code)
	}
	if resp["draining"] != true {
		t.Fatalf("resp=%v", resp)
	}
}
