package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/vango-go/argonauts-live/pkg/config"
	"github.com/vango-go/argonauts-live/pkg/gateway/sessions"
	"github.com/vango-go/argonauts-live/pkg/guide/live"
)

func TestLiveHandler_HandshakeUnsupportedVersion(t *testing.T) {
	h, serverURL := newLiveTestServer(t, liveTestOptions{})
	defer h.close()

	conn := mustDialWS(t, serverURL)
	defer conn.Close()

	mustWriteJSON(t, conn, baseHello("2"))

	msg := mustReadJSON(t, conn, 2*time.Second)
	if msg["type"] != "error" {
		t.Fatalf("type=%v", msg["type"])
	}
	if msg["code"] != "unsupported_version" {
		t.Fatalf("code=%v", msg["code"])
	}
	if msg["close"] != true {
		t.Fatalf("close=%v", msg["close"])
	}
}

func TestLiveHandler_HandshakeBadHello(t *testing.T) {
	h, serverURL := newLiveTestServer(t, liveTestOptions{})
	defer h.close()

	conn := mustDialWS(t, serverURL)
	defer conn.Close()

	hello := baseHello("1")
	hello["audio_in"] = map[string]any{"encoding": "opus", "sample_rate_hz": 48000, "channels": 1}
	mustWriteJSON(t, conn, hello)

	msg := mustReadJSON(t, conn, 2*time.Second)
	if msg["code"] != "unsupported" {
		t.Fatalf("msg=%v", msg)
	}
	details, _ := msg["details"].(map[string]any)
	if details["param"] != "audio_in.encoding" {
		t.Fatalf("details=%v", msg["details"])
	}
}

func TestLiveHandler_HandshakeWrongSampleRate(t *testing.T) {
	h, serverURL := newLiveTestServer(t, liveTestOptions{})
	defer h.close()

	conn := mustDialWS(t, serverURL)
	defer conn.Close()

	hello := baseHello("1")
	hello["audio_in"] = map[string]any{"encoding": "f32le", "sample_rate_hz": 48000, "channels": 1}
	mustWriteJSON(t, conn, hello)

	msg := mustReadJSON(t, conn, 2*time.Second)
	if msg["code"] != "unsupported" {
		t.Fatalf("msg=%v", msg)
	}
}

func TestLiveHandler_Unauthorized(t *testing.T) {
	h, serverURL := newLiveTestServer(t, liveTestOptions{})
	defer h.close()

	conn := mustDialWS(t, serverURL)
	defer conn.Close()

	hello := baseHello("1")
	hello["auth"] = map[string]any{"gateway_api_key": "gw_wrong"}
	mustWriteJSON(t, conn, hello)

	msg := mustReadJSON(t, conn, 2*time.Second)
	if msg["code"] != "unauthorized" {
		t.Fatalf("msg=%v", msg)
	}
	if h.dialer.count() != 0 {
		t.Fatalf("dialed model for unauthorized client")
	}
}

func TestLiveHandler_BearerAuth(t *testing.T) {
	h, serverURL := newLiveTestServer(t, liveTestOptions{})
	defer h.close()

	header := http.Header{}
	header.Set("Authorization", "Bearer gw_test")
	conn, _, err := websocket.DefaultDialer.Dial(serverURL, header)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	hello := baseHello("1")
	delete(hello, "auth")
	mustWriteJSON(t, conn, hello)

	msg := mustReadJSON(t, conn, 2*time.Second)
	if msg["type"] != "hello_ack" {
		t.Fatalf("msg=%v", msg)
	}
}

func TestLiveHandler_HelloAckAndTextRoundTrip(t *testing.T) {
	h, serverURL := newLiveTestServer(t, liveTestOptions{})
	defer h.close()

	conn := mustDialWS(t, serverURL)
	defer conn.Close()

	mustWriteJSON(t, conn, baseHello("1"))

	ack := mustReadJSON(t, conn, 2*time.Second)
	if ack["type"] != "hello_ack" {
		t.Fatalf("type=%v", ack["type"])
	}
	if id, _ := ack["session_id"].(string); !strings.HasPrefix(id, "gs_") {
		t.Fatalf("session_id=%v", ack["session_id"])
	}
	audioOut, _ := ack["audio_out"].(map[string]any)
	if audioOut["encoding"] != "pcm_s16le" || audioOut["sample_rate_hz"] != float64(24000) {
		t.Fatalf("audio_out=%v", ack["audio_out"])
	}
	limits, _ := ack["limits"].(map[string]any)
	if limits["max_session_ms"] != float64(30000) {
		t.Fatalf("limits=%v", ack["limits"])
	}

	waitForStatus(t, conn, live.StatusConnected)
	if got := h.tracker.Count(); got != 1 {
		t.Fatalf("tracked sessions=%d", got)
	}

	mustWriteJSON(t, conn, map[string]any{"type": "text", "text": "Where is the lighthouse?"})
	msg := waitForType(t, conn, "transcript")
	if msg["role"] != "user" || msg["text"] != "Where is the lighthouse?" {
		t.Fatalf("transcript=%v", msg)
	}
	fc := h.dialer.last()
	waitUntil(t, "model received text", func() bool { return len(fc.sentTexts()) == 1 })

	mustWriteJSON(t, conn, map[string]any{"type": "control", "op": "disconnect"})
	waitForStatus(t, conn, live.StatusDisconnected)
	waitUntil(t, "session unregistered", func() bool { return h.tracker.Count() == 0 })
	waitUntil(t, "model conn closed", fc.isClosed)
}

func TestLiveHandler_Capacity(t *testing.T) {
	h, serverURL := newLiveTestServer(t, liveTestOptions{maxSessions: 1})
	defer h.close()

	first := mustDialWS(t, serverURL)
	defer first.Close()
	mustWriteJSON(t, first, baseHello("1"))
	if msg := mustReadJSON(t, first, 2*time.Second); msg["type"] != "hello_ack" {
		t.Fatalf("first=%v", msg)
	}

	second := mustDialWS(t, serverURL)
	defer second.Close()
	mustWriteJSON(t, second, baseHello("1"))
	msg := mustReadJSON(t, second, 2*time.Second)
	if msg["code"] != "capacity" {
		t.Fatalf("second=%v", msg)
	}
}

func TestLiveHandler_CancelAllClosesConnAndDeregisters(t *testing.T) {
	h, serverURL := newLiveTestServer(t, liveTestOptions{})
	defer h.close()

	conn := mustDialWS(t, serverURL)
	defer conn.Close()
	mustWriteJSON(t, conn, baseHello("1"))
	mustReadJSON(t, conn, 2*time.Second)
	waitForStatus(t, conn, live.StatusConnected)

	if n := h.tracker.WarnAll("draining", "gateway is shutting down"); n != 1 {
		t.Fatalf("warned=%d", n)
	}
	msg := waitForType(t, conn, "warning")
	if msg["code"] != "draining" {
		t.Fatalf("warning=%v", msg)
	}

	if n := h.tracker.CancelAll(); n != 1 {
		t.Fatalf("canceled=%d", n)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	waitUntil(t, "session unregistered", func() bool { return h.tracker.Count() == 0 })
	waitUntil(t, "model conn closed", h.dialer.last().isClosed)
}

func TestLiveHandler_RejectsWhileDraining(t *testing.T) {
	h, serverURL := newLiveTestServer(t, liveTestOptions{draining: true})
	defer h.close()

	_, resp, err := websocket.DefaultDialer.Dial(serverURL, nil)
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("resp=%v err=%v", resp, err)
	}
}

func TestLiveHandler_RejectsUnknownOrigin(t *testing.T) {
	h, serverURL := newLiveTestServer(t, liveTestOptions{})
	defer h.close()

	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(serverURL, header)
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp=%v err=%v", resp, err)
	}
}

func TestParseBearer(t *testing.T) {
	tests := map[string]string{
		"":               "",
		"Bearer abc":     "abc",
		"bearer  abc ":   "abc",
		"Basic dXNlcjpw": "",
		"Bearer":         "",
	}
	for header, want := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			r.Header.Set("Authorization", header)
		}
		if got := parseBearer(r); got != want {
			t.Fatalf("parseBearer(%q)=%q, want %q", header, got, want)
		}
	}
}

type liveTestOptions struct {
	maxSessions int
	draining    bool
}

type liveHarness struct {
	server  *httptest.Server
	dialer  *fakeModelDialer
	tracker *sessions.Tracker
}

func (h *liveHarness) close() {
	h.tracker.CancelAll()
	h.server.Close()
}

func newLiveTestServer(t *testing.T, opts liveTestOptions) (*liveHarness, string) {
	t.Helper()
	if opts.maxSessions <= 0 {
		opts.maxSessions = 2
	}
	tracker := sessions.NewTracker(opts.maxSessions)
	dialer := &fakeModelDialer{}

	cfg := config.Gateway{
		Guide: config.Guide{
			Model:        "gemini-live-test",
			Voice:        "Puck",
			GeminiAPIKey: "g-test",
		},
		AuthMode:            config.AuthModeRequired,
		APIKeys:             map[string]struct{}{"gw_test": {}},
		CORSAllowedOrigins:  map[string]struct{}{},
		MaxSessions:         opts.maxSessions,
		MaxSessionDuration:  30 * time.Second,
		MaxJSONMessageBytes: 64 * 1024,
		MaxAudioFPS:         120,
		MaxVideoFPS:         5,
		InboundBurstSeconds: 2,
		HandshakeTimeout:    2 * time.Second,
		WSPingInterval:      5 * time.Second,
		WSWriteTimeout:      2 * time.Second,
	}

	handler := LiveHandler{
		Config:     cfg,
		Dialer:     dialer,
		HTTPClient: &http.Client{},
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Draining:   func() bool { return opts.draining },
		Sessions:   tracker,
	}

	srv := httptest.NewServer(handler)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/guide/live"
	return &liveHarness{server: srv, dialer: dialer, tracker: tracker}, url
}

func baseHello(version string) map[string]any {
	return map[string]any{
		"type":             "hello",
		"protocol_version": version,
		"auth":             map[string]any{"gateway_api_key": "gw_test"},
		"capabilities":     map[string]any{"audio": true, "video": false},
		"audio_in":         map[string]any{"encoding": "pcm_s16le", "sample_rate_hz": 16000, "channels": 1},
		"context":          map[string]any{"user_name": "Nino", "points": 20},
	}
}

func mustDialWS(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	return conn
}

func mustWriteJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
}

func mustReadJSON(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return out
}

// waitForType reads frames until one of type typ arrives.
func waitForType(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		msg := mustReadJSON(t, conn, time.Until(deadline))
		if msg["type"] == typ {
			return msg
		}
	}
	t.Fatalf("no %s frame", typ)
	return nil
}

func waitForStatus(t *testing.T, conn *websocket.Conn, status string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		msg := waitForType(t, conn, "status")
		if msg["status"] == status {
			return
		}
	}
	t.Fatalf("no %q status", status)
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fakeModelConn struct {
	done      chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex
	texts []string
}

func (c *fakeModelConn) SendClientContent(in genai.LiveClientContentInput) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, turn := range in.Turns {
		for _, p := range turn.Parts {
			c.texts = append(c.texts, p.Text)
		}
	}
	return nil
}

func (c *fakeModelConn) SendRealtimeInput(genai.LiveRealtimeInput) error { return nil }

func (c *fakeModelConn) SendToolResponse(genai.LiveToolResponseInput) error { return nil }

func (c *fakeModelConn) Receive() (*genai.LiveServerMessage, error) {
	<-c.done
	return nil, errors.New("use of closed network connection")
}

func (c *fakeModelConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *fakeModelConn) sentTexts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.texts...)
}

func (c *fakeModelConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

type fakeModelDialer struct {
	mu    sync.Mutex
	conns []*fakeModelConn
}

func (d *fakeModelDialer) Dial(context.Context, string, *genai.LiveConnectConfig) (live.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := &fakeModelConn{done: make(chan struct{})}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeModelDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeModelDialer) last() *fakeModelConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}
