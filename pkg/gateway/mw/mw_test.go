package mw

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vango-go/argonauts-live/pkg/core"
)

type testHijackerWriter struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (w *testHijackerWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	w.hijacked = true
	return nil, nil, nil
}

func parseLogRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	line := strings.TrimSpace(buf.String())
	if line == "" {
		t.Fatal("expected log output")
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		t.Fatalf("unmarshal log: %v", err)
	}
	return rec
}

func TestRequestID_GeneratesAndPropagates(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = RequestIDFrom(r.Context())
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if !strings.HasPrefix(seen, "req_") || rr.Header().Get("X-Request-ID") != seen {
		t.Fatalf("seen=%q header=%q", seen, rr.Header().Get("X-Request-ID"))
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req_client")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "req_client" {
		t.Fatalf("seen=%q, want client id", seen)
	}
}

func TestRecover_PanicReturnsCanonicalJSON(t *testing.T) {
	h := RequestID(Recover(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/guide/live", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	var env struct {
		Error core.Error `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Error.Type != core.ErrAPI || env.Error.RequestID == "" {
		t.Fatalf("error=%+v", env.Error)
	}
}

func TestAccessLog_LogsStatus(t *testing.T) {
	var buf bytes.Buffer
	h := AccessLog(slog.New(slog.NewJSONHandler(&buf, nil)), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil).WithContext(WithRequestID(context.Background(), "req_test"))
	h.ServeHTTP(httptest.NewRecorder(), req)

	rec := parseLogRecord(t, &buf)
	if rec["status"] != float64(http.StatusServiceUnavailable) || rec["request_id"] != "req_test" || rec["path"] != "/readyz" {
		t.Fatalf("record=%v", rec)
	}
}

func TestAccessLog_PreservesHijacker(t *testing.T) {
	var buf bytes.Buffer
	writer := &testHijackerWriter{ResponseRecorder: httptest.NewRecorder()}
	h := AccessLog(slog.New(slog.NewJSONHandler(&buf, nil)), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Fatalf("expected http.Hijacker to be preserved")
		}
		if _, _, err := hj.Hijack(); err != nil {
			t.Fatalf("hijack: %v", err)
		}
	}))
	h.ServeHTTP(writer, httptest.NewRequest(http.MethodGet, "/v1/guide/live", nil))

	if !writer.hijacked {
		t.Fatalf("expected underlying hijacker to be invoked")
	}
	if rec := parseLogRecord(t, &buf); rec["status"] != float64(http.StatusSwitchingProtocols) {
		t.Fatalf("status=%v, want 101", rec["status"])
	}
}

func TestAccessLog_DoesNotAdvertiseHijackerWhenUnsupported(t *testing.T) {
	h := AccessLog(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := w.(http.Hijacker); ok {
			t.Fatalf("did not expect http.Hijacker to be advertised")
		}
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
}
