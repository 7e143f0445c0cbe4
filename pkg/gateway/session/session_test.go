package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/argonauts-live/pkg/core"
	"github.com/vango-go/argonauts-live/pkg/gateway/protocol"
	"github.com/vango-go/argonauts-live/pkg/guide/detect"
	"github.com/vango-go/argonauts-live/pkg/guide/live"
	"github.com/vango-go/argonauts-live/pkg/guide/media"
	"github.com/vango-go/argonauts-live/pkg/guide/playback"
	"github.com/vango-go/argonauts-live/pkg/guide/tools"
)

type recordedWrite struct {
	messageType int
	data        string
}

type fakeWSWriter struct {
	mu     sync.Mutex
	writes []recordedWrite
}

func (f *fakeWSWriter) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeWSWriter) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, recordedWrite{messageType: messageType, data: string(data)})
	return nil
}

func (f *fakeWSWriter) WriteControl(messageType int, data []byte, _ time.Time) error {
	return f.WriteMessage(messageType, data)
}

func (f *fakeWSWriter) Close() error { return nil }

func (f *fakeWSWriter) snapshot() []recordedWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedWrite(nil), f.writes...)
}

// frames returns the decoded JSON text frames written so far.
func (f *fakeWSWriter) frames() []map[string]any {
	var out []map[string]any
	for _, w := range f.snapshot() {
		if w.messageType != websocket.TextMessage {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(w.data), &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeWSWriter) framesOfType(typ string) []map[string]any {
	var out []map[string]any
	for _, m := range f.frames() {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

type inbound struct {
	typ  int
	data []byte
}

// fakeConn is a client connection: tests push inbound frames and read back
// what the session wrote.
type fakeConn struct {
	fakeWSWriter
	in        chan inbound
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan inbound, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case m := <-c.in:
		return m.typ, m.data, nil
	case <-c.closed:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) sendJSON(t *testing.T, v string) {
	t.Helper()
	c.in <- inbound{typ: websocket.TextMessage, data: []byte(v)}
}

type fakeLive struct {
	mu           sync.Mutex
	connects     int
	disconnects  int
	cleanups     int
	texts        []string
	frames       int
	muted        bool
	videoEnabled bool
	connectErr   error
	textErr      error
}

func (f *fakeLive) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeLive) Disconnect() { f.with(func() { f.disconnects++ }) }
func (f *fakeLive) Cleanup()    { f.with(func() { f.cleanups++ }) }

func (f *fakeLive) Snapshot() live.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return live.Snapshot{State: live.StateOpen, Connected: true, Muted: f.muted, VideoEnabled: f.videoEnabled}
}

func (f *fakeLive) SendText(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return f.textErr
}

func (f *fakeLive) SendVideoFrame(context.Context, media.FrameSource) error {
	f.with(func() { f.frames++ })
	return nil
}

func (f *fakeLive) SetMuted(v bool) { f.with(func() { f.muted = v }) }

func (f *fakeLive) ToggleMute() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted = !f.muted
	return f.muted
}

func (f *fakeLive) SetVideoEnabled(v bool) { f.with(func() { f.videoEnabled = v }) }

func (f *fakeLive) ToggleVideo() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.videoEnabled = !f.videoEnabled
	return f.videoEnabled
}

func (f *fakeLive) with(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testConfig() Config {
	return Config{
		PingInterval:  time.Hour,
		WriteTimeout:  time.Second,
		AudioEncoding: protocol.EncodingPCMS16LE,
		Capabilities:  media.RemoteCapabilities{Audio: true, Video: true},
	}
}

func startRun(t *testing.T, s *Session, ls Live) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), ls) }()
	return done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return")
		return nil
	}
}

func TestOutboundWriter_PriorityBeatsNormal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	priority := make(chan outboundFrame, 1)
	normal := make(chan outboundFrame, 1)
	normal <- outboundFrame{chunkID: "pb_1", payload: []byte(`{"type":"playback_chunk","id":"pb_1"}`)}
	priority <- outboundFrame{payload: []byte(`{"type":"playback_stop","id":"pb_0"}`)}
	close(priority)
	close(normal)

	ws := &fakeWSWriter{}
	w := outboundWriter{
		ws:       ws,
		ctx:      ctx,
		cfg:      Config{PingInterval: time.Hour, WriteTimeout: time.Second},
		priority: priority,
		normal:   normal,
	}
	if err := w.Run(); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	writes := ws.snapshot()
	if len(writes) != 2 {
		t.Fatalf("writes=%d, want 2", len(writes))
	}
	if !strings.Contains(writes[0].data, `"type":"playback_stop"`) {
		t.Fatalf("first write was not playback_stop: %q", writes[0].data)
	}
}

func TestOutboundWriter_StoppedChunkDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	priority := make(chan outboundFrame)
	normal := make(chan outboundFrame, 3)
	normal <- outboundFrame{chunkID: "pb_1", payload: []byte(`{"type":"playback_chunk","id":"pb_1"}`)}
	normal <- outboundFrame{chunkID: "pb_2", payload: []byte(`{"type":"playback_chunk","id":"pb_2"}`)}
	normal <- outboundFrame{payload: []byte(`{"type":"warning","code":"x","message":"y"}`)}
	close(priority)
	close(normal)

	ws := &fakeWSWriter{}
	w := outboundWriter{
		ws:        ws,
		ctx:       ctx,
		cfg:       Config{PingInterval: time.Hour, WriteTimeout: time.Second},
		priority:  priority,
		normal:    normal,
		dropChunk: func(id string) bool { return id == "pb_1" },
	}
	if err := w.Run(); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	writes := ws.snapshot()
	if len(writes) != 2 || !strings.Contains(writes[0].data, "pb_2") {
		t.Fatalf("writes=%+v", writes)
	}
}

func TestOutboundWriter_FlushesPriorityOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	priority := make(chan outboundFrame, 2)
	priority <- outboundFrame{payload: []byte(`{"type":"error","code":"session_error","close":true}`)}

	ws := &fakeWSWriter{}
	w := outboundWriter{
		ws:       ws,
		ctx:      ctx,
		cfg:      Config{PingInterval: time.Hour, WriteTimeout: time.Second},
		priority: priority,
		normal:   make(chan outboundFrame),
	}
	if err := w.Run(); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	writes := ws.snapshot()
	if len(writes) != 2 {
		t.Fatalf("writes=%+v", writes)
	}
	if !strings.Contains(writes[0].data, `"type":"error"`) || writes[1].messageType != websocket.CloseMessage {
		t.Fatalf("writes=%+v, want error frame then close", writes)
	}
}

func TestInboundLimiter(t *testing.T) {
	if l := newInboundLimiter(0, 2); l != nil {
		t.Fatalf("fps=0 should disable the limiter")
	}
	var nilLimiter *inboundLimiter
	if !nilLimiter.allowAt(time.Now()) {
		t.Fatalf("nil limiter rejected a frame")
	}

	l := newInboundLimiter(2, 1)
	now := time.Now()
	if !l.allowAt(now) || !l.allowAt(now) {
		t.Fatalf("burst frames rejected")
	}
	if l.allowAt(now) {
		t.Fatalf("frame over burst admitted")
	}
	if !l.allowAt(now.Add(500 * time.Millisecond)) {
		t.Fatalf("frame after refill rejected")
	}

	calls := 0
	l.rejected(func() { calls++ })
	l.rejected(func() { calls++ })
	if calls != 1 {
		t.Fatalf("rejected ran %d times, want 1", calls)
	}
}

func TestSession_PlaybackChunksAndStops(t *testing.T) {
	conn := newFakeConn()
	s := New("gs_test", conn, testConfig(), nil)

	samples := make([]float32, 2400)
	s.PlayChunk(playback.Chunk{ID: "pb_1", StartAt: 1.5, ClockAt: 1.0, SampleRate: 24000, Samples: samples})
	s.StopChunk("pb_1")
	s.PlayChunk(playback.Chunk{ID: "pb_2", StartAt: 1.5, ClockAt: 1.0, SampleRate: 24000, Samples: samples})
	s.StopChunk("pb_0")

	ls := &fakeLive{}
	done := startRun(t, s, ls)
	waitFor(t, "playback frames", func() bool { return len(conn.framesOfType("playback_chunk")) == 1 })

	stops := conn.framesOfType("playback_stop")
	if len(stops) != 1 || stops[0]["id"] != "pb_0" {
		t.Fatalf("stops=%+v", stops)
	}
	chunk := conn.framesOfType("playback_chunk")[0]
	if chunk["id"] != "pb_2" || chunk["start_in_ms"] != float64(500) || chunk["duration_ms"] != float64(100) {
		t.Fatalf("chunk=%+v", chunk)
	}
	if chunk["sample_rate_hz"] != float64(24000) || chunk["encoding"] != protocol.EncodingPCMS16LE {
		t.Fatalf("chunk format=%+v", chunk)
	}

	_ = conn.Close()
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	ls.with(func() {
		if ls.connects != 1 || ls.cleanups != 1 {
			t.Fatalf("connects=%d cleanups=%d", ls.connects, ls.cleanups)
		}
	})
}

func TestSession_ClientFramesDriveLive(t *testing.T) {
	conn := newFakeConn()
	s := New("gs_test", conn, testConfig(), nil)
	ls := &fakeLive{}
	done := startRun(t, s, ls)

	conn.sendJSON(t, `{"type":"text","text":"What is this river?"}`)
	conn.sendJSON(t, `{"type":"control","op":"mute"}`)
	conn.sendJSON(t, `{"type":"video_frame","data_b64":"!!!"}`)
	conn.sendJSON(t, `{"type":"nope"}`)

	waitFor(t, "status after mute", func() bool { return len(conn.framesOfType("status")) == 1 })
	waitFor(t, "request error", func() bool { return len(conn.framesOfType("error")) == 1 })

	ls.with(func() {
		if len(ls.texts) != 1 || ls.texts[0] != "What is this river?" {
			t.Fatalf("texts=%v", ls.texts)
		}
		if !ls.muted {
			t.Fatalf("mute control not applied")
		}
	})
	if st := conn.framesOfType("status")[0]; st["muted"] != true || st["state"] != string(live.StateOpen) {
		t.Fatalf("status=%+v", st)
	}
	waitFor(t, "bad frame warning", func() bool { return len(conn.framesOfType("warning")) == 1 })
	if e := conn.framesOfType("error")[0]; e["scope"] != "request" || e["close"] == true {
		t.Fatalf("error=%+v", e)
	}

	conn.sendJSON(t, `{"type":"control","op":"disconnect"}`)
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	ls.with(func() {
		if ls.disconnects != 1 || ls.cleanups != 1 {
			t.Fatalf("disconnects=%d cleanups=%d", ls.disconnects, ls.cleanups)
		}
	})
}

func TestSession_CallbacksBecomeFrames(t *testing.T) {
	conn := newFakeConn()
	s := New("gs_test", conn, testConfig(), nil)
	done := startRun(t, s, &fakeLive{})

	cb := s.Callbacks()
	cb.OnMessage(live.Turn{ID: "t1", Role: live.RoleAssistant, Content: "Welcome to Poti", Timestamp: time.UnixMilli(1000)})
	cb.OnToolCall(tools.Call{ID: "call-1", Name: string(tools.VisitLocation), Args: map[string]any{"location_name": "Rioni River"}})
	cb.OnAchievements([]detect.Achievement{{ID: "river", Title: "River Walker", Points: 5}})

	waitFor(t, "callback frames", func() bool { return len(conn.framesOfType("achievements")) == 1 })
	tr := conn.framesOfType("transcript")
	if len(tr) != 1 || tr[0]["turn_id"] != "t1" || tr[0]["role"] != "assistant" || tr[0]["timestamp_ms"] != float64(1000) {
		t.Fatalf("transcript=%+v", tr)
	}
	tc := conn.framesOfType("tool_call")
	if len(tc) != 1 || tc[0]["call_id"] != "call-1" {
		t.Fatalf("tool_call=%+v", tc)
	}

	cb.OnError(core.NewSessionError("receive", errors.New("boom")))
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	errs := conn.framesOfType("error")
	if len(errs) != 1 || errs[0]["code"] != string(core.ErrSession) || errs[0]["close"] != true {
		t.Fatalf("errors=%+v", errs)
	}
	if err := s.Warn("late", "after close"); err == nil {
		t.Fatalf("Warn after Run should fail")
	}
}

func TestSession_RemoteDisconnectEndsRun(t *testing.T) {
	conn := newFakeConn()
	s := New("gs_test", conn, testConfig(), nil)
	done := startRun(t, s, &fakeLive{})

	s.Callbacks().OnStatusChange(live.StatusDisconnected)
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	st := conn.framesOfType("status")
	if len(st) != 1 || st[0]["status"] != live.StatusDisconnected {
		t.Fatalf("status=%+v", st)
	}
}

func TestSession_MaxDuration(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSessionDuration = 20 * time.Millisecond
	conn := newFakeConn()
	s := New("gs_test", conn, cfg, nil)

	if err := waitRun(t, startRun(t, s, &fakeLive{})); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	errs := conn.framesOfType("error")
	if len(errs) != 1 || errs[0]["code"] != "session_expired" {
		t.Fatalf("errors=%+v", errs)
	}
}

func TestSession_CancelBeforeRun(t *testing.T) {
	conn := newFakeConn()
	s := New("gs_test", conn, testConfig(), nil)
	s.Cancel()
	ls := &fakeLive{}
	if err := waitRun(t, startRun(t, s, ls)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	ls.with(func() {
		if ls.cleanups != 1 {
			t.Fatalf("cleanups=%d", ls.cleanups)
		}
	})
}

func TestSession_TextSendFailures(t *testing.T) {
	conn := newFakeConn()
	s := New("gs_test", conn, testConfig(), nil)
	ls := &fakeLive{textErr: core.NewInvalidRequestError("session is not connected")}
	done := startRun(t, s, ls)

	conn.sendJSON(t, `{"type":"text","text":"hello"}`)
	waitFor(t, "not connected warning", func() bool { return len(conn.framesOfType("warning")) == 1 })
	if w := conn.framesOfType("warning")[0]; w["code"] != "not_connected" {
		t.Fatalf("warning=%+v", w)
	}
	if errs := conn.framesOfType("error"); len(errs) != 0 {
		t.Fatalf("errors=%+v", errs)
	}

	ls.with(func() { ls.textErr = core.NewSessionError("send text", errors.New("broken pipe")) })
	conn.sendJSON(t, `{"type":"text","text":"hello again"}`)
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	errs := conn.framesOfType("error")
	if len(errs) != 1 || errs[0]["code"] != string(core.ErrSession) || errs[0]["close"] != true {
		t.Fatalf("errors=%+v", errs)
	}
}

func TestSession_AudioFramesReachBackend(t *testing.T) {
	conn := newFakeConn()
	s := New("gs_test", conn, testConfig(), nil)
	h, err := s.Media().Acquire(context.Background(), media.DefaultConstraints().AudioOnly())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer h.Stop()
	var got [][]float32
	var mu sync.Mutex
	h.AudioTracks()[0].Attach(func(samples []float32) {
		mu.Lock()
		got = append(got, append([]float32(nil), samples...))
		mu.Unlock()
	})
	done := startRun(t, s, &fakeLive{})

	conn.sendJSON(t, `{"type":"audio","seq":1,"data_b64":"AAD/fw=="}`)
	conn.sendJSON(t, `{"type":"audio","seq":2,"data_b64":"AAA"}`)
	waitFor(t, "bad audio warning", func() bool { return len(conn.framesOfType("warning")) == 1 })

	mu.Lock()
	if len(got) != 1 || len(got[0]) != 2 || got[0][0] != 0 {
		mu.Unlock()
		t.Fatalf("samples=%v", got)
	}
	mu.Unlock()
	if w := conn.framesOfType("warning")[0]; w["code"] != "bad_audio" {
		t.Fatalf("warning=%+v", w)
	}

	_ = conn.Close()
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}
