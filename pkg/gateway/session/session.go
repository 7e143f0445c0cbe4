// Package session bridges one gateway WebSocket to a live guide session.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/vango-go/argonauts-live/pkg/core"
	"github.com/vango-go/argonauts-live/pkg/gateway/protocol"
	"github.com/vango-go/argonauts-live/pkg/guide/audio"
	"github.com/vango-go/argonauts-live/pkg/guide/detect"
	"github.com/vango-go/argonauts-live/pkg/guide/live"
	"github.com/vango-go/argonauts-live/pkg/guide/media"
	"github.com/vango-go/argonauts-live/pkg/guide/playback"
	"github.com/vango-go/argonauts-live/pkg/guide/tools"
)

const (
	priorityQueue = 32
	normalQueue   = 256
)

type Config struct {
	PingInterval       time.Duration
	WriteTimeout       time.Duration
	MaxSessionDuration time.Duration

	MaxAudioFPS         int
	MaxVideoFPS         int
	InboundBurstSeconds int

	// AudioEncoding is the client's audio_in encoding.
	AudioEncoding string
	Capabilities  media.RemoteCapabilities
}

// Conn is the server side of the client WebSocket.
type Conn interface {
	wsWriter
	ReadMessage() (messageType int, p []byte, err error)
}

// Live is the part of live.Session the bridge drives.
type Live interface {
	Connect(ctx context.Context) error
	Disconnect()
	Cleanup()
	Snapshot() live.Snapshot
	SendText(ctx context.Context, text string) error
	SendVideoFrame(ctx context.Context, src media.FrameSource) error
	SetMuted(v bool)
	ToggleMute() bool
	SetVideoEnabled(v bool)
	ToggleVideo() bool
}

var _ Live = (*live.Session)(nil)

type chunkState uint8

const (
	chunkQueued chunkState = iota + 1
	chunkStopped
)

type Session struct {
	id     string
	conn   Conn
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	backend  *media.RemoteBackend
	acquirer *media.FallbackAcquirer

	priority chan outboundFrame
	normal   chan outboundFrame
	done     chan struct{}

	audioLimit *inboundLimiter
	videoLimit *inboundLimiter
	queueWarn  rate.Sometimes
	levelLog   rate.Sometimes

	lastStatus atomic.Value // string

	chunkMu sync.Mutex
	chunks  map[string]chunkState

	cancelMu  sync.Mutex
	cancel    context.CancelFunc
	canceled  bool
	live      Live
	closeOnce sync.Once
}

func New(id string, conn Conn, cfg Config, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("gateway_session_id", id)
	backend := media.NewRemoteBackend(cfg.Capabilities)
	s := &Session{
		id:         id,
		conn:       conn,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		backend:    backend,
		acquirer:   media.NewAcquirer(backend, logger),
		priority:   make(chan outboundFrame, priorityQueue),
		normal:     make(chan outboundFrame, normalQueue),
		done:       make(chan struct{}),
		audioLimit: newInboundLimiter(cfg.MaxAudioFPS, cfg.InboundBurstSeconds),
		videoLimit: newInboundLimiter(cfg.MaxVideoFPS, cfg.InboundBurstSeconds),
		queueWarn:  rate.Sometimes{First: 1, Interval: time.Second},
		levelLog:   rate.Sometimes{Interval: 5 * time.Second},
		chunks:     make(map[string]chunkState),
	}
	s.lastStatus.Store("")
	return s
}

func (s *Session) ID() string { return s.id }

// Media is the acquirer that serves client-captured tracks.
func (s *Session) Media() media.Acquirer { return s.acquirer }

// NewOutput opens a playback context that forwards scheduled audio to the
// client.
func (s *Session) NewOutput(sampleRate int) (playback.Context, error) {
	return playback.NewRemoteContext(sampleRate, s), nil
}

func (s *Session) Callbacks() live.Callbacks {
	return live.Callbacks{
		OnStatusChange: s.onStatus,
		OnError:        s.onError,
		OnToolCall:     s.onToolCall,
		OnMessage:      s.onMessage,
		OnAchievements: s.onAchievements,
	}
}

// Run serves the connection until the client leaves, the session fails or
// ctx ends. It always cleans up ls.
func (s *Session) Run(ctx context.Context, ls Live) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancelMu.Lock()
	s.cancel = cancel
	s.live = ls
	canceled := s.canceled
	s.cancelMu.Unlock()
	if canceled {
		cancel()
	}
	defer cancel()
	defer s.closeOnce.Do(func() { close(s.done) })
	defer ls.Cleanup()

	g, gctx := errgroup.WithContext(ctx)
	writer := &outboundWriter{
		ws:        s.conn,
		ctx:       gctx,
		cfg:       s.cfg,
		priority:  s.priority,
		normal:    s.normal,
		dropChunk: s.claimChunk,
	}
	g.Go(writer.Run)
	g.Go(func() error { return s.readLoop(gctx, ls) })
	g.Go(func() error {
		// Connect reports its own failures through OnError, except for
		// calls rejected up front.
		if err := ls.Connect(gctx); core.TypeOf(err) == core.ErrInvalidRequest {
			s.fail("session", err)
		}
		return nil
	})
	if d := s.cfg.MaxSessionDuration; d > 0 {
		g.Go(func() error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-gctx.Done():
			case <-t.C:
				s.logger.Info("max session duration reached", "duration", d)
				s.closeWith(protocol.ServerError{
					Type:    "error",
					Scope:   "session",
					Code:    "session_expired",
					Message: "maximum session duration reached",
					Close:   true,
				})
			}
			return nil
		})
	}

	err := g.Wait()
	if err == nil || errors.Is(err, context.Canceled) || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return nil
	}
	return err
}

// Cancel ends Run. It is safe before Run starts.
func (s *Session) Cancel() {
	s.cancelMu.Lock()
	s.canceled = true
	cancel := s.cancel
	s.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Warn queues a warning frame for the client.
func (s *Session) Warn(code, message string) error {
	return s.enqueue(s.normal, "", protocol.ServerWarning{Type: "warning", Code: code, Message: message})
}

func (s *Session) readLoop(ctx context.Context, ls Live) error {
	for {
		typ, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		switch typ {
		case websocket.BinaryMessage:
			s.handleAudio(data)
		case websocket.TextMessage:
			s.handleText(ctx, ls, data)
		}
	}
}

func (s *Session) handleText(ctx context.Context, ls Live, data []byte) {
	msg, err := protocol.DecodeClientMessage(data)
	if err != nil {
		var de *protocol.DecodeError
		code := "bad_request"
		if errors.As(err, &de) {
			code = de.Code
		}
		_ = s.enqueue(s.normal, "", protocol.ServerError{Type: "error", Scope: "request", Code: code, Message: err.Error()})
		return
	}

	switch m := msg.(type) {
	case protocol.ClientHello:
		_ = s.Warn("duplicate_hello", "hello already received")
	case protocol.ClientAudio:
		s.handleAudio(m.DataB64)
	case protocol.ClientText:
		if err := ls.SendText(ctx, m.Text); err != nil {
			s.sendTextFailed(err)
		}
	case protocol.ClientVideoFrame:
		s.handleVideo(ctx, ls, m.DataB64)
	case protocol.ClientControl:
		s.handleControl(ls, m.Op)
	}
}

// sendTextFailed reports a failed text turn. Errors that end the live
// session also end the socket.
func (s *Session) sendTextFailed(err error) {
	var ce *core.Error
	errors.As(err, &ce)
	switch {
	case ce != nil && ce.Type == core.ErrInvalidRequest:
		_ = s.Warn("not_connected", "guide is not connected yet")
	case ce != nil && ce.IsFatal():
		s.fail("session", err)
	default:
		s.logger.Warn("send text failed", "error", err)
		_ = s.enqueue(s.normal, "", protocol.ServerError{Type: "error", Scope: "session", Code: string(core.TypeOf(err)), Message: err.Error()})
	}
}

func (s *Session) handleAudio(b64 string) {
	if !s.audioLimit.allowAt(s.now()) {
		s.audioLimit.rejected(func() { _ = s.Warn("rate_limited", "audio frames are arriving too fast; dropping") })
		return
	}
	var (
		samples []float32
		err     error
	)
	if s.cfg.AudioEncoding == protocol.EncodingF32LE {
		var raw []byte
		if raw, err = base64.StdEncoding.DecodeString(b64); err == nil {
			samples, err = audio.BytesToFloat32(raw)
		}
	} else {
		samples, err = audio.DecodeBase64PCM16(b64)
	}
	if err != nil {
		_ = s.Warn("bad_audio", err.Error())
		return
	}
	s.levelLog.Do(func() {
		s.logger.Debug("client audio level", "rms", audio.RMS(samples), "peak", audio.Peak(samples))
	})
	s.backend.PushAudio(samples)
}

func (s *Session) handleVideo(ctx context.Context, ls Live, b64 string) {
	if !s.videoLimit.allowAt(s.now()) {
		s.videoLimit.rejected(func() { _ = s.Warn("rate_limited", "video frames are arriving too fast; dropping") })
		return
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		_ = s.Warn("bad_frame", "video_frame.data_b64 is not valid base64")
		return
	}
	ok, err := s.backend.PushJPEG(raw)
	if err != nil {
		_ = s.Warn("bad_frame", err.Error())
		return
	}
	if !ok {
		return
	}
	if err := ls.SendVideoFrame(ctx, nil); err != nil {
		s.logger.Debug("send video frame failed", "error", err)
	}
}

func (s *Session) handleControl(ls Live, op string) {
	switch op {
	case protocol.OpMute:
		ls.SetMuted(true)
	case protocol.OpUnmute:
		ls.SetMuted(false)
	case protocol.OpToggleMute:
		ls.ToggleMute()
	case protocol.OpVideoOn:
		ls.SetVideoEnabled(true)
	case protocol.OpVideoOff:
		ls.SetVideoEnabled(false)
	case protocol.OpToggleVideo:
		ls.ToggleVideo()
	case protocol.OpDisconnect:
		ls.Disconnect()
		s.Cancel()
		return
	}
	s.sendStatus(s.lastStatus.Load().(string))
}

func (s *Session) onStatus(status string) {
	s.lastStatus.Store(status)
	s.sendStatus(status)
	if status == live.StatusDisconnected {
		s.Cancel()
	}
}

func (s *Session) sendStatus(status string) {
	frame := protocol.ServerStatus{Type: "status", Status: status}
	s.cancelMu.Lock()
	ls := s.live
	s.cancelMu.Unlock()
	if ls != nil {
		snap := ls.Snapshot()
		frame.State = string(snap.State)
		frame.Muted = snap.Muted
		frame.VideoEnabled = snap.VideoEnabled
		frame.HasVideo = snap.HasVideo
	}
	_ = s.enqueue(s.priority, "", frame)
}

func (s *Session) onError(err error) {
	s.fail("session", err)
}

func (s *Session) fail(scope string, err error) {
	code := string(core.TypeOf(err))
	if code == "" {
		code = string(core.ErrSession)
	}
	s.logger.Warn("guide session failed", "error", err)
	s.closeWith(protocol.ServerError{Type: "error", Scope: scope, Code: code, Message: err.Error(), Close: true})
}

// closeWith sends a final priority frame and ends the connection.
func (s *Session) closeWith(frame any) {
	_ = s.enqueue(s.priority, "", frame)
	s.Cancel()
}

func (s *Session) onToolCall(call tools.Call) {
	_ = s.enqueue(s.normal, "", protocol.ServerToolCall{Type: "tool_call", CallID: call.ID, Name: call.Name, Args: call.Args})
}

func (s *Session) onMessage(turn live.Turn) {
	_ = s.enqueue(s.normal, "", protocol.ServerTranscript{
		Type:        "transcript",
		TurnID:      turn.ID,
		Role:        string(turn.Role),
		Text:        turn.Content,
		TimestampMS: turn.Timestamp.UnixMilli(),
	})
}

func (s *Session) onAchievements(items []detect.Achievement) {
	out := make([]protocol.Achievement, 0, len(items))
	for _, a := range items {
		out = append(out, protocol.Achievement{ID: a.ID, Title: a.Title, Description: a.Description, Points: a.Points})
	}
	_ = s.enqueue(s.normal, "", protocol.ServerAchievements{Type: "achievements", Items: out})
}

// PlayChunk implements playback.RemoteSink.
func (s *Session) PlayChunk(c playback.Chunk) {
	startIn := int64(math.Round((c.StartAt - c.ClockAt) * 1000))
	if startIn < 0 {
		startIn = 0
	}
	frame := protocol.ServerPlaybackChunk{
		Type:         "playback_chunk",
		ID:           c.ID,
		StartInMS:    startIn,
		DurationMS:   int64(math.Round(audio.Duration(len(c.Samples), c.SampleRate) * 1000)),
		Encoding:     protocol.EncodingPCMS16LE,
		SampleRateHz: c.SampleRate,
		DataB64:      audio.EncodeBase64Block(c.Samples),
	}

	s.chunkMu.Lock()
	s.chunks[c.ID] = chunkQueued
	s.chunkMu.Unlock()

	if err := s.enqueue(s.normal, c.ID, frame); err != nil {
		s.chunkMu.Lock()
		delete(s.chunks, c.ID)
		s.chunkMu.Unlock()
		s.queueWarn.Do(func() {
			s.logger.Warn("outbound queue full, dropping playback chunk", "chunk_id", c.ID)
		})
	}
}

// StopChunk implements playback.RemoteSink. A chunk still queued is dropped
// before it is written; one already sent gets a playback_stop.
func (s *Session) StopChunk(id string) {
	s.chunkMu.Lock()
	if s.chunks[id] == chunkQueued {
		s.chunks[id] = chunkStopped
		s.chunkMu.Unlock()
		return
	}
	s.chunkMu.Unlock()
	_ = s.enqueue(s.priority, "", protocol.ServerPlaybackStop{Type: "playback_stop", ID: id})
}

func (s *Session) claimChunk(id string) (drop bool) {
	s.chunkMu.Lock()
	defer s.chunkMu.Unlock()
	st := s.chunks[id]
	delete(s.chunks, id)
	return st == chunkStopped
}

var errQueueFull = errors.New("outbound queue full")

func (s *Session) enqueue(ch chan outboundFrame, chunkID string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return errors.New("session closed")
	default:
	}
	select {
	case ch <- outboundFrame{payload: payload, chunkID: chunkID}:
		return nil
	default:
		return errQueueFull
	}
}
