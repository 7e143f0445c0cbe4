package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-go/argonauts-live/pkg/backend"
	"github.com/vango-go/argonauts-live/pkg/config"
	"github.com/vango-go/argonauts-live/pkg/core"
	"github.com/vango-go/argonauts-live/pkg/gateway/mw"
	"github.com/vango-go/argonauts-live/pkg/gateway/protocol"
	"github.com/vango-go/argonauts-live/pkg/gateway/session"
	"github.com/vango-go/argonauts-live/pkg/gateway/sessions"
	"github.com/vango-go/argonauts-live/pkg/guide/audio"
	"github.com/vango-go/argonauts-live/pkg/guide/detect"
	"github.com/vango-go/argonauts-live/pkg/guide/live"
	"github.com/vango-go/argonauts-live/pkg/guide/media"
	"github.com/vango-go/argonauts-live/pkg/guide/prompt"
	"github.com/vango-go/argonauts-live/pkg/guide/tools"
)

// LiveHandler serves /v1/guide/live: one WebSocket per guide session, with
// client-captured media and model audio relayed through the gateway.
type LiveHandler struct {
	Config     config.Gateway
	Dialer     live.Dialer
	Vocabulary *detect.Vocabulary
	Tracer     trace.Tracer
	HTTPClient *http.Client
	Logger     *slog.Logger
	Draining   func() bool
	Sessions   *sessions.Tracker
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeHTTPError(w, r, http.StatusMethodNotAllowed, &core.Error{Type: core.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed"})
		return
	}
	if h.Draining != nil && h.Draining() {
		writeHTTPError(w, r, http.StatusServiceUnavailable, &core.Error{Type: core.ErrAPI, Message: "gateway is draining", Code: "draining"})
		return
	}
	if !h.originAllowed(r) {
		writeHTTPError(w, r, http.StatusForbidden, &core.Error{Type: core.ErrPermissionDenied, Message: "origin is not allowed", Param: "Origin"})
		return
	}

	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reqID, _ := mw.RequestIDFrom(r.Context())

	// Origin was checked above.
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.SetReadLimit(h.Config.MaxJSONMessageBytes)
	handshakeTimeout := h.Config.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	messageType, firstFrame, err := conn.ReadMessage()
	if err != nil {
		writeWSError(conn, "session", "bad_request", "failed to read hello", true, nil)
		return
	}
	if messageType != websocket.TextMessage {
		writeWSError(conn, "session", "bad_request", "first frame must be hello", true, nil)
		return
	}
	decoded, err := protocol.DecodeClientMessage(firstFrame)
	if err != nil {
		var de *protocol.DecodeError
		if errors.As(err, &de) {
			writeWSError(conn, "session", de.Code, de.Message, true, map[string]any{"param": de.Param})
			return
		}
		writeWSError(conn, "session", "bad_request", "invalid hello frame", true, nil)
		return
	}
	hello, ok := decoded.(protocol.ClientHello)
	if !ok {
		writeWSError(conn, "session", "bad_request", "first frame must be hello", true, nil)
		return
	}
	if strings.TrimSpace(hello.ProtocolVersion) != protocol.ProtocolVersion1 {
		writeWSError(conn, "session", "unsupported_version", "unsupported protocol_version", true, nil)
		return
	}
	if hello.AudioIn.SampleRateHz != audio.InputSampleRate || hello.AudioIn.Channels != 1 {
		writeWSError(conn, "session", "unsupported", "audio_in must be 16000Hz mono", true, nil)
		return
	}

	if err := h.authorize(r, hello); err != nil {
		writeWSError(conn, "session", "unauthorized", err.Error(), true, nil)
		return
	}

	sessionID := "gs_" + mw.RandHex(8)
	logger = logger.With("request_id", reqID)
	bridge := session.New(sessionID, conn, session.Config{
		PingInterval:        h.Config.WSPingInterval,
		WriteTimeout:        h.Config.WSWriteTimeout,
		MaxSessionDuration:  h.Config.MaxSessionDuration,
		MaxAudioFPS:         h.Config.MaxAudioFPS,
		MaxVideoFPS:         h.Config.MaxVideoFPS,
		InboundBurstSeconds: h.Config.InboundBurstSeconds,
		AudioEncoding:       strings.TrimSpace(hello.AudioIn.Encoding),
		Capabilities:        media.RemoteCapabilities{Audio: hello.Capabilities.Audio, Video: hello.Capabilities.Video},
	}, logger)

	unregister, ok := h.Sessions.Register(sessionID, sessions.Handle{Cancel: bridge.Cancel, Warn: bridge.Warn})
	if !ok {
		writeWSError(conn, "session", "capacity", "too many active guide sessions", true, nil)
		return
	}
	defer unregister()

	ls, offered, err := h.newLiveSession(bridge, hello, logger)
	if err != nil {
		writeWSError(conn, "session", "internal", "failed to initialize guide session", true, nil)
		return
	}

	ack := protocol.ServerHelloAck{
		Type:            "hello_ack",
		ProtocolVersion: protocol.ProtocolVersion1,
		SessionID:       sessionID,
		AudioIn:         hello.AudioIn,
		AudioOut:        protocol.AudioFormat{Encoding: protocol.EncodingPCMS16LE, SampleRateHz: audio.OutputSampleRate, Channels: 1},
		Tools:           offered,
		Limits: &protocol.HelloAckLimits{
			MaxJSONMessageBytes: h.Config.MaxJSONMessageBytes,
			MaxAudioFPS:         h.Config.MaxAudioFPS,
			MaxVideoFPS:         h.Config.MaxVideoFPS,
			InboundBurstSeconds: h.Config.InboundBurstSeconds,
			MaxSessionMS:        h.Config.MaxSessionDuration.Milliseconds(),
		},
	}
	if err := conn.WriteJSON(ack); err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	logger.Info("guide session started", "gateway_session_id", sessionID, "live_session_id", ls.ID(), "hello", hello.RedactedForLog())
	start := time.Now()
	if err := bridge.Run(context.WithoutCancel(r.Context()), ls); err != nil {
		logger.Warn("guide session ended with error", "gateway_session_id", sessionID, "error", err)
	}
	logger.Info("guide session ended",
		"gateway_session_id", sessionID,
		"duration_ms", time.Since(start).Milliseconds(),
		"turns", len(ls.Transcript()),
	)
}

// newLiveSession wires the model session to the bridge and, when a game
// backend is configured, to the player's tools and progress.
func (h LiveHandler) newLiveSession(bridge *session.Session, hello protocol.ClientHello, logger *slog.Logger) (*live.Session, []string, error) {
	var client *backend.Client
	userID := strings.TrimSpace(hello.UserID)
	if h.Config.BackendURL != "" && userID != "" {
		client = backend.New(h.Config.BackendURL, h.Config.BackendAPIKey,
			backend.WithUserID(userID),
			backend.WithHTTPClient(h.HTTPClient),
			backend.WithLogger(logger),
		)
	}

	detCfg := detect.Config{Vocabulary: h.Vocabulary, Logger: logger}
	var handlers *tools.Handlers
	if client != nil {
		handlers = client.ToolHandlers()
		detCfg.OnVisit = client.OnVisit()
		detCfg.OnLearn = client.OnLearn()
	}
	det := detect.New(detCfg)

	var opts []tools.Option
	opts = append(opts, tools.WithLogger(logger))
	if h.Tracer != nil {
		opts = append(opts, tools.WithTracer(h.Tracer))
	}
	dispatcher := tools.NewDispatcher(handlers, opts...)

	var fallback prompt.GameContext
	if hello.Context != nil {
		fallback = *hello.Context
	}

	constraints := media.DefaultConstraints()
	if !hello.Capabilities.Video {
		constraints = constraints.AudioOnly()
	}

	ls, err := live.NewSession(live.Options{
		Config: live.Config{
			Model:         h.Config.Model,
			Voice:         h.Config.Voice,
			Constraints:   &constraints,
			Transcription: h.Config.Transcription,
		},
		Dialer:    h.Dialer,
		Media:     bridge.Media(),
		NewOutput: bridge.NewOutput,
		GameState: backend.GameState(client, fallback, det),
		Tools:     dispatcher,
		Detector:  det,
		Callbacks: bridge.Callbacks(),
		Logger:    logger,
	})
	if err != nil {
		return nil, nil, err
	}

	var offered []string
	for _, n := range handlers.Supported() {
		offered = append(offered, string(n))
	}
	return ls, offered, nil
}

func (h LiveHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

// authorize accepts the gateway key from the hello, an Authorization bearer
// header or the gateway_api_key query parameter, in that order.
func (h LiveHandler) authorize(r *http.Request, hello protocol.ClientHello) error {
	if h.Config.AuthMode == config.AuthModeDisabled {
		return nil
	}
	key := ""
	if hello.Auth != nil {
		key = strings.TrimSpace(hello.Auth.GatewayAPIKey)
	}
	if key == "" {
		key = parseBearer(r)
	}
	if key == "" {
		key = strings.TrimSpace(r.URL.Query().Get("gateway_api_key"))
	}
	if key == "" {
		return errors.New("missing gateway api key")
	}
	if _, ok := h.Config.APIKeys[key]; !ok {
		return errors.New("invalid gateway api key")
	}
	return nil
}

func parseBearer(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(raw) < 7 || !strings.EqualFold(raw[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(raw[7:])
}
