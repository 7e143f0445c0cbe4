// Package live drives one real-time guide conversation: it owns the media
// handle, the microphone uplink, the model stream and the playback
// scheduler, and tears all of them down through a single path.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/vango-go/argonauts-live/pkg/core"
	"github.com/vango-go/argonauts-live/pkg/guide/audio"
	"github.com/vango-go/argonauts-live/pkg/guide/detect"
	"github.com/vango-go/argonauts-live/pkg/guide/media"
	"github.com/vango-go/argonauts-live/pkg/guide/playback"
	"github.com/vango-go/argonauts-live/pkg/guide/prompt"
	"github.com/vango-go/argonauts-live/pkg/guide/tools"
)

const (
	DefaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"
	DefaultVoice = "Puck"

	uplinkQueue = 32
)

// ErrAborted is returned by Connect when the session was torn down while
// the connect was still in progress.
var ErrAborted = errors.New("live: connect aborted")

var errMutedBlock = errors.New("live: muted")

// Status lines reported through OnStatusChange.
const (
	StatusRequestingMedia = "Requesting microphone and camera access..."
	StatusConnecting      = "Connecting to guide..."
	StatusConnected       = "Connected"
	StatusDisconnected    = "Disconnected"
	StatusError           = "Connection error"
)

type Config struct {
	Model string
	Voice string
	// BlockSize is the number of samples per uplink audio block.
	BlockSize int
	// Constraints defaults to media.DefaultConstraints.
	Constraints *media.Constraints
	// Transcription asks the model for input and output transcripts.
	Transcription bool
}

// Options wires a Session. Dialer, Media and NewOutput are required.
type Options struct {
	Config

	Dialer    Dialer
	Media     media.Acquirer
	NewOutput func(sampleRate int) (playback.Context, error)

	Prompt    prompt.Builder
	GameState func(ctx context.Context) prompt.GameContext
	Tools     *tools.Dispatcher
	Detector  *detect.Detector
	Callbacks Callbacks
	Logger    *slog.Logger
	Now       func() time.Time
}

type Session struct {
	id        string
	cfg       Config
	dialer    Dialer
	media     media.Acquirer
	newOutput func(int) (playback.Context, error)
	prompt    prompt.Builder
	gameState func(context.Context) prompt.GameContext
	tools     *tools.Dispatcher
	offerTool bool
	detector  *detect.Detector
	cb        Callbacks
	logger    *slog.Logger
	now       func() time.Time

	muted        atomic.Bool
	videoEnabled atomic.Bool

	// writeMu serializes writes on the model stream.
	writeMu sync.Mutex

	mu         sync.Mutex
	state      State
	gen        uint64
	conn       Conn
	handle     *media.Handle
	capture    *audio.Capture
	output     playback.Context
	scheduler  *playback.Scheduler
	runCtx     context.Context
	cancel     context.CancelFunc
	transcript []Turn
}

func NewSession(opts Options) (*Session, error) {
	if opts.Dialer == nil {
		return nil, core.NewInvalidRequestErrorWithParam("dialer is required", "Dialer")
	}
	if opts.Media == nil {
		return nil, core.NewInvalidRequestErrorWithParam("media acquirer is required", "Media")
	}
	if opts.NewOutput == nil {
		return nil, core.NewInvalidRequestErrorWithParam("output factory is required", "NewOutput")
	}
	cfg := opts.Config
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = DefaultModel
	}
	if strings.TrimSpace(cfg.Voice) == "" {
		cfg.Voice = DefaultVoice
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = audio.BlockSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	dispatcher := opts.Tools
	offer := dispatcher != nil && !dispatcher.Handlers().Empty()
	if dispatcher == nil {
		dispatcher = tools.NewDispatcher(nil, tools.WithLogger(logger))
	}
	builder := opts.Prompt
	if builder == nil {
		builder = prompt.Default{Tools: offer}
	}

	s := &Session{
		id:        "live_" + uuid.NewString(),
		cfg:       cfg,
		dialer:    opts.Dialer,
		media:     opts.Media,
		newOutput: opts.NewOutput,
		prompt:    builder,
		gameState: opts.GameState,
		tools:     dispatcher,
		offerTool: offer,
		detector:  opts.Detector,
		cb:        opts.Callbacks,
		now:       now,
		state:     StateIdle,
	}
	s.logger = logger.With("live_session_id", s.id)
	s.videoEnabled.Store(true)
	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) IsConnected() bool { return s.State() == StateOpen }

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:           s.id,
		State:        s.state,
		Connected:    s.state == StateOpen,
		Connecting:   s.state == StateConnecting,
		Muted:        s.muted.Load(),
		VideoEnabled: s.videoEnabled.Load(),
		HasVideo:     s.handle != nil && s.handle.HasVideo(),
		Transcript:   append([]Turn(nil), s.transcript...),
	}
	return snap
}

// Transcript returns a copy of the conversation so far.
func (s *Session) Transcript() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Turn(nil), s.transcript...)
}

// Media returns the current media handle, or nil when not connected.
func (s *Session) Media() *media.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// Connect acquires media, opens playback and dials the model. It is allowed
// from idle, closed and error states.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateIdle, StateClosed, StateError:
	default:
		st := s.state
		s.mu.Unlock()
		return core.NewInvalidRequestError(fmt.Sprintf("cannot connect while %s", st))
	}
	s.gen++
	gen := s.gen
	s.state = StateConnecting
	s.mu.Unlock()

	s.cb.status(StatusRequestingMedia)
	handle, err := s.media.Acquire(ctx, s.constraints())
	if err != nil {
		return s.failConnect(gen, err)
	}
	handle.SetAudioEnabled(!s.muted.Load())
	handle.SetVideoEnabled(s.videoEnabled.Load())
	if !s.adopt(gen, func() { s.handle = handle }) {
		handle.Stop()
		return ErrAborted
	}
	if !handle.HasVideo() && s.constraints().Video != nil {
		s.logger.Warn("continuing without camera")
	}

	output, err := s.newOutput(audio.OutputSampleRate)
	if err != nil {
		return s.failConnect(gen, core.NewSessionError("open audio output", err))
	}
	uplink := make(chan audio.Block, uplinkQueue)
	capture := audio.NewCapture(s.cfg.BlockSize, func(b audio.Block) {
		select {
		case uplink <- b:
		default:
			s.logger.Debug("uplink queue full, dropping audio block", "seq", b.Seq)
		}
	})
	capture.SetMuted(s.muted.Load())
	scheduler := playback.NewScheduler(output, s.logger)
	if !s.adopt(gen, func() {
		s.output = output
		s.scheduler = scheduler
		s.capture = capture
	}) {
		_ = output.Close()
		return ErrAborted
	}

	s.cb.status(StatusConnecting)
	conn, err := s.dialer.Dial(ctx, s.cfg.Model, s.connectConfig(ctx))
	if err != nil {
		return s.failConnect(gen, core.NewSessionError("connect to model", err))
	}
	runCtx, cancel := context.WithCancel(context.Background())
	if !s.adopt(gen, func() {
		s.conn = conn
		s.runCtx = runCtx
		s.cancel = cancel
		s.state = StateOpen
	}) {
		cancel()
		_ = conn.Close()
		return ErrAborted
	}

	for _, t := range handle.AudioTracks() {
		t.Attach(capture.Process)
	}
	capture.SetRecording(true)

	go s.uplinkLoop(runCtx, gen, conn, uplink)
	go s.readLoop(runCtx, gen, conn)

	s.logger.Info("live session open",
		"model", s.cfg.Model,
		"video", handle.HasVideo(),
		"tools", s.offerTool,
	)
	s.cb.status(StatusConnected)
	return nil
}

// Disconnect tears the session down. It is safe to call in any state.
func (s *Session) Disconnect() {
	if s.teardown(0, func(cur State) State {
		if cur == StateOpen || cur == StateConnecting {
			return StateClosed
		}
		return cur
	}) {
		s.logger.Info("live session disconnected")
		s.cb.status(StatusDisconnected)
	}
}

// Cleanup releases every resource without reporting status. It is
// idempotent and used when the owner goes away.
func (s *Session) Cleanup() {
	s.teardown(0, func(cur State) State {
		if cur == StateClosed || cur == StateError {
			return cur
		}
		return StateIdle
	})
}

func (s *Session) SetMuted(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyMuted(v)
}

// ToggleMute flips the mute flag and returns the new value. It never
// affects the connection.
func (s *Session) ToggleMute() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := !s.muted.Load()
	s.applyMuted(v)
	return v
}

// applyMuted requires s.mu.
func (s *Session) applyMuted(v bool) {
	s.muted.Store(v)
	if s.capture != nil {
		s.capture.SetMuted(v)
	}
	if s.handle != nil {
		s.handle.SetAudioEnabled(!v)
	}
}

func (s *Session) Muted() bool { return s.muted.Load() }

func (s *Session) SetVideoEnabled(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyVideo(v)
}

func (s *Session) ToggleVideo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := !s.videoEnabled.Load()
	s.applyVideo(v)
	return v
}

// applyVideo requires s.mu.
func (s *Session) applyVideo(v bool) {
	s.videoEnabled.Store(v)
	if s.handle != nil {
		s.handle.SetVideoEnabled(v)
	}
}

func (s *Session) VideoEnabled() bool { return s.videoEnabled.Load() }

// SendText sends a typed user turn. The turn is recorded before it is sent.
func (s *Session) SendText(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return core.NewInvalidRequestErrorWithParam("text must not be empty", "text")
	}
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return core.NewInvalidRequestError("session is not connected")
	}
	conn, gen := s.conn, s.gen
	s.mu.Unlock()

	s.recordTurn(gen, RoleUser, text)
	err := s.send(func() error {
		return conn.SendClientContent(genai.LiveClientContentInput{
			Turns: []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
		})
	})
	if err != nil {
		return core.NewSessionError("send text", err)
	}
	return nil
}

// SendVideoFrame samples one frame from src, or from the session's own
// camera when src is nil, and sends it. Without an open session, an
// enabled camera or a frame it does nothing.
func (s *Session) SendVideoFrame(ctx context.Context, src media.FrameSource) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.videoEnabled.Load() {
		return nil
	}
	s.mu.Lock()
	open := s.state == StateOpen
	conn, handle := s.conn, s.handle
	s.mu.Unlock()
	if !open || handle == nil || !handle.HasVideo() {
		return nil
	}
	if src == nil {
		src = handle.VideoTracks()[0]
	}
	img, ok := src.Frame()
	if !ok {
		return nil
	}
	data, err := media.SampleFrame(img)
	if err != nil {
		return err
	}
	err = s.send(func() error {
		return conn.SendRealtimeInput(genai.LiveRealtimeInput{
			Video: &genai.Blob{MIMEType: media.FrameMIMEType, Data: data},
		})
	})
	if err != nil {
		return core.NewSessionError("send video frame", err)
	}
	return nil
}

// StreamVideo sends a camera frame every interval until ctx is done.
func (s *Session) StreamVideo(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SendVideoFrame(ctx, nil); err != nil {
				s.logger.Debug("video frame not sent", "error", err)
			}
		}
	}
}

func (s *Session) constraints() media.Constraints {
	if s.cfg.Constraints != nil {
		return *s.cfg.Constraints
	}
	return media.DefaultConstraints()
}

func (s *Session) connectConfig(ctx context.Context) *genai.LiveConnectConfig {
	var gc prompt.GameContext
	if s.gameState != nil {
		gc = s.gameState(ctx)
	}
	cfg := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{genai.NewPartFromText(s.prompt.Build(gc))},
		},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: s.cfg.Voice},
			},
		},
	}
	if s.offerTool {
		cfg.Tools = []*genai.Tool{tools.Tool()}
	}
	if s.cfg.Transcription {
		cfg.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
		cfg.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return cfg
}

// adopt runs fn under the lock if gen is still the live generation.
func (s *Session) adopt(gen uint64, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return false
	}
	fn()
	return true
}

func (s *Session) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

func (s *Session) failConnect(gen uint64, err error) error {
	if !s.teardown(gen, func(State) State { return StateError }) {
		return ErrAborted
	}
	s.logger.Error("live session connect failed", "error", err)
	s.cb.status(StatusError)
	s.cb.err(err)
	return err
}

// teardown releases everything owned by the session and moves it to the
// state chosen by final. A non-zero gen restricts teardown to that
// generation. It reports whether an active session was torn down.
func (s *Session) teardown(gen uint64, final func(State) State) bool {
	s.mu.Lock()
	if gen != 0 && s.gen != gen {
		s.mu.Unlock()
		return false
	}
	prev := s.state
	s.gen++
	conn, handle, capture := s.conn, s.handle, s.capture
	output, scheduler, cancel := s.output, s.scheduler, s.cancel
	s.conn, s.handle, s.capture = nil, nil, nil
	s.output, s.scheduler, s.cancel, s.runCtx = nil, nil, nil, nil
	s.state = final(prev)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	// The model stream goes first so nothing is sent while media winds down.
	if conn != nil {
		if err := conn.Close(); err != nil {
			s.logger.Debug("close model stream", "error", err)
		}
	}
	if capture != nil {
		capture.SetRecording(false)
		capture.Reset()
		sent, dropped := capture.Stats()
		s.logger.Debug("audio capture stopped", "blocks_sent", sent, "blocks_dropped", dropped)
	}
	if handle != nil {
		for _, t := range handle.AudioTracks() {
			t.Attach(nil)
		}
		handle.Stop()
	}
	if scheduler != nil {
		scheduler.Reset()
	}
	if output != nil && !output.Closed() {
		if err := output.Close(); err != nil {
			s.logger.Warn("close audio output", "error", err)
		}
	}
	return prev == StateOpen || prev == StateConnecting
}

func (s *Session) send(fn func() error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return fn()
}

func (s *Session) uplinkLoop(ctx context.Context, gen uint64, conn Conn, blocks <-chan audio.Block) {
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-blocks:
			if !s.current(gen) {
				return
			}
			// Blocks queued before a mute are dropped here.
			err := s.send(func() error {
				if s.muted.Load() {
					return errMutedBlock
				}
				return conn.SendRealtimeInput(genai.LiveRealtimeInput{
					Audio: &genai.Blob{MIMEType: audio.InputMIMEType, Data: b.PCM},
				})
			})
			if errors.Is(err, errMutedBlock) {
				continue
			}
			if err != nil {
				s.logger.Debug("audio block not sent", "seq", b.Seq, "error", err)
			}
		}
	}
}

func (s *Session) readLoop(ctx context.Context, gen uint64, conn Conn) {
	r := &reader{s: s, ctx: ctx, gen: gen, conn: conn}
	for {
		msg, err := conn.Receive()
		if err != nil {
			if !s.current(gen) {
				return
			}
			if isRemoteClose(err) {
				if s.teardown(gen, func(State) State { return StateClosed }) {
					s.logger.Info("live session closed by remote")
					s.cb.status(StatusDisconnected)
				}
				return
			}
			serr := core.NewSessionError("receive", err)
			if s.teardown(gen, func(State) State { return StateError }) {
				s.logger.Error("live session failed", "error", err)
				s.cb.status(StatusError)
				s.cb.err(serr)
			}
			return
		}
		r.handle(msg)
	}
}

// recordTurn appends a turn, notifies OnMessage and runs the detector.
func (s *Session) recordTurn(gen uint64, role Role, text string) {
	turn := Turn{ID: uuid.NewString(), Role: role, Content: text, Timestamp: s.now()}
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.transcript = append(s.transcript, turn)
	ctx := s.runCtx
	s.mu.Unlock()
	s.cb.message(turn)

	if s.detector == nil || ctx == nil {
		return
	}
	go func() {
		out := s.detector.Observe(ctx, string(role), text)
		if ctx.Err() != nil {
			return
		}
		if out.Visited != nil {
			s.logger.Info("location visit detected", "location", out.Visited.ID)
		}
		if out.Learned != nil {
			s.logger.Info("phrase learned", "phrase", out.Learned.Text)
		}
		s.cb.achievements(out.Achievements)
	}()
}

func (s *Session) schedulerFor(gen uint64) *playback.Scheduler {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return nil
	}
	return s.scheduler
}

// reader holds per-connection state for one readLoop.
type reader struct {
	s    *Session
	ctx  context.Context
	gen  uint64
	conn Conn

	input  strings.Builder
	output strings.Builder
}

func (r *reader) handle(msg *genai.LiveServerMessage) {
	if msg == nil {
		return
	}
	s := r.s
	if sc := msg.ServerContent; sc != nil {
		if t := sc.InputTranscription; t != nil {
			r.input.WriteString(t.Text)
			if t.Finished {
				r.flush(&r.input, RoleUser)
			}
		}
		if sc.ModelTurn != nil {
			r.flush(&r.input, RoleUser)
			for _, part := range sc.ModelTurn.Parts {
				if part == nil {
					continue
				}
				if part.InlineData != nil && len(part.InlineData.Data) > 0 {
					r.play(part.InlineData)
				}
				if part.Text != "" && !part.Thought {
					s.recordTurn(r.gen, RoleAssistant, part.Text)
				}
			}
		}
		if t := sc.OutputTranscription; t != nil {
			r.output.WriteString(t.Text)
			if t.Finished {
				r.flush(&r.output, RoleAssistant)
			}
		}
		if sc.Interrupted {
			if sched := s.schedulerFor(r.gen); sched != nil {
				n := sched.Interrupt()
				s.logger.Debug("playback interrupted", "stopped", n)
			}
			r.flush(&r.output, RoleAssistant)
		}
		if sc.TurnComplete {
			r.flush(&r.input, RoleUser)
			r.flush(&r.output, RoleAssistant)
		}
	}
	if tc := msg.ToolCall; tc != nil {
		for _, fc := range tc.FunctionCalls {
			if fc != nil {
				r.toolCall(fc)
			}
		}
	}
	if msg.ToolCallCancellation != nil {
		s.logger.Debug("tool call cancellation received")
	}
	if msg.GoAway != nil {
		s.logger.Warn("model stream will close soon")
	}
}

func (r *reader) flush(b *strings.Builder, role Role) {
	text := strings.TrimSpace(b.String())
	b.Reset()
	if text != "" {
		r.s.recordTurn(r.gen, role, text)
	}
}

func (r *reader) play(blob *genai.Blob) {
	if blob.MIMEType != "" && !strings.HasPrefix(blob.MIMEType, "audio/") {
		return
	}
	sched := r.s.schedulerFor(r.gen)
	if sched == nil {
		return
	}
	// Bad chunks are logged by the scheduler and skipped.
	_, _ = sched.SchedulePCM16(blob.Data)
}

func (r *reader) toolCall(fc *genai.FunctionCall) {
	s := r.s
	call := tools.Call{ID: fc.ID, Name: fc.Name, Args: fc.Args}
	s.cb.toolCall(call)
	go func() {
		res := s.tools.Dispatch(r.ctx, call)
		if !s.current(r.gen) {
			s.logger.Debug("dropping tool response for closed session", "tool", call.Name)
			return
		}
		err := s.send(func() error {
			return r.conn.SendToolResponse(genai.LiveToolResponseInput{
				FunctionResponses: []*genai.FunctionResponse{{
					ID:       call.ID,
					Name:     call.Name,
					Response: res.Map(),
				}},
			})
		})
		if err != nil {
			s.logger.Warn("send tool response", "tool", call.Name, "error", err)
		}
	}()
}
