// Package media acquires the microphone and camera capture stream shared by
// the uplink audio pipeline and the video frame sampler.
package media

import (
	"context"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/vango-go/argonauts-live/pkg/core"
	"github.com/vango-go/argonauts-live/pkg/guide/audio"
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Track is one capture track of a Handle.
type Track interface {
	ID() string
	Kind() Kind
	Enabled() bool
	SetEnabled(bool)
	Stop()
}

// AudioTrack delivers mono float32 samples to the attached consumer. A
// disabled track delivers silence.
type AudioTrack interface {
	Track
	Attach(fn func(samples []float32))
}

// FrameSource yields the most recent video frame.
type FrameSource interface {
	Frame() (image.Image, bool)
}

type VideoTrack interface {
	Track
	FrameSource
}

type AudioConstraints struct {
	SampleRate       int
	Channels         int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

type VideoConstraints struct {
	Width      int
	Height     int
	FacingMode string
}

// Constraints requests a capture configuration. A nil Video requests audio only.
type Constraints struct {
	Audio AudioConstraints
	Video *VideoConstraints
}

// DefaultConstraints is audio with processing enabled plus a 640x480
// front-facing camera.
func DefaultConstraints() Constraints {
	return Constraints{
		Audio: AudioConstraints{
			SampleRate:       audio.InputSampleRate,
			Channels:         1,
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
		},
		Video: &VideoConstraints{Width: 640, Height: 480, FacingMode: "user"},
	}
}

func (c Constraints) AudioOnly() Constraints {
	c.Video = nil
	return c
}

// Handle is a live capture stream. Stop releases every track.
type Handle struct {
	id      string
	audio   []AudioTrack
	video   []VideoTrack
	release func()

	stopOnce sync.Once
	stopped  atomic.Bool
}

// NewHandle groups tracks into a stream. release runs once after the tracks stop.
func NewHandle(audioTracks []AudioTrack, videoTracks []VideoTrack, release func()) *Handle {
	return &Handle{
		id:      uuid.NewString(),
		audio:   audioTracks,
		video:   videoTracks,
		release: release,
	}
}

func (h *Handle) ID() string                { return h.id }
func (h *Handle) AudioTracks() []AudioTrack { return h.audio }
func (h *Handle) VideoTracks() []VideoTrack { return h.video }
func (h *Handle) HasVideo() bool            { return len(h.video) > 0 }
func (h *Handle) Stopped() bool             { return h.stopped.Load() }

func (h *Handle) SetAudioEnabled(v bool) {
	for _, t := range h.audio {
		t.SetEnabled(v)
	}
}

func (h *Handle) SetVideoEnabled(v bool) {
	for _, t := range h.video {
		t.SetEnabled(v)
	}
}

func (h *Handle) Stop() {
	h.stopOnce.Do(func() {
		for _, t := range h.audio {
			t.Stop()
		}
		for _, t := range h.video {
			t.Stop()
		}
		if h.release != nil {
			h.release()
		}
		h.stopped.Store(true)
	})
}

// Backend opens capture devices.
type Backend interface {
	// Supported reports whether the platform offers any capture API.
	Supported() bool
	Open(ctx context.Context, c Constraints) (*Handle, error)
}

type Acquirer interface {
	Acquire(ctx context.Context, c Constraints) (*Handle, error)
}

// FallbackAcquirer asks for audio and video, then retries with audio only.
type FallbackAcquirer struct {
	backend Backend
	logger  *slog.Logger
}

func NewAcquirer(backend Backend, logger *slog.Logger) *FallbackAcquirer {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackAcquirer{backend: backend, logger: logger}
}

func (a *FallbackAcquirer) Acquire(ctx context.Context, c Constraints) (*Handle, error) {
	if a.backend == nil || !a.backend.Supported() {
		return nil, core.NewMediaUnavailableError("media capture is not supported on this platform")
	}
	h, err := a.backend.Open(ctx, c)
	if err == nil {
		return h, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if c.Video != nil {
		a.logger.Warn("audio+video capture failed, retrying audio only", "error", err)
		h, err = a.backend.Open(ctx, c.AudioOnly())
		if err == nil {
			return h, nil
		}
	}
	return nil, core.NewPermissionDeniedError("microphone access denied", err)
}

// trackState is shared bookkeeping for track implementations.
type trackState struct {
	id      string
	kind    Kind
	enabled atomic.Bool
	stopped atomic.Bool
}

func (t *trackState) setup(kind Kind) {
	t.id = uuid.NewString()
	t.kind = kind
	t.enabled.Store(true)
}

func (t *trackState) ID() string        { return t.id }
func (t *trackState) Kind() Kind        { return t.kind }
func (t *trackState) Enabled() bool     { return t.enabled.Load() }
func (t *trackState) SetEnabled(v bool) { t.enabled.Store(v) }
func (t *trackState) isStopped() bool   { return t.stopped.Load() }
func (t *trackState) markStopped() bool { return t.stopped.CompareAndSwap(false, true) }

// audioFeed fans captured samples out to the attached consumer.
type audioFeed struct {
	trackState

	mu   sync.Mutex
	sink func([]float32)
}

func (f *audioFeed) Attach(fn func(samples []float32)) {
	f.mu.Lock()
	f.sink = fn
	f.mu.Unlock()
}

func (f *audioFeed) deliver(samples []float32) {
	if f.isStopped() {
		return
	}
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	if sink == nil {
		return
	}
	if !f.Enabled() {
		samples = make([]float32, len(samples))
	}
	sink(samples)
}
