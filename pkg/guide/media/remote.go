package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
)

// Client frames larger than this are rejected before decoding. Either
// orientation of 1080p fits.
const (
	MaxRemoteFrameSide   = 1920
	MaxRemoteFramePixels = 1920 * 1080
)

var ErrFrameTooLarge = errors.New("frame exceeds size limit")

// RemoteCapabilities is what a remote client declares it can capture.
type RemoteCapabilities struct {
	Audio bool
	Video bool
}

// RemoteBackend serves tracks whose samples and frames are pushed by a
// gateway connection rather than read from local devices.
type RemoteBackend struct {
	caps RemoteCapabilities

	mu    sync.Mutex
	audio *remoteAudioTrack
	video *remoteVideoTrack
}

func NewRemoteBackend(caps RemoteCapabilities) *RemoteBackend {
	return &RemoteBackend{caps: caps}
}

func (b *RemoteBackend) Supported() bool {
	return b.caps.Audio || b.caps.Video
}

func (b *RemoteBackend) Open(_ context.Context, c Constraints) (*Handle, error) {
	if !b.caps.Audio {
		return nil, errors.New("client has no microphone")
	}
	if c.Video != nil && !b.caps.Video {
		return nil, errors.New("client has no camera")
	}

	a := &remoteAudioTrack{}
	a.setup(KindAudio)
	var video []VideoTrack
	var v *remoteVideoTrack
	if c.Video != nil {
		v = &remoteVideoTrack{}
		v.setup(KindVideo)
		video = append(video, v)
	}

	b.mu.Lock()
	b.audio, b.video = a, v
	b.mu.Unlock()

	return NewHandle([]AudioTrack{a}, video, func() {
		b.mu.Lock()
		if b.audio == a {
			b.audio, b.video = nil, nil
		}
		b.mu.Unlock()
	}), nil
}

// PushAudio feeds client samples into the current audio track. Samples that
// arrive with no open track are discarded.
func (b *RemoteBackend) PushAudio(samples []float32) {
	b.mu.Lock()
	a := b.audio
	b.mu.Unlock()
	if a != nil {
		a.deliver(samples)
	}
}

// PushJPEG decodes a client frame and stores it on the current video track.
// It reports false when no video track is open.
func (b *RemoteBackend) PushJPEG(data []byte) (bool, error) {
	b.mu.Lock()
	v := b.video
	b.mu.Unlock()
	if v == nil {
		return false, nil
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return false, fmt.Errorf("decode frame: %w", err)
	}
	if cfg.Width > MaxRemoteFrameSide || cfg.Height > MaxRemoteFrameSide || cfg.Width*cfg.Height > MaxRemoteFramePixels {
		return false, fmt.Errorf("%w: %dx%d", ErrFrameTooLarge, cfg.Width, cfg.Height)
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return false, fmt.Errorf("decode frame: %w", err)
	}
	v.store(img)
	return true, nil
}

type remoteAudioTrack struct {
	audioFeed
}

func (t *remoteAudioTrack) Stop() {
	if t.markStopped() {
		t.Attach(nil)
	}
}

type remoteVideoTrack struct {
	trackState

	mu     sync.Mutex
	latest image.Image
}

func (t *remoteVideoTrack) store(img image.Image) {
	if t.isStopped() {
		return
	}
	t.mu.Lock()
	t.latest = img
	t.mu.Unlock()
}

func (t *remoteVideoTrack) Frame() (image.Image, bool) {
	if t.isStopped() || !t.Enabled() {
		return nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latest, t.latest != nil
}

func (t *remoteVideoTrack) Stop() {
	t.markStopped()
}
