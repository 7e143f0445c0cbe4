package media

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/vango-go/argonauts-live/pkg/guide/audio"
)

// DeviceBackend captures from the local microphone through miniaudio and from
// the local camera through an ffmpeg subprocess.
type DeviceBackend struct {
	// FFmpegPath overrides the ffmpeg binary used for the camera.
	FFmpegPath string
	// CameraInput overrides the platform default ffmpeg camera input.
	CameraInput string

	logger *slog.Logger

	initOnce sync.Once
	mctx     *malgo.AllocatedContext
	initErr  error
}

func NewDeviceBackend(logger *slog.Logger) *DeviceBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeviceBackend{logger: logger}
}

func (b *DeviceBackend) init() error {
	b.initOnce.Do(func() {
		cfg := malgo.ContextConfig{}
		cfg.ThreadPriority = malgo.ThreadPriorityRealtime
		mctx, err := malgo.InitContext(nil, cfg, nil)
		if err != nil {
			b.initErr = fmt.Errorf("init audio context: %w", err)
			return
		}
		b.mctx = mctx
	})
	return b.initErr
}

func (b *DeviceBackend) Supported() bool {
	if err := b.init(); err != nil {
		b.logger.Warn("audio capture unavailable", "error", err)
		return false
	}
	return true
}

func (b *DeviceBackend) Open(ctx context.Context, c Constraints) (*Handle, error) {
	if err := b.init(); err != nil {
		return nil, err
	}
	if !c.Audio.EchoCancellation || !c.Audio.NoiseSuppression || !c.Audio.AutoGainControl {
		b.logger.Debug("device capture ignores audio processing constraints")
	}

	mic, err := openMicrophone(b.mctx.Context, c.Audio)
	if err != nil {
		return nil, err
	}

	var video []VideoTrack
	if c.Video != nil {
		cam, err := startCamera(ctx, cameraOptions{
			ffmpeg: b.FFmpegPath,
			input:  b.CameraInput,
			width:  c.Video.Width,
			height: c.Video.Height,
			logger: b.logger,
		})
		if err != nil {
			mic.Stop()
			return nil, err
		}
		video = append(video, cam)
	}
	return NewHandle([]AudioTrack{mic}, video, nil), nil
}

// Close releases the audio context. Handles opened from b must be stopped first.
func (b *DeviceBackend) Close() error {
	if b.mctx == nil {
		return nil
	}
	err := b.mctx.Uninit()
	b.mctx.Free()
	b.mctx = nil
	return err
}

type micTrack struct {
	audioFeed
	device *malgo.Device
}

func openMicrophone(mctx malgo.Context, c AudioConstraints) (*micTrack, error) {
	rate := c.SampleRate
	if rate <= 0 {
		rate = audio.InputSampleRate
	}
	m := &micTrack{}
	m.setup(KindAudio)

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(rate)
	cfg.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			samples, err := audio.BytesToFloat32(input)
			if err != nil {
				return
			}
			m.deliver(samples)
		},
	}
	device, err := malgo.InitDevice(mctx, cfg, callbacks)
	if err != nil {
		return nil, fmt.Errorf("open microphone: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, fmt.Errorf("start microphone: %w", err)
	}
	m.device = device
	return m, nil
}

func (m *micTrack) Stop() {
	if !m.markStopped() {
		return
	}
	_ = m.device.Stop()
	m.device.Uninit()
}
