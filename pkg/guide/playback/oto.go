package playback

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/vango-go/argonauts-live/pkg/guide/audio"
)

// oto allows one device context per process; every OtoContext shares it and
// owns a player fed by its own mixer.
var (
	deviceOnce sync.Once
	device     *oto.Context
	deviceRate int
	deviceErr  error
)

func openDevice(sampleRate int) (*oto.Context, error) {
	deviceOnce.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: 1,
			Format:       oto.FormatFloat32LE,
			BufferSize:   40 * time.Millisecond,
		})
		if err != nil {
			deviceErr = fmt.Errorf("open speaker: %w", err)
			return
		}
		<-ready
		device = ctx
		deviceRate = sampleRate
	})
	if deviceErr != nil {
		return nil, deviceErr
	}
	if deviceRate != sampleRate {
		return nil, fmt.Errorf("speaker already opened at %d Hz, requested %d Hz", deviceRate, sampleRate)
	}
	return device, nil
}

// OtoContext renders scheduled sources to the local speaker. Its clock is the
// number of frames pulled by the device.
type OtoContext struct {
	mixer  *mixer
	player *oto.Player
	closed atomic.Bool
}

// NewOtoContext opens (or reuses) the speaker at sampleRate, mono float32.
func NewOtoContext(sampleRate int) (*OtoContext, error) {
	if sampleRate <= 0 {
		sampleRate = audio.OutputSampleRate
	}
	dev, err := openDevice(sampleRate)
	if err != nil {
		return nil, err
	}
	m := newMixer(sampleRate)
	p := dev.NewPlayer(m)
	p.Play()
	return &OtoContext{mixer: m, player: p}, nil
}

func (c *OtoContext) CurrentTime() float64 { return c.mixer.currentTime() }
func (c *OtoContext) SampleRate() int      { return c.mixer.rate }
func (c *OtoContext) Closed() bool         { return c.closed.Load() }

func (c *OtoContext) NewSource(samples []float32) (Source, error) {
	if c.closed.Load() {
		return nil, errors.New("playback context closed")
	}
	return &mixerSource{mixer: c.mixer, samples: samples}, nil
}

func (c *OtoContext) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mixer.clear()
	c.player.Pause()
	return c.player.Close()
}

// mixer is the io.Reader a player pulls from. It renders every voice whose
// window overlaps the requested frames and silence elsewhere.
type mixer struct {
	rate int

	mu      sync.Mutex
	pos     int64
	voices  map[*mixerSource]struct{}
	scratch []float32
}

func newMixer(rate int) *mixer {
	return &mixer{rate: rate, voices: make(map[*mixerSource]struct{})}
}

func (m *mixer) currentTime() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return float64(m.pos) / float64(m.rate)
}

func (m *mixer) Read(p []byte) (int, error) {
	frames := len(p) / 4

	m.mu.Lock()
	if cap(m.scratch) < frames {
		m.scratch = make([]float32, frames)
	}
	buf := m.scratch[:frames]
	for i := range buf {
		buf[i] = 0
	}
	end := m.pos + int64(frames)
	var finished []*mixerSource
	for v := range m.voices {
		vEnd := v.startFrame + int64(len(v.samples))
		from := max(v.startFrame, m.pos)
		to := min(vEnd, end)
		for f := from; f < to; f++ {
			buf[f-m.pos] += v.samples[f-v.startFrame]
		}
		if vEnd <= end {
			delete(m.voices, v)
			finished = append(finished, v)
		}
	}
	m.pos = end
	for i, s := range buf {
		putFloat32(p[i*4:], s)
	}
	m.mu.Unlock()

	for _, v := range finished {
		v.finish()
	}
	return frames * 4, nil
}

func (m *mixer) add(v *mixerSource) {
	m.mu.Lock()
	m.voices[v] = struct{}{}
	m.mu.Unlock()
}

func (m *mixer) remove(v *mixerSource) {
	m.mu.Lock()
	delete(m.voices, v)
	m.mu.Unlock()
}

func (m *mixer) clear() {
	m.mu.Lock()
	clear(m.voices)
	m.mu.Unlock()
}

type mixerSource struct {
	mixer      *mixer
	samples    []float32
	startFrame int64

	once    sync.Once
	mu      sync.Mutex
	onEnded func()
}

func (s *mixerSource) Start(at float64) error {
	if at < 0 {
		at = 0
	}
	s.startFrame = int64(math.Round(at * float64(s.mixer.rate)))
	s.mixer.add(s)
	return nil
}

func (s *mixerSource) Stop() {
	s.mixer.remove(s)
	s.finish()
}

func (s *mixerSource) Duration() float64 {
	return audio.Duration(len(s.samples), s.mixer.rate)
}

func (s *mixerSource) OnEnded(fn func()) {
	s.mu.Lock()
	s.onEnded = fn
	s.mu.Unlock()
}

func (s *mixerSource) finish() {
	s.once.Do(func() {
		s.mu.Lock()
		fn := s.onEnded
		s.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
}

func putFloat32(b []byte, v float32) {
	bits := math.Float32bits(v)
	b[0] = byte(bits)
	b[1] = byte(bits >> 8)
	b[2] = byte(bits >> 16)
	b[3] = byte(bits >> 24)
}
