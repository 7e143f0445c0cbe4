package playback

import (
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-go/argonauts-live/pkg/guide/audio"
)

// Chunk is a scheduled buffer forwarded to a remote player. StartAt and
// ClockAt are on the context's output clock; the receiver plays the chunk
// StartAt-ClockAt seconds after it arrives.
type Chunk struct {
	ID         string
	StartAt    float64
	ClockAt    float64
	SampleRate int
	Samples    []float32
}

// RemoteSink receives scheduled and stopped chunks. Calls must not block.
type RemoteSink interface {
	PlayChunk(Chunk)
	StopChunk(id string)
}

// RemoteContext forwards scheduled sources to a remote client. Its clock is
// wall time since creation.
type RemoteContext struct {
	sink       RemoteSink
	sampleRate int
	started    time.Time
	now        func() time.Time

	seq    atomic.Uint64
	closed atomic.Bool

	mu      sync.Mutex
	sources map[*remoteSource]struct{}
}

func NewRemoteContext(sampleRate int, sink RemoteSink) *RemoteContext {
	if sampleRate <= 0 {
		sampleRate = audio.OutputSampleRate
	}
	return &RemoteContext{
		sink:       sink,
		sampleRate: sampleRate,
		started:    time.Now(),
		now:        time.Now,
		sources:    make(map[*remoteSource]struct{}),
	}
}

func (c *RemoteContext) CurrentTime() float64 {
	return c.now().Sub(c.started).Seconds()
}

func (c *RemoteContext) SampleRate() int { return c.sampleRate }
func (c *RemoteContext) Closed() bool    { return c.closed.Load() }

func (c *RemoteContext) NewSource(samples []float32) (Source, error) {
	if c.closed.Load() {
		return nil, errors.New("playback context closed")
	}
	return &remoteSource{
		ctx:     c,
		id:      "pb_" + strconv.FormatUint(c.seq.Add(1), 10),
		samples: samples,
	}, nil
}

// Close stops every outstanding source without notifying the sink.
func (c *RemoteContext) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	pending := make([]*remoteSource, 0, len(c.sources))
	for s := range c.sources {
		pending = append(pending, s)
	}
	clear(c.sources)
	c.mu.Unlock()
	for _, s := range pending {
		s.halt(false)
	}
	return nil
}

type remoteSource struct {
	ctx     *RemoteContext
	id      string
	samples []float32

	mu      sync.Mutex
	timer   *time.Timer
	onEnded func()
	once    sync.Once
}

func (s *remoteSource) Start(at float64) error {
	c := s.ctx
	if c.closed.Load() {
		return errors.New("playback context closed")
	}
	now := c.CurrentTime()
	c.mu.Lock()
	c.sources[s] = struct{}{}
	c.mu.Unlock()

	if c.sink != nil {
		c.sink.PlayChunk(Chunk{
			ID:         s.id,
			StartAt:    at,
			ClockAt:    now,
			SampleRate: c.sampleRate,
			Samples:    s.samples,
		})
	}

	remaining := at + s.Duration() - now
	if remaining < 0 {
		remaining = 0
	}
	s.mu.Lock()
	s.timer = time.AfterFunc(time.Duration(remaining*float64(time.Second)), func() {
		c.mu.Lock()
		delete(c.sources, s)
		c.mu.Unlock()
		s.finish()
	})
	s.mu.Unlock()
	return nil
}

func (s *remoteSource) Stop() {
	s.ctx.mu.Lock()
	delete(s.ctx.sources, s)
	s.ctx.mu.Unlock()
	s.halt(true)
}

func (s *remoteSource) halt(notify bool) {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()
	if notify && s.ctx.sink != nil {
		s.ctx.sink.StopChunk(s.id)
	}
	s.finish()
}

func (s *remoteSource) Duration() float64 {
	return audio.Duration(len(s.samples), s.ctx.sampleRate)
}

func (s *remoteSource) OnEnded(fn func()) {
	s.mu.Lock()
	s.onEnded = fn
	s.mu.Unlock()
}

func (s *remoteSource) finish() {
	s.once.Do(func() {
		s.mu.Lock()
		fn := s.onEnded
		s.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
}
