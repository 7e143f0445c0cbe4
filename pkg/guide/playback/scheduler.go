// Package playback schedules decoded model audio back to back on an output
// clock so chunks arriving at arbitrary times play gapless and never overlap.
package playback

import (
	"log/slog"
	"sync"

	"github.com/vango-go/argonauts-live/pkg/guide/audio"
)

// Context is an output audio graph with its own monotonic clock in seconds.
type Context interface {
	CurrentTime() float64
	SampleRate() int
	NewSource(samples []float32) (Source, error)
	Close() error
	Closed() bool
}

// Source is one scheduled buffer.
type Source interface {
	// Start schedules playback at the given output-clock time.
	Start(at float64) error
	// Stop halts playback. Ended notifications still fire.
	Stop()
	Duration() float64
	// OnEnded registers fn to run once when the source finishes or is stopped.
	OnEnded(fn func())
}

// Scheduler queues sources on a Context. The cursor only moves forward except
// on Interrupt and Reset.
type Scheduler struct {
	ctx    Context
	logger *slog.Logger

	mu        sync.Mutex
	nextStart float64
	nextID    uint64
	active    map[uint64]Source
}

func NewScheduler(ctx Context, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		ctx:    ctx,
		logger: logger,
		active: make(map[uint64]Source),
	}
}

// Schedule queues samples after everything already scheduled, or at the
// current output time if the queue has drained. It returns the start time.
func (s *Scheduler) Schedule(samples []float32) (float64, error) {
	if len(samples) == 0 {
		return s.NextStartTime(), nil
	}
	src, err := s.ctx.NewSource(samples)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if now := s.ctx.CurrentTime(); s.nextStart < now {
		s.nextStart = now
	}
	start := s.nextStart

	s.nextID++
	id := s.nextID
	// Ended callbacks block on s.mu until this source is registered.
	src.OnEnded(func() { s.remove(id) })
	if err := src.Start(start); err != nil {
		return 0, err
	}
	s.nextStart += src.Duration()
	s.active[id] = src
	return start, nil
}

// SchedulePCM16 decodes little-endian PCM16 and schedules it. A malformed
// chunk is logged and dropped; the queue is unaffected.
func (s *Scheduler) SchedulePCM16(pcm []byte) (float64, error) {
	samples, err := audio.PCM16ToFloat32(pcm)
	if err != nil {
		s.logger.Warn("dropping undecodable audio chunk", "bytes", len(pcm), "error", err)
		return 0, err
	}
	return s.Schedule(samples)
}

// Interrupt stops every active source and rewinds the cursor to zero. It
// returns the number of sources stopped.
func (s *Scheduler) Interrupt() int {
	s.mu.Lock()
	stopped := make([]Source, 0, len(s.active))
	for id, src := range s.active {
		stopped = append(stopped, src)
		delete(s.active, id)
	}
	s.nextStart = 0
	s.mu.Unlock()

	for _, src := range stopped {
		src.Stop()
	}
	return len(stopped)
}

// Reset is Interrupt for teardown.
func (s *Scheduler) Reset() {
	s.Interrupt()
}

func (s *Scheduler) NextStartTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart
}

// Active returns the number of sources scheduled or playing.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Scheduler) remove(id uint64) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}
