package audio

import (
	"sync"
	"sync/atomic"
)

// Block is one fixed-size uplink block.
type Block struct {
	Seq     int64
	Samples []float32
	PCM     []byte
}

// Capture assembles captured samples into BlockSize blocks. A completed block
// is encoded and handed to the sink only while recording and not muted;
// otherwise it is dropped. Process keeps running while muted.
type Capture struct {
	blockSize int
	sink      func(Block)

	recording atomic.Bool
	muted     atomic.Bool

	mu      sync.Mutex
	pending []float32
	seq     int64

	sent    atomic.Int64
	dropped atomic.Int64
}

// NewCapture creates a capture pipeline. blockSize <= 0 uses BlockSize.
func NewCapture(blockSize int, sink func(Block)) *Capture {
	if blockSize <= 0 {
		blockSize = BlockSize
	}
	return &Capture{
		blockSize: blockSize,
		sink:      sink,
		pending:   make([]float32, 0, blockSize),
	}
}

func (c *Capture) SetRecording(v bool) { c.recording.Store(v) }
func (c *Capture) Recording() bool     { return c.recording.Load() }
func (c *Capture) SetMuted(v bool)     { c.muted.Store(v) }
func (c *Capture) Muted() bool         { return c.muted.Load() }

// Process is the capture callback. It may be called with any number of
// samples; the gate is evaluated once per completed block.
func (c *Capture) Process(samples []float32) {
	var ready [][]float32

	c.mu.Lock()
	for len(samples) > 0 {
		n := c.blockSize - len(c.pending)
		if n > len(samples) {
			n = len(samples)
		}
		c.pending = append(c.pending, samples[:n]...)
		samples = samples[n:]
		if len(c.pending) == c.blockSize {
			ready = append(ready, c.pending)
			c.pending = make([]float32, 0, c.blockSize)
		}
	}
	c.mu.Unlock()

	for _, block := range ready {
		c.emit(block)
	}
}

func (c *Capture) emit(samples []float32) {
	if !c.recording.Load() || c.muted.Load() || c.sink == nil {
		c.dropped.Add(1)
		return
	}
	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	c.sent.Add(1)
	c.sink(Block{Seq: seq, Samples: samples, PCM: Float32ToPCM16(samples)})
}

// Reset discards any partially assembled block.
func (c *Capture) Reset() {
	c.mu.Lock()
	c.pending = c.pending[:0]
	c.mu.Unlock()
}

// Stats returns the number of blocks sent and dropped.
func (c *Capture) Stats() (sent, dropped int64) {
	return c.sent.Load(), c.dropped.Load()
}
