package audio

import "testing"

func TestCapture_AssemblesFixedBlocks(t *testing.T) {
	var got []Block
	c := NewCapture(4, func(b Block) { got = append(got, b) })
	c.SetRecording(true)

	c.Process([]float32{0.1, 0.2, 0.3})
	if len(got) != 0 {
		t.Fatalf("partial block should not be sent")
	}
	c.Process([]float32{0.4, 0.5, 0.6, 0.7, 0.8, 0.9})
	if len(got) != 2 {
		t.Fatalf("blocks=%d, want 2", len(got))
	}
	if got[0].Seq != 1 || got[1].Seq != 2 {
		t.Fatalf("seqs=%d,%d", got[0].Seq, got[1].Seq)
	}
	if len(got[0].PCM) != 8 || got[1].Samples[0] != 0.5 {
		t.Fatalf("unexpected block contents: %+v", got)
	}
}

func TestCapture_MutedBlocksAreDroppedNotBuffered(t *testing.T) {
	var sent int
	c := NewCapture(2, func(Block) { sent++ })
	c.SetRecording(true)

	c.Process([]float32{0, 0})
	if sent != 1 {
		t.Fatalf("sent=%d before mute", sent)
	}

	c.SetMuted(true)
	c.Process([]float32{0, 0, 0, 0})
	if sent != 1 {
		t.Fatalf("muted blocks were sent: %d", sent)
	}

	c.SetMuted(false)
	c.Process([]float32{0, 0})
	if sent != 2 {
		t.Fatalf("sent=%d after unmute, want 2 (no backlog)", sent)
	}
	s, d := c.Stats()
	if s != 2 || d != 2 {
		t.Fatalf("stats sent=%d dropped=%d", s, d)
	}
}

func TestCapture_NotRecordingDrops(t *testing.T) {
	var sent int
	c := NewCapture(1, func(Block) { sent++ })
	c.Process([]float32{0.1})
	if sent != 0 {
		t.Fatalf("sent while not recording")
	}
	c.SetRecording(true)
	if !c.Recording() {
		t.Fatalf("Recording() = false after SetRecording(true)")
	}
	c.Process([]float32{0.1})
	c.SetRecording(false)
	c.Process([]float32{0.1})
	if sent != 1 {
		t.Fatalf("sent=%d, want 1", sent)
	}
}

func TestCapture_ResetDiscardsPartial(t *testing.T) {
	var got []Block
	c := NewCapture(3, func(b Block) { got = append(got, b) })
	c.SetRecording(true)
	c.Process([]float32{0.9, 0.9})
	c.Reset()
	c.Process([]float32{0.1, 0.2, 0.3})
	if len(got) != 1 || got[0].Samples[0] != 0.1 {
		t.Fatalf("reset did not discard partial block: %+v", got)
	}
}
