package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"
)

const cameraStartTimeout = 5 * time.Second

type cameraOptions struct {
	ffmpeg string
	input  string
	width  int
	height int
	logger *slog.Logger
}

// cameraTrack keeps the latest raw frame decoded from an ffmpeg rawvideo stream.
type cameraTrack struct {
	trackState

	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	latest *image.RGBA
}

func cameraArgs(goos, input string, width, height int) []string {
	size := strconv.Itoa(width) + "x" + strconv.Itoa(height)
	var args []string
	switch goos {
	case "darwin":
		if input == "" {
			input = "0"
		}
		args = []string{"-f", "avfoundation", "-framerate", "30", "-video_size", size, "-i", input}
	default:
		if input == "" {
			input = "/dev/video0"
		}
		args = []string{"-f", "v4l2", "-video_size", size, "-i", input}
	}
	return append(args,
		"-loglevel", "error",
		"-vf", fmt.Sprintf("scale=%d:%d", width, height),
		"-r", "2",
		"-pix_fmt", "rgba",
		"-f", "rawvideo",
		"-",
	)
}

// startCamera launches ffmpeg and waits for the first frame, so a missing or
// refused camera fails here rather than later.
func startCamera(ctx context.Context, opts cameraOptions) (*cameraTrack, error) {
	if opts.width <= 0 || opts.height <= 0 {
		opts.width, opts.height = 640, 480
	}
	bin := opts.ffmpeg
	if bin == "" {
		bin = "ffmpeg"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return nil, fmt.Errorf("camera: ffmpeg not found: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(runCtx, bin, cameraArgs(runtime.GOOS, opts.input, opts.width, opts.height)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("camera: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("camera: start ffmpeg: %w", err)
	}

	t := &cameraTrack{cmd: cmd, cancel: cancel, done: make(chan struct{})}
	t.setup(KindVideo)

	first := make(chan error, 1)
	go t.readFrames(stdout, opts.width, opts.height, first, opts.logger)

	timer := time.NewTimer(cameraStartTimeout)
	defer timer.Stop()
	select {
	case err := <-first:
		if err != nil {
			t.Stop()
			if msg := bytes.TrimSpace(stderr.Bytes()); len(msg) > 0 {
				return nil, fmt.Errorf("camera: %w: %s", err, msg)
			}
			return nil, fmt.Errorf("camera: %w", err)
		}
		return t, nil
	case <-timer.C:
		t.Stop()
		return nil, errors.New("camera: no frame before timeout")
	case <-ctx.Done():
		t.Stop()
		return nil, ctx.Err()
	}
}

func (t *cameraTrack) readFrames(r io.Reader, width, height int, first chan<- error, logger *slog.Logger) {
	defer close(t.done)
	frameBytes := width * height * 4
	sent := false
	for {
		img := image.NewRGBA(image.Rect(0, 0, width, height))
		if _, err := io.ReadFull(r, img.Pix[:frameBytes]); err != nil {
			if !sent {
				first <- err
			} else if !t.isStopped() && logger != nil {
				logger.Warn("camera stream ended", "error", err)
			}
			return
		}
		t.mu.Lock()
		t.latest = img
		t.mu.Unlock()
		if !sent {
			sent = true
			first <- nil
		}
	}
}

func (t *cameraTrack) Frame() (image.Image, bool) {
	if t.isStopped() || !t.Enabled() {
		return nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.latest == nil {
		return nil, false
	}
	return t.latest, true
}

func (t *cameraTrack) Stop() {
	if !t.markStopped() {
		return
	}
	t.cancel()
	<-t.done
	_ = t.cmd.Wait()
}
