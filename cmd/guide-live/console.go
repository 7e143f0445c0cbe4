package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/vango-go/argonauts-live/pkg/backend"
	"github.com/vango-go/argonauts-live/pkg/guide/detect"
	"github.com/vango-go/argonauts-live/pkg/guide/live"
	"github.com/vango-go/argonauts-live/pkg/guide/tools"
)

// guide is the part of a live session the console drives.
type guide interface {
	Open(ctx context.Context) error
	Close()
	IsOpen() bool
	SendText(ctx context.Context, text string) error
	ToggleMute() bool
	ToggleVideo() bool
	Snapshot() live.Snapshot
	Photo() ([]byte, error)
}

type photoUploader interface {
	UploadPhoto(ctx context.Context, photo backend.Photo) (*backend.PhotoResult, error)
}

const helpText = `commands:
  /mute            toggle the microphone
  /video           toggle the camera
  /open, /close    connect or disconnect the guide
  /status          show the session state
  /photo [place]   upload the current camera frame
  /quit            leave`

// console prints session events and reads commands. Output from session
// callbacks and the input loop is serialized.
type console struct {
	mu     sync.Mutex
	out    io.Writer
	prompt bool
}

func newConsole(out io.Writer, prompt bool) *console {
	return &console{out: out, prompt: prompt}
}

func (c *console) println(a ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, a...)
}

func (c *console) printf(format string, a ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, a...)
}

func (c *console) showPrompt() {
	if c.prompt {
		c.printf("> ")
	}
}

func (c *console) callbacks() live.Callbacks {
	return live.Callbacks{
		OnStatusChange: func(status string) { c.printf("[status] %s\n", status) },
		OnError:        func(err error) { c.printf("[error] %v\n", err) },
		OnToolCall: func(call tools.Call) {
			c.printf("[tool] %s\n", call.Name)
		},
		OnMessage: func(turn live.Turn) {
			who := "you"
			if turn.Role == live.RoleAssistant {
				who = "guide"
			}
			c.printf("%s: %s\n", who, turn.Content)
		},
		OnAchievements: func(items []detect.Achievement) {
			for _, a := range items {
				c.printf("[achievement] %s\n", a.Title)
			}
		},
	}
}

// run reads lines from in until /quit, EOF or ctx ends.
func (c *console) run(ctx context.Context, in io.Reader, g guide, photos photoUploader) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	c.showPrompt()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			return nil
		case line := <-lines:
			if quit := c.handle(ctx, strings.TrimSpace(line), g, photos); quit {
				c.println("bye")
				return nil
			}
			c.showPrompt()
		}
	}
}

// handle runs one input line and reports whether the console should exit.
func (c *console) handle(ctx context.Context, line string, g guide, photos photoUploader) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if err := g.SendText(ctx, line); err != nil {
			c.printf("send error: %v\n", err)
		}
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		c.println(helpText)
	case "/mute":
		if g.ToggleMute() {
			c.println("microphone muted")
		} else {
			c.println("microphone on")
		}
	case "/video":
		if g.ToggleVideo() {
			c.println("camera on")
		} else {
			c.println("camera off")
		}
	case "/open":
		if err := g.Open(ctx); err != nil {
			c.printf("connect error: %v\n", err)
		}
	case "/close":
		g.Close()
	case "/status":
		s := g.Snapshot()
		c.printf("state=%s muted=%t video=%t camera=%t turns=%d\n",
			s.State, s.Muted, s.VideoEnabled, s.HasVideo, len(s.Transcript))
	case "/photo":
		c.uploadPhoto(ctx, arg, g, photos)
	default:
		c.printf("unknown command %s (try /help)\n", cmd)
	}
	return false
}

func (c *console) uploadPhoto(ctx context.Context, location string, g guide, photos photoUploader) {
	if photos == nil {
		c.println("photo upload needs a game backend (--backend-url)")
		return
	}
	data, err := g.Photo()
	if err != nil {
		c.printf("photo error: %v\n", err)
		return
	}
	res, err := photos.UploadPhoto(ctx, backend.Photo{Data: data, LocationName: location})
	if err != nil {
		c.printf("photo error: %v\n", err)
		return
	}
	c.printf("photo uploaded: %s\n", res.URL)
	for _, a := range res.Achievements {
		c.printf("[achievement] %s\n", a.Title)
	}
}
