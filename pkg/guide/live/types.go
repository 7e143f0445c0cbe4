package live

import (
	"time"

	"github.com/vango-go/argonauts-live/pkg/guide/detect"
	"github.com/vango-go/argonauts-live/pkg/guide/tools"
)

type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosed     State = "closed"
	StateError      State = "error"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one transcript entry. Transcripts only grow.
type Turn struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	ID           string `json:"id"`
	State        State  `json:"state"`
	Connected    bool   `json:"connected"`
	Connecting   bool   `json:"connecting"`
	Muted        bool   `json:"muted"`
	VideoEnabled bool   `json:"video_enabled"`
	HasVideo     bool   `json:"has_video"`
	Transcript   []Turn `json:"transcript"`
}

// Callbacks receive session notifications. Any field may be nil. Callbacks
// run on session goroutines and must not block.
type Callbacks struct {
	OnStatusChange func(status string)
	OnError        func(err error)
	OnToolCall     func(call tools.Call)
	OnMessage      func(turn Turn)
	OnAchievements func(items []detect.Achievement)
}

func (c Callbacks) status(s string) {
	if c.OnStatusChange != nil {
		c.OnStatusChange(s)
	}
}

func (c Callbacks) err(err error) {
	if c.OnError != nil {
		c.OnError(err)
	}
}

func (c Callbacks) toolCall(call tools.Call) {
	if c.OnToolCall != nil {
		c.OnToolCall(call)
	}
}

func (c Callbacks) message(t Turn) {
	if c.OnMessage != nil {
		c.OnMessage(t)
	}
}

func (c Callbacks) achievements(items []detect.Achievement) {
	if c.OnAchievements != nil && len(items) > 0 {
		c.OnAchievements(items)
	}
}
