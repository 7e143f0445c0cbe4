// Package sessions tracks live guide connections so the gateway can enforce
// capacity and drain them on shutdown.
package sessions

import (
	"context"
	"sync"
)

type Handle struct {
	Cancel func()
	Warn   func(code, message string) error
}

type Tracker struct {
	max int

	mu       sync.Mutex
	sessions map[string]*entry
	wg       sync.WaitGroup
}

type entry struct {
	handle Handle
	once   sync.Once
}

// NewTracker returns a tracker admitting at most max sessions. max <= 0
// means unlimited.
func NewTracker(max int) *Tracker {
	return &Tracker{
		max:      max,
		sessions: make(map[string]*entry),
	}
}

// Register admits sessionID. ok is false when the tracker is full; a
// re-registered ID replaces the previous entry.
func (t *Tracker) Register(sessionID string, h Handle) (unregister func(), ok bool) {
	if t == nil {
		return func() {}, true
	}

	e := &entry{handle: h}

	t.mu.Lock()
	if t.sessions == nil {
		t.sessions = make(map[string]*entry)
	}
	old := t.sessions[sessionID]
	if old == nil && t.max > 0 && len(t.sessions) >= t.max {
		t.mu.Unlock()
		return func() {}, false
	}
	t.sessions[sessionID] = e
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(sessionID, old)
	}
	return func() { t.unregister(sessionID, e) }, true
}

func (t *Tracker) unregister(sessionID string, e *entry) {
	e.once.Do(func() {
		t.mu.Lock()
		if t.sessions[sessionID] == e {
			delete(t.sessions, sessionID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Full reports whether a new session would be rejected.
func (t *Tracker) Full() bool {
	if t == nil || t.max <= 0 {
		return false
	}
	return t.Count() >= t.max
}

func (t *Tracker) handles() []Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Handle, 0, len(t.sessions))
	for _, e := range t.sessions {
		out = append(out, e.handle)
	}
	return out
}

// WarnAll sends a warning to every session, ignoring delivery errors.
func (t *Tracker) WarnAll(code, message string) (sent int) {
	if t == nil {
		return 0
	}
	for _, h := range t.handles() {
		if h.Warn == nil {
			continue
		}
		_ = h.Warn(code, message)
		sent++
	}
	return sent
}

func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}
	for _, h := range t.handles() {
		if h.Cancel == nil {
			continue
		}
		h.Cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered session has unregistered or ctx ends.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
