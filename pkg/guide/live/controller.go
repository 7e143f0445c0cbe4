package live

import (
	"context"
	"sync"
)

// Controller is the open/close surface in front of a Session. Opening
// connects, closing disconnects, and subscribers hear every visibility
// change.
type Controller struct {
	session *Session

	mu     sync.Mutex
	open   bool
	nextID int
	subs   map[int]func(open bool)
}

func NewController(s *Session) *Controller {
	return &Controller{session: s, subs: make(map[int]func(bool))}
}

func (c *Controller) Session() *Session { return c.session }

func (c *Controller) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Open marks the controller open and connects the session unless it is
// already connected or connecting. The controller stays open when the
// connect fails, and a later Open retries.
func (c *Controller) Open(ctx context.Context) error {
	c.set(true)
	switch c.session.State() {
	case StateOpen, StateConnecting:
		return nil
	}
	return c.session.Connect(ctx)
}

// Close disconnects the session and marks the controller closed.
func (c *Controller) Close() {
	c.session.Disconnect()
	c.set(false)
}

// Subscribe registers fn for open/close changes and returns a function that
// removes it.
func (c *Controller) Subscribe(fn func(open bool)) (cancel func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *Controller) set(open bool) bool {
	c.mu.Lock()
	if c.open == open {
		c.mu.Unlock()
		return false
	}
	c.open = open
	subs := make([]func(bool), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn(open)
	}
	return true
}
