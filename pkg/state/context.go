package state

import (
	"sync"

	"mmu-go/pkg/log"
)

// Observer receives state and action change notifications. Callbacks run
// synchronously on the mutating goroutine, before the next transition
// begins; observers rendering the previous state can rely on that ordering.
type Observer interface {
	PositionChanged(old, new Position)
	ActionChanged(old, new Action)
}

// ObserverFuncs adapts plain functions to the Observer interface.
type ObserverFuncs struct {
	OnPosition func(old, new Position)
	OnAction   func(old, new Action)
}

func (o ObserverFuncs) PositionChanged(old, new Position) {
	if o.OnPosition != nil {
		o.OnPosition(old, new)
	}
}

func (o ObserverFuncs) ActionChanged(old, new Action) {
	if o.OnAction != nil {
		o.OnAction(old, new)
	}
}

// Context is the single owned filament state. Only the transport state
// machine mutates it; everyone else reads snapshots.
type Context struct {
	mu        sync.Mutex
	version   uint64
	position  Position
	action    Action
	direction Direction
	distance  float64
	observers []Observer
	logger    *log.Logger
}

// NewContext creates a context starting at Unknown position, Idle action.
func NewContext() *Context {
	return &Context{
		position: Unknown,
		action:   Idle,
		logger:   log.Component("state"),
	}
}

// Subscribe registers an observer. Not safe to call while a transition is
// being published.
func (c *Context) Subscribe(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

// Snapshot returns the current immutable view.
func (c *Context) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Version:   c.version,
		Position:  c.position,
		Action:    c.action,
		Direction: c.direction,
		Distance:  c.distance,
	}
}

// Position returns the current filament position.
func (c *Context) Position() Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.position
}

// SetPosition moves the filament position, publishing to observers before
// returning. The current-leg distance resets on every position change.
func (c *Context) SetPosition(p Position) {
	c.mu.Lock()
	old := c.position
	if old == p {
		c.mu.Unlock()
		return
	}
	c.position = p
	c.distance = 0
	c.version++
	observers := append([]Observer(nil), c.observers...)
	c.mu.Unlock()

	c.logger.Debugf("filament position %s -> %s", old, p)
	for _, o := range observers {
		o.PositionChanged(old, p)
	}
}

// Action returns the current action label.
func (c *Context) Action() Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.action
}

// SetAction changes the published activity and returns the previous one so
// callers can restore it when a nested step completes.
func (c *Context) SetAction(a Action) Action {
	c.mu.Lock()
	old := c.action
	if old == a {
		c.mu.Unlock()
		return old
	}
	c.action = a
	c.version++
	observers := append([]Observer(nil), c.observers...)
	c.mu.Unlock()

	for _, o := range observers {
		o.ActionChanged(old, a)
	}
	return old
}

// SetDirection records the travel direction of the current leg.
func (c *Context) SetDirection(d Direction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.direction != d {
		c.direction = d
		c.version++
	}
}

// AddDistance accumulates travel in the current leg.
func (c *Context) AddDistance(d float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.distance += d
	c.version++
}

// Distance returns travel in the current leg.
func (c *Context) Distance() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.distance
}
