// Package scroll decides whether fetches should be deferred while a list is scrolled fast.
package scroll

import (
	"fmt"
	"math"
	"sync"
	"time"
)

type State int

const (
	StateIdle State = iota
	StateTouchScroll
	StateFling
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTouchScroll:
		return "touch-scroll"
	case StateFling:
		return "fling"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Listener receives scroll events of a list-like container.
type Listener interface {
	// OnScroll is called with the index of the first visible item, the number of
	// visible items and the total number of items.
	OnScroll(first, visible, total int)
	OnScrollStateChanged(state State)
}

// Container is a list-like widget that has a single scroll listener.
type Container interface {
	ScrollListener() Listener
	SetScrollListener(l Listener)
	// NotifyDataChanged makes the container rebind its visible items.
	NotifyDataChanged()
}

// ScrollState is a snapshot of the scroll state of a container.
type ScrollState struct {
	State     State
	LastEvent time.Time
	First     int
	Visible   int
	Total     int
	// Velocity is measured in items per second.
	Velocity float64
}

// Dispatcher tracks the scroll state of a container and forwards events to other
// listeners, so a container can have multiple listeners.
type Dispatcher struct {
	container Container
	now       func() time.Time

	mu             sync.Mutex
	state          ScrollState
	listeners      []Listener
	bottomHandlers []func()
	// deferred is set when a fetch was deferred since the last idle state.
	deferred bool
}

var _ Listener = (*Dispatcher)(nil)

func newDispatcher(c Container, now func() time.Time) *Dispatcher {
	return &Dispatcher{
		container: c,
		now:       now,
	}
}

// AddListener adds a listener. Events are forwarded in the order listeners were added.
func (d *Dispatcher) AddListener(l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.listeners = append(d.listeners, l)
}

// OnScrolledBottom adds a handler called when the container stops with its last
// item visible.
func (d *Dispatcher) OnScrolledBottom(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.bottomHandlers = append(d.bottomHandlers, fn)
}

func (d *Dispatcher) State() ScrollState {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.state
}

func (d *Dispatcher) OnScroll(first, visible, total int) {
	now := d.now()

	d.mu.Lock()
	if !d.state.LastEvent.IsZero() {
		if dt := now.Sub(d.state.LastEvent); dt > 0 {
			d.state.Velocity = math.Abs(float64(first-d.state.First)) / dt.Seconds()
		}
	}
	d.state.LastEvent = now
	d.state.First = first
	d.state.Visible = visible
	d.state.Total = total

	listeners := d.listeners
	d.mu.Unlock()

	for _, l := range listeners {
		l.OnScroll(first, visible, total)
	}
}

func (d *Dispatcher) OnScrollStateChanged(state State) {
	d.mu.Lock()
	d.state.State = state
	d.state.LastEvent = d.now()

	var (
		notify   bool
		onBottom []func()
	)
	if state == StateIdle {
		d.state.Velocity = 0

		notify = d.deferred
		d.deferred = false

		if s := d.state; s.Total > 0 && s.First+s.Visible >= s.Total {
			onBottom = d.bottomHandlers
		}
	}

	listeners := d.listeners
	d.mu.Unlock()

	for _, l := range listeners {
		l.OnScrollStateChanged(state)
	}
	for _, fn := range onBottom {
		fn()
	}
	if notify {
		d.container.NotifyDataChanged()
	}
}

func (d *Dispatcher) markDeferred() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.deferred = true
}
