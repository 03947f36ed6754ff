package scroll

import (
	"time"

	"github.com/ShoshinNikita/rload/pkg/metrics"
	"github.com/ShoshinNikita/rload/pkg/rlog"
	"github.com/ShoshinNikita/rload/rload"
)

const DefaultSettleWindow = 300 * time.Millisecond

type MemoryChecker interface {
	ContainsSource(src rload.SourceID) bool
}

type DiskChecker interface {
	Fresh(src rload.SourceID, expiry time.Duration) bool
}

type Options struct {
	// SettleWindow is the time without scroll events after which scrolling is
	// considered settled. Default is [DefaultSettleWindow].
	SettleWindow time.Duration
	// DiskExpiry is the max age of persistent entries considered as hits. 0 means
	// entries never expire.
	DiskExpiry time.Duration

	// Now is used in tests.
	Now func() time.Time
}

type Tracker struct {
	memory MemoryChecker
	disk   DiskChecker

	settleWindow time.Duration
	diskExpiry   time.Duration
	now          func() time.Time
}

// NewTracker creates a new tracker. Both checkers can be nil.
func NewTracker(memory MemoryChecker, disk DiskChecker, opts Options) *Tracker {
	if opts.SettleWindow <= 0 {
		opts.SettleWindow = DefaultSettleWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Tracker{
		memory:       memory,
		disk:         disk,
		settleWindow: opts.SettleWindow,
		diskExpiry:   opts.DiskExpiry,
		now:          opts.Now,
	}
}

// Install installs a dispatcher on the container. An existing dispatcher is reused,
// any other listener is replaced.
func (t *Tracker) Install(c Container) *Dispatcher {
	l := c.ScrollListener()
	if d, ok := l.(*Dispatcher); ok {
		return d
	}
	if l != nil {
		rlog.Debugf("replace scroll listener %T with dispatcher", l)
	}

	d := newDispatcher(c, t.now)
	c.SetScrollListener(d)
	return d
}

// Scrolled adds the listener to the dispatcher of the container.
func (t *Tracker) Scrolled(c Container, l Listener) {
	t.Install(c).AddListener(l)
}

// ScrolledBottom adds a handler called when the container stops at the bottom.
func (t *Tracker) ScrolledBottom(c Container, fn func()) {
	t.Install(c).OnScrolledBottom(fn)
}

// ShouldDefer reports whether the fetch of the source should be deferred because
// the container is scrolled fast. Zero threshold means deferring during fling
// regardless of velocity.
//
// Memory hits are never deferred. Fresh persistent entries are not deferred only
// when checkDisk is true.
//
// When a fetch is deferred, the container is notified to rebind its items once
// scrolling stops.
func (t *Tracker) ShouldDefer(c Container, src rload.SourceID, threshold float64, checkDisk bool) bool {
	if t.memory != nil && t.memory.ContainsSource(src) {
		return false
	}
	if checkDisk && t.disk != nil && t.disk.Fresh(src, t.diskExpiry) {
		return false
	}

	d := t.Install(c)
	state := d.State()

	if state.State == StateIdle || t.now().Sub(state.LastEvent) > t.settleWindow {
		return false
	}

	var shouldDefer bool
	if threshold == 0 {
		shouldDefer = state.State == StateFling
	} else {
		shouldDefer = state.Velocity > threshold
	}

	if shouldDefer {
		d.markDeferred()
		metrics.ScrollDeferrals.Inc()
	}
	return shouldDefer
}
