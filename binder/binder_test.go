package binder

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ShoshinNikita/rload/pkg/testutil"
	"github.com/ShoshinNikita/rload/registry"
	"github.com/ShoshinNikita/rload/rload"
)

func result(v string) rload.Result {
	return rload.Result{Value: v, Weight: int64(len(v))}
}

func TestSlotTable(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	table := NewSlotTable()
	s1 := table.NewSlot(&testutil.Applier{})
	s2 := table.NewSlot(&testutil.Applier{})
	r.Equal(2, table.Len())

	r.Equal(rload.Token{}, s1.Token())

	token := s1.Advance("a.png")
	r.Equal(rload.Token{Generation: 1, Source: "a.png"}, token)
	r.Equal(token, s1.Token())
	r.Equal(rload.Token{}, s2.Token())

	s1.Recycle()
	r.Equal(rload.Token{Generation: 2}, s1.Token())

	s1.SetToken(rload.Token{Generation: 10, Source: "b.png"})
	r.Equal(uint64(10), s1.Token().Generation)

	// Released index is reused, its generation keeps growing.
	s1.Release()
	s1.Release()
	r.Equal(1, table.Len())

	s3 := table.NewSlot(&testutil.Applier{})
	r.Equal(2, table.Len())
	r.Equal(uint64(11), s3.Token().Generation)
	r.Equal(uint64(12), s3.Advance("c.png").Generation)
	r.NotEqual(token, s3.Token())
}

func TestBinder(t *testing.T) {
	t.Parallel()

	type env struct {
		binder  *Binder
		dialogs *registry.Dialogs
		applier *testutil.Applier
		slot    *Slot
	}
	newEnv := func() env {
		dialogs := registry.NewDialogs()
		applier := &testutil.Applier{}
		return env{
			binder:  NewBinder(dialogs),
			dialogs: dialogs,
			applier: applier,
			slot:    NewSlotTable().NewSlot(applier),
		}
	}

	t.Run("success", func(t *testing.T) {
		r := require.New(t)

		e := newEnv()
		var (
			progress  = &testutil.Progress{}
			animation = &testutil.Animation{}
			outcomes  = &testutil.Outcomes{}
		)

		ticket := e.binder.Claim(rload.Request{
			Source:    "a.png",
			Slot:      e.slot,
			Preset:    result("preset"),
			Progress:  progress,
			Animation: animation,
			Callback:  outcomes.Callback,
		})
		r.Equal(rload.Token{Generation: 1, Source: "a.png"}, ticket.Token())
		r.Equal("preset", e.applier.Last())
		r.True(progress.Visible())

		err := e.binder.Bind(ticket, rload.SuccessOutcome(result("a"), rload.FromNetwork))
		r.NoError(err)
		r.Equal([]rload.Result{result("a")}, e.applier.Applied())
		r.Equal(1, animation.Calls())
		r.Equal(1, progress.Hides())
		r.Equal(1, outcomes.Len())

		// Only the first bind has effect.
		err = e.binder.Bind(ticket, rload.SuccessOutcome(result("b"), rload.FromNetwork))
		r.NoError(err)
		e.binder.Release(ticket)
		r.Len(e.applier.Applied(), 1)
		r.Equal(1, progress.Hides())
		r.Equal(1, outcomes.Len())
	})

	t.Run("no animation for memory hits", func(t *testing.T) {
		r := require.New(t)

		e := newEnv()
		animation := &testutil.Animation{}

		ticket := e.binder.Claim(rload.Request{Source: "a.png", Slot: e.slot, Animation: animation})
		r.NoError(e.binder.Bind(ticket, rload.SuccessOutcome(result("a"), rload.FromMemory)))
		r.Equal("a", e.applier.Last())
		r.Zero(animation.Calls())
	})

	t.Run("failure", func(t *testing.T) {
		r := require.New(t)

		e := newEnv()
		progress := &testutil.Progress{}

		// With fallback.
		ticket := e.binder.Claim(rload.Request{
			Source:   "a.png",
			Slot:     e.slot,
			Preset:   result("preset"),
			Fallback: result("fallback"),
			Progress: progress,
		})
		r.NoError(e.binder.Bind(ticket, rload.FailedOutcome(rload.ErrTransport)))
		r.Equal("fallback", e.applier.Last())
		r.Empty(e.applier.Applied())
		r.Equal(1, progress.Hides())

		// Without fallback the preset is left.
		ticket = e.binder.Claim(rload.Request{
			Source:   "b.png",
			Slot:     e.slot,
			Preset:   result("preset"),
			Progress: progress,
		})
		r.NoError(e.binder.Bind(ticket, rload.FailedOutcome(rload.ErrDecode)))
		r.Equal("preset", e.applier.Last())
		r.Equal(2, progress.Hides())
		r.False(progress.Visible())
	})

	t.Run("stale binding", func(t *testing.T) {
		r := require.New(t)

		e := newEnv()
		var (
			progress = &testutil.Progress{}
			outcomes = &testutil.Outcomes{}
		)

		ticketX := e.binder.Claim(rload.Request{
			Source:   "x.png",
			Slot:     e.slot,
			Progress: progress,
			Callback: outcomes.Callback,
		})
		// The slot is reused for "y" before "x" is loaded.
		ticketY := e.binder.Claim(rload.Request{
			Source:   "y.png",
			Slot:     e.slot,
			Progress: progress,
		})
		r.Equal(2, progress.Shows())

		r.NoError(e.binder.Bind(ticketY, rload.SuccessOutcome(result("y"), rload.FromNetwork)))
		r.Equal(1, progress.Hides())

		err := e.binder.Bind(ticketX, rload.SuccessOutcome(result("x"), rload.FromNetwork))
		r.ErrorIs(err, rload.ErrStaleBinding)
		r.Equal([]rload.Result{result("y")}, e.applier.Applied())
		r.Zero(outcomes.Len())
		// The progress indicator belongs to "y" and was already hidden.
		r.Equal(1, progress.Hides())
	})

	t.Run("stale binding while the new request is pending", func(t *testing.T) {
		r := require.New(t)

		e := newEnv()
		progress := &testutil.Progress{}

		ticketX := e.binder.Claim(rload.Request{Source: "x.png", Slot: e.slot, Progress: progress})
		e.binder.Claim(rload.Request{Source: "y.png", Slot: e.slot, Preset: result("pending"), Progress: progress})

		err := e.binder.Bind(ticketX, rload.SuccessOutcome(result("x"), rload.FromNetwork))
		r.ErrorIs(err, rload.ErrStaleBinding)
		r.Equal("pending", e.applier.Last())
		r.Empty(e.applier.Applied())
		// "y" still owns the progress indicator.
		r.True(progress.Visible())
	})

	t.Run("recycled slot", func(t *testing.T) {
		r := require.New(t)

		e := newEnv()
		progress := &testutil.Progress{}

		ticket := e.binder.Claim(rload.Request{Source: "x.png", Slot: e.slot, Progress: progress})
		e.slot.Recycle()

		err := e.binder.Bind(ticket, rload.SuccessOutcome(result("x"), rload.FromNetwork))
		r.ErrorIs(err, rload.ErrStaleBinding)
		r.Empty(e.applier.Applied())
		// Nobody else owns the progress indicator.
		r.False(progress.Visible())
	})

	t.Run("dialog", func(t *testing.T) {
		r := require.New(t)

		e := newEnv()
		dialog := &testutil.Dialog{DismissErr: errors.New("already closed")}

		ticket := e.binder.Claim(rload.Request{Source: "a.png", Slot: e.slot, Dialog: dialog})
		r.Equal(1, dialog.Shows())
		r.Equal(1, e.dialogs.Len())

		r.NoError(e.binder.Bind(ticket, rload.SuccessOutcome(result("a"), rload.FromDisk)))
		r.Equal(1, dialog.Dismisses())
		r.Equal(0, e.dialogs.Len())
	})

	t.Run("dialog without registry", func(t *testing.T) {
		r := require.New(t)

		b := NewBinder(nil)
		dialog := &testutil.Dialog{}

		ticket := b.Claim(rload.Request{Source: "a.png", Dialog: dialog})
		b.Release(ticket)
		r.Equal(1, dialog.Shows())
		r.Equal(1, dialog.Dismisses())
	})

	t.Run("release", func(t *testing.T) {
		r := require.New(t)

		e := newEnv()
		var (
			progress = &testutil.Progress{}
			dialog   = &testutil.Dialog{}
			outcomes = &testutil.Outcomes{}
		)

		t1 := e.binder.Claim(rload.Request{Source: "a.png", Progress: progress, Callback: outcomes.Callback})
		t2 := e.binder.Claim(rload.Request{Source: "b.png", Dialog: dialog, Callback: outcomes.Callback})

		e.binder.Release(t1)
		e.binder.Release(t2)
		r.False(progress.Visible())
		r.Equal(1, dialog.Dismisses())

		r.NoError(e.binder.Bind(t1, rload.SuccessOutcome(result("a"), rload.FromNetwork)))
		r.Zero(outcomes.Len())
	})

	t.Run("slot-less request", func(t *testing.T) {
		r := require.New(t)

		e := newEnv()
		outcomes := &testutil.Outcomes{}

		ticket := e.binder.Claim(rload.Request{Source: "a.png", Callback: outcomes.Callback})
		r.Equal(rload.Token{}, ticket.Token())

		r.NoError(e.binder.Bind(ticket, rload.FailedOutcome(rload.ErrTransport)))
		r.Equal(1, outcomes.Len())
		r.False(outcomes.Get()[0].OK())
	})

	t.Run("plain slot", func(t *testing.T) {
		r := require.New(t)

		b := NewBinder(nil)
		slot := &plainSlot{}

		t1 := b.Claim(rload.Request{Source: "a.png", Slot: slot})
		t2 := b.Claim(rload.Request{Source: "b.png", Slot: slot})
		r.Equal(uint64(2), t2.Token().Generation)

		r.ErrorIs(b.Bind(t1, rload.SuccessOutcome(result("a"), rload.FromNetwork)), rload.ErrStaleBinding)
		r.NoError(b.Bind(t2, rload.SuccessOutcome(result("b"), rload.FromNetwork)))
		r.Equal("b", slot.Last())
	})
}

func TestBinder_ClaimDuringBind(t *testing.T) {
	t.Parallel()

	t.Run("table slot", func(t *testing.T) {
		t.Parallel()

		r := require.New(t)

		applier := &blockingApplier{
			entered: make(chan struct{}),
			gate:    make(chan struct{}),
		}
		b := NewBinder(nil)
		slot := NewSlotTable().NewSlot(applier)

		ticketX := b.Claim(rload.Request{Source: "x.png", Slot: slot})

		bindErrCh := make(chan error, 1)
		go func() {
			bindErrCh <- b.Bind(ticketX, rload.SuccessOutcome(result("x"), rload.FromNetwork))
		}()
		<-applier.entered

		claimCh := make(chan *Ticket, 1)
		go func() {
			claimCh <- b.Claim(rload.Request{Source: "y.png", Slot: slot, Preset: result("y-preset")})
		}()

		select {
		case <-claimCh:
			r.FailNow("claim must wait for the apply in progress")
		case <-time.After(50 * time.Millisecond):
		}

		close(applier.gate)
		r.NoError(<-bindErrCh)

		ticketY := <-claimCh
		r.Equal(ticketY.Token(), slot.Token())
		r.Equal("y-preset", applier.Last())
	})

	t.Run("plain slot", func(t *testing.T) {
		t.Parallel()

		r := require.New(t)

		b := NewBinder(nil)
		slot := &hookSlot{}

		ticketX := b.Claim(rload.Request{Source: "x.png", Slot: slot})

		claimCh := make(chan *Ticket, 1)
		slot.onToken = func() {
			// The claim gets a chance to run between the token check and the apply.
			go func() {
				claimCh <- b.Claim(rload.Request{Source: "y.png", Slot: slot, Preset: result("y-preset")})
			}()
			time.Sleep(20 * time.Millisecond)
		}

		r.NoError(b.Bind(ticketX, rload.SuccessOutcome(result("x"), rload.FromNetwork)))

		ticketY := <-claimCh
		r.Equal(rload.Token{Generation: 2, Source: "y.png"}, ticketY.Token())
		r.Equal(ticketY.Token(), slot.Token())
		r.Equal("y-preset", slot.Last())
	})
}

func TestBinder_NonComparableProgress(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	var shows, hides int
	progress := progressFuncs{
		show: func() { shows++ },
		hide: func() { hides++ },
	}

	b := NewBinder(nil)
	slot := NewSlotTable().NewSlot(&testutil.Applier{})

	t1 := b.Claim(rload.Request{Source: "a.png", Slot: slot, Progress: progress})
	t2 := b.Claim(rload.Request{Source: "b.png", Slot: slot, Progress: progress})
	r.Equal(2, shows)

	r.ErrorIs(b.Bind(t1, rload.SuccessOutcome(result("a"), rload.FromNetwork)), rload.ErrStaleBinding)
	r.NoError(b.Bind(t2, rload.SuccessOutcome(result("b"), rload.FromNetwork)))
	r.Equal(2, hides)
}

// blockingApplier blocks the first Apply call until gate is closed.
type blockingApplier struct {
	testutil.Applier

	once    sync.Once
	entered chan struct{}
	gate    chan struct{}
}

func (a *blockingApplier) Apply(res rload.Result) {
	a.once.Do(func() {
		close(a.entered)
		<-a.gate
	})
	a.Applier.Apply(res)
}

// hookSlot calls onToken once on the next token read.
type hookSlot struct {
	plainSlot

	onToken func()
}

func (s *hookSlot) Token() rload.Token {
	if fn := s.onToken; fn != nil {
		s.onToken = nil
		fn()
	}
	return s.plainSlot.Token()
}

// progressFuncs is not comparable.
type progressFuncs struct {
	show, hide func()
}

func (p progressFuncs) Show() { p.show() }
func (p progressFuncs) Hide() { p.hide() }

// plainSlot keeps its token itself.
type plainSlot struct {
	testutil.Applier

	token rload.Token
}

func (s *plainSlot) Token() rload.Token     { return s.token }
func (s *plainSlot) SetToken(t rload.Token) { s.token = t }
