// Package binder applies outcomes of requests to slots. An outcome is applied only
// if the slot still belongs to the request.
package binder

import (
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/ShoshinNikita/rload/pkg/metrics"
	"github.com/ShoshinNikita/rload/pkg/rlog"
	"github.com/ShoshinNikita/rload/registry"
	"github.com/ShoshinNikita/rload/rload"
)

// Ticket is a claim of a request for its slot.
type Ticket struct {
	req   rload.Request
	token rload.Token

	dialog registry.Tracked

	finished atomic.Bool
}

func (t *Ticket) Request() rload.Request {
	return t.req
}

func (t *Ticket) Token() rload.Token {
	return t.token
}

type Binder struct {
	dialogs *registry.Dialogs

	// slotMu guards claims and applies of slots not allocated by a [SlotTable].
	slotMu sync.Mutex

	mu sync.Mutex
	// progressOwners maps a comparable progress indicator to the last ticket
	// that showed it.
	progressOwners map[rload.Progress]*Ticket
}

// NewBinder creates a new binder. Dialogs of requests are tracked in the registry,
// it can be nil.
func NewBinder(dialogs *registry.Dialogs) *Binder {
	return &Binder{
		dialogs:        dialogs,
		progressOwners: make(map[rload.Progress]*Ticket),
	}
}

// guardedSlot is implemented by [Slot].
type guardedSlot interface {
	claim(src rload.SourceID, fn func()) rload.Token
	applyIf(token rload.Token, fn func()) bool
}

// Claim makes the slot of the request belong to it: outcomes of previous requests
// for the slot will be dropped. It applies the preset and shows the progress
// indicator or the dialog.
func (b *Binder) Claim(req rload.Request) *Ticket {
	ticket := &Ticket{req: req}

	if slot := req.Slot; slot != nil {
		applyPreset := func() {
			if !req.Preset.IsZero() {
				slot.ApplyFallback(req.Preset)
			}
		}

		if g, ok := slot.(guardedSlot); ok {
			ticket.token = g.claim(req.Source, applyPreset)
		} else {
			b.slotMu.Lock()
			ticket.token = rload.Token{
				Generation: slot.Token().Generation + 1,
				Source:     req.Source,
			}
			slot.SetToken(ticket.token)
			applyPreset()
			b.slotMu.Unlock()
		}
	}

	switch {
	case req.Progress != nil:
		if trackable(req.Progress) {
			b.mu.Lock()
			b.progressOwners[req.Progress] = ticket
			b.mu.Unlock()
		}

		req.Progress.Show()

	case req.Dialog != nil:
		if b.dialogs == nil {
			if err := req.Dialog.Show(); err != nil {
				rlog.Debugf("couldn't show dialog for %q: %s", req.Source, err)
			}
			break
		}

		tracked, err := b.dialogs.Show(req.Dialog)
		if err != nil {
			rlog.Debugf("couldn't show dialog for %q: %s", req.Source, err)
		}
		ticket.dialog = tracked
	}

	return ticket
}

// Bind applies the outcome to the slot of the ticket. If the slot was claimed by
// another request, nothing is applied and [rload.ErrStaleBinding] is returned.
//
// Only the first call for a ticket has any effect.
func (b *Binder) Bind(ticket *Ticket, outcome rload.Outcome) error {
	if !ticket.finished.CompareAndSwap(false, true) {
		return nil
	}

	req := ticket.req

	if req.Slot != nil {
		applied := b.applyIf(req.Slot, ticket.token, func() {
			switch {
			case outcome.OK():
				req.Slot.Apply(outcome.Result)
				if req.Animation != nil && outcome.From != rload.FromMemory {
					req.Animation.Animate()
				}

			case !req.Fallback.IsZero():
				metrics.BinderFallbacks.Inc()
				req.Slot.ApplyFallback(req.Fallback)
			}
		})
		if !applied {
			metrics.BinderStaleBindings.Inc()
			rlog.Debugf("drop outcome for %q: slot was claimed by another request", req.Source)

			b.release(ticket)
			return rload.ErrStaleBinding
		}
	}

	b.release(ticket)

	if req.Callback != nil {
		req.Callback(outcome)
	}
	return nil
}

// Release hides the progress indicator and dismisses the dialog of the ticket
// without binding. Subsequent Bind calls have no effect.
func (b *Binder) Release(ticket *Ticket) {
	if !ticket.finished.CompareAndSwap(false, true) {
		return
	}
	b.release(ticket)
}

// applyIf calls fn if the slot still has the token. Claims of the slot wait
// for fn to return.
func (b *Binder) applyIf(slot rload.Slot, token rload.Token, fn func()) bool {
	if g, ok := slot.(guardedSlot); ok {
		return g.applyIf(token, fn)
	}

	b.slotMu.Lock()
	defer b.slotMu.Unlock()

	if slot.Token() != token {
		return false
	}
	fn()
	return true
}

// trackable reports whether p can be used as a map key.
func trackable(p rload.Progress) bool {
	return reflect.TypeOf(p).Comparable()
}

func (b *Binder) release(ticket *Ticket) {
	if p := ticket.req.Progress; p != nil {
		owner := true
		if trackable(p) {
			b.mu.Lock()
			owner = b.progressOwners[p] == ticket
			if owner {
				delete(b.progressOwners, p)
			}
			b.mu.Unlock()
		}

		if owner {
			p.Hide()
		}
	}

	if d := ticket.req.Dialog; d != nil {
		var err error
		if b.dialogs != nil {
			err = b.dialogs.Dismiss(ticket.dialog)
		} else {
			err = d.Dismiss()
		}
		if err != nil {
			rlog.Debugf("couldn't dismiss dialog for %q: %s", ticket.req.Source, err)
		}
	}
}
