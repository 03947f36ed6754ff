package registry

import (
	"sync"
	"weak"

	"github.com/google/uuid"

	"github.com/ShoshinNikita/rload/rload"
)

type handler struct {
	id uuid.UUID
	// call returns false if the target is unreachable.
	call func(rload.Outcome) bool
}

// Handlers dispatches outcomes to named handlers. Handlers reference their targets
// weakly, so registration doesn't prolong the target's life.
type Handlers struct {
	mu       sync.Mutex
	handlers map[string]handler
}

func NewHandlers() *Handlers {
	return &Handlers{
		handlers: make(map[string]handler),
	}
}

// Register binds fn to the target under the name, replacing the previous handler.
// fn must not capture the target, it receives it as the first argument.
func Register[T any](h *Handlers, name string, target *T, fn func(*T, rload.Outcome)) {
	call := Weak(target, fn)

	h.mu.Lock()
	h.handlers[name] = handler{
		id:   uuid.New(),
		call: call,
	}
	h.mu.Unlock()
}

// Dispatch calls the handler registered under the name. It returns false and
// removes the handler if its target is unreachable.
func (h *Handlers) Dispatch(name string, outcome rload.Outcome) bool {
	h.mu.Lock()
	hd, ok := h.handlers[name]
	h.mu.Unlock()

	if !ok {
		return false
	}
	if hd.call(outcome) {
		return true
	}

	h.mu.Lock()
	if cur, ok := h.handlers[name]; ok && cur.id == hd.id {
		delete(h.handlers, name)
	}
	h.mu.Unlock()

	return false
}

func (h *Handlers) Unregister(name string) {
	h.mu.Lock()
	delete(h.handlers, name)
	h.mu.Unlock()
}

// Callback returns a request callback that dispatches outcomes to the handler.
func (h *Handlers) Callback(name string) rload.Callback {
	return func(outcome rload.Outcome) {
		h.Dispatch(name, outcome)
	}
}

// Weak returns a function that calls fn with the target while the target is
// reachable. The returned function reports whether fn was called.
func Weak[T any](target *T, fn func(*T, rload.Outcome)) func(rload.Outcome) bool {
	p := weak.Make(target)

	return func(outcome rload.Outcome) bool {
		t := p.Value()
		if t == nil {
			return false
		}
		fn(t, outcome)
		return true
	}
}
