package binder

import (
	"sync"

	"github.com/ShoshinNikita/rload/rload"
)

// SlotTable is an arena of slot tokens. Every claim of a slot increments its
// generation, so results of previous requests can be detected and dropped.
type SlotTable struct {
	mu     sync.Mutex
	tokens []rload.Token
	free   []int
}

func NewSlotTable() *SlotTable {
	return &SlotTable{}
}

// NewSlot allocates a slot for the applier.
func (t *SlotTable) NewSlot(applier rload.Applier) *Slot {
	t.mu.Lock()
	defer t.mu.Unlock()

	var index int
	if n := len(t.free); n > 0 {
		index = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		index = len(t.tokens)
		t.tokens = append(t.tokens, rload.Token{})
	}

	return &Slot{
		table:   t,
		index:   index,
		Applier: applier,
	}
}

func (t *SlotTable) token(index int) rload.Token {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.tokens[index]
}

func (t *SlotTable) setToken(index int, token rload.Token) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.tokens[index] = token
}

func (t *SlotTable) advance(index int, src rload.SourceID) rload.Token {
	t.mu.Lock()
	defer t.mu.Unlock()

	token := rload.Token{
		Generation: t.tokens[index].Generation + 1,
		Source:     src,
	}
	t.tokens[index] = token
	return token
}

func (t *SlotTable) release(index int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Keep the generation: the next owner of the index continues from it.
	t.tokens[index].Generation++
	t.tokens[index].Source = ""
	t.free = append(t.free, index)
}

// Len returns the number of allocated slots.
func (t *SlotTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.tokens) - len(t.free)
}

// Slot is a handle of a slot in [SlotTable]. It implements [rload.Slot].
type Slot struct {
	rload.Applier

	table *SlotTable
	index int

	// applyMu makes "check the token, then apply" atomic with respect to claims.
	applyMu     sync.Mutex
	releaseOnce sync.Once
}

var _ rload.Slot = (*Slot)(nil)

func (s *Slot) Token() rload.Token {
	return s.table.token(s.index)
}

func (s *Slot) SetToken(token rload.Token) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	s.table.setToken(s.index, token)
}

// Advance starts a new generation of the slot.
func (s *Slot) Advance(src rload.SourceID) rload.Token {
	return s.claim(src, nil)
}

// claim starts a new generation and calls fn before any result can be applied
// to the slot.
func (s *Slot) claim(src rload.SourceID, fn func()) rload.Token {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	token := s.table.advance(s.index, src)
	if fn != nil {
		fn()
	}
	return token
}

// applyIf calls fn only if the slot still has the token. The slot can't be
// claimed while fn runs.
func (s *Slot) applyIf(token rload.Token, fn func()) bool {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	if s.table.token(s.index) != token {
		return false
	}
	fn()
	return true
}

// Recycle drops results of all requests submitted for the slot so far. It must be
// called when the widget is reused for other content.
func (s *Slot) Recycle() {
	s.Advance("")
}

// Release returns the slot to the table. Results of pending requests are dropped.
// The slot must not be used after release.
func (s *Slot) Release() {
	s.releaseOnce.Do(func() {
		s.applyMu.Lock()
		defer s.applyMu.Unlock()

		s.table.release(s.index)
	})
}
