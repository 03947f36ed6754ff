// Package registry contains registries that don't keep their entries alive.
package registry

import (
	"fmt"
	"reflect"
	"sync"
	"unsafe"
	"weak"

	"github.com/google/uuid"

	"github.com/ShoshinNikita/rload/pkg/rlog"
	"github.com/ShoshinNikita/rload/rload"
)

// Liveness can be implemented by a dialog to report that it can't be dismissed
// anymore, for example, because its screen is gone.
type Liveness interface {
	Alive() bool
}

// Tracked identifies a tracked dialog. The zero value tracks nothing.
type Tracked struct {
	id uuid.UUID
}

func (t Tracked) ID() uuid.UUID {
	return t.id
}

// Dialogs tracks dialogs shown by requests of a single screen. DismissAll must be
// called when the screen is destroyed.
//
// Dialogs of pointer types are referenced weakly: a dialog is skipped once
// nothing else references it. Other dialogs are kept until they are dismissed
// or untracked, implement [Liveness] to skip them.
type Dialogs struct {
	mu      sync.Mutex
	entries map[uuid.UUID]dialogRef
}

// dialogRef returns the dialog or nil if it was garbage collected.
type dialogRef func() rload.Dialog

func NewDialogs() *Dialogs {
	return &Dialogs{
		entries: make(map[uuid.UUID]dialogRef),
	}
}

// Show shows the dialog and tracks it.
func (d *Dialogs) Show(dialog rload.Dialog) (Tracked, error) {
	if err := dialog.Show(); err != nil {
		return Tracked{}, fmt.Errorf("couldn't show dialog: %w", err)
	}
	return d.Track(dialog), nil
}

func (d *Dialogs) Track(dialog rload.Dialog) Tracked {
	t := Tracked{id: uuid.New()}
	ref := makeDialogRef(dialog)

	d.mu.Lock()
	d.entries[t.id] = ref
	d.mu.Unlock()

	return t
}

func (d *Dialogs) Untrack(t Tracked) {
	d.mu.Lock()
	delete(d.entries, t.id)
	d.mu.Unlock()
}

// Dismiss untracks and dismisses the dialog.
func (d *Dialogs) Dismiss(t Tracked) error {
	d.mu.Lock()
	ref, ok := d.entries[t.id]
	delete(d.entries, t.id)
	d.mu.Unlock()

	if !ok {
		// Already dismissed by DismissAll or never tracked.
		return nil
	}

	dialog := ref()
	if dialog == nil || !isAlive(dialog) {
		return nil
	}
	if err := dialog.Dismiss(); err != nil {
		return fmt.Errorf("couldn't dismiss dialog: %w", err)
	}
	return nil
}

// DismissAll dismisses all reachable and alive dialogs and clears the registry.
// Dismissal errors are logged and don't stop the sweep.
func (d *Dialogs) DismissAll() (dismissed int) {
	d.mu.Lock()
	entries := d.entries
	d.entries = make(map[uuid.UUID]dialogRef)
	d.mu.Unlock()

	for id, ref := range entries {
		dialog := ref()
		if dialog == nil || !isAlive(dialog) {
			continue
		}
		if err := dialog.Dismiss(); err != nil {
			rlog.Debugf("couldn't dismiss dialog %s: %s", id, err)
			continue
		}
		dismissed++
	}
	return dismissed
}

// Len returns the number of tracked dialogs including collected ones.
func (d *Dialogs) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.entries)
}

func isAlive(dialog rload.Dialog) bool {
	if l, ok := dialog.(Liveness); ok {
		return l.Alive()
	}
	return true
}

// makeDialogRef references a pointer dialog weakly. The returned function must
// not capture the dialog itself.
func makeDialogRef(dialog rload.Dialog) dialogRef {
	v := reflect.ValueOf(dialog)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Type().Elem().Size() == 0 {
		return func() rload.Dialog { return dialog }
	}

	var (
		typ = v.Type().Elem()
		ptr = weak.Make((*byte)(v.UnsafePointer()))
	)
	return func() rload.Dialog {
		p := ptr.Value()
		if p == nil {
			return nil
		}
		return reflect.NewAt(typ, unsafe.Pointer(p)).Interface().(rload.Dialog)
	}
}
