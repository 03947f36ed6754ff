// Package testutil contains fakes of the pipeline collaborators shared by tests.
package testutil

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ShoshinNikita/rload/rload"
)

// PNG returns an encoded image filled with the color.
func PNG(t testing.TB, width, height int, c color.Color) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := range width {
		for y := range height {
			img.Set(x, y, c)
		}
	}

	buf := bytes.NewBuffer(nil)
	if err := png.Encode(buf, img); err != nil {
		t.Fatalf("couldn't encode png: %s", err)
	}
	return buf.Bytes()
}

// Transport is a fake transport that serves data from a map and counts calls.
// If Gate is not nil, every fetch waits until it is closed.
type Transport struct {
	Gate chan struct{}
	// Started receives a source every time a fetch starts, if not nil.
	Started chan rload.SourceID

	mu    sync.Mutex
	data  map[rload.SourceID][]byte
	errs  map[rload.SourceID]error
	calls map[rload.SourceID]int
	total atomic.Int64
}

func NewTransport() *Transport {
	return &Transport{
		data:  make(map[rload.SourceID][]byte),
		errs:  make(map[rload.SourceID]error),
		calls: make(map[rload.SourceID]int),
	}
}

func (t *Transport) Set(src rload.SourceID, data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.data[src] = data
	delete(t.errs, src)
}

func (t *Transport) SetError(src rload.SourceID, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.errs[src] = err
}

func (t *Transport) Fetch(ctx context.Context, src rload.SourceID, _ rload.Authenticator) ([]byte, error) {
	t.total.Add(1)

	t.mu.Lock()
	t.calls[src]++
	t.mu.Unlock()

	if t.Started != nil {
		t.Started <- src
	}
	if t.Gate != nil {
		select {
		case <-t.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.errs[src]; err != nil {
		return nil, err
	}
	data, ok := t.data[src]
	if !ok {
		return nil, errors.New("not found")
	}
	return bytes.Clone(data), nil
}

// Calls returns the number of fetches of the source.
func (t *Transport) Calls(src rload.SourceID) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.calls[src]
}

func (t *Transport) TotalCalls() int {
	return int(t.total.Load())
}

// Decoder returns the fetched bytes as a string. Data "corrupt" can't be decoded.
type Decoder struct {
	calls atomic.Int64
}

func (*Decoder) Kind() string {
	return "text"
}

func (d *Decoder) Decode(data []byte, p rload.Params) (rload.Result, error) {
	d.calls.Add(1)

	if string(data) == "corrupt" {
		return rload.Result{}, errors.New("corrupt data")
	}

	value := string(data)
	if p.TargetWidth > 0 {
		value = value[:min(len(value), p.TargetWidth)]
	}
	return rload.Result{Value: value, Weight: int64(len(value))}, nil
}

func (d *Decoder) Calls() int {
	return int(d.calls.Load())
}

// Applier records applied results.
type Applier struct {
	mu        sync.Mutex
	applied   []rload.Result
	fallbacks []rload.Result
	last      any
}

func (a *Applier) Apply(res rload.Result) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.applied = append(a.applied, res)
	a.last = res.Value
}

func (a *Applier) ApplyFallback(res rload.Result) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.fallbacks = append(a.fallbacks, res)
	a.last = res.Value
}

func (a *Applier) Applied() []rload.Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	return append([]rload.Result(nil), a.applied...)
}

func (a *Applier) Fallbacks() []rload.Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	return append([]rload.Result(nil), a.fallbacks...)
}

// Last returns the value of the last applied result, regular or fallback.
func (a *Applier) Last() any {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.last
}

// Progress counts calls. It is visible after Show until Hide.
type Progress struct {
	shows   atomic.Int64
	hides   atomic.Int64
	visible atomic.Bool
}

func (p *Progress) Show() {
	p.shows.Add(1)
	p.visible.Store(true)
}

func (p *Progress) Hide() {
	p.hides.Add(1)
	p.visible.Store(false)
}

func (p *Progress) Shows() int    { return int(p.shows.Load()) }
func (p *Progress) Hides() int    { return int(p.hides.Load()) }
func (p *Progress) Visible() bool { return p.visible.Load() }

// Dialog counts calls. DismissErr is returned by every Dismiss call.
type Dialog struct {
	DismissErr error

	shows     atomic.Int64
	dismisses atomic.Int64
}

func (d *Dialog) Show() error {
	d.shows.Add(1)
	return nil
}

func (d *Dialog) Dismiss() error {
	d.dismisses.Add(1)
	return d.DismissErr
}

func (d *Dialog) Shows() int     { return int(d.shows.Load()) }
func (d *Dialog) Dismisses() int { return int(d.dismisses.Load()) }

type Animation struct {
	calls atomic.Int64
}

func (a *Animation) Animate()   { a.calls.Add(1) }
func (a *Animation) Calls() int { return int(a.calls.Load()) }

// Outcomes collects outcomes passed to a callback.
type Outcomes struct {
	mu       sync.Mutex
	outcomes []rload.Outcome
}

func (o *Outcomes) Callback(outcome rload.Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.outcomes = append(o.outcomes, outcome)
}

func (o *Outcomes) Get() []rload.Outcome {
	o.mu.Lock()
	defer o.mu.Unlock()

	return append([]rload.Outcome(nil), o.outcomes...)
}

func (o *Outcomes) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return len(o.outcomes)
}
