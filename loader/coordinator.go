// Package loader coordinates fetching, decoding and caching of resources requested
// for slots.
package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ShoshinNikita/rload/binder"
	"github.com/ShoshinNikita/rload/pkg/metrics"
	"github.com/ShoshinNikita/rload/pkg/rlog"
	"github.com/ShoshinNikita/rload/rload"
)

type MemoryCache interface {
	Get(key rload.CacheKey) (rload.Result, bool)
	Put(key rload.CacheKey, res rload.Result) error
	Invalidate(src rload.SourceID) int
	ContainsSource(src rload.SourceID) bool
}

type DiskCache interface {
	Read(src rload.SourceID, expiry time.Duration) ([]byte, error)
	Write(src rload.SourceID, data []byte) error
	Delete(src rload.SourceID) error
	Exists(src rload.SourceID) bool
	Fresh(src rload.SourceID, expiry time.Duration) bool
	Path(src rload.SourceID) string
}

type Options struct {
	WorkersCount int
	// QueueSize is the max number of flights waiting for a worker.
	QueueSize int
	// FetchTimeout limits a single fetch. 0 means no timeout.
	FetchTimeout time.Duration
	// DefaultDecoder is used for requests without decoder.
	DefaultDecoder rload.Decoder
	// Post runs outcome delivery, for example, on the UI goroutine. By default
	// outcomes are delivered on worker goroutines. Memory hits are always delivered
	// on the goroutine that submitted the request.
	Post func(func())
	// SharedDir is the parent dir of files created by MakeSharedFile.
	// The default temp dir is used if empty.
	SharedDir string
}

// Coordinator makes sure there is at most one fetch per source at a time. Requests
// for a source that is already being fetched wait for the fetch in progress.
type Coordinator struct {
	transport rload.Transport
	memory    MemoryCache
	disk      DiskCache
	binder    *binder.Binder

	defaultDecoder rload.Decoder
	fetchTimeout   time.Duration
	post           func(func())
	sharedDir      string

	workersCount int

	// mu guards inProgress and the channel close.
	mu         sync.Mutex
	tasksCh    chan *flight
	inProgress map[rload.SourceID]*flight

	cachedResults singleflight.Group

	stopped       atomic.Bool
	workersDoneCh chan struct{}
}

// flight is a single fetch of a source shared by all its waiters.
type flight struct {
	src rload.SourceID
	// owner is the request that started the flight. Its expiry, auth and transformer
	// are used for the fetch.
	owner rload.Request

	// Fields below are guarded by Coordinator.mu.
	waiters   []*waiter
	fileCache bool
	cancelled bool
}

type waiter struct {
	req     rload.Request
	ticket  *binder.Ticket
	key     rload.CacheKey
	decoder rload.Decoder
	// done is not nil for synchronous requests.
	done chan rload.Outcome
}

func NewCoordinator(
	transport rload.Transport, memory MemoryCache, disk DiskCache, b *binder.Binder, opts Options,
) (*Coordinator, error) {

	if transport == nil || memory == nil || disk == nil || b == nil {
		return nil, errors.New("transport, caches and binder are required")
	}
	if opts.WorkersCount <= 0 {
		return nil, errors.New("workers count must be > 0")
	}
	if opts.QueueSize <= 0 {
		return nil, errors.New("queue size must be > 0")
	}

	c := &Coordinator{
		transport: transport,
		memory:    memory,
		disk:      disk,
		binder:    b,
		//
		defaultDecoder: opts.DefaultDecoder,
		fetchTimeout:   opts.FetchTimeout,
		post:           opts.Post,
		sharedDir:      opts.SharedDir,
		//
		workersCount: opts.WorkersCount,
		//
		tasksCh:    make(chan *flight, opts.QueueSize),
		inProgress: make(map[rload.SourceID]*flight),
		//
		workersDoneCh: make(chan struct{}),
	}

	go c.startWorkers()

	return c, nil
}

// Submit starts loading of the request. It returns an error only if the request is
// malformed or the coordinator is shut down: all other failures are delivered as
// outcomes. Submit never blocks.
func (c *Coordinator) Submit(req rload.Request) error {
	return c.submit(req, nil)
}

// Sync submits the request and blocks until its outcome is delivered or the context
// is done. It must not be called from the goroutine that runs [Options.Post].
func (c *Coordinator) Sync(ctx context.Context, req rload.Request) (rload.Outcome, error) {
	done := make(chan rload.Outcome, 1)
	if err := c.submit(req, done); err != nil {
		return rload.Outcome{}, err
	}

	select {
	case outcome := <-done:
		return outcome, nil
	case <-ctx.Done():
		return rload.Outcome{}, ctx.Err()
	}
}

func (c *Coordinator) submit(req rload.Request, done chan rload.Outcome) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if req.Decoder == nil {
		req.Decoder = c.defaultDecoder
	}
	if req.Decoder == nil {
		return fmt.Errorf("%w: no decoder", rload.ErrMalformedRequest)
	}
	if c.stopped.Load() {
		return rload.ErrShutdown
	}

	w := &waiter{
		req:     req,
		ticket:  c.binder.Claim(req),
		key:     rload.NewCacheKey(req.Source, req.Decoder.Kind(), req.Params),
		decoder: req.Decoder,
		done:    done,
	}

	if req.MemCache {
		if res, ok := c.memory.Get(w.key); ok {
			metrics.LoaderSubmissions.WithLabelValues("memory").Inc()

			c.finish(w, rload.SuccessOutcome(res, rload.FromMemory))
			return nil
		}
	}

	c.mu.Lock()

	if c.stopped.Load() {
		c.mu.Unlock()

		c.binder.Release(w.ticket)
		return rload.ErrShutdown
	}

	if f, ok := c.inProgress[req.Source]; ok {
		f.waiters = append(f.waiters, w)
		f.fileCache = f.fileCache || req.FileCache
		c.mu.Unlock()

		metrics.LoaderSubmissions.WithLabelValues("shared").Inc()
		return nil
	}

	f := &flight{
		src:       req.Source,
		owner:     req,
		waiters:   []*waiter{w},
		fileCache: req.FileCache,
	}

	var queued bool
	select {
	case c.tasksCh <- f:
		queued = true
		c.inProgress[req.Source] = f
	default:
	}
	metrics.LoaderInFlight.Set(float64(len(c.inProgress)))

	c.mu.Unlock()

	if !queued {
		rlog.Warnf("fetch queue is full, drop request for %q", req.Source)

		c.deliver(w, rload.FailedOutcome(rload.ErrQueueFull))
		return nil
	}

	metrics.LoaderSubmissions.WithLabelValues("flight").Inc()
	return nil
}

func (c *Coordinator) startWorkers() {
	var wg sync.WaitGroup
	for range c.workersCount {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for f := range c.tasksCh {
				c.processFlight(f)
			}
		}()
	}
	wg.Wait()

	close(c.workersDoneCh)
}

func (c *Coordinator) processFlight(f *flight) {
	c.mu.Lock()
	cancelled := f.cancelled
	readDisk := f.fileCache
	c.mu.Unlock()

	if cancelled {
		rlog.Debugf("skip cancelled fetch of %q", f.src)
		return
	}

	now := time.Now()
	data, from, err := c.fetch(f, readDisk)
	dur := time.Since(now)

	metrics.LoaderFlightDuration.Observe(dur.Seconds())

	if err != nil {
		rlog.Debugf("couldn't load %q: %s", f.src, err)
	} else {
		rlog.Debugf("%q was loaded from %s in %s, size: %d", f.src, from, dur, len(data))
	}

	// The flight stays in progress until the caches are written: requests submitted
	// in the meantime join it instead of starting a new fetch.
	var wroteDisk bool
	writeDisk := func() {
		c.mu.Lock()
		write := f.fileCache
		c.mu.Unlock()

		if err != nil || from != rload.FromNetwork || !write || wroteDisk {
			return
		}
		wroteDisk = true

		if err := c.disk.Write(f.src, data); err != nil {
			// The outcome is still delivered.
			rlog.Errorf("couldn't write %q to persistent cache: %s", f.src, err)
		}
	}
	writeDisk()

	var (
		outcomes = make(map[rload.CacheKey]rload.Outcome, 1)
		cached   = make(map[rload.CacheKey]bool, 1)
	)
	for {
		c.mu.Lock()
		waiters := f.waiters
		f.waiters = nil
		cancelled = f.cancelled
		if len(waiters) == 0 || cancelled {
			if c.inProgress[f.src] == f {
				delete(c.inProgress, f.src)
			}
			metrics.LoaderInFlight.Set(float64(len(c.inProgress)))
		}
		c.mu.Unlock()

		if cancelled {
			rlog.Debugf("fetch of %q was cancelled after %s, drop the outcome", f.src, dur)
			return
		}
		if len(waiters) == 0 {
			break
		}

		for _, w := range waiters {
			if err != nil {
				c.deliver(w, rload.FailedOutcome(err))
				continue
			}

			outcome, ok := outcomes[w.key]
			if !ok {
				outcome = c.decode(w, data, from)
				outcomes[w.key] = outcome
			}

			if outcome.OK() && w.req.MemCache && !cached[w.key] {
				cached[w.key] = true

				if err := c.memory.Put(w.key, outcome.Result); err != nil {
					rlog.Debugf("couldn't put %q to memory cache: %s", w.key, err)
				}
			}

			c.deliver(w, outcome)
		}
	}

	// Waiters that joined after the first write may have asked for file caching.
	writeDisk()
}

func (c *Coordinator) fetch(f *flight, readDisk bool) (data []byte, from rload.Origin, err error) {
	if readDisk {
		data, err := c.disk.Read(f.src, f.owner.Expiry)
		if err == nil {
			return data, rload.FromDisk, nil
		}
		if !errors.Is(err, rload.ErrCacheMiss) {
			rlog.Warnf("couldn't read %q from persistent cache: %s", f.src, err)
		}
	}

	ctx := context.Background()
	if c.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.fetchTimeout)
		defer cancel()
	}

	data, err = c.transport.Fetch(ctx, f.src, f.owner.Auth)
	if err != nil {
		return nil, rload.FromNone, fmt.Errorf("%w: %w", rload.ErrTransport, err)
	}
	metrics.LoaderFetchedSizes.Observe(float64(len(data)))

	if t := f.owner.Transformer; t != nil {
		data, err = t.Transform(f.src, data)
		if err != nil {
			return nil, rload.FromNone, fmt.Errorf("%w: couldn't transform data: %w", rload.ErrDecode, err)
		}
	}
	return data, rload.FromNetwork, nil
}

func (c *Coordinator) decode(w *waiter, data []byte, from rload.Origin) rload.Outcome {
	res, err := w.decoder.Decode(data, w.req.Params)
	if err != nil {
		metrics.LoaderDecodeErrors.Inc()
		rlog.Debugf("couldn't decode %q: %s", w.key, err)

		return rload.FailedOutcome(fmt.Errorf("%w: %w", rload.ErrDecode, err))
	}
	return rload.SuccessOutcome(res, from)
}

// deliver passes the outcome to the binder through Post.
func (c *Coordinator) deliver(w *waiter, outcome rload.Outcome) {
	if c.post == nil {
		c.finish(w, outcome)
		return
	}
	c.post(func() {
		c.finish(w, outcome)
	})
}

func (c *Coordinator) finish(w *waiter, outcome rload.Outcome) {
	metrics.LoaderOutcomes.WithLabelValues(outcome.Status.String()).Inc()

	if outcome.Status == rload.StatusCancelled {
		c.binder.Release(w.ticket)
	} else {
		// Stale bindings are expected.
		_ = c.binder.Bind(w.ticket, outcome)
	}

	if w.done != nil {
		w.done <- outcome
	}
}

// Invalidate removes all cached data of the source.
func (c *Coordinator) Invalidate(src rload.SourceID) error {
	removed := c.memory.Invalidate(src)
	if err := c.disk.Delete(src); err != nil {
		return fmt.Errorf("couldn't delete persistent entry: %w", err)
	}

	rlog.Debugf("%q was invalidated, removed memory entries: %d", src, removed)
	return nil
}

// CancelAll drops all requests waiting for fetches. Fetches that haven't started are
// skipped, fetches in progress are finished and cached, but their outcomes are dropped.
func (c *Coordinator) CancelAll() (dropped int) {
	c.mu.Lock()
	var waiters []*waiter
	for _, f := range c.inProgress {
		f.cancelled = true
		waiters = append(waiters, f.waiters...)
		f.waiters = nil
	}
	c.inProgress = make(map[rload.SourceID]*flight)
	metrics.LoaderInFlight.Set(0)
	c.mu.Unlock()

	for _, w := range waiters {
		c.deliver(w, rload.CancelledOutcome())
	}

	if len(waiters) > 0 {
		rlog.Infof("%d requests were cancelled", len(waiters))
	}
	return len(waiters)
}

// Shutdown drops all queued fetches and waits for ones that are in progress with
// respect of the passed context.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped.Swap(true) {
		c.mu.Unlock()
		return errors.New("already shut down")
	}
	close(c.tasksCh)
	c.mu.Unlock()

	c.CancelAll()
	for range c.tasksCh { //nolint:revive
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.workersDoneCh:
		return nil
	}
}
