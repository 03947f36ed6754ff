package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"

	"golang.org/x/sync/errgroup"

	"github.com/ShoshinNikita/rload/binder"
	"github.com/ShoshinNikita/rload/decoder"
	"github.com/ShoshinNikita/rload/loader"
	"github.com/ShoshinNikita/rload/pkg/cache"
	"github.com/ShoshinNikita/rload/pkg/rlog"
	"github.com/ShoshinNikita/rload/rload"
	"github.com/ShoshinNikita/rload/scroll"
	"github.com/ShoshinNikita/rload/transport"
	"github.com/ShoshinNikita/rload/web"
)

// maxImagePixels protects from decompression bombs.
const maxImagePixels = 50_000_000

type Rload struct {
	cfg rload.Config

	diskCache   *cache.DiskCache
	memoryCache *cache.MemoryCache
	coordinator *loader.Coordinator
	tracker     *scroll.Tracker

	server *web.Server
}

func NewRload(cfg rload.Config) *Rload {
	return &Rload{
		cfg: cfg,
	}
}

func (r *Rload) Prepare() (err error) {
	if err := os.MkdirAll(r.cfg.Dir, 0o700); err != nil {
		return fmt.Errorf("couldn't create app data dir %q: %w", r.cfg.Dir, err)
	}

	// Local sources are resolved relative to this dir.
	filesDir := filepath.Join(r.cfg.Dir, "files")
	if err := os.MkdirAll(filesDir, 0o700); err != nil {
		return fmt.Errorf("couldn't create files dir %q: %w", filesDir, err)
	}

	// Caches
	r.diskCache, err = cache.NewDiskCache(
		"sources", filepath.Join(r.cfg.Dir, "cache"), cache.Options{
			MaxFileAge:   r.cfg.DiskCacheMaxAge,
			MaxTotalSize: r.cfg.DiskCacheSize.Bytes(),
		},
	)
	if err != nil {
		return fmt.Errorf("couldn't prepare disk cache: %w", err)
	}

	r.memoryCache, err = cache.NewMemoryCache(r.cfg.MemoryCacheSize.Bytes(), r.cfg.MemoryCacheMaxEntrySize.Bytes())
	if err != nil {
		return fmt.Errorf("couldn't prepare memory cache: %w", err)
	}

	// Loader
	router := transport.NewDefaultRouter(
		transport.NewHTTP(transport.HTTPOptions{
			RateLimit: r.cfg.TransportRateLimit,
		}),
		transport.NewFile(filesDir),
	)
	images := decoder.NewImage(maxImagePixels)

	r.coordinator, err = loader.NewCoordinator(router, r.memoryCache, r.diskCache, binder.NewBinder(nil), loader.Options{
		WorkersCount:   r.cfg.WorkersCount,
		QueueSize:      r.cfg.QueueSize,
		FetchTimeout:   r.cfg.TransportTimeout,
		DefaultDecoder: images,
	})
	if err != nil {
		return fmt.Errorf("couldn't prepare loader: %w", err)
	}

	r.tracker = scroll.NewTracker(r.memoryCache, r.diskCache, scroll.Options{
		SettleWindow: r.cfg.ScrollSettleWindow,
		DiskExpiry:   r.cfg.DefaultExpiry,
	})

	// Web Server
	r.server = web.NewServer(r.cfg, r.coordinator, images, decoder.Bytes{})

	return nil
}

// Coordinator and ScrollTracker allow to embed the pipeline.
func (r *Rload) Coordinator() *loader.Coordinator { return r.coordinator }
func (r *Rload) ScrollTracker() *scroll.Tracker   { return r.tracker }

func (r *Rload) Start(onError func()) <-chan struct{} {
	done := make(chan struct{})

	go func() {
		var g errgroup.Group
		for name, s := range map[string]interface{ Start() error }{
			"web server": r.server,
		} {
			g.Go(func() error {
				if err := s.Start(); err != nil {
					return fmt.Errorf("%s error: %w", name, err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			rlog.Error(err)
			onError()
		}

		close(done)
	}()

	return done
}

// Shutdown shutdowns all components. It is safe to call this method even if Prepare has failed.
func (r *Rload) Shutdown(ctx context.Context) error {
	var failed int
	for _, v := range []struct {
		name string
		s    shutdowner
	}{
		{"web server", r.server},
		{"loader", r.coordinator},
		{"disk cache", r.diskCache},
	} {
		err := safeShutdown(ctx, v.s)
		if err != nil {
			failed++
			rlog.Errorf("couldn't gracefully shutdown %s: %s", v.name, err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("couldn't gracefully shutdown %d component(s), see logs for more info", failed)
	}
	return nil
}

type shutdowner interface {
	Shutdown(context.Context) error
}

// safeShutdown calls Shutdown method only on initialized components.
func safeShutdown(ctx context.Context, s shutdowner) error {
	v := reflect.ValueOf(s)
	if !v.IsValid() || v.IsNil() {
		return nil
	}
	return s.Shutdown(ctx)
}
