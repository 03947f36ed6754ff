package loader

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ShoshinNikita/rload/pkg/rlog"
	"github.com/ShoshinNikita/rload/rload"
)

// discard skips decoding of prefetched data.
type discard struct{}

func (discard) Kind() string { return "prefetch" }

func (discard) Decode([]byte, rload.Params) (rload.Result, error) {
	return rload.Result{}, nil
}

// Prefetch loads the source into the persistent cache. It does nothing if the cached
// entry is fresh for the expiry.
func (c *Coordinator) Prefetch(src rload.SourceID, expiry time.Duration) error {
	if c.disk.Fresh(src, expiry) {
		return nil
	}
	return c.Submit(rload.Request{
		Source:    src,
		FileCache: true,
		Expiry:    expiry,
		Decoder:   discard{},
	})
}

// CachedFile returns the path of the persistent entry of the source, regardless of
// its age.
func (c *Coordinator) CachedFile(src rload.SourceID) (string, bool) {
	if !c.disk.Exists(src) {
		return "", false
	}
	return c.disk.Path(src), true
}

// InMemory reports whether any result of the source is in the memory cache.
func (c *Coordinator) InMemory(src rload.SourceID) bool {
	return c.memory.ContainsSource(src)
}

// CachedResult returns the result from the memory cache or decodes the persistent
// entry with the default decoder. It never fetches the source. Concurrent calls for
// the same key share a single decode.
func (c *Coordinator) CachedResult(src rload.SourceID, p rload.Params) (rload.Result, bool) {
	if c.defaultDecoder == nil {
		return rload.Result{}, false
	}

	key := rload.NewCacheKey(src, c.defaultDecoder.Kind(), p)
	if res, ok := c.memory.Get(key); ok {
		return res, true
	}

	v, err, _ := c.cachedResults.Do(key.String(), func() (any, error) {
		data, err := c.disk.Read(src, 0)
		if err != nil {
			return nil, err
		}

		res, err := c.defaultDecoder.Decode(data, p)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", rload.ErrDecode, err)
		}
		if err := c.memory.Put(key, res); err != nil {
			rlog.Debugf("couldn't put %q to memory cache: %s", key, err)
		}
		return res, nil
	})
	if err != nil {
		if !errors.Is(err, rload.ErrCacheMiss) {
			rlog.Warnf("couldn't get cached result for %q: %s", key, err)
		}
		return rload.Result{}, false
	}
	return v.(rload.Result), true
}

// MakeSharedFile copies the persistent entry of the source to a new temp file with
// the passed name, so it can be shared with other applications. The caller is
// responsible for removing the file.
func (c *Coordinator) MakeSharedFile(src rload.SourceID, filename string) (string, error) {
	name := filepath.Base(filename)
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return "", fmt.Errorf("invalid filename %q", filename)
	}

	data, err := c.disk.Read(src, 0)
	if err != nil {
		return "", fmt.Errorf("couldn't read persistent entry: %w", err)
	}

	dir, err := os.MkdirTemp(c.sharedDir, "rload-shared-*")
	if err != nil {
		return "", fmt.Errorf("couldn't create temp dir: %w", err)
	}

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			rlog.Warnf("couldn't remove temp dir %q: %s", dir, rmErr)
		}
		return "", fmt.Errorf("couldn't write shared file: %w", err)
	}
	return path, nil
}
