package cache

import (
	"context"
	"crypto/md5" //nolint:gosec
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ShoshinNikita/rload/pkg/metrics"
	"github.com/ShoshinNikita/rload/pkg/misc"
	"github.com/ShoshinNikita/rload/pkg/rlog"
	"github.com/ShoshinNikita/rload/rload"
)

const tempFilePrefix = ".tmp-"

// DiskCache stores raw bytes of sources, one file per source. The file modification
// time is the time of the last write.
type DiskCache struct {
	name   string
	absDir string
	now    func() time.Time

	cleaner interface {
		Shutdown(context.Context) error
	}
}

type Options struct {
	// MaxFileAge and MaxTotalSize are used by the cleaner. The cleaner is disabled
	// if both of them are zero.
	MaxFileAge   time.Duration
	MaxTotalSize int64

	DisableCleaner bool
}

func NewDiskCache(name, dir string, opts Options) (*DiskCache, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("couldn't get absolute path: %w", err)
	}
	if err := os.MkdirAll(absDir, 0o700); err != nil {
		return nil, fmt.Errorf("couldn't create cache dir %q: %w", absDir, err)
	}

	c := &DiskCache{
		name:    name,
		absDir:  absDir,
		now:     time.Now,
		cleaner: NewNoopCleaner(),
	}
	if !opts.DisableCleaner && (opts.MaxFileAge > 0 || opts.MaxTotalSize > 0) {
		c.cleaner = NewCleaner(name, absDir, opts.MaxFileAge, opts.MaxTotalSize)
	}
	return c, nil
}

// Read returns the cached content. If the content is not cached or is older than expiry,
// it returns [rload.ErrCacheMiss]. Zero expiry means that the content never expires.
// Expired files are not removed: the next write overwrites them.
func (c *DiskCache) Read(src rload.SourceID, expiry time.Duration) ([]byte, error) {
	path := c.Path(src)

	info, err := os.Stat(path)
	if err != nil {
		return nil, c.handleError(err)
	}
	if c.isExpired(info.ModTime(), expiry) {
		rlog.Debugf("%s cache: entry for %q is expired, age: %s", c.name, src, misc.FormatAge(c.now(), info.ModTime()))
		metrics.CacheMisses.WithLabelValues(metrics.TierDisk).Inc()
		return nil, rload.ErrCacheMiss
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, c.handleError(err)
	}

	metrics.CacheHits.WithLabelValues(metrics.TierDisk).Inc()
	return data, nil
}

func (c *DiskCache) handleError(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		metrics.CacheMisses.WithLabelValues(metrics.TierDisk).Inc()
		return rload.ErrCacheMiss
	}

	metrics.CacheErrors.WithLabelValues(metrics.TierDisk).Inc()
	return err
}

func (c *DiskCache) isExpired(modTime time.Time, expiry time.Duration) bool {
	return expiry > 0 && c.now().Sub(modTime) > expiry
}

// Write replaces the cached content. The content is written to a temp file first and
// then renamed, so concurrent readers never see a partially written file.
func (c *DiskCache) Write(src rload.SourceID, data []byte) (err error) {
	defer func() {
		if err != nil {
			metrics.CacheErrors.WithLabelValues(metrics.TierDisk).Inc()
			err = fmt.Errorf("%w: %w", rload.ErrCacheWrite, err)
		}
	}()

	// The dir could be removed after the cache creation.
	if err := os.MkdirAll(c.absDir, 0o700); err != nil {
		return fmt.Errorf("couldn't create dir %q: %w", c.absDir, err)
	}

	tempFile, err := os.CreateTemp(c.absDir, tempFilePrefix+"*")
	if err != nil {
		return fmt.Errorf("couldn't create temp file: %w", err)
	}

	renamed := false
	defer func() {
		if renamed {
			return
		}
		tempFile.Close()
		if err := os.Remove(tempFile.Name()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			rlog.Errorf("couldn't remove temp file %q: %s", tempFile.Name(), err)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		return fmt.Errorf("couldn't write temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("couldn't close temp file: %w", err)
	}
	if err := os.Rename(tempFile.Name(), c.Path(src)); err != nil {
		return fmt.Errorf("couldn't rename temp file: %w", err)
	}
	renamed = true

	return nil
}

// Delete removes the cached content. It is not an error to delete content that is not cached.
func (c *DiskCache) Delete(src rload.SourceID) error {
	err := os.Remove(c.Path(src))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		metrics.CacheErrors.WithLabelValues(metrics.TierDisk).Inc()
		return err
	}
	return nil
}

// Exists reports whether the content is cached, regardless of its age.
func (c *DiskCache) Exists(src rload.SourceID) bool {
	_, err := os.Stat(c.Path(src))
	return err == nil
}

// Fresh reports whether the content is cached and is not older than expiry.
func (c *DiskCache) Fresh(src rload.SourceID, expiry time.Duration) bool {
	info, err := os.Stat(c.Path(src))
	if err != nil {
		return false
	}
	return !c.isExpired(info.ModTime(), expiry)
}

// Path returns the path of the file for the passed source. The file may not exist.
func (c *DiskCache) Path(src rload.SourceID) string {
	hash := md5.Sum([]byte(src)) //nolint:gosec
	return filepath.Join(c.absDir, hex.EncodeToString(hash[:]))
}

func (c *DiskCache) Shutdown(ctx context.Context) error {
	return c.cleaner.Shutdown(ctx)
}

func isTempFile(path string) bool {
	return strings.HasPrefix(filepath.Base(path), tempFilePrefix)
}
