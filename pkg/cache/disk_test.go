package cache

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ShoshinNikita/rload/rload"
)

func newTestDiskCache(t *testing.T) *DiskCache {
	t.Helper()

	cache, err := NewDiskCache("test", t.TempDir(), Options{DisableCleaner: true})
	require.NoError(t, err)
	return cache
}

func TestDiskCache(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	cache := newTestDiskCache(t)
	src := rload.NewSourceID("https://example.com/Персик/1.png")

	path := cache.Path(src)
	r.Equal(cache.absDir, filepath.Dir(path))
	r.Len(filepath.Base(path), 32)
	r.Equal(path, cache.Path(rload.NewSourceID("https://EXAMPLE.com/Персик/1.png#x")))

	t.Run("delete", func(t *testing.T) {
		r := require.New(t)

		r.False(cache.Exists(src))

		r.NoError(cache.Write(src, []byte("hello world")))
		r.True(cache.Exists(src))

		r.NoError(cache.Delete(src))
		r.False(cache.Exists(src))

		// Deleting a missing entry is a no-op.
		r.NoError(cache.Delete(src))
	})

	t.Run("read", func(t *testing.T) {
		r := require.New(t)

		_, err := cache.Read("https://example.com/missing.png", 0)
		r.ErrorIs(err, rload.ErrCacheMiss)

		r.NoError(cache.Write(src, []byte("hello world")))

		data, err := cache.Read(src, 0)
		r.NoError(err)
		r.Equal("hello world", string(data))

		// Overwrite.
		r.NoError(cache.Write(src, []byte("new content")))

		data, err = cache.Read(src, 0)
		r.NoError(err)
		r.Equal("new content", string(data))

		// No temp files must be left.
		entries, err := os.ReadDir(cache.absDir)
		r.NoError(err)
		r.Len(entries, 1)
	})
}

func TestDiskCache_Expiry(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	cache := newTestDiskCache(t)
	src := rload.NewSourceID("a.png")

	writeTime := time.Date(2024, time.May, 1, 12, 0, 0, 0, time.UTC)
	r.NoError(cache.Write(src, []byte("content")))
	r.NoError(os.Chtimes(cache.Path(src), writeTime, writeTime))

	const expiry = 1000 * time.Millisecond

	for _, tt := range []struct {
		elapsed time.Duration
		expiry  time.Duration
		wantHit bool
	}{
		{elapsed: 500 * time.Millisecond, expiry: expiry, wantHit: true},
		{elapsed: expiry - time.Millisecond, expiry: expiry, wantHit: true},
		{elapsed: expiry + time.Millisecond, expiry: expiry, wantHit: false},
		{elapsed: 1500 * time.Millisecond, expiry: expiry, wantHit: false},
		// Zero expiry means "never expires".
		{elapsed: 365 * 24 * time.Hour, expiry: 0, wantHit: true},
	} {
		t.Run(fmt.Sprintf("%s/%s", tt.elapsed, tt.expiry), func(t *testing.T) {
			r := require.New(t)

			c := *cache
			c.now = func() time.Time { return writeTime.Add(tt.elapsed) }

			data, err := c.Read(src, tt.expiry)
			if tt.wantHit {
				r.NoError(err)
				r.Equal("content", string(data))
			} else {
				r.ErrorIs(err, rload.ErrCacheMiss)
			}
			r.Equal(tt.wantHit, c.Fresh(src, tt.expiry))

			// Expired entries are not removed.
			r.True(c.Exists(src))
		})
	}
}

func TestDiskCache_ConcurrentWrites(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	cache := newTestDiskCache(t)
	src := rload.NewSourceID("https://example.com/a.png")

	const writers = 10

	contents := make([][]byte, writers)
	for i := range contents {
		contents[i] = bytes.Repeat([]byte{byte('a' + i)}, 64<<10)
	}

	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.NoError(cache.Write(src, contents[i]))
		}()
	}
	wg.Wait()

	data, err := cache.Read(src, 0)
	r.NoError(err)
	r.Contains(contents, data)
}

func TestDiskCache_WriteError(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	cache := newTestDiskCache(t)

	// Replace the cache dir with a regular file.
	r.NoError(os.RemoveAll(cache.absDir))
	r.NoError(os.WriteFile(cache.absDir, []byte("x"), 0o600))

	err := cache.Write("a.png", []byte("content"))
	r.ErrorIs(err, rload.ErrCacheWrite)
}
