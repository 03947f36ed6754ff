package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/ShoshinNikita/rload/pkg/misc"
	"github.com/ShoshinNikita/rload/pkg/rlog"
)

type NoopCleaner struct{}

func NewNoopCleaner() *NoopCleaner {
	return &NoopCleaner{}
}

func (NoopCleaner) Shutdown(context.Context) error {
	return nil
}

// Cleaner removes old files and controls the total size of a disk cache.
//
// Expiry of entries is checked on read, so the cleaner only reclaims disk space: it
// never removes files younger than maxFileAge unless the size limit is exceeded.
type Cleaner struct {
	name            string
	dir             string
	cleanupInterval time.Duration
	maxFileAge      time.Duration // 0 means no limit
	maxTotalSize    int64         // in bytes, 0 means no limit

	stopCh                 chan struct{}
	cleanupProcessFinished chan struct{}
}

type fileInfo struct {
	path    string
	modTime time.Time
	size    int64
}

// Temp files are removed only when they are definitely abandoned.
const abandonedTempFileAge = time.Hour

func NewCleaner(name, dir string, maxFileAge time.Duration, maxTotalSize int64) *Cleaner {
	c := &Cleaner{
		name:            name,
		dir:             dir,
		cleanupInterval: 5 * time.Minute,
		maxFileAge:      maxFileAge,
		maxTotalSize:    maxTotalSize,
		//
		stopCh:                 make(chan struct{}),
		cleanupProcessFinished: make(chan struct{}),
	}

	go c.startCleanupProcess()

	return c
}

func (c *Cleaner) startCleanupProcess() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		// Run immediately.
		c.cleanup(time.Now())

		select {
		case <-ticker.C:
			continue
		case <-c.stopCh:
			close(c.cleanupProcessFinished)
			return
		}
	}
}

func (c *Cleaner) cleanup(now time.Time) {
	rlog.Debugf("%s cache: start cleanup", c.name)

	allFiles, err := c.loadAllFiles()
	if err != nil {
		logf := rlog.Errorf
		if errors.Is(err, fs.ErrNotExist) {
			logf = rlog.Warnf
		}
		logf("%s cache: couldn't load files to clean: %s", c.name, err)
		return
	}

	filesToRemove := c.getFilesToRemove(allFiles, now)
	if len(filesToRemove) == 0 {
		rlog.Debugf("%s cache: no files to remove", c.name)
		return
	}

	removedFiles, cleanedSpace, errs := c.removeFiles(filesToRemove)
	for _, err := range errs {
		rlog.Error(err)
	}
	if removedFiles > 0 {
		rlog.Infof(
			"%s cache: %d files have been removed for a total of %s freed, got %d errors",
			c.name, removedFiles, misc.FormatFileSize(cleanedSpace), len(errs),
		)
	}
}

func (c *Cleaner) loadAllFiles() (files []fileInfo, err error) {
	err = filepath.Walk(c.dir, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		files = append(files, fileInfo{
			path:    path,
			modTime: info.ModTime(),
			size:    info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func (c *Cleaner) getFilesToRemove(files []fileInfo, now time.Time) []fileInfo {
	var (
		oldFiles             []fileInfo
		activeFiles          []fileInfo
		activeFilesTotalSize int64
	)
	for _, file := range files {
		age := now.Sub(file.modTime)

		switch {
		case isTempFile(file.path):
			// Temp files can be in progress, never count them.
			if age > abandonedTempFileAge {
				oldFiles = append(oldFiles, file)
			}
		case c.maxFileAge > 0 && age > c.maxFileAge:
			oldFiles = append(oldFiles, file)
		default:
			activeFiles = append(activeFiles, file)
			activeFilesTotalSize += file.size
		}
	}
	if c.maxTotalSize <= 0 || activeFilesTotalSize <= c.maxTotalSize {
		// Should remove only old files.
		return oldFiles
	}

	// Remove the least recently written files first.
	slices.SortFunc(activeFiles, func(a, b fileInfo) int {
		return a.modTime.Compare(b.modTime)
	})

	index := len(activeFiles)
	for i, file := range activeFiles {
		activeFilesTotalSize -= file.size
		if activeFilesTotalSize <= c.maxTotalSize {
			// Other files satisfy the size limit.
			index = i + 1
			break
		}
	}

	return append(oldFiles, activeFiles[:index]...)
}

func (c *Cleaner) removeFiles(files []fileInfo) (removedFiles int, cleanedSpace int64, errs []error) {
	for _, file := range files {
		err := os.Remove(file.path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// Already removed by Delete.
				continue
			}
			errs = append(errs, fmt.Errorf("couldn't remove file %q from cache: %w", file.path, err))
			continue
		}
		removedFiles++
		cleanedSpace += file.size
	}
	return removedFiles, cleanedSpace, errs
}

func (c *Cleaner) Shutdown(ctx context.Context) error {
	close(c.stopCh)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.cleanupProcessFinished:
		return nil
	}
}
