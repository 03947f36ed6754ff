package rload

import "errors"

var (
	// ErrMalformedRequest is the only error returned synchronously by request submission.
	ErrMalformedRequest = errors.New("malformed request")

	ErrTransport    = errors.New("transport failure")
	ErrDecode       = errors.New("decode failure")
	ErrStaleBinding = errors.New("stale binding")
	ErrCacheWrite   = errors.New("cache write failure")
	ErrCacheMiss    = errors.New("cache miss")
	ErrCancelled    = errors.New("request cancelled")
	ErrQueueFull    = errors.New("fetch queue is full")
	ErrShutdown     = errors.New("loader is shut down")
)
