// Package transport contains implementations of [rload.Transport].
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/ShoshinNikita/rload/rload"
)

// Router passes fetches to the transport registered for the source scheme.
type Router struct {
	mu         sync.RWMutex
	transports map[string]rload.Transport
}

func NewRouter() *Router {
	return &Router{
		transports: make(map[string]rload.Transport),
	}
}

// NewDefaultRouter routes http and https to h and local paths to f.
func NewDefaultRouter(h *HTTP, f *File) *Router {
	r := NewRouter()
	r.Handle("http", h)
	r.Handle("https", h)
	r.Handle("file", f)
	return r
}

// Handle registers the transport for the scheme, replacing the previous one.
func (r *Router) Handle(scheme string, t rload.Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.transports[scheme] = t
}

func (r *Router) Fetch(ctx context.Context, src rload.SourceID, auth rload.Authenticator) ([]byte, error) {
	scheme := src.Scheme()

	r.mu.RLock()
	t, ok := r.transports[scheme]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("no transport for scheme %q", scheme)
	}
	return t.Fetch(ctx, src, auth)
}
