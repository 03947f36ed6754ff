package rload

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// SourceID is a normalized identifier of fetchable content: URL or local path.
type SourceID string

// NewSourceID normalizes a raw URL or path. Identifiers that differ only in Unicode
// normalization form, scheme/host case, URL fragment or redundant path elements are equal.
// It returns an empty SourceID for blank input.
func NewSourceID(raw string) SourceID {
	s := norm.NFC.String(strings.TrimSpace(raw))
	if s == "" {
		return ""
	}

	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 { // "C:\..." is not a URL
		return SourceID(path.Clean(s))
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme == "file" {
		return SourceID(path.Clean(u.Path))
	}

	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	return SourceID(u.String())
}

// IsRemote reports whether the source must be fetched over the network.
func (id SourceID) IsRemote() bool {
	scheme := id.Scheme()
	return scheme == "http" || scheme == "https"
}

// Scheme returns the URL scheme or "file" for local paths.
func (id SourceID) Scheme() string {
	s := string(id)
	i := strings.Index(s, "://")
	if i <= 1 || strings.ContainsRune(s[:i], '/') {
		return "file"
	}
	return s[:i]
}

func (id SourceID) String() string {
	return string(id)
}

// Params are post-processing parameters of a request.
type Params struct {
	// TargetWidth is the width to downsample decoded images to. 0 means no downsampling.
	TargetWidth int
}

// CacheKey is a memory cache key. Keys with the same Source share the persistent entry.
type CacheKey struct {
	Source SourceID
	Kind   string
	Width  int
}

func NewCacheKey(src SourceID, kind string, p Params) CacheKey {
	return CacheKey{
		Source: src,
		Kind:   kind,
		Width:  p.TargetWidth,
	}
}

func (k CacheKey) String() string {
	return fmt.Sprintf("%s#%s@%d", k.Source, k.Kind, k.Width)
}
