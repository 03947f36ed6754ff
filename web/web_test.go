package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ShoshinNikita/rload/binder"
	"github.com/ShoshinNikita/rload/decoder"
	"github.com/ShoshinNikita/rload/loader"
	"github.com/ShoshinNikita/rload/pkg/cache"
	"github.com/ShoshinNikita/rload/pkg/testutil"
	"github.com/ShoshinNikita/rload/rload"
)

type testServer struct {
	url       string
	transport *testutil.Transport
	memory    *cache.MemoryCache
	disk      *cache.DiskCache
}

func newTestServer(t *testing.T) *testServer {
	r := require.New(t)

	transport := testutil.NewTransport()

	memory, err := cache.NewMemoryCache(10<<20, 0)
	r.NoError(err)

	disk, err := cache.NewDiskCache("test", t.TempDir(), cache.Options{DisableCleaner: true})
	r.NoError(err)

	images := decoder.NewImage(0)
	coordinator, err := loader.NewCoordinator(transport, memory, disk, binder.NewBinder(nil), loader.Options{
		WorkersCount:   2,
		QueueSize:      10,
		DefaultDecoder: images,
	})
	r.NoError(err)
	t.Cleanup(func() { _ = coordinator.Shutdown(t.Context()) })

	s := NewServer(rload.Config{DefaultExpiry: time.Hour}, coordinator, images, decoder.Bytes{})

	srv := httptest.NewServer(s.httpServer.Handler)
	t.Cleanup(srv.Close)

	return &testServer{
		url:       srv.URL,
		transport: transport,
		memory:    memory,
		disk:      disk,
	}
}

func (s *testServer) do(t *testing.T, method, path string, query url.Values) (*http.Response, []byte) {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), method, s.url+path+"?"+query.Encode(), nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, body
}

func TestServer_Image(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	s := newTestServer(t)

	const src = "https://example.com/image.png"
	s.transport.Set(src, testutil.PNG(t, 100, 50, color.White))
	s.transport.Set("https://example.com/broken.png", []byte("not an image"))
	s.transport.SetError("https://example.com/missing.png", errors.New("not found"))

	resp, body := s.do(t, http.MethodGet, "/api/image", url.Values{"src": {src}, "width": {"20"}})
	r.Equal(http.StatusOK, resp.StatusCode, string(body))
	r.Equal("image/png", resp.Header.Get("Content-Type"))
	r.Equal("network", resp.Header.Get(originHeader))
	r.NotEmpty(resp.Header.Get("ETag"))

	img, err := png.Decode(bytes.NewReader(body))
	r.NoError(err)
	r.Equal(20, img.Bounds().Dx())
	r.Equal(10, img.Bounds().Dy())

	resp, _ = s.do(t, http.MethodGet, "/api/image", url.Values{"src": {src}, "width": {"20"}})
	r.Equal(http.StatusOK, resp.StatusCode)
	r.Equal("memory", resp.Header.Get(originHeader))

	resp, _ = s.do(t, http.MethodGet, "/api/image", url.Values{"src": {src}, "width": {"30"}})
	r.Equal(http.StatusOK, resp.StatusCode)
	r.Equal("disk", resp.Header.Get(originHeader))
	r.Equal(1, s.transport.TotalCalls())

	for _, tt := range []struct {
		query    url.Values
		wantCode int
	}{
		{query: url.Values{}, wantCode: http.StatusBadRequest},
		{query: url.Values{"src": {src}, "width": {"abc"}}, wantCode: http.StatusBadRequest},
		{query: url.Values{"src": {src}, "width": {"-1"}}, wantCode: http.StatusBadRequest},
		{query: url.Values{"src": {src}, "mem": {"maybe"}}, wantCode: http.StatusBadRequest},
		{query: url.Values{"src": {src}, "expiry": {"1"}}, wantCode: http.StatusBadRequest},
		{query: url.Values{"src": {"https://example.com/broken.png"}}, wantCode: http.StatusUnprocessableEntity},
		{query: url.Values{"src": {"https://example.com/missing.png"}}, wantCode: http.StatusBadGateway},
	} {
		resp, body := s.do(t, http.MethodGet, "/api/image", tt.query)
		r.Equal(tt.wantCode, resp.StatusCode, "query: %s, body: %s", tt.query.Encode(), body)
	}
}

func TestServer_File(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	s := newTestServer(t)

	const src = "https://example.com/1.txt"
	s.transport.Set(src, []byte("hello world"))

	resp, body := s.do(t, http.MethodGet, "/api/file", url.Values{"src": {src}})
	r.Equal(http.StatusOK, resp.StatusCode)
	r.Equal("hello world", string(body))
	r.Equal("text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
	r.Equal("network", resp.Header.Get(originHeader))

	// Raw content is not kept in memory.
	r.Zero(s.memory.Len())

	resp, body = s.do(t, http.MethodGet, "/api/file", url.Values{"src": {src}})
	r.Equal(http.StatusOK, resp.StatusCode)
	r.Equal("hello world", string(body))
	r.Equal("disk", resp.Header.Get(originHeader))
}

func TestServer_Cache(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	s := newTestServer(t)

	const src = "https://example.com/1.txt"
	s.transport.Set(src, []byte("hello world"))

	getCacheInfo := func() CacheInfo {
		resp, body := s.do(t, http.MethodGet, "/api/cache", url.Values{"src": {src}})
		r.Equal(http.StatusOK, resp.StatusCode)

		var info CacheInfo
		r.NoError(json.Unmarshal(body, &info))
		r.Equal(src, info.Source)
		return info
	}

	r.False(getCacheInfo().Cached)

	resp, _ := s.do(t, http.MethodPost, "/api/prefetch", url.Values{"src": {src}})
	r.Equal(http.StatusAccepted, resp.StatusCode)
	r.Eventually(func() bool { return s.disk.Exists(src) }, 2*time.Second, 5*time.Millisecond)

	info := getCacheInfo()
	r.True(info.Cached)
	r.Equal(s.disk.Path(src), info.Path)
	r.False(info.InMemory)
	r.Equal(int64(len("hello world")), info.SizeBytes)
	r.Equal("11 B", info.Size)
	age, err := time.ParseDuration(info.Age)
	r.NoError(err)
	r.GreaterOrEqual(age, time.Duration(0))
	r.Less(age, time.Minute)

	key := rload.NewCacheKey(src, decoder.KindBytes, rload.Params{})
	r.NoError(s.memory.Put(key, rload.Result{Value: []byte("hello world"), Weight: 11}))
	r.True(getCacheInfo().InMemory)

	resp, _ = s.do(t, http.MethodPost, "/api/invalidate", url.Values{"src": {src}})
	r.Equal(http.StatusNoContent, resp.StatusCode)
	info = getCacheInfo()
	r.False(info.Cached)
	r.False(info.InMemory)
	r.Empty(info.Size)
	r.Empty(info.Age)

	resp, _ = s.do(t, http.MethodPost, "/api/invalidate", url.Values{})
	r.Equal(http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/api/prefetch", url.Values{"src": {src}, "expiry": {"-1s"}})
	r.Equal(http.StatusBadRequest, resp.StatusCode)

	// Wrong method.
	resp, _ = s.do(t, http.MethodGet, "/api/invalidate", url.Values{"src": {src}})
	r.Equal(http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServer_Cancel(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	s := newTestServer(t)

	resp, body := s.do(t, http.MethodPost, "/api/cancel", nil)
	r.Equal(http.StatusOK, resp.StatusCode)

	var res CancelResult
	r.NoError(json.Unmarshal(body, &res))
	r.Zero(res.Cancelled)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	s := newTestServer(t)

	resp, body := s.do(t, http.MethodGet, "/debug/metrics", nil)
	r.Equal(http.StatusOK, resp.StatusCode)
	r.Contains(string(body), "rload_web_http_response_statuses_total")
}

