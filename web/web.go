package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ShoshinNikita/rload/pkg/misc"
	"github.com/ShoshinNikita/rload/pkg/rlog"
	"github.com/ShoshinNikita/rload/rload"
)

// Loader is the part of the coordinator used by the server.
type Loader interface {
	Sync(ctx context.Context, req rload.Request) (rload.Outcome, error)
	Prefetch(src rload.SourceID, expiry time.Duration) error
	Invalidate(src rload.SourceID) error
	CancelAll() int
	CachedFile(src rload.SourceID) (string, bool)
	InMemory(src rload.SourceID) bool
}

type Server struct {
	httpServer *http.Server

	loader        Loader
	imageDecoder  rload.Decoder
	bytesDecoder  rload.Decoder
	defaultExpiry time.Duration
}

func NewServer(cfg rload.Config, loader Loader, imageDecoder, bytesDecoder rload.Decoder) (s *Server) {
	s = &Server{
		loader:        loader,
		imageDecoder:  imageDecoder,
		bytesDecoder:  bytesDecoder,
		defaultExpiry: cfg.DefaultExpiry,
	}

	mux := http.NewServeMux()

	// API
	mux.HandleFunc("GET /api/image", s.handleImage)
	mux.HandleFunc("GET /api/file", s.handleFile)
	mux.HandleFunc("GET /api/cache", s.handleCache)
	mux.HandleFunc("POST /api/prefetch", s.handlePrefetch)
	mux.HandleFunc("POST /api/invalidate", s.handleInvalidate)
	mux.HandleFunc("POST /api/cancel", s.handleCancel)

	// Debug
	mux.Handle("/debug/metrics", promhttp.Handler())

	handler := loggingMiddleware(mux)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.ServerPort),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Start() error {
	rlog.Infof("start web server on %q", s.httpServer.Addr)

	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleImage loads an image through the pipeline and returns it as png.
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	req, err := s.parseRequest(r.URL.Query(), s.imageDecoder)
	if err != nil {
		writeBadRequestError(w, "%s", err.Error())
		return
	}

	outcome, ok := s.load(w, r, req)
	if !ok {
		return
	}

	img, ok := outcome.Result.Value.(image.Image)
	if !ok {
		writeInternalServerError(w, "unexpected result type %T", outcome.Result.Value)
		return
	}

	buf := bytes.NewBuffer(nil)
	if err := png.Encode(buf, img); err != nil {
		writeInternalServerError(w, "couldn't encode image: %s", err)
		return
	}

	key := rload.NewCacheKey(req.Source, req.Decoder.Kind(), req.Params)
	etag := uuid.NewSHA1(uuid.NameSpaceURL, []byte(key.String())).String()

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set(originHeader, outcome.From.String())
	setCacheHeaders(w, time.Hour, etag)

	copyResponse(w, buf)
}

// handleFile returns the raw content of a source.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	req, err := s.parseRequest(r.URL.Query(), s.bytesDecoder)
	if err != nil {
		writeBadRequestError(w, "%s", err.Error())
		return
	}
	// Raw content can be large, keep it only on disk.
	req.MemCache = false
	req.Params = rload.Params{}

	outcome, ok := s.load(w, r, req)
	if !ok {
		return
	}

	data, ok := outcome.Result.Value.([]byte)
	if !ok {
		writeInternalServerError(w, "unexpected result type %T", outcome.Result.Value)
		return
	}

	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set(originHeader, outcome.From.String())

	copyResponse(w, bytes.NewReader(data))
}

func (s *Server) load(w http.ResponseWriter, r *http.Request, req rload.Request) (rload.Outcome, bool) {
	outcome, err := s.loader.Sync(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, rload.ErrMalformedRequest):
			writeBadRequestError(w, "%s", err.Error())
		case errors.Is(err, rload.ErrShutdown):
			writeError(w, http.StatusServiceUnavailable, "%s", err.Error())
		default:
			// Client went away.
			rlog.Debugf("couldn't wait for %q: %s", req.Source, err)
		}
		return rload.Outcome{}, false
	}

	switch outcome.Status {
	case rload.StatusOK:
		return outcome, true

	case rload.StatusCancelled:
		writeError(w, http.StatusServiceUnavailable, "request was cancelled")

	default:
		code := http.StatusInternalServerError
		switch {
		case errors.Is(outcome.Err, rload.ErrTransport):
			code = http.StatusBadGateway
		case errors.Is(outcome.Err, rload.ErrDecode):
			code = http.StatusUnprocessableEntity
		case errors.Is(outcome.Err, rload.ErrQueueFull):
			code = http.StatusServiceUnavailable
		}
		writeError(w, code, "couldn't load %q: %s", req.Source, outcome.Err)
	}
	return rload.Outcome{}, false
}

// handleCache reports the cache state of the source.
func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	src, err := sourceFromQuery(r.URL.Query())
	if err != nil {
		writeBadRequestError(w, "%s", err.Error())
		return
	}

	info := CacheInfo{
		Source:   src.String(),
		InMemory: s.loader.InMemory(src),
	}

	path, ok := s.loader.CachedFile(src)
	if ok {
		stat, err := os.Stat(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			// Removed after the check.
		case err != nil:
			writeInternalServerError(w, "couldn't stat cached file: %s", err)
			return
		default:
			info.Cached = true
			info.Path = path
			info.SizeBytes = stat.Size()
			info.Size = misc.FormatFileSize(stat.Size())
			info.Age = misc.FormatAge(time.Now(), stat.ModTime())
		}
	}

	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handlePrefetch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	src, err := sourceFromQuery(query)
	if err != nil {
		writeBadRequestError(w, "%s", err.Error())
		return
	}
	expiry, err := parseDuration(query, "expiry", s.defaultExpiry)
	if err != nil {
		writeBadRequestError(w, "%s", err.Error())
		return
	}

	if err := s.loader.Prefetch(src, expiry); err != nil {
		if errors.Is(err, rload.ErrMalformedRequest) {
			writeBadRequestError(w, "%s", err.Error())
			return
		}
		writeInternalServerError(w, "couldn't prefetch %q: %s", src, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	src, err := sourceFromQuery(r.URL.Query())
	if err != nil {
		writeBadRequestError(w, "%s", err.Error())
		return
	}

	if err := s.loader.Invalidate(src); err != nil {
		writeInternalServerError(w, "couldn't invalidate %q: %s", src, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancel(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, CancelResult{
		Cancelled: s.loader.CancelAll(),
	})
}

// parseRequest parses common query params: src, width, mem, disk and expiry.
// Caches are enabled by default.
func (s *Server) parseRequest(query url.Values, decoder rload.Decoder) (req rload.Request, err error) {
	req.Source, err = sourceFromQuery(query)
	if err != nil {
		return req, err
	}
	req.Decoder = decoder

	if req.Params.TargetWidth, err = parseInt(query, "width", 0); err != nil {
		return req, err
	}
	if req.MemCache, err = parseBool(query, "mem", true); err != nil {
		return req, err
	}
	if req.FileCache, err = parseBool(query, "disk", true); err != nil {
		return req, err
	}
	if req.Expiry, err = parseDuration(query, "expiry", s.defaultExpiry); err != nil {
		return req, err
	}
	return req, nil
}

func sourceFromQuery(query url.Values) (rload.SourceID, error) {
	src := rload.NewSourceID(query.Get("src"))
	if src == "" {
		return "", errors.New("src is required")
	}
	return src, nil
}

func parseInt(query url.Values, name string, defaultValue int) (int, error) {
	if !query.Has(name) {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(query.Get(name))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return v, nil
}

func parseBool(query url.Values, name string, defaultValue bool) (bool, error) {
	if !query.Has(name) {
		return defaultValue, nil
	}
	v, err := strconv.ParseBool(query.Get(name))
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", name, err)
	}
	return v, nil
}

func parseDuration(query url.Values, name string, defaultValue time.Duration) (time.Duration, error) {
	if !query.Has(name) {
		return defaultValue, nil
	}
	v, err := time.ParseDuration(query.Get(name))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		rlog.Errorf("couldn't encode response: %s", err)
	}
}

func copyResponse(w http.ResponseWriter, src io.Reader) {
	_, err := io.Copy(w, src)
	if err != nil {
		writeInternalServerError(w, "couldn't write response: %s", err)
	}
}

func writeBadRequestError(w http.ResponseWriter, format string, a ...any) {
	writeError(w, http.StatusBadRequest, format, a...)
}

func writeInternalServerError(w http.ResponseWriter, format string, a ...any) {
	writeError(w, http.StatusInternalServerError, format, a...)
}

func writeError(w http.ResponseWriter, code int, format string, a ...any) {
	http.Error(w, fmt.Sprintf(format, a...), code)
}
