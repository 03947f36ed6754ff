package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/ShoshinNikita/rload/pkg/metrics"
	"github.com/ShoshinNikita/rload/pkg/misc"
	"github.com/ShoshinNikita/rload/pkg/rlog"
	"github.com/ShoshinNikita/rload/rload"
)

var ErrTooLarge = errors.New("response is too large")

// StatusError is returned for responses with status code other than 200.
type StatusError struct {
	StatusCode int
	BodyPrefix string
}

func (err *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code %d, body prefix: %q", err.StatusCode, err.BodyPrefix)
}

type HTTPOptions struct {
	// Timeout limits a single fetch including reading the body. 0 means no timeout.
	Timeout time.Duration
	// RateLimit is the max number of fetches per second. 0 means no limit.
	RateLimit float64
	// MaxSize is the max size of a response body. 0 means no limit.
	MaxSize int64
	// Client is optional.
	Client *http.Client
}

// HTTP fetches sources over http and https. It makes a single attempt per fetch.
type HTTP struct {
	client  *http.Client
	limiter *rate.Limiter
	maxSize int64
}

func NewHTTP(opts HTTPOptions) *HTTP {
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	if opts.Timeout > 0 {
		c := *client
		c.Timeout = opts.Timeout
		client = &c
	}

	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), max(int(opts.RateLimit), 1))
	}

	return &HTTP{
		client:  client,
		limiter: limiter,
		maxSize: opts.MaxSize,
	}
}

func (h *HTTP) Fetch(ctx context.Context, src rload.SourceID, auth rload.Authenticator) (_ []byte, err error) {
	if !src.IsRemote() {
		return nil, fmt.Errorf("unsupported scheme %q", src.Scheme())
	}

	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	now := time.Now()
	defer func() {
		dur := time.Since(now)

		metrics.TransportResponseTime.Observe(dur.Seconds())
		if err != nil {
			metrics.TransportErrors.Inc()
		}
		rlog.Debugf("fetch of %q took %s, err: %v", src, dur, err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("couldn't prepare request: %w", err)
	}
	if auth != nil {
		if err := auth.Authenticate(req); err != nil {
			return nil, fmt.Errorf("couldn't authenticate request: %w", err)
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyPrefix := make([]byte, 50)
		n, _ := io.ReadFull(resp.Body, bodyPrefix)

		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			BodyPrefix: string(bodyPrefix[:n]),
		}
	}

	if h.maxSize > 0 && resp.ContentLength > h.maxSize {
		return nil, fmt.Errorf("%w: %s", ErrTooLarge, misc.FormatFileSize(resp.ContentLength))
	}

	body := io.Reader(resp.Body)
	if h.maxSize > 0 {
		body = io.LimitReader(resp.Body, h.maxSize+1)
	}

	buf := bytes.NewBuffer(nil)
	if resp.ContentLength > 0 {
		buf.Grow(int(resp.ContentLength))
	}
	if _, err := buf.ReadFrom(body); err != nil {
		return nil, fmt.Errorf("couldn't read response body: %w", err)
	}
	if h.maxSize > 0 && int64(buf.Len()) > h.maxSize {
		return nil, fmt.Errorf("%w: more than %s", ErrTooLarge, misc.FormatFileSize(h.maxSize))
	}

	return buf.Bytes(), nil
}

// AuthFunc adapts a function to [rload.Authenticator].
type AuthFunc func(req *http.Request) error

func (fn AuthFunc) Authenticate(req *http.Request) error {
	return fn(req)
}

// BearerToken sets the "Authorization" header.
type BearerToken string

func (token BearerToken) Authenticate(req *http.Request) error {
	if token == "" {
		return errors.New("empty token")
	}
	req.Header.Set("Authorization", "Bearer "+string(token))
	return nil
}
