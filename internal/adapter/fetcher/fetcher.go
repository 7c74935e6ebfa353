// Package fetcher downloads remote images through a retrying, recyclable
// HTTP session.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cwygoda/cardcatcher/internal/domain"
)

const (
	DefaultTimeout      = 10 * time.Second
	DefaultMaxAttempts  = 5
	DefaultBackoffMin   = time.Second
	DefaultBackoffMax   = 30 * time.Second
	DefaultMaxBodyBytes = 20 << 20
)

var errBodyTooLarge = errors.New("response body too large")

// retryStatuses are the transient statuses worth another attempt.
var retryStatuses = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// Options configures a Fetcher. Zero values fall back to the defaults above.
type Options struct {
	Timeout      time.Duration
	MaxAttempts  int
	BackoffMin   time.Duration
	BackoffMax   time.Duration
	MaxBodyBytes int64
	UserAgent    string
	Logger       *slog.Logger

	// Attempts and Resets are optional collectors.
	Attempts prometheus.Counter
	Resets   prometheus.Counter
}

func (o *Options) setDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = DefaultBackoffMin
	}
	if o.BackoffMax < o.BackoffMin {
		o.BackoffMax = DefaultBackoffMax
		if o.BackoffMax < o.BackoffMin {
			o.BackoffMax = o.BackoffMin
		}
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = DefaultMaxBodyBytes
	}
}

// Fetcher implements domain.Fetcher. Retries happen inside the session;
// callers only see the final body or the final error.
type Fetcher struct {
	opts Options

	mu     sync.RWMutex
	client *retryablehttp.Client
}

var _ domain.Fetcher = (*Fetcher)(nil)

// New creates a Fetcher with an open session.
func New(opts Options) *Fetcher {
	opts.setDefaults()
	f := &Fetcher{opts: opts}
	f.client = f.newClient()
	return f
}

func (f *Fetcher) newClient() *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.HTTPClient = cleanhttp.DefaultPooledClient()
	c.HTTPClient.Timeout = f.opts.Timeout
	c.RetryMax = f.opts.MaxAttempts - 1
	c.RetryWaitMin = f.opts.BackoffMin
	c.RetryWaitMax = f.opts.BackoffMax
	c.Backoff = retryablehttp.DefaultBackoff
	c.CheckRetry = retryPolicy
	c.Logger = nil
	if f.opts.Logger != nil {
		c.Logger = f.opts.Logger
	}
	if attempts := f.opts.Attempts; attempts != nil {
		c.RequestLogHook = func(_ retryablehttp.Logger, _ *http.Request, _ int) {
			attempts.Inc()
		}
	}
	return c
}

// retryPolicy retries the transient statuses and recoverable transport errors.
func retryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		// Unrecoverable transport errors (bad scheme, TLS, redirects) stop here.
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	return retryStatuses[resp.StatusCode], nil
}

// Fetch downloads url and returns its body.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %w", domain.ErrFetch, err)
	}
	if f.opts.UserAgent != "" {
		req.Header.Set("User-Agent", f.opts.UserAgent)
	}

	f.mu.RLock()
	client := f.client
	f.mu.RUnlock()

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %w", domain.ErrFetch, err)
	}
	if int64(len(body)) > f.opts.MaxBodyBytes {
		return nil, fmt.Errorf("%w: %w (limit %d bytes)", domain.ErrFetch, errBodyTooLarge, f.opts.MaxBodyBytes)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", domain.ErrFetch)
	}
	return body, nil
}

// Reset closes the current session and opens a fresh one. Requests already
// in flight finish on the old session.
func (f *Fetcher) Reset() {
	f.mu.Lock()
	old := f.client
	f.client = f.newClient()
	f.mu.Unlock()

	old.HTTPClient.CloseIdleConnections()
	if f.opts.Resets != nil {
		f.opts.Resets.Inc()
	}
}

// Close releases the session's idle connections.
func (f *Fetcher) Close() {
	f.mu.RLock()
	defer f.mu.RUnlock()
	f.client.HTTPClient.CloseIdleConnections()
}
