package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwygoda/cardcatcher/internal/domain"
)

// flakyServer answers with failStatus for the first failures requests, then 200.
func flakyServer(t *testing.T, failStatus, failures int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		if int(n) <= failures {
			w.WriteHeader(failStatus)
			return
		}
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func fastOptions() Options {
	return Options{
		Timeout:    2 * time.Second,
		BackoffMin: time.Millisecond,
		BackoffMax: 5 * time.Millisecond,
	}
}

func TestFetcher_Success(t *testing.T) {
	srv, hits := flakyServer(t, 0, 0, "image-bytes")

	f := New(fastOptions())
	body, err := f.Fetch(context.Background(), srv.URL)

	require.NoError(t, err)
	assert.Equal(t, "image-bytes", string(body))
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetcher_RetriesTransientStatus(t *testing.T) {
	for _, status := range []int{429, 500, 502, 503, 504} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			srv, hits := flakyServer(t, status, 2, "ok")

			body, err := New(fastOptions()).Fetch(context.Background(), srv.URL)

			require.NoError(t, err)
			assert.Equal(t, "ok", string(body))
			assert.Equal(t, int32(3), hits.Load())
		})
	}
}

func TestFetcher_GivesUpAfterBudget(t *testing.T) {
	srv, hits := flakyServer(t, http.StatusServiceUnavailable, 1000, "")

	_, err := New(fastOptions()).Fetch(context.Background(), srv.URL)

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrFetch))
	assert.Equal(t, int32(DefaultMaxAttempts), hits.Load())
}

func TestFetcher_NoRetryOnClientError(t *testing.T) {
	srv, hits := flakyServer(t, http.StatusNotFound, 1000, "")

	_, err := New(fastOptions()).Fetch(context.Background(), srv.URL)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	assert.True(t, errors.Is(err, domain.ErrFetch))
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetcher_ConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(fastOptions()).Fetch(context.Background(), url)

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrFetch))
}

func TestFetcher_BodyLimit(t *testing.T) {
	srv, _ := flakyServer(t, 0, 0, "0123456789")

	opts := fastOptions()
	opts.MaxBodyBytes = 4
	_, err := New(opts).Fetch(context.Background(), srv.URL)

	require.Error(t, err)
	assert.True(t, errors.Is(err, errBodyTooLarge))
}

func TestFetcher_EmptyBody(t *testing.T) {
	srv, _ := flakyServer(t, 0, 0, "")

	_, err := New(fastOptions()).Fetch(context.Background(), srv.URL)

	assert.True(t, errors.Is(err, domain.ErrFetch))
}

func TestFetcher_InvalidURL(t *testing.T) {
	_, err := New(fastOptions()).Fetch(context.Background(), "://nope")

	assert.True(t, errors.Is(err, domain.ErrFetch))
}

func TestFetcher_UserAgent(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	opts := fastOptions()
	opts.UserAgent = "cardcatcher-test"
	_, err := New(opts).Fetch(context.Background(), srv.URL)

	require.NoError(t, err)
	assert.Equal(t, "cardcatcher-test", got)
}

func TestFetcher_ResetKeepsWorking(t *testing.T) {
	srv, hits := flakyServer(t, 0, 0, "ok")

	resets := prometheus.NewCounter(prometheus.CounterOpts{Name: "resets"})
	attempts := prometheus.NewCounter(prometheus.CounterOpts{Name: "attempts"})
	opts := fastOptions()
	opts.Resets = resets
	opts.Attempts = attempts
	f := New(opts)

	_, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)

	f.Reset()
	f.Reset()

	_, err = f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)

	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, 2.0, testutil.ToFloat64(resets))
	assert.Equal(t, 2.0, testutil.ToFloat64(attempts))
	f.Close()
}

func TestFetcher_ContextCancelled(t *testing.T) {
	srv, _ := flakyServer(t, http.StatusServiceUnavailable, 1000, "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(fastOptions()).Fetch(ctx, srv.URL)
	assert.Error(t, err)
}
