package fetcher_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mingzhi-chen/gospider/internal/fetcher"
	"github.com/mingzhi-chen/gospider/internal/logger"
	"github.com/mingzhi-chen/gospider/internal/proxypool"
)

// fakeProvider hands out a fixed proxy URL and records every report.
type fakeProvider struct {
	mu       sync.Mutex
	proxyURL string
	pickErr  error
	reports  []bool
}

func (p *fakeProvider) Pick(ctx context.Context, check bool) (string, error) {
	if p.pickErr != nil {
		return "", p.pickErr
	}
	return p.proxyURL, nil
}

func (p *fakeProvider) Report(proxyURL string, ok bool, rtt time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reports = append(p.reports, ok)
}

func (p *fakeProvider) reported() []bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bool(nil), p.reports...)
}

func fastConfig() fetcher.Config {
	return fetcher.Config{
		MaxRetries: 3,
		BaseDelay:  5 * time.Millisecond,
		Timeout:    time.Second,
		UserAgent:  "gospider-test",
	}
}

func TestFetch_Direct(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "gospider-test", r.UserAgent())
		_, _ = w.Write([]byte("<html>ok</html>"))
	}))
	defer srv.Close()

	f := fetcher.New(fastConfig(), nil, logger.NewNoOp())

	body, elapsed, proxied, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "<html>ok</html>", body)
	assert.Greater(t, elapsed, time.Duration(0))
	assert.False(t, proxied)
}

func TestFetch_RetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("third time lucky"))
	}))
	defer srv.Close()

	f := fetcher.New(fastConfig(), nil, logger.NewNoOp())

	body, _, _, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "third time lucky", body)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetch_ExhaustsRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := fetcher.New(fastConfig(), nil, logger.NewNoOp())

	_, _, _, err := f.Fetch(context.Background(), srv.URL)
	require.ErrorIs(t, err, fetcher.ErrExhausted)
	assert.Equal(t, int32(3), calls.Load())

	var httpErr *fetcher.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.Status)
}

func TestFetch_ReportsProxyOutcomes(t *testing.T) {
	t.Parallel()

	// The httptest server doubles as the proxy: absolute-form requests
	// arrive at its handler like any other.
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("through the proxy"))
	}))
	defer srv.Close()

	provider := &fakeProvider{proxyURL: srv.URL}

	f := fetcher.New(fastConfig(), provider, logger.NewNoOp())

	body, _, proxied, err := f.Fetch(context.Background(), "http://target.invalid/page")
	require.NoError(t, err)
	assert.Equal(t, "through the proxy", body)
	assert.True(t, proxied)

	// One failure report for the 502, one success report.
	assert.Equal(t, []bool{false, true}, provider.reported())
}

func TestFetch_FallsBackToDirectOnEmptyPool(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("direct"))
	}))
	defer srv.Close()

	provider := &fakeProvider{pickErr: proxypool.ErrNoProxy}

	f := fetcher.New(fastConfig(), provider, logger.NewNoOp())

	body, _, proxied, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "direct", body)
	assert.False(t, proxied)
	assert.Empty(t, provider.reported(), "direct fetches are not reported to the pool")
}

func TestFetch_ContextCancelled(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.BaseDelay = 10 * time.Second // cancellation must cut the backoff short

	f := fetcher.New(cfg, nil, logger.NewNoOp())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, _, _, err := f.Fetch(ctx, srv.URL)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestFetch_BackoffGrowsWithAttempts(t *testing.T) {
	t.Parallel()

	var timestamps []time.Time
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		timestamps = append(timestamps, time.Now())
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.BaseDelay = 40 * time.Millisecond

	f := fetcher.New(cfg, nil, logger.NewNoOp())

	_, _, _, err := f.Fetch(context.Background(), srv.URL)
	require.ErrorIs(t, err, fetcher.ErrExhausted)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, timestamps, 3)

	// With jitter in [0.5, 1.5): first gap >= 20ms, second >= 40ms.
	firstGap := timestamps[1].Sub(timestamps[0])
	secondGap := timestamps[2].Sub(timestamps[1])
	assert.GreaterOrEqual(t, firstGap, 20*time.Millisecond)
	assert.GreaterOrEqual(t, secondGap, 40*time.Millisecond)
}
