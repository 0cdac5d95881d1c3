// Package fetcher performs retrying HTTP GETs, optionally routed through a
// proxy pool. A fetch failure is a skip signal for the caller, never fatal to
// a crawl run.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/mingzhi-chen/gospider/internal/logger"
)

// maxResponseBodyBytes limits the size of fetched page responses.
const maxResponseBodyBytes = 10 * 1024 * 1024 // 10 MB

// Jitter bounds for retry backoff. Each retry delay is scaled by a random
// factor in [jitterMin, jitterMax) so workers retrying at the same moment
// spread out instead of hammering the target in lockstep.
const (
	jitterMin = 0.5
	jitterMax = 1.5
)

// ErrExhausted is returned once every retry attempt has failed.
var ErrExhausted = errors.New("fetch: retries exhausted")

// HTTPError is a non-2xx response. Retried, and reported to the proxy pool
// as a failure when a proxy served the request.
type HTTPError struct {
	URL    string
	Status int
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.Status)
}

// ProxyProvider supplies outbound proxies and accepts outcome reports.
// The proxypool package satisfies it.
type ProxyProvider interface {
	// Pick returns a proxy URL, or an error when none is available.
	Pick(ctx context.Context, check bool) (string, error)
	// Report folds a usage outcome back into the provider's scoring.
	Report(proxyURL string, ok bool, rtt time.Duration)
}

// Config configures a Fetcher.
type Config struct {
	// MaxRetries is the number of attempts before giving up on a URL.
	MaxRetries int
	// BaseDelay scales the backoff between attempts.
	BaseDelay time.Duration
	// Timeout bounds each individual request.
	Timeout time.Duration
	// UserAgent is sent on every request.
	UserAgent string
	// CheckProxy asks the provider to verify a proxy before handing it out.
	CheckProxy bool
}

// Fetcher issues retrying GET requests. With a nil provider all requests go
// direct; with a provider each attempt asks for a proxy and falls back to a
// direct request when the pool is exhausted.
type Fetcher struct {
	cfg     Config
	proxies ProxyProvider
	log     logger.Interface
	direct  *http.Client
}

// New creates a Fetcher. proxies may be nil.
func New(cfg Config, proxies ProxyProvider, log logger.Interface) *Fetcher {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &Fetcher{
		cfg:     cfg,
		proxies: proxies,
		log:     log,
		direct:  &http.Client{Timeout: cfg.Timeout},
	}
}

// Fetch GETs rawURL, retrying with jittered backoff. It returns the body,
// the elapsed time of the successful attempt, and whether that attempt went
// through a proxy. Proxy-attributed failures are reported to the provider
// before the next retry, which may then select a different proxy.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (string, time.Duration, bool, error) {
	var lastErr error

	for attempt := range f.cfg.MaxRetries {
		if err := ctx.Err(); err != nil {
			return "", 0, false, err
		}

		proxyURL := f.pickProxy(ctx)

		body, elapsed, err := f.attempt(ctx, rawURL, proxyURL)

		if proxyURL != "" {
			f.proxies.Report(proxyURL, err == nil, elapsed)
		}

		if err == nil {
			return body, elapsed, proxyURL != "", nil
		}

		lastErr = err
		f.log.Warn("fetch attempt failed",
			"url", rawURL,
			"attempt", attempt+1,
			"max_retries", f.cfg.MaxRetries,
			"proxy", proxyURL,
			"error", err.Error(),
		)

		if attempt+1 < f.cfg.MaxRetries {
			if waitErr := f.backoff(ctx, attempt); waitErr != nil {
				return "", 0, false, waitErr
			}
		}
	}

	return "", 0, false, fmt.Errorf("%w: %s: %w", ErrExhausted, rawURL, lastErr)
}

// pickProxy asks the provider for a proxy. Pool exhaustion downgrades to a
// direct fetch with a warning; it never fails the attempt.
func (f *Fetcher) pickProxy(ctx context.Context) string {
	if f.proxies == nil {
		return ""
	}

	proxyURL, err := f.proxies.Pick(ctx, f.cfg.CheckProxy)
	if err != nil {
		f.log.Warn("no proxy available, fetching direct", "error", err.Error())
		return ""
	}

	return proxyURL
}

// attempt performs one GET, through proxyURL when non-empty.
func (f *Fetcher) attempt(ctx context.Context, rawURL, proxyURL string) (string, time.Duration, error) {
	client := f.direct

	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return "", 0, fmt.Errorf("parse proxy url: %w", err)
		}

		transport := &http.Transport{Proxy: http.ProxyURL(parsed)}
		defer transport.CloseIdleConnections()

		client = &http.Client{Timeout: f.cfg.Timeout, Transport: transport}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return "", 0, fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	start := time.Now()

	resp, err := client.Do(req)
	if err != nil {
		return "", time.Since(start), fmt.Errorf("request %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBodyBytes))

		return "", time.Since(start), &HTTPError{URL: rawURL, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	elapsed := time.Since(start)

	if err != nil {
		return "", elapsed, fmt.Errorf("read body %s: %w", rawURL, err)
	}

	return string(body), elapsed, nil
}

// backoff sleeps for baseDelay * (attempt+1) scaled by random jitter, or
// returns early when the context is cancelled.
func (f *Fetcher) backoff(ctx context.Context, attempt int) error {
	jitter := jitterMin + rand.Float64()*(jitterMax-jitterMin)
	delay := time.Duration(float64(f.cfg.BaseDelay) * float64(attempt+1) * jitter)

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
