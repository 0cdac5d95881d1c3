package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mingzhi-chen/gospider/internal/domain"
	"github.com/mingzhi-chen/gospider/internal/engine"
	"github.com/mingzhi-chen/gospider/internal/frontier"
	"github.com/mingzhi-chen/gospider/internal/logger"
	"github.com/mingzhi-chen/gospider/internal/parser"
)

const testBase = "https://example.com/blog"

// stubFetcher serves canned bodies and tracks concurrency.
type stubFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	fails map[string]bool
	calls map[string]int

	delay       time.Duration
	proxied     bool
	inflight    atomic.Int64
	maxInflight atomic.Int64
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{
		pages: make(map[string]string),
		fails: make(map[string]bool),
		calls: make(map[string]int),
	}
}

func (f *stubFetcher) Fetch(ctx context.Context, url string) (string, time.Duration, bool, error) {
	cur := f.inflight.Add(1)
	defer f.inflight.Add(-1)

	for {
		prev := f.maxInflight.Load()
		if cur <= prev || f.maxInflight.CompareAndSwap(prev, cur) {
			break
		}
	}

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", 0, false, ctx.Err()
		}
	}

	f.mu.Lock()
	f.calls[url]++
	body, ok := f.pages[url]
	failed := f.fails[url]
	f.mu.Unlock()

	if failed || !ok {
		return "", 0, false, fmt.Errorf("fetch %s: connection refused", url)
	}

	return body, time.Millisecond, f.proxied, nil
}

func (f *stubFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

// stubParser maps page URLs to canned links and articles.
type stubParser struct {
	mu       sync.Mutex
	links    map[string][]string
	articles map[string]domain.Article
}

func newStubParser() *stubParser {
	return &stubParser{
		links:    make(map[string][]string),
		articles: make(map[string]domain.Article),
	}
}

func (p *stubParser) ExtractLinks(html, pageURL string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.links[pageURL], nil
}

func (p *stubParser) ParseArticle(html, pageURL string) (*domain.Article, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.articles[pageURL]
	if !ok {
		return nil, fmt.Errorf("%w: %s", parser.ErrNoArticle, pageURL)
	}

	return &a, nil
}

func (p *stubParser) ListPageURL(base string, page int) string {
	return fmt.Sprintf("%s?page=%d", base, page)
}

// recordingSink captures every flush.
type recordingSink struct {
	mu       sync.Mutex
	flushes  [][]domain.Article
	prior    []domain.Article
	flushErr error
}

func (s *recordingSink) Flush(ctx context.Context, articles []domain.Article) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.flushErr != nil {
		return s.flushErr
	}

	s.flushes = append(s.flushes, append([]domain.Article(nil), articles...))

	return nil
}

func (s *recordingSink) Load(ctx context.Context) ([]domain.Article, error) {
	return s.prior, nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) flushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.flushes)
}

func (s *recordingSink) lastFlush() []domain.Article {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.flushes) == 0 {
		return nil
	}

	return s.flushes[len(s.flushes)-1]
}

// testSite wires a fetcher and parser describing a site with one listing
// page carrying n article links.
func testSite(t *testing.T, n int) (*stubFetcher, *stubParser, []string) {
	t.Helper()

	fetch := newStubFetcher()
	parse := newStubParser()

	urls := make([]string, 0, n)
	links := make([]string, 0, n)
	for i := range n {
		u := fmt.Sprintf("https://example.com/posts/%d", i)
		urls = append(urls, u)
		links = append(links, u)

		fetch.pages[u] = "article page"
		parse.articles[u] = domain.Article{
			Title:   fmt.Sprintf("Post %d", i),
			Content: "body",
		}
	}

	fetch.pages[testBase] = "listing page"
	parse.links[testBase] = links

	// Page 2 exists but repeats page 1, which ends pagination.
	page2 := testBase + "?page=2"
	fetch.pages[page2] = "listing page"
	parse.links[page2] = links

	return fetch, parse, urls
}

func newTestEngine(
	t *testing.T,
	cfg engine.Config,
	fetch engine.Fetcher,
	parse parser.Parser,
	sink *recordingSink,
) (*engine.Engine, *frontier.Frontier) {
	t.Helper()

	if cfg.BaseURL == "" {
		cfg.BaseURL = testBase
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = t.TempDir()
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = 20 * time.Millisecond
	}

	front, err := frontier.New(cfg.BaseURL, frontier.Options{QueueSize: 500}, logger.NewNoOp())
	require.NoError(t, err)

	eng, err := engine.New(cfg, fetch, parse, front, sink, logger.NewNoOp())
	require.NoError(t, err)

	return eng, front
}

func TestRun_CollectsAllArticles(t *testing.T) {
	t.Parallel()

	fetch, parse, urls := testSite(t, 5)
	sink := &recordingSink{}

	eng, front := newTestEngine(t, engine.Config{ThreadCount: 3}, fetch, parse, sink)

	articles, err := eng.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, articles, 5)

	assert.Equal(t, engine.StateCompleted, eng.State())

	// Every article URL was fetched exactly once and marked visited.
	for _, u := range urls {
		assert.Equal(t, 1, fetch.callCount(u), "url %s", u)
		assert.True(t, front.IsVisited(u), "url %s", u)
	}

	// The final flush holds the complete result set.
	assert.Len(t, sink.lastFlush(), 5)

	snap := eng.Metrics().Snapshot()
	assert.EqualValues(t, 5, snap.Articles)
	assert.EqualValues(t, 0, snap.FetchFailed)
}

func TestRun_StopsAtMaxArticles(t *testing.T) {
	t.Parallel()

	fetch, parse, _ := testSite(t, 20)
	sink := &recordingSink{}

	eng, _ := newTestEngine(t, engine.Config{ThreadCount: 2, MaxArticles: 7}, fetch, parse, sink)

	articles, err := eng.Run(context.Background())
	require.NoError(t, err)

	assert.Len(t, articles, 7)
	assert.Equal(t, engine.StateCompleted, eng.State())
}

func TestRun_RespectsThreadCount(t *testing.T) {
	t.Parallel()

	fetch, parse, _ := testSite(t, 12)
	fetch.delay = 20 * time.Millisecond
	sink := &recordingSink{}

	eng, _ := newTestEngine(t, engine.Config{ThreadCount: 3}, fetch, parse, sink)

	_, err := eng.Run(context.Background())
	require.NoError(t, err)

	// Workers plus the seeding goroutine share the fetcher.
	assert.LessOrEqual(t, fetch.maxInflight.Load(), int64(4))
}

func TestRun_FetchFailureSkipsAndLeavesUnvisited(t *testing.T) {
	t.Parallel()

	fetch, parse, urls := testSite(t, 4)
	fetch.fails[urls[1]] = true
	sink := &recordingSink{}

	eng, front := newTestEngine(t, engine.Config{ThreadCount: 2}, fetch, parse, sink)

	articles, err := eng.Run(context.Background())
	require.NoError(t, err)

	assert.Len(t, articles, 3)

	// The failed URL stays unvisited so the next incremental run retries it.
	assert.False(t, front.IsVisited(urls[1]))

	snap := eng.Metrics().Snapshot()
	assert.EqualValues(t, 1, snap.FetchFailed)
}

func TestRun_ParseFailureIsVisited(t *testing.T) {
	t.Parallel()

	fetch, parse, urls := testSite(t, 3)
	delete(parse.articles, urls[0])
	sink := &recordingSink{}

	eng, front := newTestEngine(t, engine.Config{ThreadCount: 2}, fetch, parse, sink)

	articles, err := eng.Run(context.Background())
	require.NoError(t, err)

	assert.Len(t, articles, 2)

	// The page fetched fine; there is nothing to retry later.
	assert.True(t, front.IsVisited(urls[0]))

	snap := eng.Metrics().Snapshot()
	assert.EqualValues(t, 1, snap.ParseErrors)
}

func TestRun_CheckpointCadence(t *testing.T) {
	t.Parallel()

	fetch, parse, _ := testSite(t, 10)
	sink := &recordingSink{}

	eng, _ := newTestEngine(t, engine.Config{ThreadCount: 1, CheckpointEvery: 3}, fetch, parse, sink)

	_, err := eng.Run(context.Background())
	require.NoError(t, err)

	// 10 articles at a cadence of 3 gives three mid-run checkpoints plus
	// the final flush.
	assert.Equal(t, 4, sink.flushCount())
	assert.Len(t, sink.lastFlush(), 10)
}

func TestRun_IncrementalSkipsVisited(t *testing.T) {
	t.Parallel()

	fetch, parse, urls := testSite(t, 8)
	sink := &recordingSink{}

	outputDir := t.TempDir()

	// First run collects everything and persists its visited set.
	eng1, _ := newTestEngine(t,
		engine.Config{ThreadCount: 2, OutputDir: outputDir},
		fetch, parse, sink,
	)
	first, err := eng1.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, first, 8)

	// The site gains two new posts.
	fresh := []string{"https://example.com/posts/new-1", "https://example.com/posts/new-2"}
	for _, u := range fresh {
		fetch.pages[u] = "article page"
		parse.articles[u] = domain.Article{Title: u, Content: "body"}
	}
	parse.links[testBase] = append(parse.links[testBase], fresh...)

	sink2 := &recordingSink{prior: first}

	eng2, _ := newTestEngine(t,
		engine.Config{ThreadCount: 2, OutputDir: outputDir, Incremental: true},
		fetch, parse, sink2,
	)
	second, err := eng2.Run(context.Background())
	require.NoError(t, err)

	// Old results carry over, new posts are appended, old URLs are not
	// fetched a second time.
	assert.Len(t, second, 10)
	for _, u := range urls {
		assert.Equal(t, 1, fetch.callCount(u), "url %s must not be refetched", u)
	}
	for _, u := range fresh {
		assert.Equal(t, 1, fetch.callCount(u))
	}
}

func TestRun_StopDrains(t *testing.T) {
	t.Parallel()

	fetch, parse, _ := testSite(t, 50)
	fetch.delay = 10 * time.Millisecond
	sink := &recordingSink{}

	eng, _ := newTestEngine(t, engine.Config{ThreadCount: 2}, fetch, parse, sink)

	go func() {
		time.Sleep(40 * time.Millisecond)
		eng.Stop()
	}()

	articles, err := eng.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, engine.StateCompleted, eng.State())
	assert.Less(t, len(articles), 50)

	// A final flush happened even though the run was cut short.
	assert.Len(t, sink.lastFlush(), len(articles))
	assert.Zero(t, eng.InFlight())
}

func TestRun_ContextCancellation(t *testing.T) {
	t.Parallel()

	fetch, parse, _ := testSite(t, 50)
	fetch.delay = 10 * time.Millisecond
	sink := &recordingSink{}

	eng, _ := newTestEngine(t, engine.Config{ThreadCount: 2}, fetch, parse, sink)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := eng.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, eng.InFlight())
}

func TestRun_FinalFlushFailureFailsRun(t *testing.T) {
	t.Parallel()

	fetch, parse, _ := testSite(t, 2)
	sink := &recordingSink{flushErr: errors.New("disk full")}

	eng, _ := newTestEngine(t, engine.Config{ThreadCount: 1}, fetch, parse, sink)

	_, err := eng.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, engine.StateFailed, eng.State())
}

func TestRun_CountsProxiedFetches(t *testing.T) {
	t.Parallel()

	fetch, parse, _ := testSite(t, 5)
	fetch.proxied = true
	sink := &recordingSink{}

	eng, _ := newTestEngine(t, engine.Config{ThreadCount: 2}, fetch, parse, sink)

	_, err := eng.Run(context.Background())
	require.NoError(t, err)

	snap := eng.Metrics().Snapshot()
	assert.EqualValues(t, 5, snap.FetchSucceeded)
	assert.Equal(t, snap.FetchSucceeded, snap.ProxiedFetches,
		"every article fetch went through a proxy")
}

func TestRun_NoSeedsFailsRun(t *testing.T) {
	t.Parallel()

	fetch, parse, _ := testSite(t, 3)
	fetch.fails[testBase] = true
	sink := &recordingSink{}

	eng, _ := newTestEngine(t, engine.Config{ThreadCount: 2}, fetch, parse, sink)

	_, err := eng.Run(context.Background())
	assert.ErrorIs(t, err, engine.ErrNoSeeds)
	assert.Equal(t, engine.StateFailed, eng.State())

	// An incremental run may legitimately find nothing new.
	eng2, _ := newTestEngine(t, engine.Config{ThreadCount: 2, Incremental: true}, fetch, parse, sink)

	_, err = eng2.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, engine.StateCompleted, eng2.State())
}

func TestRun_StopBoundedByDrainTimeout(t *testing.T) {
	t.Parallel()

	fetch, parse, _ := testSite(t, 3)
	fetch.delay = 400 * time.Millisecond
	sink := &recordingSink{}

	eng, _ := newTestEngine(t,
		engine.Config{ThreadCount: 1, DrainTimeout: 60 * time.Millisecond},
		fetch, parse, sink,
	)

	go func() {
		time.Sleep(20 * time.Millisecond)
		eng.Stop()
	}()

	start := time.Now()
	_, err := eng.Run(context.Background())
	require.NoError(t, err)

	// The stuck fetch was abandoned instead of holding the run hostage.
	assert.Less(t, time.Since(start), 300*time.Millisecond)
	assert.Equal(t, engine.StateCompleted, eng.State())
}

func TestRun_DrainsChainedDiscovery(t *testing.T) {
	t.Parallel()

	// Each article links only to the next one, so the frontier repeatedly
	// runs dry while the page holding the next link is still in flight.
	fetch := newStubFetcher()
	parse := newStubParser()
	fetch.delay = 5 * time.Millisecond

	const depth = 6
	chain := make([]string, 0, depth)
	for i := range depth {
		chain = append(chain, fmt.Sprintf("https://example.com/posts/chain-%d", i))
	}

	fetch.pages[testBase] = "listing page"
	parse.links[testBase] = chain[:1]
	page2 := testBase + "?page=2"
	fetch.pages[page2] = "listing page"
	parse.links[page2] = chain[:1]

	for i, u := range chain {
		fetch.pages[u] = "article page"
		parse.articles[u] = domain.Article{Title: u, Content: "body"}
		if i+1 < depth {
			parse.links[u] = chain[i+1 : i+2]
		}
	}

	sink := &recordingSink{}
	eng, _ := newTestEngine(t, engine.Config{ThreadCount: 3}, fetch, parse, sink)

	articles, err := eng.Run(context.Background())
	require.NoError(t, err)

	assert.Len(t, articles, depth)
	for _, u := range chain {
		assert.Equal(t, 1, fetch.callCount(u), "url %s", u)
	}
	assert.Equal(t, engine.StateCompleted, eng.State())
}

func TestRun_SecondRunRejected(t *testing.T) {
	t.Parallel()

	fetch, parse, _ := testSite(t, 1)
	sink := &recordingSink{}

	eng, _ := newTestEngine(t, engine.Config{ThreadCount: 1}, fetch, parse, sink)

	_, err := eng.Run(context.Background())
	require.NoError(t, err)

	_, err = eng.Run(context.Background())
	assert.Error(t, err)
}
