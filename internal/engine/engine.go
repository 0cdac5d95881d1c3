// Package engine orchestrates a crawl run: it seeds the frontier from listing
// pages, drives a bounded pool of fetch workers, aggregates parsed records,
// and checkpoints progress so interrupted or repeated runs lose little work.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mingzhi-chen/gospider/internal/domain"
	"github.com/mingzhi-chen/gospider/internal/frontier"
	"github.com/mingzhi-chen/gospider/internal/logger"
	"github.com/mingzhi-chen/gospider/internal/metrics"
	"github.com/mingzhi-chen/gospider/internal/parser"
	"github.com/mingzhi-chen/gospider/internal/storage"
)

// Tuning defaults.
const (
	// defaultPollTimeout is how long a worker waits on an empty frontier
	// before re-checking the stop conditions.
	defaultPollTimeout = 2 * time.Second

	// defaultDrainTimeout bounds the worker join after a stop and the
	// final checkpoint flush.
	defaultDrainTimeout = 30 * time.Second
)

// ErrNoSeeds means seeding produced no URLs at all on a non-incremental run.
var ErrNoSeeds = errors.New("engine: seeding yielded no urls")

// Fetcher is the page retrieval capability the engine consumes. proxied
// reports whether the successful attempt went through a proxy.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (html string, elapsed time.Duration, proxied bool, err error)
}

// Config configures a crawl run.
type Config struct {
	// BaseURL is the seed listing URL.
	BaseURL string
	// Delay is each worker's pause between requests.
	Delay time.Duration
	// MaxArticles stops the run once this many records are collected.
	MaxArticles int
	// ThreadCount is the number of concurrent workers.
	ThreadCount int
	// MaxPages caps listing-page pagination during seeding.
	MaxPages int
	// CheckpointEvery flushes results and visited state every N records.
	CheckpointEvery int
	// Incremental loads prior visited and result state before crawling.
	Incremental bool
	// OutputDir holds the visited-URL store.
	OutputDir string
	// PollTimeout and DrainTimeout tune worker polling and shutdown.
	PollTimeout  time.Duration
	DrainTimeout time.Duration
}

// Engine runs one crawl at a time. It owns the frontier and the result
// aggregate for the duration of a run; the proxy pool (behind the Fetcher)
// is a longer-lived resource owned by the caller.
type Engine struct {
	cfg      Config
	fetcher  Fetcher
	parser   parser.Parser
	frontier *frontier.Frontier
	sink     storage.ArticleSink
	metrics  *metrics.Metrics
	log      logger.Interface
	runID    string

	state     atomic.Int32
	inflight  atomic.Int64
	seeded    atomic.Bool
	seedCount atomic.Int64

	stopOnce sync.Once
	stopCh   chan struct{}

	mu              sync.Mutex
	articles        []domain.Article
	sinceCheckpoint int
}

// New creates an engine. All collaborators are injected; the engine never
// constructs its own proxy pool or sink, so tests can supply isolated ones.
func New(
	cfg Config,
	f Fetcher,
	p parser.Parser,
	front *frontier.Frontier,
	sink storage.ArticleSink,
	log logger.Interface,
) (*Engine, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("engine: base url is required")
	}
	if f == nil || p == nil || front == nil || sink == nil {
		return nil, errors.New("engine: missing collaborator")
	}

	if cfg.ThreadCount <= 0 {
		cfg.ThreadCount = 1
	}
	if cfg.MaxArticles <= 0 {
		cfg.MaxArticles = 100
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 20
	}
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = 10
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}

	runID := uuid.NewString()

	return &Engine{
		cfg:      cfg,
		fetcher:  f,
		parser:   p,
		frontier: front,
		sink:     sink,
		metrics:  metrics.New(),
		log:      log.With("run_id", runID),
		runID:    runID,
		stopCh:   make(chan struct{}),
	}, nil
}

// RunID returns the unique identifier of this run.
func (e *Engine) RunID() string {
	return e.runID
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// InFlight returns the number of URLs currently being processed.
func (e *Engine) InFlight() int {
	return int(e.inflight.Load())
}

// Metrics returns the run's metrics collector.
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// Stop requests a graceful stop. Workers finish their current URL, then the
// engine drains and flushes a final checkpoint.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// Run executes the crawl and returns the collected articles. A single URL
// failing to fetch or parse never fails the run; Run errors only on startup
// problems, a fresh run that seeds nothing, or a failed final flush.
func (e *Engine) Run(ctx context.Context) ([]domain.Article, error) {
	if !e.state.CompareAndSwap(int32(StateIdle), int32(StateSeeding)) {
		return nil, errors.New("engine: run already started")
	}

	e.log.Info("crawl starting",
		"base_url", e.cfg.BaseURL,
		"workers", e.cfg.ThreadCount,
		"max_articles", e.cfg.MaxArticles,
		"incremental", e.cfg.Incremental,
	)

	if e.cfg.Incremental {
		e.loadPriorState(ctx)
	}

	var seedWG sync.WaitGroup
	seedWG.Add(1)
	go func() {
		defer seedWG.Done()
		e.seedListings(ctx)
	}()

	e.state.Store(int32(StateRunning))

	var workerWG sync.WaitGroup
	for i := range e.cfg.ThreadCount {
		workerWG.Add(1)
		go func(workerID int) {
			defer workerWG.Done()
			e.worker(ctx, workerID)
		}(i)
	}

	joined := make(chan struct{})
	go func() {
		workerWG.Wait()
		seedWG.Wait()
		close(joined)
	}()

	if !e.awaitWorkers(ctx, joined) {
		e.log.Warn("drain timeout exceeded, abandoning in-flight workers",
			"in_flight", e.inflight.Load(),
		)
	}

	e.state.Store(int32(StateDraining))

	if !e.cfg.Incremental && e.seedCount.Load() == 0 && !e.stopRequested(ctx) {
		e.state.Store(int32(StateFailed))
		return nil, ErrNoSeeds
	}

	if err := e.finalFlush(); err != nil {
		e.state.Store(int32(StateFailed))
		return e.collectedArticles(), err
	}

	e.state.Store(int32(StateCompleted))

	snap := e.metrics.Snapshot()
	e.log.Info("crawl finished",
		"articles", snap.Articles,
		"fetch_ok", snap.FetchSucceeded,
		"fetch_failed", snap.FetchFailed,
		"parse_errors", snap.ParseErrors,
		"elapsed", snap.Elapsed.String(),
	)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return e.collectedArticles(), ctxErr
	}

	return e.collectedArticles(), nil
}

// awaitWorkers blocks until every worker and the seeder have exited. Once a
// stop is requested the remaining wait is bounded by DrainTimeout; a worker
// stuck past the bound is abandoned and its result dropped.
func (e *Engine) awaitWorkers(ctx context.Context, joined <-chan struct{}) bool {
	select {
	case <-joined:
		return true
	case <-e.stopCh:
	case <-ctx.Done():
	}

	timer := time.NewTimer(e.cfg.DrainTimeout)
	defer timer.Stop()

	select {
	case <-joined:
		return true
	case <-timer.C:
		return false
	}
}

// loadPriorState restores the visited set and previously collected articles.
// Missing or corrupt stores cold-start silently; incremental runs must never
// fail on state that merely is not there yet.
func (e *Engine) loadPriorState(ctx context.Context) {
	loaded := e.frontier.Load(e.cfg.OutputDir)

	prior, err := e.sink.Load(ctx)
	if err != nil {
		e.log.Warn("loading prior articles failed, starting cold", "error", err.Error())
		prior = nil
	}

	e.mu.Lock()
	e.articles = prior
	e.mu.Unlock()

	e.log.Info("incremental state loaded",
		"visited_urls", loaded,
		"prior_articles", len(prior),
	)
}

// seedListings paginates the site's listing pages, pushing discovered article
// links into the frontier. Pagination stops early the moment a listing page
// contributes zero new links, which usually means the end of the listing or a
// site-structure change.
func (e *Engine) seedListings(ctx context.Context) {
	defer e.seeded.Store(true)

	for page := 1; page <= e.cfg.MaxPages; page++ {
		if e.stopRequested(ctx) {
			return
		}

		listURL := parser.ListPageURL(e.parser, e.cfg.BaseURL, page)

		html, _, _, err := e.fetcher.Fetch(ctx, listURL)
		if err != nil {
			e.log.Warn("listing page fetch failed, stopping pagination",
				"url", listURL,
				"error", err.Error(),
			)
			return
		}

		links, err := e.parser.ExtractLinks(html, listURL)
		if err != nil {
			e.log.Warn("listing page extraction failed, stopping pagination",
				"url", listURL,
				"error", err.Error(),
			)
			return
		}

		added := e.frontier.Add(links...)
		e.seedCount.Add(int64(added))
		e.metrics.RecordSeededPage()

		e.log.Info("listing page seeded",
			"url", listURL,
			"links", len(links),
			"new", added,
		)

		if added == 0 {
			e.log.Info("listing page yielded no new links, stopping pagination", "page", page)
			return
		}

		if !e.sleep(ctx, e.cfg.Delay) {
			return
		}
	}
}

// worker pulls URLs until the run is stopped or the work runs out.
func (e *Engine) worker(ctx context.Context, workerID int) {
	log := e.log.With("worker_id", workerID)
	log.Debug("worker started")

	idleMisses := 0

	for {
		if e.stopRequested(ctx) {
			log.Debug("worker stopping on request")
			return
		}

		if e.collectedCount() >= e.cfg.MaxArticles {
			e.Stop()
			log.Debug("worker stopping, article cap reached")
			return
		}

		url, ok := e.frontier.Next(e.cfg.PollTimeout)
		if !ok {
			if !e.workExhausted() {
				idleMisses = 0
				continue
			}

			// A peer can hold a just-popped URL it has not yet marked
			// in flight; exit only once exhaustion holds across two
			// consecutive polls.
			idleMisses++
			if idleMisses >= 2 {
				log.Debug("worker stopping, frontier drained")
				return
			}

			continue
		}

		idleMisses = 0

		if e.frontier.IsVisited(url) {
			continue
		}

		e.inflight.Add(1)
		e.processURL(ctx, url, log)
		e.inflight.Add(-1)

		if !e.sleep(ctx, e.cfg.Delay) {
			return
		}
	}
}

// workExhausted reports that no work remains: seeding finished, the pending
// buffer is empty, and no worker holds a URL that could add more links.
func (e *Engine) workExhausted() bool {
	return e.seeded.Load() && e.frontier.PendingLen() == 0 && e.inflight.Load() == 0
}

// processURL runs one URL through fetch, link extraction, and article parsing.
// Failures are logged and skipped; a URL whose retries were exhausted is left
// unvisited so the next incremental run can try it again.
func (e *Engine) processURL(ctx context.Context, url string, log logger.Interface) {
	html, elapsed, proxied, err := e.fetcher.Fetch(ctx, url)
	if err != nil {
		e.metrics.RecordFetch(false, false)
		log.Warn("fetch failed, skipping url", "url", url, "error", err.Error())
		return
	}

	e.metrics.RecordFetch(true, proxied)

	// The page was retrieved; whatever parsing decides, there is nothing
	// left to retry here.
	e.frontier.MarkVisited(url)

	if links, linkErr := e.parser.ExtractLinks(html, url); linkErr == nil && len(links) > 0 {
		e.frontier.Add(links...)
	}

	article, parseErr := e.parser.ParseArticle(html, url)
	if parseErr != nil {
		e.metrics.RecordParseError()
		if !errors.Is(parseErr, parser.ErrNoArticle) {
			log.Warn("parse failed, skipping url", "url", url, "error", parseErr.Error())
		}
		return
	}

	article.URL = url

	e.appendArticle(ctx, *article)

	log.Info("article collected",
		"url", url,
		"title", article.Title,
		"fetch_time", elapsed.String(),
		"count", e.collectedCount(),
	)
}

// appendArticle adds a record under the results lock and checkpoints every
// CheckpointEvery records.
func (e *Engine) appendArticle(ctx context.Context, article domain.Article) {
	e.mu.Lock()

	if len(e.articles) >= e.cfg.MaxArticles {
		e.mu.Unlock()
		e.Stop()
		return
	}

	e.articles = append(e.articles, article)
	e.sinceCheckpoint++

	total := len(e.articles)
	checkpoint := e.sinceCheckpoint >= e.cfg.CheckpointEvery
	if checkpoint {
		e.sinceCheckpoint = 0
	}

	e.mu.Unlock()

	e.metrics.RecordArticle()

	if total >= e.cfg.MaxArticles {
		e.Stop()
	}

	if checkpoint {
		e.checkpoint(ctx)
	}
}

// checkpoint flushes the result aggregate and the visited-URL store. A failed
// checkpoint is logged and retried implicitly at the next one.
func (e *Engine) checkpoint(ctx context.Context) {
	if err := e.sink.Flush(ctx, e.collectedArticles()); err != nil {
		e.log.Error("checkpoint flush failed", "error", err.Error())
	}

	if err := e.frontier.Save(e.cfg.OutputDir); err != nil {
		e.log.Error("checkpoint visited save failed", "error", err.Error())
	}

	e.log.Debug("checkpoint written", "articles", e.collectedCount())
}

// finalFlush writes the last checkpoint after all workers have drained.
func (e *Engine) finalFlush() error {
	flushCtx, cancel := context.WithTimeout(context.Background(), e.cfg.DrainTimeout)
	defer cancel()

	if err := e.sink.Flush(flushCtx, e.collectedArticles()); err != nil {
		return fmt.Errorf("engine: final flush: %w", err)
	}

	if err := e.frontier.Save(e.cfg.OutputDir); err != nil {
		return fmt.Errorf("engine: final visited save: %w", err)
	}

	return nil
}

// collectedCount returns the number of collected articles.
func (e *Engine) collectedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.articles)
}

// collectedArticles returns a copy of the result aggregate.
func (e *Engine) collectedArticles() []domain.Article {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]domain.Article, len(e.articles))
	copy(out, e.articles)

	return out
}

// stopRequested reports whether the run should wind down.
func (e *Engine) stopRequested(ctx context.Context) bool {
	select {
	case <-e.stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// sleep waits for d or returns false when the run is stopping.
func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return !e.stopRequested(ctx)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-e.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}
