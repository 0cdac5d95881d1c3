package proxypool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mingzhi-chen/gospider/internal/logger"
)

// Selection tuning.
const (
	// topShareDivisor picks from the top 1/5 (20%) of valid endpoints by
	// reliability, spreading load while favoring proven proxies.
	topShareDivisor = 5
	// primaryProbes is how many top candidates a checked Get probes in order.
	primaryProbes = 3
	// secondaryProbes is how many shuffled fallback candidates are probed
	// after the primary ones all fail.
	secondaryProbes = 3
)

// ErrNoProxy is returned when the pool has no valid endpoint to offer.
var ErrNoProxy = errors.New("proxypool: no valid proxy available")

// Config configures a Pool.
type Config struct {
	// File is the JSON persistence path.
	File string
	// CheckInterval is the period of the background health sweep.
	CheckInterval time.Duration
	// CheckTimeout bounds each probe request.
	CheckTimeout time.Duration
	// CheckWorkers bounds concurrent probes in a sweep.
	CheckWorkers int
	// CheckURLs are fetched through candidates to judge them.
	CheckURLs []string
	// Sources are the external lists used for replenishment.
	Sources []Source
	// UserAgent is sent on probe and replenishment requests.
	UserAgent string
}

// Pool owns a set of proxy endpoints keyed by address. It survives across
// crawl runs: Start launches a background health loop and Shutdown stops it
// and persists final state. All bookkeeping happens under one lock; probe and
// replenishment I/O stays outside it so slow networks never block reads.
type Pool struct {
	cfg Config
	log logger.Interface

	mu        sync.Mutex
	endpoints map[string]*Endpoint

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	started  bool
}

// New creates a pool and loads any persisted endpoints from cfg.File.
// A missing or corrupt store is a warning and a cold start, never an error.
func New(cfg Config, log logger.Interface) *Pool {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 10 * time.Minute
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 5 * time.Second
	}
	if cfg.CheckWorkers <= 0 {
		cfg.CheckWorkers = 10
	}

	p := &Pool{
		cfg:       cfg,
		log:       log,
		endpoints: make(map[string]*Endpoint),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}

	p.load()

	return p
}

// Start launches the background health-check loop. The loop has its own
// lifecycle, independent of any crawl run, and only Shutdown stops it.
func (p *Pool) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	go p.checkLoop()

	p.log.Info("proxy pool started",
		"endpoints", p.Len(),
		"check_interval", p.cfg.CheckInterval.String(),
	)
}

// checkLoop wakes every CheckInterval, sweeps the whole pool, prunes invalid
// endpoints, and persists the remainder.
func (p *Pool) checkLoop() {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.CheckInterval)
			p.Check(ctx)
			cancel()
		}
	}
}

// Shutdown stops the health loop and performs a final persist. Safe to call
// more than once.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stopCh) })

	p.mu.Lock()
	started := p.started
	p.mu.Unlock()

	if started {
		select {
		case <-p.doneCh:
		case <-ctx.Done():
			p.log.Warn("proxy pool shutdown timed out waiting for health loop")
		}
	}

	if err := p.Save(); err != nil {
		return fmt.Errorf("proxypool: final persist: %w", err)
	}

	p.log.Info("proxy pool shut down", "endpoints", p.Len())

	return nil
}

// Add inserts an endpoint, merging with any existing entry at the same
// address: counts are summed and known response times averaged, so the same
// proxy reported by two sources is one endpoint, not two.
func (p *Pool) Add(e *Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()

	existing, ok := p.endpoints[e.Address]
	if ok {
		e.SuccessCount += existing.SuccessCount
		e.FailCount += existing.FailCount

		switch {
		case existing.ResponseTime > 0 && e.ResponseTime > 0:
			e.ResponseTime = (existing.ResponseTime + e.ResponseTime) / 2
		case existing.ResponseTime > 0:
			e.ResponseTime = existing.ResponseTime
		}
	}

	p.endpoints[e.Address] = e
}

// Remove deletes an endpoint by address.
func (p *Pool) Remove(address string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.endpoints[address]; !ok {
		return false
	}

	delete(p.endpoints, address)

	return true
}

// Len returns the pool size.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.endpoints)
}

// Snapshot returns copies of all endpoints, for rendering and persistence.
func (p *Pool) Snapshot() []Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Endpoint, 0, len(p.endpoints))
	for _, e := range p.endpoints {
		out = append(out, *e)
	}

	return out
}

// validSnapshot returns copies of valid endpoints sorted by reliability,
// highest first.
func (p *Pool) validSnapshot() []Endpoint {
	p.mu.Lock()

	out := make([]Endpoint, 0, len(p.endpoints))
	for _, e := range p.endpoints {
		if e.IsValid() {
			out = append(out, *e)
		}
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Reliability() > out[j].Reliability()
	})

	return out
}

// Get selects a proxy. With check=false it samples uniformly from the top
// 20% of valid endpoints by reliability. With check=true it probes the top
// primaryProbes candidates with a real request and returns the first that
// answers, falling back to a shuffled probe of up to secondaryProbes more.
func (p *Pool) Get(ctx context.Context, check bool) (*Endpoint, error) {
	candidates := p.validSnapshot()
	if len(candidates) == 0 {
		return nil, ErrNoProxy
	}

	if !check {
		topCount := max(1, len(candidates)/topShareDivisor)
		pick := candidates[rand.Intn(topCount)]

		return &pick, nil
	}

	head := min(primaryProbes, len(candidates))
	for i := range head {
		if p.probe(ctx, &candidates[i]) {
			pick := candidates[i]
			return &pick, nil
		}
	}

	rest := candidates[head:]
	rand.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })

	for i := range min(secondaryProbes, len(rest)) {
		if p.probe(ctx, &rest[i]) {
			pick := rest[i]
			return &pick, nil
		}
	}

	p.log.Warn("probed multiple proxies, none answered")

	return nil, ErrNoProxy
}

// Pick returns a proxy URL string for the fetcher. It satisfies the
// fetcher.ProxyProvider contract.
func (p *Pool) Pick(ctx context.Context, check bool) (string, error) {
	e, err := p.Get(ctx, check)
	if err != nil {
		return "", err
	}

	return e.URL(), nil
}

// Report folds a fetch outcome into the endpoint identified by proxyURL
// (as returned by Pick). An endpoint that becomes invalid as a result is
// removed immediately.
func (p *Pool) Report(proxyURL string, ok bool, rtt time.Duration) {
	address := proxyURL
	if parsed, err := url.Parse(proxyURL); err == nil && parsed.Host != "" {
		address = parsed.Host
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	e, found := p.endpoints[address]
	if !found {
		return
	}

	e.observe(ok, rtt)

	if !e.IsValid() {
		delete(p.endpoints, address)
		p.log.Info("proxy invalidated and removed",
			"address", address,
			"success", e.SuccessCount,
			"fail", e.FailCount,
		)
	}
}

// probe issues one real request through the endpoint and records the outcome.
// Network I/O runs outside the pool lock; only the bookkeeping update via
// Report is synchronized.
func (p *Pool) probe(ctx context.Context, e *Endpoint) bool {
	if len(p.cfg.CheckURLs) == 0 {
		return false
	}

	checkURL := p.cfg.CheckURLs[rand.Intn(len(p.cfg.CheckURLs))]

	proxyURL, err := url.Parse(e.URL())
	if err != nil {
		return false
	}

	client := &http.Client{
		Timeout:   p.cfg.CheckTimeout,
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
	}
	defer client.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, checkURL, http.NoBody)
	if err != nil {
		return false
	}
	if p.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", p.cfg.UserAgent)
	}

	start := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(start)

	ok := false
	if err == nil {
		ok = resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices
		resp.Body.Close()
	}

	p.Report(e.URL(), ok, elapsed)

	p.log.Debug("proxy probe",
		"address", e.Address,
		"ok", ok,
		"elapsed", elapsed.String(),
	)

	return ok
}

// Check sweeps every endpoint concurrently (bounded by CheckWorkers), prunes
// invalid members, and persists the survivors.
func (p *Pool) Check(ctx context.Context) {
	snapshot := p.Snapshot()
	if len(snapshot) == 0 {
		p.log.Debug("proxy pool empty, skipping health sweep")
		return
	}

	p.log.Info("health-checking proxy pool", "endpoints", len(snapshot))

	var g errgroup.Group
	g.SetLimit(p.cfg.CheckWorkers)

	for i := range snapshot {
		e := snapshot[i]
		g.Go(func() error {
			p.probe(ctx, &e)
			return nil
		})
	}

	// Probes never return errors; Wait is a join.
	_ = g.Wait()

	pruned := p.pruneInvalid()

	p.log.Info("proxy health sweep done",
		"checked", len(snapshot),
		"pruned", pruned,
		"remaining", p.Len(),
	)

	if err := p.Save(); err != nil {
		p.log.Error("persist proxy pool after sweep", "error", err.Error())
	}
}

// pruneInvalid drops invalid endpoints and returns how many were removed.
// Report already removes endpoints it invalidates; this catches ones loaded
// from disk or merged in an invalid state.
func (p *Pool) pruneInvalid() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	pruned := 0
	for address, e := range p.endpoints {
		if !e.IsValid() {
			delete(p.endpoints, address)
			pruned++
		}
	}

	return pruned
}

// Save persists all endpoints to cfg.File as a JSON array.
func (p *Pool) Save() error {
	if p.cfg.File == "" {
		return nil
	}

	snapshot := p.Snapshot()

	records := make([]record, 0, len(snapshot))
	for i := range snapshot {
		records = append(records, snapshot[i].toRecord())
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("proxypool: marshal: %w", err)
	}

	if writeErr := os.WriteFile(p.cfg.File, data, 0o644); writeErr != nil {
		return fmt.Errorf("proxypool: write %s: %w", p.cfg.File, writeErr)
	}

	p.log.Debug("persisted proxy pool", "endpoints", len(records), "path", p.cfg.File)

	return nil
}

// load restores endpoints from cfg.File. Missing or corrupt files cold-start
// an empty pool.
func (p *Pool) load() {
	if p.cfg.File == "" {
		return
	}

	data, err := os.ReadFile(p.cfg.File)
	if err != nil {
		if !os.IsNotExist(err) {
			p.log.Warn("proxy store unreadable, starting cold", "path", p.cfg.File, "error", err.Error())
		}
		return
	}

	var records []record
	if unmarshalErr := json.Unmarshal(data, &records); unmarshalErr != nil {
		p.log.Warn("proxy store corrupt, starting cold", "path", p.cfg.File, "error", unmarshalErr.Error())
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, r := range records {
		if r.URL == "" {
			continue
		}
		p.endpoints[r.URL] = fromRecord(r)
	}

	p.log.Info("loaded proxy pool", "endpoints", len(p.endpoints), "path", p.cfg.File)
}
