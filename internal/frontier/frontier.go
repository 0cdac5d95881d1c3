package frontier

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mingzhi-chen/gospider/internal/logger"
)

// visitedFileName is the persisted visited-URL store inside the output directory.
const visitedFileName = "visited_urls.json"

// Options configures a Frontier.
type Options struct {
	// QueueSize bounds the pending buffer. Producers drop new URLs with a
	// warning once it is full.
	QueueSize int
	// SameDomainOnly restricts added URLs to the base domain (subdomains allowed).
	SameDomainOnly bool
}

// Frontier holds the deduplicated pending and visited URL state for a crawl.
// All URLs stored inside are normalized. The pending buffer is bounded:
// once full, new discoveries are dropped rather than blocking producers.
type Frontier struct {
	base *url.URL
	opts Options
	log  logger.Interface

	mu      sync.Mutex
	seen    map[string]time.Time
	visited map[string]struct{}
	dropped int

	pending chan string
}

// New creates a Frontier rooted at baseURL.
func New(baseURL string, opts Options, log logger.Interface) (*Frontier, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("frontier: parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("frontier: base url %q: %w", baseURL, errMissingSchemeOrHost)
	}

	if opts.QueueSize <= 0 {
		opts.QueueSize = 100
	}

	return &Frontier{
		base:    base,
		opts:    opts,
		log:     log,
		seen:    make(map[string]time.Time),
		visited: make(map[string]struct{}),
		pending: make(chan string, opts.QueueSize),
	}, nil
}

// Base returns the parsed base URL.
func (f *Frontier) Base() *url.URL {
	return f.base
}

// Normalize resolves raw against the frontier's base URL and canonicalizes it.
func (f *Frontier) Normalize(raw string) (string, error) {
	return Normalize(raw, f.base)
}

// Seed adds the initial URLs. It is Add under a different name, kept separate
// so call sites read as intent.
func (f *Frontier) Seed(rawURLs []string) int {
	return f.Add(rawURLs...)
}

// Add normalizes and enqueues URLs that have not been seen before. Malformed
// URLs, off-domain URLs, already-seen URLs, and URLs in the visited set are
// skipped. Returns the number of URLs actually enqueued.
func (f *Frontier) Add(rawURLs ...string) int {
	added := 0

	for _, raw := range rawURLs {
		normalized, err := Normalize(raw, f.base)
		if err != nil {
			f.log.Warn("dropping malformed url", "url", raw, "error", err.Error())
			continue
		}

		if f.opts.SameDomainOnly {
			parsed, parseErr := url.Parse(normalized)
			if parseErr != nil || !SameDomain(parsed, f.base) {
				continue
			}
		}

		if !f.admit(normalized) {
			continue
		}

		select {
		case f.pending <- normalized:
			added++
		default:
			f.forget(normalized)
			f.log.Warn("pending buffer full, dropping url", "url", normalized)
		}
	}

	return added
}

// admit records the URL in the seen set if it is new and not already visited.
func (f *Frontier) admit(normalized string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.visited[normalized]; ok {
		return false
	}
	if _, ok := f.seen[normalized]; ok {
		return false
	}

	f.seen[normalized] = time.Now()

	return true
}

// forget removes a URL from the seen set after a failed enqueue so a later
// Add can retry it.
func (f *Frontier) forget(normalized string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.seen, normalized)
	f.dropped++
}

// Next returns the next pending URL, waiting up to timeout. The second return
// is false when the buffer stayed empty for the whole wait.
func (f *Frontier) Next(timeout time.Duration) (string, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case u := <-f.pending:
		return u, true
	case <-timer.C:
		return "", false
	}
}

// MarkVisited records a normalized URL as crawled.
func (f *Frontier) MarkVisited(normalized string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.visited[normalized] = struct{}{}
}

// IsVisited reports whether a normalized URL has been crawled.
func (f *Frontier) IsVisited(normalized string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.visited[normalized]

	return ok
}

// PendingLen returns the number of buffered URLs.
func (f *Frontier) PendingLen() int {
	return len(f.pending)
}

// VisitedCount returns the size of the visited set.
func (f *Frontier) VisitedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.visited)
}

// DroppedCount returns how many discoveries were dropped on a full buffer.
func (f *Frontier) DroppedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.dropped
}

// Save persists the visited set as a JSON array of normalized URL strings
// under dir.
func (f *Frontier) Save(dir string) error {
	f.mu.Lock()
	urls := make([]string, 0, len(f.visited))
	for u := range f.visited {
		urls = append(urls, u)
	}
	f.mu.Unlock()

	data, err := json.Marshal(urls)
	if err != nil {
		return fmt.Errorf("frontier: marshal visited urls: %w", err)
	}

	if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
		return fmt.Errorf("frontier: create output dir: %w", mkErr)
	}

	path := filepath.Join(dir, visitedFileName)
	if writeErr := os.WriteFile(path, data, 0o644); writeErr != nil {
		return fmt.Errorf("frontier: write visited urls: %w", writeErr)
	}

	f.log.Debug("persisted visited urls", "count", len(urls), "path", path)

	return nil
}

// Load restores the visited set from dir. A missing or corrupt store is a
// cold start, not an error: the crawl proceeds with an empty visited set.
// Returns the number of URLs loaded.
func (f *Frontier) Load(dir string) int {
	path := filepath.Join(dir, visitedFileName)

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			f.log.Warn("visited url store unreadable, starting cold", "path", path, "error", err.Error())
		}
		return 0
	}

	var urls []string
	if unmarshalErr := json.Unmarshal(data, &urls); unmarshalErr != nil {
		f.log.Warn("visited url store corrupt, starting cold", "path", path, "error", unmarshalErr.Error())
		return 0
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, u := range urls {
		f.visited[u] = struct{}{}
	}

	return len(urls)
}
