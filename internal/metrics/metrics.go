// Package metrics collects crawl run counters.
package metrics

import (
	"sync"
	"time"
)

// Metrics holds the counters for one crawl run. All access is mutex-guarded;
// workers update it concurrently.
type Metrics struct {
	mu sync.Mutex

	startTime time.Time

	fetchSucceeded int64
	fetchFailed    int64
	parseErrors    int64
	proxiedFetches int64
	articles       int64
	pagesSeeded    int64
}

// New creates a Metrics instance anchored at now.
func New() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// StartTime returns when the run began.
func (m *Metrics) StartTime() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startTime
}

// Elapsed returns the time since the run began.
func (m *Metrics) Elapsed() time.Duration {
	return time.Since(m.StartTime())
}

// RecordFetch counts one completed fetch attempt chain.
func (m *Metrics) RecordFetch(success, proxied bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if success {
		m.fetchSucceeded++
	} else {
		m.fetchFailed++
	}
	if proxied {
		m.proxiedFetches++
	}
}

// RecordParseError counts a page the parser rejected.
func (m *Metrics) RecordParseError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parseErrors++
}

// RecordArticle counts one collected record.
func (m *Metrics) RecordArticle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.articles++
}

// RecordSeededPage counts one listing page consumed during seeding.
func (m *Metrics) RecordSeededPage() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pagesSeeded++
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	StartTime      time.Time
	Elapsed        time.Duration
	FetchSucceeded int64
	FetchFailed    int64
	ParseErrors    int64
	ProxiedFetches int64
	Articles       int64
	PagesSeeded    int64
}

// Snapshot returns a copy of the current counters.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Snapshot{
		StartTime:      m.startTime,
		Elapsed:        time.Since(m.startTime),
		FetchSucceeded: m.fetchSucceeded,
		FetchFailed:    m.fetchFailed,
		ParseErrors:    m.parseErrors,
		ProxiedFetches: m.proxiedFetches,
		Articles:       m.articles,
		PagesSeeded:    m.pagesSeeded,
	}
}
