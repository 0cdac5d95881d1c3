// Package proxypool manages a self-scoring pool of outbound proxy endpoints.
// Endpoints are scored on observed success rate, response latency, and usage
// volume; invalid endpoints are pruned and the pool replenishes itself from
// external sources.
package proxypool

import (
	"fmt"
	"time"
)

// Validity policy thresholds. An endpoint that never succeeds gets a short
// leash; one with enough history must keep its success rate above the floor.
const (
	hardFailLimit    = 5
	minSampleSize    = 10
	successRateFloor = 0.3
)

// Reliability score weights and factors.
const (
	successRateWeight = 0.6
	timeFactorWeight  = 0.3
	usageFactorWeight = 0.1

	// unusedReliability is the optimistic prior for a never-used endpoint,
	// so fresh proxies are not starved by proven ones.
	unusedReliability = 0.5

	// usageSaturation is the attempt count at which the usage factor maxes out.
	usageSaturation = 10.0
)

// EWMA weights for smoothing response time on each reported outcome.
const (
	ewmaOldWeight = 0.7
	ewmaNewWeight = 0.3
)

// Endpoint is a single outbound proxy and its observed performance.
type Endpoint struct {
	// Address is the host:port of the proxy.
	Address string
	// Protocol is the proxy scheme (http, https, socks5).
	Protocol string
	// Source labels where the endpoint was discovered.
	Source string
	// SuccessCount and FailCount accumulate reported outcomes.
	SuccessCount int
	FailCount    int
	// LastCheck is the time of the most recent probe or report.
	LastCheck time.Time
	// ResponseTime is the exponentially-weighted moving average latency.
	ResponseTime time.Duration
}

// NewEndpoint creates an endpoint with no history.
func NewEndpoint(address, protocol, source string) *Endpoint {
	if protocol == "" {
		protocol = "http"
	}

	return &Endpoint{
		Address:   address,
		Protocol:  protocol,
		Source:    source,
		LastCheck: time.Now(),
	}
}

// URL returns the endpoint in proxy-URL form, e.g. "http://1.2.3.4:8080".
func (e *Endpoint) URL() string {
	return e.Protocol + "://" + e.Address
}

// IsValid reports whether the endpoint is still worth keeping. An endpoint is
// invalid once it has failed hardFailLimit times without a single success, or
// once its success rate drops below successRateFloor over at least
// minSampleSize attempts.
func (e *Endpoint) IsValid() bool {
	if e.FailCount >= hardFailLimit && e.SuccessCount == 0 {
		return false
	}

	total := e.SuccessCount + e.FailCount
	if total >= minSampleSize && float64(e.SuccessCount)/float64(total) < successRateFloor {
		return false
	}

	return true
}

// Reliability scores the endpoint in [0,1] as a weighted blend of success
// rate, latency, and usage volume. More attempts make the score more trusted.
func (e *Endpoint) Reliability() float64 {
	total := e.SuccessCount + e.FailCount
	if total == 0 {
		return unusedReliability
	}

	successRate := float64(e.SuccessCount) / float64(total)

	timeFactor := 1.0
	if e.ResponseTime > 0 {
		timeFactor = min(1.0, 2.0/(e.ResponseTime.Seconds()+1.0))
	}

	usageFactor := min(1.0, float64(total)/usageSaturation)

	return successRate*successRateWeight + timeFactor*timeFactorWeight + usageFactor*usageFactorWeight
}

// observe folds a reported outcome into the endpoint's counters and latency
// average. Caller must hold the pool lock.
func (e *Endpoint) observe(ok bool, rtt time.Duration) {
	e.LastCheck = time.Now()

	if !ok {
		e.FailCount++
		return
	}

	e.SuccessCount++

	if rtt <= 0 {
		return
	}
	if e.ResponseTime > 0 {
		e.ResponseTime = time.Duration(float64(e.ResponseTime)*ewmaOldWeight + float64(rtt)*ewmaNewWeight)
	} else {
		e.ResponseTime = rtt
	}
}

// String renders the endpoint for logs and tables.
func (e *Endpoint) String() string {
	return fmt.Sprintf("%s://%s succ=%d fail=%d rel=%.2f",
		e.Protocol, e.Address, e.SuccessCount, e.FailCount, e.Reliability())
}

// record is the persisted JSON shape of an endpoint. Times are stored the way
// the store format defines them: last_check as unix seconds, response_time as
// seconds.
type record struct {
	URL          string  `json:"url"`
	Protocol     string  `json:"protocol"`
	Source       string  `json:"source"`
	SuccessCount int     `json:"success_count"`
	FailCount    int     `json:"fail_count"`
	LastCheck    float64 `json:"last_check"`
	ResponseTime float64 `json:"response_time"`
}

// toRecord converts an endpoint to its persisted form.
func (e *Endpoint) toRecord() record {
	return record{
		URL:          e.Address,
		Protocol:     e.Protocol,
		Source:       e.Source,
		SuccessCount: e.SuccessCount,
		FailCount:    e.FailCount,
		LastCheck:    float64(e.LastCheck.UnixMilli()) / 1000.0,
		ResponseTime: e.ResponseTime.Seconds(),
	}
}

// fromRecord restores an endpoint from its persisted form.
func fromRecord(r record) *Endpoint {
	protocol := r.Protocol
	if protocol == "" {
		protocol = "http"
	}

	lastCheck := time.Now()
	if r.LastCheck > 0 {
		lastCheck = time.UnixMilli(int64(r.LastCheck * 1000.0))
	}

	return &Endpoint{
		Address:      r.URL,
		Protocol:     protocol,
		Source:       r.Source,
		SuccessCount: r.SuccessCount,
		FailCount:    r.FailCount,
		LastCheck:    lastCheck,
		ResponseTime: time.Duration(r.ResponseTime * float64(time.Second)),
	}
}
