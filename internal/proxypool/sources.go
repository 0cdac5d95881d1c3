package proxypool

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Source formats.
const (
	// FormatPlain is one ip:port per line.
	FormatPlain = "plain"
	// FormatJSONL is one {"host","port","type"} object per line.
	FormatJSONL = "jsonl"
	// FormatHTML scrapes ip:port pairs out of markup.
	FormatHTML = "html"
)

// sourceFetchTimeout bounds one replenishment request.
const sourceFetchTimeout = 10 * time.Second

// maxSourceBodyBytes caps how much of a source response is read.
const maxSourceBodyBytes = 4 * 1024 * 1024 // 4 MB

// Source describes one external proxy list.
type Source struct {
	Name   string
	URL    string
	Format string
}

// hostPortPattern matches ip:port pairs embedded in text or markup.
var hostPortPattern = regexp.MustCompile(`(\d{1,3}(?:\.\d{1,3}){3}):(\d{2,5})`)

// jsonlEntry is one line of a JSONL proxy list.
type jsonlEntry struct {
	Host string `json:"host"`
	Port any    `json:"port"`
	Type string `json:"type"`
}

// Replenish queries all configured sources concurrently and merges their
// endpoints into the pool. Each source runs in isolation: one source failing
// or timing out never aborts the others. Returns the number of endpoints
// fetched across all sources (before merging).
func (p *Pool) Replenish(ctx context.Context) int {
	if len(p.cfg.Sources) == 0 {
		p.log.Debug("no proxy sources configured")
		return 0
	}

	var fetched atomic.Int64

	// Deliberately not errgroup.WithContext: a failing source must not
	// cancel its siblings.
	var g errgroup.Group

	for _, src := range p.cfg.Sources {
		g.Go(func() error {
			endpoints, err := p.fetchSource(ctx, src)
			if err != nil {
				p.log.Warn("proxy source failed",
					"source", src.Name,
					"error", err.Error(),
				)
				return nil
			}

			for _, e := range endpoints {
				p.Add(e)
			}

			fetched.Add(int64(len(endpoints)))
			p.log.Info("proxy source fetched",
				"source", src.Name,
				"endpoints", len(endpoints),
			)

			return nil
		})
	}

	_ = g.Wait()

	total := int(fetched.Load())
	if total > 0 {
		if err := p.Save(); err != nil {
			p.log.Error("persist proxy pool after replenish", "error", err.Error())
		}
	}

	p.log.Info("replenishment done", "fetched", total, "pool_size", p.Len())

	return total
}

// fetchSource downloads one source list and parses it per its format.
func (p *Pool) fetchSource(ctx context.Context, src Source) ([]*Endpoint, error) {
	reqCtx, cancel := context.WithTimeout(ctx, sourceFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, src.URL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if p.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", p.cfg.UserAgent)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", src.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", src.URL, resp.StatusCode)
	}

	body := io.LimitReader(resp.Body, maxSourceBodyBytes)

	switch src.Format {
	case FormatJSONL:
		return parseJSONL(body, src.Name), nil
	case FormatHTML:
		return parseHostPorts(body, src.Name)
	case FormatPlain, "":
		return parsePlain(body, src.Name), nil
	default:
		return nil, fmt.Errorf("unknown source format %q", src.Format)
	}
}

// parsePlain reads one ip:port per line, tolerating \r\n endings and blanks.
func parsePlain(r io.Reader, source string) []*Endpoint {
	var out []*Endpoint

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.Contains(line, ":") {
			continue
		}

		out = append(out, NewEndpoint(line, "http", source))
	}

	return out
}

// parseJSONL reads one JSON object per line. Lines that fail to decode are
// skipped rather than failing the source.
func parseJSONL(r io.Reader, source string) []*Endpoint {
	var out []*Endpoint

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var entry jsonlEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}

		port := portString(entry.Port)
		if entry.Host == "" || port == "" {
			continue
		}

		protocol := entry.Type
		if protocol == "" {
			protocol = "http"
		}

		out = append(out, NewEndpoint(entry.Host+":"+port, protocol, source))
	}

	return out
}

// parseHostPorts scrapes ip:port pairs out of arbitrary markup.
func parseHostPorts(r io.Reader, source string) ([]*Endpoint, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	matches := hostPortPattern.FindAllString(string(data), -1)

	seen := make(map[string]struct{}, len(matches))
	out := make([]*Endpoint, 0, len(matches))

	for _, m := range matches {
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, NewEndpoint(m, "http", source))
	}

	return out, nil
}

// portString renders a JSON port value (number or string) as a string.
func portString(v any) string {
	switch port := v.(type) {
	case string:
		return port
	case float64:
		return fmt.Sprintf("%.0f", port)
	case json.Number:
		return port.String()
	default:
		return ""
	}
}
