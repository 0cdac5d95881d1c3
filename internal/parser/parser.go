// Package parser provides per-site parsing strategies behind a fixed
// two-method contract, selected by a name registry. The crawl engine treats
// parsers as opaque capabilities.
package parser

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/mingzhi-chen/gospider/internal/domain"
)

// ErrNoArticle is returned by ParseArticle when the page holds no extractable
// article. The caller skips the URL; it is never fatal.
var ErrNoArticle = errors.New("parser: no article on page")

// Parser is the per-site parsing contract.
type Parser interface {
	// ExtractLinks returns candidate article URLs found on a page. The
	// returned URLs may be relative; the frontier normalizes them.
	ExtractLinks(html, pageURL string) ([]string, error)
	// ParseArticle extracts an article from a page, or ErrNoArticle.
	ParseArticle(html, pageURL string) (*domain.Article, error)
}

// ListPager is the optional pagination rule a parser can contribute for its
// site's listing pages. Sites without one get the default /page/N rule.
type ListPager interface {
	ListPageURL(base string, page int) string
}

// Factory builds a parser rooted at a site's base URL.
type Factory func(baseURL string) Parser

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a named parser factory. Called from init in each parser file;
// duplicate names panic to surface wiring bugs early.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("parser: duplicate registration for %q", name))
	}

	registry[name] = factory
}

// Get returns the parser registered under name, falling back to the general
// parser for unknown names.
func Get(name, baseURL string) Parser {
	registryMu.RLock()
	factory, ok := registry[strings.ToLower(name)]
	if !ok {
		factory = registry["general"]
	}
	registryMu.RUnlock()

	return factory(baseURL)
}

// Names returns the registered parser names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// ListPageURL resolves the listing-page URL for a site at the given page
// number, delegating to the parser's own rule when it has one. Page 1 is
// always the base URL itself.
func ListPageURL(p Parser, base string, page int) string {
	if page <= 1 {
		return base
	}

	if pager, ok := p.(ListPager); ok {
		return pager.ListPageURL(base, page)
	}

	return fmt.Sprintf("%s/page/%d", strings.TrimRight(base, "/"), page)
}

var (
	htmlTagPattern   = regexp.MustCompile(`<[^>]+>`)
	whitespaceRunner = regexp.MustCompile(`\s+`)
)

// cleanText strips stray markup and collapses whitespace runs.
func cleanText(text string) string {
	if text == "" {
		return ""
	}

	text = htmlTagPattern.ReplaceAllString(text, " ")
	text = whitespaceRunner.ReplaceAllString(text, " ")

	return strings.TrimSpace(text)
}
