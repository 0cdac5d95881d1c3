package parser

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/mingzhi-chen/gospider/internal/domain"
)

// minContentLength is the threshold below which extracted content is
// considered boilerplate rather than an article body.
const minContentLength = 200

// minParagraphLength filters navigation fragments when falling back to a
// whole-page paragraph sweep.
const minParagraphLength = 50

func init() {
	Register("general", func(baseURL string) Parser {
		return &General{baseURL: baseURL}
	})
}

// articleIndicators mark URL paths that usually point at article pages.
var articleIndicators = []*regexp.Regexp{
	regexp.MustCompile(`(?i)/articles?/`),
	regexp.MustCompile(`(?i)/news/`),
	regexp.MustCompile(`(?i)/posts?/`),
	regexp.MustCompile(`(?i)/blogs?/`),
	regexp.MustCompile(`(?i)/content/`),
	regexp.MustCompile(`(?i)/stor(y|ies)/`),
	regexp.MustCompile(`(?i)/view/`),
	regexp.MustCompile(`(?i)/read/`),
	regexp.MustCompile(`(?i)/detail/`),
	regexp.MustCompile(`/\d{4}/`),
	regexp.MustCompile(`(?i)/p/`),
	regexp.MustCompile(`(?i)/a/`),
	regexp.MustCompile(`(?i)\.s?html?($|\?)`),
	regexp.MustCompile(`(?i)\.aspx?($|\?)`),
	regexp.MustCompile(`(?i)\.php($|\?)`),
	regexp.MustCompile(`(?i)/doc-`),
	regexp.MustCompile(`(?i)/news(detail|info)`),
}

// excludeIndicators mark URL paths that are never articles: listings, account
// pages, media, feeds.
var excludeIndicators = []*regexp.Regexp{
	regexp.MustCompile(`(?i)/tags?/`),
	regexp.MustCompile(`(?i)/categor(y|ies)/`),
	regexp.MustCompile(`(?i)/search/`),
	regexp.MustCompile(`(?i)/login`),
	regexp.MustCompile(`(?i)/register`),
	regexp.MustCompile(`(?i)/signup`),
	regexp.MustCompile(`(?i)/download`),
	regexp.MustCompile(`(?i)/about/`),
	regexp.MustCompile(`(?i)/contact`),
	regexp.MustCompile(`(?i)/help/`),
	regexp.MustCompile(`(?i)/faq`),
	regexp.MustCompile(`(?i)/terms/`),
	regexp.MustCompile(`(?i)/privacy`),
	regexp.MustCompile(`(?i)/sitemap`),
	regexp.MustCompile(`(?i)/(rss|feed)/`),
	regexp.MustCompile(`(?i)/comments?/`),
	regexp.MustCompile(`(?i)/pages?/`),
	regexp.MustCompile(`(?i)/images?/`),
	regexp.MustCompile(`(?i)/videos?/`),
	regexp.MustCompile(`(?i)/(user|profile|members?|author)/`),
}

// General is the fallback parser for sites without a dedicated strategy.
// It works off common article-page conventions: h1 titles, byline classes,
// article/content containers.
type General struct {
	baseURL string
}

// ExtractLinks returns hrefs on the page that look like article URLs.
func (g *General) ExtractLinks(html, pageURL string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse listing page %s: %w", pageURL, err)
	}

	seen := make(map[string]struct{})
	var links []string

	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		href = strings.TrimSpace(href)

		if href == "" || strings.HasPrefix(href, "#") ||
			strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
			return
		}

		if !looksLikeArticleURL(href) {
			return
		}

		if _, dup := seen[href]; dup {
			return
		}
		seen[href] = struct{}{}
		links = append(links, href)
	})

	return links, nil
}

// ParseArticle extracts title, author, and body from a generic article page.
func (g *General) ParseArticle(html, pageURL string) (*domain.Article, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse article page %s: %w", pageURL, err)
	}

	title := firstText(doc,
		"article h1", "header h1", ".article h1", ".post h1",
		".entry h1", ".content h1", "h1",
	)

	author := firstText(doc,
		".author", ".byline", ".meta .author", `[rel="author"]`, "article .meta",
	)

	content := firstParagraphs(doc, minContentLength,
		"article p", ".article p", ".post-content p",
		".entry-content p", ".content p", "main p",
	)

	if len(content) < minContentLength {
		content = sweepParagraphs(doc)
	}

	content = cleanText(content)

	if title == "" && len(content) < minContentLength {
		return nil, fmt.Errorf("%w: %s", ErrNoArticle, pageURL)
	}

	return &domain.Article{
		Title:     title,
		Author:    author,
		Content:   content,
		URL:       pageURL,
		CrawlTime: time.Now(),
	}, nil
}

// looksLikeArticleURL applies the exclude list first, then the article
// indicators. URLs matching neither list are skipped.
func looksLikeArticleURL(href string) bool {
	for _, pattern := range excludeIndicators {
		if pattern.MatchString(href) {
			return false
		}
	}

	for _, pattern := range articleIndicators {
		if pattern.MatchString(href) {
			return true
		}
	}

	return false
}

// firstText returns the trimmed text of the first selector that matches.
func firstText(doc *goquery.Document, selectors ...string) string {
	for _, selector := range selectors {
		if sel := doc.Find(selector).First(); sel.Length() > 0 {
			if text := strings.TrimSpace(sel.Text()); text != "" {
				return text
			}
		}
	}

	return ""
}

// firstParagraphs joins the paragraphs under the first selector whose joined
// text reaches minLen. Falls back to the longest candidate found.
func firstParagraphs(doc *goquery.Document, minLen int, selectors ...string) string {
	best := ""

	for _, selector := range selectors {
		sel := doc.Find(selector)
		if sel.Length() == 0 {
			continue
		}

		var paragraphs []string
		sel.Each(func(_ int, p *goquery.Selection) {
			paragraphs = append(paragraphs, strings.TrimSpace(p.Text()))
		})

		joined := strings.Join(paragraphs, "\n")
		if len(joined) >= minLen {
			return joined
		}
		if len(joined) > len(best) {
			best = joined
		}
	}

	return best
}

// sweepParagraphs collects all page paragraphs long enough to be prose.
func sweepParagraphs(doc *goquery.Document) string {
	var paragraphs []string

	doc.Find("p").Each(func(_ int, p *goquery.Selection) {
		text := strings.TrimSpace(p.Text())
		if len(text) > minParagraphLength {
			paragraphs = append(paragraphs, text)
		}
	})

	return strings.Join(paragraphs, "\n")
}
