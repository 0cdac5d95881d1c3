package parser

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/mingzhi-chen/gospider/internal/domain"
)

func init() {
	Register("sina", func(baseURL string) Parser {
		return &Sina{baseURL: baseURL}
	})
}

// sinaArticlePattern matches Sina news article URLs across the channel
// subdomains (news, finance, sports, tech, ent).
var sinaArticlePattern = regexp.MustCompile(
	`(?i)^https?://(news|finance|sports|tech|ent)\.sina\.com\.cn/.*\.s?html`,
)

// Sina parses news.sina.com.cn listing and article pages.
type Sina struct {
	baseURL string
}

// ExtractLinks returns Sina article URLs found on a listing page.
func (s *Sina) ExtractLinks(html, pageURL string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse sina listing %s: %w", pageURL, err)
	}

	seen := make(map[string]struct{})
	var links []string

	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		href = strings.TrimSpace(href)

		if !sinaArticlePattern.MatchString(href) {
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

// ParseArticle extracts a Sina news article. Sina has shipped several page
// templates; each field tries the known selector variants in order.
func (s *Sina) ParseArticle(html, pageURL string) (*domain.Article, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse sina article %s: %w", pageURL, err)
	}

	title := firstText(doc, "h1.main-title", "h1.entry-title", "h1.data-title")

	author := firstText(doc,
		"a.source", "span.source", "div.date-source a", "div.date-source span",
	)

	content := firstParagraphs(doc, minContentLength,
		"div.article p", "div.article-content p", "div.content p", "#artibody p",
	)
	content = cleanText(content)

	if title == "" && content == "" {
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
