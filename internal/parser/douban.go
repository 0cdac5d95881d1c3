package parser

import (
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/mingzhi-chen/gospider/internal/domain"
)

func init() {
	Register("douban", func(baseURL string) Parser {
		return &Douban{baseURL: baseURL}
	})
}

// Douban parses movie.douban.com subject and review pages.
type Douban struct {
	baseURL string
}

// ExtractLinks returns subject, review, and chart links from a Douban page.
func (d *Douban) ExtractLinks(html, pageURL string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse douban listing %s: %w", pageURL, err)
	}

	seen := make(map[string]struct{})
	var links []string

	collect := func(href string) {
		href = strings.TrimSpace(href)
		if href == "" {
			return
		}
		if _, dup := seen[href]; dup {
			return
		}
		seen[href] = struct{}{}
		links = append(links, href)
	}

	// Now-playing and hot-movie carousels.
	doc.Find(".screening-bd .ui-slide-item a, .ui-slide-item a").Each(func(_ int, sel *goquery.Selection) {
		if href, ok := sel.Attr("href"); ok {
			collect(href)
		}
	})

	// Review links off subject pages.
	doc.Find("a.review-link").Each(func(_ int, sel *goquery.Selection) {
		if href, ok := sel.Attr("href"); ok {
			collect(href)
		}
	})

	// Top-250 chart links.
	doc.Find(`a[href*="/top250"]`).Each(func(_ int, sel *goquery.Selection) {
		if href, ok := sel.Attr("href"); ok {
			collect(href)
		}
	})

	return links, nil
}

// ParseArticle extracts a movie subject page or a review page, whichever the
// URL identifies.
func (d *Douban) ParseArticle(html, pageURL string) (*domain.Article, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse douban page %s: %w", pageURL, err)
	}

	switch {
	case strings.Contains(pageURL, "/subject/"):
		return d.parseSubject(doc, pageURL)
	case strings.Contains(pageURL, "/review/"):
		return d.parseReview(doc, pageURL)
	default:
		return nil, fmt.Errorf("%w: %s", ErrNoArticle, pageURL)
	}
}

// parseSubject extracts a movie detail page: title, director as author, and
// the synopsis as content.
func (d *Douban) parseSubject(doc *goquery.Document, pageURL string) (*domain.Article, error) {
	title := firstText(doc, `h1 span[property="v:itemreviewed"]`, "h1 span", "h1")

	author := firstText(doc, `a[rel="v:directedBy"]`, "#info .attrs a")

	content := firstText(doc, `span[property="v:summary"]`, "#link-report span", ".related-info .indent")
	content = cleanText(content)

	if title == "" {
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

// parseReview extracts a review page.
func (d *Douban) parseReview(doc *goquery.Document, pageURL string) (*domain.Article, error) {
	title := firstText(doc, "h1 span", "h1")

	author := firstText(doc, "header.main-hd a.name", ".main-hd a")

	content := firstParagraphs(doc, minContentLength, ".review-content p", ".review-content")
	if content == "" {
		content = firstText(doc, ".review-content")
	}
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
