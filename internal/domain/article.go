// Package domain holds the core data types shared across the crawler.
package domain

import "time"

// Article is one crawled record. The crawl engine treats the parser's output
// as opaque beyond the URL and crawl timestamp; title, author, and content
// pass through to the sink uninterpreted.
type Article struct {
	Title     string    `db:"title"`
	Author    string    `db:"author"`
	Content   string    `db:"content"`
	URL       string    `db:"url"`
	CrawlTime time.Time `db:"crawl_time"`
}
