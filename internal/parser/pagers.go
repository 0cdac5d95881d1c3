package parser

import (
	"fmt"
	"strings"
)

// The blogging platforms share the general page structure but paginate their
// listing pages differently. Each gets the general extraction logic plus its
// own pagination rule.

func init() {
	Register("zhihu", func(baseURL string) Parser {
		return &queryPager{General: General{baseURL: baseURL}}
	})
	Register("jianshu", func(baseURL string) Parser {
		return &queryPager{General: General{baseURL: baseURL}}
	})
	Register("csdn", func(baseURL string) Parser {
		return &csdnPager{General: General{baseURL: baseURL}}
	})
}

// queryPager paginates with a ?page=N query parameter (zhihu, jianshu).
type queryPager struct {
	General
}

// ListPageURL implements ListPager.
func (q *queryPager) ListPageURL(base string, page int) string {
	return fmt.Sprintf("%s?page=%d", strings.TrimRight(base, "/"), page)
}

// csdnPager paginates with CSDN's /article/list/N path convention.
type csdnPager struct {
	General
}

// ListPageURL implements ListPager.
func (c *csdnPager) ListPageURL(base string, page int) string {
	return fmt.Sprintf("%s/article/list/%d", strings.TrimRight(base, "/"), page)
}
