package storage

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mingzhi-chen/gospider/internal/domain"
	"github.com/mingzhi-chen/gospider/internal/logger"
)

// csvFileName is the article store inside the output directory.
const csvFileName = "articles.csv"

// crawlTimeLayout is the timestamp format used in the CSV store.
const crawlTimeLayout = "2006-01-02 15:04:05"

// csvHeader is the column order of the store.
var csvHeader = []string{"title", "author", "content", "url", "crawl_time"}

// CSVSink writes articles to a CSV file, rewriting the whole file at each
// checkpoint so the store is always complete and readable mid-run.
type CSVSink struct {
	dir string
	log logger.Interface
}

// NewCSVSink creates a CSV sink rooted at dir.
func NewCSVSink(dir string, log logger.Interface) *CSVSink {
	if dir == "" {
		dir = "data"
	}

	return &CSVSink{dir: dir, log: log}
}

// Path returns the CSV file location.
func (s *CSVSink) Path() string {
	return filepath.Join(s.dir, csvFileName)
}

// Flush rewrites the store with the given articles. Writes go through a temp
// file and rename so a crash mid-checkpoint never truncates prior results.
func (s *CSVSink) Flush(ctx context.Context, articles []domain.Article) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if mkErr := os.MkdirAll(s.dir, 0o755); mkErr != nil {
		return fmt.Errorf("storage: create output dir: %w", mkErr)
	}

	tmp, err := os.CreateTemp(s.dir, csvFileName+".*")
	if err != nil {
		return fmt.Errorf("storage: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)

	if writeErr := w.Write(csvHeader); writeErr != nil {
		tmp.Close()
		return fmt.Errorf("storage: write csv header: %w", writeErr)
	}

	for i := range articles {
		a := &articles[i]
		row := []string{a.Title, a.Author, a.Content, a.URL, a.CrawlTime.Format(crawlTimeLayout)}

		if writeErr := w.Write(row); writeErr != nil {
			tmp.Close()
			return fmt.Errorf("storage: write csv row: %w", writeErr)
		}
	}

	w.Flush()
	if flushErr := w.Error(); flushErr != nil {
		tmp.Close()
		return fmt.Errorf("storage: flush csv: %w", flushErr)
	}

	if closeErr := tmp.Close(); closeErr != nil {
		return fmt.Errorf("storage: close temp file: %w", closeErr)
	}

	if renameErr := os.Rename(tmp.Name(), s.Path()); renameErr != nil {
		return fmt.Errorf("storage: replace csv store: %w", renameErr)
	}

	s.log.Debug("flushed articles", "count", len(articles), "path", s.Path())

	return nil
}

// Load reads previously persisted articles. A missing file is a cold start;
// a corrupt file is a warning and a cold start, never an error.
func (s *CSVSink) Load(ctx context.Context) ([]domain.Article, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(s.Path())
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("article store unreadable, starting cold", "path", s.Path(), "error", err.Error())
		}
		return nil, nil
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(csvHeader)

	rows, err := r.ReadAll()
	if err != nil {
		s.log.Warn("article store corrupt, starting cold", "path", s.Path(), "error", err.Error())
		return nil, nil
	}

	if len(rows) <= 1 {
		return nil, nil
	}

	articles := make([]domain.Article, 0, len(rows)-1)

	for _, row := range rows[1:] {
		crawlTime, parseErr := time.ParseInLocation(crawlTimeLayout, row[4], time.Local)
		if parseErr != nil {
			crawlTime = time.Time{}
		}

		articles = append(articles, domain.Article{
			Title:     row[0],
			Author:    row[1],
			Content:   row[2],
			URL:       row[3],
			CrawlTime: crawlTime,
		})
	}

	return articles, nil
}

// Close implements ArticleSink. The CSV sink holds no resources between calls.
func (s *CSVSink) Close() error {
	return nil
}
