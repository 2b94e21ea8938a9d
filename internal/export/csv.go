// Package export renders task results into the downloadable CSV artifact.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/email-scraper/internal/crawler"
	"github.com/JakeFAU/email-scraper/internal/hash/sha256"
	"github.com/JakeFAU/email-scraper/internal/storage"
)

// Header is the first row of every export.
var Header = []string{"Website", "Emails Found"}

// Artifact describes a written export.
type Artifact struct {
	Name     string
	URI      string
	Checksum string
	Rows     int
	Bytes    int64
}

// Writer implements the result writer on top of an ExportStore.
type Writer struct {
	store  crawler.ExportStore
	logger *zap.Logger
}

// NewWriter builds a Writer.
func NewWriter(store crawler.ExportStore, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{store: store, logger: logger}
}

// FileName returns the artifact name for a task.
func FileName(taskID string) string {
	return fmt.Sprintf("scraped_emails_%s.csv", taskID)
}

// Write renders one row per result in submission order and stores it under
// FileName(taskID).
func (w *Writer) Write(ctx context.Context, taskID string, results []crawler.SiteResult) (Artifact, error) {
	var buf bytes.Buffer
	digest := sha256.NewWriter(&buf)
	if err := Render(digest, results); err != nil {
		return Artifact{}, err
	}

	name := FileName(taskID)
	uri, err := w.store.Put(ctx, name, storage.CSVContentType, &buf)
	if err != nil {
		return Artifact{}, fmt.Errorf("store export %s: %w", name, err)
	}
	artifact := Artifact{
		Name:     name,
		URI:      uri,
		Checksum: digest.Sum(),
		Rows:     len(results),
		Bytes:    digest.Size(),
	}
	w.logger.Info("export written",
		zap.String("task_id", taskID),
		zap.String("uri", uri),
		zap.Int("rows", artifact.Rows),
		zap.Int64("bytes", artifact.Bytes),
	)
	return artifact, nil
}

// Render writes the header and one row per result, ordered by Index.
func Render(dst io.Writer, results []crawler.SiteResult) error {
	ordered := append([]crawler.SiteResult(nil), results...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	cw := csv.NewWriter(dst)
	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range ordered {
		if err := cw.Write([]string{r.SeedURL, strings.Join(r.Emails, ", ")}); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}
