// Package storage holds helpers shared by the ExportStore implementations.
// Backends live in subpackages: local (filesystem), memory, and gcs.
package storage

import (
	"fmt"
	"path"
	"strings"

	"github.com/JakeFAU/email-scraper/internal/crawler"
)

// CSVContentType is the content type recorded for export artifacts.
const CSVContentType = "text/csv; charset=utf-8"

// ValidateName rejects artifact names that are empty, contain path
// separators, or try to escape the store root. Export names are flat.
func ValidateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("%w: artifact name is required", crawler.ErrInvalidInput)
	case strings.ContainsAny(name, `/\`) || strings.Contains(name, ".."):
		return fmt.Errorf("%w: invalid artifact name %q", crawler.ErrInvalidInput, name)
	case path.Clean(name) != name || strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: invalid artifact name %q", crawler.ErrInvalidInput, name)
	}
	return nil
}
