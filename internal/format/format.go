// Package format renders a manuscript into distributable book files. EPUB is
// a zip container with a fixed layout, written directly; PDF is a minimal
// single-font document with pagination.
package format

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmpublishing/bookpress/internal/config"
	"github.com/jmpublishing/bookpress/internal/types"
)

// Paths holds the output file locations for one formatted book.
type Paths struct {
	EPUB string
	PDF  string
}

// Service formats manuscripts into book files under the books directory.
type Service struct {
	cfg config.Config
}

// NewService creates a format service.
func NewService(cfg config.Config) *Service {
	return &Service{cfg: cfg}
}

// CreateAll writes the EPUB and PDF for a manuscript. coverPath may be empty
// when the cover stage was skipped; the EPUB then omits the cover entry.
func (s *Service) CreateAll(m *types.Manuscript, coverPath string) (Paths, error) {
	if err := os.MkdirAll(s.cfg.BooksDir, 0o755); err != nil {
		return Paths{}, fmt.Errorf("failed to create books directory: %w", err)
	}

	base := sanitizeFilename(m.Title)
	paths := Paths{
		EPUB: filepath.Join(s.cfg.BooksDir, base+".epub"),
		PDF:  filepath.Join(s.cfg.BooksDir, base+".pdf"),
	}

	if err := WriteEPUB(paths.EPUB, m, s.cfg.PublicationYear, coverPath); err != nil {
		return Paths{}, fmt.Errorf("epub creation failed: %w", err)
	}
	if err := WritePDF(paths.PDF, m, s.cfg.PublicationYear); err != nil {
		return Paths{}, fmt.Errorf("pdf creation failed: %w", err)
	}
	return paths, nil
}

// sanitizeFilename turns a book title into a safe file stem.
func sanitizeFilename(title string) string {
	repl := strings.NewReplacer(" ", "_", ":", "", "?", "", "!", "", "/", "_", "\\", "_", "\"", "", "'", "")
	return repl.Replace(title)
}
