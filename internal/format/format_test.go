package format

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmpublishing/bookpress/internal/config"
	"github.com/jmpublishing/bookpress/internal/types"
)

func testManuscript() *types.Manuscript {
	return &types.Manuscript{
		Title:    "Flour & Felony",
		Genre:    "Cozy Mystery",
		Author:   "R. Veldt",
		Language: "English",
		Synopsis: "A baker turns detective.",
		Blurb:    "Maren never wanted to solve murders. The murders disagreed.",
		Chapters: []types.Chapter{
			{Number: 1, Title: "The First Crumb", Content: "A body behind the bakery.\n\nMaren found it at dawn."},
			{Number: 2, Title: "Proofing", Content: "The sheriff asked questions."},
		},
	}
}

func writeTestCover(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cover.png")
	require.NoError(t, os.WriteFile(path, []byte("\x89PNG fake image bytes"), 0o644))
	return path
}

func readZipEntries(t *testing.T, path string) (map[string]string, *zip.ReadCloser) {
	t.Helper()
	r, err := zip.OpenReader(path)
	require.NoError(t, err)

	entries := make(map[string]string)
	for _, f := range r.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		entries[f.Name] = string(data)
	}
	return entries, r
}

func TestWriteEPUB_Layout(t *testing.T) {
	m := testManuscript()
	path := filepath.Join(t.TempDir(), "book.epub")
	require.NoError(t, WriteEPUB(path, m, 2026, writeTestCover(t)))

	r, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	// The mimetype entry must be first and stored uncompressed.
	require.NotEmpty(t, r.File)
	first := r.File[0]
	assert.Equal(t, "mimetype", first.Name)
	assert.Equal(t, zip.Store, first.Method)

	names := make(map[string]bool)
	for _, f := range r.File {
		names[f.Name] = true
	}
	for _, want := range []string{
		"META-INF/container.xml",
		"OEBPS/content.opf",
		"OEBPS/nav.xhtml",
		"OEBPS/title.xhtml",
		"OEBPS/toc.xhtml",
		"OEBPS/chapter_1.xhtml",
		"OEBPS/chapter_2.xhtml",
		"OEBPS/blurb.xhtml",
		"OEBPS/cover.png",
	} {
		assert.True(t, names[want], "missing entry %s", want)
	}
}

func TestWriteEPUB_Content(t *testing.T) {
	m := testManuscript()
	path := filepath.Join(t.TempDir(), "book.epub")
	require.NoError(t, WriteEPUB(path, m, 2026, ""))

	entries, r := readZipEntries(t, path)
	defer r.Close()

	assert.Equal(t, "application/epub+zip", entries["mimetype"])
	assert.Contains(t, entries["META-INF/container.xml"], `full-path="OEBPS/content.opf"`)

	opf := entries["OEBPS/content.opf"]
	assert.Contains(t, opf, "<dc:title>Flour &amp; Felony</dc:title>", "title is XML-escaped")
	assert.Contains(t, opf, "<dc:creator>R. Veldt</dc:creator>")
	assert.Contains(t, opf, "<dc:language>en</dc:language>", "language name maps to a tag")
	assert.Contains(t, opf, "<dc:date>2026</dc:date>")
	assert.NotContains(t, opf, "cover-image", "no cover entries without a cover")

	assert.Contains(t, entries["OEBPS/chapter_1.xhtml"], "<h2>The First Crumb</h2>")
	assert.Contains(t, entries["OEBPS/chapter_1.xhtml"], "<p>A body behind the bakery.</p>")
	assert.Contains(t, entries["OEBPS/blurb.xhtml"], "The murders disagreed.")

	_, hasCover := entries["OEBPS/cover.png"]
	assert.False(t, hasCover)
}

func TestWritePDF(t *testing.T) {
	m := testManuscript()
	path := filepath.Join(t.TempDir(), "book.pdf")
	require.NoError(t, WritePDF(path, m, 2026))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)

	assert.True(t, strings.HasPrefix(content, "%PDF-1.4\n"))
	assert.True(t, strings.HasSuffix(content, "%%EOF\n"))
	assert.Contains(t, content, "(Flour & Felony) Tj")
	assert.Contains(t, content, "(Table of Contents) Tj")
	assert.Contains(t, content, "(The First Crumb) Tj")
	assert.Contains(t, content, "/BaseFont /Helvetica")
	assert.Contains(t, content, "/BaseFont /Helvetica-Bold")
	assert.Contains(t, content, "xref")
	assert.Contains(t, content, "trailer")

	// Title page, TOC, two chapters, blurb.
	assert.Contains(t, content, "/Count 5")
}

func TestWritePDF_EscapesDelimiters(t *testing.T) {
	m := testManuscript()
	m.Chapters[0].Content = "She wrote (in pencil) a note with a \\ in it."
	path := filepath.Join(t.TempDir(), "book.pdf")
	require.NoError(t, WritePDF(path, m, 2026))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `\(in pencil\)`)
	assert.Contains(t, string(data), `\\`)
}

func TestService_CreateAll(t *testing.T) {
	cfg := config.Config{BooksDir: t.TempDir(), PublicationYear: 2026}
	svc := NewService(cfg)

	paths, err := svc.CreateAll(testManuscript(), "")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(cfg.BooksDir, "Flour_&_Felony.epub"), paths.EPUB)
	assert.Equal(t, filepath.Join(cfg.BooksDir, "Flour_&_Felony.pdf"), paths.PDF)
	assert.FileExists(t, paths.EPUB)
	assert.FileExists(t, paths.PDF)
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "Whos_There", sanitizeFilename("Who's There?"))
	assert.Equal(t, "Night_Shift_A_Story", sanitizeFilename("Night Shift: A Story"))
	assert.Equal(t, "a_b_c", sanitizeFilename("a/b\\c"))
}

func TestWrapText(t *testing.T) {
	assert.Nil(t, wrapText("", 10))
	assert.Equal(t, []string{"one two"}, wrapText("one two", 10))

	lines := wrapText("aaaa bbbb cccc dddd", 9)
	assert.Equal(t, []string{"aaaa bbbb", "cccc dddd"}, lines)

	for _, line := range wrapText(strings.Repeat("word ", 100), 40) {
		assert.LessOrEqual(t, len(line), 40)
	}
}

func TestLanguageCode(t *testing.T) {
	assert.Equal(t, "en", languageCode(&types.Manuscript{Language: "English"}))
	assert.Equal(t, "es", languageCode(&types.Manuscript{Language: "Spanish"}))
	assert.Equal(t, "de", languageCode(&types.Manuscript{Language: "de"}))
	assert.Equal(t, "en", languageCode(&types.Manuscript{}))
	assert.Equal(t, "en", languageCode(&types.Manuscript{Language: "Klingon"}))
}
