package format

import (
	"archive/zip"
	"fmt"
	"html"
	"io"
	"os"
	"strings"

	"github.com/jmpublishing/bookpress/internal/types"
)

const containerXML = `<?xml version="1.0" encoding="UTF-8"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles>
    <rootfile full-path="OEBPS/content.opf" media-type="application/oebps-package+xml"/>
  </rootfiles>
</container>
`

// WriteEPUB writes an EPUB 3 container for the manuscript. The spine carries
// a title page, a table of contents, every chapter in order, and the blurb
// page when a blurb exists. coverPath, when non-empty, is embedded and marked
// as the cover image.
func WriteEPUB(path string, m *types.Manuscript, year int, coverPath string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create epub file: %w", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)

	// The mimetype entry must be first and stored uncompressed; readers
	// sniff it at a fixed byte offset.
	mw, err := zw.CreateHeader(&zip.FileHeader{Name: "mimetype", Method: zip.Store})
	if err != nil {
		return err
	}
	if _, err := mw.Write([]byte("application/epub+zip")); err != nil {
		return err
	}

	if err := writeZipEntry(zw, "META-INF/container.xml", containerXML); err != nil {
		return err
	}

	hasCover := coverPath != ""
	if err := writeZipEntry(zw, "OEBPS/content.opf", buildOPF(m, year, hasCover)); err != nil {
		return err
	}
	if err := writeZipEntry(zw, "OEBPS/nav.xhtml", buildNav(m)); err != nil {
		return err
	}
	if err := writeZipEntry(zw, "OEBPS/title.xhtml", buildTitlePage(m, year)); err != nil {
		return err
	}
	if err := writeZipEntry(zw, "OEBPS/toc.xhtml", buildTOCPage(m)); err != nil {
		return err
	}
	for _, ch := range m.Chapters {
		name := fmt.Sprintf("OEBPS/chapter_%d.xhtml", ch.Number)
		if err := writeZipEntry(zw, name, buildChapterPage(ch)); err != nil {
			return err
		}
	}
	if m.Blurb != "" {
		if err := writeZipEntry(zw, "OEBPS/blurb.xhtml", buildBlurbPage(m)); err != nil {
			return err
		}
	}
	if hasCover {
		if err := copyIntoZip(zw, "OEBPS/cover.png", coverPath); err != nil {
			return err
		}
	}

	return zw.Close()
}

func writeZipEntry(zw *zip.Writer, name, content string) error {
	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = w.Write([]byte(content))
	return err
}

func copyIntoZip(zw *zip.Writer, name, srcPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open cover image: %w", err)
	}
	defer src.Close()

	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}

func buildOPF(m *types.Manuscript, year int, hasCover bool) string {
	var b strings.Builder
	identifier := "book_" + strings.ToLower(strings.ReplaceAll(m.Title, " ", "_"))

	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString(`<package xmlns="http://www.idpf.org/2007/opf" version="3.0" unique-identifier="bookid">` + "\n")
	b.WriteString("  <metadata xmlns:dc=\"http://purl.org/dc/elements/1.1/\">\n")
	fmt.Fprintf(&b, "    <dc:identifier id=\"bookid\">%s</dc:identifier>\n", html.EscapeString(identifier))
	fmt.Fprintf(&b, "    <dc:title>%s</dc:title>\n", html.EscapeString(m.Title))
	fmt.Fprintf(&b, "    <dc:creator>%s</dc:creator>\n", html.EscapeString(m.Author))
	fmt.Fprintf(&b, "    <dc:language>%s</dc:language>\n", languageCode(m))
	fmt.Fprintf(&b, "    <dc:date>%d</dc:date>\n", year)
	if m.Synopsis != "" {
		fmt.Fprintf(&b, "    <dc:description>%s</dc:description>\n", html.EscapeString(m.Synopsis))
	}
	if hasCover {
		b.WriteString("    <meta name=\"cover\" content=\"cover-image\"/>\n")
	}
	b.WriteString("  </metadata>\n")

	b.WriteString("  <manifest>\n")
	b.WriteString("    <item id=\"nav\" href=\"nav.xhtml\" media-type=\"application/xhtml+xml\" properties=\"nav\"/>\n")
	b.WriteString("    <item id=\"title\" href=\"title.xhtml\" media-type=\"application/xhtml+xml\"/>\n")
	b.WriteString("    <item id=\"toc\" href=\"toc.xhtml\" media-type=\"application/xhtml+xml\"/>\n")
	for _, ch := range m.Chapters {
		fmt.Fprintf(&b, "    <item id=\"chapter_%d\" href=\"chapter_%d.xhtml\" media-type=\"application/xhtml+xml\"/>\n", ch.Number, ch.Number)
	}
	if m.Blurb != "" {
		b.WriteString("    <item id=\"blurb\" href=\"blurb.xhtml\" media-type=\"application/xhtml+xml\"/>\n")
	}
	if hasCover {
		b.WriteString("    <item id=\"cover-image\" href=\"cover.png\" media-type=\"image/png\" properties=\"cover-image\"/>\n")
	}
	b.WriteString("  </manifest>\n")

	b.WriteString("  <spine>\n")
	b.WriteString("    <itemref idref=\"title\"/>\n")
	b.WriteString("    <itemref idref=\"toc\"/>\n")
	for _, ch := range m.Chapters {
		fmt.Fprintf(&b, "    <itemref idref=\"chapter_%d\"/>\n", ch.Number)
	}
	if m.Blurb != "" {
		b.WriteString("    <itemref idref=\"blurb\"/>\n")
	}
	b.WriteString("  </spine>\n")
	b.WriteString("</package>\n")
	return b.String()
}

func buildNav(m *types.Manuscript) string {
	var b strings.Builder
	b.WriteString(xhtmlHead("Navigation"))
	b.WriteString("<nav epub:type=\"toc\" xmlns:epub=\"http://www.idpf.org/2007/ops\">\n<ol>\n")
	b.WriteString("<li><a href=\"title.xhtml\">Title Page</a></li>\n")
	for _, ch := range m.Chapters {
		fmt.Fprintf(&b, "<li><a href=\"chapter_%d.xhtml\">%s</a></li>\n", ch.Number, html.EscapeString(ch.Title))
	}
	if m.Blurb != "" {
		b.WriteString("<li><a href=\"blurb.xhtml\">About the Book</a></li>\n")
	}
	b.WriteString("</ol>\n</nav>\n</body>\n</html>\n")
	return b.String()
}

func buildTitlePage(m *types.Manuscript, year int) string {
	var b strings.Builder
	b.WriteString(xhtmlHead(m.Title))
	fmt.Fprintf(&b, "<h1>%s</h1>\n", html.EscapeString(m.Title))
	fmt.Fprintf(&b, "<p>by %s</p>\n", html.EscapeString(m.Author))
	fmt.Fprintf(&b, "<p>%d</p>\n", year)
	b.WriteString("</body>\n</html>\n")
	return b.String()
}

func buildTOCPage(m *types.Manuscript) string {
	var b strings.Builder
	b.WriteString(xhtmlHead("Table of Contents"))
	b.WriteString("<h1>Table of Contents</h1>\n<ul>\n")
	for _, ch := range m.Chapters {
		fmt.Fprintf(&b, "<li><a href=\"chapter_%d.xhtml\">%s</a></li>\n", ch.Number, html.EscapeString(ch.Title))
	}
	b.WriteString("</ul>\n</body>\n</html>\n")
	return b.String()
}

func buildChapterPage(ch types.Chapter) string {
	var b strings.Builder
	b.WriteString(xhtmlHead(ch.Title))
	fmt.Fprintf(&b, "<h2>%s</h2>\n", html.EscapeString(ch.Title))
	b.WriteString(textToHTML(ch.Content))
	b.WriteString("</body>\n</html>\n")
	return b.String()
}

func buildBlurbPage(m *types.Manuscript) string {
	var b strings.Builder
	b.WriteString(xhtmlHead("About the Book"))
	b.WriteString("<h2>About the Book</h2>\n")
	fmt.Fprintf(&b, "<p>%s</p>\n", html.EscapeString(m.Blurb))
	b.WriteString("</body>\n</html>\n")
	return b.String()
}

func xhtmlHead(title string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE html>
<html xmlns="http://www.w3.org/1999/xhtml">
<head><title>%s</title></head>
<body>
`, html.EscapeString(title))
}

// textToHTML converts plain chapter text into paragraph markup. Blank lines
// separate paragraphs; single newlines become line breaks.
func textToHTML(text string) string {
	var b strings.Builder
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		escaped := html.EscapeString(para)
		escaped = strings.ReplaceAll(escaped, "\n", "<br/>")
		fmt.Fprintf(&b, "<p>%s</p>\n", escaped)
	}
	return b.String()
}

func languageCode(m *types.Manuscript) string {
	// Portal metadata carries a language name ("English"); EPUB wants a tag.
	switch strings.ToLower(m.Language) {
	case "english", "en", "":
		return "en"
	case "spanish", "es":
		return "es"
	case "french", "fr":
		return "fr"
	case "german", "de":
		return "de"
	case "italian", "it":
		return "it"
	default:
		return "en"
	}
}
