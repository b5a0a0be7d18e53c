package format

import (
	"fmt"
	"os"
	"strings"

	"github.com/jmpublishing/bookpress/internal/types"
)

// Letter-size page in PDF points with one-inch margins.
const (
	pageWidth  = 612.0
	pageHeight = 792.0
	margin     = 72.0
)

const (
	fontBody    = "F1"
	fontHeading = "F2"
)

type pdfLine struct {
	text     string
	font     string
	size     float64
	gapAfter float64
	centered bool
}

type pdfBuilder struct {
	pages   [][]pdfLine
	current []pdfLine
	cursorY float64
}

func newPDFBuilder() *pdfBuilder {
	return &pdfBuilder{cursorY: pageHeight - margin}
}

func (b *pdfBuilder) add(l pdfLine) {
	needed := l.size + l.gapAfter
	if b.cursorY-needed < margin {
		b.pageBreak()
	}
	b.current = append(b.current, l)
	b.cursorY -= needed
}

func (b *pdfBuilder) pageBreak() {
	if len(b.current) > 0 {
		b.pages = append(b.pages, b.current)
	}
	b.current = nil
	b.cursorY = pageHeight - margin
}

func (b *pdfBuilder) finish() [][]pdfLine {
	b.pageBreak()
	return b.pages
}

// WritePDF writes a paginated PDF of the manuscript: title page, table of
// contents, chapters, and the blurb when present.
func WritePDF(path string, m *types.Manuscript, year int) error {
	b := newPDFBuilder()

	// Title page
	b.add(pdfLine{text: m.Title, font: fontHeading, size: 24, gapAfter: 30, centered: true})
	b.add(pdfLine{text: "by " + m.Author, font: fontBody, size: 12, gapAfter: 20, centered: true})
	b.add(pdfLine{text: fmt.Sprintf("%d", year), font: fontBody, size: 12, gapAfter: 20, centered: true})
	b.pageBreak()

	// Table of contents
	b.add(pdfLine{text: "Table of Contents", font: fontHeading, size: 18, gapAfter: 20, centered: true})
	for _, ch := range m.Chapters {
		b.add(pdfLine{text: fmt.Sprintf("%d. %s", ch.Number, ch.Title), font: fontBody, size: 12, gapAfter: 4})
	}
	b.pageBreak()

	// Chapters
	for _, ch := range m.Chapters {
		b.add(pdfLine{text: ch.Title, font: fontHeading, size: 18, gapAfter: 20, centered: true})
		for _, para := range strings.Split(ch.Content, "\n\n") {
			para = strings.TrimSpace(para)
			if para == "" {
				continue
			}
			lines := wrapText(para, 88)
			for i, line := range lines {
				gap := 4.0
				if i == len(lines)-1 {
					gap = 12.0
				}
				b.add(pdfLine{text: line, font: fontBody, size: 12, gapAfter: gap})
			}
		}
		b.pageBreak()
	}

	// Blurb
	if m.Blurb != "" {
		b.add(pdfLine{text: "About the Book", font: fontHeading, size: 18, gapAfter: 20, centered: true})
		for _, line := range wrapText(m.Blurb, 88) {
			b.add(pdfLine{text: line, font: fontBody, size: 12, gapAfter: 4})
		}
	}

	return emitPDF(path, b.finish())
}

// wrapText greedily wraps text at a maximum rune count per line.
func wrapText(text string, maxLen int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	var lines []string
	line := words[0]
	for _, word := range words[1:] {
		if len(line)+1+len(word) > maxLen {
			lines = append(lines, line)
			line = word
			continue
		}
		line += " " + word
	}
	lines = append(lines, line)
	return lines
}

// emitPDF serializes pages into a PDF 1.4 document. Object layout: catalog,
// page tree, two Type1 fonts, then per page a page object and its content
// stream. The xref table carries the byte offset of every object.
func emitPDF(path string, pages [][]pdfLine) error {
	var buf strings.Builder
	offsets := []int{0} // object 0 is the free-list head

	writeObj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets)-1, body)
	}

	buf.WriteString("%PDF-1.4\n")

	// Objects 1..4 are fixed; page objects start at 5 and alternate with
	// their content streams.
	pageCount := len(pages)
	if pageCount == 0 {
		pageCount = 1
		pages = [][]pdfLine{nil}
	}

	kids := make([]string, pageCount)
	for i := 0; i < pageCount; i++ {
		kids[i] = fmt.Sprintf("%d 0 R", 5+i*2)
	}

	writeObj("<< /Type /Catalog /Pages 2 0 R >>")
	writeObj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), pageCount))
	writeObj("<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>")
	writeObj("<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica-Bold >>")

	for i, page := range pages {
		contentRef := 6 + i*2
		writeObj(fmt.Sprintf(
			"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 %.0f %.0f] /Resources << /Font << /F1 3 0 R /F2 4 0 R >> >> /Contents %d 0 R >>",
			pageWidth, pageHeight, contentRef))

		stream := renderContentStream(page)
		writeObj(fmt.Sprintf("<< /Length %d >>\nstream\n%sendstream", len(stream), stream))
	}

	xrefOffset := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(offsets))
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets[1:] {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets), xrefOffset)

	return os.WriteFile(path, []byte(buf.String()), 0o644)
}

func renderContentStream(page []pdfLine) string {
	var b strings.Builder
	y := pageHeight - margin
	for _, l := range page {
		y -= l.size
		x := margin
		if l.centered {
			// Approximate Helvetica advance as half the point size.
			width := float64(len(l.text)) * l.size * 0.5
			x = (pageWidth - width) / 2
			if x < margin {
				x = margin
			}
		}
		fmt.Fprintf(&b, "BT /%s %.0f Tf %.2f %.2f Td (%s) Tj ET\n", l.font, l.size, x, y, escapePDFString(l.text))
		y -= l.gapAfter
	}
	return b.String()
}

// escapePDFString escapes the delimiters of a PDF literal string.
func escapePDFString(s string) string {
	repl := strings.NewReplacer("\\", "\\\\", "(", "\\(", ")", "\\)", "\r", " ", "\n", " ")
	return repl.Replace(s)
}
