// Package types defines the book domain types shared across the pipeline.
package types

import (
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Concept is the seed idea for a book, produced by the concept stage.
type Concept struct {
	Niche          string `json:"niche" validate:"required"`
	Subgenre       string `json:"subgenre"`
	Hook           string `json:"hook" validate:"required"`
	ConceptSummary string `json:"concept_summary" validate:"required"`
	WordCount      int    `json:"word_count" validate:"gte=1000"`
	ChapterCount   int    `json:"chapter_count" validate:"gte=1,lte=50"`
}

// Validate checks the concept against its field constraints.
func (c *Concept) Validate() error {
	return validate.Struct(c)
}

// ChapterOutline is one chapter entry in a book outline.
type ChapterOutline struct {
	Number  int    `json:"chapter_number" validate:"gte=1"`
	Title   string `json:"chapter_title" validate:"required"`
	Summary string `json:"summary" validate:"required"`
}

// Outline is the titled chapter plan for a book.
type Outline struct {
	Title    string           `json:"title" validate:"required"`
	Chapters []ChapterOutline `json:"chapters" validate:"min=1,dive"`
	Keywords []string         `json:"keywords"`
}

// Validate checks the outline against its field constraints.
func (o *Outline) Validate() error {
	return validate.Struct(o)
}

// Chapter is a single generated chapter.
type Chapter struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// WordCount counts whitespace-separated words in the chapter body.
func (c *Chapter) WordCount() int {
	return len(strings.Fields(c.Content))
}

// Manuscript is the complete generated book text.
type Manuscript struct {
	Title    string    `json:"title"`
	Genre    string    `json:"genre"`
	Author   string    `json:"author"`
	Language string    `json:"language"`
	Synopsis string    `json:"synopsis"`
	Blurb    string    `json:"back_cover_blurb"`
	Chapters []Chapter `json:"chapters"`
}

// WordCount is the total word count across chapters.
func (m *Manuscript) WordCount() int {
	total := 0
	for i := range m.Chapters {
		total += m.Chapters[i].WordCount()
	}
	return total
}

// BisacCategory is a BISAC subject heading used by the publishing portal.
type BisacCategory struct {
	Code string `json:"code"`
	Name string `json:"name" validate:"required"`
}

// PortalMetadata is everything the publishing portal form needs.
// Field population order follows the fixed schema: title, genre, subgenre,
// synopsis, keywords, author, language, publication year, ISBN selection,
// file attachments, cover attachment.
type PortalMetadata struct {
	Title           string          `json:"title" validate:"required"`
	Subtitle        string          `json:"subtitle"`
	Genre           string          `json:"genre" validate:"required"`
	Subgenre        string          `json:"subgenre"`
	Synopsis        string          `json:"synopsis" validate:"required"`
	Keywords        []string        `json:"keywords"`
	Author          string          `json:"author" validate:"required"`
	Language        string          `json:"language" validate:"required"`
	PublicationYear int             `json:"publication_year" validate:"gte=1900"`
	AgeRating       string          `json:"age_rating"`
	Categories      []BisacCategory `json:"bisac_categories" validate:"dive"`
	PriceUSD        float64         `json:"suggested_price_usd" validate:"gte=0"`
	PriceEUR        float64         `json:"suggested_price_eur" validate:"gte=0"`
	IsbnOption      string          `json:"isbn_option"`
}

// Validate checks the portal metadata against its field constraints.
func (m *PortalMetadata) Validate() error {
	return validate.Struct(m)
}

// KeywordString renders keywords the way the portal's keyword field expects.
func (m *PortalMetadata) KeywordString() string {
	return strings.Join(m.Keywords, ", ")
}
