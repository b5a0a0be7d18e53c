package generation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmpublishing/bookpress/internal/config"
	"github.com/jmpublishing/bookpress/internal/llm"
	"github.com/jmpublishing/bookpress/internal/retry"
	"github.com/jmpublishing/bookpress/internal/types"
)

// fakeLLM returns canned responses and records the prompts it saw.
type fakeLLM struct {
	jsonResponse string
	textResponse string
	err          error
	prompts      []string
}

func (f *fakeLLM) GenerateContent(ctx context.Context, prompt string, tier llm.ModelTier) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return f.textResponse, f.err
}

func (f *fakeLLM) GenerateJSON(ctx context.Context, prompt string, tier llm.ModelTier) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return f.jsonResponse, f.err
}

func (f *fakeLLM) GetModel(tier llm.ModelTier) string { return "fake-model" }
func (f *fakeLLM) Close() error                       { return nil }

func testGenConfig() config.Config {
	return config.Config{
		MinWordCount:    15000,
		MaxWordCount:    30000,
		MinChapters:     8,
		MaxChapters:     15,
		AuthorName:      "R. Veldt",
		Language:        "English",
		AgeRating:       "All Ages",
		PublicationYear: 2026,
		PriceUSD:        4.99,
		PriceEUR:        4.49,
		CoverWidth:      1600,
		CoverHeight:     2560,
	}
}

const validConceptJSON = `{
	"niche": "Cozy Mystery",
	"subgenre": "Culinary",
	"hook": "A baker solves crimes with crumbs.",
	"concept_summary": "A small-town baker keeps finding bodies behind her shop and pieces each case together from what the victims last ate.",
	"word_count": 20000,
	"chapter_count": 10
}`

func TestService_Concept(t *testing.T) {
	client := &fakeLLM{jsonResponse: validConceptJSON}
	svc := NewService(client, testGenConfig())

	concept, err := svc.Concept(context.Background(), "Cozy Mystery")
	require.NoError(t, err)
	assert.Equal(t, "Cozy Mystery", concept.Niche)
	assert.Equal(t, 20000, concept.WordCount)
	assert.Equal(t, 10, concept.ChapterCount)

	require.Len(t, client.prompts, 1)
	assert.Contains(t, client.prompts[0], "Cozy Mystery", "genre threads into the prompt")
	assert.Contains(t, client.prompts[0], "15000", "configured word bounds thread into the prompt")
}

func TestService_ConceptToleratesWrappedJSON(t *testing.T) {
	client := &fakeLLM{jsonResponse: "Sure! Here is the concept:\n" + validConceptJSON + "\nLet me know if you need changes."}
	svc := NewService(client, testGenConfig())

	concept, err := svc.Concept(context.Background(), "Cozy Mystery")
	require.NoError(t, err)
	assert.Equal(t, "A baker solves crimes with crumbs.", concept.Hook)
}

func TestService_ConceptSchemaViolationIsTransient(t *testing.T) {
	// word_count below the schema minimum.
	client := &fakeLLM{jsonResponse: `{"niche":"x","hook":"y","concept_summary":"short","word_count":10,"chapter_count":10}`}
	svc := NewService(client, testGenConfig())

	_, err := svc.Concept(context.Background(), "Cozy Mystery")
	require.Error(t, err)
	assert.True(t, retry.IsTransient(err), "bad model output should be retried")
}

func TestService_ConceptWithoutJSONIsTransient(t *testing.T) {
	client := &fakeLLM{jsonResponse: "I cannot produce a concept right now."}
	svc := NewService(client, testGenConfig())

	_, err := svc.Concept(context.Background(), "Cozy Mystery")
	require.Error(t, err)
	assert.True(t, retry.IsTransient(err))
	assert.Contains(t, err.Error(), "no JSON object found")
}

func TestService_ConceptPropagatesClientErrors(t *testing.T) {
	client := &fakeLLM{err: retry.Permanent(errors.New("quota exhausted"))}
	svc := NewService(client, testGenConfig())

	_, err := svc.Concept(context.Background(), "Cozy Mystery")
	require.Error(t, err)
	assert.False(t, retry.IsTransient(err), "permanent client errors stay permanent")
	assert.Contains(t, err.Error(), "concept generation failed")
}

func TestService_TitleAndOutline(t *testing.T) {
	client := &fakeLLM{jsonResponse: `{
		"title": "Flour and Felony",
		"chapters": [
			{"chapter_number": 1, "chapter_title": "The First Crumb", "summary": "A body is found."},
			{"chapter_number": 2, "chapter_title": "Proofing", "summary": "The baker investigates."}
		],
		"keywords": ["bakery", "mystery"]
	}`}
	svc := NewService(client, testGenConfig())

	concept := &types.Concept{
		Niche:          "Cozy Mystery",
		Hook:           "h",
		ConceptSummary: "s",
		WordCount:      20000,
		ChapterCount:   2,
	}
	outline, err := svc.TitleAndOutline(context.Background(), concept)
	require.NoError(t, err)
	assert.Equal(t, "Flour and Felony", outline.Title)
	require.Len(t, outline.Chapters, 2)
	assert.Equal(t, "The First Crumb", outline.Chapters[0].Title)
	assert.Equal(t, []string{"bakery", "mystery"}, outline.Keywords)
}

func TestService_Chapter(t *testing.T) {
	client := &fakeLLM{textResponse: "  The morning the body turned up, Maren was icing lemon bars.  "}
	svc := NewService(client, testGenConfig())

	previous := []types.ChapterOutline{
		{Number: 1, Title: "The First Crumb", Summary: "A body is found."},
	}
	content, err := svc.Chapter(context.Background(), "Flour and Felony", "Cozy Mystery",
		types.ChapterOutline{Number: 2, Title: "Proofing", Summary: "The baker investigates."}, previous)
	require.NoError(t, err)
	assert.Equal(t, "The morning the body turned up, Maren was icing lemon bars.", content)

	require.Len(t, client.prompts, 1)
	assert.Contains(t, client.prompts[0], "Chapter 1: A body is found.", "earlier summaries thread in for continuity")
}

func TestService_ChapterEmptyResponseIsTransient(t *testing.T) {
	client := &fakeLLM{textResponse: "   \n"}
	svc := NewService(client, testGenConfig())

	_, err := svc.Chapter(context.Background(), "T", "G", types.ChapterOutline{Number: 3, Title: "t", Summary: "s"}, nil)
	require.Error(t, err)
	assert.True(t, retry.IsTransient(err))
	assert.Contains(t, err.Error(), "chapter 3 came back empty")
}

func TestService_PortalMetadata(t *testing.T) {
	client := &fakeLLM{jsonResponse: `{
		"title": "Flour and Felony",
		"genre": "Cozy Mystery",
		"subgenre": "Culinary",
		"synopsis": "A baker turns detective.",
		"keywords": ["bakery", "mystery"],
		"author": "R. Veldt",
		"language": "English",
		"publication_year": 2026,
		"age_rating": "All Ages",
		"bisac_categories": [{"code": "FIC022000", "name": "Fiction / Mystery & Detective / General"}],
		"suggested_price_usd": 4.99,
		"suggested_price_eur": 4.49,
		"isbn_option": "free"
	}`}
	svc := NewService(client, testGenConfig())

	m := &types.Manuscript{
		Title:    "Flour and Felony",
		Synopsis: "A baker turns detective.",
		Chapters: []types.Chapter{{Number: 1, Content: strings.Repeat("word ", 100)}},
	}
	concept := &types.Concept{Niche: "Cozy Mystery", Subgenre: "Culinary", Hook: "h", ConceptSummary: "s", WordCount: 20000, ChapterCount: 10}

	meta, err := svc.PortalMetadata(context.Background(), m, concept)
	require.NoError(t, err)
	assert.Equal(t, "Flour and Felony", meta.Title)
	assert.Equal(t, "R. Veldt", meta.Author)
	assert.Equal(t, 2026, meta.PublicationYear)
	assert.Equal(t, "free", meta.IsbnOption)
	require.Len(t, meta.Categories, 1)
	assert.Equal(t, "FIC022000", meta.Categories[0].Code)
}

func TestExtractJSONObject(t *testing.T) {
	assert.Equal(t, `{"a":1}`, extractJSONObject(`{"a":1}`))
	assert.Equal(t, `{"a":1}`, extractJSONObject("prose before {\"a\":1} prose after"))
	assert.Equal(t, `{"a":{"b":2}}`, extractJSONObject(`wrapped {"a":{"b":2}} tail`))
	assert.Empty(t, extractJSONObject("no json here"))
	assert.Empty(t, extractJSONObject("} backwards {"))
}
