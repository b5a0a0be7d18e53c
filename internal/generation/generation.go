// Package generation produces book content through the LLM client: concept,
// title and outline, chapters, back-cover blurb, and portal metadata. Every
// structured response is schema-validated before use.
package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jmpublishing/bookpress/internal/config"
	"github.com/jmpublishing/bookpress/internal/llm"
	"github.com/jmpublishing/bookpress/internal/prompts"
	"github.com/jmpublishing/bookpress/internal/retry"
	"github.com/jmpublishing/bookpress/internal/schemas"
	"github.com/jmpublishing/bookpress/internal/types"
)

const promptFile = "generation.json"

// Service generates book content. It holds no mutable state beyond the
// client, so one Service can serve concurrent runs.
type Service struct {
	client llm.Client
	cfg    config.Config
}

// NewService creates a generation service over an LLM client.
func NewService(client llm.Client, cfg config.Config) *Service {
	return &Service{client: client, cfg: cfg}
}

// Concept generates a book concept for the genre.
func (s *Service) Concept(ctx context.Context, genre string) (*types.Concept, error) {
	prompt := prompts.Format(prompts.MustGet(promptFile, "concept"), map[string]string{
		"Genre":       genre,
		"MinWords":    strconv.Itoa(s.cfg.MinWordCount),
		"MaxWords":    strconv.Itoa(s.cfg.MaxWordCount),
		"MinChapters": strconv.Itoa(s.cfg.MinChapters),
		"MaxChapters": strconv.Itoa(s.cfg.MaxChapters),
	})

	raw, err := s.client.GenerateJSON(ctx, prompt, llm.TierAdvanced)
	if err != nil {
		return nil, fmt.Errorf("concept generation failed: %w", err)
	}

	var concept types.Concept
	if err := decodeValidated(raw, "concept.schema.json", &concept); err != nil {
		return nil, err
	}
	if err := concept.Validate(); err != nil {
		return nil, retry.Transient(fmt.Errorf("generated concept failed validation: %w", err))
	}
	return &concept, nil
}

// TitleAndOutline generates a title and chapter outline from a concept.
func (s *Service) TitleAndOutline(ctx context.Context, concept *types.Concept) (*types.Outline, error) {
	prompt := prompts.Format(prompts.MustGet(promptFile, "title_outline"), map[string]string{
		"ConceptSummary": concept.ConceptSummary,
		"Genre":          concept.Niche,
		"Subgenre":       concept.Subgenre,
		"WordCount":      strconv.Itoa(concept.WordCount),
		"ChapterCount":   strconv.Itoa(concept.ChapterCount),
	})

	raw, err := s.client.GenerateJSON(ctx, prompt, llm.TierAdvanced)
	if err != nil {
		return nil, fmt.Errorf("outline generation failed: %w", err)
	}

	var outline types.Outline
	if err := decodeValidated(raw, "outline.schema.json", &outline); err != nil {
		return nil, err
	}
	if err := outline.Validate(); err != nil {
		return nil, retry.Transient(fmt.Errorf("generated outline failed validation: %w", err))
	}
	return &outline, nil
}

// Chapter generates one chapter, threading summaries of the preceding
// chapters into the prompt for continuity.
func (s *Service) Chapter(ctx context.Context, title, genre string, ch types.ChapterOutline, previous []types.ChapterOutline) (string, error) {
	var prev strings.Builder
	for _, p := range previous {
		fmt.Fprintf(&prev, "Chapter %d: %s\n", p.Number, p.Summary)
	}

	prompt := prompts.Format(prompts.MustGet(promptFile, "chapter"), map[string]string{
		"Title":        title,
		"Genre":        genre,
		"Number":       strconv.Itoa(ch.Number),
		"ChapterTitle": ch.Title,
		"Summary":      ch.Summary,
		"Previous":     prev.String(),
	})

	content, err := s.client.GenerateContent(ctx, prompt, llm.TierStandard)
	if err != nil {
		return "", fmt.Errorf("chapter %d generation failed: %w", ch.Number, err)
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return "", retry.Transient(fmt.Errorf("chapter %d came back empty", ch.Number))
	}
	return content, nil
}

// Blurb generates the back-cover blurb.
func (s *Service) Blurb(ctx context.Context, title, genre, summary string) (string, error) {
	prompt := prompts.Format(prompts.MustGet(promptFile, "blurb"), map[string]string{
		"Title":   title,
		"Genre":   genre,
		"Summary": summary,
	})

	blurb, err := s.client.GenerateContent(ctx, prompt, llm.TierStandard)
	if err != nil {
		return "", fmt.Errorf("blurb generation failed: %w", err)
	}
	return strings.TrimSpace(blurb), nil
}

// CoverImagePrompt generates the text prompt handed to the image model.
func (s *Service) CoverImagePrompt(ctx context.Context, title, genre string) (string, error) {
	prompt := prompts.Format(prompts.MustGet(promptFile, "cover_image"), map[string]string{
		"Title":  title,
		"Genre":  genre,
		"Width":  strconv.Itoa(s.cfg.CoverWidth),
		"Height": strconv.Itoa(s.cfg.CoverHeight),
	})

	imagePrompt, err := s.client.GenerateContent(ctx, prompt, llm.TierStandard)
	if err != nil {
		return "", fmt.Errorf("cover prompt generation failed: %w", err)
	}
	return strings.TrimSpace(imagePrompt), nil
}

// PortalMetadata generates the publishing-portal metadata for a manuscript.
func (s *Service) PortalMetadata(ctx context.Context, m *types.Manuscript, concept *types.Concept) (*types.PortalMetadata, error) {
	prompt := prompts.Format(prompts.MustGet(promptFile, "portal_metadata"), map[string]string{
		"Title":     m.Title,
		"Author":    s.cfg.AuthorName,
		"Year":      strconv.Itoa(s.cfg.PublicationYear),
		"Language":  s.cfg.Language,
		"Synopsis":  m.Synopsis,
		"Genre":     concept.Niche,
		"Subgenre":  concept.Subgenre,
		"WordCount": strconv.Itoa(m.WordCount()),
		"AgeRating": s.cfg.AgeRating,
		"PriceUSD":  fmt.Sprintf("%.2f", s.cfg.PriceUSD),
		"PriceEUR":  fmt.Sprintf("%.2f", s.cfg.PriceEUR),
	})

	raw, err := s.client.GenerateJSON(ctx, prompt, llm.TierAdvanced)
	if err != nil {
		return nil, fmt.Errorf("portal metadata generation failed: %w", err)
	}

	var meta types.PortalMetadata
	if err := decodeValidated(raw, "portal_metadata.schema.json", &meta); err != nil {
		return nil, err
	}
	if err := meta.Validate(); err != nil {
		return nil, retry.Transient(fmt.Errorf("generated portal metadata failed validation: %w", err))
	}
	return &meta, nil
}

// decodeValidated extracts the JSON object from raw model output, validates
// it against the named schema, then unmarshals into out. Malformed model
// output is transient: the next attempt may produce well-formed JSON.
func decodeValidated(raw, schemaName string, out any) error {
	doc := extractJSONObject(raw)
	if doc == "" {
		return retry.Transient(fmt.Errorf("no JSON object found in model output"))
	}
	if err := schemas.Validate(schemaName, []byte(doc)); err != nil {
		return retry.Transient(err)
	}
	if err := json.Unmarshal([]byte(doc), out); err != nil {
		return retry.Transient(fmt.Errorf("failed to parse model output: %w", err))
	}
	return nil
}

// extractJSONObject slices from the first '{' to the last '}', tolerating
// prose the model wraps around its JSON.
func extractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return ""
	}
	return raw[start : end+1]
}
