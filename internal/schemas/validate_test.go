package schemas

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_ConceptAccepted(t *testing.T) {
	doc := []byte(`{
		"niche": "Cozy Mystery",
		"hook": "A baker solves crimes.",
		"concept_summary": "A small-town baker keeps finding bodies behind her shop and solves each case herself.",
		"word_count": 20000,
		"chapter_count": 10
	}`)
	assert.NoError(t, Validate("concept.schema.json", doc))
}

func TestValidate_ConceptViolations(t *testing.T) {
	doc := []byte(`{"niche": "", "word_count": 100, "chapter_count": 99}`)
	err := Validate("concept.schema.json", doc)
	require.Error(t, err)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "concept.schema.json", ve.Schema)
	assert.NotEmpty(t, ve.Errors)

	fields := make(map[string]bool)
	for _, fe := range ve.Errors {
		fields[fe.Field] = true
	}
	assert.True(t, fields["niche"], "empty niche is rejected")
	assert.True(t, fields["word_count"], "word count below minimum is rejected")
	assert.True(t, fields["chapter_count"], "chapter count above maximum is rejected")
	assert.True(t, fields["(root)"], "missing required fields are reported at the root")
}

func TestValidate_OutlineRequiresChapters(t *testing.T) {
	assert.Error(t, Validate("outline.schema.json", []byte(`{"title": "T", "chapters": []}`)))
	assert.NoError(t, Validate("outline.schema.json", []byte(`{
		"title": "T",
		"chapters": [{"chapter_number": 1, "chapter_title": "One", "summary": "s"}]
	}`)))
}

func TestValidate_UnknownSchema(t *testing.T) {
	err := Validate("missing.schema.json", []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load schema")
}

func TestValidate_MalformedDocument(t *testing.T) {
	err := Validate("concept.schema.json", []byte(`{not json`))
	assert.Error(t, err)
}

func TestValidationError_Message(t *testing.T) {
	ve := &ValidationError{
		Schema: "concept.schema.json",
		Errors: []FieldError{{Field: "niche", Message: "is required"}},
	}
	msg := ve.Error()
	assert.Contains(t, msg, "validation against concept.schema.json failed")
	assert.Contains(t, msg, "1. niche: is required")
}
