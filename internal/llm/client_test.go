package llm

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/api/googleapi"

	"github.com/jmpublishing/bookpress/internal/retry"
)

func TestCleanJSONBlock(t *testing.T) {
	assert.Equal(t, `{"a":1}`, CleanJSONBlock(`{"a":1}`))
	assert.Equal(t, `{"a":1}`, CleanJSONBlock("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, CleanJSONBlock("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, CleanJSONBlock("  {\"a\":1}  "))
	assert.Empty(t, CleanJSONBlock("```json\n```"))
}

func TestClassifyAPIError(t *testing.T) {
	wrap := func(code int) error {
		return fmt.Errorf("failed to generate content: %w", &googleapi.Error{Code: code})
	}

	assert.True(t, retry.IsTransient(classifyAPIError(wrap(429))), "rate limits are transient")
	assert.True(t, retry.IsTransient(classifyAPIError(wrap(500))))
	assert.True(t, retry.IsTransient(classifyAPIError(wrap(503))))
	assert.False(t, retry.IsTransient(classifyAPIError(wrap(400))), "bad requests are permanent")
	assert.False(t, retry.IsTransient(classifyAPIError(wrap(401))))
	assert.False(t, retry.IsTransient(classifyAPIError(wrap(403))))

	// Non-HTTP failures (network resets, stream errors) stay retryable.
	assert.True(t, retry.IsTransient(classifyAPIError(errors.New("connection reset"))))
}

func TestConfig_GetModel(t *testing.T) {
	cfg := DefaultGeminiConfig()
	assert.NotEmpty(t, cfg.GetModel(TierStandard))
	assert.NotEmpty(t, cfg.GetModel(TierAdvanced))

	cfg = &Config{Models: map[ModelTier]string{TierStandard: "small-model"}}
	assert.Equal(t, "small-model", cfg.GetModel(TierAdvanced), "unknown tiers fall back to standard")

	cfg = &Config{}
	assert.Empty(t, cfg.GetModel(TierAdvanced))
}

func TestConfig_WithModel(t *testing.T) {
	base := DefaultGeminiConfig()
	custom := base.WithModel(TierAdvanced, "experimental-model")

	assert.Equal(t, "experimental-model", custom.GetModel(TierAdvanced))
	assert.Equal(t, base.GetModel(TierStandard), custom.GetModel(TierStandard))
	assert.NotEqual(t, "experimental-model", base.GetModel(TierAdvanced), "original config is untouched")
}

func TestNewGeminiClient_RequiresAPIKey(t *testing.T) {
	_, err := NewGeminiClient(t.Context(), DefaultGeminiConfig(), "")
	assert.Error(t, err)
}
