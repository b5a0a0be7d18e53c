package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"genres": ["Cozy Mystery"],
		"min_word_count": 12000,
		"author_name": "R. Veldt",
		"portal": {"url": "https://portal.example.com"},
		"retry": {"max_attempts": 5, "stage_timeout_sec": {"publish": 120}}
	}`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"Cozy Mystery"}, cfg.Genres)
	assert.Equal(t, 12000, cfg.MinWordCount)
	assert.Equal(t, "R. Veldt", cfg.AuthorName)
	assert.Equal(t, "https://portal.example.com", cfg.Portal.URL)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 120, cfg.Retry.StageTimeoutSec["publish"])
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig("")
	assert.Error(t, err)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o644))
	_, err = LoadConfig(bad)
	assert.Error(t, err)
}

func TestFromEnv(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "gem-key")
	t.Setenv("PORTAL_EMAIL", "env@example.com")
	t.Setenv("DATABASE_URL", "postgres://env")

	cfg := Config{Portal: PortalConfig{Email: "file@example.com"}}
	cfg.FromEnv()

	assert.Equal(t, "gem-key", cfg.GeminiAPIKey)
	assert.Equal(t, "file@example.com", cfg.Portal.Email, "config file value wins over env")
	assert.Equal(t, "postgres://env", cfg.DatabaseURL)
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	assert.NoError(t, cfg.Validate())

	cfg = Config{MinWordCount: 20000, MaxWordCount: 10000}
	assert.Error(t, cfg.Validate())

	cfg = Config{MinChapters: 20, MaxChapters: 10}
	assert.Error(t, cfg.Validate())

	cfg = Config{Retry: RetryConfig{MaxAttempts: -1}}
	assert.Error(t, cfg.Validate())

	cfg = Config{Tracker: TrackerConfig{ReconcileStrategy: "append"}}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reconcile_strategy")

	cfg = Config{Tracker: TrackerConfig{ReconcileStrategy: "merge"}}
	assert.NoError(t, cfg.Validate())
}

func TestMergeWithDefaults(t *testing.T) {
	cfg := Config{
		Genres:       []string{"Space Opera"},
		MinWordCount: 25000,
		Verbose:      true,
	}
	merged := cfg.MergeWithDefaults(Defaults())

	assert.Equal(t, []string{"Space Opera"}, merged.Genres, "explicit values survive")
	assert.Equal(t, 25000, merged.MinWordCount)
	assert.True(t, merged.Verbose)

	defaults := Defaults()
	assert.Equal(t, defaults.MaxWordCount, merged.MaxWordCount, "missing values fill from defaults")
	assert.Equal(t, defaults.Portal.URL, merged.Portal.URL)
	assert.Equal(t, defaults.Tracker.ReconcileStrategy, merged.Tracker.ReconcileStrategy)
	assert.Equal(t, defaults.Retry.MaxAttempts, merged.Retry.MaxAttempts)
	assert.Equal(t, defaults.LeaseStaleSeconds, merged.LeaseStaleSeconds)
	assert.True(t, merged.Portal.HeadlessMode(), "unset headless merges to the headless default")
}

func TestMergeWithDefaults_HeadlessFalseSurvives(t *testing.T) {
	visible := false
	cfg := Config{Portal: PortalConfig{Headless: &visible}}
	merged := cfg.MergeWithDefaults(Defaults())
	assert.False(t, merged.Portal.HeadlessMode(), "an explicit headless=false is not overwritten by the default")
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.NotEmpty(t, cfg.Genres)
	assert.LessOrEqual(t, cfg.MinWordCount, cfg.MaxWordCount)
	assert.LessOrEqual(t, cfg.MinChapters, cfg.MaxChapters)
	assert.Equal(t, "overwrite", cfg.Tracker.ReconcileStrategy)
	assert.True(t, cfg.Portal.HeadlessMode())
}

func TestEnsureDirectories(t *testing.T) {
	base := t.TempDir()
	cfg := Config{
		OutputDir: filepath.Join(base, "output"),
		BooksDir:  filepath.Join(base, "books", "nested"),
	}
	require.NoError(t, cfg.EnsureDirectories())
	assert.DirExists(t, cfg.OutputDir)
	assert.DirExists(t, cfg.BooksDir)
}
