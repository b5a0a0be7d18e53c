// Package config provides configuration loading and validation for the CLI.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config represents the pipeline configuration that can be loaded from a JSON
// file. All fields are optional; missing values use defaults or env vars.
// A Config value is passed explicitly into the orchestrator so tests and
// concurrent runs can use distinct configurations.
type Config struct {
	// Directories
	OutputDir      string `json:"output_dir,omitempty"`
	CoversDir      string `json:"covers_dir,omitempty"`
	BooksDir       string `json:"books_dir,omitempty"`
	ScreenshotsDir string `json:"screenshots_dir,omitempty"`
	LogsDir        string `json:"logs_dir,omitempty"`
	LedgerDir      string `json:"ledger_dir,omitempty"`

	// Book generation settings
	Genres          []string `json:"genres,omitempty"`
	MinWordCount    int      `json:"min_word_count,omitempty"`
	MaxWordCount    int      `json:"max_word_count,omitempty"`
	MinChapters     int      `json:"min_chapters,omitempty"`
	MaxChapters     int      `json:"max_chapters,omitempty"`
	WordsPerChapter int      `json:"words_per_chapter,omitempty"`

	// Author and publication defaults
	AuthorName      string  `json:"author_name,omitempty"`
	Language        string  `json:"language,omitempty"`
	AgeRating       string  `json:"age_rating,omitempty"`
	PublicationYear int     `json:"publication_year,omitempty"`
	PriceUSD        float64 `json:"price_usd,omitempty"`
	PriceEUR        float64 `json:"price_eur,omitempty"`

	// Cover image settings
	CoverWidth  int `json:"cover_width,omitempty"`
	CoverHeight int `json:"cover_height,omitempty"`

	// API keys (env vars preferred over the config file for secrets)
	GeminiAPIKey string `json:"gemini_api_key,omitempty"`
	OpenAIAPIKey string `json:"openai_api_key,omitempty"`

	// Object storage (artifact upload)
	Storage StorageConfig `json:"storage,omitempty"`

	// External tracking datastore
	Tracker TrackerConfig `json:"tracker,omitempty"`

	// Publishing portal
	Portal PortalConfig `json:"portal,omitempty"`

	// Retry behavior
	Retry RetryConfig `json:"retry,omitempty"`

	// Optional postgres ledger; the file ledger under LedgerDir is the default
	DatabaseURL string `json:"database_url,omitempty"`

	// Lease staleness threshold in seconds for resuming crashed runs
	LeaseStaleSeconds int `json:"lease_stale_seconds,omitempty"`

	Verbose bool `json:"verbose,omitempty"`
}

// StorageConfig configures the object store used for artifact uploads.
type StorageConfig struct {
	Endpoint  string `json:"endpoint,omitempty"`
	AccessKey string `json:"access_key,omitempty"`
	SecretKey string `json:"secret_key,omitempty"`
	Bucket    string `json:"bucket,omitempty"`
	Region    string `json:"region,omitempty"`
	UseSSL    bool   `json:"use_ssl,omitempty"`
}

// TrackerConfig configures the external tracking table and the local buffer
// used when it is unreachable.
type TrackerConfig struct {
	APIKey     string `json:"api_key,omitempty"`
	BaseID     string `json:"base_id,omitempty"`
	Table      string `json:"table,omitempty"`
	BufferPath string `json:"buffer_path,omitempty"`
	// ReconcileStrategy decides how buffered records are replayed once the
	// tracker becomes reachable again: "overwrite" or "merge". There is no
	// hardcoded policy; config must choose one.
	ReconcileStrategy string `json:"reconcile_strategy,omitempty"`
}

// PortalConfig configures the publishing portal credentials and endpoint.
type PortalConfig struct {
	URL      string `json:"url,omitempty"`
	Email    string `json:"email,omitempty"`
	Password string `json:"password,omitempty"`
	// Headless is a pointer so an explicit "headless": false in the config
	// file survives merging with the headless default.
	Headless *bool `json:"headless,omitempty"`
}

// HeadlessMode reports whether the portal browser runs headless. Unset means
// headless.
func (p PortalConfig) HeadlessMode() bool {
	return p.Headless == nil || *p.Headless
}

// RetryConfig holds the default retry policy applied to every stage unless a
// stage overrides it in the registry.
type RetryConfig struct {
	MaxAttempts       int            `json:"max_attempts,omitempty"`
	BaseDelayMS       int            `json:"base_delay_ms,omitempty"`
	MaxDelayMS        int            `json:"max_delay_ms,omitempty"`
	TimeoutEscalation int            `json:"timeout_escalation,omitempty"`
	StageTimeoutSec   map[string]int `json:"stage_timeout_sec,omitempty"`
}

// LoadConfig loads configuration from a JSON file.
// Returns an error if the file cannot be read or parsed.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is empty")
	}

	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		path = filepath.Join(cwd, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return &cfg, nil
}

// FromEnv fills secret fields from environment variables when they are unset
// in the config file. Secrets belong in the environment, not on disk.
func (c *Config) FromEnv() {
	if c.GeminiAPIKey == "" {
		c.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	}
	if c.OpenAIAPIKey == "" {
		c.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.Storage.AccessKey == "" {
		c.Storage.AccessKey = os.Getenv("MINIO_ACCESS_KEY")
	}
	if c.Storage.SecretKey == "" {
		c.Storage.SecretKey = os.Getenv("MINIO_SECRET_KEY")
	}
	if c.Tracker.APIKey == "" {
		c.Tracker.APIKey = os.Getenv("TRACKER_API_KEY")
	}
	if c.Portal.Email == "" {
		c.Portal.Email = os.Getenv("PORTAL_EMAIL")
	}
	if c.Portal.Password == "" {
		c.Portal.Password = os.Getenv("PORTAL_PASSWORD")
	}
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
}

// Validate checks that the configuration has valid values.
func (c *Config) Validate() error {
	if c.MinWordCount < 0 || c.MaxWordCount < 0 {
		return fmt.Errorf("config error: word counts must be non-negative")
	}
	if c.MaxWordCount > 0 && c.MinWordCount > c.MaxWordCount {
		return fmt.Errorf("config error: 'min_word_count' exceeds 'max_word_count'")
	}
	if c.MaxChapters > 0 && c.MinChapters > c.MaxChapters {
		return fmt.Errorf("config error: 'min_chapters' exceeds 'max_chapters'")
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("config error: 'retry.max_attempts' must be non-negative")
	}
	switch c.Tracker.ReconcileStrategy {
	case "", "overwrite", "merge":
	default:
		return fmt.Errorf("config error: 'tracker.reconcile_strategy' must be \"overwrite\" or \"merge\", got %q", c.Tracker.ReconcileStrategy)
	}
	return nil
}

// MergeWithDefaults returns a new Config with empty fields filled from defaults.
// This is used to apply built-in defaults after config file and CLI merging.
func (c *Config) MergeWithDefaults(defaults Config) Config {
	result := *c

	if result.OutputDir == "" {
		result.OutputDir = defaults.OutputDir
	}
	if result.CoversDir == "" {
		result.CoversDir = defaults.CoversDir
	}
	if result.BooksDir == "" {
		result.BooksDir = defaults.BooksDir
	}
	if result.ScreenshotsDir == "" {
		result.ScreenshotsDir = defaults.ScreenshotsDir
	}
	if result.LogsDir == "" {
		result.LogsDir = defaults.LogsDir
	}
	if result.LedgerDir == "" {
		result.LedgerDir = defaults.LedgerDir
	}
	if len(result.Genres) == 0 {
		result.Genres = defaults.Genres
	}
	if result.MinWordCount == 0 {
		result.MinWordCount = defaults.MinWordCount
	}
	if result.MaxWordCount == 0 {
		result.MaxWordCount = defaults.MaxWordCount
	}
	if result.MinChapters == 0 {
		result.MinChapters = defaults.MinChapters
	}
	if result.MaxChapters == 0 {
		result.MaxChapters = defaults.MaxChapters
	}
	if result.WordsPerChapter == 0 {
		result.WordsPerChapter = defaults.WordsPerChapter
	}
	if result.AuthorName == "" {
		result.AuthorName = defaults.AuthorName
	}
	if result.Language == "" {
		result.Language = defaults.Language
	}
	if result.AgeRating == "" {
		result.AgeRating = defaults.AgeRating
	}
	if result.PublicationYear == 0 {
		result.PublicationYear = defaults.PublicationYear
	}
	if result.PriceUSD == 0 {
		result.PriceUSD = defaults.PriceUSD
	}
	if result.PriceEUR == 0 {
		result.PriceEUR = defaults.PriceEUR
	}
	if result.CoverWidth == 0 {
		result.CoverWidth = defaults.CoverWidth
	}
	if result.CoverHeight == 0 {
		result.CoverHeight = defaults.CoverHeight
	}
	if result.Portal.URL == "" {
		result.Portal.URL = defaults.Portal.URL
	}
	if result.Portal.Headless == nil {
		result.Portal.Headless = defaults.Portal.Headless
	}
	if result.Tracker.Table == "" {
		result.Tracker.Table = defaults.Tracker.Table
	}
	if result.Tracker.BufferPath == "" {
		result.Tracker.BufferPath = defaults.Tracker.BufferPath
	}
	if result.Tracker.ReconcileStrategy == "" {
		result.Tracker.ReconcileStrategy = defaults.Tracker.ReconcileStrategy
	}
	if result.Retry.MaxAttempts == 0 {
		result.Retry.MaxAttempts = defaults.Retry.MaxAttempts
	}
	if result.Retry.BaseDelayMS == 0 {
		result.Retry.BaseDelayMS = defaults.Retry.BaseDelayMS
	}
	if result.Retry.MaxDelayMS == 0 {
		result.Retry.MaxDelayMS = defaults.Retry.MaxDelayMS
	}
	if result.Retry.TimeoutEscalation == 0 {
		result.Retry.TimeoutEscalation = defaults.Retry.TimeoutEscalation
	}
	if result.LeaseStaleSeconds == 0 {
		result.LeaseStaleSeconds = defaults.LeaseStaleSeconds
	}

	return result
}

// Defaults returns the built-in defaults, mirroring the book parameters the
// publishing operation has always used.
func Defaults() Config {
	headless := true
	return Config{
		OutputDir:       "output",
		CoversDir:       "covers",
		BooksDir:        "books",
		ScreenshotsDir:  "screenshots",
		LogsDir:         "logs",
		LedgerDir:       "ledger",
		Genres:          []string{"Paranormal Romance", "Cozy Mystery"},
		MinWordCount:    16000,
		MaxWordCount:    20000,
		MinChapters:     10,
		MaxChapters:     15,
		WordsPerChapter: 1200,
		AuthorName:      "AI Author",
		Language:        "English",
		AgeRating:       "Adult",
		PublicationYear: 2025,
		PriceUSD:        2.99,
		PriceEUR:        2.49,
		CoverWidth:      1024,
		CoverHeight:     1792,
		Portal: PortalConfig{
			URL:      "https://hub.streetlib.com",
			Headless: &headless,
		},
		Tracker: TrackerConfig{
			Table:             "Books",
			BufferPath:        filepath.Join("logs", "tracker_buffer.jsonl"),
			ReconcileStrategy: "overwrite",
		},
		Retry: RetryConfig{
			MaxAttempts:       3,
			BaseDelayMS:       500,
			MaxDelayMS:        30000,
			TimeoutEscalation: 3,
		},
		LeaseStaleSeconds: 900,
	}
}

// EnsureDirectories creates the working directories the pipeline writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.OutputDir, c.CoversDir, c.BooksDir, c.ScreenshotsDir, c.LogsDir, c.LedgerDir}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
