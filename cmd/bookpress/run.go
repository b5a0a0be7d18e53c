package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmpublishing/bookpress/internal/config"
	"github.com/jmpublishing/bookpress/internal/cover"
	"github.com/jmpublishing/bookpress/internal/format"
	"github.com/jmpublishing/bookpress/internal/generation"
	"github.com/jmpublishing/bookpress/internal/ledger"
	"github.com/jmpublishing/bookpress/internal/llm"
	"github.com/jmpublishing/bookpress/internal/pipeline"
	"github.com/jmpublishing/bookpress/internal/portal"
	"github.com/jmpublishing/bookpress/internal/storage"
	"github.com/jmpublishing/bookpress/internal/tracker"
)

var runCommand = &cobra.Command{
	Use:   "run",
	Short: "Run the full book publishing pipeline end-to-end",
	Long: `Orchestrates the entire publishing process: concept -> manuscript -> cover -> format -> upload -> publish.

Configuration can be loaded from a JSON file using --config. Command-line arguments override config file values. Progress is saved after every stage; a crashed or failed run can be continued with --resume.`,
	RunE: runPipelineCmd,
}

var (
	runConfigPath  string
	runGenre       string
	runTitle       string
	runResume      bool
	runSkip        []string
	runHeadless    bool
	runVerbose     bool
	runDatabaseURL string
)

func init() {
	runCommand.Flags().StringVar(&runConfigPath, "config", "", "Path to config.json file (values can be overridden by other flags)")
	runCommand.Flags().StringVarP(&runGenre, "genre", "g", "", "Book genre (picked randomly from configured genres if omitted)")
	runCommand.Flags().StringVarP(&runTitle, "title", "t", "", "Book title (generated if omitted)")
	runCommand.Flags().BoolVar(&runResume, "resume", false, "Resume the most recent incomplete run matching --genre/--title")
	runCommand.Flags().StringSliceVar(&runSkip, "skip", nil, "Stages to skip (repeatable; e.g. --skip cover --skip upload)")
	runCommand.Flags().BoolVar(&runHeadless, "headless", true, "Run the portal browser headless")
	runCommand.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "Print detailed debug information")
	runCommand.Flags().StringVar(&runDatabaseURL, "db-url", "", "PostgreSQL connection URL for the run ledger (optional, defaults to DATABASE_URL env var; file ledger used when unset)")

	rootCmd.AddCommand(runCommand)
}

func runPipelineCmd(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadRunConfig(cmd)
	if err != nil {
		return err
	}

	skip := map[string]bool{}
	for _, name := range runSkip {
		skip[name] = true
	}
	if err := pipeline.ValidateSkips(skip); err != nil {
		return &usageError{err: err}
	}

	if cfg.GeminiAPIKey == "" {
		return usagef("GEMINI_API_KEY environment variable or 'gemini_api_key' config value is required")
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	store, closeStore, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	client, err := llm.NewGeminiClient(ctx, llm.DefaultGeminiConfig(), cfg.GeminiAPIKey)
	if err != nil {
		return fmt.Errorf("failed to create LLM client: %w", err)
	}
	defer client.Close()

	gen := generation.NewService(client, *cfg)

	var covers *cover.Service
	if !skip[pipeline.StageCover] {
		if cfg.OpenAIAPIKey == "" {
			return usagef("OPENAI_API_KEY is required unless the cover stage is skipped (--skip cover)")
		}
		images, err := cover.NewOpenAIImageClient(cfg.OpenAIAPIKey)
		if err != nil {
			return err
		}
		covers = cover.NewService(gen, images, *cfg)
	}

	var uploader storage.Uploader
	if !skip[pipeline.StageUpload] {
		if cfg.Storage.Endpoint == "" {
			return usagef("storage endpoint is required unless the upload stage is skipped (--skip upload)")
		}
		store, err := storage.NewStore(cfg.Storage)
		if err != nil {
			return err
		}
		uploader = store
	}

	var driverFactory pipeline.DriverFactory
	if !skip[pipeline.StagePublish] {
		if cfg.Portal.Email == "" || cfg.Portal.Password == "" {
			return usagef("PORTAL_EMAIL and PORTAL_PASSWORD are required unless the publish stage is skipped (--skip publish)")
		}
		headless := cfg.Portal.HeadlessMode()
		driverFactory = func(ctx context.Context) (portal.Driver, error) {
			return portal.NewChromeDriver(ctx, headless)
		}
	}

	sync, err := buildTracker(cfg)
	if err != nil {
		return err
	}

	caps := pipeline.BuildCapabilities(*cfg, gen, covers, format.NewService(*cfg), uploader, driverFactory)
	orch := pipeline.New(*cfg, store, caps, sync)

	result, err := orch.Run(ctx, pipeline.Options{
		Genre:  runGenre,
		Title:  runTitle,
		Resume: runResume,
		Skip:   skip,
	})
	if err != nil {
		var skipErr *pipeline.SkipError
		if errors.As(err, &skipErr) {
			return &usageError{err: err}
		}
		return err
	}

	if result.FinalStatus != pipeline.RunSucceeded {
		return fmt.Errorf("pipeline failed at stage %s (run %s; fix the cause and retry with --resume)", result.FailedStage, result.RunID)
	}

	fmt.Printf("Done! %q published (run %s).\n", result.Title, result.RunID)
	return nil
}

// loadRunConfig loads the config file, applies CLI overrides, env secrets,
// and defaults, then validates the result.
func loadRunConfig(cmd *cobra.Command) (*config.Config, error) {
	var cfg config.Config
	if runConfigPath != "" {
		loaded, err := config.LoadConfig(runConfigPath)
		if err != nil {
			return nil, &usageError{err: err}
		}
		cfg = *loaded
		if runVerbose {
			fmt.Printf("Loaded config from: %s\n", runConfigPath)
		}
	}

	// Only override if the flag was explicitly set
	if cmd.Flags().Changed("verbose") {
		cfg.Verbose = runVerbose
	}
	if cmd.Flags().Changed("headless") {
		cfg.Portal.Headless = &runHeadless
	}
	if cmd.Flags().Changed("db-url") {
		cfg.DatabaseURL = runDatabaseURL
	}

	cfg.FromEnv()
	cfg = cfg.MergeWithDefaults(config.Defaults())

	if err := cfg.Validate(); err != nil {
		return nil, &usageError{err: err}
	}
	return &cfg, nil
}

// openLedger picks the postgres ledger when a database URL is configured,
// and the file ledger otherwise.
func openLedger(ctx context.Context, cfg *config.Config) (ledger.Store, func(), error) {
	if cfg.DatabaseURL != "" {
		store, err := ledger.ConnectPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to ledger database: %w", err)
		}
		return store, store.Close, nil
	}
	store, err := ledger.NewFileStore(cfg.LedgerDir)
	if err != nil {
		return nil, nil, err
	}
	return store, func() {}, nil
}

// buildTracker constructs the status synchronizer. Without tracker
// credentials every record goes straight to the local buffer.
func buildTracker(cfg *config.Config) (*tracker.Synchronizer, error) {
	var client tracker.Client
	if cfg.Tracker.APIKey != "" && cfg.Tracker.BaseID != "" {
		c, err := tracker.NewAirtableClient(cfg.Tracker)
		if err != nil {
			return nil, err
		}
		client = c
	} else {
		fmt.Fprintf(os.Stderr, "Warning: tracker not configured; status updates will be buffered to %s\n", cfg.Tracker.BufferPath)
	}
	return tracker.NewSynchronizer(client, cfg.Tracker.BufferPath, cfg.Tracker.ReconcileStrategy)
}
