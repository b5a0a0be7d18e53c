package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmpublishing/bookpress/internal/config"
	"github.com/jmpublishing/bookpress/internal/cover"
	"github.com/jmpublishing/bookpress/internal/format"
	"github.com/jmpublishing/bookpress/internal/generation"
	"github.com/jmpublishing/bookpress/internal/ledger"
	"github.com/jmpublishing/bookpress/internal/observability"
	"github.com/jmpublishing/bookpress/internal/portal"
	"github.com/jmpublishing/bookpress/internal/retry"
	"github.com/jmpublishing/bookpress/internal/storage"
	"github.com/jmpublishing/bookpress/internal/types"
)

// Artifact file names under the per-run output directory.
const (
	conceptFile    = "concept.json"
	manuscriptFile = "manuscript.json"
	metadataFile   = "portal_metadata.json"
)

// DriverFactory opens a fresh browser session for one publish attempt.
type DriverFactory func(ctx context.Context) (portal.Driver, error)

// BuildCapabilities wires the concrete stage implementations. uploader and
// driverFactory may be nil when those stages are skipped.
func BuildCapabilities(
	cfg config.Config,
	gen *generation.Service,
	covers *cover.Service,
	formatter *format.Service,
	uploader storage.Uploader,
	driverFactory DriverFactory,
) map[string]Capability {
	printer := observability.NewPrinter(os.Stdout)
	return map[string]Capability{
		StageConcept:    &conceptCapability{cfg: cfg, gen: gen, printer: printer},
		StageManuscript: &manuscriptCapability{cfg: cfg, gen: gen, printer: printer},
		StageCover:      &coverCapability{cfg: cfg, covers: covers},
		StageFormat:     &formatCapability{cfg: cfg, formatter: formatter},
		StageUpload:     &uploadCapability{cfg: cfg, uploader: uploader},
		StagePublish:    &publishCapability{cfg: cfg, gen: gen, newDriver: driverFactory},
	}
}

// runDir is the per-run artifact directory.
func runDir(cfg config.Config, run *ledger.Run) string {
	return filepath.Join(cfg.OutputDir, run.RunID.String())
}

func writeArtifact(dir, name string, v any) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create run directory: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode %s: %w", name, err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	return path, nil
}

func readArtifact(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read artifact %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse artifact %s: %w", path, err)
	}
	return nil
}

// stageRef fetches an artifact reference recorded by an earlier stage.
func stageRef(run *ledger.Run, stage, key string) string {
	state := run.Stage(stage)
	if state == nil {
		return ""
	}
	return state.ArtifactRefs[key]
}

// conceptCapability generates the book concept.
type conceptCapability struct {
	cfg     config.Config
	gen     *generation.Service
	printer *observability.Printer
}

func (c *conceptCapability) Execute(ctx context.Context, ec ExecContext) (map[string]string, error) {
	concept, err := c.gen.Concept(ctx, ec.Run.Genre)
	if err != nil {
		return nil, err
	}
	if c.cfg.Verbose && c.printer != nil {
		c.printer.PrintConcept(concept)
	}

	path, err := writeArtifact(runDir(c.cfg, ec.Run), conceptFile, concept)
	if err != nil {
		return nil, err
	}
	return map[string]string{"concept_path": path}, nil
}

// manuscriptCapability generates the title, outline, chapters, and blurb.
type manuscriptCapability struct {
	cfg     config.Config
	gen     *generation.Service
	printer *observability.Printer
}

func (c *manuscriptCapability) Execute(ctx context.Context, ec ExecContext) (map[string]string, error) {
	dir := runDir(c.cfg, ec.Run)

	var concept types.Concept
	if err := readArtifact(stageRef(ec.Run, StageConcept, "concept_path"), &concept); err != nil {
		return nil, retry.Permanent(err)
	}

	outline, err := c.gen.TitleAndOutline(ctx, &concept)
	if err != nil {
		return nil, err
	}
	if ec.Run.Title == "" {
		ec.Run.Title = outline.Title
	}
	fmt.Printf("  Title: %s\n", outline.Title)
	if c.cfg.Verbose && c.printer != nil {
		c.printer.PrintOutline(outline)
	}

	chapters := make([]types.Chapter, 0, len(outline.Chapters))
	for i, ch := range outline.Chapters {
		fmt.Printf("  Writing chapter %d/%d: %s...\n", i+1, len(outline.Chapters), ch.Title)
		content, err := c.gen.Chapter(ctx, outline.Title, ec.Run.Genre, ch, outline.Chapters[:i])
		if err != nil {
			return nil, err
		}
		chapters = append(chapters, types.Chapter{Number: ch.Number, Title: ch.Title, Content: content})
	}

	blurb, err := c.gen.Blurb(ctx, outline.Title, ec.Run.Genre, concept.ConceptSummary)
	if err != nil {
		return nil, err
	}

	manuscript := types.Manuscript{
		Title:    outline.Title,
		Genre:    ec.Run.Genre,
		Author:   c.cfg.AuthorName,
		Language: c.cfg.Language,
		Synopsis: concept.ConceptSummary,
		Blurb:    blurb,
		Chapters: chapters,
	}
	fmt.Printf("  Manuscript complete: %d words across %d chapters\n", manuscript.WordCount(), len(chapters))

	path, err := writeArtifact(dir, manuscriptFile, &manuscript)
	if err != nil {
		return nil, err
	}
	return map[string]string{"manuscript_path": path, "title": outline.Title}, nil
}

// coverCapability generates and downloads the cover image.
type coverCapability struct {
	cfg    config.Config
	covers *cover.Service
}

func (c *coverCapability) Execute(ctx context.Context, ec ExecContext) (map[string]string, error) {
	if c.covers == nil {
		return nil, retry.Permanent(fmt.Errorf("cover generation is not configured"))
	}

	title := ec.Run.Title
	if title == "" {
		title = "Untitled"
	}

	path, err := c.covers.Generate(ctx, ec.Run.RunID.String(), title, ec.Run.Genre)
	if err != nil {
		return nil, err
	}
	return map[string]string{"cover_path": path}, nil
}

// formatCapability renders the EPUB and PDF.
type formatCapability struct {
	cfg       config.Config
	formatter *format.Service
}

func (c *formatCapability) Execute(ctx context.Context, ec ExecContext) (map[string]string, error) {
	var manuscript types.Manuscript
	if err := readArtifact(stageRef(ec.Run, StageManuscript, "manuscript_path"), &manuscript); err != nil {
		return nil, retry.Permanent(err)
	}

	coverPath := stageRef(ec.Run, StageCover, "cover_path")

	paths, err := c.formatter.CreateAll(&manuscript, coverPath)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	return map[string]string{"epub_path": paths.EPUB, "pdf_path": paths.PDF}, nil
}

// uploadCapability pushes finished artifacts to the object store.
type uploadCapability struct {
	cfg      config.Config
	uploader storage.Uploader
}

func (c *uploadCapability) Execute(ctx context.Context, ec ExecContext) (map[string]string, error) {
	if c.uploader == nil {
		return nil, retry.Permanent(fmt.Errorf("object storage is not configured"))
	}

	files := map[string]string{}
	if p := stageRef(ec.Run, StageFormat, "epub_path"); p != "" {
		files["epub_ref"] = p
	}
	if p := stageRef(ec.Run, StageFormat, "pdf_path"); p != "" {
		files["pdf_ref"] = p
	}
	if p := stageRef(ec.Run, StageCover, "cover_path"); p != "" {
		files["cover_ref"] = p
	}
	if len(files) == 0 {
		return nil, retry.Permanent(fmt.Errorf("no artifacts to upload"))
	}

	prefix := "books/" + ec.Run.RunID.String()
	return c.uploader.UploadAll(ctx, prefix, files, ec.DedupKey)
}

// publishCapability drives the portal state machine. Progress is
// checkpointed after every confirmed screen; a retried attempt opens a fresh
// browser and resumes from the screen after the last confirmed one.
type publishCapability struct {
	cfg       config.Config
	gen       *generation.Service
	newDriver DriverFactory
}

func (c *publishCapability) Execute(ctx context.Context, ec ExecContext) (map[string]string, error) {
	if c.newDriver == nil {
		return nil, retry.Permanent(fmt.Errorf("portal driver is not configured"))
	}

	dir := runDir(c.cfg, ec.Run)

	var manuscript types.Manuscript
	if err := readArtifact(stageRef(ec.Run, StageManuscript, "manuscript_path"), &manuscript); err != nil {
		return nil, retry.Permanent(err)
	}

	meta, err := c.portalMetadata(ctx, dir, &manuscript, ec.Run)
	if err != nil {
		return nil, err
	}

	driver, err := c.newDriver(ctx)
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("failed to open browser: %w", err))
	}
	defer driver.Close()

	publishRefs := ec.Run.Stage(StagePublish).ArtifactRefs
	machine := portal.NewMachine(driver, c.cfg.Portal, c.cfg.ScreenshotsDir, ec.Run.RunID.String())
	machine.OnConfirmed = func(ctx context.Context, state portal.State, snap portal.Result) error {
		refs := map[string]string{}
		// The checkpoint only moves forward. A resumed session re-confirms
		// login, which must not roll the recorded screen back behind one an
		// earlier attempt already reached.
		last := portal.ParseState(ec.Run.Stage(StagePublish).ArtifactRefs["confirmed_screen"])
		if last.Before(state) {
			refs["confirmed_screen"] = string(state)
		}
		if snap.DraftURL != "" {
			refs["draft_url"] = snap.DraftURL
		}
		if snap.ISBN != "" {
			refs["isbn"] = snap.ISBN
		}
		ec.Run.RecordArtifacts(StagePublish, refs)
		return ec.Checkpoint(ctx)
	}

	result, err := machine.Publish(ctx, portal.Request{
		Metadata:   meta,
		EpubPath:   stageRef(ec.Run, StageFormat, "epub_path"),
		PdfPath:    stageRef(ec.Run, StageFormat, "pdf_path"),
		CoverPath:  stageRef(ec.Run, StageCover, "cover_path"),
		ResumeFrom: portal.ParseState(publishRefs["confirmed_screen"]),
		DraftURL:   publishRefs["draft_url"],
	})
	if err != nil {
		return nil, err
	}

	refs := map[string]string{"confirmed_screen": string(result.FinalState)}
	if result.ISBN != "" {
		refs["isbn"] = result.ISBN
	}
	if result.PublishingURL != "" {
		refs["publishing_url"] = result.PublishingURL
	}
	return refs, nil
}

// portalMetadata generates the portal metadata once and reuses the stored
// copy on later attempts, so retries fill the form with identical values.
func (c *publishCapability) portalMetadata(ctx context.Context, dir string, manuscript *types.Manuscript, run *ledger.Run) (*types.PortalMetadata, error) {
	path := filepath.Join(dir, metadataFile)
	var meta types.PortalMetadata
	if err := readArtifact(path, &meta); err == nil {
		return &meta, nil
	}

	var concept types.Concept
	if err := readArtifact(stageRef(run, StageConcept, "concept_path"), &concept); err != nil {
		return nil, retry.Permanent(err)
	}

	generated, err := c.gen.PortalMetadata(ctx, manuscript, &concept)
	if err != nil {
		return nil, err
	}
	if _, err := writeArtifact(dir, metadataFile, generated); err != nil {
		return nil, err
	}
	return generated, nil
}
