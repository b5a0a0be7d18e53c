package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/jmpublishing/bookpress/internal/config"
	"github.com/jmpublishing/bookpress/internal/ledger"
	"github.com/jmpublishing/bookpress/internal/observability"
	"github.com/jmpublishing/bookpress/internal/retry"
	"github.com/jmpublishing/bookpress/internal/tracker"
)

// Final run statuses.
const (
	RunSucceeded       = "succeeded"
	RunPartiallyFailed = "partially_failed"
)

// ExecContext is what a capability gets to work with. Checkpoint persists
// the current run snapshot; capabilities that make external progress
// mid-stage call it after each durable step.
type ExecContext struct {
	Run        *ledger.Run
	DedupKey   string
	Checkpoint func(ctx context.Context) error
}

// Capability executes one stage and returns artifact references to record.
type Capability interface {
	Execute(ctx context.Context, ec ExecContext) (map[string]string, error)
}

// Options holds configuration for one pipeline run.
type Options struct {
	Genre  string
	Title  string
	Resume bool
	Skip   map[string]bool
}

// RunResult summarizes a finished pipeline walk.
type RunResult struct {
	RunID       uuid.UUID
	Title       string
	Genre       string
	FinalStatus string
	FailedStage string
	Stages      []ledger.StageState
}

// Orchestrator walks the stage registry against the run ledger.
type Orchestrator struct {
	cfg     config.Config
	store   ledger.Store
	caps    map[string]Capability
	tracker *tracker.Synchronizer
	printer *observability.Printer
}

// New creates an orchestrator. sync may be nil when no tracker is configured.
func New(cfg config.Config, store ledger.Store, caps map[string]Capability, sync *tracker.Synchronizer) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		store:   store,
		caps:    caps,
		tracker: sync,
		printer: observability.NewPrinter(os.Stdout),
	}
}

// Run executes the pipeline for one book. A stage failure halts the walk and
// yields a PartiallyFailed result rather than an error; errors are reserved
// for problems outside the stages themselves (ledger, lease, cancellation).
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*RunResult, error) {
	if err := ValidateSkips(opts.Skip); err != nil {
		return nil, err
	}

	run, err := o.openRun(ctx, opts)
	if err != nil {
		return nil, err
	}

	holder := leaseHolder()
	staleAfter := time.Duration(o.cfg.LeaseStaleSeconds) * time.Second
	acquired, err := o.store.Acquire(ctx, run.RunID, holder, staleAfter)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire run %s: %w", run.RunID, err)
	}
	run = acquired
	defer func() {
		if err := o.store.Release(context.WithoutCancel(ctx), run.RunID, holder); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to release run lease: %v\n", err)
		}
	}()

	total := len(Registry)
	for i, def := range Registry {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		state := run.Stage(def.Name)
		if state == nil {
			return nil, fmt.Errorf("run %s has no state for stage %q", run.RunID, def.Name)
		}

		switch state.Status {
		case ledger.StatusSucceeded, ledger.StatusSkipped:
			fmt.Printf("Step %d/%d: %s already %s, skipping...\n", i+1, total, def.Name, state.Status)
			continue
		}

		if opts.Skip[def.Name] {
			fmt.Printf("Step %d/%d: Skipping %s stage (requested)...\n", i+1, total, def.Name)
			run.SetStageStatus(def.Name, ledger.StatusSkipped)
			if err := o.store.Save(ctx, run); err != nil {
				return nil, fmt.Errorf("failed to save run: %w", err)
			}
			o.record(ctx, run, def.Name, "Skipped", nil)
			continue
		}

		if dep := unmetDependency(run, def); dep != "" {
			return nil, fmt.Errorf("stage %q cannot run: dependency %q is not complete", def.Name, dep)
		}

		fmt.Printf("Step %d/%d: Running %s stage...\n", i+1, total, def.Name)

		// Write-ahead: the transition is durable before any work happens, so
		// a crash mid-stage is visible as a stale InProgress on resume.
		run.SetStageStatus(def.Name, ledger.StatusInProgress)
		if err := o.store.Save(ctx, run); err != nil {
			return nil, fmt.Errorf("failed to save run: %w", err)
		}
		o.record(ctx, run, def.Name, "In Progress", nil)

		outcome, refs := o.runStage(ctx, run, def)

		state = run.Stage(def.Name)
		state.Attempts += outcome.Attempts

		if ctx.Err() != nil && !outcome.Succeeded() {
			// Cancelled mid-stage: leave the stage Pending so a resume
			// re-runs it cleanly.
			run.SetStageStatus(def.Name, ledger.StatusPending)
			if saveErr := o.store.Save(context.WithoutCancel(ctx), run); saveErr != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to save run after cancellation: %v\n", saveErr)
			}
			return nil, ctx.Err()
		}

		if !outcome.Succeeded() {
			state.LastError = outcome.Err.Error()
			run.SetStageStatus(def.Name, ledger.StatusFailed)
			if saveErr := o.store.Save(ctx, run); saveErr != nil {
				return nil, fmt.Errorf("failed to save run: %w", saveErr)
			}
			o.record(ctx, run, def.Name, fmt.Sprintf("Failed at %s", def.Name), map[string]any{
				"Error": outcome.Err.Error(),
			})

			fmt.Fprintf(os.Stderr, "Stage %s failed after %d attempt(s): %v\n", def.Name, outcome.Attempts, outcome.Err)
			return o.result(run, RunPartiallyFailed, def.Name), nil
		}

		run.RecordArtifacts(def.Name, refs)
		run.SetStageStatus(def.Name, ledger.StatusSucceeded)
		if err := o.store.Save(ctx, run); err != nil {
			return nil, fmt.Errorf("failed to save run: %w", err)
		}
		o.record(ctx, run, def.Name, stageDoneStatus(def.Name), artifactFields(refs))
	}

	o.record(ctx, run, StagePublish, "Completed", nil)
	if o.cfg.Verbose {
		o.printer.PrintRunSummary(run)
	}
	return o.result(run, RunSucceeded, ""), nil
}

// openRun resumes an existing run or creates a fresh one.
func (o *Orchestrator) openRun(ctx context.Context, opts Options) (*ledger.Run, error) {
	if opts.Resume {
		run, err := o.store.FindResumable(ctx, opts.Genre, opts.Title)
		if err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				return nil, fmt.Errorf("no resumable run found for genre=%q title=%q", opts.Genre, opts.Title)
			}
			return nil, fmt.Errorf("failed to look up resumable run: %w", err)
		}
		fmt.Printf("Resuming run %s (%s)...\n", run.RunID, run.Title)
		return run, nil
	}

	genre := opts.Genre
	if genre == "" {
		if len(o.cfg.Genres) == 0 {
			return nil, fmt.Errorf("no genre given and no genres configured")
		}
		genre = o.cfg.Genres[rand.Intn(len(o.cfg.Genres))]
		fmt.Printf("Picked genre: %s\n", genre)
	}

	run := ledger.NewRun(genre, opts.Title, StageNames())
	if err := o.store.Save(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	fmt.Printf("Created run %s\n", run.RunID)
	return run, nil
}

// runStage invokes the stage capability under the configured retry policy.
func (o *Orchestrator) runStage(ctx context.Context, run *ledger.Run, def StageDef) (retry.Outcome, map[string]string) {
	capability, ok := o.caps[def.Name]
	if !ok {
		return retry.Outcome{
			Classification: retry.ClassPermanent,
			Attempts:       0,
			Err:            fmt.Errorf("no capability registered for stage %q", def.Name),
		}, nil
	}

	dedupKey := run.RunID.String() + "-" + def.Name
	policy := stagePolicy(o.cfg.Retry, def.Name)

	var refs map[string]string
	outcome := retry.Invoke(ctx, policy, dedupKey, func(ctx context.Context, dk string) error {
		r, err := capability.Execute(ctx, ExecContext{
			Run:      run,
			DedupKey: dk,
			Checkpoint: func(ctx context.Context) error {
				return o.store.Save(ctx, run)
			},
		})
		if err != nil {
			return err
		}
		refs = r
		return nil
	})
	return outcome, refs
}

func (o *Orchestrator) result(run *ledger.Run, status, failedStage string) *RunResult {
	stages := make([]ledger.StageState, len(run.Stages))
	copy(stages, run.Stages)
	return &RunResult{
		RunID:       run.RunID,
		Title:       run.Title,
		Genre:       run.Genre,
		FinalStatus: status,
		FailedStage: failedStage,
		Stages:      stages,
	}
}

// record mirrors a status change to the tracker. Best effort; the
// synchronizer buffers on failure.
func (o *Orchestrator) record(ctx context.Context, run *ledger.Run, stage, status string, fields map[string]any) {
	if o.tracker == nil {
		return
	}
	if fields == nil {
		fields = map[string]any{}
	}
	fields["Title"] = run.Title
	fields["Genre"] = run.Genre
	o.tracker.Record(ctx, tracker.Record{
		RunID:  run.RunID.String(),
		Stage:  stage,
		Status: status,
		Fields: fields,
	})
}

// unmetDependency returns the first hard dependency that has not succeeded.
func unmetDependency(run *ledger.Run, def StageDef) string {
	for _, dep := range def.Dependencies {
		state := run.Stage(dep)
		if state == nil || state.Status != ledger.StatusSucceeded {
			return dep
		}
	}
	return ""
}

func stageDoneStatus(stage string) string {
	switch stage {
	case StageConcept:
		return "Concept Generated"
	case StageManuscript:
		return "Manuscript Generated"
	case StageCover:
		return "Cover Generated"
	case StageFormat:
		return "Files Created"
	case StageUpload:
		return "Files Uploaded"
	case StagePublish:
		return "Published"
	default:
		return "Done"
	}
}

func artifactFields(refs map[string]string) map[string]any {
	fields := make(map[string]any, len(refs))
	for k, v := range refs {
		fields[k] = v
	}
	return fields
}

func leaseHolder() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
