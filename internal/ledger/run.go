// Package ledger provides the durable per-book run record: stage progress,
// artifact references, error history, and the single-writer lease that lets a
// crashed run be resumed safely.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Stage status constants
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusSkipped    = "skipped"
)

// ErrLeaseHeld is returned when another process holds a fresh lease on a run.
var ErrLeaseHeld = errors.New("run lease held by another process")

// ErrNotFound is returned when a run does not exist in the store.
var ErrNotFound = errors.New("run not found")

// StageState tracks one stage of one run.
type StageState struct {
	Name         string            `json:"name"`
	Status       string            `json:"status"`
	Attempts     int               `json:"attempts"`
	LastError    string            `json:"last_error,omitempty"`
	ArtifactRefs map[string]string `json:"artifact_refs,omitempty"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Lease records which process may mutate a run.
type Lease struct {
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Run is one pipeline execution for one book. Genre and Title are immutable
// once set; the stage slice preserves declared stage order.
type Run struct {
	RunID     uuid.UUID    `json:"run_id"`
	Genre     string       `json:"genre"`
	Title     string       `json:"title"`
	Stages    []StageState `json:"stage_states"`
	Lease     *Lease       `json:"lease,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// NewRun creates a fresh run with every named stage Pending.
func NewRun(genre, title string, stageNames []string) *Run {
	now := time.Now().UTC()
	run := &Run{
		RunID:     uuid.New(),
		Genre:     genre,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, name := range stageNames {
		run.Stages = append(run.Stages, StageState{
			Name:         name,
			Status:       StatusPending,
			ArtifactRefs: map[string]string{},
			UpdatedAt:    now,
		})
	}
	return run
}

// Stage returns the state for the named stage, or nil.
func (r *Run) Stage(name string) *StageState {
	for i := range r.Stages {
		if r.Stages[i].Name == name {
			return &r.Stages[i]
		}
	}
	return nil
}

// Complete reports whether every stage has succeeded or was skipped.
func (r *Run) Complete() bool {
	for i := range r.Stages {
		if r.Stages[i].Status != StatusSucceeded && r.Stages[i].Status != StatusSkipped {
			return false
		}
	}
	return true
}

// Failed reports whether any stage has failed.
func (r *Run) Failed() bool {
	for i := range r.Stages {
		if r.Stages[i].Status == StatusFailed {
			return true
		}
	}
	return false
}

// SetStageStatus transitions a stage and stamps timestamps. The caller saves
// the run afterwards; a crash between the transition and the save is treated
// as if the transition never happened.
func (r *Run) SetStageStatus(name, status string) {
	stage := r.Stage(name)
	if stage == nil {
		return
	}
	now := time.Now().UTC()
	if status == StatusInProgress && stage.StartedAt == nil {
		stage.StartedAt = &now
	}
	stage.Status = status
	stage.UpdatedAt = now
	r.UpdatedAt = now
}

// RecordArtifacts merges artifact references into a stage.
func (r *Run) RecordArtifacts(name string, refs map[string]string) {
	stage := r.Stage(name)
	if stage == nil {
		return
	}
	if stage.ArtifactRefs == nil {
		stage.ArtifactRefs = map[string]string{}
	}
	for k, v := range refs {
		stage.ArtifactRefs[k] = v
	}
	stage.UpdatedAt = time.Now().UTC()
	r.UpdatedAt = stage.UpdatedAt
}

// ResetStaleInProgress resets any InProgress stage older than threshold back
// to Pending. Used when taking over a run whose previous holder crashed.
func (r *Run) ResetStaleInProgress(threshold time.Duration) {
	now := time.Now().UTC()
	for i := range r.Stages {
		s := &r.Stages[i]
		if s.Status == StatusInProgress && now.Sub(s.UpdatedAt) > threshold {
			s.Status = StatusPending
			s.UpdatedAt = now
			r.UpdatedAt = now
		}
	}
}

// Store is the run ledger contract. Save must be crash-atomic: a reader never
// observes a half-written run, and the full stage snapshot is replaced, never
// partially updated.
type Store interface {
	Load(ctx context.Context, runID uuid.UUID) (*Run, error)
	Save(ctx context.Context, run *Run) error
	// FindResumable returns an incomplete, unfailed run matching the
	// identifying parameters, or ErrNotFound.
	FindResumable(ctx context.Context, genre, title string) (*Run, error)
	// Acquire takes the single-writer lease for runID. A fresh lease held by
	// another process yields ErrLeaseHeld; a stale lease is taken over and
	// stale InProgress stages are reset to Pending.
	Acquire(ctx context.Context, runID uuid.UUID, holder string, staleAfter time.Duration) (*Run, error)
	Release(ctx context.Context, runID uuid.UUID, holder string) error
	List(ctx context.Context) ([]*Run, error)
}
