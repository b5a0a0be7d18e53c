package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileStore keeps one JSON document per run under a directory. Saves go
// through a temp file followed by rename, so readers never observe a
// half-written run even if the process dies mid-write.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates the ledger directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("ledger directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(runID uuid.UUID) string {
	return filepath.Join(s.dir, runID.String()+".json")
}

// Load reads a run by ID. Returns ErrNotFound if no record exists.
func (s *FileStore) Load(_ context.Context, runID uuid.UUID) (*Run, error) {
	data, err := os.ReadFile(s.path(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read run %s: %w", runID, err)
	}
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to parse run %s: %w", runID, err)
	}
	return &run, nil
}

// Save atomically replaces the full run snapshot.
func (s *FileStore) Save(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run %s: %w", run.RunID, err)
	}

	tmp, err := os.CreateTemp(s.dir, "run-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write run %s: %w", run.RunID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync run %s: %w", run.RunID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path(run.RunID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace run %s: %w", run.RunID, err)
	}
	return nil
}

// FindResumable returns the most recently updated incomplete run matching the
// identifying parameters. Runs halted by a stage failure are resumable; the
// failed stage simply runs again. An empty title matches any title for the
// genre.
func (s *FileStore) FindResumable(ctx context.Context, genre, title string) (*Run, error) {
	runs, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var best *Run
	for _, run := range runs {
		if run.Complete() {
			continue
		}
		if genre != "" && !strings.EqualFold(run.Genre, genre) {
			continue
		}
		if title != "" && !strings.EqualFold(run.Title, title) {
			continue
		}
		if best == nil || run.UpdatedAt.After(best.UpdatedAt) {
			best = run
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

// Acquire takes the run lease for holder. Stale InProgress stages from a
// crashed previous attempt are reset to Pending before the run is returned.
func (s *FileStore) Acquire(ctx context.Context, runID uuid.UUID, holder string, staleAfter time.Duration) (*Run, error) {
	run, err := s.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Lease != nil && run.Lease.Holder != holder {
		if time.Since(run.Lease.AcquiredAt) < staleAfter {
			return nil, fmt.Errorf("%w: held by %s", ErrLeaseHeld, run.Lease.Holder)
		}
		// Stale lease from a crashed holder: take over.
		run.ResetStaleInProgress(0)
	} else {
		run.ResetStaleInProgress(staleAfter)
	}
	run.Lease = &Lease{Holder: holder, AcquiredAt: time.Now().UTC()}
	if err := s.Save(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// Release drops the lease if holder still owns it.
func (s *FileStore) Release(ctx context.Context, runID uuid.UUID, holder string) error {
	run, err := s.Load(ctx, runID)
	if err != nil {
		return err
	}
	if run.Lease == nil || run.Lease.Holder != holder {
		return nil
	}
	run.Lease = nil
	return s.Save(ctx, run)
}

// List returns all runs in the ledger, newest first.
func (s *FileStore) List(_ context.Context) ([]*Run, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger directory: %w", err)
	}
	var runs []*Run
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		var run Run
		if err := json.Unmarshal(data, &run); err != nil {
			continue
		}
		runs = append(runs, &run)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].UpdatedAt.After(runs[j].UpdatedAt)
	})
	return runs, nil
}
