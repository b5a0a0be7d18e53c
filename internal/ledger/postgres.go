package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps the run ledger in a `book_runs` table, one row per run
// with the full stage snapshot as JSONB. Each save replaces the snapshot in a
// single UPDATE, so readers never observe a partial update.
//
// Schema:
//
//	CREATE TABLE book_runs (
//	    id             UUID PRIMARY KEY,
//	    genre          TEXT NOT NULL,
//	    title          TEXT NOT NULL,
//	    snapshot       JSONB NOT NULL,
//	    complete       BOOLEAN NOT NULL DEFAULT FALSE,
//	    failed         BOOLEAN NOT NULL DEFAULT FALSE,
//	    lease_holder   TEXT,
//	    lease_at       TIMESTAMPTZ,
//	    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// ConnectPostgres establishes a connection pool to the ledger database.
func ConnectPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Load reads a run by ID. Returns ErrNotFound if no record exists.
func (s *PostgresStore) Load(ctx context.Context, runID uuid.UUID) (*Run, error) {
	var snapshot []byte
	err := s.pool.QueryRow(ctx,
		`SELECT snapshot FROM book_runs WHERE id = $1`,
		runID,
	).Scan(&snapshot)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	var run Run
	if err := json.Unmarshal(snapshot, &run); err != nil {
		return nil, fmt.Errorf("failed to parse run %s: %w", runID, err)
	}
	return &run, nil
}

// Save upserts the full run snapshot.
func (s *PostgresStore) Save(ctx context.Context, run *Run) error {
	snapshot, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run %s: %w", run.RunID, err)
	}

	var holder *string
	var leaseAt *time.Time
	if run.Lease != nil {
		holder = &run.Lease.Holder
		leaseAt = &run.Lease.AcquiredAt
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO book_runs (id, genre, title, snapshot, complete, failed, lease_holder, lease_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
		     snapshot = $4, complete = $5, failed = $6,
		     lease_holder = $7, lease_at = $8, updated_at = $10`,
		run.RunID, run.Genre, run.Title, snapshot, run.Complete(), run.Failed(),
		holder, leaseAt, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.RunID, err)
	}
	return nil
}

// FindResumable returns the most recent incomplete run matching the
// identifying parameters. Runs halted by a stage failure are resumable; the
// failed stage simply runs again.
func (s *PostgresStore) FindResumable(ctx context.Context, genre, title string) (*Run, error) {
	query := `SELECT snapshot FROM book_runs
	          WHERE complete = FALSE`
	args := []any{}
	if genre != "" {
		args = append(args, genre)
		query += fmt.Sprintf(" AND LOWER(genre) = LOWER($%d)", len(args))
	}
	if title != "" {
		args = append(args, title)
		query += fmt.Sprintf(" AND LOWER(title) = LOWER($%d)", len(args))
	}
	query += " ORDER BY updated_at DESC LIMIT 1"

	var snapshot []byte
	err := s.pool.QueryRow(ctx, query, args...).Scan(&snapshot)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find resumable run: %w", err)
	}
	var run Run
	if err := json.Unmarshal(snapshot, &run); err != nil {
		return nil, fmt.Errorf("failed to parse resumable run: %w", err)
	}
	return &run, nil
}

// Acquire takes the run lease in one conditional UPDATE, then resets stale
// InProgress stages left by a crashed previous holder.
func (s *PostgresStore) Acquire(ctx context.Context, runID uuid.UUID, holder string, staleAfter time.Duration) (*Run, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE book_runs SET lease_holder = $2, lease_at = $3
		 WHERE id = $1
		   AND (lease_holder IS NULL OR lease_holder = $2 OR lease_at < $4)`,
		runID, holder, now, now.Add(-staleAfter),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease on run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, loadErr := s.Load(ctx, runID); loadErr != nil {
			return nil, loadErr
		}
		return nil, ErrLeaseHeld
	}

	run, err := s.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	run.ResetStaleInProgress(staleAfter)
	run.Lease = &Lease{Holder: holder, AcquiredAt: now}
	if err := s.Save(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// Release drops the lease if holder still owns it.
func (s *PostgresStore) Release(ctx context.Context, runID uuid.UUID, holder string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE book_runs SET lease_holder = NULL, lease_at = NULL
		 WHERE id = $1 AND lease_holder = $2`,
		runID, holder,
	)
	if err != nil {
		return fmt.Errorf("failed to release lease on run %s: %w", runID, err)
	}
	return nil
}

// List returns all runs, newest first.
func (s *PostgresStore) List(ctx context.Context) ([]*Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT snapshot FROM book_runs ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var snapshot []byte
		if err := rows.Scan(&snapshot); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		var run Run
		if err := json.Unmarshal(snapshot, &run); err != nil {
			return nil, fmt.Errorf("failed to parse run: %w", err)
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}
