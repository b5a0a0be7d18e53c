package tracker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Reconcile strategies for replaying buffered records.
const (
	StrategyOverwrite = "overwrite"
	StrategyMerge     = "merge"
)

// Synchronizer pushes status updates to the tracker and buffers them locally
// when delivery fails. Record never returns an error: a broken tracker must
// not break a publishing run.
type Synchronizer struct {
	client     Client
	bufferPath string
	strategy   string

	mu sync.Mutex
}

// NewSynchronizer creates a synchronizer. strategy must be one of
// StrategyOverwrite or StrategyMerge.
func NewSynchronizer(client Client, bufferPath, strategy string) (*Synchronizer, error) {
	switch strategy {
	case StrategyOverwrite, StrategyMerge:
	default:
		return nil, fmt.Errorf("unknown reconcile strategy %q", strategy)
	}
	return &Synchronizer{client: client, bufferPath: bufferPath, strategy: strategy}, nil
}

// Record delivers one status update, buffering it on failure.
func (s *Synchronizer) Record(ctx context.Context, rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	if s.client != nil {
		if err := s.client.Upsert(ctx, rec); err == nil {
			return
		} else {
			fmt.Fprintf(os.Stderr, "Warning: tracker update failed, buffering locally: %v\n", err)
		}
	}

	if err := s.buffer(rec); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to buffer tracker record: %v\n", err)
	}
}

// buffer appends the record as one JSONL line.
func (s *Synchronizer) buffer(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.bufferPath), 0o755); err != nil {
		return err
	}

	f, err := os.OpenFile(s.bufferPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}

// Buffered returns the records currently waiting in the local buffer.
func (s *Synchronizer) Buffered() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readBuffer()
}

func (s *Synchronizer) readBuffer() ([]Record, error) {
	f, err := os.Open(s.bufferPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: skipping malformed tracker buffer line: %v\n", err)
			continue
		}
		records = append(records, rec)
	}
	return records, scanner.Err()
}

// Flush replays buffered records against the tracker. Overwrite replays
// every record in original order; merge coalesces the buffer down to one
// record per run, keeping the newest status and the union of fields.
// Records that still fail stay in the buffer for the next flush.
func (s *Synchronizer) Flush(ctx context.Context) error {
	if s.client == nil {
		return fmt.Errorf("tracker is not configured")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readBuffer()
	if err != nil {
		return fmt.Errorf("failed to read tracker buffer: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	replay := records
	if s.strategy == StrategyMerge {
		replay = mergeRecords(records)
	}

	var remaining []Record
	var firstErr error
	for _, rec := range replay {
		if err := s.client.Upsert(ctx, rec); err != nil {
			remaining = append(remaining, rec)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if err := s.rewriteBuffer(remaining); err != nil {
		return fmt.Errorf("failed to rewrite tracker buffer: %w", err)
	}
	if firstErr != nil {
		return fmt.Errorf("%d tracker records still undelivered: %w", len(remaining), firstErr)
	}
	return nil
}

// mergeRecords coalesces buffered records per run. Order within the buffer
// is chronological, so later records win on status and stage while fields
// accumulate.
func mergeRecords(records []Record) []Record {
	merged := make(map[string]*Record)
	var order []string

	for _, rec := range records {
		existing, ok := merged[rec.RunID]
		if !ok {
			cp := rec
			if cp.Fields != nil {
				cp.Fields = make(map[string]any, len(rec.Fields))
				for k, v := range rec.Fields {
					cp.Fields[k] = v
				}
			}
			merged[rec.RunID] = &cp
			order = append(order, rec.RunID)
			continue
		}
		existing.Stage = rec.Stage
		existing.Status = rec.Status
		existing.Timestamp = rec.Timestamp
		if len(rec.Fields) > 0 && existing.Fields == nil {
			existing.Fields = make(map[string]any)
		}
		for k, v := range rec.Fields {
			existing.Fields[k] = v
		}
	}

	out := make([]Record, 0, len(order))
	for _, runID := range order {
		out = append(out, *merged[runID])
	}
	return out
}

func (s *Synchronizer) rewriteBuffer(records []Record) error {
	if len(records) == 0 {
		err := os.Remove(s.bufferPath)
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.bufferPath), "tracker_buffer_*.jsonl")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			tmp.Close()
			return err
		}
		if _, err := tmp.Write(append(line, '\n')); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.bufferPath)
}
