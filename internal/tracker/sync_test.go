package tracker

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyClient fails the first failUntil upserts, then captures the rest.
type flakyClient struct {
	failUntil int
	calls     int
	delivered []Record
}

func (c *flakyClient) Upsert(ctx context.Context, rec Record) error {
	c.calls++
	if c.calls <= c.failUntil {
		return errors.New("airtable unreachable")
	}
	c.delivered = append(c.delivered, rec)
	return nil
}

func newSyncForTest(t *testing.T, client Client, strategy string) *Synchronizer {
	t.Helper()
	sync, err := NewSynchronizer(client, filepath.Join(t.TempDir(), "buffer.jsonl"), strategy)
	require.NoError(t, err)
	return sync
}

func TestNewSynchronizer_RejectsUnknownStrategy(t *testing.T) {
	_, err := NewSynchronizer(nil, "buffer.jsonl", "append")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown reconcile strategy "append"`)
}

func TestSynchronizer_RecordDeliversWhenClientHealthy(t *testing.T) {
	client := &flakyClient{}
	sync := newSyncForTest(t, client, StrategyOverwrite)

	sync.Record(context.Background(), Record{RunID: "run-1", Stage: "concept", Status: "In Progress"})

	require.Len(t, client.delivered, 1)
	assert.Equal(t, "run-1", client.delivered[0].RunID)
	assert.False(t, client.delivered[0].Timestamp.IsZero(), "timestamp is stamped on delivery")

	buffered, err := sync.Buffered()
	require.NoError(t, err)
	assert.Empty(t, buffered)
}

func TestSynchronizer_RecordBuffersOnFailure(t *testing.T) {
	client := &flakyClient{failUntil: 100}
	sync := newSyncForTest(t, client, StrategyOverwrite)
	ctx := context.Background()

	sync.Record(ctx, Record{RunID: "run-1", Stage: "concept", Status: "In Progress"})
	sync.Record(ctx, Record{RunID: "run-1", Stage: "concept", Status: "Concept Generated", Fields: map[string]any{"Title": "Glass"}})

	buffered, err := sync.Buffered()
	require.NoError(t, err)
	require.Len(t, buffered, 2)
	assert.Equal(t, "In Progress", buffered[0].Status)
	assert.Equal(t, "Concept Generated", buffered[1].Status)
	assert.Equal(t, "Glass", buffered[1].Fields["Title"])
}

func TestSynchronizer_FlushOverwriteReplaysInOrder(t *testing.T) {
	client := &flakyClient{failUntil: 3}
	sync := newSyncForTest(t, client, StrategyOverwrite)
	ctx := context.Background()

	sync.Record(ctx, Record{RunID: "run-1", Stage: "concept", Status: "In Progress"})
	sync.Record(ctx, Record{RunID: "run-1", Stage: "concept", Status: "Concept Generated"})
	sync.Record(ctx, Record{RunID: "run-2", Stage: "concept", Status: "In Progress"})

	require.NoError(t, sync.Flush(ctx))

	require.Len(t, client.delivered, 3)
	assert.Equal(t, "In Progress", client.delivered[0].Status)
	assert.Equal(t, "Concept Generated", client.delivered[1].Status)
	assert.Equal(t, "run-2", client.delivered[2].RunID)

	buffered, err := sync.Buffered()
	require.NoError(t, err)
	assert.Empty(t, buffered, "a successful flush drains the buffer")
}

func TestSynchronizer_FlushMergeCoalescesPerRun(t *testing.T) {
	client := &flakyClient{failUntil: 4}
	sync := newSyncForTest(t, client, StrategyMerge)
	ctx := context.Background()

	sync.Record(ctx, Record{RunID: "run-1", Stage: "concept", Status: "In Progress", Fields: map[string]any{"Genre": "Fantasy"}})
	sync.Record(ctx, Record{RunID: "run-2", Stage: "concept", Status: "In Progress"})
	sync.Record(ctx, Record{RunID: "run-1", Stage: "manuscript", Status: "Manuscript Generated", Fields: map[string]any{"Title": "Glass"}})
	sync.Record(ctx, Record{RunID: "run-1", Stage: "publish", Status: "Published"})

	require.NoError(t, sync.Flush(ctx))

	require.Len(t, client.delivered, 2, "one record per run")
	first := client.delivered[0]
	assert.Equal(t, "run-1", first.RunID)
	assert.Equal(t, "Published", first.Status, "latest status wins")
	assert.Equal(t, "publish", first.Stage)
	assert.Equal(t, "Fantasy", first.Fields["Genre"], "fields accumulate across records")
	assert.Equal(t, "Glass", first.Fields["Title"])
	assert.Equal(t, "run-2", client.delivered[1].RunID)
}

func TestSynchronizer_FlushKeepsUndeliveredRecords(t *testing.T) {
	client := &flakyClient{failUntil: 100}
	sync := newSyncForTest(t, client, StrategyOverwrite)
	ctx := context.Background()

	sync.Record(ctx, Record{RunID: "run-1", Stage: "concept", Status: "In Progress"})
	sync.Record(ctx, Record{RunID: "run-1", Stage: "concept", Status: "Concept Generated"})

	err := sync.Flush(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 tracker records still undelivered")

	buffered, bufErr := sync.Buffered()
	require.NoError(t, bufErr)
	assert.Len(t, buffered, 2, "failed records survive for the next flush")

	// The tracker recovers; the next flush drains everything.
	client.failUntil = client.calls
	require.NoError(t, sync.Flush(ctx))
	buffered, bufErr = sync.Buffered()
	require.NoError(t, bufErr)
	assert.Empty(t, buffered)
}

func TestSynchronizer_FlushWithoutClient(t *testing.T) {
	sync := newSyncForTest(t, nil, StrategyOverwrite)
	err := sync.Flush(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tracker is not configured")
}

func TestSynchronizer_FlushEmptyBufferIsNoOp(t *testing.T) {
	client := &flakyClient{}
	sync := newSyncForTest(t, client, StrategyOverwrite)
	require.NoError(t, sync.Flush(context.Background()))
	assert.Zero(t, client.calls)
}

func TestMergeRecords_PreservesFirstSeenOrder(t *testing.T) {
	now := time.Now().UTC()
	records := []Record{
		{RunID: "b", Status: "In Progress", Timestamp: now},
		{RunID: "a", Status: "In Progress", Timestamp: now},
		{RunID: "b", Status: "Published", Timestamp: now.Add(time.Minute)},
	}

	merged := mergeRecords(records)
	require.Len(t, merged, 2)
	assert.Equal(t, "b", merged[0].RunID)
	assert.Equal(t, "Published", merged[0].Status)
	assert.Equal(t, "a", merged[1].RunID)
}
