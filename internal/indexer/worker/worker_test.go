package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apirutv/server-vision-pipeline/internal/indexer/deadletter"
	"github.com/apirutv/server-vision-pipeline/internal/indexer/document"
	"github.com/apirutv/server-vision-pipeline/internal/indexer/seen"
	"github.com/apirutv/server-vision-pipeline/internal/indexer/sink"
	"github.com/apirutv/server-vision-pipeline/pkg/config"
	"github.com/apirutv/server-vision-pipeline/pkg/metrics"
	"github.com/apirutv/server-vision-pipeline/pkg/resilience"
	"github.com/apirutv/server-vision-pipeline/pkg/stream"

	apperrors "github.com/apirutv/server-vision-pipeline/pkg/errors"
)

type fixture struct {
	mem     *stream.Memory
	w       *Worker
	seen    *seen.Store
	sink    *sink.Writer
	streams config.StreamConfig
	cfg     config.IndexerConfig
}

func newFixture(t *testing.T, client stream.Client, mem *stream.Memory, dir string) *fixture {
	t.Helper()
	streams := config.StreamConfig{
		In:         "frames.ingested",
		Group:      "indexer-worker",
		Consumer:   "ix-test",
		DeadLetter: "frames.indexer.dlq",
	}
	cfg := config.IndexerConfig{
		BatchSize:       8,
		BlockTimeout:    config.Duration(20 * time.Millisecond),
		MinIdle:         config.Duration(time.Millisecond),
		DrainHistory:    true,
		SinkPath:        filepath.Join(dir, "frames.ndjson"),
		LedgerPath:      filepath.Join(dir, ".seen_ids.txt"),
		EnrichFromFiles: true,
	}

	seenStore, err := seen.Open(cfg.LedgerPath)
	require.NoError(t, err)
	t.Cleanup(func() { seenStore.Close() })

	sinkWriter, err := sink.Open(cfg.SinkPath)
	require.NoError(t, err)
	t.Cleanup(func() { sinkWriter.Close() })

	w := New(
		client,
		streams,
		cfg,
		seenStore,
		sinkWriter,
		document.NewBuilder(cfg.EnrichFromFiles),
		deadletter.New(client, streams.DeadLetter, streams.In, streams.DeadLetterCap),
		metrics.New(prometheus.NewRegistry()),
	)
	w.retry = resilience.RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
	return &fixture{mem: mem, w: w, seen: seenStore, sink: sinkWriter, streams: streams, cfg: cfg}
}

func newMemFixture(t *testing.T) *fixture {
	mem := stream.NewMemory()
	return newFixture(t, mem, mem, t.TempDir())
}

func (f *fixture) publish(t *testing.T, payload string) {
	t.Helper()
	_, err := f.mem.Append(context.Background(), f.streams.In, map[string]string{"json": payload}, 0)
	require.NoError(t, err)
}

func (f *fixture) sinkDocs(t *testing.T) []document.Document {
	t.Helper()
	file, err := os.Open(f.cfg.SinkPath)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	defer file.Close()

	var docs []document.Document
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var doc document.Document
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &doc))
		docs = append(docs, doc)
	}
	require.NoError(t, scanner.Err())
	return docs
}

func (f *fixture) dlqRecords(t *testing.T) []deadletter.Record {
	t.Helper()
	var records []deadletter.Record
	for _, e := range f.mem.Entries(f.streams.DeadLetter) {
		var rec deadletter.Record
		require.NoError(t, json.Unmarshal([]byte(e.Fields["json"]), &rec))
		records = append(records, rec)
	}
	return records
}

// runUntil runs the full state machine until cond holds, then cancels and
// waits for a clean exit.
func (f *fixture) runUntil(t *testing.T, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.w.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("condition not reached before deadline")
		}
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
}

func TestLiveIndexesNewEntry(t *testing.T) {
	f := newMemFixture(t)
	f.publish(t, `{"frame_id":"f1","camera_id":"cam0"}`)

	f.runUntil(t, func() bool {
		return testutil.ToFloat64(f.w.metrics.FramesIndexed.WithLabelValues(phaseLive)) == 1
	})

	docs := f.sinkDocs(t)
	require.Len(t, docs, 1)
	assert.Equal(t, "f1", docs[0].FrameID)
	assert.Equal(t, "cam0", docs[0].CameraID)

	assert.True(t, f.seen.Contains("f1"))
	ledger, err := os.ReadFile(f.cfg.LedgerPath)
	require.NoError(t, err)
	assert.Equal(t, "f1\n", string(ledger))
	assert.Equal(t, 0, f.mem.PendingCount(f.streams.In, f.streams.Group))
}

func TestDuplicateDeliverySkipped(t *testing.T) {
	f := newMemFixture(t)
	payload := `{"frame_id":"f1","camera_id":"cam0"}`
	f.publish(t, payload)
	f.publish(t, payload)

	f.runUntil(t, func() bool {
		return testutil.ToFloat64(f.w.metrics.DuplicatesSkipped) == 1
	})

	assert.Len(t, f.sinkDocs(t), 1)
	assert.Equal(t, 1, f.seen.Len())
	assert.Equal(t, 0, f.mem.PendingCount(f.streams.In, f.streams.Group))
}

func TestSchemaMismatchDeadLettered(t *testing.T) {
	f := newMemFixture(t)
	_, err := f.mem.Append(context.Background(), f.streams.In, map[string]string{"not_json": "field"}, 0)
	require.NoError(t, err)

	f.runUntil(t, func() bool {
		return f.mem.Len(f.streams.DeadLetter) == 1
	})

	records := f.dlqRecords(t)
	require.Len(t, records, 1)
	assert.Equal(t, "schema_mismatch", records[0].Error)
	assert.Equal(t, f.streams.In, records[0].Source)
	assert.Equal(t, map[string]string{"not_json": "field"}, records[0].KV)

	assert.Empty(t, f.sinkDocs(t))
	assert.Equal(t, 0, f.mem.PendingCount(f.streams.In, f.streams.Group))
}

func TestHistoryDrainFinishesBacklog(t *testing.T) {
	f := newMemFixture(t)
	ctx := context.Background()
	require.NoError(t, f.mem.EnsureGroup(ctx, f.streams.In, f.streams.Group))

	// Simulate a previous crash: delivered to this consumer, never acked.
	f.publish(t, `{"frame_id":"f1"}`)
	f.publish(t, `{"frame_id":"f2"}`)
	f.publish(t, `{"frame_id":"f3"}`)
	delivered, err := f.mem.ReadLive(ctx, f.streams.In, f.streams.Group, f.streams.Consumer, 10, 0)
	require.NoError(t, err)
	require.Len(t, delivered, 3)

	require.NoError(t, f.w.drainHistory(ctx))

	assert.Len(t, f.sinkDocs(t), 3)
	assert.Equal(t, 0, f.mem.PendingCount(f.streams.In, f.streams.Group))
	for _, id := range []string{"f1", "f2", "f3"} {
		assert.True(t, f.seen.Contains(id))
	}
}

func TestPendingRecoveryReclaimsFromDeadConsumer(t *testing.T) {
	f := newMemFixture(t)
	ctx := context.Background()
	require.NoError(t, f.mem.EnsureGroup(ctx, f.streams.In, f.streams.Group))

	f.publish(t, `{"frame_id":"f1"}`)
	f.publish(t, `{"frame_id":"f2"}`)
	delivered, err := f.mem.ReadLive(ctx, f.streams.In, f.streams.Group, "dead-consumer", 10, 0)
	require.NoError(t, err)
	require.Len(t, delivered, 2)

	time.Sleep(5 * time.Millisecond) // exceed min idle

	require.NoError(t, f.w.recoverPending(ctx))

	assert.Len(t, f.sinkDocs(t), 2)
	assert.Equal(t, 0, f.mem.PendingCount(f.streams.In, f.streams.Group))
	assert.Equal(t, float64(2), testutil.ToFloat64(f.w.metrics.EntriesReclaimed))
}

func TestPendingRecoverySkippedWhenUnsupported(t *testing.T) {
	mem := stream.NewMemory()
	f := newFixture(t, noReclaimClient{mem}, mem, t.TempDir())
	ctx := context.Background()
	require.NoError(t, mem.EnsureGroup(ctx, f.streams.In, f.streams.Group))

	require.NoError(t, f.w.recoverPending(ctx))
	assert.Empty(t, f.sinkDocs(t))
}

func TestProcessingFailureDeadLettersAndAcks(t *testing.T) {
	f := newMemFixture(t)
	ctx := context.Background()
	require.NoError(t, f.mem.EnsureGroup(ctx, f.streams.In, f.streams.Group))
	require.NoError(t, f.sink.Close()) // make every append fail

	f.publish(t, `{"frame_id":"f1"}`)
	delivered, err := f.mem.ReadLive(ctx, f.streams.In, f.streams.Group, f.streams.Consumer, 10, 0)
	require.NoError(t, err)
	require.Len(t, delivered, 1)

	require.NoError(t, f.w.drainHistory(ctx))

	records := f.dlqRecords(t)
	require.Len(t, records, 1)
	assert.Contains(t, records[0].Error, "exception:")
	assert.Contains(t, records[0].Error, "sink")

	// Terminal for this delivery: acknowledged, never marked seen.
	assert.Equal(t, 0, f.mem.PendingCount(f.streams.In, f.streams.Group))
	assert.False(t, f.seen.Contains("f1"))
}

func TestRedeliveryAfterRestartSkipped(t *testing.T) {
	dir := t.TempDir()
	mem := stream.NewMemory()
	first := newFixture(t, mem, mem, dir)
	ctx := context.Background()
	require.NoError(t, mem.EnsureGroup(ctx, first.streams.In, first.streams.Group))

	first.publish(t, `{"frame_id":"f1"}`)
	delivered, err := mem.ReadLive(ctx, first.streams.In, first.streams.Group, first.streams.Consumer, 10, 0)
	require.NoError(t, err)
	require.NoError(t, first.w.drainHistory(ctx))
	require.Len(t, first.sinkDocs(t), 1)
	require.NoError(t, first.seen.Close())
	require.NoError(t, first.sink.Close())

	// Restart: fresh worker over the same ledger and sink, with the same
	// entry redelivered (crash-induced duplicate delivery).
	mem2 := stream.NewMemory()
	second := newFixture(t, mem2, mem2, dir)
	require.NoError(t, mem2.EnsureGroup(ctx, second.streams.In, second.streams.Group))
	_, err = mem2.Append(ctx, second.streams.In, delivered[0].Fields, 0)
	require.NoError(t, err)
	redelivered, err := mem2.ReadLive(ctx, second.streams.In, second.streams.Group, second.streams.Consumer, 10, 0)
	require.NoError(t, err)
	require.Len(t, redelivered, 1)

	require.NoError(t, second.w.drainHistory(ctx))

	assert.Equal(t, float64(1), testutil.ToFloat64(second.w.metrics.DuplicatesSkipped))
	assert.Len(t, second.sinkDocs(t), 1) // no second document
	assert.Equal(t, 0, mem2.PendingCount(second.streams.In, second.streams.Group))
}

func TestEntryWithoutFrameIDAlwaysProcessed(t *testing.T) {
	f := newMemFixture(t)
	payload := `{"camera_id":"cam0"}`
	f.publish(t, payload)
	f.publish(t, payload)

	f.runUntil(t, func() bool {
		return testutil.ToFloat64(f.w.metrics.FramesIndexed.WithLabelValues(phaseLive)) == 2
	})

	// No business key means no deduplication and no ledger writes.
	assert.Len(t, f.sinkDocs(t), 2)
	assert.Equal(t, 0, f.seen.Len())
}

func TestRunStopsCleanlyOnCancel(t *testing.T) {
	f := newMemFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.w.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
}

type noReclaimClient struct {
	*stream.Memory
}

func (noReclaimClient) ReclaimStale(context.Context, string, string, string, time.Duration, string, int64) ([]stream.Entry, string, error) {
	return nil, "", apperrors.New(apperrors.ErrReclaimUnsupported, "XAUTOCLAIM not available")
}
