package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureGroupIdempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.EnsureGroup(ctx, "s", "g"))
	require.NoError(t, m.EnsureGroup(ctx, "s", "g"))
}

func TestGroupStartsAtBeginning(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_, err := m.Append(ctx, "s", map[string]string{"json": "{}"}, 0)
	require.NoError(t, err)
	require.NoError(t, m.EnsureGroup(ctx, "s", "g"))

	batch, err := m.ReadLive(ctx, "s", "g", "c1", 10, 0)
	require.NoError(t, err)
	assert.Len(t, batch, 1)
}

func TestLiveDeliversEachEntryOnce(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.EnsureGroup(ctx, "s", "g"))
	for i := 0; i < 3; i++ {
		_, err := m.Append(ctx, "s", map[string]string{"n": "x"}, 0)
		require.NoError(t, err)
	}

	first, err := m.ReadLive(ctx, "s", "g", "c1", 2, 0)
	require.NoError(t, err)
	assert.Len(t, first, 2)

	second, err := m.ReadLive(ctx, "s", "g", "c2", 10, 0)
	require.NoError(t, err)
	assert.Len(t, second, 1)

	empty, err := m.ReadLive(ctx, "s", "g", "c1", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.Equal(t, 3, m.PendingCount("s", "g"))
}

func TestHistoryReturnsOwnPendingOnly(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.EnsureGroup(ctx, "s", "g"))
	_, err := m.Append(ctx, "s", map[string]string{"a": "1"}, 0)
	require.NoError(t, err)
	_, err = m.Append(ctx, "s", map[string]string{"a": "2"}, 0)
	require.NoError(t, err)

	mine, err := m.ReadLive(ctx, "s", "g", "c1", 1, 0)
	require.NoError(t, err)
	_, err = m.ReadLive(ctx, "s", "g", "c2", 1, 0)
	require.NoError(t, err)

	backlog, err := m.ReadHistory(ctx, "s", "g", "c1", 10)
	require.NoError(t, err)
	require.Len(t, backlog, 1)
	assert.Equal(t, mine[0].ID, backlog[0].ID)
}

func TestAckClearsPendingAndIsIdempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.EnsureGroup(ctx, "s", "g"))
	_, err := m.Append(ctx, "s", map[string]string{"a": "1"}, 0)
	require.NoError(t, err)

	batch, err := m.ReadLive(ctx, "s", "g", "c1", 10, 0)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	require.NoError(t, m.Ack(ctx, "s", "g", batch[0].ID))
	assert.Equal(t, 0, m.PendingCount("s", "g"))
	require.NoError(t, m.Ack(ctx, "s", "g", batch[0].ID))
	require.NoError(t, m.Ack(ctx, "s", "g", "999-0"))
}

func TestReclaimStaleReassignsIdleEntries(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.EnsureGroup(ctx, "s", "g"))
	_, err := m.Append(ctx, "s", map[string]string{"a": "1"}, 0)
	require.NoError(t, err)

	dead, err := m.ReadLive(ctx, "s", "g", "dead-consumer", 10, 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)

	time.Sleep(5 * time.Millisecond)

	claimed, next, err := m.ReclaimStale(ctx, "s", "g", "c1", time.Millisecond, StartCursor, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, dead[0].ID, claimed[0].ID)
	assert.Equal(t, StartCursor, next)

	// The entry was just reclaimed, so it is no longer stale.
	again, _, err := m.ReclaimStale(ctx, "s", "g", "c2", time.Minute, StartCursor, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	backlog, err := m.ReadHistory(ctx, "s", "g", "c1", 10)
	require.NoError(t, err)
	assert.Len(t, backlog, 1)
}

func TestAppendTrimsToApproximateCap(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := m.Append(ctx, "s", map[string]string{"n": "x"}, 4)
		require.NoError(t, err)
	}
	assert.Equal(t, 4, m.Len("s"))
}

func TestReadLiveBlocksUntilAppend(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.EnsureGroup(ctx, "s", "g"))

	done := make(chan []Entry, 1)
	go func() {
		batch, _ := m.ReadLive(ctx, "s", "g", "c1", 10, time.Second)
		done <- batch
	}()

	time.Sleep(10 * time.Millisecond)
	_, err := m.Append(ctx, "s", map[string]string{"a": "1"}, 0)
	require.NoError(t, err)

	select {
	case batch := <-done:
		assert.Len(t, batch, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked read did not observe the append")
	}
}

func TestReadLiveTimeoutReturnsEmpty(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.EnsureGroup(ctx, "s", "g"))

	start := time.Now()
	batch, err := m.ReadLive(ctx, "s", "g", "c1", 10, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, batch)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestReadLiveHonorsCancellation(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.EnsureGroup(ctx, "s", "g"))

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := m.ReadLive(ctx, "s", "g", "c1", 10, 10*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}
