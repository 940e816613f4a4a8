// Package stream abstracts the append-only, partitioned event log the
// indexer consumes. The Client interface covers exactly the broker
// primitives the worker needs: group creation, backlog and live reads
// through a competing-consumers group, stale-pending reclaim,
// acknowledgment, and appends. A Redis Streams implementation and an
// in-process Memory implementation are provided.
package stream

import (
	"context"
	"time"
)

// Entry is one immutable record read from a stream. ID is the broker's
// server-assigned ordering token and is treated as opaque.
type Entry struct {
	ID     string
	Fields map[string]string
}

// Client is the capability surface over the broker.
type Client interface {
	// EnsureGroup creates the consumer group at the beginning of the stream,
	// creating the stream if needed. Idempotent: an already-existing group is
	// not an error.
	EnsureGroup(ctx context.Context, stream, group string) error

	// ReadHistory returns entries previously delivered to this consumer in
	// this group but never acknowledged. An empty batch means the backlog is
	// exhausted.
	ReadHistory(ctx context.Context, stream, group, consumer string, count int64) ([]Entry, error)

	// ReadLive returns entries never before delivered to the group, blocking
	// up to block. A timeout yields an empty batch, not an error.
	ReadLive(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error)

	// ReclaimStale atomically reassigns entries pending for at least minIdle
	// to this consumer, starting the scan at cursor. It returns the reclaimed
	// batch and the cursor for the next call. Brokers lacking the primitive
	// return errors.ErrReclaimUnsupported.
	ReclaimStale(ctx context.Context, stream, group, consumer string, minIdle time.Duration, cursor string, count int64) ([]Entry, string, error)

	// Ack marks entries as done. Idempotent: unknown or already-acknowledged
	// IDs are not errors.
	Ack(ctx context.Context, stream, group string, ids ...string) error

	// Append publishes a new entry, optionally capping the stream at
	// approximately maxLen entries (0 means uncapped). It returns the
	// assigned ID.
	Append(ctx context.Context, stream string, fields map[string]string, maxLen int64) (string, error)
}

// StartCursor is the canonical initial cursor for ReclaimStale scans.
const StartCursor = "0-0"
