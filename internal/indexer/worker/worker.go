// Package worker runs the reliable stream-indexing engine: a three-phase
// recovery state machine that drains this consumer's own unacknowledged
// backlog, reclaims stale pending entries from presumed-dead consumers, and
// then consumes live deliveries forever.
//
// Every entry reaches exactly one terminal state: sink-written and
// acknowledged, or dead-lettered and acknowledged. A poisoned record is
// never retried in place; failures are terminal for that delivery, and
// redelivery after a crash is resolved by the idempotency ledger.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/apirutv/server-vision-pipeline/internal/indexer/deadletter"
	"github.com/apirutv/server-vision-pipeline/internal/indexer/document"
	"github.com/apirutv/server-vision-pipeline/internal/indexer/seen"
	"github.com/apirutv/server-vision-pipeline/internal/indexer/sink"
	"github.com/apirutv/server-vision-pipeline/internal/manifest"
	"github.com/apirutv/server-vision-pipeline/pkg/config"
	"github.com/apirutv/server-vision-pipeline/pkg/metrics"
	"github.com/apirutv/server-vision-pipeline/pkg/resilience"
	"github.com/apirutv/server-vision-pipeline/pkg/stream"

	apperrors "github.com/apirutv/server-vision-pipeline/pkg/errors"
)

// Processing phases, in the order they run. Each is entered once per
// process lifetime; the live phase never exits except by cancellation.
const (
	phaseHistory = "history"
	phasePending = "pending"
	phaseLive    = "live"
)

// Worker wires the stream client, normalizer, builder, ledger, sink, and
// dead-letter publisher into the recovery state machine.
type Worker struct {
	client  stream.Client
	streams config.StreamConfig
	cfg     config.IndexerConfig
	seen    *seen.Store
	sink    *sink.Writer
	builder *document.Builder
	dlq     *deadletter.Publisher
	metrics *metrics.Metrics
	retry   resilience.RetryConfig
	logger  *slog.Logger
}

// New creates a Worker. All collaborators are owned by the caller; the
// worker itself holds no global state.
func New(
	client stream.Client,
	streams config.StreamConfig,
	cfg config.IndexerConfig,
	seenStore *seen.Store,
	sinkWriter *sink.Writer,
	builder *document.Builder,
	dlq *deadletter.Publisher,
	m *metrics.Metrics,
) *Worker {
	return &Worker{
		client:  client,
		streams: streams,
		cfg:     cfg,
		seen:    seenStore,
		sink:    sinkWriter,
		builder: builder,
		dlq:     dlq,
		metrics: m,
		logger:  slog.Default().With("component", "indexer-worker", "consumer", streams.Consumer),
	}
}

// Run executes the three phases in strict sequence and blocks in the live
// loop until ctx is cancelled. The in-flight batch, if any, is finished and
// acknowledged before returning.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.brokerCall(ctx, "ensure group", func() error {
		return w.client.EnsureGroup(ctx, w.streams.In, w.streams.Group)
	}); err != nil {
		return err
	}
	w.metrics.SeenIDs.Set(float64(w.seen.Len()))

	if w.cfg.DrainHistory {
		if err := w.drainHistory(ctx); err != nil {
			return err
		}
	} else {
		w.logger.Info("history drain skipped by config")
	}
	if err := w.recoverPending(ctx); err != nil {
		return err
	}
	return w.liveLoop(ctx)
}

// drainHistory re-reads this consumer's own delivered-but-unacknowledged
// backlog until an empty batch signals exhaustion. This finishes work left
// over from a previous crash without waiting for the reclaim idle timeout.
func (w *Worker) drainHistory(ctx context.Context) error {
	w.logger.Info("draining unacknowledged backlog", "stream", w.streams.In)
	for {
		var batch []stream.Entry
		err := w.brokerCall(ctx, "read history", func() error {
			var rerr error
			batch, rerr = w.client.ReadHistory(ctx, w.streams.In, w.streams.Group, w.streams.Consumer, int64(w.cfg.BatchSize))
			return rerr
		})
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			w.logger.Info("backlog drained")
			return nil
		}
		w.processBatch(ctx, phaseHistory, batch)
	}
}

// recoverPending takes ownership of entries that were delivered to other,
// now-presumed-dead consumers and never acknowledged. A broker without the
// reclaim primitive downgrades this phase to a logged no-op.
func (w *Worker) recoverPending(ctx context.Context) error {
	w.logger.Info("recovering stale pending entries", "min_idle", w.cfg.MinIdle.Std())
	cursor := stream.StartCursor
	for {
		var batch []stream.Entry
		var next string
		err := w.brokerCall(ctx, "reclaim stale", func() error {
			var rerr error
			batch, next, rerr = w.client.ReclaimStale(ctx, w.streams.In, w.streams.Group, w.streams.Consumer, w.cfg.MinIdle.Std(), cursor, int64(w.cfg.BatchSize))
			if errors.Is(rerr, apperrors.ErrReclaimUnsupported) {
				return resilience.Stop(rerr)
			}
			return rerr
		})
		if errors.Is(err, apperrors.ErrReclaimUnsupported) {
			w.logger.Warn("broker does not support stale-pending reclaim, skipping recovery")
			return nil
		}
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			if next == cursor {
				w.logger.Info("pending recovery complete")
				return nil
			}
			cursor = next
			continue
		}
		w.metrics.EntriesReclaimed.Add(float64(len(batch)))
		w.processBatch(ctx, phasePending, batch)
		cursor = next
	}
}

// liveLoop is the terminal state: block-read never-delivered entries until
// cancelled.
func (w *Worker) liveLoop(ctx context.Context) error {
	w.logger.Info("live consumption started",
		"stream", w.streams.In,
		"group", w.streams.Group,
		"block", w.cfg.BlockTimeout.Std(),
	)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("live loop stopping", "reason", ctx.Err())
			return nil
		default:
		}

		var batch []stream.Entry
		err := w.brokerCall(ctx, "read live", func() error {
			var rerr error
			batch, rerr = w.client.ReadLive(ctx, w.streams.In, w.streams.Group, w.streams.Consumer, int64(w.cfg.BatchSize), w.cfg.BlockTimeout.Std())
			return rerr
		})
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("live loop stopping", "reason", ctx.Err())
				return nil
			}
			return err
		}
		if len(batch) == 0 {
			continue
		}
		w.processBatch(ctx, phaseLive, batch)
	}
}

// processBatch handles entries strictly in delivery order. Acknowledgment
// ordering matters for pending-recovery accounting, so there is no fan-out.
// The batch runs under a detached context so cancellation lets the current
// batch finish being acknowledged instead of abandoning it mid-flight.
func (w *Worker) processBatch(ctx context.Context, phase string, batch []stream.Entry) {
	procCtx := context.WithoutCancel(ctx)
	for _, entry := range batch {
		w.processEntry(procCtx, phase, entry)
	}
}

// processEntry drives one entry to its terminal state. Every failure is
// routed to the dead-letter stream followed by an acknowledgment.
func (w *Worker) processEntry(ctx context.Context, phase string, entry stream.Entry) {
	man, err := manifest.Decode(entry.Fields)
	if err != nil {
		w.logger.Warn("schema mismatch, dead-lettering",
			"phase", phase,
			"id", entry.ID,
			"error", err,
		)
		w.dlq.Send(ctx, entry.ID, entry.Fields, deadletter.CauseSchemaMismatch)
		w.metrics.DeadLetters.WithLabelValues(deadletter.CauseSchemaMismatch).Inc()
		w.metrics.EntriesProcessed.WithLabelValues(phase, "dead_letter").Inc()
		w.ack(ctx, entry.ID)
		return
	}

	frameID := strings.TrimSpace(man.FrameID)
	if frameID != "" && w.seen.Contains(frameID) {
		w.logger.Debug("skipping already indexed frame", "phase", phase, "frame_id", frameID)
		w.metrics.DuplicatesSkipped.Inc()
		w.metrics.EntriesProcessed.WithLabelValues(phase, "duplicate").Inc()
		w.ack(ctx, entry.ID)
		return
	}

	doc := w.builder.Build(man)
	if err := w.sink.Append(doc); err != nil {
		w.failEntry(ctx, phase, entry, fmt.Errorf("sink append: %w", err))
		return
	}
	// The ledger is written only after the sink append succeeded: a crash in
	// between can duplicate a document but never lose one.
	if frameID != "" {
		if err := w.seen.Record(frameID); err != nil {
			w.failEntry(ctx, phase, entry, fmt.Errorf("ledger record: %w", err))
			return
		}
		w.metrics.SeenIDs.Set(float64(w.seen.Len()))
	}

	w.logger.Info("frame indexed", "phase", phase, "frame_id", orUnknown(frameID))
	w.metrics.FramesIndexed.WithLabelValues(phase).Inc()
	w.metrics.EntriesProcessed.WithLabelValues(phase, "indexed").Inc()
	w.ack(ctx, entry.ID)
}

// failEntry applies the terminal-failure policy: dead-letter with the cause,
// then still acknowledge, so one poisoned record cannot block the stream.
func (w *Worker) failEntry(ctx context.Context, phase string, entry stream.Entry, cause error) {
	w.logger.Error("processing failed, dead-lettering",
		"phase", phase,
		"id", entry.ID,
		"error", cause,
	)
	w.dlq.Send(ctx, entry.ID, entry.Fields, "exception: "+cause.Error())
	w.metrics.DeadLetters.WithLabelValues("processing_failure").Inc()
	w.metrics.EntriesProcessed.WithLabelValues(phase, "dead_letter").Inc()
	w.ack(ctx, entry.ID)
}

// ack acknowledges one entry, retrying transport failures. If the broker
// stays unreachable the entry remains pending and a later recovery pass will
// find it already recorded in the ledger, so at-least-once still holds.
func (w *Worker) ack(ctx context.Context, id string) {
	err := w.brokerCall(ctx, "ack", func() error {
		return w.client.Ack(ctx, w.streams.In, w.streams.Group, id)
	})
	if err != nil {
		w.logger.Error("acknowledgment failed, entry stays pending", "id", id, "error", err)
	}
}

// brokerCall wraps a broker operation in retry-with-backoff, counting
// retried attempts.
func (w *Worker) brokerCall(ctx context.Context, name string, fn func() error) error {
	first := true
	return resilience.Retry(ctx, name, w.retry, func() error {
		if !first {
			w.metrics.BrokerRetries.Inc()
		}
		first = false
		return fn()
	})
}

func orUnknown(frameID string) string {
	if frameID == "" {
		return "unknown"
	}
	return frameID
}
