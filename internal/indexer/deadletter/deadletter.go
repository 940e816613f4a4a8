// Package deadletter forwards un-processable stream entries, with their
// original payload and failure cause, to a separate dead-letter stream for
// operator inspection and manual replay.
package deadletter

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/apirutv/server-vision-pipeline/pkg/stream"
)

// CauseSchemaMismatch is the cause recorded for missing/undecodable payloads.
const CauseSchemaMismatch = "schema_mismatch"

// Record is the JSON envelope appended under the "json" field of each
// dead-letter entry.
type Record struct {
	Source string            `json:"source"`
	ID     string            `json:"id"`
	Error  string            `json:"error"`
	KV     map[string]string `json:"kv"`
}

// Publisher writes dead-letter entries. Failures here are logged and
// swallowed: losing a dead-letter record is acceptable, losing liveness of
// the consumer is not.
type Publisher struct {
	client stream.Client
	stream string
	source string
	maxLen int64
	logger *slog.Logger
}

// New creates a Publisher targeting the given dead-letter stream. source
// names the stream the failed entries came from; maxLen caps the dead-letter
// stream approximately (0 means uncapped).
func New(client stream.Client, dlStream, source string, maxLen int64) *Publisher {
	return &Publisher{
		client: client,
		stream: dlStream,
		source: source,
		maxLen: maxLen,
		logger: slog.Default().With("component", "dead-letter"),
	}
}

// Send appends one dead-letter entry carrying the original fields and cause.
// It never returns an error to the caller.
func (p *Publisher) Send(ctx context.Context, originalID string, originalFields map[string]string, cause string) {
	payload, err := json.Marshal(Record{
		Source: p.source,
		ID:     originalID,
		Error:  cause,
		KV:     originalFields,
	})
	if err != nil {
		p.logger.Warn("failed to encode dead-letter record", "id", originalID, "error", err)
		return
	}
	if _, err := p.client.Append(ctx, p.stream, map[string]string{"json": string(payload)}, p.maxLen); err != nil {
		p.logger.Warn("failed to write dead-letter record", "id", originalID, "cause", cause, "error", err)
	}
}
