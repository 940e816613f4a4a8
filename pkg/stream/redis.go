package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/apirutv/server-vision-pipeline/pkg/config"
	apperrors "github.com/apirutv/server-vision-pipeline/pkg/errors"
)

// Redis implements Client over Redis Streams via go-redis/v9.
type Redis struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewRedis creates a Redis stream client and verifies the connection with a
// PING.
func NewRedis(cfg config.RedisConfig) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Redis{
		rdb:    rdb,
		logger: slog.Default().With("component", "stream-redis"),
	}, nil
}

// EnsureGroup issues XGROUP CREATE MKSTREAM at ID 0-0. A BUSYGROUP reply
// means the group already exists and is swallowed.
func (r *Redis) EnsureGroup(ctx context.Context, stream, group string) error {
	err := r.rdb.XGroupCreateMkStream(ctx, stream, group, StartCursor).Err()
	if err != nil {
		if strings.HasPrefix(err.Error(), "BUSYGROUP") {
			r.logger.Info("consumer group already exists", "stream", stream, "group", group)
			return nil
		}
		return transportErr("xgroup create", err)
	}
	r.logger.Info("consumer group created", "stream", stream, "group", group, "start", StartCursor)
	return nil
}

// ReadHistory reads this consumer's unacknowledged backlog (cursor "0")
// without blocking.
func (r *Redis) ReadHistory(ctx context.Context, stream, group, consumer string, count int64) ([]Entry, error) {
	res, err := r.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, "0"},
		Count:    count,
		Block:    -1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, transportErr("xreadgroup history", err)
	}
	return flatten(res), nil
}

// ReadLive reads never-delivered entries (cursor ">"), blocking up to block.
// A blocked read that times out returns an empty batch.
func (r *Redis) ReadLive(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	res, err := r.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, transportErr("xreadgroup live", err)
	}
	return flatten(res), nil
}

// ReclaimStale wraps XAUTOCLAIM. Servers predating the command surface it as
// an unknown command; that condition is mapped to the typed
// ErrReclaimUnsupported capability result so callers can skip recovery
// without string matching.
func (r *Redis) ReclaimStale(ctx context.Context, stream, group, consumer string, minIdle time.Duration, cursor string, count int64) ([]Entry, string, error) {
	msgs, next, err := r.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    cursor,
		Count:    count,
	}).Result()
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unknown command") {
			return nil, cursor, apperrors.New(apperrors.ErrReclaimUnsupported, "XAUTOCLAIM not available")
		}
		return nil, cursor, transportErr("xautoclaim", err)
	}
	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, Entry{ID: m.ID, Fields: stringFields(m.Values)})
	}
	return entries, next, nil
}

// Ack acknowledges entries. XACK of an unknown ID is a no-op on the server,
// so acking twice is safe.
func (r *Redis) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := r.rdb.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return transportErr("xack", err)
	}
	return nil
}

// Append publishes an entry with an approximate MAXLEN cap when maxLen > 0.
func (r *Redis) Append(ctx context.Context, stream string, fields map[string]string, maxLen int64) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: maxLen > 0,
		Values: values,
	}).Result()
	if err != nil {
		return "", transportErr("xadd", err)
	}
	return id, nil
}

// Ping reports broker reachability, for health checks.
func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Close closes the underlying Redis connection.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

func transportErr(op string, err error) error {
	return apperrors.Newf(apperrors.ErrBrokerUnavailable, "%s: %v", op, err)
}

func flatten(streams []redis.XStream) []Entry {
	var entries []Entry
	for _, s := range streams {
		for _, m := range s.Messages {
			entries = append(entries, Entry{ID: m.ID, Fields: stringFields(m.Values)})
		}
	}
	return entries
}

func stringFields(values map[string]interface{}) map[string]string {
	fields := make(map[string]string, len(values))
	for k, v := range values {
		if s, ok := v.(string); ok {
			fields[k] = s
		} else {
			fields[k] = fmt.Sprint(v)
		}
	}
	return fields
}
