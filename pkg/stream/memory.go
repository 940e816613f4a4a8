package stream

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Client with full consumer-group semantics:
// per-group delivery cursors, a pending-entries list, idempotent acks, and
// stale-pending reclaim. It backs the engine's tests and doubles as an
// embedded broker for local runs.
type Memory struct {
	mu      sync.Mutex
	streams map[string]*memStream
	seq     int64
}

type memStream struct {
	base    int // absolute index of entries[0]
	entries []Entry
	byID    map[string]int // entry ID -> absolute index
	groups  map[string]*memGroup
}

type memGroup struct {
	next    int // absolute index of the next never-delivered entry
	pending map[string]*memPending
}

type memPending struct {
	id        string
	abs       int
	consumer  string
	delivered time.Time
}

// NewMemory creates an empty in-memory broker.
func NewMemory() *Memory {
	return &Memory{streams: make(map[string]*memStream)}
}

func (m *Memory) stream(name string) *memStream {
	s, ok := m.streams[name]
	if !ok {
		s = &memStream{
			byID:   make(map[string]int),
			groups: make(map[string]*memGroup),
		}
		m.streams[name] = s
	}
	return s
}

func (m *Memory) EnsureGroup(_ context.Context, stream, group string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stream(stream)
	if _, ok := s.groups[group]; !ok {
		s.groups[group] = &memGroup{next: s.base, pending: make(map[string]*memPending)}
	}
	return nil
}

func (m *Memory) ReadHistory(_ context.Context, stream, group, consumer string, count int64) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stream(stream)
	g, ok := s.groups[group]
	if !ok {
		return nil, fmt.Errorf("no such group %q on stream %q", group, stream)
	}
	owned := g.sortedPending(func(p *memPending) bool {
		return p.consumer == consumer && p.abs >= s.base
	})
	if int64(len(owned)) > count {
		owned = owned[:count]
	}
	batch := make([]Entry, 0, len(owned))
	for _, p := range owned {
		batch = append(batch, s.entries[p.abs-s.base])
	}
	return batch, nil
}

func (m *Memory) ReadLive(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	deadline := time.Now().Add(block)
	for {
		batch, err := m.tryReadLive(stream, group, consumer, count)
		if err != nil || batch != nil {
			return batch, err
		}
		if block <= 0 || !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func (m *Memory) tryReadLive(stream, group, consumer string, count int64) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stream(stream)
	g, ok := s.groups[group]
	if !ok {
		return nil, fmt.Errorf("no such group %q on stream %q", group, stream)
	}
	if g.next < s.base {
		g.next = s.base
	}
	end := s.base + len(s.entries)
	if g.next >= end {
		return nil, nil
	}
	var batch []Entry
	now := time.Now()
	for g.next < end && int64(len(batch)) < count {
		e := s.entries[g.next-s.base]
		g.pending[e.ID] = &memPending{id: e.ID, abs: g.next, consumer: consumer, delivered: now}
		batch = append(batch, e)
		g.next++
	}
	return batch, nil
}

func (m *Memory) ReclaimStale(_ context.Context, stream, group, consumer string, minIdle time.Duration, cursor string, count int64) ([]Entry, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stream(stream)
	g, ok := s.groups[group]
	if !ok {
		return nil, cursor, fmt.Errorf("no such group %q on stream %q", group, stream)
	}
	from := -1
	if cursor != StartCursor {
		abs, ok := s.byID[cursor]
		if !ok {
			return nil, StartCursor, nil
		}
		from = abs - 1 // scan resumes at the cursor entry itself
	}

	now := time.Now()
	scan := g.sortedPending(func(p *memPending) bool { return p.abs > from })
	var batch []Entry
	next := StartCursor
	for _, p := range scan {
		// Entries trimmed out of the stream are dropped from the pending
		// list, matching broker behaviour.
		if p.abs < s.base {
			delete(g.pending, p.id)
			continue
		}
		e := s.entries[p.abs-s.base]
		if now.Sub(p.delivered) < minIdle {
			continue
		}
		if int64(len(batch)) >= count {
			next = e.ID
			break
		}
		p.consumer = consumer
		p.delivered = now
		batch = append(batch, e)
	}
	return batch, next, nil
}

func (m *Memory) Ack(_ context.Context, stream, group string, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stream(stream)
	g, ok := s.groups[group]
	if !ok {
		return nil
	}
	for _, id := range ids {
		delete(g.pending, id)
	}
	return nil
}

func (m *Memory) Append(_ context.Context, stream string, fields map[string]string, maxLen int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stream(stream)
	m.seq++
	id := fmt.Sprintf("%d-%d", time.Now().UnixMilli(), m.seq)
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	abs := s.base + len(s.entries)
	s.entries = append(s.entries, Entry{ID: id, Fields: copied})
	s.byID[id] = abs
	if maxLen > 0 {
		for int64(len(s.entries)) > maxLen {
			dropped := s.entries[0]
			delete(s.byID, dropped.ID)
			s.entries = s.entries[1:]
			s.base++
			for _, g := range s.groups {
				delete(g.pending, dropped.ID)
				if g.next < s.base {
					g.next = s.base
				}
			}
		}
	}
	return id, nil
}

// Len reports the number of entries currently held by a stream.
func (m *Memory) Len(stream string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[stream]
	if !ok {
		return 0
	}
	return len(s.entries)
}

// PendingCount reports a group's pending-entry count, as a dashboard reading
// XPENDING would see it.
func (m *Memory) PendingCount(stream, group string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[stream]
	if !ok {
		return 0
	}
	g, ok := s.groups[group]
	if !ok {
		return 0
	}
	return len(g.pending)
}

// Entries returns a snapshot of a stream's current entries in order.
func (m *Memory) Entries(stream string) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[stream]
	if !ok {
		return nil
	}
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

func (g *memGroup) sortedPending(keep func(*memPending) bool) []*memPending {
	var out []*memPending
	for _, p := range g.pending {
		if keep(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].abs < out[j].abs })
	return out
}
