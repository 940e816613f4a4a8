// Package seen implements the durable idempotency store: an append-only
// ledger file with one frame id per line, replayed into an in-memory set at
// startup for O(1) membership tests.
//
// The set is owned exclusively by the worker's single processing path, so no
// locking is needed. It is unbounded in memory, an accepted trade-off at the
// target scale; very large deployments would swap in an external key-value
// check.
package seen

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	apperrors "github.com/apirutv/server-vision-pipeline/pkg/errors"
)

// Store is the durable set of previously indexed frame ids.
type Store struct {
	path string
	f    *os.File
	ids  map[string]struct{}
}

// Open replays the ledger at path into memory and opens it for appends,
// creating it (and its directory) if absent.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating ledger directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening ledger %s: %w", path, err)
	}

	ids := make(map[string]struct{})
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if id := strings.TrimSpace(scanner.Text()); id != "" {
			ids[id] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		f.Close()
		return nil, fmt.Errorf("replaying ledger %s: %w", path, err)
	}
	return &Store{path: path, f: f, ids: ids}, nil
}

// Contains reports whether frameID has been recorded. The empty id is never
// considered seen: entries without a business key bypass deduplication.
func (s *Store) Contains(frameID string) bool {
	if frameID == "" {
		return false
	}
	_, ok := s.ids[frameID]
	return ok
}

// Record appends frameID to the ledger and adds it to the in-memory set.
// Callers must invoke it only after the corresponding sink write succeeded:
// an id is never marked seen unless its document is at least written. The
// empty id is ignored.
func (s *Store) Record(frameID string) error {
	if frameID == "" {
		return nil
	}
	if s.f == nil {
		return apperrors.New(apperrors.ErrLedgerClosed, s.path)
	}
	if _, err := fmt.Fprintln(s.f, frameID); err != nil {
		return fmt.Errorf("appending to ledger %s: %w", s.path, err)
	}
	s.ids[frameID] = struct{}{}
	return nil
}

// Len returns the number of ids currently known.
func (s *Store) Len() int {
	return len(s.ids)
}

// Close closes the ledger file. Contains keeps working on the in-memory set.
func (s *Store) Close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
