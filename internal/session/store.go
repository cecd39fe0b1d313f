package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// DefaultPath is the session file location relative to the workspace.
const DefaultPath = ".reqline/session_store.json"

// Record is whatever was last set or merged for a session id; no schema is enforced.
type Record map[string]any

// Options configure a Store.
type Options struct {
	Path string
	// Persist false keeps the store in memory only.
	Persist bool
	// Strict makes Open fail on an unreadable session file instead of starting empty.
	Strict bool
	Logger *log.Logger
}

// PersistenceError reports a failed write of the session file. The in-memory
// state is left as it was before the failed mutation.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist sessions to %s: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// LoadError reports a session file that exists but could not be read or parsed.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load sessions from %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Store maps session ids to accumulated records and mirrors them to one JSON file.
//
// writeMu serializes the load, apply, persist sequence of Set and Merge. mu only
// guards the map swap, so Get never waits on a write in flight and can return
// the value that write is about to replace.
type Store struct {
	path    string
	persist bool
	logger  *log.Logger

	writeMu sync.Mutex
	mu      sync.RWMutex
	records map[string]Record
}

// Open builds a store and loads its file when persistence is on.
func Open(opts Options) (*Store, error) {
	s := &Store{
		path:    opts.Path,
		persist: opts.Persist,
		logger:  opts.Logger,
		records: map[string]Record{},
	}
	if s.path == "" {
		s.path = DefaultPath
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	if !s.persist {
		return s, nil
	}
	records, err := readFile(s.path)
	if err != nil {
		if opts.Strict {
			return nil, err
		}
		s.logger.Printf("session: %v; starting with an empty store", err)
		return s, nil
	}
	s.records = records
	return s, nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Get returns a shallow copy of the committed record for id.
func (s *Store) Get(id string) (Record, bool) {
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return copyRecord(rec), true
}

// IDs returns the known session ids in sorted order.
func (s *Store) IDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Set replaces the record for id and persists the whole store.
func (s *Store) Set(id string, rec Record) error {
	return s.update(id, func(Record) Record {
		return copyRecord(rec)
	})
}

// Merge overwrites the top-level keys of partial onto the record for id,
// keeping keys partial does not mention, and persists the whole store.
// Nested values are replaced, never merged.
func (s *Store) Merge(id string, partial Record) error {
	return s.update(id, func(existing Record) Record {
		merged := copyRecord(existing)
		for k, v := range partial {
			merged[k] = v
		}
		return merged
	})
}

func (s *Store) update(id string, apply func(existing Record) Record) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	next := make(map[string]Record, len(s.records)+1)
	for k, v := range s.records {
		next[k] = v
	}
	existing := s.records[id]
	s.mu.RUnlock()

	next[id] = apply(existing)
	if s.persist {
		if err := writeFile(s.path, next); err != nil {
			return &PersistenceError{Path: s.path, Err: err}
		}
	}

	s.mu.Lock()
	s.records = next
	s.mu.Unlock()
	return nil
}

func readFile(path string) (map[string]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]Record{}, nil
		}
		return nil, &LoadError{Path: path, Err: err}
	}
	var records map[string]Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	if records == nil {
		records = map[string]Record{}
	}
	return records, nil
}

// writeFile replaces path through a temp file and rename.
func writeFile(path string, records map[string]Record) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sessions: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func copyRecord(rec Record) Record {
	out := make(Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}
