package history

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// JSONStore implements the Store interface using a single JSON file.
// All records are kept in memory and persisted to disk on each write via
// write-to-temp-then-rename, so a crash mid-write leaves the previous
// document intact. Suitable for a single-operator dashboard.
type JSONStore struct {
	path    string
	records map[string]*Record // indexed by target
	mu      sync.RWMutex
}

// jsonPersistence is the on-disk format for the JSON store.
type jsonPersistence struct {
	Records map[string]*Record `json:"records"`
}

// NewJSONStore creates a new JSON file-backed store at the given path.
func NewJSONStore(path string) (Store, error) {
	s := &JSONStore{
		path:    path,
		records: make(map[string]*Record),
	}

	if _, err := os.Stat(path); err == nil {
		if err := s.load(); err != nil {
			return nil, fmt.Errorf("load existing data: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat file: %w", err)
	}

	return s, nil
}

// load reads the JSON file and populates the in-memory map.
func (s *JSONStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	var persist jsonPersistence
	if err := json.Unmarshal(data, &persist); err != nil {
		return fmt.Errorf("unmarshal json: %w", err)
	}

	s.records = persist.Records
	if s.records == nil {
		s.records = make(map[string]*Record)
	}
	return nil
}

// save writes the in-memory map to the JSON file atomically.
func (s *JSONStore) save() error {
	persist := jsonPersistence{Records: s.records}
	data, err := json.MarshalIndent(persist, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	return nil
}

// Get retrieves the last run record for a target.
func (s *JSONStore) Get(target string) (*Record, error) {
	if target == "" {
		return nil, fmt.Errorf("target is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[target]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, target)
	}
	return rec, nil
}

// Put replaces the record for rec.Target.
func (s *JSONStore) Put(rec *Record) error {
	if rec.Target == "" {
		return fmt.Errorf("target is required")
	}
	if rec.RunID == "" {
		return fmt.Errorf("run_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[rec.Target] = rec
	return s.save()
}

// All returns the record for every known target.
func (s *JSONStore) All() (map[string]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*Record, len(s.records))
	for target, rec := range s.records {
		out[target] = rec
	}
	return out, nil
}

// Reset deletes all records.
func (s *JSONStore) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[string]*Record)
	return s.save()
}

// Close releases resources held by the store.
// For the JSON store this is a no-op since no file handles stay open.
func (s *JSONStore) Close() error {
	return nil
}
