package history

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// storeFactories lets every test run against both drivers.
var storeFactories = map[string]func(t *testing.T) Store{
	"json": func(t *testing.T) Store {
		s, err := NewJSONStore(filepath.Join(t.TempDir(), "history.json"))
		if err != nil {
			t.Fatal(err)
		}
		return s
	},
	"bbolt": func(t *testing.T) Store {
		s, err := NewBoltStore(filepath.Join(t.TempDir(), "history.db"))
		if err != nil {
			t.Fatal(err)
		}
		return s
	},
}

func testRecord(target, runID, status string, code int) *Record {
	start := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	return &Record{
		Target:    target,
		RunID:     runID,
		Status:    status,
		ExitCode:  code,
		StartTime: start,
		EndTime:   start.Add(90 * time.Second),
	}
}

func TestStore_PutGet(t *testing.T) {
	for name, newStore := range storeFactories {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()

			want := testRecord("01-networking.yml", "run-1", "succeeded", 0)
			if err := s.Put(want); err != nil {
				t.Fatalf("Put failed: %v", err)
			}

			got, err := s.Get("01-networking.yml")
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if got.RunID != "run-1" || got.Status != "succeeded" || got.ExitCode != 0 {
				t.Errorf("unexpected record: %+v", got)
			}
			if got.Duration() != 90*time.Second {
				t.Errorf("unexpected duration: %v", got.Duration())
			}
		})
	}
}

func TestStore_GetAbsent(t *testing.T) {
	for name, newStore := range storeFactories {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()

			_, err := s.Get("never-ran.yml")
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStore_PutReplacesNotMerges(t *testing.T) {
	for name, newStore := range storeFactories {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()

			if err := s.Put(testRecord("x.yml", "run-1", "failed", 1)); err != nil {
				t.Fatal(err)
			}
			if err := s.Put(testRecord("x.yml", "run-2", "succeeded", 0)); err != nil {
				t.Fatal(err)
			}

			got, err := s.Get("x.yml")
			if err != nil {
				t.Fatal(err)
			}
			if got.RunID != "run-2" || got.Status != "succeeded" {
				t.Errorf("record was not replaced: %+v", got)
			}

			all, err := s.All()
			if err != nil {
				t.Fatal(err)
			}
			if len(all) != 1 {
				t.Errorf("expected exactly one record per target, got %d", len(all))
			}
		})
	}
}

func TestStore_Reset(t *testing.T) {
	for name, newStore := range storeFactories {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()

			s.Put(testRecord("a.yml", "run-1", "succeeded", 0))
			s.Put(testRecord("b.yml", "run-2", "failed", 2))

			if err := s.Reset(); err != nil {
				t.Fatalf("Reset failed: %v", err)
			}

			all, err := s.All()
			if err != nil {
				t.Fatal(err)
			}
			if len(all) != 0 {
				t.Errorf("expected no records after reset, got %d", len(all))
			}
		})
	}
}

func TestStore_ValidationErrors(t *testing.T) {
	for name, newStore := range storeFactories {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()

			if err := s.Put(&Record{RunID: "run-1"}); err == nil {
				t.Error("expected error for missing target")
			}
			if err := s.Put(&Record{Target: "x.yml"}); err == nil {
				t.Error("expected error for missing run_id")
			}
			if _, err := s.Get(""); err == nil {
				t.Error("expected error for empty target")
			}
		})
	}
}

func TestJSONStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")

	s, err := NewJSONStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put(testRecord("01-networking.yml", "run-1", "succeeded", 0)); err != nil {
		t.Fatal(err)
	}
	s.Close()

	reopened, err := NewJSONStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get("01-networking.yml")
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if got.RunID != "run-1" {
		t.Errorf("unexpected record after reopen: %+v", got)
	}

	// Atomic write leaves no temp file behind.
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file was not cleaned up")
	}
}

func TestNewStore_Factory(t *testing.T) {
	dir := t.TempDir()

	if _, err := NewStore("json", filepath.Join(dir, "h.json")); err != nil {
		t.Errorf("json driver failed: %v", err)
	}
	if _, err := NewStore("bbolt", filepath.Join(dir, "h.db")); err != nil {
		t.Errorf("bbolt driver failed: %v", err)
	}
	if _, err := NewStore("postgres", filepath.Join(dir, "h")); err == nil {
		t.Error("expected error for unsupported driver")
	}
	if _, err := NewStore("json", ""); err == nil {
		t.Error("expected error for empty path")
	}
}
