package discovery

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writePlaybook(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("---\n- hosts: all\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestList(t *testing.T) {
	dir := t.TempDir()

	// Write out of order to verify sorting.
	writePlaybook(t, dir, "02-kubernetes.yml")
	writePlaybook(t, dir, "01-networking.yml")
	writePlaybook(t, dir, "99-healthcheck.yml")

	// Entries that must be filtered out.
	writePlaybook(t, dir, ".hidden.yml")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("docs"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "roles.yml"), 0o755); err != nil {
		t.Fatal(err)
	}

	playbooks, err := List(dir)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}

	want := []string{"01-networking.yml", "02-kubernetes.yml", "99-healthcheck.yml"}
	if len(playbooks) != len(want) {
		t.Fatalf("expected %d playbooks, got %d", len(want), len(playbooks))
	}
	for i, name := range want {
		if playbooks[i].Name != name {
			t.Errorf("playbook %d: expected %s, got %s", i, name, playbooks[i].Name)
		}
		if playbooks[i].Path != filepath.Join(dir, name) {
			t.Errorf("playbook %d: unexpected path %s", i, playbooks[i].Path)
		}
	}

	if playbooks[0].Label() != "01-networking" {
		t.Errorf("unexpected label: %s", playbooks[0].Label())
	}
}

func TestList_EmptyDirIsNotAnError(t *testing.T) {
	playbooks, err := List(t.TempDir())
	if err != nil {
		t.Fatalf("List on empty dir failed: %v", err)
	}
	if len(playbooks) != 0 {
		t.Errorf("expected empty set, got %d", len(playbooks))
	}
}

func TestList_MissingRootIsAnError(t *testing.T) {
	_, err := List(filepath.Join(t.TempDir(), "gone"))
	if err == nil {
		t.Fatal("expected error for missing root directory")
	}
}

func TestList_ReflectsFilesystemChanges(t *testing.T) {
	dir := t.TempDir()
	writePlaybook(t, dir, "01-networking.yml")

	playbooks, err := List(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(playbooks) != 1 {
		t.Fatalf("expected 1 playbook, got %d", len(playbooks))
	}

	// Adding a unit and re-listing must reveal it.
	writePlaybook(t, dir, "02-kubernetes.yml")
	playbooks, err = List(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(playbooks) != 2 {
		t.Fatalf("new playbook not discovered, got %d", len(playbooks))
	}

	// Removing one must hide it.
	if err := os.Remove(filepath.Join(dir, "01-networking.yml")); err != nil {
		t.Fatal(err)
	}
	playbooks, err = List(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(playbooks) != 1 || playbooks[0].Name != "02-kubernetes.yml" {
		t.Errorf("removed playbook still listed: %+v", playbooks)
	}
}

func TestFind(t *testing.T) {
	dir := t.TempDir()
	writePlaybook(t, dir, "01-networking.yml")

	pb, err := Find(dir, "01-networking.yml")
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if pb.Path != filepath.Join(dir, "01-networking.yml") {
		t.Errorf("unexpected path: %s", pb.Path)
	}
}

func TestFind_Rejections(t *testing.T) {
	dir := t.TempDir()
	writePlaybook(t, dir, "01-networking.yml")

	tests := []string{
		"",
		"missing.yml",
		"01-networking",           // wrong extension
		"../01-networking.yml",    // traversal
		"sub/01-networking.yml",   // nested path
		"01-networking.yml.sh",    // extension mismatch
	}
	for _, name := range tests {
		if _, err := Find(dir, name); !errors.Is(err, ErrNotFound) {
			t.Errorf("Find(%q): expected ErrNotFound, got %v", name, err)
		}
	}
}
