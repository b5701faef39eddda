// Package discovery enumerates automation playbooks from the filesystem.
// The set is re-read on every call, so adding a playbook makes it appear in
// the UI with no code change or restart, and removing one hides it.
package discovery

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNotFound is returned by Find when no playbook matches the given name.
var ErrNotFound = errors.New("playbook not found")

// playbookExt is the automation-unit convention: one YAML file per playbook.
const playbookExt = ".yml"

// Playbook describes one discovered automation unit.
type Playbook struct {
	Name string // filename including extension, e.g. "01-networking.yml"
	Path string // absolute path to the file
}

// Label returns the human-readable label: the filename without extension.
func (p Playbook) Label() string {
	return strings.TrimSuffix(p.Name, playbookExt)
}

// List returns every playbook under root, ordered lexicographically by name
// so numbered playbooks (01-..., 02-...) appear in their intended sequence.
//
// A root containing zero matching files yields an empty list. A missing or
// unreadable root is an explicit error: the caller must be able to tell
// "no playbooks" from "can't see playbooks".
func List(root string) ([]Playbook, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read playbooks directory %s: %w", root, err)
	}

	var playbooks []Playbook
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, playbookExt) || strings.HasPrefix(name, ".") {
			continue
		}
		playbooks = append(playbooks, Playbook{
			Name: name,
			Path: filepath.Join(root, name),
		})
	}

	sort.Slice(playbooks, func(i, j int) bool {
		return playbooks[i].Name < playbooks[j].Name
	})

	return playbooks, nil
}

// Find resolves a playbook by name against the current filesystem state.
// The name must be a bare filename matching the playbook convention;
// path traversal is rejected as not-found rather than resolved.
func Find(root, name string) (Playbook, error) {
	if name == "" || name != filepath.Base(name) || !strings.HasSuffix(name, playbookExt) {
		return Playbook{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	path := filepath.Join(root, name)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return Playbook{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	return Playbook{Name: name, Path: path}, nil
}
