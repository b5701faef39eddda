package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// SaveVMConfig writes the VM specification document to a YAML file.
// The document is validated first, then written atomically (temp file +
// rename) so a concurrent reader or a crash mid-write never observes a
// half-written config.
func SaveVMConfig(cfg *VMConfig, path string) error {
	if err := ValidateVMConfig(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal vm config to YAML: %w", err)
	}

	return atomicWrite(path, data, 0o644)
}

// WriteProvisionJSON derives a JSON copy of the VM config next to the
// canonical YAML file and returns its path. The provision script parses
// JSON natively, so the conversion happens at call time rather than
// requiring a YAML parser in the script. The JSON copy is never edited
// directly; it is regenerated from the YAML on every provision.
func WriteProvisionJSON(cfg *VMConfig, vmConfigPath string) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal vm config to JSON: %w", err)
	}

	ext := filepath.Ext(vmConfigPath)
	jsonPath := strings.TrimSuffix(vmConfigPath, ext) + ".json"

	if err := atomicWrite(jsonPath, data, 0o644); err != nil {
		return "", err
	}
	return jsonPath, nil
}

// atomicWrite writes data to path via a temp file and rename.
func atomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, perm); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}
