package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func testVMConfig() *VMConfig {
	return &VMConfig{VMs: []VMSpec{
		{Name: "k8s-master-1", CPU: 2, RAMMB: 4096, PlannedIP: "192.168.10.10", Role: "master"},
		{Name: "k8s-worker-1", CPU: 4, RAMMB: 8192, PlannedIP: "192.168.10.11", Role: "worker"},
	}}
}

func TestSaveVMConfig_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vm-config.yaml")

	want := testVMConfig()
	if err := SaveVMConfig(want, path); err != nil {
		t.Fatalf("SaveVMConfig failed: %v", err)
	}

	got, err := LoadVMConfig(path)
	if err != nil {
		t.Fatalf("LoadVMConfig failed: %v", err)
	}

	if !reflect.DeepEqual(want, got) {
		t.Errorf("round trip mismatch:\nwant %+v\ngot  %+v", want, got)
	}

	// No temp file left behind.
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file was not cleaned up")
	}
}

func TestSaveVMConfig_InvalidNeverWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vm-config.yaml")

	if err := SaveVMConfig(testVMConfig(), path); err != nil {
		t.Fatal(err)
	}
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	bad := &VMConfig{VMs: []VMSpec{{Name: "m", CPU: 99, RAMMB: 4096, Role: "master"}}}
	if err := SaveVMConfig(bad, path); err == nil {
		t.Fatal("expected validation error")
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(before) != string(after) {
		t.Error("invalid write mutated the stored document")
	}
}

func TestWriteProvisionJSON(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "vm-config.yaml")

	cfg := testVMConfig()
	jsonPath, err := WriteProvisionJSON(cfg, yamlPath)
	if err != nil {
		t.Fatalf("WriteProvisionJSON failed: %v", err)
	}

	if jsonPath != filepath.Join(dir, "vm-config.json") {
		t.Errorf("unexpected json path: %s", jsonPath)
	}

	data, err := os.ReadFile(jsonPath)
	if err != nil {
		t.Fatal(err)
	}

	var derived VMConfig
	if err := json.Unmarshal(data, &derived); err != nil {
		t.Fatalf("derived config is not valid JSON: %v", err)
	}
	if !reflect.DeepEqual(cfg.VMs, derived.VMs) {
		t.Errorf("derived JSON does not match canonical config:\nwant %+v\ngot  %+v", cfg.VMs, derived.VMs)
	}
}
