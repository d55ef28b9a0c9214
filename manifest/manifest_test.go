package manifest

import (
	"os"
	"path/filepath"
	"testing"
)

func writeToml(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "wren.toml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadAndToConfig(t *testing.T) {
	dir := t.TempDir()
	writeToml(t, dir, `
[runtime]
workers = 4
reductions = 500

[heap]
initial-words = 1024
growth-factor = 3
max-words = 65536

[port]
queue-depth = 16
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg := m.ToConfig()
	if cfg.Workers != 4 {
		t.Errorf("Workers = %d, want 4", cfg.Workers)
	}
	if cfg.Reductions != 500 {
		t.Errorf("Reductions = %d, want 500", cfg.Reductions)
	}
	if cfg.HeapWords != 1024 {
		t.Errorf("HeapWords = %d, want 1024", cfg.HeapWords)
	}
	if cfg.HeapGrowth != 3 {
		t.Errorf("HeapGrowth = %d, want 3", cfg.HeapGrowth)
	}
	if cfg.HeapMax != 65536 {
		t.Errorf("HeapMax = %d, want 65536", cfg.HeapMax)
	}
	if cfg.PortQueue != 16 {
		t.Errorf("PortQueue = %d, want 16", cfg.PortQueue)
	}
}

func TestPartialManifestKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	writeToml(t, dir, `
[runtime]
workers = 2
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg := m.ToConfig()
	if cfg.Workers != 2 {
		t.Errorf("Workers = %d, want 2", cfg.Workers)
	}
	if cfg.Reductions != 2000 {
		t.Errorf("Reductions = %d, want default 2000", cfg.Reductions)
	}
	if cfg.HeapWords != 256 {
		t.Errorf("HeapWords = %d, want default 256", cfg.HeapWords)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Error("Load of a directory without wren.toml should fail")
	}
}

func TestFindAndLoadWalksUp(t *testing.T) {
	root := t.TempDir()
	writeToml(t, root, "[runtime]\nworkers = 8\n")
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}

	m, err := FindAndLoad(nested)
	if err != nil {
		t.Fatalf("FindAndLoad: %v", err)
	}
	if m == nil {
		t.Fatal("FindAndLoad found nothing")
	}
	if m.Runtime.Workers != 8 {
		t.Errorf("Workers = %d, want 8", m.Runtime.Workers)
	}
	if m.Dir != root {
		t.Errorf("Dir = %q, want %q", m.Dir, root)
	}
}

func TestParseError(t *testing.T) {
	dir := t.TempDir()
	writeToml(t, dir, "[runtime\nworkers = ")
	if _, err := Load(dir); err == nil {
		t.Error("malformed toml should fail to parse")
	}
}
