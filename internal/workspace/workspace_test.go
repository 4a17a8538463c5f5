package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPrepare_CreatesMissingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sandbox")
	if err := Prepare(dir); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		t.Fatalf("expected directory at %s: %v", dir, err)
	}
}

func TestPrepare_ClearsStaleEntries(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "leftover")
	if err := os.MkdirAll(filepath.Join(stale, "nested"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "file.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := Prepare(dir); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected cleared dir, found %d entries", len(entries))
	}
}

func TestPrepare_RefusesRootAndEmpty(t *testing.T) {
	if err := Prepare(""); err == nil {
		t.Fatal("expected error for empty dir")
	}
	if err := Prepare("/"); err == nil {
		t.Fatal("expected error for root dir")
	}
}

func TestPrepare_RejectsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := Prepare(path); err == nil {
		t.Fatal("expected error for non-directory path")
	}
}

func TestTeardown_RemovesTree(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "scratch")
	if err := os.MkdirAll(filepath.Join(dir, "a/b"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := Teardown(dir); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("expected dir removed, stat err=%v", err)
	}
}
