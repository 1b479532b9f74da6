package main

import (
	"os"
	"path/filepath"
	"testing"

	"docqa/internal/chromemdb"
)

func TestIndexDirs_MissingRoot(t *testing.T) {
	if dirs := indexDirs(filepath.Join(t.TempDir(), "indexes"), nil); dirs != nil {
		t.Errorf("dirs = %v, want none", dirs)
	}
}

func TestIndexDirs_ListsSavedIndexes(t *testing.T) {
	root := t.TempDir()
	saved := filepath.Join(root, "manual")
	if err := os.MkdirAll(saved, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(saved, chromemdb.ManifestFile), []byte("name: manual.pdf\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "scratch"), 0o755); err != nil {
		t.Fatal(err)
	}

	dirs := indexDirs(root, nil)
	if len(dirs) != 1 || dirs[0] != saved {
		t.Errorf("dirs = %v, want [%s]", dirs, saved)
	}
	if got := indexDirs(root, []string{"x"}); len(got) != 1 || got[0] != "x" {
		t.Errorf("explicit dirs = %v", got)
	}
}
