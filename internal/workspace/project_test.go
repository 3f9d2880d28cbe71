package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCreateLaysOutFixedStructure(t *testing.T) {
	root := filepath.Join(t.TempDir(), "myrom")
	p, err := Create(root)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for _, dir := range []string{p.InDir(), p.SourceRoot(), p.ImageDir(), p.TempDir(), p.LogsDir()} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Errorf("missing project directory %s", dir)
		}
	}
}

func TestOpenRejectsNonProject(t *testing.T) {
	if _, err := Open(t.TempDir()); err == nil {
		t.Fatal("expected error opening a bare directory")
	}
}

func TestScratchCleanupRemovesDirectory(t *testing.T) {
	p, err := Create(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	dir, cleanup, err := p.Scratch("op-1")
	if err != nil {
		t.Fatalf("scratch: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "intermediate.img"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	cleanup()
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("scratch dir still exists after cleanup")
	}
}

func TestPlaceFinalMovesAtomically(t *testing.T) {
	p, err := Create(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	src := filepath.Join(p.TempDir(), "vendor_a.img")
	if err := os.WriteFile(src, []byte("image-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	dst := filepath.Join(p.ImageDir(), "vendor_a.img")
	if err := PlaceFinal(src, dst); err != nil {
		t.Fatalf("place final: %v", err)
	}

	data, err := os.ReadFile(dst)
	if err != nil || string(data) != "image-bytes" {
		t.Errorf("destination content = %q, err = %v", data, err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Errorf("source still present after move")
	}
}

func TestPartitionsListsSourceTrees(t *testing.T) {
	p, err := Create(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"system_a", "vendor_a"} {
		if err := os.MkdirAll(p.SourceDir(name), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	parts, err := p.Partitions()
	if err != nil {
		t.Fatalf("partitions: %v", err)
	}
	if len(parts) != 2 {
		t.Fatalf("partitions = %v, want 2 entries", parts)
	}
}

func TestDirSizeSumsRegularFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a"), make([]byte, 100), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "b"), make([]byte, 50), 0o644); err != nil {
		t.Fatal(err)
	}

	size, err := DirSize(dir)
	if err != nil {
		t.Fatal(err)
	}
	if size != 150 {
		t.Errorf("size = %d, want 150", size)
	}
}
