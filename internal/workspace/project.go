// Package workspace manages the on-disk layout of a ROM modification project.
//
// Every project uses the same fixed structure:
//
//	<root>/
//	    in/            input ROM files
//	    out/Source/    extracted, user-editable source trees (one per partition)
//	    out/Image/     built output images
//	    temp/          per-operation scratch directories
//	    logs/          run logs
package workspace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

var projectDirs = []string{
	"in",
	filepath.Join("out", "Source"),
	filepath.Join("out", "Image"),
	"temp",
	"logs",
}

// Project is the workspace root for one ROM modification session. It owns
// all partition and image state and is never deleted automatically.
type Project struct {
	root string
}

// Create initializes the fixed directory structure under root and returns
// the project. Creating an already existing project is not an error; missing
// subdirectories are filled in.
func Create(root string) (*Project, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve project root %q: %w", root, err)
	}
	for _, dir := range projectDirs {
		if err := os.MkdirAll(filepath.Join(abs, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create project directory %s: %w", dir, err)
		}
	}
	return &Project{root: abs}, nil
}

// Open returns the project at root, requiring the structure to exist.
func Open(root string) (*Project, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve project root %q: %w", root, err)
	}
	info, err := os.Stat(filepath.Join(abs, "in"))
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%s is not an rkforge project (missing in/ directory)", abs)
	}
	return &Project{root: abs}, nil
}

// Root returns the project root path.
func (p *Project) Root() string { return p.root }

// InDir returns the input directory holding imported ROM files.
func (p *Project) InDir() string { return filepath.Join(p.root, "in") }

// SourceRoot returns out/Source, the parent of all extracted source trees.
func (p *Project) SourceRoot() string { return filepath.Join(p.root, "out", "Source") }

// SourceDir returns the editable source tree for one partition.
func (p *Project) SourceDir(partition string) string {
	return filepath.Join(p.SourceRoot(), partition)
}

// ImageDir returns out/Image, where built output images are placed.
func (p *Project) ImageDir() string { return filepath.Join(p.root, "out", "Image") }

// TempDir returns the parent of per-operation scratch directories.
func (p *Project) TempDir() string { return filepath.Join(p.root, "temp") }

// LogsDir returns the directory holding run logs.
func (p *Project) LogsDir() string { return filepath.Join(p.root, "logs") }

// Scratch creates a named scratch directory under temp/ and returns it with
// a cleanup function. The directory is removed by cleanup on both success
// and failure paths; callers defer it unconditionally.
func (p *Project) Scratch(name string) (string, func(), error) {
	dir := filepath.Join(p.TempDir(), name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create scratch directory: %w", err)
	}
	return dir, func() { _ = os.RemoveAll(dir) }, nil
}

// Partitions lists the partitions that have an extracted source tree.
func (p *Project) Partitions() ([]string, error) {
	entries, err := os.ReadDir(p.SourceRoot())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list source trees: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// PlaceFinal moves a finished artifact from a scratch location to its
// canonical destination. The move is atomic on the destination: a rename
// when possible, otherwise a copy to a temporary name in the destination
// directory followed by a rename. A partially written file is never visible
// at dst.
func PlaceFinal(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	// Cross-device move: stage next to the destination, then rename.
	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".partial-*")
	if err != nil {
		return fmt.Errorf("stage output file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	in, err := os.Open(src)
	if err != nil {
		_ = tmp.Close()
		return fmt.Errorf("open artifact %s: %w", src, err)
	}
	defer in.Close()

	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("copy artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("finalize artifact: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return fmt.Errorf("place artifact at %s: %w", dst, err)
	}
	_ = os.Remove(src)
	return nil
}

// DirSize returns the total size in bytes of all regular files under dir.
func DirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("measure %s: %w", dir, err)
	}
	return total, nil
}

// CountFiles returns the number of regular files under dir.
func CountFiles(dir string) (int, error) {
	count := 0
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count files in %s: %w", dir, err)
	}
	return count, nil
}
