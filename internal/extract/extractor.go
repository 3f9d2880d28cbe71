// Package extract unpacks filesystem images into source trees that can be
// edited and rebuilt. ext4 and erofs go through their native extraction
// tools; anything else is not extractable and is carried as an opaque image.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dvhoang/rkforge/internal/imgfmt"
	"github.com/dvhoang/rkforge/internal/logging"
	"github.com/dvhoang/rkforge/internal/tools"
)

// Result describes one extracted filesystem tree.
type Result struct {
	SourceDir string
	FileCount int
	// MetadataDegraded is set when the extraction path cannot preserve
	// ownership, permissions and security contexts. Rebuilding from such a
	// tree produces an image with default labels.
	MetadataDegraded bool
	// Sidecar label files found next to or inside the image, when the
	// extractor emits them. Empty paths mean none were produced.
	FileContextsPath string
	FsConfigPath     string
}

// Extractor unpacks partition images.
type Extractor struct {
	Registry *tools.Registry
	Runner   tools.Runner
	Logger   *slog.Logger
}

// Extract unpacks a raw filesystem image into outDir. The image must already
// be raw encoded; the caller normalizes sparse images first.
func (e *Extractor) Extract(ctx context.Context, imgPath, outDir string) (*Result, error) {
	kind, err := imgfmt.DetectFilesystem(imgPath)
	if err != nil {
		return nil, err
	}

	switch kind {
	case imgfmt.FilesystemExt4:
		return e.extractExt4(ctx, imgPath, outDir)
	case imgfmt.FilesystemErofs:
		return e.extractErofs(ctx, imgPath, outDir)
	default:
		return nil, &imgfmt.FormatError{Path: imgPath, Detail: fmt.Sprintf("filesystem %q is not extractable", kind)}
	}
}

// extractExt4 prefers ext2rd, which preserves ownership and xattrs. When it
// is absent debugfs rdump still recovers the file contents, but the tree
// loses its metadata and the result is flagged degraded.
func (e *Extractor) extractExt4(ctx context.Context, imgPath, outDir string) (*Result, error) {
	logger := logging.Ensure(e.Logger).With("component", "extract", "fs", "ext4")

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create source dir: %w", err)
	}

	if ext2rd, ok := e.Registry.ResolveOptional(tools.ToolExt2rd); ok {
		_, err := e.Runner.Run(ctx, tools.Invocation{
			Tool: tools.ToolExt2rd,
			Path: ext2rd.Path,
			Args: []string{imgPath, "./:" + outDir},
		})
		if err != nil {
			return nil, fmt.Errorf("ext2rd: %w", err)
		}
		return e.finish(outDir, imgPath, false)
	}

	debugfs, err := e.Registry.Resolve(tools.ToolDebugfs)
	if err != nil {
		return nil, fmt.Errorf("no ext4 extractor available (need ext2rd or debugfs): %w", err)
	}
	logger.Warn("ext2rd not found, falling back to debugfs; ownership and contexts will not survive")

	_, err = e.Runner.Run(ctx, tools.Invocation{
		Tool: tools.ToolDebugfs,
		Path: debugfs.Path,
		Args: []string{"-R", fmt.Sprintf("rdump / %s", outDir), imgPath},
	})
	if err != nil {
		return nil, fmt.Errorf("debugfs: %w", err)
	}
	return e.finish(outDir, imgPath, true)
}

func (e *Extractor) extractErofs(ctx context.Context, imgPath, outDir string) (*Result, error) {
	extractErofs, err := e.Registry.Resolve(tools.ToolExtractErofs)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create source dir: %w", err)
	}

	_, err = e.Runner.Run(ctx, tools.Invocation{
		Tool: tools.ToolExtractErofs,
		Path: extractErofs.Path,
		Args: []string{"-x", "-i", imgPath, "-o", outDir},
	})
	if err != nil {
		return nil, fmt.Errorf("extract.erofs: %w", err)
	}
	return e.finish(outDir, imgPath, false)
}

// finish validates the extracted tree and picks up any sidecar label files
// the extractor emitted. A zero exit with an empty tree is still a failure;
// the extraction tools exit 0 on some unreadable images.
func (e *Extractor) finish(outDir, imgPath string, degraded bool) (*Result, error) {
	logger := logging.Ensure(e.Logger).With("component", "extract")

	count, err := countFiles(outDir)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, &imgfmt.FormatError{Path: imgPath, Detail: "extraction produced an empty tree"}
	}

	res := &Result{SourceDir: outDir, FileCount: count, MetadataDegraded: degraded}
	res.FileContextsPath = findSidecar(outDir, "file_contexts", "file_contexts.bin", "plat_file_contexts")
	res.FsConfigPath = findSidecar(outDir, "fs_config", "filesystem_config.txt")

	logger.Info("filesystem extracted", "dir", outDir, "files", count, "degraded", degraded)
	return res, nil
}

func countFiles(dir string) (int, error) {
	count := 0
	err := filepath.WalkDir(dir, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			count++
		}
		return nil
	})
	return count, err
}

// findSidecar looks for label files in the tree root and one level up, where
// the extraction tools drop them.
func findSidecar(dir string, names ...string) string {
	for _, base := range []string{dir, filepath.Dir(dir)} {
		for _, name := range names {
			candidate := filepath.Join(base, name)
			if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
				return candidate
			}
		}
	}
	return ""
}
