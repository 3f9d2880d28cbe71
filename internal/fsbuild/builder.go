// Package fsbuild rebuilds partition images from extracted source trees
// using make_ext4fs and mkfs.erofs.
package fsbuild

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/dvhoang/rkforge/internal/imgfmt"
	"github.com/dvhoang/rkforge/internal/logging"
	"github.com/dvhoang/rkforge/internal/tools"
	"github.com/dvhoang/rkforge/internal/workspace"
)

// Sizing constants. Auto-sized images get headroom above the tree's byte
// count because filesystem overhead scales with file count and block
// slack; the floors keep tiny trees from producing images mkfs rejects.
const (
	blockSize          = 4096
	DefaultExt4Growth  = 1.15
	DefaultErofsGrowth = 1.10
	minExt4Bytes       = 16 * 1024 * 1024
	minErofsBytes      = 4 * 1024 * 1024
)

// OutputMode selects which encodings Build emits.
type OutputMode string

const (
	OutputRaw    OutputMode = "raw"
	OutputSparse OutputMode = "sparse"
	OutputBoth   OutputMode = "both"
)

// Config describes one image build.
type Config struct {
	PartitionName string
	Filesystem    imgfmt.FilesystemKind
	Output        OutputMode // defaults to OutputRaw
	// SizeBytes fixes the image size; zero means size automatically from
	// the tree. Only meaningful for ext4, erofs images are always compact.
	SizeBytes int64
	// SizeBudget caps the finished image, typically the partition's slot in
	// super. Zero disables the check.
	SizeBudget int64
	MountPoint string
	// Label sources. Empty paths build an unlabeled image.
	FileContexts string
	FsConfig     string
	// Growth factors for auto sizing; zero values take the defaults.
	Ext4Growth  float64
	ErofsGrowth float64
}

// Result reports the built artifacts.
type Result struct {
	Raw    string
	Sparse string
	// Digest identifies the raw image content, letting repeated builds of
	// an unchanged tree be recognized.
	Digest    digest.Digest
	SizeBytes int64
	// Unlabeled is set when no file_contexts was available, meaning the
	// image carries no SELinux labels.
	Unlabeled bool
	Duration  time.Duration
}

// SizeBudgetError reports an image that exceeded its partition budget.
type SizeBudgetError struct {
	Partition   string
	BudgetBytes int64
	ImageBytes  int64
}

func (e *SizeBudgetError) Error() string {
	return fmt.Sprintf("partition %s: image is %d bytes, budget is %d", e.Partition, e.ImageBytes, e.BudgetBytes)
}

// Builder builds filesystem images from source trees.
type Builder struct {
	Registry  *tools.Registry
	Runner    tools.Runner
	Converter *imgfmt.Converter
	Logger    *slog.Logger
}

// Build creates the image for srcDir and places the artifacts in outDir as
// <partition>.img (raw) and <partition>.sparse.img. Artifacts appear at
// their final paths only after the build fully succeeds.
func (b *Builder) Build(ctx context.Context, srcDir, outDir string, cfg Config) (*Result, error) {
	logger := logging.Ensure(b.Logger).With("component", "fsbuild", "partition", cfg.PartitionName)
	start := time.Now()

	mode := cfg.Output
	if mode == "" {
		mode = OutputRaw
	}

	scratch, err := os.MkdirTemp("", "fsbuild-"+cfg.PartitionName+"-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	tmpRaw := filepath.Join(scratch, cfg.PartitionName+".img")

	switch cfg.Filesystem {
	case imgfmt.FilesystemExt4:
		err = b.buildExt4(ctx, srcDir, tmpRaw, &cfg)
	case imgfmt.FilesystemErofs:
		err = b.buildErofs(ctx, srcDir, tmpRaw, &cfg)
	default:
		return nil, fmt.Errorf("cannot build filesystem %q", cfg.Filesystem)
	}
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(tmpRaw)
	if err != nil {
		return nil, fmt.Errorf("built image missing: %w", err)
	}
	if cfg.SizeBudget > 0 && info.Size() > cfg.SizeBudget {
		return nil, &SizeBudgetError{
			Partition:   cfg.PartitionName,
			BudgetBytes: cfg.SizeBudget,
			ImageBytes:  info.Size(),
		}
	}

	res := &Result{SizeBytes: info.Size(), Unlabeled: cfg.FileContexts == ""}
	if d, err := imgfmt.FileDigest(tmpRaw); err == nil {
		res.Digest = d
	}

	if mode == OutputSparse || mode == OutputBoth {
		sparse, err := b.Converter.ToSparse(ctx, tmpRaw)
		if err != nil {
			return nil, err
		}
		dst := filepath.Join(outDir, cfg.PartitionName+".sparse.img")
		if err := workspace.PlaceFinal(sparse, dst); err != nil {
			return nil, err
		}
		res.Sparse = dst
	}
	if mode == OutputRaw || mode == OutputBoth {
		dst := filepath.Join(outDir, cfg.PartitionName+".img")
		if err := workspace.PlaceFinal(tmpRaw, dst); err != nil {
			return nil, err
		}
		res.Raw = dst
	}

	res.Duration = time.Since(start)
	logger.Info("image built", "fs", cfg.Filesystem, "bytes", res.SizeBytes,
		"digest", res.Digest, "unlabeled", res.Unlabeled, "duration", res.Duration)
	return res, nil
}

func (b *Builder) buildExt4(ctx context.Context, srcDir, out string, cfg *Config) error {
	tool, err := b.Registry.Resolve(tools.ToolMakeExt4fs)
	if err != nil {
		return err
	}

	size := cfg.SizeBytes
	if size == 0 {
		treeBytes, err := workspace.DirSize(srcDir)
		if err != nil {
			return err
		}
		size = EstimateSize(treeBytes, imgfmt.FilesystemExt4, cfg.Ext4Growth)
	}

	args := []string{
		"-l", strconv.FormatInt(size, 10),
		"-a", NormalizeMountPoint(cfg.MountPoint, cfg.PartitionName),
	}
	if cfg.FileContexts != "" {
		args = append(args, "-S", cfg.FileContexts)
	}
	if cfg.FsConfig != "" {
		args = append(args, "-C", cfg.FsConfig)
	}
	args = append(args, out, srcDir)

	if _, err := b.Runner.Run(ctx, tools.Invocation{
		Tool: tools.ToolMakeExt4fs,
		Path: tool.Path,
		Args: args,
	}); err != nil {
		return fmt.Errorf("make_ext4fs: %w", err)
	}
	return nil
}

func (b *Builder) buildErofs(ctx context.Context, srcDir, out string, cfg *Config) error {
	tool, err := b.Registry.Resolve(tools.ToolMkfsErofs)
	if err != nil {
		return err
	}

	args := []string{"-z", "lz4hc"}
	if cfg.FileContexts != "" {
		args = append(args, "--file-contexts="+cfg.FileContexts)
	}
	if mount := NormalizeMountPoint(cfg.MountPoint, cfg.PartitionName); mount != "" {
		args = append(args, "--mount-point="+mount)
	}
	args = append(args, out, srcDir)

	if _, err := b.Runner.Run(ctx, tools.Invocation{
		Tool: tools.ToolMkfsErofs,
		Path: tool.Path,
		Args: args,
	}); err != nil {
		return fmt.Errorf("mkfs.erofs: %w", err)
	}
	return nil
}

// EstimateSize computes an automatic image size for a tree of totalBytes:
// growth headroom, rounded up to a whole block, floored per filesystem.
func EstimateSize(totalBytes int64, fs imgfmt.FilesystemKind, growth float64) int64 {
	if growth == 0 {
		switch fs {
		case imgfmt.FilesystemErofs:
			growth = DefaultErofsGrowth
		default:
			growth = DefaultExt4Growth
		}
	}

	size := int64(float64(totalBytes) * growth)
	if rem := size % blockSize; rem != 0 {
		size += blockSize - rem
	}

	floor := int64(minExt4Bytes)
	if fs == imgfmt.FilesystemErofs {
		floor = minErofsBytes
	}
	if size < floor {
		size = floor
	}
	return size
}

// NormalizeMountPoint returns the mount point for mkfs, deriving it from the
// partition name when not set explicitly. Slot suffixes are stripped so
// system_a mounts at /system.
func NormalizeMountPoint(mount, partition string) string {
	if mount == "" {
		mount = partition
	}
	mount = strings.TrimSuffix(mount, "_a")
	mount = strings.TrimSuffix(mount, "_b")
	if mount != "" && !strings.HasPrefix(mount, "/") {
		mount = "/" + mount
	}
	return mount
}
