package superimg

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/dvhoang/rkforge/internal/imgfmt"
	"github.com/dvhoang/rkforge/internal/logging"
	"github.com/dvhoang/rkforge/internal/tools"
)

// lpmakeMetadataSize is the metadata slot size passed to lpmake. 64 KiB is
// what stock Rockchip super images carry.
const lpmakeMetadataSize = 65536

// Engine splits and rebuilds super images.
type Engine struct {
	Registry  *tools.Registry
	Runner    tools.Runner
	Converter *imgfmt.Converter
	Logger    *slog.Logger
}

// SplitResult reports the unpacked partitions and their metadata.
type SplitResult struct {
	Metadata *Metadata
	// Images maps partition name to the unpacked image path.
	Images map[string]string
}

// Split unpacks a super image into outDir, one <name>.img per dynamic
// partition, and writes the metadata sidecar lpmake will need to rebuild it.
// lpdump is required: without its output the layout cannot be reproduced.
func (e *Engine) Split(ctx context.Context, superPath, outDir string) (*SplitResult, error) {
	logger := logging.Ensure(e.Logger).With("component", "superimg")

	raw, err := e.Converter.ToRaw(ctx, superPath)
	if err != nil {
		return nil, err
	}

	lpdump, err := e.Registry.Resolve(tools.ToolLpdump)
	if err != nil {
		return nil, fmt.Errorf("super images cannot be split without lpdump: %w", err)
	}
	res, err := e.Runner.Run(ctx, tools.Invocation{
		Tool: tools.ToolLpdump,
		Path: lpdump.Path,
		Args: []string{raw},
	})
	if err != nil {
		return nil, fmt.Errorf("lpdump: %w", err)
	}

	md, err := ParseLpdump(res.StdoutTail)
	if err != nil {
		return nil, fmt.Errorf("parse lpdump output: %w", err)
	}
	logger.Info("parsed super layout", "partitions", len(md.Partitions), "groups", len(md.Groups))

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	lpunpack, err := e.Registry.Resolve(tools.ToolLpunpack)
	if err != nil {
		return nil, err
	}
	if _, err := e.Runner.Run(ctx, tools.Invocation{
		Tool: tools.ToolLpunpack,
		Path: lpunpack.Path,
		Args: []string{raw, outDir},
	}); err != nil {
		return nil, fmt.Errorf("lpunpack: %w", err)
	}

	images, err := filepath.Glob(filepath.Join(outDir, "*.img"))
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("lpunpack produced no partition images in %s", outDir)
	}

	result := &SplitResult{Metadata: md, Images: make(map[string]string, len(images))}
	for _, img := range images {
		name := strings.TrimSuffix(filepath.Base(img), ".img")
		result.Images[name] = img

		for i := range md.Partitions {
			p := &md.Partitions[i]
			if p.Name != name {
				continue
			}
			if kind, err := imgfmt.DetectFilesystem(img); err == nil {
				p.Filesystem = kind
			}
			if info, err := os.Stat(img); err == nil && p.SizeBytes > 0 && info.Size() != p.SizeBytes {
				logger.Warn("unpacked size differs from partition table",
					"partition", name, "table", p.SizeBytes, "unpacked", info.Size())
			}
		}
	}

	if err := SaveMetadata(outDir, md); err != nil {
		return nil, err
	}
	logger.Info("super image split", "partitions", len(result.Images), "dir", outDir)
	return result, nil
}

// JoinOptions controls super image rebuilding.
type JoinOptions struct {
	Mode   ResizeMode // defaults to ResizeAuto
	Sparse bool       // emit a sparse super image
}

// Join rebuilds a super image from the partition images in srcDir using the
// metadata sidecar recorded at split time. Every partition the metadata
// names must have an image present; a missing one aborts before any tool
// runs so the failure names the partition rather than an lpmake exit code.
func (e *Engine) Join(ctx context.Context, srcDir, outPath string, opts JoinOptions) error {
	logger := logging.Ensure(e.Logger).With("component", "superimg")

	md, err := LoadMetadata(srcDir)
	if err != nil {
		return err
	}
	mode := opts.Mode
	if mode == "" {
		mode = ResizeAuto
	}

	images := make(map[string]string, len(md.Partitions))
	for _, p := range md.Partitions {
		img := filepath.Join(srcDir, p.Name+".img")
		if _, err := os.Stat(img); err != nil {
			return fmt.Errorf("partition %q has no image at %s", p.Name, img)
		}
		images[p.Name] = img
	}

	sizes := make(map[string]int64, len(images))
	for name, img := range images {
		raw, err := e.Converter.ToRaw(ctx, img)
		if err != nil {
			return fmt.Errorf("partition %q: %w", name, err)
		}
		images[name] = raw
		info, err := os.Stat(raw)
		if err != nil {
			return err
		}
		sizes[name] = info.Size()
	}

	if err := ValidateSizes(md, sizes, mode); err != nil {
		return err
	}

	lpmake, err := e.Registry.Resolve(tools.ToolLpmake)
	if err != nil {
		return err
	}

	// Build into a temp name so a failed lpmake never leaves a half-written
	// super.img at the destination.
	tmp := outPath + ".tmp"
	defer os.Remove(tmp)

	args := []string{
		"--metadata-size", strconv.Itoa(lpmakeMetadataSize),
		"--super-name", "super",
		"--metadata-slots", "2",
		"--block-size", strconv.FormatInt(md.BlockSize, 10),
		"--device-size", strconv.FormatInt(e.deviceSize(md), 10),
		"--output", tmp,
	}
	for _, g := range groupNames(md.Groups) {
		args = append(args, "--group", fmt.Sprintf("%s:%d", g, md.Groups[g]))
	}
	for _, p := range md.Partitions {
		attrs := p.Attributes
		if attrs == "" {
			attrs = "none"
		}
		group := p.Group
		if group == "" {
			group = "default"
		}
		args = append(args,
			"--partition", fmt.Sprintf("%s:%s:%d:%s", p.Name, attrs, p.SizeBytes, group),
			"--image", fmt.Sprintf("%s=%s", p.Name, images[p.Name]),
		)
	}

	if _, err := e.Runner.Run(ctx, tools.Invocation{
		Tool: tools.ToolLpmake,
		Path: lpmake.Path,
		Args: args,
	}); err != nil {
		return fmt.Errorf("lpmake: %w", err)
	}

	if opts.Sparse {
		sparse, err := e.Converter.ToSparse(ctx, tmp)
		if err != nil {
			return err
		}
		if sparse != tmp {
			os.Remove(tmp)
			tmp = sparse
		}
	}

	if err := os.Rename(tmp, outPath); err != nil {
		return fmt.Errorf("place super image: %w", err)
	}
	logger.Info("super image rebuilt", "partitions", len(md.Partitions), "out", outPath)
	return nil
}

// deviceSize returns the block device capacity for lpmake, falling back to
// the aligned sum of partition budgets plus metadata overhead when lpdump
// did not report one.
func (e *Engine) deviceSize(md *Metadata) int64 {
	if md.Capacity > 0 {
		return md.Capacity
	}
	var total int64 = lpmakeMetadataSize * 4
	for _, p := range md.Partitions {
		total += alignUp(p.SizeBytes, md.BlockSize)
	}
	return alignUp(total, 1024*1024)
}

// groupNames returns the group names sorted, keeping lpmake argument order
// deterministic across runs.
func groupNames(groups map[string]int64) []string {
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
