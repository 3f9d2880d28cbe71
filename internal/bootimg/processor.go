// Package bootimg unpacks and repacks Android boot images. Two tool
// strategies are supported: magiskboot handles both directions by itself
// and is preferred; the AOSP pair unpack_bootimg/mkbootimg needs the
// mkbootimg argument list persisted at unpack time so repack can replay it.
package bootimg

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dvhoang/rkforge/internal/imgfmt"
	"github.com/dvhoang/rkforge/internal/logging"
	"github.com/dvhoang/rkforge/internal/tools"
	"github.com/dvhoang/rkforge/internal/workspace"
)

// Strategy names which tooling handles a boot image workspace. It is
// recorded in the workspace so repack uses the same tool that unpacked.
type Strategy string

const (
	StrategyMagiskboot Strategy = "magiskboot"
	StrategyAOSP       Strategy = "aosp"
)

const (
	strategyFileName = ".boot_strategy"
	// mkbootimgArgsFileName persists the argument list unpack_bootimg
	// prints, which mkbootimg needs verbatim to rebuild the header.
	mkbootimgArgsFileName = "mkbootimg_args"
	originalImageName     = "original.img"
)

// UnpackResult describes an unpacked boot image workspace.
type UnpackResult struct {
	WorkDir  string
	Strategy Strategy
	// Contents lists the component files magiskboot/unpack_bootimg emitted
	// (kernel, ramdisk.cpio, dtb, ...).
	Contents []string
}

// Processor unpacks and repacks boot images.
type Processor struct {
	Registry *tools.Registry
	Runner   tools.Runner
	Logger   *slog.Logger
}

// resolve picks the tool strategy. magiskboot wins when present because it
// round-trips vendor ramdisk tables and header versions the AOSP pair
// handles unevenly.
func (p *Processor) resolve() (Strategy, error) {
	if _, ok := p.Registry.ResolveOptional(tools.ToolMagiskboot); ok {
		return StrategyMagiskboot, nil
	}
	missing := p.Registry.Missing(tools.ToolUnpackBootimg, tools.ToolMkbootimg)
	if len(missing) == 0 {
		return StrategyAOSP, nil
	}
	return "", &tools.ToolMissingError{LogicalID: tools.ToolMagiskboot, Searched: missing}
}

// Unpack splits a boot image into workDir. The image must carry a boot or
// vendor boot magic; anything else fails before any tool runs.
func (p *Processor) Unpack(ctx context.Context, imgPath, workDir string) (*UnpackResult, error) {
	logger := logging.Ensure(p.Logger).With("component", "bootimg")

	ok, err := imgfmt.IsBootImage(imgPath)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &imgfmt.FormatError{Path: imgPath, Detail: "no boot image magic"}
	}

	strategy, err := p.resolve()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create boot workdir: %w", err)
	}
	// Repack needs the pristine image: magiskboot patches it in place
	// relative to the original, and it documents what was unpacked.
	if err := copyFile(imgPath, filepath.Join(workDir, originalImageName)); err != nil {
		return nil, err
	}

	switch strategy {
	case StrategyMagiskboot:
		err = p.unpackMagiskboot(ctx, workDir)
	case StrategyAOSP:
		err = p.unpackAOSP(ctx, imgPath, workDir)
	}
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(filepath.Join(workDir, strategyFileName), []byte(strategy), 0o644); err != nil {
		return nil, fmt.Errorf("record boot strategy: %w", err)
	}

	contents, err := listContents(workDir)
	if err != nil {
		return nil, err
	}
	if len(contents) == 0 {
		return nil, &imgfmt.FormatError{Path: imgPath, Detail: "unpack produced no components"}
	}

	logger.Info("boot image unpacked", "strategy", strategy, "components", len(contents))
	return &UnpackResult{WorkDir: workDir, Strategy: strategy, Contents: contents}, nil
}

func (p *Processor) unpackMagiskboot(ctx context.Context, workDir string) error {
	tool, err := p.Registry.Resolve(tools.ToolMagiskboot)
	if err != nil {
		return err
	}
	// magiskboot writes its components into the working directory.
	if _, err := p.Runner.Run(ctx, tools.Invocation{
		Tool: tools.ToolMagiskboot,
		Path: tool.Path,
		Args: []string{"unpack", originalImageName},
		Dir:  workDir,
	}); err != nil {
		return fmt.Errorf("magiskboot unpack: %w", err)
	}
	return nil
}

func (p *Processor) unpackAOSP(ctx context.Context, imgPath, workDir string) error {
	tool, err := p.Registry.Resolve(tools.ToolUnpackBootimg)
	if err != nil {
		return err
	}
	res, err := p.Runner.Run(ctx, tools.Invocation{
		Tool: tools.ToolUnpackBootimg,
		Path: tool.Path,
		Args: []string{"--boot_img", imgPath, "--out", workDir, "--format=mkbootimg"},
	})
	if err != nil {
		return fmt.Errorf("unpack_bootimg: %w", err)
	}

	args := strings.TrimSpace(res.StdoutTail)
	if args == "" {
		return &imgfmt.FormatError{Path: imgPath, Detail: "unpack_bootimg printed no mkbootimg arguments"}
	}
	if err := os.WriteFile(filepath.Join(workDir, mkbootimgArgsFileName), []byte(args+"\n"), 0o644); err != nil {
		return fmt.Errorf("persist mkbootimg args: %w", err)
	}
	return nil
}

// Repack rebuilds a boot image from a workspace produced by Unpack, placing
// the result at outPath only when the rebuild fully succeeds.
func (p *Processor) Repack(ctx context.Context, workDir, outPath string) error {
	logger := logging.Ensure(p.Logger).With("component", "bootimg")

	data, err := os.ReadFile(filepath.Join(workDir, strategyFileName))
	if err != nil {
		return fmt.Errorf("%s is not an unpacked boot workspace: %w", workDir, err)
	}
	strategy := Strategy(strings.TrimSpace(string(data)))

	tmp := filepath.Join(workDir, "repacked.img")
	defer os.Remove(tmp)

	switch strategy {
	case StrategyMagiskboot:
		err = p.repackMagiskboot(ctx, workDir, tmp)
	case StrategyAOSP:
		err = p.repackAOSP(ctx, workDir, tmp)
	default:
		return fmt.Errorf("unknown boot strategy %q recorded in %s", strategy, workDir)
	}
	if err != nil {
		return err
	}

	if _, err := os.Stat(tmp); err != nil {
		return fmt.Errorf("repack produced no image: %w", err)
	}
	if err := workspace.PlaceFinal(tmp, outPath); err != nil {
		return err
	}
	logger.Info("boot image repacked", "strategy", strategy, "out", outPath)
	return nil
}

func (p *Processor) repackMagiskboot(ctx context.Context, workDir, out string) error {
	tool, err := p.Registry.Resolve(tools.ToolMagiskboot)
	if err != nil {
		return err
	}
	if _, err := p.Runner.Run(ctx, tools.Invocation{
		Tool: tools.ToolMagiskboot,
		Path: tool.Path,
		Args: []string{"repack", originalImageName, filepath.Base(out)},
		Dir:  workDir,
	}); err != nil {
		return fmt.Errorf("magiskboot repack: %w", err)
	}
	return nil
}

func (p *Processor) repackAOSP(ctx context.Context, workDir, out string) error {
	tool, err := p.Registry.Resolve(tools.ToolMkbootimg)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(filepath.Join(workDir, mkbootimgArgsFileName))
	if err != nil {
		return fmt.Errorf("mkbootimg args missing, workspace was not unpacked with the aosp tools: %w", err)
	}

	args := strings.Fields(string(data))
	args = append(args, "--output", out)
	if _, err := p.Runner.Run(ctx, tools.Invocation{
		Tool: tools.ToolMkbootimg,
		Path: tool.Path,
		Args: args,
		Dir:  workDir,
	}); err != nil {
		return fmt.Errorf("mkbootimg: %w", err)
	}
	return nil
}

// listContents returns the component files in the workspace, excluding the
// bookkeeping files and the preserved original.
func listContents(workDir string) ([]string, error) {
	entries, err := os.ReadDir(workDir)
	if err != nil {
		return nil, err
	}
	var contents []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == originalImageName || name == strategyFileName {
			continue
		}
		contents = append(contents, name)
	}
	return contents, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
