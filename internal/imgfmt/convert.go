package imgfmt

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dvhoang/rkforge/internal/logging"
	"github.com/dvhoang/rkforge/internal/tools"
)

// Converter translates images between raw and sparse encodings by shelling
// out to simg2img/img2simg. Outputs land in ScratchDir; inputs are never
// modified.
type Converter struct {
	Registry   *tools.Registry
	Runner     tools.Runner
	ScratchDir string
	Logger     *slog.Logger
}

// ToRaw returns a raw-encoded path for the image. If the image is already
// raw the input path is returned unchanged; otherwise simg2img writes a new
// file into the scratch directory.
func (c *Converter) ToRaw(ctx context.Context, path string) (string, error) {
	enc, err := DetectEncoding(path)
	if err != nil {
		return "", err
	}
	if enc == EncodingRaw {
		return path, nil
	}
	return c.convert(ctx, tools.ToolSimg2img, path, "_raw.img")
}

// ToSparse returns a sparse-encoded path for the image, converting with
// img2simg when needed.
func (c *Converter) ToSparse(ctx context.Context, path string) (string, error) {
	enc, err := DetectEncoding(path)
	if err != nil {
		return "", err
	}
	if enc == EncodingSparse {
		return path, nil
	}
	return c.convert(ctx, tools.ToolImg2simg, path, "_sparse.img")
}

func (c *Converter) convert(ctx context.Context, toolID, src, suffix string) (string, error) {
	logger := logging.Ensure(c.Logger).With("component", "imgfmt")

	tool, err := c.Registry.Resolve(toolID)
	if err != nil {
		return "", err
	}

	base := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	dst := filepath.Join(c.ScratchDir, base+suffix)

	logger.Info("converting image", "tool", toolID, "src", filepath.Base(src))
	_, err = c.Runner.Run(ctx, tools.Invocation{
		Tool: toolID,
		Path: tool.Path,
		Args: []string{src, dst},
	})
	if err != nil {
		// A failed conversion must not leave a truncated image behind.
		os.Remove(dst)
		return "", fmt.Errorf("convert %s: %w", filepath.Base(src), err)
	}

	if _, statErr := os.Stat(dst); statErr != nil {
		return "", fmt.Errorf("convert %s: tool exited cleanly but produced no output", filepath.Base(src))
	}
	return dst, nil
}
