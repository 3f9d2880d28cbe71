package avb

import (
	"context"
	"encoding/binary"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dvhoang/rkforge/internal/logging"
	"github.com/dvhoang/rkforge/internal/tools"
)

// VBMetaFlagVerificationDisabled is AVB_VBMETA_IMAGE_FLAGS_VERIFICATION_DISABLED.
const VBMetaFlagVerificationDisabled = 2

// vbmetaFlagsOffset is where the flags field sits in the vbmeta header:
// after the magic, version pair, auth/aux block sizes and algorithm type.
const vbmetaFlagsOffset = 120

const minimalVBMetaSize = 4096

var vbmetaMagic = []byte("AVB0")

// FstabPatch reports the outcome for one fstab file. Err is set when the
// file could not be patched; the other fields then describe nothing.
type FstabPatch struct {
	Path         string
	BackupPath   string
	LinesChanged int
	Flags        []string
	Err          error
}

// Result aggregates everything a verity-disable pass produced.
type Result struct {
	VBMetaPaths []string
	Patches     []FstabPatch
}

// BackupError reports a patch that was aborted because the pre-edit backup
// could not be written. The fstab itself is untouched when this happens.
type BackupError struct {
	Path string
	Err  error
}

func (e *BackupError) Error() string {
	return fmt.Sprintf("backup %s: %v", e.Path, e.Err)
}

func (e *BackupError) Unwrap() error { return e.Err }

// Patcher disables boot verification across a firmware tree.
type Patcher struct {
	Registry *tools.Registry
	Runner   tools.Runner
	Logger   *slog.Logger
}

// MakeDisabledVBMeta writes a verification-disabled vbmeta image at outPath
// using avbtool. When avbtool is unavailable or fails, a minimal handwritten
// vbmeta with the disabled flag is written instead; bootloaders only read
// the header flags of such an image.
func (p *Patcher) MakeDisabledVBMeta(ctx context.Context, outPath string) error {
	logger := logging.Ensure(p.Logger).With("component", "avb")

	tool, ok := p.Registry.ResolveOptional(tools.ToolAvbtool)
	if !ok {
		logger.Warn("avbtool not found, writing minimal disabled vbmeta")
		return WriteMinimalDisabledVBMeta(outPath)
	}

	path := tool.Path
	args := []string{
		"make_vbmeta_image",
		"--flags", fmt.Sprint(VBMetaFlagVerificationDisabled),
		"--padding_size", "4096",
		"--output", outPath,
	}
	// avbtool distributed as a bare script goes through the interpreter.
	if strings.HasSuffix(path, ".py") {
		args = append([]string{path}, args...)
		path = "python3"
	}

	if _, err := p.Runner.Run(ctx, tools.Invocation{
		Tool: tools.ToolAvbtool,
		Path: path,
		Args: args,
	}); err != nil {
		logger.Warn("avbtool failed, writing minimal disabled vbmeta", "error", err)
		os.Remove(outPath)
		return WriteMinimalDisabledVBMeta(outPath)
	}
	return nil
}

// WriteMinimalDisabledVBMeta writes a bare vbmeta header carrying only the
// magic, version 1.0 and the verification-disabled flag.
func WriteMinimalDisabledVBMeta(outPath string) error {
	buf := make([]byte, minimalVBMetaSize)
	copy(buf, vbmetaMagic)
	binary.BigEndian.PutUint32(buf[4:8], 1)  // major
	binary.BigEndian.PutUint32(buf[8:12], 0) // minor
	binary.BigEndian.PutUint32(buf[vbmetaFlagsOffset:], VBMetaFlagVerificationDisabled)

	if err := os.WriteFile(outPath, buf, 0o644); err != nil {
		return fmt.Errorf("write minimal vbmeta: %w", err)
	}
	return nil
}

// ReadVBMetaFlags returns the header flags of a vbmeta image.
func ReadVBMetaFlags(path string) (uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	head := make([]byte, vbmetaFlagsOffset+4)
	if _, err := f.ReadAt(head, 0); err != nil {
		return 0, fmt.Errorf("read vbmeta header: %w", err)
	}
	if string(head[:4]) != string(vbmetaMagic) {
		return 0, fmt.Errorf("%s: not a vbmeta image", path)
	}
	return binary.BigEndian.Uint32(head[vbmetaFlagsOffset:]), nil
}

// PatchFstab rewrites one fstab in place. A .bak copy of the original is
// created before the first edit and never overwritten, so the pristine
// content survives repeated runs.
func (p *Patcher) PatchFstab(path string) (*FstabPatch, error) {
	logger := logging.Ensure(p.Logger).With("component", "avb")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	lines := strings.Split(string(data), "\n")
	patch := &FstabPatch{Path: path}
	for i, line := range lines {
		patched, flags := PatchLine(line)
		if len(flags) == 0 {
			continue
		}
		lines[i] = patched
		patch.LinesChanged++
		patch.Flags = append(patch.Flags, flags...)
	}

	backup := path + ".bak"
	if patch.LinesChanged == 0 {
		if info, err := os.Stat(backup); err == nil && info.Mode().IsRegular() {
			patch.BackupPath = backup
		}
		logger.Debug("fstab already clean", "path", path)
		return patch, nil
	}

	switch info, statErr := os.Stat(backup); {
	case statErr == nil && info.Mode().IsRegular():
		// Pristine copy from an earlier run; leave it alone.
		patch.BackupPath = backup
	case statErr == nil:
		return nil, &BackupError{Path: path, Err: fmt.Errorf("%s exists but is not a regular file", backup)}
	case os.IsNotExist(statErr):
		if err := os.WriteFile(backup, data, 0o644); err != nil {
			return nil, &BackupError{Path: path, Err: err}
		}
		patch.BackupPath = backup
	default:
		return nil, &BackupError{Path: path, Err: statErr}
	}

	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		return nil, err
	}
	logger.Info("fstab patched", "path", path, "lines", patch.LinesChanged)
	return patch, nil
}

// FindFstabs locates fstab files under the extracted source trees. Stock
// firmware keeps them in vendor/etc and the system root variants.
func FindFstabs(roots ...string) ([]string, error) {
	var found []string
	seen := map[string]bool{}

	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return filepath.SkipAll
				}
				return err
			}
			if d.IsDir() {
				return nil
			}
			base := d.Name()
			if !strings.Contains(base, "fstab") || strings.HasSuffix(base, ".bak") {
				return nil
			}
			if !seen[path] {
				seen[path] = true
				found = append(found, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return found, nil
}

// FindVBMetaImages returns the vbmeta images present in dirs, in the order
// stock firmware names them.
func FindVBMetaImages(dirs ...string) []string {
	names := []string{"vbmeta.img", "vbmeta_system.img", "vbmeta_vendor.img"}
	var found []string
	for _, dir := range dirs {
		for _, name := range names {
			candidate := filepath.Join(dir, name)
			if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
				found = append(found, candidate)
			}
		}
	}
	return found
}

// DisableAll produces a disabled vbmeta for every vbmeta image present and
// patches every fstab under the source roots. vbmetaDir receives
// <name>_disabled.img files; when no vbmeta images exist at all a plain
// vbmeta_disabled.img is still produced so flashing has something to use.
func (p *Patcher) DisableAll(ctx context.Context, vbmetaImages []string, vbmetaDir string, sourceRoots ...string) (*Result, error) {
	logger := logging.Ensure(p.Logger).With("component", "avb")
	res := &Result{}

	if err := os.MkdirAll(vbmetaDir, 0o755); err != nil {
		return nil, err
	}

	if len(vbmetaImages) == 0 {
		out := filepath.Join(vbmetaDir, "vbmeta_disabled.img")
		if err := p.MakeDisabledVBMeta(ctx, out); err != nil {
			return nil, err
		}
		res.VBMetaPaths = append(res.VBMetaPaths, out)
	}
	for _, img := range vbmetaImages {
		name := strings.TrimSuffix(filepath.Base(img), ".img")
		out := filepath.Join(vbmetaDir, name+"_disabled.img")
		if err := p.MakeDisabledVBMeta(ctx, out); err != nil {
			return nil, err
		}
		res.VBMetaPaths = append(res.VBMetaPaths, out)
	}

	fstabs, err := FindFstabs(sourceRoots...)
	if err != nil {
		return nil, err
	}
	// Each fstab commits independently: a failure on one is recorded and the
	// rest are still patched, so a retry only has the failed ones left.
	failed := 0
	for _, path := range fstabs {
		patch, err := p.PatchFstab(path)
		if err != nil {
			logger.Warn("fstab not patched", "path", path, "error", err)
			res.Patches = append(res.Patches, FstabPatch{Path: path, Err: err})
			failed++
			continue
		}
		res.Patches = append(res.Patches, *patch)
	}

	logger.Info("verification disabled", "vbmeta", len(res.VBMetaPaths),
		"fstabs", len(res.Patches), "failed", failed)
	if failed > 0 {
		return res, fmt.Errorf("%d of %d fstabs could not be patched", failed, len(fstabs))
	}
	return res, nil
}
