// Package tools resolves and runs the external image-processing tools that
// rkforge orchestrates: partition table tools (lpdump/lpunpack/lpmake),
// sparse converters (simg2img/img2simg), filesystem builders and extractors,
// avbtool and the boot image tools.
package tools

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dvhoang/rkforge/internal/logging"
)

// Logical tool identifiers. Components refer to tools by these ids only;
// the registry maps them to executables.
const (
	ToolSimg2img      = "simg2img"
	ToolImg2simg      = "img2simg"
	ToolLpdump        = "lpdump"
	ToolLpunpack      = "lpunpack"
	ToolLpmake        = "lpmake"
	ToolDebugfs       = "debugfs"
	ToolExt2rd        = "ext2rd"
	ToolExtractErofs  = "extract.erofs"
	ToolMakeExt4fs    = "make_ext4fs"
	ToolMkfsErofs     = "mkfs.erofs"
	ToolAvbtool       = "avbtool"
	ToolMagiskboot    = "magiskboot"
	ToolUnpackBootimg = "unpack_bootimg"
	ToolMkbootimg     = "mkbootimg"
)

// KnownTools lists every logical id the registry scans for.
var KnownTools = []string{
	ToolSimg2img, ToolImg2simg,
	ToolLpdump, ToolLpunpack, ToolLpmake,
	ToolDebugfs, ToolExt2rd, ToolExtractErofs,
	ToolMakeExt4fs, ToolMkfsErofs,
	ToolAvbtool,
	ToolMagiskboot, ToolUnpackBootimg, ToolMkbootimg,
}

// aliases maps a logical id to accepted filenames in preference order.
// The first existing alias wins.
var aliases = map[string][]string{
	ToolAvbtool:      {"avbtool", "avbtool.py"},
	ToolExtractErofs: {"extract.erofs", "extract_erofs", "fsck.erofs"},
	ToolMkfsErofs:    {"mkfs.erofs", "mkfs_erofs"},
	ToolMakeExt4fs:   {"make_ext4fs", "make_ext4fs.bin"},
}

// Descriptor is a resolved tool: logical id, executable path and the version
// string reported by its probe.
type Descriptor struct {
	LogicalID string
	Path      string
	Available bool
	Version   string
}

// Prober checks whether a candidate executable actually works.
type Prober interface {
	Check(ctx context.Context, path string) (ok bool, version string)
}

// ExecProber probes a tool by running it with a version flag under a short
// timeout. Tools that exit non-zero but still print something are accepted,
// since several of the AOSP tools do exactly that.
type ExecProber struct {
	Runner Runner
}

func (p *ExecProber) Check(ctx context.Context, path string) (bool, string) {
	inv := Invocation{
		Tool:    filepath.Base(path),
		Path:    path,
		Args:    []string{"--version"},
		Timeout: 10 * time.Second,
	}
	// Bare scripts are probed the same way they are later run.
	if strings.HasSuffix(path, ".py") {
		inv.Args = append([]string{path}, inv.Args...)
		inv.Path = "python3"
	}
	res, _ := p.Runner.Run(ctx, inv)
	out := res.StdoutTail
	if out == "" {
		out = res.StderrTail
	}
	if res.OK() || out != "" {
		return true, firstLine(out)
	}
	return false, ""
}

// Registry resolves logical tool ids to executables. The resolved mapping is
// cached and shared by concurrent readers; Scan builds a fresh map and swaps
// it in atomically so readers never observe a half-updated state.
type Registry struct {
	logger *slog.Logger
	prober Prober

	mu    sync.Mutex // serializes Scan and SetToolDirs
	dirs  []string
	cache atomic.Pointer[map[string]Descriptor]
}

// NewRegistry builds a registry searching dirs in order, followed by $PATH.
// A nil prober resolves by existence and executable bit only.
func NewRegistry(dirs []string, prober Prober, logger *slog.Logger) *Registry {
	r := &Registry{
		logger: logging.Ensure(logger).With("component", "tools"),
		prober: prober,
		dirs:   append([]string(nil), dirs...),
	}
	empty := map[string]Descriptor{}
	r.cache.Store(&empty)
	return r
}

// SetToolDirs replaces the configured search directories. The caller must
// Scan afterwards for the change to take effect.
func (r *Registry) SetToolDirs(dirs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirs = append([]string(nil), dirs...)
}

// Scan resolves every known tool and swaps the cache. It returns a copy of
// the new mapping.
func (r *Registry) Scan(ctx context.Context) map[string]Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	searchDirs := r.searchDirs()
	fresh := make(map[string]Descriptor, len(KnownTools))
	for _, id := range KnownTools {
		fresh[id] = r.resolveIn(ctx, id, searchDirs)
	}
	r.cache.Store(&fresh)

	available := 0
	for _, d := range fresh {
		if d.Available {
			available++
		}
	}
	r.logger.Info("tool scan complete", "available", available, "total", len(fresh))

	out := make(map[string]Descriptor, len(fresh))
	for k, v := range fresh {
		out[k] = v
	}
	return out
}

// Resolve returns the descriptor for a required tool, or a ToolMissingError.
func (r *Registry) Resolve(id string) (Descriptor, error) {
	if d, ok := r.lookup(id); ok {
		return d, nil
	}
	return Descriptor{}, &ToolMissingError{LogicalID: id, Searched: r.searchDirsSnapshot()}
}

// ResolveOptional returns the descriptor for an optional tool. Callers
// degrade rather than abort when ok is false.
func (r *Registry) ResolveOptional(id string) (Descriptor, bool) {
	return r.lookup(id)
}

// Missing returns the subset of ids that did not resolve.
func (r *Registry) Missing(ids ...string) []string {
	var missing []string
	for _, id := range ids {
		if _, ok := r.lookup(id); !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

// All returns the cached descriptors sorted by logical id.
func (r *Registry) All() []Descriptor {
	cached := *r.cache.Load()
	out := make([]Descriptor, 0, len(cached))
	for _, d := range cached {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LogicalID < out[j].LogicalID })
	return out
}

func (r *Registry) lookup(id string) (Descriptor, bool) {
	cached := *r.cache.Load()
	d, ok := cached[id]
	if ok && d.Available {
		return d, true
	}
	return Descriptor{}, false
}

func (r *Registry) resolveIn(ctx context.Context, id string, searchDirs []string) Descriptor {
	names := aliases[id]
	if len(names) == 0 {
		names = []string{id}
	}

	for _, dir := range searchDirs {
		for _, name := range names {
			candidate := filepath.Join(dir, name)
			if !isExecutableFile(candidate) {
				continue
			}
			version := ""
			if r.prober != nil {
				ok, v := r.prober.Check(ctx, candidate)
				if !ok {
					continue
				}
				version = v
			}
			r.logger.Debug("resolved tool", "id", id, "path", candidate)
			return Descriptor{LogicalID: id, Path: candidate, Available: true, Version: version}
		}
	}
	return Descriptor{LogicalID: id}
}

func (r *Registry) searchDirs() []string {
	dirs := append([]string(nil), r.dirs...)
	for _, p := range filepath.SplitList(os.Getenv("PATH")) {
		if p != "" {
			dirs = append(dirs, p)
		}
	}
	return dirs
}

func (r *Registry) searchDirsSnapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.dirs...)
}

func isExecutableFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	// Scripts resolved via an alias (avbtool.py) may not carry the exec
	// bit; they are invoked through an interpreter.
	if strings.HasSuffix(path, ".py") {
		return true
	}
	return info.Mode().Perm()&0o111 != 0
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
