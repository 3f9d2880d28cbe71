package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dvhoang/rkforge/internal/avb"
	"github.com/dvhoang/rkforge/internal/bootimg"
	"github.com/dvhoang/rkforge/internal/extract"
	"github.com/dvhoang/rkforge/internal/fsbuild"
	"github.com/dvhoang/rkforge/internal/imgfmt"
	"github.com/dvhoang/rkforge/internal/logging"
	"github.com/dvhoang/rkforge/internal/superimg"
	"github.com/dvhoang/rkforge/internal/tools"
	"github.com/dvhoang/rkforge/internal/workspace"
)

// Orchestrator runs multi-partition operations over a project workspace.
// Units of work run concurrently up to Workers, and a failure in one unit
// never stops the others: the report carries every outcome.
type Orchestrator struct {
	Project  *workspace.Project
	Registry *tools.Registry
	Runner   tools.Runner
	Logger   *slog.Logger
	RunLog   *RunLog // optional
	Workers  int
	// GrowthFactors tunes auto sizing per filesystem kind.
	GrowthFactors map[string]float64
}

func (o *Orchestrator) workers() int {
	if o.Workers <= 0 {
		return 2
	}
	return o.Workers
}

func (o *Orchestrator) logger() *slog.Logger {
	return logging.Ensure(o.Logger).With("component", "pipeline")
}

func (o *Orchestrator) newReport(operation string) *RunReport {
	return &RunReport{
		ID:        uuid.NewString(),
		Operation: operation,
		StartedAt: time.Now(),
	}
}

func (o *Orchestrator) finishReport(r *RunReport) *RunReport {
	r.FinishedAt = time.Now()
	if o.RunLog != nil {
		if err := o.RunLog.SaveReport(r); err != nil {
			o.logger().Warn("run log not saved", "error", err)
		}
	}
	o.logger().Info("operation finished", "operation", r.Operation,
		"units", len(r.Units), "ok", r.OK(), "duration", r.Duration())
	return r
}

func (o *Orchestrator) converter(scratch string) *imgfmt.Converter {
	return &imgfmt.Converter{
		Registry:   o.Registry,
		Runner:     o.Runner,
		ScratchDir: scratch,
		Logger:     o.Logger,
	}
}

// classify turns a unit error into a status. Cancellation and degraded
// output are not failures in the same sense as a tool blowing up.
func classify(err error) (UnitStatus, string) {
	switch {
	case err == nil:
		return StatusOK, ""
	case errors.Is(err, context.Canceled):
		return StatusCancelled, context.Canceled.Error()
	default:
		return StatusFailed, err.Error()
	}
}

// ExtractROM ingests the images under the project's in/ directory: super
// images are split into their member partitions first, then every
// filesystem image is extracted into out/Source/<partition>/. Opaque images
// are copied through so rebuilding has the complete set.
func (o *Orchestrator) ExtractROM(ctx context.Context) (*RunReport, error) {
	logger := o.logger()
	report := o.newReport("extract")

	entries, err := os.ReadDir(o.Project.InDir())
	if err != nil {
		return nil, fmt.Errorf("read input dir: %w", err)
	}

	scratch, cleanup, err := o.Project.Scratch("extract-" + uuid.NewString()[:8])
	if err != nil {
		return nil, err
	}
	defer cleanup()

	// Pass 1: find partition images, splitting any super image.
	images := map[string]string{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".img") {
			continue
		}
		path := filepath.Join(o.Project.InDir(), e.Name())
		name := strings.TrimSuffix(e.Name(), ".img")

		if name == "super" {
			engine := &superimg.Engine{
				Registry:  o.Registry,
				Runner:    o.Runner,
				Converter: o.converter(scratch),
				Logger:    o.Logger,
			}
			start := time.Now()
			res, err := engine.Split(ctx, path, filepath.Join(o.Project.TempDir(), "super"))
			status, msg := classify(err)
			outcome := UnitOutcome{Unit: "super", Status: status, Message: msg, Duration: time.Since(start)}
			if err != nil {
				report.Units = append(report.Units, outcome)
				// Without the split nothing below is reachable.
				return o.finishReport(report), err
			}
			for p, img := range res.Images {
				images[p] = img
				outcome.Artifacts = append(outcome.Artifacts, img)
			}
			report.Units = append(report.Units, outcome)
			continue
		}
		images[name] = path
	}

	if len(images) == 0 {
		return nil, fmt.Errorf("no .img files found in %s", o.Project.InDir())
	}

	// Pass 2: extract each partition concurrently.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers())
	outcomes := make([]UnitOutcome, 0, len(images))
	results := make(chan UnitOutcome, len(images))

	for name, path := range images {
		name, path := name, path
		g.Go(func() error {
			results <- o.extractOne(gctx, name, path, scratch)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.Warn("extraction group error", "error", err)
	}
	close(results)
	for outcome := range results {
		outcomes = append(outcomes, outcome)
	}
	report.Units = append(report.Units, outcomes...)
	return o.finishReport(report), nil
}

func (o *Orchestrator) extractOne(ctx context.Context, name, path, scratch string) UnitOutcome {
	start := time.Now()
	rec := &tools.Recorder{}
	runner := tools.WithRecorder(o.Runner, rec)

	outcome := func(err error, degraded bool, artifacts ...string) UnitOutcome {
		status, msg := classify(err)
		if err == nil && degraded {
			status = StatusDegraded
			msg = "extracted without ownership metadata"
		}
		return UnitOutcome{
			Unit: name, Status: status, Message: msg,
			Artifacts: artifacts, Steps: rec.Steps(), Duration: time.Since(start),
		}
	}

	conv := o.converter(scratch)
	conv.Runner = runner
	raw, err := conv.ToRaw(ctx, path)
	if err != nil {
		return outcome(err, false)
	}

	kind, err := imgfmt.DetectFilesystem(raw)
	if err != nil {
		return outcome(err, false)
	}

	if kind != imgfmt.FilesystemExt4 && kind != imgfmt.FilesystemErofs {
		// Opaque images pass through so the rebuilt ROM stays complete.
		dst := filepath.Join(o.Project.ImageDir(), name+".img")
		if err := copyThrough(raw, dst); err != nil {
			return outcome(err, false)
		}
		u := outcome(nil, false, dst)
		u.Status = StatusSkipped
		u.Message = fmt.Sprintf("filesystem %s is not extractable, copied through", kind)
		return u
	}

	ex := &extract.Extractor{Registry: o.Registry, Runner: runner, Logger: o.Logger}
	res, err := ex.Extract(ctx, raw, o.Project.SourceDir(name))
	if err != nil {
		return outcome(err, false)
	}
	if err := o.recordFilesystemKind(name, kind); err != nil {
		o.logger().Warn("filesystem kind not recorded", "partition", name, "error", err)
	}
	return outcome(nil, res.MetadataDegraded, res.SourceDir)
}

// recordFilesystemKind remembers what filesystem a partition was extracted
// from, so rebuilding produces the same kind even without super metadata.
func (o *Orchestrator) recordFilesystemKind(name string, kind imgfmt.FilesystemKind) error {
	dir := filepath.Join(o.Project.TempDir(), "fskind")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name), []byte(kind.String()+"\n"), 0o644)
}

func (o *Orchestrator) recordedFilesystemKind(name string) (imgfmt.FilesystemKind, bool) {
	data, err := os.ReadFile(filepath.Join(o.Project.TempDir(), "fskind", name))
	if err != nil {
		return imgfmt.FilesystemUnknown, false
	}
	kind, err := imgfmt.ParseFilesystemKind(strings.TrimSpace(string(data)))
	if err != nil {
		return imgfmt.FilesystemUnknown, false
	}
	return kind, true
}

// BuildImages rebuilds every partition that has a source tree under
// out/Source/, writing images to out/Image/. Partition budgets come from
// the super metadata recorded at extract time, when present.
func (o *Orchestrator) BuildImages(ctx context.Context, mode fsbuild.OutputMode) (*RunReport, error) {
	report := o.newReport("build")

	partitions, err := o.Project.Partitions()
	if err != nil {
		return nil, err
	}
	if len(partitions) == 0 {
		return nil, fmt.Errorf("no source trees under %s", o.Project.SourceRoot())
	}

	// Super metadata, when recorded, supplies budgets and filesystem kinds.
	var md *superimg.Metadata
	if m, err := superimg.LoadMetadata(filepath.Join(o.Project.TempDir(), "super")); err == nil {
		md = m
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers())
	results := make(chan UnitOutcome, len(partitions))

	for _, name := range partitions {
		name := name
		g.Go(func() error {
			results <- o.buildOne(gctx, name, mode, md)
			return nil
		})
	}
	_ = g.Wait()
	close(results)
	for outcome := range results {
		report.Units = append(report.Units, outcome)
	}
	return o.finishReport(report), nil
}

func (o *Orchestrator) buildOne(ctx context.Context, name string, mode fsbuild.OutputMode, md *superimg.Metadata) UnitOutcome {
	start := time.Now()
	rec := &tools.Recorder{}
	runner := tools.WithRecorder(o.Runner, rec)

	fail := func(err error) UnitOutcome {
		status, msg := classify(err)
		return UnitOutcome{Unit: name, Status: status, Message: msg, Steps: rec.Steps(), Duration: time.Since(start)}
	}

	scratch, cleanup, err := o.Project.Scratch("build-" + name)
	if err != nil {
		return fail(err)
	}
	defer cleanup()

	cfg := fsbuild.Config{
		PartitionName: name,
		Filesystem:    imgfmt.FilesystemExt4,
		Output:        mode,
		Ext4Growth:    o.GrowthFactors["ext4"],
		ErofsGrowth:   o.GrowthFactors["erofs"],
	}
	// The kind detected at extract time wins over the ext4 default, so a
	// standalone erofs image is rebuilt as erofs.
	if kind, ok := o.recordedFilesystemKind(name); ok {
		if kind == imgfmt.FilesystemExt4 || kind == imgfmt.FilesystemErofs {
			cfg.Filesystem = kind
		}
	}
	if md != nil {
		if desc, ok := md.Partition(name); ok {
			if desc.Filesystem == imgfmt.FilesystemErofs {
				cfg.Filesystem = imgfmt.FilesystemErofs
			}
			cfg.SizeBudget = desc.SizeBytes
		}
	}

	srcDir := o.Project.SourceDir(name)
	cfg.FileContexts = findLabelFile(srcDir, "file_contexts", "plat_file_contexts")
	cfg.FsConfig = findLabelFile(srcDir, "fs_config", "filesystem_config.txt")

	builder := &fsbuild.Builder{
		Registry:  o.Registry,
		Runner:    runner,
		Converter: &imgfmt.Converter{Registry: o.Registry, Runner: runner, ScratchDir: scratch, Logger: o.Logger},
		Logger:    o.Logger,
	}
	res, err := builder.Build(ctx, srcDir, o.Project.ImageDir(), cfg)
	if err != nil {
		return fail(err)
	}

	outcome := UnitOutcome{Unit: name, Status: StatusOK, Steps: rec.Steps(), Duration: time.Since(start)}
	if res.Raw != "" {
		outcome.Artifacts = append(outcome.Artifacts, res.Raw)
	}
	if res.Sparse != "" {
		outcome.Artifacts = append(outcome.Artifacts, res.Sparse)
	}
	if res.Unlabeled {
		outcome.Status = StatusDegraded
		outcome.Message = "built without SELinux labels"
	}
	return outcome
}

// SplitSuper unpacks a super image into temp/super/, recording the metadata
// sidecar JoinSuper needs later.
func (o *Orchestrator) SplitSuper(ctx context.Context, imgPath string) (*RunReport, error) {
	report := o.newReport("split-super")
	start := time.Now()
	rec := &tools.Recorder{}
	runner := tools.WithRecorder(o.Runner, rec)

	scratch, cleanup, err := o.Project.Scratch("split-super")
	if err != nil {
		return nil, err
	}
	defer cleanup()

	engine := &superimg.Engine{
		Registry:  o.Registry,
		Runner:    runner,
		Converter: &imgfmt.Converter{Registry: o.Registry, Runner: runner, ScratchDir: scratch, Logger: o.Logger},
		Logger:    o.Logger,
	}
	res, err := engine.Split(ctx, imgPath, filepath.Join(o.Project.TempDir(), "super"))
	status, msg := classify(err)
	outcome := UnitOutcome{Unit: "super", Status: status, Message: msg, Steps: rec.Steps(), Duration: time.Since(start)}
	if res != nil {
		for _, img := range res.Images {
			outcome.Artifacts = append(outcome.Artifacts, img)
		}
	}
	report.Units = append(report.Units, outcome)
	return o.finishReport(report), err
}

// JoinSuper rebuilds super.img in out/Image/ from the images built under
// out/Image/ and the metadata recorded at split time.
func (o *Orchestrator) JoinSuper(ctx context.Context, mode superimg.ResizeMode, sparse bool) (*RunReport, error) {
	report := o.newReport("join-super")
	start := time.Now()
	rec := &tools.Recorder{}
	runner := tools.WithRecorder(o.Runner, rec)

	scratch, cleanup, err := o.Project.Scratch("join-super")
	if err != nil {
		return nil, err
	}
	defer cleanup()

	superDir := filepath.Join(o.Project.TempDir(), "super")
	md, err := superimg.LoadMetadata(superDir)
	if err != nil {
		return nil, fmt.Errorf("no super metadata recorded, was this project extracted from a super image? %w", err)
	}

	// Prefer freshly built images; fall back to the unpacked originals for
	// partitions that were never rebuilt.
	for _, p := range md.Partitions {
		built := filepath.Join(o.Project.ImageDir(), p.Name+".img")
		target := filepath.Join(superDir, p.Name+".img")
		if _, err := os.Stat(built); err == nil {
			if err := copyThrough(built, target); err != nil {
				return nil, err
			}
		}
	}

	engine := &superimg.Engine{
		Registry:  o.Registry,
		Runner:    runner,
		Converter: o.converter(scratch),
		Logger:    o.Logger,
	}
	out := filepath.Join(o.Project.ImageDir(), "super.img")
	err = engine.Join(ctx, superDir, out, superimg.JoinOptions{Mode: mode, Sparse: sparse})
	status, msg := classify(err)
	outcome := UnitOutcome{Unit: "super", Status: status, Message: msg, Steps: rec.Steps(), Duration: time.Since(start)}
	if err == nil {
		outcome.Artifacts = []string{out}
	}
	report.Units = append(report.Units, outcome)
	return o.finishReport(report), err
}

// DisableVerity disables verified boot across the project: disabled vbmeta
// images land in out/Image/ and every fstab under the source trees is
// patched in place.
func (o *Orchestrator) DisableVerity(ctx context.Context) (*RunReport, error) {
	report := o.newReport("disable-verity")
	start := time.Now()
	rec := &tools.Recorder{}
	runner := tools.WithRecorder(o.Runner, rec)

	patcher := &avb.Patcher{Registry: o.Registry, Runner: runner, Logger: o.Logger}
	vbmetas := avb.FindVBMetaImages(o.Project.InDir(), o.Project.ImageDir())

	res, err := patcher.DisableAll(ctx, vbmetas, o.Project.ImageDir(), o.Project.SourceRoot())
	status, msg := classify(err)
	outcome := UnitOutcome{Unit: "avb", Status: status, Message: msg, Steps: rec.Steps(), Duration: time.Since(start)}
	if res != nil {
		outcome.Artifacts = append(outcome.Artifacts, res.VBMetaPaths...)
		for _, p := range res.Patches {
			if p.Err == nil {
				outcome.Artifacts = append(outcome.Artifacts, p.Path)
			}
		}
	}
	report.Units = append(report.Units, outcome)
	return o.finishReport(report), err
}

// UnpackBoot unpacks a boot image into temp/boot/<name>/.
func (o *Orchestrator) UnpackBoot(ctx context.Context, imgPath string) (*RunReport, error) {
	report := o.newReport("unpack-boot")
	start := time.Now()
	rec := &tools.Recorder{}
	runner := tools.WithRecorder(o.Runner, rec)

	name := strings.TrimSuffix(filepath.Base(imgPath), ".img")
	workDir := filepath.Join(o.Project.TempDir(), "boot", name)

	proc := &bootimg.Processor{Registry: o.Registry, Runner: runner, Logger: o.Logger}
	res, err := proc.Unpack(ctx, imgPath, workDir)
	status, msg := classify(err)
	outcome := UnitOutcome{Unit: name, Status: status, Message: msg, Steps: rec.Steps(), Duration: time.Since(start)}
	if res != nil {
		outcome.Artifacts = []string{res.WorkDir}
	}
	report.Units = append(report.Units, outcome)
	return o.finishReport(report), err
}

// RepackBoot rebuilds a boot image from a previously unpacked workspace,
// placing <name>.img into out/Image/.
func (o *Orchestrator) RepackBoot(ctx context.Context, name string) (*RunReport, error) {
	report := o.newReport("repack-boot")
	start := time.Now()
	rec := &tools.Recorder{}
	runner := tools.WithRecorder(o.Runner, rec)

	workDir := filepath.Join(o.Project.TempDir(), "boot", name)
	out := filepath.Join(o.Project.ImageDir(), name+".img")

	proc := &bootimg.Processor{Registry: o.Registry, Runner: runner, Logger: o.Logger}
	err := proc.Repack(ctx, workDir, out)
	status, msg := classify(err)
	outcome := UnitOutcome{Unit: name, Status: status, Message: msg, Steps: rec.Steps(), Duration: time.Since(start)}
	if err == nil {
		outcome.Artifacts = []string{out}
	}
	report.Units = append(report.Units, outcome)
	return o.finishReport(report), err
}

// findLabelFile looks for a label sidecar inside and next to a source tree.
func findLabelFile(srcDir string, names ...string) string {
	for _, base := range []string{srcDir, filepath.Dir(srcDir)} {
		for _, name := range names {
			candidate := filepath.Join(base, name)
			if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
				return candidate
			}
		}
	}
	return ""
}

func copyThrough(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
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
