package superimg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dvhoang/rkforge/internal/imgfmt"
	"github.com/dvhoang/rkforge/internal/tools"
)

// fakeSuperRunner stands in for the partition tools: lpdump replays a canned
// dump, lpunpack materializes partition images, lpmake writes its output
// argument.
type fakeSuperRunner struct {
	lpdumpOut  string
	partitions map[string][]byte
	lpmakeArgs []string
}

func (f *fakeSuperRunner) Run(_ context.Context, inv tools.Invocation) (tools.StepResult, error) {
	switch inv.Tool {
	case tools.ToolLpdump:
		return tools.StepResult{Tool: inv.Tool, StdoutTail: f.lpdumpOut}, nil
	case tools.ToolLpunpack:
		outDir := inv.Args[len(inv.Args)-1]
		for name, content := range f.partitions {
			if err := os.WriteFile(filepath.Join(outDir, name+".img"), content, 0o644); err != nil {
				return tools.StepResult{}, err
			}
		}
		return tools.StepResult{Tool: inv.Tool}, nil
	case tools.ToolLpmake:
		f.lpmakeArgs = inv.Args
		for i, a := range inv.Args {
			if a == "--output" {
				if err := os.WriteFile(inv.Args[i+1], []byte("super"), 0o644); err != nil {
					return tools.StepResult{}, err
				}
			}
		}
		return tools.StepResult{Tool: inv.Tool}, nil
	}
	return tools.StepResult{Tool: inv.Tool, ExitCode: 1}, &tools.ExecError{Tool: inv.Tool, ExitCode: 1}
}

func newTestEngine(t *testing.T, runner tools.Runner, toolNames ...string) *Engine {
	t.Helper()
	dir := t.TempDir()
	for _, name := range toolNames {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	reg := tools.NewRegistry([]string{dir}, nil, nil)
	reg.Scan(context.Background())
	return &Engine{
		Registry:  reg,
		Runner:    runner,
		Converter: &imgfmt.Converter{Registry: reg, Runner: runner, ScratchDir: t.TempDir()},
	}
}

func ext4Image(size int) []byte {
	buf := make([]byte, size)
	copy(buf[0x438:], []byte{0x53, 0xef})
	return buf
}

func TestSplitWritesImagesAndSidecar(t *testing.T) {
	runner := &fakeSuperRunner{
		lpdumpOut: sampleLpdump,
		partitions: map[string][]byte{
			"system_a": ext4Image(8192),
			"vendor_a": ext4Image(8192),
			"odm_a":    make([]byte, 4096),
		},
	}
	e := newTestEngine(t, runner, "lpdump", "lpunpack")

	super := filepath.Join(t.TempDir(), "super.img")
	if err := os.WriteFile(super, make([]byte, 4096), 0o644); err != nil {
		t.Fatal(err)
	}
	outDir := filepath.Join(t.TempDir(), "unpacked")

	res, err := e.Split(context.Background(), super, outDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Images) != 3 {
		t.Errorf("images = %v", res.Images)
	}

	md, err := LoadMetadata(outDir)
	if err != nil {
		t.Fatalf("sidecar not written: %v", err)
	}
	sys, ok := md.Partition("system_a")
	if !ok || sys.Filesystem != imgfmt.FilesystemExt4 {
		t.Errorf("system_a descriptor = %+v", sys)
	}
	odm, ok := md.Partition("odm_a")
	if !ok || odm.Filesystem != imgfmt.FilesystemRaw {
		t.Errorf("odm_a descriptor = %+v", odm)
	}
}

func TestSplitRequiresLpdump(t *testing.T) {
	e := newTestEngine(t, &fakeSuperRunner{}, "lpunpack") // lpdump absent

	super := filepath.Join(t.TempDir(), "super.img")
	if err := os.WriteFile(super, make([]byte, 4096), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := e.Split(context.Background(), super, t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "lpdump") {
		t.Errorf("err = %v, want lpdump requirement", err)
	}
}

func joinSourceDir(t *testing.T, md *Metadata, present ...string) string {
	t.Helper()
	dir := t.TempDir()
	if err := SaveMetadata(dir, md); err != nil {
		t.Fatal(err)
	}
	for _, name := range present {
		if err := os.WriteFile(filepath.Join(dir, name+".img"), make([]byte, 4096), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func joinMetadata() *Metadata {
	return &Metadata{
		BlockSize: 4096,
		Capacity:  1 << 30,
		Groups:    map[string]int64{"main": 1 << 29},
		Partitions: []PartitionDescriptor{
			{Name: "system_a", Group: "main", SizeBytes: 8192, Attributes: "readonly"},
			{Name: "vendor_a", Group: "main", SizeBytes: 8192, Attributes: "readonly"},
		},
	}
}

func TestJoinMissingPartitionImageNamesPartition(t *testing.T) {
	runner := &fakeSuperRunner{}
	e := newTestEngine(t, runner, "lpmake")
	dir := joinSourceDir(t, joinMetadata(), "system_a") // vendor_a missing

	err := e.Join(context.Background(), dir, filepath.Join(t.TempDir(), "super.img"), JoinOptions{})
	if err == nil || !strings.Contains(err.Error(), "vendor_a") {
		t.Errorf("err = %v, want missing vendor_a", err)
	}
	if runner.lpmakeArgs != nil {
		t.Error("lpmake ran despite missing partition image")
	}
}

func TestJoinBuildsLpmakeArguments(t *testing.T) {
	runner := &fakeSuperRunner{}
	e := newTestEngine(t, runner, "lpmake")
	dir := joinSourceDir(t, joinMetadata(), "system_a", "vendor_a")
	out := filepath.Join(t.TempDir(), "super.img")

	if err := e.Join(context.Background(), dir, out, JoinOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("output not placed: %v", err)
	}

	joined := strings.Join(runner.lpmakeArgs, " ")
	for _, want := range []string{
		"--super-name super",
		"--block-size 4096",
		fmt.Sprintf("--device-size %d", 1<<30),
		"--group main:" + fmt.Sprint(1<<29),
		"--partition system_a:readonly:4096:main",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("lpmake args missing %q in %q", want, joined)
		}
	}
}

func TestJoinStrictRejectsGrownImage(t *testing.T) {
	e := newTestEngine(t, &fakeSuperRunner{}, "lpmake")
	md := joinMetadata()
	md.Partitions[0].SizeBytes = 1024 // smaller than the 4096-byte image
	dir := joinSourceDir(t, md, "system_a", "vendor_a")

	err := e.Join(context.Background(), dir, filepath.Join(t.TempDir(), "s.img"), JoinOptions{Mode: ResizeStrict})
	var se *SizeError
	if !errors.As(err, &se) || se.Partition != "system_a" {
		t.Errorf("err = %v", err)
	}
}
