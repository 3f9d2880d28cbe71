package bootimg

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dvhoang/rkforge/internal/imgfmt"
	"github.com/dvhoang/rkforge/internal/tools"
)

// fakeBootRunner emulates magiskboot and the AOSP boot tools well enough to
// drive the unpack/repack flow: unpack materializes components, repack
// writes the output image.
type fakeBootRunner struct {
	calls []tools.Invocation
}

func (f *fakeBootRunner) Run(_ context.Context, inv tools.Invocation) (tools.StepResult, error) {
	f.calls = append(f.calls, inv)
	switch inv.Tool {
	case tools.ToolMagiskboot:
		switch inv.Args[0] {
		case "unpack":
			for _, name := range []string{"kernel", "ramdisk.cpio"} {
				if err := os.WriteFile(filepath.Join(inv.Dir, name), []byte(name), 0o644); err != nil {
					return tools.StepResult{}, err
				}
			}
		case "repack":
			if err := os.WriteFile(filepath.Join(inv.Dir, inv.Args[2]), []byte("new-boot"), 0o644); err != nil {
				return tools.StepResult{}, err
			}
		}
		return tools.StepResult{Tool: inv.Tool}, nil
	case tools.ToolUnpackBootimg:
		outDir := ""
		for i, a := range inv.Args {
			if a == "--out" {
				outDir = inv.Args[i+1]
			}
		}
		for _, name := range []string{"kernel", "ramdisk"} {
			if err := os.WriteFile(filepath.Join(outDir, name), []byte(name), 0o644); err != nil {
				return tools.StepResult{}, err
			}
		}
		return tools.StepResult{
			Tool:       inv.Tool,
			StdoutTail: "--header_version 2 --kernel kernel --ramdisk ramdisk --pagesize 0x00000800",
		}, nil
	case tools.ToolMkbootimg:
		for i, a := range inv.Args {
			if a == "--output" {
				if err := os.WriteFile(inv.Args[i+1], []byte("new-boot"), 0o644); err != nil {
					return tools.StepResult{}, err
				}
			}
		}
		return tools.StepResult{Tool: inv.Tool}, nil
	}
	return tools.StepResult{Tool: inv.Tool, ExitCode: 1}, &tools.ExecError{Tool: inv.Tool, ExitCode: 1}
}

func newTestProcessor(t *testing.T, runner tools.Runner, toolNames ...string) *Processor {
	t.Helper()
	dir := t.TempDir()
	for _, name := range toolNames {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	reg := tools.NewRegistry([]string{dir}, nil, nil)
	reg.Scan(context.Background())
	return &Processor{Registry: reg, Runner: runner}
}

func writeBootImage(t *testing.T, magic string) string {
	t.Helper()
	buf := make([]byte, 4096)
	copy(buf, magic)
	path := filepath.Join(t.TempDir(), "boot.img")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestUnpackPrefersMagiskboot(t *testing.T) {
	runner := &fakeBootRunner{}
	p := newTestProcessor(t, runner, "magiskboot", "unpack_bootimg", "mkbootimg")
	workDir := filepath.Join(t.TempDir(), "work")

	res, err := p.Unpack(context.Background(), writeBootImage(t, "ANDROID!"), workDir)
	if err != nil {
		t.Fatal(err)
	}
	if res.Strategy != StrategyMagiskboot {
		t.Errorf("strategy = %s", res.Strategy)
	}
	if len(res.Contents) != 2 {
		t.Errorf("contents = %v", res.Contents)
	}
	if _, err := os.Stat(filepath.Join(workDir, "original.img")); err != nil {
		t.Errorf("original image not preserved: %v", err)
	}
}

func TestUnpackAOSPPersistsMkbootimgArgs(t *testing.T) {
	runner := &fakeBootRunner{}
	p := newTestProcessor(t, runner, "unpack_bootimg", "mkbootimg") // no magiskboot
	workDir := filepath.Join(t.TempDir(), "work")

	res, err := p.Unpack(context.Background(), writeBootImage(t, "VNDRBOOT"), workDir)
	if err != nil {
		t.Fatal(err)
	}
	if res.Strategy != StrategyAOSP {
		t.Errorf("strategy = %s", res.Strategy)
	}
	data, err := os.ReadFile(filepath.Join(workDir, "mkbootimg_args"))
	if err != nil {
		t.Fatalf("mkbootimg args not persisted: %v", err)
	}
	if !strings.Contains(string(data), "--header_version 2") {
		t.Errorf("args = %q", data)
	}
}

func TestUnpackRejectsNonBootImage(t *testing.T) {
	p := newTestProcessor(t, &fakeBootRunner{}, "magiskboot")
	plain := filepath.Join(t.TempDir(), "x.img")
	if err := os.WriteFile(plain, make([]byte, 4096), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := p.Unpack(context.Background(), plain, t.TempDir())
	var fe *imgfmt.FormatError
	if !errors.As(err, &fe) {
		t.Errorf("err = %v, want FormatError", err)
	}
}

func TestUnpackNoToolsAvailable(t *testing.T) {
	p := newTestProcessor(t, &fakeBootRunner{}, "mkbootimg") // unpack side missing
	_, err := p.Unpack(context.Background(), writeBootImage(t, "ANDROID!"), t.TempDir())
	if !errors.Is(err, tools.ErrToolMissing) {
		t.Errorf("err = %v", err)
	}
}

func TestRepackRoundTripMagiskboot(t *testing.T) {
	runner := &fakeBootRunner{}
	p := newTestProcessor(t, runner, "magiskboot")
	workDir := filepath.Join(t.TempDir(), "work")

	if _, err := p.Unpack(context.Background(), writeBootImage(t, "ANDROID!"), workDir); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(t.TempDir(), "boot_new.img")
	if err := p.Repack(context.Background(), workDir, out); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(out); err != nil {
		t.Errorf("repacked image missing: %v", err)
	}
}

func TestRepackAOSPReplaysPersistedArgs(t *testing.T) {
	runner := &fakeBootRunner{}
	p := newTestProcessor(t, runner, "unpack_bootimg", "mkbootimg")
	workDir := filepath.Join(t.TempDir(), "work")

	if _, err := p.Unpack(context.Background(), writeBootImage(t, "ANDROID!"), workDir); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(t.TempDir(), "boot_new.img")
	if err := p.Repack(context.Background(), workDir, out); err != nil {
		t.Fatal(err)
	}

	last := runner.calls[len(runner.calls)-1]
	if last.Tool != tools.ToolMkbootimg {
		t.Fatalf("last call = %s", last.Tool)
	}
	joined := strings.Join(last.Args, " ")
	if !strings.Contains(joined, "--header_version 2") || !strings.Contains(joined, "--output ") {
		t.Errorf("mkbootimg args = %q", joined)
	}
}

func TestRepackRejectsForeignDirectory(t *testing.T) {
	p := newTestProcessor(t, &fakeBootRunner{}, "magiskboot")
	err := p.Repack(context.Background(), t.TempDir(), filepath.Join(t.TempDir(), "out.img"))
	if err == nil {
		t.Fatal("expected error for directory without unpack bookkeeping")
	}
}
