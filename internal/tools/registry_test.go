package tools

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func writeFakeTool(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestScanResolvesFromConfiguredDirFirst(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	want := writeFakeTool(t, first, "lpunpack")
	writeFakeTool(t, second, "lpunpack")

	r := NewRegistry([]string{first, second}, nil, nil)
	r.Scan(context.Background())

	d, err := r.Resolve(ToolLpunpack)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if d.Path != want {
		t.Errorf("path = %s, want %s", d.Path, want)
	}
}

func TestAliasPreferenceOrder(t *testing.T) {
	dir := t.TempDir()
	writeFakeTool(t, dir, "avbtool.py")
	want := writeFakeTool(t, dir, "avbtool")

	r := NewRegistry([]string{dir}, nil, nil)
	r.Scan(context.Background())

	d, err := r.Resolve(ToolAvbtool)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if d.Path != want {
		t.Errorf("path = %s, want the non-script alias %s", d.Path, want)
	}
}

func TestAliasFallbackToScript(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "avbtool.py")
	// Scripts without the exec bit are still accepted.
	if err := os.WriteFile(path, []byte("print('avbtool 1.2.0')\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry([]string{dir}, nil, nil)
	r.Scan(context.Background())

	d, err := r.Resolve(ToolAvbtool)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if d.Path != path {
		t.Errorf("path = %s, want %s", d.Path, path)
	}
}

func TestProberProbesScriptThroughInterpreter(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not installed")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "avbtool.py")
	if err := os.WriteFile(path, []byte("print('avbtool 1.3.0')\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry([]string{dir}, &ExecProber{Runner: &ExecRunner{}}, nil)
	r.Scan(context.Background())

	d, err := r.Resolve(ToolAvbtool)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if d.Path != path {
		t.Errorf("path = %s, want %s", d.Path, path)
	}
	if !strings.Contains(d.Version, "avbtool") {
		t.Errorf("version = %q", d.Version)
	}
}

func TestResolveMissingToolReturnsTypedError(t *testing.T) {
	r := NewRegistry([]string{t.TempDir()}, nil, nil)
	r.Scan(context.Background())

	_, err := r.Resolve(ToolLpmake)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ErrToolMissing) {
		t.Errorf("error does not match ErrToolMissing: %v", err)
	}
	var missing *ToolMissingError
	if !errors.As(err, &missing) || missing.LogicalID != ToolLpmake {
		t.Errorf("unexpected error detail: %v", err)
	}
}

func TestResolveOptionalDoesNotError(t *testing.T) {
	r := NewRegistry([]string{t.TempDir()}, nil, nil)
	r.Scan(context.Background())

	if _, ok := r.ResolveOptional(ToolExt2rd); ok {
		t.Error("expected ext2rd to be unavailable")
	}
}

func TestRescanPicksUpNewDirs(t *testing.T) {
	r := NewRegistry(nil, nil, nil)
	r.Scan(context.Background())

	if _, err := r.Resolve(ToolSimg2img); err == nil {
		t.Skip("simg2img present on $PATH, cannot assert absence")
	}

	dir := t.TempDir()
	writeFakeTool(t, dir, "simg2img")
	r.SetToolDirs([]string{dir})
	r.Scan(context.Background())

	if _, err := r.Resolve(ToolSimg2img); err != nil {
		t.Fatalf("resolve after rescan: %v", err)
	}
}

func TestMissingReportsUnresolvedSubset(t *testing.T) {
	dir := t.TempDir()
	writeFakeTool(t, dir, "lpdump")

	r := NewRegistry([]string{dir}, nil, nil)
	r.Scan(context.Background())

	missing := r.Missing(ToolLpdump, ToolLpmake)
	if len(missing) != 1 || missing[0] != ToolLpmake {
		t.Errorf("missing = %v, want [lpmake]", missing)
	}
}

func TestConcurrentReadersDuringRescan(t *testing.T) {
	dir := t.TempDir()
	writeFakeTool(t, dir, "lpdump")
	r := NewRegistry([]string{dir}, nil, nil)
	r.Scan(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			r.Scan(context.Background())
		}
	}()
	for i := 0; i < 1000; i++ {
		if _, err := r.Resolve(ToolLpdump); err != nil {
			t.Errorf("resolve during rescan: %v", err)
			break
		}
	}
	<-done
}
