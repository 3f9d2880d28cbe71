package tools

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	script := writeScript(t, "echo out-line\necho err-line >&2\nexit 0\n")
	r := &ExecRunner{}

	res, err := r.Run(context.Background(), Invocation{Tool: "fake", Path: script})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.OK() {
		t.Fatalf("result not ok: %+v", res)
	}
	if !strings.Contains(res.StdoutTail, "out-line") {
		t.Errorf("stdout tail = %q", res.StdoutTail)
	}
	if !strings.Contains(res.StderrTail, "err-line") {
		t.Errorf("stderr tail = %q", res.StderrTail)
	}
}

func TestRunNonZeroExitReturnsExecError(t *testing.T) {
	script := writeScript(t, "echo boom >&2\nexit 3\n")
	r := &ExecRunner{}

	res, err := r.Run(context.Background(), Invocation{Tool: "fake", Path: script})
	if err == nil {
		t.Fatal("expected error")
	}
	var execErr *ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("error type: %T", err)
	}
	if execErr.ExitCode != 3 || res.ExitCode != 3 {
		t.Errorf("exit code = %d/%d, want 3", execErr.ExitCode, res.ExitCode)
	}
	if !strings.Contains(execErr.StderrTail, "boom") {
		t.Errorf("stderr tail = %q", execErr.StderrTail)
	}
}

func TestRunTimeoutKillsProcess(t *testing.T) {
	script := writeScript(t, "sleep 30\n")
	r := &ExecRunner{}

	start := time.Now()
	res, err := r.Run(context.Background(), Invocation{
		Tool:    "sleepy",
		Path:    script,
		Timeout: 200 * time.Millisecond,
	})
	if time.Since(start) > 5*time.Second {
		t.Fatal("timeout did not take effect")
	}
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !res.TimedOut {
		t.Errorf("result not marked timed out: %+v", res)
	}
	var execErr *ExecError
	if !errors.As(err, &execErr) || !execErr.TimedOut {
		t.Errorf("error not a timeout ExecError: %v", err)
	}
}

func TestRunCancelMarksResultCancelledNotFailed(t *testing.T) {
	script := writeScript(t, "sleep 30\n")
	r := &ExecRunner{}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	res, err := r.Run(ctx, Invocation{Tool: "sleepy", Path: script})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if !res.Cancelled {
		t.Errorf("result not marked cancelled: %+v", res)
	}
	if res.TimedOut {
		t.Errorf("cancelled result wrongly marked timed out")
	}
}

func TestRunMissingExecutable(t *testing.T) {
	r := &ExecRunner{}
	_, err := r.Run(context.Background(), Invocation{
		Tool: "ghost",
		Path: filepath.Join(t.TempDir(), "does-not-exist"),
	})
	var execErr *ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("error type: %T (%v)", err, err)
	}
}

func TestTailBufferKeepsOnlyTail(t *testing.T) {
	b := &tailBuffer{limit: 8}
	if _, err := b.Write([]byte("0123456789abcdef")); err != nil {
		t.Fatal(err)
	}
	if b.String() != "89abcdef" {
		t.Errorf("tail = %q, want last 8 bytes", b.String())
	}
}

func TestRecorderCollectsSteps(t *testing.T) {
	script := writeScript(t, "exit 0\n")
	rec := &Recorder{}
	r := WithRecorder(&ExecRunner{}, rec)

	for i := 0; i < 3; i++ {
		if _, err := r.Run(context.Background(), Invocation{Tool: "fake", Path: script}); err != nil {
			t.Fatal(err)
		}
	}
	if steps := rec.Steps(); len(steps) != 3 {
		t.Errorf("recorded %d steps, want 3", len(steps))
	}
}
