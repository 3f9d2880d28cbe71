package tools

import (
	"context"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dvhoang/rkforge/internal/logging"
)

// DefaultTimeout bounds an invocation when neither the invocation nor the
// runner specifies one.
const DefaultTimeout = 10 * time.Minute

// defaultTailBytes is how much stdout/stderr is retained per stream. Large
// enough for lpdump partition tables, small enough to keep in a result.
const defaultTailBytes = 64 * 1024

// Invocation describes one external tool call with a fixed argument list.
type Invocation struct {
	Tool    string // logical id, used in results and diagnostics
	Path    string // resolved executable path
	Args    []string
	Dir     string        // working directory, empty for inherited
	Timeout time.Duration // zero means the runner default
}

// StepResult is the uniform outcome of one subprocess-backed operation.
type StepResult struct {
	Tool       string
	ExitCode   int
	StdoutTail string
	StderrTail string
	Duration   time.Duration
	TimedOut   bool
	Cancelled  bool
}

// OK reports whether the step completed successfully.
func (r StepResult) OK() bool {
	return r.ExitCode == 0 && !r.TimedOut && !r.Cancelled
}

// Runner executes external tool invocations.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (StepResult, error)
}

// ExecRunner runs invocations as real subprocesses. Each child is started in
// its own process group so that cancellation kills the whole tree, not just
// the immediate child.
type ExecRunner struct {
	Logger    *slog.Logger
	Timeout   time.Duration
	TailBytes int
}

// Run executes the invocation and blocks until it finishes, times out, or
// the context is cancelled. Timeouts and non-zero exits return an ExecError;
// cancellation returns the context error with the result marked cancelled.
func (r *ExecRunner) Run(ctx context.Context, inv Invocation) (StepResult, error) {
	logger := logging.Ensure(r.Logger).With("tool", inv.Tool)

	timeout := inv.Timeout
	if timeout == 0 {
		timeout = r.Timeout
	}
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	tailLimit := r.TailBytes
	if tailLimit == 0 {
		tailLimit = defaultTailBytes
	}

	stdout := &tailBuffer{limit: tailLimit}
	stderr := &tailBuffer{limit: tailLimit}

	cmd := exec.Command(inv.Path, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	logger.Debug("executing", "path", inv.Path, "args", len(inv.Args))
	start := time.Now()

	if err := cmd.Start(); err != nil {
		res := StepResult{
			Tool:       inv.Tool,
			ExitCode:   -1,
			StderrTail: err.Error(),
			Duration:   time.Since(start),
		}
		return res, &ExecError{Tool: inv.Tool, ExitCode: -1, StderrTail: err.Error()}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var timedOut, cancelled bool
	select {
	case <-done:
	case <-ctx.Done():
		cancelled = true
		killGroup(cmd.Process.Pid)
		<-done
	case <-timer.C:
		timedOut = true
		killGroup(cmd.Process.Pid)
		<-done
	}

	res := StepResult{
		Tool:       inv.Tool,
		ExitCode:   cmd.ProcessState.ExitCode(),
		StdoutTail: stdout.String(),
		StderrTail: stderr.String(),
		Duration:   time.Since(start),
		TimedOut:   timedOut,
		Cancelled:  cancelled,
	}

	switch {
	case cancelled:
		logger.Warn("invocation cancelled", "duration", res.Duration)
		return res, ctx.Err()
	case timedOut:
		logger.Error("invocation timed out", "timeout", timeout)
		return res, &ExecError{Tool: inv.Tool, ExitCode: res.ExitCode, TimedOut: true, StderrTail: res.StderrTail}
	case res.ExitCode != 0:
		logger.Error("invocation failed", "exit_code", res.ExitCode)
		return res, &ExecError{Tool: inv.Tool, ExitCode: res.ExitCode, StderrTail: res.StderrTail}
	default:
		logger.Debug("invocation succeeded", "duration", res.Duration)
		return res, nil
	}
}

func killGroup(pid int) {
	// Negative pid targets the process group created by Setpgid.
	_ = unix.Kill(-pid, unix.SIGKILL)
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.limit {
		b.buf = b.buf[len(b.buf)-b.limit:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string { return string(b.buf) }

// Recorder collects the StepResults produced inside one unit of work so the
// pipeline can report them alongside the unit outcome.
type Recorder struct {
	mu    sync.Mutex
	steps []StepResult
}

// Steps returns a copy of the recorded results in execution order.
func (r *Recorder) Steps() []StepResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StepResult(nil), r.steps...)
}

func (r *Recorder) add(s StepResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, s)
}

// WithRecorder wraps a runner so every result is appended to rec.
func WithRecorder(next Runner, rec *Recorder) Runner {
	return &recordingRunner{next: next, rec: rec}
}

type recordingRunner struct {
	next Runner
	rec  *Recorder
}

func (r *recordingRunner) Run(ctx context.Context, inv Invocation) (StepResult, error) {
	res, err := r.next.Run(ctx, inv)
	r.rec.add(res)
	return res, err
}
