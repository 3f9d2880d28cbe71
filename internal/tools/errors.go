package tools

import (
	"errors"
	"fmt"
	"strings"
)

// ErrToolMissing matches any ToolMissingError via errors.Is.
var ErrToolMissing = errors.New("tool missing")

// ToolMissingError reports that a logical tool could not be resolved.
// Optional tells callers whether degrading is acceptable; the pipeline
// aborts only on required tools.
type ToolMissingError struct {
	LogicalID string
	Optional  bool
	Searched  []string
}

func (e *ToolMissingError) Error() string {
	msg := fmt.Sprintf("tool %q not found", e.LogicalID)
	if len(e.Searched) > 0 {
		msg += " in " + strings.Join(e.Searched, ", ")
	}
	return msg
}

func (e *ToolMissingError) Is(target error) bool { return target == ErrToolMissing }

// ExecError reports a tool invocation that ran but did not succeed.
type ExecError struct {
	Tool       string
	ExitCode   int
	TimedOut   bool
	StderrTail string
}

func (e *ExecError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("%s timed out", e.Tool)
	}
	msg := fmt.Sprintf("%s exited with code %d", e.Tool, e.ExitCode)
	if e.StderrTail != "" {
		msg += ": " + e.StderrTail
	}
	return msg
}
