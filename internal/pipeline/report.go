// Package pipeline orchestrates the firmware operations end to end:
// extracting a ROM into editable source trees, rebuilding images, disabling
// verification and processing boot images. Each operation produces a run
// report with one outcome per unit of work.
package pipeline

import (
	"time"

	"github.com/dvhoang/rkforge/internal/tools"
)

// UnitStatus classifies how one unit of work ended.
type UnitStatus string

const (
	StatusOK        UnitStatus = "ok"
	StatusFailed    UnitStatus = "failed"
	StatusCancelled UnitStatus = "cancelled"
	// StatusDegraded means the unit produced usable output with a caveat,
	// e.g. an ext4 tree extracted without ownership metadata.
	StatusDegraded UnitStatus = "degraded"
	StatusSkipped  UnitStatus = "skipped"
)

// UnitOutcome is the result of one unit of work, typically one partition.
type UnitOutcome struct {
	Unit      string
	Status    UnitStatus
	Message   string
	Artifacts []string
	Steps     []tools.StepResult
	Duration  time.Duration
}

// RunReport is the full record of one pipeline operation.
type RunReport struct {
	ID         string
	Operation  string
	StartedAt  time.Time
	FinishedAt time.Time
	Units      []UnitOutcome
}

// OK reports whether every unit succeeded, counting degraded units as
// successes with caveats.
func (r *RunReport) OK() bool {
	for _, u := range r.Units {
		if u.Status == StatusFailed || u.Status == StatusCancelled {
			return false
		}
	}
	return true
}

// Failed returns the units that did not produce usable output.
func (r *RunReport) Failed() []UnitOutcome {
	var failed []UnitOutcome
	for _, u := range r.Units {
		if u.Status == StatusFailed || u.Status == StatusCancelled {
			failed = append(failed, u)
		}
	}
	return failed
}

// Duration is the wall time of the whole run.
func (r *RunReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
