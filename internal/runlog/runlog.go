// Package runlog persists build-invocation records: which request a
// run served, how it ended, and which keys it checkpointed. The
// function cache already makes re-evaluating an unchanged key cheap;
// runlog supplies the invocation-level bookkeeping the cache has no
// notion of, so a later `kiln build --mode resume-only` can tell
// whether a failed run is safe to pick up and which of its results
// are still intact. A run that never recorded its end (still
// "in-progress", e.g. after a crash) is not eligible.
package runlog

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Mode is the cache policy a run was invoked with.
type Mode string

const (
	ModeIncremental  Mode = "incremental"
	ModeForceRebuild Mode = "force-rebuild"
	ModeResumeOnly   Mode = "resume-only"
)

func (m Mode) valid() bool {
	switch m {
	case ModeIncremental, ModeForceRebuild, ModeResumeOnly:
		return true
	}
	return false
}

// Status is a run's lifecycle state.
type Status string

const (
	StatusInProgress Status = "in-progress"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
)

// Run is the persistent record of one build invocation.
type Run struct {
	ID      string    `json:"id"`
	Request string    `json:"request"`
	Labels  []string  `json:"labels"`
	Mode    Mode      `json:"mode"`
	Started time.Time `json:"started"`
	Status  Status    `json:"status"`
	// Retry and ResumedFrom link a resume-only run back to the failed
	// run it picks up from: Retry is the predecessor's Retry plus one,
	// ResumedFrom its ID. Both stay zero for a fresh run.
	Retry       int    `json:"retry,omitempty"`
	ResumedFrom string `json:"resumedFrom,omitempty"`
}

// Validate reports the first structural problem in r.
func (r Run) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("runlog: run has no id")
	}
	if strings.TrimSpace(r.Request) == "" {
		return fmt.Errorf("runlog: run %s has no request fingerprint", r.ID)
	}
	if len(r.Labels) == 0 {
		return fmt.Errorf("runlog: run %s names no labels", r.ID)
	}
	if !r.Mode.valid() {
		return fmt.Errorf("runlog: run %s has invalid mode %q", r.ID, r.Mode)
	}
	if r.Started.IsZero() {
		return fmt.Errorf("runlog: run %s has no start time", r.ID)
	}
	switch r.Status {
	case StatusInProgress, StatusSucceeded, StatusFailed:
	default:
		return fmt.Errorf("runlog: run %s has invalid status %q", r.ID, r.Status)
	}
	if r.Retry < 0 {
		return fmt.Errorf("runlog: run %s has negative retry count", r.ID)
	}
	if r.Retry > 0 && r.ResumedFrom == "" {
		return fmt.Errorf("runlog: run %s has a retry count but no predecessor", r.ID)
	}
	return nil
}

// NewRunID returns a fresh, unique run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// Checkpoint records that one engine key finished successfully during
// a run: the key, its fingerprint, and the CAS id its cached value
// points at. A later resume verifies the value id still resolves
// before trusting the checkpoint.
type Checkpoint struct {
	Key         string `json:"key"`
	Fingerprint string `json:"fingerprint"`
	Value       string `json:"value"`
}

// Validate reports the first structural problem in c.
func (c Checkpoint) Validate() error {
	if strings.TrimSpace(c.Key) == "" {
		return fmt.Errorf("runlog: checkpoint has no key")
	}
	if strings.TrimSpace(c.Fingerprint) == "" {
		return fmt.Errorf("runlog: checkpoint %s has no fingerprint", c.Key)
	}
	if strings.TrimSpace(c.Value) == "" {
		return fmt.Errorf("runlog: checkpoint %s has no value id", c.Key)
	}
	return nil
}

// Class names how a run terminated abnormally.
type Class string

const (
	// ClassCycle is a dependency cycle in the requested key graph.
	// Not resumable: the same graph will cycle again.
	ClassCycle Class = "cycle"
	// ClassWorkspace is a sandbox or executor-transport problem.
	// Resumable: the environment, not the request, failed.
	ClassWorkspace Class = "workspace"
	// ClassExecution is an action's own command failing. Resumable:
	// everything built before the failing action stays valid.
	ClassExecution Class = "execution"
	// ClassSystem is any other I/O or internal error. Resumable.
	ClassSystem Class = "system"
)

// Failure is a recorded run termination reason.
type Failure struct {
	Class     Class  `json:"class"`
	Key       string `json:"key,omitempty"`
	Message   string `json:"message"`
	Resumable bool   `json:"resumable"`
}

// Validate reports the first structural problem in f.
func (f Failure) Validate() error {
	switch f.Class {
	case ClassCycle, ClassWorkspace, ClassExecution, ClassSystem:
	default:
		return fmt.Errorf("runlog: invalid failure class %q", f.Class)
	}
	if strings.TrimSpace(f.Message) == "" {
		return fmt.Errorf("runlog: failure has no message")
	}
	return nil
}
