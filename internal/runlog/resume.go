package runlog

import (
	"fmt"
)

// Eligibility decides whether a resume-only invocation may pick up a
// previous run. The rules:
//
//   - a previous run with the same request fingerprint must exist,
//   - it must have recorded a failure, and that failure must be
//     resumable (a cycle, for example, is not: the same graph cycles
//     again),
//   - each of its checkpoints counts only while the value id it
//     recorded still resolves in the CAS; checkpoints whose values
//     have been collected are reported as stale so the caller can
//     evict their function-cache entries and re-execute those keys.
type Eligibility struct {
	Store *Store
	// Contains reports whether the CAS still holds the object a
	// checkpoint's value id names.
	Contains func(valueID string) (bool, error)
}

// Resume is a positive eligibility decision: the run being resumed,
// the checkpoints that still hold, and the ones that no longer do.
type Resume struct {
	Previous Run
	Intact   []Checkpoint
	Stale    []Checkpoint
}

// NotResumableError is a negative eligibility decision, carrying the
// rule that failed.
type NotResumableError struct {
	Reason string
}

func (e *NotResumableError) Error() string {
	return "runlog: resume not permitted: " + e.Reason
}

// Check evaluates the resume rules for a new invocation with the
// given request fingerprint.
func (e *Eligibility) Check(request string) (*Resume, error) {
	if e.Store == nil {
		return nil, fmt.Errorf("runlog: eligibility needs a store")
	}
	if e.Contains == nil {
		return nil, fmt.Errorf("runlog: eligibility needs a CAS presence check")
	}

	runs, err := e.Store.Runs()
	if err != nil {
		return nil, err
	}
	var previous *Run
	for i := len(runs) - 1; i >= 0; i-- {
		if runs[i].Request == request && runs[i].Status == StatusFailed {
			previous = &runs[i]
			break
		}
	}
	if previous == nil {
		return nil, &NotResumableError{Reason: fmt.Sprintf("no failed run recorded for request %s", request)}
	}

	failure, ok, err := e.Store.LoadFailure(previous.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &NotResumableError{Reason: fmt.Sprintf("run %s recorded no failure", previous.ID)}
	}
	if !failure.Resumable {
		return nil, &NotResumableError{Reason: fmt.Sprintf("run %s failed with class %s, which is not resumable", previous.ID, failure.Class)}
	}

	checkpoints, err := e.Store.LoadCheckpoints(previous.ID)
	if err != nil {
		return nil, err
	}
	resume := &Resume{Previous: *previous}
	for _, cp := range checkpoints {
		present, err := e.Contains(cp.Value)
		if err != nil {
			return nil, fmt.Errorf("runlog: verify checkpoint %s: %w", cp.Key, err)
		}
		if present {
			resume.Intact = append(resume.Intact, cp)
		} else {
			resume.Stale = append(resume.Stale, cp)
		}
	}
	return resume, nil
}

// Link fills in the resume linkage on a new run picking up from
// resume's previous run.
func (r *Resume) Link(run *Run) {
	run.ResumedFrom = r.Previous.ID
	run.Retry = r.Previous.Retry + 1
}
