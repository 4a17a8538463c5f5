package action

import (
	"kiln/internal/dataid"
	"kiln/internal/filetree"
)

// ResolvedInput is one action input after its owning Artifact has been
// resolved to a concrete CAS id.
type ResolvedInput struct {
	Path string
	Type filetree.EntryType
	ID   dataid.DataID
}

// DeclaredOutput is one output (or unconditional output) an action
// promises to produce at Path.
type DeclaredOutput struct {
	Path string
	Type filetree.EntryType
}

// PreAction is a command run before an action's main command, e.g. to
// start a helper the main command talks to.
type PreAction struct {
	Arguments   []string
	Environment map[string]string
	// Background, if true, is started but not waited on before the
	// main command runs.
	Background bool
}

// Spec is the command-line specification an executor runs.
type Spec struct {
	Arguments        []string
	Environment      map[string]string
	WorkingDirectory string
	PreActions       []PreAction
}

// ExecutionRequest is the fully resolved request an ActionKey produces
// once every input Artifact has been resolved to a DataID, ready to
// hand to an Executor.
type ExecutionRequest struct {
	Spec                 Spec
	Inputs               []ResolvedInput
	Outputs              []DeclaredOutput
	UnconditionalOutputs []DeclaredOutput
	// BaseLogsID, if non-zero, is the CAS id of a prior action's
	// combined log in a chained pipeline; this action's own stdout and
	// stderr are appended after it to form StdoutID in the response.
	BaseLogsID dataid.DataID
	// DynamicIdentifier selects a non-default Executor from a
	// Registry; it participates in the action's fingerprint so
	// changing it invalidates the cached result.
	DynamicIdentifier string
}

// ExecutionResponse is what an Executor returns. Outputs and
// UnconditionalOutputs are parallel to the request's declarations;
// UnconditionalOutputs are populated regardless of exit status.
type ExecutionResponse struct {
	Outputs              []dataid.DataID
	UnconditionalOutputs []dataid.DataID
	ExitCode             int
	StdoutID             dataid.DataID
	CachedFailure        bool
}

// MissingOutputError is a fatal (non-cacheable) error: the executor
// reported success but a declared file output was not produced.
type MissingOutputError struct {
	Path string
}

func (e *MissingOutputError) Error() string {
	return "action: missing expected output: " + e.Path
}

// TransportError wraps a failure to reach or invoke the executor
// itself, as distinct from the command it ran failing; always fatal,
// never cached.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "action: executor transport failure: " + e.Err.Error()
}
func (e *TransportError) Unwrap() error { return e.Err }
