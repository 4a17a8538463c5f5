// Engine integration glue for the build-graph layer: KeyType
// implementations that let internal/engine memoize action
// execution and artifact resolution exactly like any other key,
// establishing dynamic-dependency edges as artifacts are resolved.
package buildgraph

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"

	"kiln/internal/action"
	"kiln/internal/cas"
	"kiln/internal/dataid"
	"kiln/internal/engine"
	"kiln/internal/event"
)

// ActionResult is the value an ActionKeyType evaluation produces: the
// resolved output ids for both required and unconditional outputs,
// addressable by OutputIndex exactly as ArtifactOwner names them.
type ActionResult struct {
	Outputs              []dataid.DataID
	UnconditionalOutputs []dataid.DataID
	// Failed and FailureMessage record a cacheable failure as a cached
	// value rather than a propagated error.
	Failed         bool
	FailureMessage string
}

// ActionTable answers "what ActionKeys did this ConfiguredTarget's
// rule register", keyed by the ActionsOwnerID an ArtifactOwner and
// ActionKeyType request both use to find one another. Implemented by
// internal/rulectx's frozen per-target action list.
type ActionTable interface {
	Action(ownerID string, index int) (ActionKey, error)
}

// ActionKeyType evaluates one ActionKey: resolving its input Artifacts
// (recursively, as dynamic sub-requests of the same engine request),
// then running the command through executors or performing the tree
// merge directly.
type ActionKeyType struct {
	Store     cas.Database
	Actions   ActionTable
	Executors *action.Registry
	// Delegate receives the action lifecycle hooks; nil means none.
	Delegate event.Delegate
}

func (t ActionKeyType) delegate() event.Delegate {
	if t.Delegate == nil {
		return event.NopDelegate{}
	}
	return t.Delegate
}

func (ActionKeyType) Identifier() string            { return "buildgraph.ActionKey" }
func (ActionKeyType) Version() int                  { return 1 }
func (ActionKeyType) VersionDependencies() []string { return nil }

// CanonicalActionBytes encodes owner/index/key deterministically for
// use as the engine request's fingerprinting input: every
// variable-length field is length-prefixed and map fields are sorted
// before encoding, so equal keys always produce equal bytes.
func CanonicalActionBytes(ownerID string, index int, key ActionKey) []byte {
	var buf []byte
	buf = appendLP(buf, []byte(ownerID))
	buf = appendUint64(buf, uint64(index))
	buf = appendUint64(buf, uint64(key.Variant))
	buf = appendLP(buf, []byte(key.Mnemonic))
	buf = appendLP(buf, []byte(key.Label))
	if key.Variant == ActionCommand {
		buf = appendUint64(buf, uint64(len(key.Spec.Arguments)))
		for _, a := range key.Spec.Arguments {
			buf = appendLP(buf, []byte(a))
		}
		buf = appendLP(buf, []byte(key.Spec.WorkingDirectory))
		buf = appendSortedEnv(buf, key.Spec.Environment)
		buf = appendUint64(buf, uint64(len(key.Inputs)))
		for _, in := range key.Inputs {
			buf = appendLP(buf, []byte(in.ShortPath))
		}
		buf = appendUint64(buf, uint64(len(key.Outputs)))
		for _, out := range key.Outputs {
			buf = appendLP(buf, []byte(out.Path))
		}
		buf = appendUint64(buf, uint64(len(key.UnconditionalOutputs)))
		for _, out := range key.UnconditionalOutputs {
			buf = appendLP(buf, []byte(out.Path))
		}
		buf = appendLP(buf, []byte(key.DynamicIdentifier))
	} else if key.Variant == ActionMergeTrees {
		sorted := make([]MergeInput, len(key.MergeInputs))
		copy(sorted, key.MergeInputs)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })
		buf = appendUint64(buf, uint64(len(sorted)))
		for _, mi := range sorted {
			buf = appendLP(buf, []byte(mi.Path))
			buf = appendLP(buf, []byte(mi.Artifact.ShortPath))
		}
	} else {
		buf = appendLP(buf, key.WriteContents)
		buf = appendLP(buf, []byte(key.WriteOutput.Path))
	}
	if key.ChainedInput != nil {
		buf = appendLP(buf, []byte(key.ChainedInput.ShortPath))
	}
	return buf
}

func appendLP(buf, b []byte) []byte {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(b)))
	buf = append(buf, n[:]...)
	return append(buf, b...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], v)
	return append(buf, n[:]...)
}

func appendSortedEnv(buf []byte, env map[string]string) []byte {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf = appendUint64(buf, uint64(len(keys)))
	for _, k := range keys {
		buf = appendLP(buf, []byte(k+"="+env[k]))
	}
	return buf
}

// EvaluateAction is the engine.Func body for an ActionKey request: it
// resolves every input artifact as a dynamic dependency via reqCtx,
// then dispatches to the executor registry (command) or performs the
// merge inline (mergeTrees).
func (t ActionKeyType) EvaluateAction(ctx context.Context, reqCtx *engine.RequestContext, ownerID string, index int, key ActionKey) (ActionResult, error) {
	resolve := func(art Artifact) (dataid.DataID, error) {
		return resolveArtifact(ctx, reqCtx, t, art)
	}

	desc := event.ActionDescriptor{Identifier: key.Identifier(), Mnemonic: key.Mnemonic, Description: key.Description, OwnerLabel: ownerID}
	delegate := t.delegate()
	delegate.ActionScheduled(desc)
	var scheduleErr error
	defer func() { delegate.ActionCompleted(desc, scheduleErr) }()

	switch key.Variant {
	case ActionMergeTrees:
		id, err := key.ResolveMergeTrees(t.Store, resolve)
		if err != nil {
			scheduleErr = err
			return ActionResult{}, err
		}
		return ActionResult{Outputs: []dataid.DataID{id}}, nil
	case ActionWrite:
		id, err := key.ResolveWrite(t.Store)
		if err != nil {
			scheduleErr = err
			return ActionResult{}, err
		}
		return ActionResult{Outputs: []dataid.DataID{id}}, nil
	}

	req, err := key.ResolveCommand(resolve)
	if err != nil {
		scheduleErr = err
		return ActionResult{}, err
	}

	delegate.ActionExecutionStarted(desc)
	resp, err := t.Executors.Execute(ctx, req)
	if err != nil {
		// Transport-level failures are fatal and never cached, even for
		// cacheableFailure actions; only the command's own non-zero
		// exit is cacheable data.
		delegate.ActionExecutionCompleted(desc, event.ActionResult{ExitCode: -1})
		scheduleErr = err
		return ActionResult{}, err
	}
	delegate.ActionExecutionCompleted(desc, event.ActionResult{ExitCode: resp.ExitCode, CachedFailure: resp.CachedFailure})
	if resp.ExitCode != 0 {
		if key.CacheableFailure {
			return ActionResult{Failed: true, FailureMessage: fmt.Sprintf("exit code %d", resp.ExitCode), UnconditionalOutputs: resp.UnconditionalOutputs}, nil
		}
		scheduleErr = fmt.Errorf("buildgraph: action %q exited %d", key.Label, resp.ExitCode)
		return ActionResult{}, scheduleErr
	}
	return ActionResult{Outputs: resp.Outputs, UnconditionalOutputs: resp.UnconditionalOutputs}, nil
}

// ArtifactResolutionError wraps a failure to resolve a derived
// artifact back to its owning action's output.
type ArtifactResolutionError struct {
	ShortPath string
	Err       error
}

func (e *ArtifactResolutionError) Error() string {
	return fmt.Sprintf("buildgraph: resolve artifact %q: %v", e.ShortPath, e.Err)
}
func (e *ArtifactResolutionError) Unwrap() error { return e.Err }

// CachedActionFailureError is a dependent-facing error surfaced when a
// cacheableFailure action's cached result records a failure; distinct
// from a fresh execution error since it never re-runs the action.
type CachedActionFailureError struct {
	Message string
}

func (e *CachedActionFailureError) Error() string {
	return "buildgraph: cached action failure: " + e.Message
}

// ResolveArtifact resolves art to a concrete DataID: directly, if it
// is a source artifact, or by requesting (and memoizing) the
// evaluation of its owning ActionKey through reqCtx otherwise.
func ResolveArtifact(ctx context.Context, reqCtx *engine.RequestContext, store cas.Database, actions ActionTable, executors *action.Registry, art Artifact) (dataid.DataID, error) {
	return resolveArtifact(ctx, reqCtx, ActionKeyType{Store: store, Actions: actions, Executors: executors}, art)
}

// ResolveArtifactWith is ResolveArtifact for a caller that already has
// a fully configured ActionKeyType (in particular, one with a
// Delegate set): a top-level build invocation resolving a target's own
// exposed outputs, rather than an action resolving another action's
// input.
func ResolveArtifactWith(ctx context.Context, reqCtx *engine.RequestContext, kt ActionKeyType, art Artifact) (dataid.DataID, error) {
	return resolveArtifact(ctx, reqCtx, kt, art)
}

func resolveArtifact(ctx context.Context, reqCtx *engine.RequestContext, kt ActionKeyType, art Artifact) (dataid.DataID, error) {
	if art.IsSource {
		return art.SourceID, nil
	}

	owner := art.Owner
	key, err := kt.Actions.Action(owner.ActionsOwnerID, owner.ActionIndex)
	if err != nil {
		return dataid.DataID{}, &ArtifactResolutionError{ShortPath: art.ShortPath, Err: err}
	}

	canonical := CanonicalActionBytes(owner.ActionsOwnerID, owner.ActionIndex, key)

	_, value, err := reqCtx.Request(ctx, kt, canonical, func(ctx context.Context, sub *engine.RequestContext) (any, string, error) {
		result, err := kt.EvaluateAction(ctx, sub, owner.ActionsOwnerID, owner.ActionIndex, key)
		if err != nil {
			return nil, "", err
		}
		return result, "buildgraph.ActionResult", nil
	})
	if err != nil {
		return dataid.DataID{}, &ArtifactResolutionError{ShortPath: art.ShortPath, Err: err}
	}

	result, ok := value.(ActionResult)
	if !ok {
		return dataid.DataID{}, &ArtifactResolutionError{ShortPath: art.ShortPath, Err: fmt.Errorf("unexpected action result type %T", value)}
	}
	if result.Failed {
		return dataid.DataID{}, &ArtifactResolutionError{ShortPath: art.ShortPath, Err: &CachedActionFailureError{Message: result.FailureMessage}}
	}

	outs := result.Outputs
	if owner.Unconditional {
		outs = result.UnconditionalOutputs
	}
	if owner.OutputIndex < 0 || owner.OutputIndex >= len(outs) {
		return dataid.DataID{}, &ArtifactResolutionError{ShortPath: art.ShortPath, Err: fmt.Errorf("output index %d out of range (%d outputs)", owner.OutputIndex, len(outs))}
	}
	return outs[owner.OutputIndex], nil
}
