package rulectx

import (
	"context"
	"fmt"

	"kiln/internal/buildgraph"
	"kiln/internal/engine"
)

// UnknownTargetError is returned when a Driver is asked to evaluate or
// resolve a dependency on a label nothing in its target set declares.
type UnknownTargetError struct {
	Label buildgraph.Label
}

func (e *UnknownTargetError) Error() string {
	return fmt.Sprintf("rulectx: unknown target label %q", e.Label)
}

// Driver is the glue a build invocation needs between the engine
// and ConfiguredTargetKeyType: given a fixed set of
// unconfigured Targets under one ConfigurationKey, it requests each
// label's ConfiguredTarget through the engine, resolving dependency
// labels as further dynamic sub-requests exactly like
// internal/buildgraph.ResolveArtifact resolves an action's inputs.
type Driver struct {
	Targets   map[buildgraph.Label]buildgraph.Target
	RootID    string
	ConfigKey buildgraph.ConfigurationKey
	KeyType   ConfiguredTargetKeyType
}

// RequestTarget evaluates label's ConfiguredTarget as a dynamic
// sub-request of reqCtx, recursively resolving every dependency label
// the same way. The top-level caller supplies the outermost reqCtx via
// engine.Engine.Evaluate (see BuildTarget).
func (d *Driver) RequestTarget(ctx context.Context, reqCtx *engine.RequestContext, label buildgraph.Label) (*TargetResult, error) {
	target, ok := d.Targets[label]
	if !ok {
		return nil, &UnknownTargetError{Label: label}
	}
	ct := buildgraph.ConfiguredTarget{RootID: d.RootID, Label: label, ConfigurationKey: d.ConfigKey, Target: target}
	canonical := CanonicalTargetBytes(ct)

	_, value, err := reqCtx.Request(ctx, d.KeyType, canonical, func(ctx context.Context, sub *engine.RequestContext) (any, string, error) {
		resolveDep := func(depLabel buildgraph.Label) (*buildgraph.ProviderMap, error) {
			res, err := d.RequestTarget(ctx, sub, depLabel)
			if err != nil {
				return nil, err
			}
			return res.Providers, nil
		}
		result, err := d.KeyType.Evaluate(ctx, sub, ct, resolveDep)
		if err != nil {
			return nil, "", err
		}
		return result, "rulectx.TargetResult", nil
	})
	if err != nil {
		return nil, err
	}
	result, ok := value.(*TargetResult)
	if !ok {
		return nil, fmt.Errorf("rulectx: unexpected target result type %T for %q", value, label)
	}
	return result, nil
}

// BuildTarget is a top-level entrypoint for one requested label: it
// opens a fresh top-level engine request (no requester, so no
// cycle-detection edge above it) and drives RequestTarget from there.
// internal/cli does not use it; its own outer key type calls
// RequestTarget directly.
func (d *Driver) BuildTarget(ctx context.Context, eng *engine.Engine, label buildgraph.Label) (*TargetResult, error) {
	// topLevelKeyType is unexported, so callers can't register it
	// themselves; registration is idempotent, so doing it per call is
	// harmless.
	eng.RegisterType(topLevelKeyType{})
	_, value, err := eng.Evaluate(ctx, topLevelKeyType{}, []byte(label), func(ctx context.Context, reqCtx *engine.RequestContext) (any, string, error) {
		result, err := d.RequestTarget(ctx, reqCtx, label)
		if err != nil {
			return nil, "", err
		}
		return result, "rulectx.TargetResult", nil
	})
	if err != nil {
		return nil, err
	}
	result, ok := value.(*TargetResult)
	if !ok {
		return nil, fmt.Errorf("rulectx: unexpected top-level result type %T for %q", value, label)
	}
	return result, nil
}

// topLevelKeyType is a thin wrapper KeyType for the one request a
// BuildTarget call makes directly against the engine; its own
// fingerprint never reaches the function cache on its own (the inner
// RequestTarget call does the real, independently-cacheable work), so
// its version never needs to change.
type topLevelKeyType struct{}

func (topLevelKeyType) Identifier() string            { return "rulectx.BuildTarget" }
func (topLevelKeyType) Version() int                  { return 1 }
func (topLevelKeyType) VersionDependencies() []string { return []string{"rulectx.ConfiguredTarget"} }
