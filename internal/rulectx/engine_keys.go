package rulectx

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"

	"kiln/internal/buildgraph"
	"kiln/internal/engine"
	"kiln/internal/event"
)

// TargetResult is the value a ConfiguredTargetKeyType evaluation
// produces: the rule's exposed providers, plus its frozen artifacts and
// action table so dependents (and ResolveArtifact calls against those
// artifacts) can find them.
type TargetResult struct {
	Providers *buildgraph.ProviderMap
	Artifacts []buildgraph.Artifact
	Actions   []buildgraph.ActionKey
}

// Action implements buildgraph.ActionTable by indexing into a
// TargetResult, letting a single evaluated target double as the
// ActionTable its own artifacts' owners reference.
func (r *TargetResult) Action(ownerID string, index int) (buildgraph.ActionKey, error) {
	if index < 0 || index >= len(r.Actions) {
		return buildgraph.ActionKey{}, fmt.Errorf("rulectx: action index %d out of range for %q (%d actions)", index, ownerID, len(r.Actions))
	}
	return r.Actions[index], nil
}

// ResolvedDependencyProviders answers, for a target's dependency
// graph, what ProviderMaps its already-evaluated dependencies resolved
// to; implemented by the caller (typically backed by the engine's own
// cache, looking up each dependency label's ConfiguredTargetKeyType
// result).
type ResolvedDependencyProviders func(label buildgraph.Label) (*buildgraph.ProviderMap, error)

// ConfigurationFragments answers what configuration fragments are
// active for a target's ConfigurationKey, keyed by type identifier.
type ConfigurationFragments func(key buildgraph.ConfigurationKey) (map[string]any, error)

// ConfiguredTargetKeyType evaluates one ConfiguredTarget: resolving its
// dependencies' providers, running its rule via rules against a fresh
// Context, and freezing the result.
type ConfiguredTargetKeyType struct {
	Rules     *buildgraph.RuleRegistry
	Fragments ConfigurationFragments
	// Delegate receives the target lifecycle hooks; nil means none.
	Delegate event.Delegate
}

func (t ConfiguredTargetKeyType) delegate() event.Delegate {
	if t.Delegate == nil {
		return event.NopDelegate{}
	}
	return t.Delegate
}

func (ConfiguredTargetKeyType) Identifier() string { return "rulectx.ConfiguredTarget" }
func (ConfiguredTargetKeyType) Version() int       { return 1 }
func (ConfiguredTargetKeyType) VersionDependencies() []string {
	return []string{"buildgraph.ActionKey"}
}

// CanonicalAttributes is an optional interface a Target's Attributes
// payload can implement to participate in fingerprinting; a rule type
// whose Attributes doesn't implement it still fingerprints on label,
// rule type, configuration, and dependency labels, but changes to
// Attributes alone won't invalidate the cache.
type CanonicalAttributes interface {
	CanonicalBytes() []byte
}

// CanonicalTargetBytes encodes ct deterministically for fingerprinting.
func CanonicalTargetBytes(ct buildgraph.ConfiguredTarget) []byte {
	var buf []byte
	buf = appendLP(buf, []byte(ct.RootID))
	buf = appendLP(buf, []byte(ct.Label))
	buf = appendLP(buf, []byte(ct.ConfigurationKey))
	buf = appendLP(buf, []byte(ct.Target.RuleType))

	names := make([]string, 0, len(ct.Target.Dependencies))
	for name := range ct.Target.Dependencies {
		names = append(names, name)
	}
	sort.Strings(names)
	buf = appendUint64(buf, uint64(len(names)))
	for _, name := range names {
		dep := ct.Target.Dependencies[name]
		buf = appendLP(buf, []byte(name))
		buf = appendUint64(buf, uint64(dep.Kind))
		buf = appendLP(buf, []byte(dep.Single))
		buf = appendUint64(buf, uint64(len(dep.List)))
		for _, l := range dep.List {
			buf = appendLP(buf, []byte(l))
		}
	}

	if attrs, ok := ct.Target.Attributes.(CanonicalAttributes); ok {
		buf = appendLP(buf, attrs.CanonicalBytes())
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

// Evaluate is the engine.Func body for a ConfiguredTarget request: it
// resolves every dependency label's providers as a dynamic
// sub-request, then runs the target's rule against a fresh Context.
func (t ConfiguredTargetKeyType) Evaluate(ctx context.Context, reqCtx *engine.RequestContext, ct buildgraph.ConfiguredTarget, resolveDep ResolvedDependencyProviders) (*TargetResult, error) {
	delegate := t.delegate()
	delegate.TargetEvaluationRequested(string(ct.Label))
	var evalErr error
	defer func() { delegate.TargetEvaluationCompleted(string(ct.Label), evalErr) }()

	deps := make(DependencyResults, len(ct.Target.Dependencies))
	for _, dep := range ct.Target.Dependencies {
		labels := dep.List
		if dep.Kind == buildgraph.DependencySingle {
			if dep.Single == "" {
				continue
			}
			labels = []buildgraph.Label{dep.Single}
		}
		for _, label := range labels {
			if _, ok := deps[label]; ok {
				continue
			}
			pm, err := resolveDep(label)
			if err != nil {
				evalErr = fmt.Errorf("rulectx: resolve dependency %q: %w", label, err)
				return nil, evalErr
			}
			deps[label] = pm
		}
	}

	var fragments map[string]any
	if t.Fragments != nil {
		f, err := t.Fragments(ct.ConfigurationKey)
		if err != nil {
			evalErr = fmt.Errorf("rulectx: resolve configuration fragments: %w", err)
			return nil, evalErr
		}
		fragments = f
	}

	rc := New(ct, deps, fragments)
	providers, err := t.Rules.Evaluate(ctx, ct, rc)
	if err != nil {
		evalErr = fmt.Errorf("rulectx: evaluate target %q: %w", ct.Label, err)
		return nil, evalErr
	}
	artifacts, actions, err := rc.Freeze()
	if err != nil {
		evalErr = fmt.Errorf("rulectx: freeze target %q: %w", ct.Label, err)
		return nil, evalErr
	}
	return &TargetResult{Providers: providers, Artifacts: artifacts, Actions: actions}, nil
}
