// Package rulectx implements the rule evaluation context: the
// object a Rule's Evaluate receives to declare artifacts, register the
// actions that produce them, and read its dependencies' providers.
package rulectx

import (
	"errors"
	"fmt"
	"sync"

	"kiln/internal/action"
	"kiln/internal/buildgraph"
	"kiln/internal/filetree"
)

// DependencyResults is what a rule's dependencies have already
// resolved to by the time the rule runs: one ProviderMap per
// dependency label, supplied by whatever already evaluated those
// ConfiguredTargets (internal/engine, via a ConfiguredTargetKeyType
// the CLI wires up).
type DependencyResults map[buildgraph.Label]*buildgraph.ProviderMap

// Context implements buildgraph.RuleContext for exactly one rule
// evaluation. Its Arena and action table are append-only and
// mutex-protected so a rule may declare artifacts and actions from
// parallel goroutines within its own Evaluate call; Freeze converts
// both into the immutable records the build graph persists.
type Context struct {
	target    ConfiguredTargetView
	deps      DependencyResults
	fragments map[string]any

	mu      sync.Mutex
	arena   *buildgraph.Arena
	actions []buildgraph.ActionKey
}

// ConfiguredTargetView is the subset of buildgraph.ConfiguredTarget a
// Context needs; kept as its own type so callers can construct a
// Context without importing buildgraph.ConfiguredTarget's full
// Target.Attributes shape if they don't need it.
type ConfiguredTargetView = buildgraph.ConfiguredTarget

// New returns a Context for evaluating target, with deps already
// resolved to their ProviderMaps and fragments holding the active
// configuration's fragments keyed by type identifier (see
// internal/config).
func New(target ConfiguredTargetView, deps DependencyResults, fragments map[string]any) *Context {
	return &Context{target: target, deps: deps, fragments: fragments, arena: buildgraph.NewArena()}
}

func (c *Context) Target() buildgraph.ConfiguredTarget { return c.target }

// ActionCount reports how many actions have been registered so far,
// per buildgraph.RuleContext.
func (c *Context) ActionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.actions)
}

// GetFragment reads the active configuration fragment registered
// under typeIdentifier.
func (c *Context) GetFragment(typeIdentifier string) (any, error) {
	v, ok := c.fragments[typeIdentifier]
	if !ok {
		return nil, fmt.Errorf("rulectx: no configuration fragment registered under %q", typeIdentifier)
	}
	return v, nil
}

// DeclareArtifact declares a derived artifact at shortPath. Declaring
// the same path twice with the same type returns the same index;
// declaring it with a different type is an error.
func (c *Context) DeclareArtifact(shortPath string, t buildgraph.ArtifactType) (buildgraph.ArenaIndex, error) {
	root := c.target.OutputRoot(c.target.RootID)
	return c.arena.Declare(shortPath, root, t)
}

// RegisterAction appends key to the context's action table and binds
// each of outputs/unconditionalOutputs to the resulting
// ArtifactOwner. Binding an already-bound artifact is an error, as is
// a key whose ChainedInput is missing from its Inputs.
func (c *Context) RegisterAction(key buildgraph.ActionKey, outputs []buildgraph.ArenaIndex, unconditionalOutputs []buildgraph.ArenaIndex) error {
	if err := key.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ownerID := string(c.target.Label)
	actionIndex := len(c.actions)
	c.actions = append(c.actions, key)

	for i, idx := range outputs {
		owner := buildgraph.ArtifactOwner{ActionsOwnerID: ownerID, ActionIndex: actionIndex, OutputIndex: i}
		if err := c.arena.Bind(idx, owner); err != nil {
			return err
		}
	}
	for i, idx := range unconditionalOutputs {
		owner := buildgraph.ArtifactOwner{ActionsOwnerID: ownerID, ActionIndex: actionIndex, OutputIndex: i, Unconditional: true}
		if err := c.arena.Bind(idx, owner); err != nil {
			return err
		}
	}
	return nil
}

// GetProvider fetches the single provider of typeIdentifier exposed by
// the single-label dependency named depName.
func (c *Context) GetProvider(depName string, typeIdentifier string) (any, error) {
	dep, err := c.resolveDependency(depName, buildgraph.DependencySingle)
	if err != nil {
		return nil, err
	}
	pm, ok := c.deps[dep.Single]
	if !ok {
		return nil, fmt.Errorf("rulectx: dependency %q (%s) not yet resolved", depName, dep.Single)
	}
	v, ok := pm.Get(typeIdentifier)
	if !ok {
		return nil, fmt.Errorf("rulectx: dependency %q (%s) has no provider %q", depName, dep.Single, typeIdentifier)
	}
	return v, nil
}

// GetProviders fetches the typeIdentifier provider from every member
// of the list-label dependency named depName, in declaration order.
func (c *Context) GetProviders(depName string, typeIdentifier string) ([]any, error) {
	dep, err := c.resolveDependency(depName, buildgraph.DependencyList)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(dep.List))
	for _, label := range dep.List {
		pm, ok := c.deps[label]
		if !ok {
			return nil, fmt.Errorf("rulectx: dependency %q (%s) not yet resolved", depName, label)
		}
		v, ok := pm.Get(typeIdentifier)
		if !ok {
			return nil, fmt.Errorf("rulectx: dependency %q (%s) has no provider %q", depName, label, typeIdentifier)
		}
		out = append(out, v)
	}
	return out, nil
}

func (c *Context) resolveDependency(name string, want buildgraph.DependencyKind) (buildgraph.Dependency, error) {
	dep, ok := c.target.Target.Dependencies[name]
	if !ok {
		return buildgraph.Dependency{}, &buildgraph.MissingDependencyNameError{Name: name}
	}
	if dep.Kind != want {
		return buildgraph.Dependency{}, &buildgraph.DependencyTypeMismatchError{Name: name, Expected: want, Got: dep.Kind}
	}
	return dep, nil
}

// Write declares outputPath as an artifact of type t and registers a
// static-content action producing it directly from contents, with no
// executor involved.
func (c *Context) Write(outputPath string, contents []byte, t buildgraph.ArtifactType) (buildgraph.ArenaIndex, error) {
	idx, err := c.DeclareArtifact(outputPath, t)
	if err != nil {
		return 0, err
	}
	key := buildgraph.ActionKey{
		Variant:       buildgraph.ActionWrite,
		Label:         buildgraph.Label(outputPath),
		WriteContents: contents,
		WriteOutput:   action.DeclaredOutput{Path: outputPath, Type: filetreeEntryType(t)},
	}
	if err := c.RegisterAction(key, []buildgraph.ArenaIndex{idx}, nil); err != nil {
		return 0, err
	}
	return idx, nil
}

// RegisterMergeDirectories declares outputPath as a directory artifact
// produced by overlaying inputs left-to-right.
func (c *Context) RegisterMergeDirectories(outputPath string, inputs []buildgraph.MergeInput) (buildgraph.ArenaIndex, error) {
	idx, err := c.DeclareArtifact(outputPath, buildgraph.ArtifactDirectory)
	if err != nil {
		var redecl *buildgraph.InvalidArtifactRedeclarationError
		if errors.As(err, &redecl) {
			return 0, &buildgraph.MergeDirectoriesIntoFileError{ShortPath: outputPath, ExistingType: redecl.ExistingType}
		}
		return 0, err
	}
	key := buildgraph.ActionKey{
		Variant:     buildgraph.ActionMergeTrees,
		Label:       buildgraph.Label(outputPath),
		MergeInputs: inputs,
	}
	if err := c.RegisterAction(key, []buildgraph.ArenaIndex{idx}, nil); err != nil {
		return 0, err
	}
	return idx, nil
}

func filetreeEntryType(t buildgraph.ArtifactType) filetree.EntryType {
	switch t {
	case buildgraph.ArtifactExecutable:
		return filetree.TypeExecutable
	case buildgraph.ArtifactDirectory:
		return filetree.TypeDirectory
	default:
		return filetree.TypeFile
	}
}

// Freeze converts the context's arena and action table into their
// immutable forms, to be persisted alongside the rule's ProviderMap.
func (c *Context) Freeze() ([]buildgraph.Artifact, []buildgraph.ActionKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	artifacts, err := c.arena.Freeze()
	if err != nil {
		return nil, nil, err
	}
	return artifacts, c.actions, nil
}
