// ActionKey is the build-graph's node over the action layer: it
// names a command or tree-merge in terms of Artifacts rather than
// already-resolved DataIDs, and is the unit of fingerprinting and
// memoization the engine requests against.
package buildgraph

import (
	"fmt"
	"sort"
	"strings"

	"kiln/internal/action"
	"kiln/internal/cas"
	"kiln/internal/dataid"
	"kiln/internal/filetree"
)

// ActionVariant distinguishes ActionKey's cases.
type ActionVariant int

const (
	ActionCommand ActionVariant = iota
	ActionMergeTrees
	// ActionWrite is a static-content action recorded separately from
	// executable actions; its contents go into the CAS directly, never
	// through an Executor.
	ActionWrite
)

// MergeInput is one input to a mergeTrees action: an Artifact, and the
// path to overlay it at within the merged result (empty means the
// artifact's own root).
type MergeInput struct {
	Artifact Artifact
	Path     string
}

// ActionKey is a command invocation, tree merge, or static write
// expressed over Artifacts. Only the field group matching Variant is
// meaningful; the rest stay zero.
type ActionKey struct {
	Variant ActionVariant

	// Command fields.
	Spec                 action.Spec
	Inputs               []Artifact
	Outputs              []action.DeclaredOutput
	UnconditionalOutputs []action.DeclaredOutput
	Mnemonic             string
	Description          string
	DynamicIdentifier    string
	CacheableFailure     bool
	Label                Label

	// MergeTrees fields.
	MergeInputs []MergeInput

	// Write fields.
	WriteContents []byte
	WriteOutput   action.DeclaredOutput

	// ChainedInput, if non-nil, is the prior action's combined-log
	// artifact whose content is prepended to this action's own
	// stdout/stderr. It must also appear in Inputs.
	ChainedInput *Artifact
}

// ChainedInputNotInInputsError is a rule error: an ActionKey declared
// a ChainedInput artifact that does not appear in its Inputs, so the
// chained log could never be materialised for the command.
type ChainedInputNotInInputsError struct {
	ShortPath string
}

func (e *ChainedInputNotInInputsError) Error() string {
	return fmt.Sprintf("buildgraph: chained input %q does not appear in the action's inputs", e.ShortPath)
}

// MergeDirectoriesIntoFileError is a rule error: a merge-directories
// output path was already declared as a non-directory artifact.
type MergeDirectoriesIntoFileError struct {
	ShortPath    string
	ExistingType ArtifactType
}

func (e *MergeDirectoriesIntoFileError) Error() string {
	return fmt.Sprintf("buildgraph: cannot merge directories into %q: already declared with type %d", e.ShortPath, e.ExistingType)
}

// Validate checks the ActionKey's internal consistency, per the rule
// error taxonomy: a command's ChainedInput must appear among its
// Inputs.
func (k ActionKey) Validate() error {
	if k.Variant == ActionCommand && k.ChainedInput != nil {
		found := false
		for _, in := range k.Inputs {
			if in == *k.ChainedInput {
				found = true
				break
			}
		}
		if !found {
			return &ChainedInputNotInInputsError{ShortPath: k.ChainedInput.ShortPath}
		}
	}
	return nil
}

func (k ActionKey) Identifier() string {
	switch k.Variant {
	case ActionMergeTrees:
		return "buildgraph.ActionKey.mergeTrees"
	case ActionWrite:
		return "buildgraph.ActionKey.write"
	default:
		return "buildgraph.ActionKey.command:" + k.Mnemonic
	}
}

// ResolveWrite performs a write action directly against store: like
// mergeTrees, write has no external executor.
func (k ActionKey) ResolveWrite(store cas.Database) (dataid.DataID, error) {
	if k.Variant != ActionWrite {
		return dataid.DataID{}, fmt.Errorf("buildgraph: ResolveWrite called on a %v ActionKey", k.Variant)
	}
	return filetree.PutLargeFile(store, k.WriteContents, 4<<20, k.WriteOutput.Type)
}

func (k ActionKey) Version() int { return 1 }

func (k ActionKey) VersionDependencies() []string { return nil }

// ResolveCommand turns k (which must have Variant == ActionCommand)
// into an action.ExecutionRequest once every input Artifact's DataID
// is known, supplied by resolve (typically a lookup into already-built
// artifact results keyed by ArtifactOwner).
func (k ActionKey) ResolveCommand(resolve func(Artifact) (dataid.DataID, error)) (action.ExecutionRequest, error) {
	if k.Variant != ActionCommand {
		return action.ExecutionRequest{}, fmt.Errorf("buildgraph: ResolveCommand called on a %v ActionKey", k.Variant)
	}
	inputs := make([]action.ResolvedInput, len(k.Inputs))
	for i, art := range k.Inputs {
		id, err := resolve(art)
		if err != nil {
			return action.ExecutionRequest{}, fmt.Errorf("buildgraph: resolve input %q: %w", art.ShortPath, err)
		}
		inputs[i] = action.ResolvedInput{Path: art.ShortPath, Type: artifactEntryType(art.Type), ID: id}
	}
	req := action.ExecutionRequest{
		Spec:                 k.Spec,
		Inputs:               inputs,
		Outputs:              k.Outputs,
		UnconditionalOutputs: k.UnconditionalOutputs,
		DynamicIdentifier:    k.DynamicIdentifier,
	}
	if k.ChainedInput != nil {
		id, err := resolve(*k.ChainedInput)
		if err != nil {
			return action.ExecutionRequest{}, fmt.Errorf("buildgraph: resolve chained log input: %w", err)
		}
		req.BaseLogsID = id
	}
	return req, nil
}

func (k ActionKey) ResolveMergeTrees(store cas.Database, resolve func(Artifact) (dataid.DataID, error)) (dataid.DataID, error) {
	if k.Variant != ActionMergeTrees {
		return dataid.DataID{}, fmt.Errorf("buildgraph: ResolveMergeTrees called on a %v ActionKey", k.Variant)
	}
	sorted := make([]MergeInput, len(k.MergeInputs))
	copy(sorted, k.MergeInputs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	trees := make([]filetree.Tree, 0, len(sorted))
	for _, mi := range sorted {
		id, err := resolve(mi.Artifact)
		if err != nil {
			return dataid.DataID{}, fmt.Errorf("buildgraph: resolve merge input %q: %w", mi.Artifact.ShortPath, err)
		}
		var t filetree.Tree
		if mi.Path == "" {
			if mi.Artifact.Type != ArtifactDirectory {
				return dataid.DataID{}, fmt.Errorf("buildgraph: merge input %q overlays at the root but is not a directory; give it a path", mi.Artifact.ShortPath)
			}
			t, err = filetree.Load(store, id)
			if err != nil {
				return dataid.DataID{}, fmt.Errorf("buildgraph: load merge input %q: %w", mi.Artifact.ShortPath, err)
			}
		} else {
			t, err = wrapAtPath(store, mi.Path, artifactEntryType(mi.Artifact.Type), id)
			if err != nil {
				return dataid.DataID{}, fmt.Errorf("buildgraph: place merge input %q at %q: %w", mi.Artifact.ShortPath, mi.Path, err)
			}
		}
		trees = append(trees, t)
	}
	merged, err := filetree.Merge(store, trees)
	if err != nil {
		return dataid.DataID{}, fmt.Errorf("buildgraph: merge trees: %w", err)
	}
	return merged.ID, nil
}

// wrapAtPath builds a tree placing id at the slash-separated path,
// creating one nested directory object per intermediate segment so a
// multi-segment overlay path never violates the single-segment entry
// name rule.
func wrapAtPath(store cas.Database, path string, t filetree.EntryType, id dataid.DataID) (filetree.Tree, error) {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	tree, err := filetree.Create(store, []filetree.FileRef{{
		Entry: filetree.DirectoryEntry{Name: segments[len(segments)-1], Type: t},
		ID:    id,
	}})
	if err != nil {
		return filetree.Tree{}, err
	}
	for i := len(segments) - 2; i >= 0; i-- {
		tree, err = filetree.Create(store, []filetree.FileRef{{
			Entry: filetree.DirectoryEntry{Name: segments[i], Type: filetree.TypeDirectory},
			ID:    tree.ID,
		}})
		if err != nil {
			return filetree.Tree{}, err
		}
	}
	return tree, nil
}

func artifactEntryType(t ArtifactType) filetree.EntryType {
	switch t {
	case ArtifactExecutable:
		return filetree.TypeExecutable
	case ArtifactDirectory:
		return filetree.TypeDirectory
	default:
		return filetree.TypeFile
	}
}
