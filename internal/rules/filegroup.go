package rules

import (
	"context"
	"encoding/json"
	"fmt"

	"kiln/internal/buildgraph"
)

// FilegroupAttrs configures the filegroup rule: the directory path
// (relative to the target's own output root) its merged tree is
// produced at.
type FilegroupAttrs struct {
	Output string `json:"output"`
}

// CanonicalBytes implements rulectx.CanonicalAttributes.
func (a FilegroupAttrs) CanonicalBytes() []byte {
	b, _ := json.Marshal(a)
	return b
}

func decodeFilegroupAttrs(raw json.RawMessage) (any, error) {
	var a FilegroupAttrs
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("rules: decode filegroup attributes: %w", err)
	}
	if a.Output == "" {
		return nil, fmt.Errorf("rules: filegroup: output is required")
	}
	return a, nil
}

// FilegroupRule implements the filegroup rule type: it overlays every
// artifact its "srcs" dependency exposes into one merged directory,
// via buildgraph's ActionKey mergeTrees variant.
type FilegroupRule struct{}

func (FilegroupRule) Evaluate(ctx context.Context, rc buildgraph.RuleContext) (*buildgraph.ProviderMap, error) {
	ct := rc.Target()
	attrs, ok := ct.Target.Attributes.(FilegroupAttrs)
	if !ok {
		return nil, fmt.Errorf("rules: filegroup: unexpected attributes type %T", ct.Target.Attributes)
	}

	inputs, err := filesOf(rc, "srcs")
	if err != nil {
		return nil, err
	}
	mergeInputs := make([]buildgraph.MergeInput, len(inputs))
	for i, art := range inputs {
		// Directories overlay at the merged root; files land at their
		// own short path within it.
		mi := buildgraph.MergeInput{Artifact: art}
		if art.Type != buildgraph.ArtifactDirectory {
			mi.Path = art.ShortPath
		}
		mergeInputs[i] = mi
	}

	idx, err := rc.DeclareArtifact(attrs.Output, buildgraph.ArtifactDirectory)
	if err != nil {
		return nil, err
	}

	actionIndex := rc.ActionCount()
	key := buildgraph.ActionKey{
		Variant:     buildgraph.ActionMergeTrees,
		Label:       ct.Label,
		MergeInputs: mergeInputs,
	}
	if err := rc.RegisterAction(key, []buildgraph.ArenaIndex{idx}, nil); err != nil {
		return nil, err
	}

	artifact := buildgraph.Artifact{
		Owner:     buildgraph.ArtifactOwner{ActionsOwnerID: string(ct.Label), ActionIndex: actionIndex, OutputIndex: 0},
		ShortPath: attrs.Output,
		Root:      ct.OutputRoot(ct.RootID),
		Type:      buildgraph.ArtifactDirectory,
	}

	providers := buildgraph.NewProviderMap()
	if err := providers.Add(buildgraph.Provider{TypeIdentifier: FilesProviderType, Value: FilesProvider{Files: []buildgraph.Artifact{artifact}}}); err != nil {
		return nil, err
	}
	return providers, nil
}
