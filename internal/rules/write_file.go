package rules

import (
	"context"
	"encoding/json"
	"fmt"

	"kiln/internal/action"
	"kiln/internal/buildgraph"
	"kiln/internal/filetree"
)

// WriteFileAttrs configures the write_file rule: the path (relative to
// the target's own output root) to create and the static content to
// put there.
type WriteFileAttrs struct {
	Output     string `json:"output"`
	Content    string `json:"content"`
	Executable bool   `json:"executable,omitempty"`
}

// CanonicalBytes implements rulectx.CanonicalAttributes.
func (a WriteFileAttrs) CanonicalBytes() []byte {
	b, _ := json.Marshal(a)
	return b
}

func decodeWriteFileAttrs(raw json.RawMessage) (any, error) {
	var a WriteFileAttrs
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("rules: decode write_file attributes: %w", err)
	}
	if a.Output == "" {
		return nil, fmt.Errorf("rules: write_file: output is required")
	}
	return a, nil
}

// WriteFileRule implements the write_file rule type: it declares one
// file (or executable) artifact and registers a static-content write
// action producing it directly, via buildgraph's ActionWrite variant.
type WriteFileRule struct{}

func (WriteFileRule) Evaluate(ctx context.Context, rc buildgraph.RuleContext) (*buildgraph.ProviderMap, error) {
	ct := rc.Target()
	attrs, ok := ct.Target.Attributes.(WriteFileAttrs)
	if !ok {
		return nil, fmt.Errorf("rules: write_file: unexpected attributes type %T", ct.Target.Attributes)
	}

	artifactType := buildgraph.ArtifactFile
	entryType := filetree.TypeFile
	if attrs.Executable {
		artifactType = buildgraph.ArtifactExecutable
		entryType = filetree.TypeExecutable
	}

	idx, err := rc.DeclareArtifact(attrs.Output, artifactType)
	if err != nil {
		return nil, err
	}

	actionIndex := rc.ActionCount()
	key := buildgraph.ActionKey{
		Variant:       buildgraph.ActionWrite,
		Label:         ct.Label,
		WriteContents: []byte(attrs.Content),
		WriteOutput:   action.DeclaredOutput{Path: attrs.Output, Type: entryType},
	}
	if err := rc.RegisterAction(key, []buildgraph.ArenaIndex{idx}, nil); err != nil {
		return nil, err
	}

	artifact := buildgraph.Artifact{
		Owner:     buildgraph.ArtifactOwner{ActionsOwnerID: string(ct.Label), ActionIndex: actionIndex, OutputIndex: 0},
		ShortPath: attrs.Output,
		Root:      ct.OutputRoot(ct.RootID),
		Type:      artifactType,
	}

	providers := buildgraph.NewProviderMap()
	if err := providers.Add(buildgraph.Provider{TypeIdentifier: FilesProviderType, Value: FilesProvider{Files: []buildgraph.Artifact{artifact}}}); err != nil {
		return nil, err
	}
	return providers, nil
}
