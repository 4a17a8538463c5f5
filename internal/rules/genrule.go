package rules

import (
	"context"
	"encoding/json"
	"fmt"

	"kiln/internal/action"
	"kiln/internal/buildgraph"
	"kiln/internal/filetree"
)

// GenruleAttrs configures the genrule rule: an arbitrary command run
// over the files its "srcs" dependency exposes, producing the declared
// Outputs paths (relative to the target's own output root).
type GenruleAttrs struct {
	Outputs          []string          `json:"outputs"`
	Arguments        []string          `json:"arguments"`
	Environment      map[string]string `json:"environment,omitempty"`
	WorkingDirectory string            `json:"workingDirectory,omitempty"`
	Mnemonic         string            `json:"mnemonic,omitempty"`
	Description      string            `json:"description,omitempty"`
	CacheableFailure bool              `json:"cacheableFailure,omitempty"`
}

// CanonicalBytes implements rulectx.CanonicalAttributes.
func (a GenruleAttrs) CanonicalBytes() []byte {
	b, _ := json.Marshal(a)
	return b
}

func decodeGenruleAttrs(raw json.RawMessage) (any, error) {
	var a GenruleAttrs
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("rules: decode genrule attributes: %w", err)
	}
	if len(a.Outputs) == 0 {
		return nil, fmt.Errorf("rules: genrule: at least one output is required")
	}
	if a.Mnemonic == "" {
		a.Mnemonic = "Genrule"
	}
	return a, nil
}

// GenruleRule implements the genrule rule type: it runs an arbitrary
// command over the artifacts its "srcs" dependency exposes and
// declares one file artifact per entry in Outputs.
type GenruleRule struct{}

func (GenruleRule) Evaluate(ctx context.Context, rc buildgraph.RuleContext) (*buildgraph.ProviderMap, error) {
	ct := rc.Target()
	attrs, ok := ct.Target.Attributes.(GenruleAttrs)
	if !ok {
		return nil, fmt.Errorf("rules: genrule: unexpected attributes type %T", ct.Target.Attributes)
	}

	inputArtifacts, err := filesOf(rc, "srcs")
	if err != nil {
		return nil, err
	}

	outputs := make([]action.DeclaredOutput, len(attrs.Outputs))
	indices := make([]buildgraph.ArenaIndex, len(attrs.Outputs))
	for i, path := range attrs.Outputs {
		idx, err := rc.DeclareArtifact(path, buildgraph.ArtifactFile)
		if err != nil {
			return nil, err
		}
		indices[i] = idx
		outputs[i] = action.DeclaredOutput{Path: path, Type: filetree.TypeFile}
	}

	actionIndex := rc.ActionCount()
	key := buildgraph.ActionKey{
		Variant: buildgraph.ActionCommand,
		Spec: action.Spec{
			Arguments:        attrs.Arguments,
			Environment:      attrs.Environment,
			WorkingDirectory: attrs.WorkingDirectory,
		},
		Inputs:           inputArtifacts,
		Outputs:          outputs,
		Mnemonic:         attrs.Mnemonic,
		Description:      attrs.Description,
		CacheableFailure: attrs.CacheableFailure,
		Label:            ct.Label,
	}
	if err := rc.RegisterAction(key, indices, nil); err != nil {
		return nil, err
	}

	files := make([]buildgraph.Artifact, len(attrs.Outputs))
	for i, path := range attrs.Outputs {
		files[i] = buildgraph.Artifact{
			Owner:     buildgraph.ArtifactOwner{ActionsOwnerID: string(ct.Label), ActionIndex: actionIndex, OutputIndex: i},
			ShortPath: path,
			Root:      ct.OutputRoot(ct.RootID),
			Type:      buildgraph.ArtifactFile,
		}
	}

	providers := buildgraph.NewProviderMap()
	if err := providers.Add(buildgraph.Provider{TypeIdentifier: FilesProviderType, Value: FilesProvider{Files: files}}); err != nil {
		return nil, err
	}
	return providers, nil
}
