package rules

import (
	"context"
	"testing"

	"kiln/internal/buildgraph"
	"kiln/internal/rulectx"
)

func evaluate(t *testing.T, target buildgraph.Target, deps rulectx.DependencyResults) (*buildgraph.ProviderMap, []buildgraph.Artifact, []buildgraph.ActionKey) {
	t.Helper()
	ct := buildgraph.ConfiguredTarget{
		RootID:           "cfg-root",
		Label:            target.Label,
		ConfigurationKey: "default",
		Target:           target,
	}
	rc := rulectx.New(ct, deps, nil)
	reg := buildgraph.NewRuleRegistry()
	Register(reg)
	providers, err := reg.Evaluate(context.Background(), ct, rc)
	if err != nil {
		t.Fatalf("evaluate %s: %v", target.Label, err)
	}
	artifacts, actions, err := rc.Freeze()
	if err != nil {
		t.Fatalf("freeze %s: %v", target.Label, err)
	}
	return providers, artifacts, actions
}

func files(t *testing.T, providers *buildgraph.ProviderMap) []buildgraph.Artifact {
	t.Helper()
	v, ok := providers.Get(FilesProviderType)
	if !ok {
		t.Fatal("expected a FilesProvider")
	}
	return v.(FilesProvider).Files
}

func TestWriteFile_DeclaresOneWriteAction(t *testing.T) {
	providers, artifacts, actions := evaluate(t, buildgraph.Target{
		Label:      "//pkg:greeting",
		RuleType:   RuleTypeWriteFile,
		Attributes: WriteFileAttrs{Output: "greeting.txt", Content: "hello"},
	}, nil)

	if len(actions) != 1 || actions[0].Variant != buildgraph.ActionWrite {
		t.Fatalf("expected one write action, got %+v", actions)
	}
	if string(actions[0].WriteContents) != "hello" {
		t.Fatalf("unexpected write contents %q", actions[0].WriteContents)
	}
	if len(artifacts) != 1 || artifacts[0].ShortPath != "greeting.txt" {
		t.Fatalf("unexpected artifacts %+v", artifacts)
	}
	exposed := files(t, providers)
	if len(exposed) != 1 || exposed[0].Owner.ActionIndex != 0 {
		t.Fatalf("unexpected provider files %+v", exposed)
	}
}

func TestWriteFile_ExecutableType(t *testing.T) {
	_, artifacts, _ := evaluate(t, buildgraph.Target{
		Label:      "//pkg:tool",
		RuleType:   RuleTypeWriteFile,
		Attributes: WriteFileAttrs{Output: "tool.sh", Content: "#!/bin/sh\n", Executable: true},
	}, nil)
	if artifacts[0].Type != buildgraph.ArtifactExecutable {
		t.Fatalf("expected executable artifact, got %v", artifacts[0].Type)
	}
}

func srcsDep(label buildgraph.Label, arts ...buildgraph.Artifact) (map[string]buildgraph.Dependency, rulectx.DependencyResults) {
	pm := buildgraph.NewProviderMap()
	_ = pm.Add(buildgraph.Provider{TypeIdentifier: FilesProviderType, Value: FilesProvider{Files: arts}})
	deps := map[string]buildgraph.Dependency{
		"srcs": {Kind: buildgraph.DependencyList, List: []buildgraph.Label{label}},
	}
	return deps, rulectx.DependencyResults{label: pm}
}

func TestGenrule_WiresDependencyFilesAsInputs(t *testing.T) {
	src := buildgraph.Artifact{
		Owner:     buildgraph.ArtifactOwner{ActionsOwnerID: "//pkg:src", ActionIndex: 0, OutputIndex: 0},
		ShortPath: "src.txt",
	}
	deps, results := srcsDep("//pkg:src", src)

	providers, _, actions := evaluate(t, buildgraph.Target{
		Label:        "//pkg:gen",
		RuleType:     RuleTypeGenrule,
		Dependencies: deps,
		Attributes: GenruleAttrs{
			Outputs:   []string{"a.out", "b.out"},
			Arguments: []string{"sh", "-c", "true"},
			Mnemonic:  "TestGen",
		},
	}, results)

	if len(actions) != 1 || actions[0].Variant != buildgraph.ActionCommand {
		t.Fatalf("expected one command action, got %+v", actions)
	}
	if len(actions[0].Inputs) != 1 || actions[0].Inputs[0].ShortPath != "src.txt" {
		t.Fatalf("dependency files not wired as inputs: %+v", actions[0].Inputs)
	}
	exposed := files(t, providers)
	if len(exposed) != 2 || exposed[1].Owner.OutputIndex != 1 {
		t.Fatalf("unexpected output artifacts %+v", exposed)
	}
}

func TestFilegroup_PlacesFilesAtShortPaths(t *testing.T) {
	fileArt := buildgraph.Artifact{
		Owner:     buildgraph.ArtifactOwner{ActionsOwnerID: "//pkg:src", ActionIndex: 0, OutputIndex: 0},
		ShortPath: "docs/readme.txt",
		Type:      buildgraph.ArtifactFile,
	}
	dirArt := buildgraph.Artifact{
		Owner:     buildgraph.ArtifactOwner{ActionsOwnerID: "//pkg:src", ActionIndex: 1, OutputIndex: 0},
		ShortPath: "assets",
		Type:      buildgraph.ArtifactDirectory,
	}
	deps, results := srcsDep("//pkg:src", fileArt, dirArt)

	_, artifacts, actions := evaluate(t, buildgraph.Target{
		Label:        "//pkg:group",
		RuleType:     RuleTypeFilegroup,
		Dependencies: deps,
		Attributes:   FilegroupAttrs{Output: "merged"},
	}, results)

	if len(actions) != 1 || actions[0].Variant != buildgraph.ActionMergeTrees {
		t.Fatalf("expected one merge action, got %+v", actions)
	}
	inputs := actions[0].MergeInputs
	if len(inputs) != 2 {
		t.Fatalf("expected 2 merge inputs, got %d", len(inputs))
	}
	if inputs[0].Path != "docs/readme.txt" {
		t.Fatalf("file input should overlay at its short path, got %q", inputs[0].Path)
	}
	if inputs[1].Path != "" {
		t.Fatalf("directory input should overlay at the root, got %q", inputs[1].Path)
	}
	if artifacts[0].Type != buildgraph.ArtifactDirectory {
		t.Fatalf("merged output must be a directory, got %v", artifacts[0].Type)
	}
}

func TestAttributeDecoders_RejectBadAttrs(t *testing.T) {
	decoders := AttributeDecoders()
	if _, err := decoders[RuleTypeWriteFile]([]byte(`{"content":"x"}`)); err == nil {
		t.Fatal("expected write_file without output to be rejected")
	}
	if _, err := decoders[RuleTypeGenrule]([]byte(`{"arguments":["true"]}`)); err == nil {
		t.Fatal("expected genrule without outputs to be rejected")
	}
	if _, err := decoders[RuleTypeFilegroup]([]byte(`{}`)); err == nil {
		t.Fatal("expected filegroup without output to be rejected")
	}
}
