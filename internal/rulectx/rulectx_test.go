package rulectx

import (
	"errors"
	"testing"

	"kiln/internal/action"
	"kiln/internal/buildgraph"
	"kiln/internal/dataid"
)

func testTarget(deps map[string]buildgraph.Dependency) ConfiguredTargetView {
	return buildgraph.ConfiguredTarget{
		RootID:           "root",
		Label:            "//pkg:tgt",
		ConfigurationKey: "default",
		Target: buildgraph.Target{
			Label:        "//pkg:tgt",
			RuleType:     "test_rule",
			Dependencies: deps,
		},
	}
}

func TestDeclareArtifact_IdempotentSamePath(t *testing.T) {
	c := New(testTarget(nil), nil, nil)
	first, err := c.DeclareArtifact("out.txt", buildgraph.ArtifactFile)
	if err != nil {
		t.Fatalf("first declare: %v", err)
	}
	second, err := c.DeclareArtifact("out.txt", buildgraph.ArtifactFile)
	if err != nil {
		t.Fatalf("second declare: %v", err)
	}
	if first != second {
		t.Fatalf("expected identical arena index on redeclaration, got %d and %d", first, second)
	}
}

func TestDeclareArtifact_RedeclareDifferentTypeFails(t *testing.T) {
	c := New(testTarget(nil), nil, nil)
	if _, err := c.DeclareArtifact("out", buildgraph.ArtifactFile); err != nil {
		t.Fatalf("declare: %v", err)
	}
	_, err := c.DeclareArtifact("out", buildgraph.ArtifactDirectory)
	var redecl *buildgraph.InvalidArtifactRedeclarationError
	if !errors.As(err, &redecl) {
		t.Fatalf("expected *InvalidArtifactRedeclarationError, got %T: %v", err, err)
	}
}

func TestRegisterAction_ChainedInputNotInInputs(t *testing.T) {
	c := New(testTarget(nil), nil, nil)
	idx, err := c.DeclareArtifact("out.txt", buildgraph.ArtifactFile)
	if err != nil {
		t.Fatalf("declare: %v", err)
	}
	chained := buildgraph.Artifact{
		Owner:     buildgraph.ArtifactOwner{ActionsOwnerID: "other", ActionIndex: 0, OutputIndex: 0},
		ShortPath: "logs.txt",
	}
	key := buildgraph.ActionKey{
		Variant:      buildgraph.ActionCommand,
		Spec:         action.Spec{Arguments: []string{"true"}},
		Outputs:      []action.DeclaredOutput{{Path: "out.txt"}},
		Label:        "//pkg:tgt",
		ChainedInput: &chained,
	}
	err = c.RegisterAction(key, []buildgraph.ArenaIndex{idx}, nil)
	var notIn *buildgraph.ChainedInputNotInInputsError
	if !errors.As(err, &notIn) {
		t.Fatalf("expected *ChainedInputNotInInputsError, got %T: %v", err, err)
	}

	// The same key with the chained artifact listed among its inputs
	// registers cleanly.
	key.Inputs = []buildgraph.Artifact{chained}
	if err := c.RegisterAction(key, []buildgraph.ArenaIndex{idx}, nil); err != nil {
		t.Fatalf("register with chained input present: %v", err)
	}
}

func TestRegisterAction_DoubleBindFails(t *testing.T) {
	c := New(testTarget(nil), nil, nil)
	idx, err := c.DeclareArtifact("out.txt", buildgraph.ArtifactFile)
	if err != nil {
		t.Fatalf("declare: %v", err)
	}
	key := buildgraph.ActionKey{
		Variant: buildgraph.ActionWrite,
		Label:   "//pkg:tgt",
		WriteOutput: action.DeclaredOutput{
			Path: "out.txt",
		},
	}
	if err := c.RegisterAction(key, []buildgraph.ArenaIndex{idx}, nil); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err = c.RegisterAction(key, []buildgraph.ArenaIndex{idx}, nil)
	var already *buildgraph.OutputAlreadyRegisteredError
	if !errors.As(err, &already) {
		t.Fatalf("expected *OutputAlreadyRegisteredError, got %T: %v", err, err)
	}
}

func TestRegisterMergeDirectories_IntoFileFails(t *testing.T) {
	c := New(testTarget(nil), nil, nil)
	if _, err := c.Write("merged", []byte("not a directory"), buildgraph.ArtifactFile); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := c.RegisterMergeDirectories("merged", nil)
	var intoFile *buildgraph.MergeDirectoriesIntoFileError
	if !errors.As(err, &intoFile) {
		t.Fatalf("expected *MergeDirectoriesIntoFileError, got %T: %v", err, err)
	}
}

func TestFreeze_UnboundArtifactFails(t *testing.T) {
	c := New(testTarget(nil), nil, nil)
	if _, err := c.DeclareArtifact("never-bound.txt", buildgraph.ArtifactFile); err != nil {
		t.Fatalf("declare: %v", err)
	}
	_, _, err := c.Freeze()
	var unbound *buildgraph.UnboundArtifactError
	if !errors.As(err, &unbound) {
		t.Fatalf("expected *UnboundArtifactError, got %T: %v", err, err)
	}
}

func TestGetProvider_KindMismatch(t *testing.T) {
	deps := map[string]buildgraph.Dependency{
		"srcs": {Kind: buildgraph.DependencyList, List: []buildgraph.Label{"//pkg:dep"}},
	}
	pm := buildgraph.NewProviderMap()
	if err := pm.Add(buildgraph.Provider{TypeIdentifier: "test.Provider", Value: 7}); err != nil {
		t.Fatalf("add provider: %v", err)
	}
	c := New(testTarget(deps), DependencyResults{"//pkg:dep": pm}, nil)

	// "srcs" is a list dependency; the single-kind accessor must fail.
	_, err := c.GetProvider("srcs", "test.Provider")
	var mismatch *buildgraph.DependencyTypeMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected *DependencyTypeMismatchError, got %T: %v", err, err)
	}

	values, err := c.GetProviders("srcs", "test.Provider")
	if err != nil {
		t.Fatalf("GetProviders: %v", err)
	}
	if len(values) != 1 || values[0].(int) != 7 {
		t.Fatalf("expected [7], got %v", values)
	}
}

func TestGetProvider_MissingName(t *testing.T) {
	c := New(testTarget(nil), nil, nil)
	_, err := c.GetProvider("nope", "test.Provider")
	var missing *buildgraph.MissingDependencyNameError
	if !errors.As(err, &missing) {
		t.Fatalf("expected *MissingDependencyNameError, got %T: %v", err, err)
	}
}

func TestWrite_DeclaresAndBinds(t *testing.T) {
	c := New(testTarget(nil), nil, nil)
	if _, err := c.Write("hello.txt", []byte("hello"), buildgraph.ArtifactFile); err != nil {
		t.Fatalf("write: %v", err)
	}
	artifacts, actions, err := c.Freeze()
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if len(artifacts) != 1 || len(actions) != 1 {
		t.Fatalf("expected 1 artifact and 1 action, got %d and %d", len(artifacts), len(actions))
	}
	if actions[0].Variant != buildgraph.ActionWrite {
		t.Fatalf("expected a write action, got variant %d", actions[0].Variant)
	}
	owner := artifacts[0].Owner
	if owner.ActionsOwnerID != "//pkg:tgt" || owner.ActionIndex != 0 || owner.OutputIndex != 0 {
		t.Fatalf("unexpected owner binding: %+v", owner)
	}
	if artifacts[0].SourceID != (dataid.DataID{}) {
		t.Fatalf("derived artifact must not carry a source id")
	}
}
