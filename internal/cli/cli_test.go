package cli

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"kiln/internal/buildgraph"
)

func writeGraph(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "graph.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write graph: %v", err)
	}
	return path
}

func TestLoadGraphFromFile_ParsesTargets(t *testing.T) {
	path := writeGraph(t, `{
		"configurationKey": "dev",
		"targets": {
			"//pkg:greeting": {
				"ruleType": "write_file",
				"attributes": {"output": "greeting.txt", "content": "hi"}
			},
			"//pkg:group": {
				"ruleType": "filegroup",
				"dependencies": {"srcs": {"labels": ["//pkg:greeting"]}},
				"attributes": {"output": "merged"}
			}
		}
	}`)

	targets, configKey, err := LoadGraphFromFile(path)
	if err != nil {
		t.Fatalf("LoadGraphFromFile: %v", err)
	}
	if configKey != "dev" {
		t.Fatalf("unexpected configuration key %q", configKey)
	}
	if len(targets) != 2 {
		t.Fatalf("expected 2 targets, got %d", len(targets))
	}
	group := targets["//pkg:group"]
	dep, ok := group.Dependencies["srcs"]
	if !ok || dep.Kind != buildgraph.DependencyList || len(dep.List) != 1 {
		t.Fatalf("unexpected srcs dependency %+v", dep)
	}
}

func TestLoadGraphFromFile_RejectsUnknownFields(t *testing.T) {
	path := writeGraph(t, `{"targets": {"//a": {"ruleType": "write_file", "attributes": {"output": "o"}, "bogus": 1}}}`)
	if _, _, err := LoadGraphFromFile(path); err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
}

func TestLoadGraphFromFile_RejectsTrailingData(t *testing.T) {
	path := writeGraph(t, `{"targets": {"//a": {"ruleType": "write_file", "attributes": {"output": "o"}}}} {"more": true}`)
	if _, _, err := LoadGraphFromFile(path); err == nil {
		t.Fatal("expected trailing data to be rejected")
	}
}

func TestLoadGraphFromFile_RejectsUnknownRuleType(t *testing.T) {
	path := writeGraph(t, `{"targets": {"//a": {"ruleType": "no_such_rule", "attributes": {}}}}`)
	if _, _, err := LoadGraphFromFile(path); err == nil {
		t.Fatal("expected unknown rule type to be rejected")
	}
}

func TestLoadGraphFromFile_RejectsBothDependencyKinds(t *testing.T) {
	path := writeGraph(t, `{"targets": {"//a": {
		"ruleType": "filegroup",
		"dependencies": {"srcs": {"label": "//b", "labels": ["//c"]}},
		"attributes": {"output": "o"}
	}}}`)
	if _, _, err := LoadGraphFromFile(path); err == nil {
		t.Fatal("expected a dependency with both label and labels to be rejected")
	}
}

func TestCanonicalize_DefaultsDerivedFromWorkDir(t *testing.T) {
	workDir := t.TempDir()
	opts := BuildOptions{
		WorkDir:   workDir,
		GraphPath: "graph.json",
		Labels:    []string{"//a"},
	}
	if err := opts.Canonicalize(); err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	if opts.Mode != ExecutionModeIncremental {
		t.Fatalf("expected incremental default, got %q", opts.Mode)
	}
	if opts.GraphPath != filepath.Join(opts.WorkDir, "graph.json") {
		t.Fatalf("graph path not resolved under workdir: %q", opts.GraphPath)
	}
	if opts.CASUrl != "file://"+filepath.Join(opts.WorkDir, ".kiln", "cas") {
		t.Fatalf("unexpected default CAS url %q", opts.CASUrl)
	}
	if opts.CacheDir != filepath.Join(opts.WorkDir, ".kiln", "function-cache") {
		t.Fatalf("unexpected default cache dir %q", opts.CacheDir)
	}
}

func TestCanonicalize_Rejections(t *testing.T) {
	base := func() BuildOptions {
		return BuildOptions{WorkDir: ".", GraphPath: "g.json", Labels: []string{"//a"}}
	}

	opts := base()
	opts.Labels = nil
	if err := opts.Canonicalize(); err == nil {
		t.Fatal("expected missing labels to be rejected")
	}

	opts = base()
	opts.Mode = "sideways"
	if err := opts.Canonicalize(); err == nil {
		t.Fatal("expected invalid mode to be rejected")
	}

	opts = base()
	opts.GraphPath = ""
	if err := opts.Canonicalize(); err == nil {
		t.Fatal("expected missing graph path to be rejected")
	}
}

func TestExitCode_Mapping(t *testing.T) {
	if got := ExitCode(nil); got != ExitSuccess {
		t.Fatalf("nil error: got %d", got)
	}
	if got := ExitCode(&InvocationError{ExitCode: ExitConfigError, Message: "x"}); got != ExitConfigError {
		t.Fatalf("invocation error: got %d", got)
	}
	if got := ExitCode(&cycleErrorMarker{Err: errors.New("cycle")}); got != ExitGraphFailure {
		t.Fatalf("cycle marker: got %d", got)
	}
	if got := ExitCode(errors.New("anything else")); got != ExitInternalError {
		t.Fatalf("generic error: got %d", got)
	}
}
