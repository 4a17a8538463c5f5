package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"kiln/internal/buildgraph"
)

// targetSpec is one target's on-disk JSON shape: a rule type
// identifier, named dependencies, and rule-specific attributes decoded
// according to ruleType by attributeDecoders.
type targetSpec struct {
	RuleType     string                    `json:"ruleType"`
	Dependencies map[string]dependencySpec `json:"dependencies,omitempty"`
	Attributes   json.RawMessage           `json:"attributes"`
}

type dependencySpec struct {
	Label  string   `json:"label,omitempty"`
	Labels []string `json:"labels,omitempty"`
}

// graphFile is the top-level JSON document `kiln build` reads: a
// configuration key shared by every target in the file (see
// internal/buildgraph.ConfigurationKey) and the map of targets keyed
// by their own label.
type graphFile struct {
	ConfigurationKey string                `json:"configurationKey"`
	Targets          map[string]targetSpec `json:"targets"`
}

// LoadGraphFromFile reads and parses the graph definition at path into
// a label-indexed set of Targets. Unknown fields and trailing data are
// rejected so a malformed graph never half-loads.
func LoadGraphFromFile(path string) (map[buildgraph.Label]buildgraph.Target, buildgraph.ConfigurationKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("cli: read graph: %w", err)
	}

	var gf graphFile
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&gf); err != nil {
		return nil, "", fmt.Errorf("cli: parse graph json: %w", err)
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return nil, "", fmt.Errorf("cli: parse graph json: trailing data")
		}
		return nil, "", fmt.Errorf("cli: parse graph json: %w", err)
	}
	if len(gf.Targets) == 0 {
		return nil, "", fmt.Errorf("cli: parse graph json: no targets")
	}

	targets := make(map[buildgraph.Label]buildgraph.Target, len(gf.Targets))
	for label, spec := range gf.Targets {
		decode, ok := attributeDecoders[spec.RuleType]
		if !ok {
			return nil, "", fmt.Errorf("cli: target %q: unknown rule type %q", label, spec.RuleType)
		}
		attrs, err := decode(spec.Attributes)
		if err != nil {
			return nil, "", fmt.Errorf("cli: target %q: decode attributes: %w", label, err)
		}

		deps := make(map[string]buildgraph.Dependency, len(spec.Dependencies))
		for name, d := range spec.Dependencies {
			switch {
			case d.Label != "" && len(d.Labels) > 0:
				return nil, "", fmt.Errorf("cli: target %q: dependency %q has both label and labels", label, name)
			case d.Label != "":
				deps[name] = buildgraph.Dependency{Kind: buildgraph.DependencySingle, Single: buildgraph.Label(d.Label)}
			default:
				list := make([]buildgraph.Label, len(d.Labels))
				for i, l := range d.Labels {
					list[i] = buildgraph.Label(l)
				}
				deps[name] = buildgraph.Dependency{Kind: buildgraph.DependencyList, List: list}
			}
		}

		targets[buildgraph.Label(label)] = buildgraph.Target{
			Label:        buildgraph.Label(label),
			RuleType:     spec.RuleType,
			Dependencies: deps,
			Attributes:   attrs,
		}
	}

	configKey := gf.ConfigurationKey
	if configKey == "" {
		configKey = "default"
	}
	return targets, buildgraph.ConfigurationKey(configKey), nil
}
