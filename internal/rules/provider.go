// Package rules implements the built-in rule capabilities: writing
// static content, running an arbitrary command over
// dependency-provided inputs, and merging dependency directories into
// one.
package rules

import (
	"kiln/internal/buildgraph"
)

// FilesProviderType is the provider type identifier every rule in this
// package exposes: the artifacts it produces, for a dependent to
// consume via GetProvider/GetProviders.
const FilesProviderType = "rules.FilesProvider"

// FilesProvider carries the artifacts a target produces, in
// declaration order.
type FilesProvider struct {
	Files []buildgraph.Artifact
}

func filesOf(rc buildgraph.RuleContext, depName string) ([]buildgraph.Artifact, error) {
	if _, ok := rc.Target().Target.Dependencies[depName]; !ok {
		return nil, nil
	}
	providers, err := rc.GetProviders(depName, FilesProviderType)
	if err != nil {
		return nil, err
	}
	var out []buildgraph.Artifact
	for _, p := range providers {
		fp, ok := p.(FilesProvider)
		if !ok {
			continue
		}
		out = append(out, fp.Files...)
	}
	return out, nil
}
