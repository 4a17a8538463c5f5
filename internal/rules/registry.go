package rules

import (
	"encoding/json"

	"kiln/internal/buildgraph"
	"kiln/internal/serialize"
)

// Rule type identifiers, matching the "ruleType" field a graph file's
// targets are keyed under (see internal/cli.LoadGraphFromFile).
const (
	RuleTypeWriteFile = "write_file"
	RuleTypeGenrule   = "genrule"
	RuleTypeFilegroup = "filegroup"
)

// AttributeDecoders returns the rule-type -> attribute decoder map a
// graph loader needs to parse targets' rule-specific attributes, one
// entry per rule this package implements.
func AttributeDecoders() map[string]func(json.RawMessage) (any, error) {
	return map[string]func(json.RawMessage) (any, error){
		RuleTypeWriteFile: decodeWriteFileAttrs,
		RuleTypeGenrule:   decodeGenruleAttrs,
		RuleTypeFilegroup: decodeFilegroupAttrs,
	}
}

// Register installs every rule this package implements into reg.
func Register(reg *buildgraph.RuleRegistry) {
	reg.Register(RuleTypeWriteFile, WriteFileRule{})
	reg.Register(RuleTypeGenrule, GenruleRule{})
	reg.Register(RuleTypeFilegroup, FilegroupRule{})
}

// RegisterTypes installs the codec FilesProvider needs to round-trip
// through a TargetResult's ProviderMap encoding; internal/rulectx's
// codec looks this up by provider type identifier when it encodes or
// decodes a cached TargetResult.
func RegisterTypes(reg *serialize.Registry) {
	serialize.RegisterGob[FilesProvider](reg, FilesProviderType)
}
