package cli

import (
	"kiln/internal/rules"
)

// attributeDecoders is the rule-type -> attribute decoder map
// LoadGraphFromFile dispatches on; kept as a package-level map (rather
// than threaded through BuildOptions) since the set of rule types this
// binary understands is fixed at compile time, not per-invocation
// configuration.
var attributeDecoders = rules.AttributeDecoders()
