package buildgraph

import "kiln/internal/serialize"

// RegisterTypes installs the codecs the build-graph layer's own
// engine-cached values need: ActionResult, the value an ActionKeyType
// evaluation produces. (TargetResult, which nests ProviderMap's
// caller-defined payloads, is registered by internal/rulectx since
// decoding it requires the same serialize.Registry recursively.)
func RegisterTypes(reg *serialize.Registry) {
	serialize.RegisterGob[ActionResult](reg, "buildgraph.ActionResult")
}
