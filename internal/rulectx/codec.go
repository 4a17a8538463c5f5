package rulectx

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"kiln/internal/buildgraph"
	"kiln/internal/serialize"
)

// wireTargetResult is TargetResult's on-disk shape: each provider is
// re-encoded through the same serialize.Registry a rule's provider
// type was registered against, so a TargetResult round-trips through
// the function cache without this package needing to know any rule's
// concrete provider types.
type wireTargetResult struct {
	Providers map[string]serialize.AnySerializable
	Artifacts []buildgraph.Artifact
	Actions   []buildgraph.ActionKey
}

// RegisterTypes installs the "rulectx.TargetResult" codec against reg.
// Unlike a plain RegisterGob/RegisterJSON registration, this codec
// closes over reg itself so it can recursively encode/decode each
// provider in a TargetResult's ProviderMap by the provider's own type
// identifier.
func RegisterTypes(reg *serialize.Registry) {
	reg.Register("rulectx.TargetResult", serialize.Codec{
		Encode: func(v any) ([]byte, error) { return encodeTargetResult(reg, v) },
		Decode: func(b []byte) (any, error) { return decodeTargetResult(reg, b) },
	})
}

func encodeTargetResult(reg *serialize.Registry, v any) ([]byte, error) {
	tr, ok := v.(*TargetResult)
	if !ok {
		return nil, fmt.Errorf("rulectx: encode target result: unexpected type %T", v)
	}
	wire := wireTargetResult{Artifacts: tr.Artifacts, Actions: tr.Actions}
	if tr.Providers != nil {
		wire.Providers = make(map[string]serialize.AnySerializable)
		for _, typeID := range tr.Providers.TypeIdentifiers() {
			val, _ := tr.Providers.Get(typeID)
			enc, err := reg.Encode(typeID, val)
			if err != nil {
				return nil, fmt.Errorf("rulectx: encode provider %q: %w", typeID, err)
			}
			wire.Providers[typeID] = enc
		}
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(wire); err != nil {
		return nil, fmt.Errorf("rulectx: gob encode target result: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeTargetResult(reg *serialize.Registry, b []byte) (any, error) {
	var wire wireTargetResult
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&wire); err != nil {
		return nil, fmt.Errorf("rulectx: gob decode target result: %w", err)
	}
	pm := buildgraph.NewProviderMap()
	for typeID, enc := range wire.Providers {
		val, err := reg.Decode(enc)
		if err != nil {
			return nil, fmt.Errorf("rulectx: decode provider %q: %w", typeID, err)
		}
		if err := pm.Add(buildgraph.Provider{TypeIdentifier: typeID, Value: val}); err != nil {
			return nil, err
		}
	}
	return &TargetResult{Providers: pm, Artifacts: wire.Artifacts, Actions: wire.Actions}, nil
}
