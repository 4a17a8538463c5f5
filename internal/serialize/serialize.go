// Package serialize implements the polymorphic value container and its
// decoder registry. Registry is an explicit value threaded through
// caller context rather than a package-level singleton; nothing in
// this package holds global state.
package serialize

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"sync"
)

// AnySerializable is the self-describing container a Value is stored
// as: a type tag plus its encoded bytes. The tag lets a Registry pick
// the right decoder without out-of-band schema information.
type AnySerializable struct {
	TypeIdentifier string `json:"typeIdentifier"`
	Bytes          []byte `json:"bytes"`
}

// Decoder decodes the bytes of an AnySerializable into a Go value of
// the type it was registered for.
type Decoder func(b []byte) (any, error)

// Encoder encodes a Go value into bytes suitable for the matching
// Decoder. Encoders are looked up by the concrete Go type, not by tag,
// since a caller encoding a value doesn't yet have a tag to look up.
type Encoder func(v any) ([]byte, error)

// Codec pairs an Encoder and Decoder registered for one type
// identifier.
type Codec struct {
	Encode Encoder
	Decode Decoder
}

// Registry maps a type identifier to the Codec that can round-trip
// values of that type. A Registry is created per engine instance (see
// engine.Config.Registry) and passed explicitly; it is safe for concurrent use
// since callers may register types from multiple goroutines during
// startup and decode concurrently during evaluation.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

// NewRegistry returns an empty Registry; callers add codecs with
// Register, RegisterJSON or RegisterGob.
func NewRegistry() *Registry {
	return &Registry{codecs: make(map[string]Codec)}
}

// UnknownTypeError is returned by Encode and Decode when no codec is
// registered for the requested type identifier.
type UnknownTypeError struct {
	TypeIdentifier string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("serialize: unknown type identifier %q", e.TypeIdentifier)
}

// TypeMismatchError describes a decoded value whose Go type is not the
// one a caller expected. Nothing in this package returns it; Decode
// returns whatever the registered codec produces.
type TypeMismatchError struct {
	Expected string
	Got      string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("serialize: type mismatch: expected %s, got %s", e.Expected, e.Got)
}

// Register installs a codec under typeIdentifier. Registering the same
// identifier twice replaces the previous codec; this is expected during
// tests that rebuild a Registry per case, and is otherwise a caller
// error (not detected here, since plugin-style re-registration at
// startup is a legitimate use).
func (r *Registry) Register(typeIdentifier string, codec Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[typeIdentifier] = codec
}

// RegisterJSON registers a codec that marshals/unmarshals via
// encoding/json; Decode unmarshals into a fresh T and returns it by
// value.
func RegisterJSON[T any](r *Registry, typeIdentifier string) {
	r.Register(typeIdentifier, Codec{
		Encode: func(v any) ([]byte, error) { return json.Marshal(v) },
		Decode: func(b []byte) (any, error) {
			var v T
			if err := json.Unmarshal(b, &v); err != nil {
				return nil, fmt.Errorf("serialize: json decode %s: %w", typeIdentifier, err)
			}
			return v, nil
		},
	})
}

// RegisterGob registers a codec backed by encoding/gob, for values that
// don't round-trip cleanly through JSON (e.g. containing map[any]any).
func RegisterGob[T any](r *Registry, typeIdentifier string) {
	r.Register(typeIdentifier, Codec{
		Encode: func(v any) ([]byte, error) {
			var buf bytes.Buffer
			if err := gob.NewEncoder(&buf).Encode(v); err != nil {
				return nil, fmt.Errorf("serialize: gob encode %s: %w", typeIdentifier, err)
			}
			return buf.Bytes(), nil
		},
		Decode: func(b []byte) (any, error) {
			var v T
			if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&v); err != nil {
				return nil, fmt.Errorf("serialize: gob decode %s: %w", typeIdentifier, err)
			}
			return v, nil
		},
	})
}

// Encode wraps v as an AnySerializable using the codec registered for
// typeIdentifier.
func (r *Registry) Encode(typeIdentifier string, v any) (AnySerializable, error) {
	r.mu.RLock()
	codec, ok := r.codecs[typeIdentifier]
	r.mu.RUnlock()
	if !ok {
		return AnySerializable{}, &UnknownTypeError{TypeIdentifier: typeIdentifier}
	}
	b, err := codec.Encode(v)
	if err != nil {
		return AnySerializable{}, err
	}
	return AnySerializable{TypeIdentifier: typeIdentifier, Bytes: b}, nil
}

// Decode unwraps an AnySerializable using the codec registered for its
// TypeIdentifier.
func (r *Registry) Decode(a AnySerializable) (any, error) {
	r.mu.RLock()
	codec, ok := r.codecs[a.TypeIdentifier]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownTypeError{TypeIdentifier: a.TypeIdentifier}
	}
	return codec.Decode(a.Bytes)
}

// Has reports whether a codec is registered for typeIdentifier.
func (r *Registry) Has(typeIdentifier string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.codecs[typeIdentifier]
	return ok
}
