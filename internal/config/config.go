// Package config implements the configuration layer: named fragments
// keyed by a type identifier, loaded from file/env via viper, and
// digested into a short deterministic root directory name so that two
// configurations with different fragment content never collide on
// disk.
package config

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/spf13/viper"
	"lukechampine.com/blake3"

	"kiln/internal/dataid"
)

// FragmentConstructor builds one named fragment's value by reading
// whatever keys it needs from v. Registered per type identifier, the
// same way internal/serialize.Registry registers codecs and
// internal/action.Registry registers executors.
type FragmentConstructor func(v *viper.Viper) (any, error)

// CanonicalBytes is an optional interface a fragment value can
// implement so its content participates in the configuration's root
// digest; a fragment whose value doesn't implement it still loads and
// is reachable via GetFragment, but changing it alone won't change the
// digested root name.
type CanonicalBytes interface {
	CanonicalBytes() []byte
}

// UnknownFragmentError is returned by Resolve for a type identifier no
// constructor was registered under.
type UnknownFragmentError struct {
	TypeIdentifier string
}

func (e *UnknownFragmentError) Error() string {
	return fmt.Sprintf("config: no fragment registered for type %q", e.TypeIdentifier)
}

// Registry resolves configuration fragment type identifiers to the
// constructors that build them from a viper.Viper.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]FragmentConstructor
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]FragmentConstructor)}
}

// Register installs constructor under typeIdentifier.
func (r *Registry) Register(typeIdentifier string, constructor FragmentConstructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[typeIdentifier] = constructor
}

type Value struct {
	Root      string
	Fragments map[string]any
}

// Build constructs every registered fragment against v and digests
// their combined canonical bytes (where available) into Root.
func (r *Registry) Build(v *viper.Viper) (*Value, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	identifiers := make([]string, 0, len(r.constructors))
	for id := range r.constructors {
		identifiers = append(identifiers, id)
	}
	sort.Strings(identifiers)

	fragments := make(map[string]any, len(identifiers))
	h := blake3.New(32, nil)
	for _, id := range identifiers {
		val, err := r.constructors[id](v)
		if err != nil {
			return nil, fmt.Errorf("config: build fragment %q: %w", id, err)
		}
		fragments[id] = val

		writeLP(h, []byte(id))
		if cb, ok := val.(CanonicalBytes); ok {
			writeLP(h, cb.CanonicalBytes())
		} else {
			writeLP(h, nil)
		}
	}

	var digest [32]byte
	copy(digest[:], h.Sum(nil))
	id := dataid.New(dataid.KindHash, digest)
	return &Value{Root: id.String(), Fragments: fragments}, nil
}

// Resolve looks up typeIdentifier's constructor, for callers building a
// Value incrementally (e.g. testing a single fragment in isolation).
func (r *Registry) Resolve(typeIdentifier string) (FragmentConstructor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.constructors[typeIdentifier]
	if !ok {
		return nil, &UnknownFragmentError{TypeIdentifier: typeIdentifier}
	}
	return c, nil
}

func writeLP(h interface{ Write([]byte) (int, error) }, b []byte) {
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(b)))
	h.Write(lenBuf[:])
	h.Write(b)
}

func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName(".kiln")
	}
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}
	return v, nil
}
