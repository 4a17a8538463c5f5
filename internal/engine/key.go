// Package engine implements the memoizing key engine and its
// function cache: evaluate(key) -> value with memoization,
// dynamic dependency tracking, cycle detection, cancellation, and
// tracing.
package engine

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"kiln/internal/dataid"
)

// KeyType describes one family of requests: its identifier (a type
// tag), its code version, and the other key types whose code its
// result transitively depends on. Fingerprint computation folds the
// transitive closure of these versions so that bumping any contributing
// version invalidates every cached entry downstream.
type KeyType interface {
	Identifier() string
	Version() int
	VersionDependencies() []string
}

// Key is a request handle for a memoized computation: a string
// identifier (its type tag) plus a stable fingerprint DataID derived
// from the type's version chain, the identifier, and the request's
// canonically serialised bytes.
type Key struct {
	Identifier  string
	Fingerprint dataid.DataID
}

// String renders a Key for diagnostics and trace output.
func (k Key) String() string {
	return fmt.Sprintf("%s@%s", k.Identifier, k.Fingerprint)
}

// versionChainCache memoizes the transitive version-chain bytes per key
// type identifier so that computing a fingerprint doesn't repeatedly
// walk VersionDependencies for every request of a hot key type. All
// methods are safe for concurrent use; fingerprints are computed from
// arbitrary evaluation goroutines.
type versionChainCache struct {
	mu           sync.Mutex
	byIdentifier map[string]KeyType
	chainBytes   map[string][]byte
}

func newVersionChainCache() *versionChainCache {
	return &versionChainCache{
		byIdentifier: make(map[string]KeyType),
		chainBytes:   make(map[string][]byte),
	}
}

func (c *versionChainCache) register(kt KeyType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byIdentifier[kt.Identifier()] = kt
}

// chain computes BLAKE3-ready version-chain bytes: a length-prefixed
// sequence of (identifier, version) pairs across the transitive closure
// of VersionDependencies, visited in deterministic (sorted) order so
// that the same set of contributing types always yields the same
// bytes regardless of declaration order.
func (c *versionChainCache) chain(kt KeyType) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.chainBytes[kt.Identifier()]; ok {
		return cached, nil
	}
	visited := make(map[string]bool)
	var walk func(id string) error
	var names []string
	versions := make(map[string]int)

	walk = func(id string) error {
		if visited[id] {
			return nil
		}
		visited[id] = true
		t, ok := c.byIdentifier[id]
		if !ok {
			return &UnknownFunctionError{Identifier: id}
		}
		names = append(names, id)
		versions[id] = t.Version()
		for _, dep := range t.VersionDependencies() {
			if err := walk(dep); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(kt.Identifier()); err != nil {
		return nil, err
	}

	sortedNames := append([]string(nil), names...)
	sort.Strings(sortedNames)

	var out []byte
	for _, n := range sortedNames {
		out = appendLenPrefixed(out, []byte(n))
		out = appendUint64(out, uint64(int64(versions[n])))
	}
	c.chainBytes[kt.Identifier()] = out
	return out, nil
}

func (c *versionChainCache) Fingerprint(kt KeyType, canonicalBytes []byte) (dataid.DataID, error) {
	chainBytes, err := c.chain(kt)
	if err != nil {
		return dataid.DataID{}, err
	}
	var buf []byte
	buf = appendLenPrefixed(buf, chainBytes)
	buf = appendLenPrefixed(buf, []byte(kt.Identifier()))
	buf = appendLenPrefixed(buf, canonicalBytes)
	return dataid.Identify(nil, buf), nil
}

func appendUint64(out []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(out, b[:]...)
}

func appendLenPrefixed(out []byte, b []byte) []byte {
	out = appendUint64(out, uint64(len(b)))
	return append(out, b...)
}
