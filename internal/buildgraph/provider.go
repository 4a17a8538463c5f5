package buildgraph

import "fmt"

// Provider is a typed record a rule exposes to its dependents. The
// concrete payload is caller-defined (any); ProviderMap keys it by a
// type identifier string so dependents can fetch it without a type
// switch over every provider kind in the system.
type Provider struct {
	TypeIdentifier string
	Value          any
}

// DuplicateProviderError is a rule error: a ProviderMap had the same
// TypeIdentifier inserted twice, which would make lookup ambiguous.
type DuplicateProviderError struct {
	TypeIdentifier string
}

func (e *DuplicateProviderError) Error() string {
	return fmt.Sprintf("buildgraph: duplicate provider %q", e.TypeIdentifier)
}

// ProviderMap holds the providers a rule returns, keyed uniquely by
// provider type identifier.
type ProviderMap struct {
	byType map[string]any
}

// NewProviderMap returns an empty ProviderMap.
func NewProviderMap() *ProviderMap {
	return &ProviderMap{byType: make(map[string]any)}
}

// Add inserts provider. Adding the same TypeIdentifier twice is an
// error.
func (m *ProviderMap) Add(p Provider) error {
	if _, ok := m.byType[p.TypeIdentifier]; ok {
		return &DuplicateProviderError{TypeIdentifier: p.TypeIdentifier}
	}
	m.byType[p.TypeIdentifier] = p.Value
	return nil
}

// Get fetches the provider registered under typeIdentifier.
func (m *ProviderMap) Get(typeIdentifier string) (any, bool) {
	v, ok := m.byType[typeIdentifier]
	return v, ok
}

// TypeIdentifiers returns every provider type identifier present in m,
// in no particular order; used by callers that must walk every
// provider (e.g. serializing a TargetResult) without knowing the set
// of rule-defined types up front.
func (m *ProviderMap) TypeIdentifiers() []string {
	out := make([]string, 0, len(m.byType))
	for k := range m.byType {
		out = append(out, k)
	}
	return out
}

type DependencyKind int

const (
	DependencySingle DependencyKind = iota
	DependencyList
)

// DependencyTypeMismatchError is a rule error: a rule asked for a
// dependency using the wrong kind accessor (GetProvider vs
// GetProviders).
type DependencyTypeMismatchError struct {
	Name     string
	Expected DependencyKind
	Got      DependencyKind
}

func (e *DependencyTypeMismatchError) Error() string {
	return fmt.Sprintf("buildgraph: dependency %q kind mismatch: expected %d, got %d", e.Name, e.Expected, e.Got)
}

// MissingDependencyNameError is a rule error: a rule asked for a
// dependency name the target never declared.
type MissingDependencyNameError struct {
	Name string
}

func (e *MissingDependencyNameError) Error() string {
	return fmt.Sprintf("buildgraph: no dependency declared under name %q", e.Name)
}
