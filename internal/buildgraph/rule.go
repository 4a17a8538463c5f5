package buildgraph

import (
	"context"
	"fmt"
	"sync"
)

// RuleContext is the narrow surface a Rule's Evaluate needs from the
// rule evaluation context (internal/rulectx): declare artifacts,
// register the actions that produce them, and read dependency
// providers. Defined here (rather than imported from rulectx) to keep
// buildgraph free of a dependency on rulectx, which itself depends on
// buildgraph.
type RuleContext interface {
	Target() ConfiguredTarget
	DeclareArtifact(shortPath string, t ArtifactType) (ArenaIndex, error)
	RegisterAction(key ActionKey, outputs []ArenaIndex, unconditionalOutputs []ArenaIndex) error
	GetProvider(depName string, typeIdentifier string) (any, error)
	GetProviders(depName string, typeIdentifier string) ([]any, error)
	// ActionCount reports how many actions this rule has registered so
	// far, letting a rule compute the ArtifactOwner.ActionIndex its
	// next RegisterAction call will bind outputs to before it builds
	// the Artifact values it hands back in its ProviderMap.
	ActionCount() int
}

// Rule evaluates a ConfiguredTarget of the RuleType it is registered
// under, declaring artifacts and actions via rc and returning the
// providers it exposes to dependents.
type Rule interface {
	Evaluate(ctx context.Context, rc RuleContext) (*ProviderMap, error)
}

// UnknownRuleTypeError is returned by a RuleRegistry lookup for a
// target.RuleType nothing was registered under.
type UnknownRuleTypeError struct {
	RuleType string
}

func (e *UnknownRuleTypeError) Error() string {
	return fmt.Sprintf("buildgraph: no rule registered for type %q", e.RuleType)
}

// RuleRegistry resolves a Target's RuleType string to the Rule
// capability that evaluates it.
type RuleRegistry struct {
	mu    sync.RWMutex
	rules map[string]Rule
}

// NewRuleRegistry returns a RuleRegistry with no rules installed.
func NewRuleRegistry() *RuleRegistry {
	return &RuleRegistry{rules: make(map[string]Rule)}
}

// Register installs rule under ruleType.
func (r *RuleRegistry) Register(ruleType string, rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[ruleType] = rule
}

// Resolve looks up the rule for ruleType.
func (r *RuleRegistry) Resolve(ruleType string) (Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[ruleType]
	if !ok {
		return nil, &UnknownRuleTypeError{RuleType: ruleType}
	}
	return rule, nil
}

// Evaluate resolves ct.Target.RuleType and runs its rule against rc.
func (r *RuleRegistry) Evaluate(ctx context.Context, ct ConfiguredTarget, rc RuleContext) (*ProviderMap, error) {
	rule, err := r.Resolve(ct.Target.RuleType)
	if err != nil {
		return nil, err
	}
	return rule.Evaluate(ctx, rc)
}
