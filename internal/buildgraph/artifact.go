// Package buildgraph implements the build-graph layer: targets
// resolve through rule evaluation into Providers and a graph of
// Artifacts, each either a known source or produced by exactly one
// Action.
package buildgraph

import (
	"fmt"
	"sync"

	"kiln/internal/dataid"
)

// ArtifactType is the kind of file an Artifact denotes.
type ArtifactType int

const (
	ArtifactFile ArtifactType = iota
	ArtifactExecutable
	ArtifactDirectory
)

// ArtifactOwner identifies the action that produces a derived
// Artifact: an index into the rule's action table, and which of that
// action's declared outputs (or unconditional outputs) this artifact
// is.
type ArtifactOwner struct {
	ActionsOwnerID string
	ActionIndex    int
	OutputIndex    int
	Unconditional  bool
}

// Artifact is a handle to a file or directory expected at ShortPath
// under its owner's output root: either a known source (SourceID set)
// or produced by exactly one action (Owner set). Once frozen by
// Arena.Freeze, an Artifact is immutable.
type Artifact struct {
	IsSource  bool
	SourceID  dataid.DataID
	Owner     ArtifactOwner
	ShortPath string
	Root      string
	Type      ArtifactType
}

// NewSourceArtifact returns a source Artifact addressed directly by id.
func NewSourceArtifact(id dataid.DataID, shortPath, root string, t ArtifactType) Artifact {
	return Artifact{IsSource: true, SourceID: id, ShortPath: shortPath, Root: root, Type: t}
}

// OutputAlreadyRegisteredError is a rule error: an artifact's owner was
// bound more than once.
type OutputAlreadyRegisteredError struct {
	ShortPath string
}

func (e *OutputAlreadyRegisteredError) Error() string {
	return fmt.Sprintf("buildgraph: output already registered for artifact %q", e.ShortPath)
}

// InvalidArtifactRedeclarationError is a rule error: the same
// ShortPath was declared twice with different ArtifactTypes.
type InvalidArtifactRedeclarationError struct {
	ShortPath             string
	ExistingType, NewType ArtifactType
}

func (e *InvalidArtifactRedeclarationError) Error() string {
	return fmt.Sprintf("buildgraph: artifact %q redeclared with type %d, previously %d", e.ShortPath, e.NewType, e.ExistingType)
}

// UnboundArtifactError is a rule error raised by Freeze: a declared
// artifact was never bound to a producing action.
type UnboundArtifactError struct {
	ShortPath string
}

func (e *UnboundArtifactError) Error() string {
	return fmt.Sprintf("buildgraph: artifact %q was declared but never registered to an action", e.ShortPath)
}

// ArenaIndex is a stable index into an Arena's pending artifacts,
// valid for the lifetime of the rule evaluation that created it.
type ArenaIndex int

type pendingArtifact struct {
	shortPath string
	root      string
	typ       ArtifactType
	bound     bool
	owner     ArtifactOwner
}

// Arena owns the pending (not-yet-bound) derived artifacts declared
// during one rule evaluation. It is safe for concurrent use so a rule
// may call DeclareArtifact/Bind from parallel goroutines within its own
// evaluation.
type Arena struct {
	mu     sync.Mutex
	items  []*pendingArtifact
	byPath map[string]ArenaIndex
	frozen bool
}

// NewArena returns an empty Arena.
func NewArena() *Arena {
	return &Arena{byPath: make(map[string]ArenaIndex)}
}

// Declare returns the ArenaIndex for shortPath, creating a new
// pending artifact if shortPath hasn't been declared yet. Re-declaring
// the same path with the same type returns the existing index;
// re-declaring with a different type is an error.
func (a *Arena) Declare(shortPath, root string, t ArtifactType) (ArenaIndex, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.frozen {
		return 0, fmt.Errorf("buildgraph: arena already frozen")
	}
	if idx, ok := a.byPath[shortPath]; ok {
		existing := a.items[idx]
		if existing.typ != t {
			return 0, &InvalidArtifactRedeclarationError{ShortPath: shortPath, ExistingType: existing.typ, NewType: t}
		}
		return idx, nil
	}
	idx := ArenaIndex(len(a.items))
	a.items = append(a.items, &pendingArtifact{shortPath: shortPath, root: root, typ: t})
	a.byPath[shortPath] = idx
	return idx, nil
}

// Bind records that idx's artifact is produced by owner. Binding an
// already-bound artifact is an error.
func (a *Arena) Bind(idx ArenaIndex, owner ArtifactOwner) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.frozen {
		return fmt.Errorf("buildgraph: arena already frozen")
	}
	if int(idx) < 0 || int(idx) >= len(a.items) {
		return fmt.Errorf("buildgraph: invalid artifact index %d", idx)
	}
	item := a.items[idx]
	if item.bound {
		return &OutputAlreadyRegisteredError{ShortPath: item.shortPath}
	}
	item.bound = true
	item.owner = owner
	return nil
}

// Freeze converts every pending artifact into an immutable Artifact
// record, in declaration order. It fails if any declared artifact was
// never bound to an owner.
func (a *Arena) Freeze() ([]Artifact, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Artifact, len(a.items))
	for i, item := range a.items {
		if !item.bound {
			return nil, &UnboundArtifactError{ShortPath: item.shortPath}
		}
		out[i] = Artifact{
			Owner:     item.owner,
			ShortPath: item.shortPath,
			Root:      item.root,
			Type:      item.typ,
		}
	}
	a.frozen = true
	return out, nil
}
