package cas

import (
	"context"
	"fmt"

	"kiln/internal/dataid"
)

// Lister enumerates every object id a backend holds. Backends that
// can't enumerate (e.g. a remote proxy) simply don't implement it and
// are not collectable.
type Lister interface {
	List(ctx context.Context) ([]dataid.DataID, error)
}

// Remover deletes a single object from a backend.
type Remover interface {
	Remove(ctx context.Context, id dataid.DataID) error
}

// Collect removes every object not reachable from roots by following
// refs, returning how many objects were removed. The database must
// implement Lister and Remover; Collect assumes no concurrent writers
// (run it from a dedicated gc invocation, not mid-build).
func Collect(ctx context.Context, db Database, roots []dataid.DataID) (int, error) {
	lister, ok := db.(Lister)
	if !ok {
		return 0, fmt.Errorf("cas: backend %T cannot enumerate objects", db)
	}
	remover, ok := db.(Remover)
	if !ok {
		return 0, fmt.Errorf("cas: backend %T cannot remove objects", db)
	}

	reachable := make(map[dataid.DataID]bool)
	stack := append([]dataid.DataID(nil), roots...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reachable[id] {
			continue
		}
		reachable[id] = true
		obj, ok, err := db.Get(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("cas: walk %s: %w", id, err)
		}
		if !ok {
			// A dangling root (e.g. a stale cache entry) keeps nothing
			// alive beyond itself.
			continue
		}
		stack = append(stack, obj.Refs...)
	}

	all, err := lister.List(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range all {
		if reachable[id] {
			continue
		}
		if err := remover.Remove(ctx, id); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
