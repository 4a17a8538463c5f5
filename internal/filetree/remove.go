package filetree

import (
	"fmt"

	"kiln/internal/cas"
)

// Remove returns a new tree with the entry at path removed. Removing a
// nonexistent leaf is a no-op (returns tree unchanged). Removing
// through a non-directory segment is an error. Removing "/" (the root)
// returns the empty tree.
func Remove(store cas.Database, tree Tree, path string) (Tree, error) {
	segments := splitPath(path)
	if len(segments) == 0 {
		return Create(store, nil)
	}
	return removeSegments(store, tree, segments)
}

func removeSegments(store cas.Database, tree Tree, segments []string) (Tree, error) {
	head := segments[0]
	idx := indexOf(tree.Entries, head)
	if idx < 0 {
		// No-op: the named entry (or an ancestor of it) doesn't exist.
		return tree, nil
	}

	if len(segments) == 1 {
		files := make([]FileRef, 0, len(tree.Entries)-1)
		for i, e := range tree.Entries {
			if e.Name == head {
				continue
			}
			files = append(files, FileRef{Entry: e, ID: tree.Refs[i]})
		}
		return Create(store, files)
	}

	if tree.Entries[idx].Type != TypeDirectory {
		return Tree{}, fmt.Errorf("filetree: cannot remove %q through non-directory entry %q", segments, head)
	}
	child, err := Load(store, tree.Refs[idx])
	if err != nil {
		return Tree{}, err
	}
	newChild, err := removeSegments(store, child, segments[1:])
	if err != nil {
		return Tree{}, err
	}
	files := make([]FileRef, 0, len(tree.Entries))
	for i, e := range tree.Entries {
		if e.Name == head {
			files = append(files, FileRef{
				Entry: DirectoryEntry{Name: head, Type: TypeDirectory, PosixPermissions: e.PosixPermissions},
				ID:    newChild.ID,
			})
			continue
		}
		files = append(files, FileRef{Entry: e, ID: tree.Refs[i]})
	}
	return Create(store, files)
}
