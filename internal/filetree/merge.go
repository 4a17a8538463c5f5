package filetree

import (
	"fmt"

	"kiln/internal/cas"
)

// Merge overlays trees left-to-right: entries from a later tree win
// over entries from an earlier one with the same name, except that two
// directories with the same name recurse (merge their contents)
// instead of the later one replacing the earlier wholesale. Merge([t])
// equals t; Merge of an empty slice is the empty tree. Pairwise
// application of Merge must equal the n-ary merge, since Merge folds
// left-to-right via MergePair.
func Merge(store cas.Database, trees []Tree) (Tree, error) {
	if len(trees) == 0 {
		return Create(store, nil)
	}
	acc := trees[0]
	for _, t := range trees[1:] {
		merged, err := MergePair(store, acc, t)
		if err != nil {
			return Tree{}, err
		}
		acc = merged
	}
	return acc, nil
}

// MergePair overlays b onto a: if both sides have an entry with the
// same name and both are directories, the result recurses into the
// merge of the two subdirectories; if one side is a directory and the
// other is not, or both are non-directory, b's entry wins entirely.
func MergePair(store cas.Database, a, b Tree) (Tree, error) {
	byName := make(map[string]FileRef, len(a.Entries)+len(b.Entries))
	order := make([]string, 0, len(a.Entries)+len(b.Entries))

	for i, e := range a.Entries {
		byName[e.Name] = FileRef{Entry: e, ID: a.Refs[i]}
		order = append(order, e.Name)
	}
	for i, e := range b.Entries {
		existing, hadExisting := byName[e.Name]
		if !hadExisting {
			order = append(order, e.Name)
			byName[e.Name] = FileRef{Entry: e, ID: b.Refs[i]}
			continue
		}
		if existing.Entry.Type == TypeDirectory && e.Type == TypeDirectory {
			leftChild, err := Load(store, existing.ID)
			if err != nil {
				return Tree{}, fmt.Errorf("filetree: merge load left %q: %w", e.Name, err)
			}
			rightChild, err := Load(store, b.Refs[i])
			if err != nil {
				return Tree{}, fmt.Errorf("filetree: merge load right %q: %w", e.Name, err)
			}
			mergedChild, err := MergePair(store, leftChild, rightChild)
			if err != nil {
				return Tree{}, err
			}
			byName[e.Name] = FileRef{
				Entry: DirectoryEntry{Name: e.Name, Type: TypeDirectory, PosixPermissions: e.PosixPermissions},
				ID:    mergedChild.ID,
			}
			continue
		}
		// Either both are non-directory, or the types differ: the
		// later side (b) wins outright.
		byName[e.Name] = FileRef{Entry: e, ID: b.Refs[i]}
	}

	deduped := make(map[string]bool, len(order))
	files := make([]FileRef, 0, len(byName))
	for _, name := range order {
		if deduped[name] {
			continue
		}
		deduped[name] = true
		files = append(files, byName[name])
	}
	return Create(store, files)
}

// MergeAt merges b into a at the subdirectory named by path (creating
// intermediate directories as needed if they don't yet exist in a).
func MergeAt(store cas.Database, a Tree, b Tree, path string) (Tree, error) {
	if path == "" || path == "/" {
		return MergePair(store, a, b)
	}
	segments := splitPath(path)
	return mergeAtSegments(store, a, b, segments)
}

func mergeAtSegments(store cas.Database, a Tree, b Tree, segments []string) (Tree, error) {
	head := segments[0]
	idx := indexOf(a.Entries, head)

	var child Tree
	var existingPerm uint32
	if idx >= 0 {
		if a.Entries[idx].Type != TypeDirectory {
			return Tree{}, fmt.Errorf("filetree: cannot merge at %q: existing entry is not a directory", head)
		}
		loaded, err := Load(store, a.Refs[idx])
		if err != nil {
			return Tree{}, err
		}
		child = loaded
		existingPerm = a.Entries[idx].PosixPermissions
	} else {
		empty, err := Create(store, nil)
		if err != nil {
			return Tree{}, err
		}
		child = empty
	}

	var mergedChild Tree
	var err error
	if len(segments) == 1 {
		mergedChild, err = MergePair(store, child, b)
	} else {
		mergedChild, err = mergeAtSegments(store, child, b, segments[1:])
	}
	if err != nil {
		return Tree{}, err
	}

	files := make([]FileRef, 0, len(a.Entries)+1)
	replaced := false
	for i, e := range a.Entries {
		if e.Name == head {
			files = append(files, FileRef{
				Entry: DirectoryEntry{Name: head, Type: TypeDirectory, PosixPermissions: existingPerm},
				ID:    mergedChild.ID,
			})
			replaced = true
			continue
		}
		files = append(files, FileRef{Entry: e, ID: a.Refs[i]})
	}
	if !replaced {
		files = append(files, FileRef{
			Entry: DirectoryEntry{Name: head, Type: TypeDirectory},
			ID:    mergedChild.ID,
		})
	}
	return Create(store, files)
}

func splitPath(path string) []string {
	var segments []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			if i > start {
				segments = append(segments, path[start:i])
			}
			start = i + 1
		}
	}
	if start < len(path) {
		segments = append(segments, path[start:])
	}
	return segments
}
