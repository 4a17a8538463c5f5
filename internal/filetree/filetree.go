// Package filetree implements Merkle directory/file objects stored in
// the CAS, with create/lookup/merge/remove/aggregateSize operations.
package filetree

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"kiln/internal/cas"
	"kiln/internal/dataid"
)

// EntryType is the kind of a directory entry or file object.
type EntryType int

const (
	TypeFile EntryType = iota
	TypeExecutable
	TypeDirectory
	TypeSymlink
)

func (t EntryType) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeExecutable:
		return "executable"
	case TypeDirectory:
		return "directory"
	case TypeSymlink:
		return "symlink"
	default:
		return fmt.Sprintf("EntryType(%d)", int(t))
	}
}

// DirectoryEntry describes one child of a directory object.
type DirectoryEntry struct {
	Name             string
	Type             EntryType
	Size             int64
	PosixPermissions uint32
}

// Tree is an in-memory handle to a directory object already stored in
// the CAS: its own id plus its entries and their ids, in the same
// sorted-by-name order as stored.
type Tree struct {
	ID      dataid.DataID
	Entries []DirectoryEntry
	Refs    []dataid.DataID // parallel to Entries
}

// reservedNames are directory entry names that would make path lookup
// ambiguous and so are rejected by Create.
var reservedNames = map[string]bool{"": true, ".": true, "..": true, "/": true}

// Create builds a directory object from files, a set of
// (DirectoryEntry, DataID) pairs naming each child's content. Entries
// are sorted by name; the same (name, id) content under different
// input orderings produces the same Tree id, since sorting happens
// before encoding and hashing.
func Create(store cas.Database, files []FileRef) (Tree, error) {
	entries := make([]DirectoryEntry, len(files))
	refs := make([]dataid.DataID, len(files))
	seen := make(map[string]bool, len(files))
	for i, f := range files {
		if reservedNames[f.Entry.Name] {
			return Tree{}, fmt.Errorf("filetree: invalid entry name %q", f.Entry.Name)
		}
		if strings.Contains(f.Entry.Name, "/") {
			return Tree{}, fmt.Errorf("filetree: entry name %q must not contain '/'", f.Entry.Name)
		}
		if seen[f.Entry.Name] {
			return Tree{}, fmt.Errorf("filetree: duplicate entry name %q", f.Entry.Name)
		}
		seen[f.Entry.Name] = true
		entries[i] = f.Entry
		refs[i] = f.ID
	}

	order := make([]int, len(entries))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return entries[order[i]].Name < entries[order[j]].Name })

	sortedEntries := make([]DirectoryEntry, len(entries))
	sortedRefs := make([]dataid.DataID, len(refs))
	for i, idx := range order {
		sortedEntries[i] = entries[idx]
		sortedRefs[i] = refs[idx]
	}

	data := encodeDirectory(sortedEntries)
	id, err := store.Put(context.Background(), sortedRefs, data)
	if err != nil {
		return Tree{}, fmt.Errorf("filetree: store directory: %w", err)
	}
	return Tree{ID: id, Entries: sortedEntries, Refs: sortedRefs}, nil
}

// FileRef is one (name+metadata, content id) input to Create.
type FileRef struct {
	Entry DirectoryEntry
	ID    dataid.DataID
}

// Load reads back a directory object's Tree view from the store.
func Load(store cas.Database, id dataid.DataID) (Tree, error) {
	obj, ok, err := store.Get(context.Background(), id)
	if err != nil {
		return Tree{}, fmt.Errorf("filetree: load %s: %w", id, err)
	}
	if !ok {
		return Tree{}, fmt.Errorf("filetree: object %s not found", id)
	}
	entries, err := decodeDirectory(obj.Data)
	if err != nil {
		return Tree{}, fmt.Errorf("filetree: decode %s: %w", id, err)
	}
	if len(entries) != len(obj.Refs) {
		return Tree{}, fmt.Errorf("filetree: %s has %d entries but %d refs", id, len(entries), len(obj.Refs))
	}
	return Tree{ID: id, Entries: entries, Refs: obj.Refs}, nil
}

// Lookup walks path (slash-separated, relative to tree's root) and
// returns the entry and content id at that path, or ok=false if any
// segment is missing.
func Lookup(store cas.Database, tree Tree, path string) (dataid.DataID, DirectoryEntry, bool, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return tree.ID, DirectoryEntry{Name: "", Type: TypeDirectory}, true, nil
	}
	segments := strings.Split(path, "/")
	cur := tree
	for i, seg := range segments {
		idx := indexOf(cur.Entries, seg)
		if idx < 0 {
			return dataid.DataID{}, DirectoryEntry{}, false, nil
		}
		entry := cur.Entries[idx]
		ref := cur.Refs[idx]
		if i == len(segments)-1 {
			return ref, entry, true, nil
		}
		if entry.Type != TypeDirectory {
			return dataid.DataID{}, DirectoryEntry{}, false, nil
		}
		next, err := Load(store, ref)
		if err != nil {
			return dataid.DataID{}, DirectoryEntry{}, false, err
		}
		cur = next
	}
	return dataid.DataID{}, DirectoryEntry{}, false, nil
}

// AggregateSize sums the Size of every reachable entry under tree.
func AggregateSize(store cas.Database, tree Tree) (int64, error) {
	var total int64
	for i, e := range tree.Entries {
		total += e.Size
		if e.Type == TypeDirectory {
			child, err := Load(store, tree.Refs[i])
			if err != nil {
				return 0, err
			}
			sub, err := AggregateSize(store, child)
			if err != nil {
				return 0, err
			}
			total += sub
		}
	}
	return total, nil
}

func indexOf(entries []DirectoryEntry, name string) int {
	for i, e := range entries {
		if e.Name == name {
			return i
		}
	}
	return -1
}
