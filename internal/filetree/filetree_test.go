package filetree

import (
	"context"
	"testing"

	"kiln/internal/cas"
)

func putFile(t *testing.T, store cas.Database, name, content string) FileRef {
	t.Helper()
	id, err := store.Put(context.Background(), nil, []byte(content))
	if err != nil {
		t.Fatalf("put %q: %v", name, err)
	}
	return FileRef{Entry: DirectoryEntry{Name: name, Type: TypeFile, Size: int64(len(content))}, ID: id}
}

func TestCreate_SortsByName(t *testing.T) {
	store := cas.NewMemoryDatabase()
	tree, err := Create(store, []FileRef{
		putFile(t, store, "b", "B"),
		putFile(t, store, "a", "A"),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if tree.Entries[0].Name != "a" || tree.Entries[1].Name != "b" {
		t.Fatalf("expected sorted entries, got %v", tree.Entries)
	}
}

func TestCreate_RejectsDuplicateNames(t *testing.T) {
	store := cas.NewMemoryDatabase()
	_, err := Create(store, []FileRef{
		putFile(t, store, "a", "1"),
		putFile(t, store, "a", "2"),
	})
	if err == nil {
		t.Fatalf("expected error for duplicate entry name")
	}
}

func TestCreate_InvariantToInputOrder(t *testing.T) {
	store := cas.NewMemoryDatabase()
	t1, err := Create(store, []FileRef{
		putFile(t, store, "a", "A"),
		putFile(t, store, "b", "B"),
	})
	if err != nil {
		t.Fatalf("Create 1: %v", err)
	}
	t2, err := Create(store, []FileRef{
		putFile(t, store, "b", "B"),
		putFile(t, store, "a", "A"),
	})
	if err != nil {
		t.Fatalf("Create 2: %v", err)
	}
	if !t1.ID.Equal(t2.ID) {
		t.Fatalf("expected same tree id regardless of input order")
	}
}

func TestLookup(t *testing.T) {
	store := cas.NewMemoryDatabase()
	inner, err := Create(store, []FileRef{putFile(t, store, "c", "C")})
	if err != nil {
		t.Fatalf("Create inner: %v", err)
	}
	root, err := Create(store, []FileRef{
		putFile(t, store, "a", "A"),
		{Entry: DirectoryEntry{Name: "sub", Type: TypeDirectory}, ID: inner.ID},
	})
	if err != nil {
		t.Fatalf("Create root: %v", err)
	}

	id, entry, ok, err := Lookup(store, root, "sub/c")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !ok {
		t.Fatalf("expected entry to be found")
	}
	if entry.Name != "c" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	obj, ok2, err := store.Get(context.Background(), id)
	if err != nil || !ok2 {
		t.Fatalf("Get resolved id: ok=%v err=%v", ok2, err)
	}
	if string(obj.Data) != "C" {
		t.Fatalf("unexpected content: %q", obj.Data)
	}

	_, _, ok, err = Lookup(store, root, "nope/missing")
	if err != nil {
		t.Fatalf("Lookup missing: %v", err)
	}
	if ok {
		t.Fatalf("expected missing lookup to report ok=false")
	}
}

func TestMergePair_DirectoryOverridesFile(t *testing.T) {
	// Merge dir{a: file[1]} with dir{a: dir{}}; expect the later
	// side's directory to override the earlier side's file.
	store := cas.NewMemoryDatabase()
	left, err := Create(store, []FileRef{putFile(t, store, "a", "1")})
	if err != nil {
		t.Fatalf("Create left: %v", err)
	}
	emptyDir, err := Create(store, nil)
	if err != nil {
		t.Fatalf("Create empty dir: %v", err)
	}
	right, err := Create(store, []FileRef{
		{Entry: DirectoryEntry{Name: "a", Type: TypeDirectory}, ID: emptyDir.ID},
	})
	if err != nil {
		t.Fatalf("Create right: %v", err)
	}

	merged, err := MergePair(store, left, right)
	if err != nil {
		t.Fatalf("MergePair: %v", err)
	}
	if len(merged.Entries) != 1 || merged.Entries[0].Type != TypeDirectory {
		t.Fatalf("expected single directory entry 'a', got %v", merged.Entries)
	}
}

func TestMerge_Identity(t *testing.T) {
	store := cas.NewMemoryDatabase()
	tree, err := Create(store, []FileRef{putFile(t, store, "a", "A")})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	merged, err := Merge(store, []Tree{tree})
	if err != nil {
		t.Fatalf("Merge([t]): %v", err)
	}
	if !merged.ID.Equal(tree.ID) {
		t.Fatalf("expected Merge([t]) == t")
	}

	empty, err := Create(store, nil)
	if err != nil {
		t.Fatalf("Create empty: %v", err)
	}
	merged2, err := Merge(store, []Tree{empty, tree})
	if err != nil {
		t.Fatalf("Merge([empty, t]): %v", err)
	}
	if !merged2.ID.Equal(tree.ID) {
		t.Fatalf("expected Merge([empty, t]) == t")
	}
}

func TestRemove(t *testing.T) {
	store := cas.NewMemoryDatabase()
	tree, err := Create(store, []FileRef{
		putFile(t, store, "a", "A"),
		putFile(t, store, "b", "B"),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	removed, err := Remove(store, tree, "a")
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if len(removed.Entries) != 1 || removed.Entries[0].Name != "b" {
		t.Fatalf("unexpected entries after remove: %v", removed.Entries)
	}
	_, _, ok, err := Lookup(store, removed, "a")
	if err != nil {
		t.Fatalf("Lookup after remove: %v", err)
	}
	if ok {
		t.Fatalf("expected 'a' to be gone after remove")
	}

	// Removing a nonexistent leaf is a no-op.
	again, err := Remove(store, removed, "nonexistent")
	if err != nil {
		t.Fatalf("Remove nonexistent: %v", err)
	}
	if !again.ID.Equal(removed.ID) {
		t.Fatalf("expected no-op remove to return the same tree")
	}
}

func TestAggregateSize(t *testing.T) {
	store := cas.NewMemoryDatabase()
	inner, err := Create(store, []FileRef{putFile(t, store, "c", "CCC")})
	if err != nil {
		t.Fatalf("Create inner: %v", err)
	}
	root, err := Create(store, []FileRef{
		putFile(t, store, "a", "AA"),
		{Entry: DirectoryEntry{Name: "sub", Type: TypeDirectory}, ID: inner.ID},
	})
	if err != nil {
		t.Fatalf("Create root: %v", err)
	}
	size, err := AggregateSize(store, root)
	if err != nil {
		t.Fatalf("AggregateSize: %v", err)
	}
	if size != 5 {
		t.Fatalf("expected aggregate size 5, got %d", size)
	}
}

func TestPutGetLargeFile(t *testing.T) {
	store := cas.NewMemoryDatabase()
	data := make([]byte, 25)
	for i := range data {
		data[i] = byte(i)
	}
	id, err := PutLargeFile(store, data, 10, TypeFile)
	if err != nil {
		t.Fatalf("PutLargeFile: %v", err)
	}
	got, err := GetLargeFile(store, id)
	if err != nil {
		t.Fatalf("GetLargeFile: %v", err)
	}
	if len(got) != len(data) {
		t.Fatalf("unexpected length: %d vs %d", len(got), len(data))
	}
	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("byte %d mismatch: %d vs %d", i, got[i], data[i])
		}
	}
}
