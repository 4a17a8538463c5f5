package cas

import (
	"context"
	"testing"

	"kiln/internal/dataid"
)

func TestCollect_KeepsReachableRemovesRest(t *testing.T) {
	db := NewMemoryDatabase()
	ctx := context.Background()

	leaf, err := db.Put(ctx, nil, []byte("leaf"))
	if err != nil {
		t.Fatalf("put leaf: %v", err)
	}
	root, err := db.Put(ctx, []dataid.DataID{leaf}, []byte("root"))
	if err != nil {
		t.Fatalf("put root: %v", err)
	}
	garbage, err := db.Put(ctx, nil, []byte("orphan"))
	if err != nil {
		t.Fatalf("put orphan: %v", err)
	}

	removed, err := Collect(ctx, db, []dataid.DataID{root})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removal, got %d", removed)
	}
	for _, id := range []dataid.DataID{root, leaf} {
		if ok, _ := db.Contains(ctx, id); !ok {
			t.Fatalf("reachable object %s was collected", id)
		}
	}
	if ok, _ := db.Contains(ctx, garbage); ok {
		t.Fatalf("orphan survived collection")
	}
}

func TestCollect_DanglingRootIsHarmless(t *testing.T) {
	db := NewMemoryDatabase()
	ctx := context.Background()
	kept, err := db.Put(ctx, nil, []byte("kept"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	dangling := dataid.Identify(nil, []byte("never stored"))
	removed, err := Collect(ctx, db, []dataid.DataID{kept, dangling})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if removed != 0 {
		t.Fatalf("expected nothing removed, got %d", removed)
	}
}

func TestFileDatabase_ListAndRemove(t *testing.T) {
	db, err := NewFileDatabase(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileDatabase: %v", err)
	}
	ctx := context.Background()
	id, err := db.Put(ctx, nil, []byte("content"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	ids, err := db.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 1 || !ids[0].Equal(id) {
		t.Fatalf("unexpected listing %v", ids)
	}
	if err := db.Remove(ctx, id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if ok, _ := db.Contains(ctx, id); ok {
		t.Fatalf("object survived removal")
	}
	if err := db.Remove(ctx, id); err != nil {
		t.Fatalf("removing an absent id must be a no-op, got %v", err)
	}
}
