package cas

import (
	"context"
	"testing"

	"kiln/internal/dataid"
)

func testDatabase(t *testing.T, db Database) {
	t.Helper()
	ctx := context.Background()

	id, err := db.Put(ctx, nil, []byte("hello"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	obj, ok, err := db.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatalf("expected object to be present")
	}
	if string(obj.Data) != "hello" {
		t.Fatalf("unexpected data: %q", obj.Data)
	}
	if len(obj.Refs) != 0 {
		t.Fatalf("expected no refs, got %v", obj.Refs)
	}

	id2, err := db.Put(ctx, nil, []byte("hello"))
	if err != nil {
		t.Fatalf("Put (again): %v", err)
	}
	if !id.Equal(id2) {
		t.Fatalf("expected idempotent put to return same id")
	}

	has, err := db.Contains(ctx, id)
	if err != nil {
		t.Fatalf("Contains: %v", err)
	}
	if !has {
		t.Fatalf("expected Contains to be true")
	}

	missing := dataid.Identify(nil, []byte("never put"))
	_, ok, err = db.Get(ctx, missing)
	if err != nil {
		t.Fatalf("Get missing: %v", err)
	}
	if ok {
		t.Fatalf("expected missing object to be absent")
	}
}

func TestMemoryDatabase(t *testing.T) {
	testDatabase(t, NewMemoryDatabase())
}

func TestFileDatabase(t *testing.T) {
	db, err := NewFileDatabase(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileDatabase: %v", err)
	}
	testDatabase(t, db)
}

func TestFileDatabase_Refs(t *testing.T) {
	db, err := NewFileDatabase(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileDatabase: %v", err)
	}
	ctx := context.Background()
	leaf, err := db.Put(ctx, nil, []byte("leaf"))
	if err != nil {
		t.Fatalf("Put leaf: %v", err)
	}
	parent, err := db.Put(ctx, []dataid.DataID{leaf}, []byte("parent"))
	if err != nil {
		t.Fatalf("Put parent: %v", err)
	}
	obj, ok, err := db.Get(ctx, parent)
	if err != nil || !ok {
		t.Fatalf("Get parent: ok=%v err=%v", ok, err)
	}
	if len(obj.Refs) != 1 || !obj.Refs[0].Equal(leaf) {
		t.Fatalf("unexpected refs: %v", obj.Refs)
	}
}

func TestRegistry_OpenMemAndFile(t *testing.T) {
	r := NewRegistry()
	db, err := r.Open("mem://")
	if err != nil {
		t.Fatalf("Open mem://: %v", err)
	}
	if _, ok := db.(*MemoryDatabase); !ok {
		t.Fatalf("expected *MemoryDatabase, got %T", db)
	}

	dir := t.TempDir()
	db2, err := r.Open("file://" + dir)
	if err != nil {
		t.Fatalf("Open file://: %v", err)
	}
	if _, ok := db2.(*FileDatabase); !ok {
		t.Fatalf("expected *FileDatabase, got %T", db2)
	}
}

func TestRegistry_UnknownScheme(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Open("s3://bucket/key"); err == nil {
		t.Fatalf("expected error for unregistered scheme")
	}
}

func TestPutKnown_Corrupt(t *testing.T) {
	db := NewMemoryDatabase()
	wrongID := dataid.Identify(nil, []byte("not the real content"))
	_, err := db.PutKnown(context.Background(), wrongID, nil, []byte("actual content"))
	if err == nil {
		t.Fatalf("expected corruption error")
	}
	if _, ok := err.(*ErrCorrupt); !ok {
		t.Fatalf("expected *ErrCorrupt, got %T (%v)", err, err)
	}
}
