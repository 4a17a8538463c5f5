package dataid

import (
	"bytes"
	"encoding/gob"
	"testing"
)

func TestIdentify_Deterministic(t *testing.T) {
	refs := []DataID{
		Identify(nil, []byte("a")),
		Identify(nil, []byte("b")),
	}
	id1 := Identify(refs, []byte("payload"))
	id2 := Identify(refs, []byte("payload"))
	if !id1.Equal(id2) {
		t.Fatalf("expected equal ids, got %s vs %s", id1, id2)
	}
}

func TestIdentify_DifferentContentDifferentID(t *testing.T) {
	id1 := Identify(nil, []byte("a"))
	id2 := Identify(nil, []byte("b"))
	if id1.Equal(id2) {
		t.Fatalf("expected distinct ids for distinct content")
	}
}

func TestIdentify_RefsAffectID(t *testing.T) {
	r1 := Identify(nil, []byte("ref1"))
	r2 := Identify(nil, []byte("ref2"))
	withR1 := Identify([]DataID{r1}, []byte("data"))
	withR2 := Identify([]DataID{r2}, []byte("data"))
	if withR1.Equal(withR2) {
		t.Fatalf("expected ids to differ when refs differ")
	}
}

func TestBytesRoundTrip(t *testing.T) {
	id := Identify(nil, []byte("roundtrip"))
	b := id.Bytes()
	if len(b) != Size {
		t.Fatalf("expected %d bytes, got %d", Size, len(b))
	}
	got, err := FromBytes(b)
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	if !got.Equal(id) {
		t.Fatalf("round trip mismatch: %s vs %s", got, id)
	}
}

func TestTextRoundTrip(t *testing.T) {
	id := Identify(nil, []byte("text-roundtrip"))
	text, err := id.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}
	var got DataID
	if err := got.UnmarshalText(text); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if !got.Equal(id) {
		t.Fatalf("text round trip mismatch: %s vs %s", got, id)
	}
}

func TestCompareTotalOrder(t *testing.T) {
	a := Identify(nil, []byte("a"))
	b := Identify(nil, []byte("b"))
	if Compare(a, a) != 0 {
		t.Fatalf("expected self-compare to be 0")
	}
	// Exactly one direction should hold since ids are distinct.
	lt := Compare(a, b) < 0
	gt := Compare(b, a) < 0
	if lt == gt {
		t.Fatalf("expected asymmetric order between distinct ids")
	}
}

func TestSortDataIDs(t *testing.T) {
	ids := []DataID{
		Identify(nil, []byte("z")),
		Identify(nil, []byte("a")),
		Identify(nil, []byte("m")),
	}
	SortDataIDs(ids)
	for i := 1; i < len(ids); i++ {
		if Compare(ids[i-1], ids[i]) > 0 {
			t.Fatalf("ids not sorted: %v", ids)
		}
	}
}

func TestIsZero(t *testing.T) {
	var id DataID
	if !id.IsZero() {
		t.Fatalf("expected zero value to report IsZero")
	}
	got := Identify(nil, []byte("x"))
	if got.IsZero() {
		t.Fatalf("expected computed id to not be zero")
	}
}

func TestGobRoundTrip(t *testing.T) {
	type holder struct {
		ID    DataID
		Other string
	}
	want := holder{ID: Identify(nil, []byte("gob")), Other: "x"}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(want); err != nil {
		t.Fatalf("encode: %v", err)
	}
	var got holder
	if err := gob.NewDecoder(&buf).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.ID.Equal(want.ID) || got.Other != want.Other {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}
