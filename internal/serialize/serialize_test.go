package serialize

import (
	"errors"
	"testing"
)

type point struct {
	X, Y int
}

func TestRegisterJSON_RoundTrip(t *testing.T) {
	r := NewRegistry()
	RegisterJSON[point](r, "point.v1")

	a, err := r.Encode("point.v1", point{X: 1, Y: 2})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := r.Decode(a)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	p, ok := got.(point)
	if !ok {
		t.Fatalf("expected point, got %T", got)
	}
	if p.X != 1 || p.Y != 2 {
		t.Fatalf("unexpected value: %+v", p)
	}
}

func TestDecode_UnknownType(t *testing.T) {
	r := NewRegistry()
	_, err := r.Decode(AnySerializable{TypeIdentifier: "nope"})
	var ute *UnknownTypeError
	if err == nil {
		t.Fatalf("expected error")
	}
	if !errors.As(err, &ute) {
		t.Fatalf("expected UnknownTypeError, got %v", err)
	}
}

func TestHas(t *testing.T) {
	r := NewRegistry()
	if r.Has("point.v1") {
		t.Fatalf("expected no codec registered yet")
	}
	RegisterJSON[point](r, "point.v1")
	if !r.Has("point.v1") {
		t.Fatalf("expected codec registered")
	}
}
