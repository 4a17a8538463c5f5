package config

import (
	"testing"

	"github.com/spf13/viper"
)

type stubFragment struct {
	payload string
}

func (f stubFragment) CanonicalBytes() []byte { return []byte(f.payload) }

func TestBuild_DigestStableAcrossRegistrationOrder(t *testing.T) {
	build := func(register func(r *Registry)) *Value {
		r := NewRegistry()
		register(r)
		v, err := r.Build(viper.New())
		if err != nil {
			t.Fatalf("Build: %v", err)
		}
		return v
	}

	a := build(func(r *Registry) {
		r.Register("frag.a", func(*viper.Viper) (any, error) { return stubFragment{payload: "a"}, nil })
		r.Register("frag.b", func(*viper.Viper) (any, error) { return stubFragment{payload: "b"}, nil })
	})
	b := build(func(r *Registry) {
		r.Register("frag.b", func(*viper.Viper) (any, error) { return stubFragment{payload: "b"}, nil })
		r.Register("frag.a", func(*viper.Viper) (any, error) { return stubFragment{payload: "a"}, nil })
	})
	if a.Root != b.Root {
		t.Fatalf("expected identical roots, got %s and %s", a.Root, b.Root)
	}
}

func TestBuild_DigestChangesWithFragmentContent(t *testing.T) {
	root := func(payload string) string {
		r := NewRegistry()
		r.Register("frag", func(*viper.Viper) (any, error) { return stubFragment{payload: payload}, nil })
		v, err := r.Build(viper.New())
		if err != nil {
			t.Fatalf("Build: %v", err)
		}
		return v.Root
	}
	if root("one") == root("two") {
		t.Fatal("expected different fragment content to produce different roots")
	}
}

func TestBuild_FragmentsReachableByIdentifier(t *testing.T) {
	r := NewRegistry()
	r.Register("frag", func(v *viper.Viper) (any, error) { return stubFragment{payload: "x"}, nil })
	value, err := r.Build(viper.New())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	got, ok := value.Fragments["frag"].(stubFragment)
	if !ok || got.payload != "x" {
		t.Fatalf("unexpected fragment value %#v", value.Fragments["frag"])
	}
}

func TestResolve_UnknownFragment(t *testing.T) {
	r := NewRegistry()
	_, err := r.Resolve("nope")
	if _, ok := err.(*UnknownFragmentError); !ok {
		t.Fatalf("expected *UnknownFragmentError, got %T: %v", err, err)
	}
}
