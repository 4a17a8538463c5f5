package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"kiln/internal/cas"
	"kiln/internal/serialize"
)

type intKeyType struct {
	id string
}

func (t intKeyType) Identifier() string            { return t.id }
func (t intKeyType) Version() int                  { return 1 }
func (t intKeyType) VersionDependencies() []string { return nil }

func newTestEngine() *Engine {
	reg := serialize.NewRegistry()
	serialize.RegisterJSON[int](reg, "int")
	return New(Config{
		CAS:      cas.NewMemoryDatabase(),
		Cache:    NewMemoryFunctionCache(0),
		Registry: reg,
	})
}

// TestArithmetic_SumRunsOnce: "v1"/"v2" return 1/2; "sum"
// requests both and returns their sum; requesting "sum" twice runs the
// body once.
func TestArithmetic_SumRunsOnce(t *testing.T) {
	e := newTestEngine()
	v1 := intKeyType{id: "v1"}
	v2 := intKeyType{id: "v2"}
	sum := intKeyType{id: "sum"}
	e.RegisterType(v1)
	e.RegisterType(v2)
	e.RegisterType(sum)

	var sumRuns int32

	sumFn := func(ctx context.Context, rc *RequestContext) (any, string, error) {
		atomic.AddInt32(&sumRuns, 1)
		_, a, err := rc.Request(ctx, v1, nil, func(ctx context.Context, rc *RequestContext) (any, string, error) {
			return 1, "int", nil
		})
		if err != nil {
			return nil, "", err
		}
		_, b, err := rc.Request(ctx, v2, nil, func(ctx context.Context, rc *RequestContext) (any, string, error) {
			return 2, "int", nil
		})
		if err != nil {
			return nil, "", err
		}
		return a.(int) + b.(int), "int", nil
	}

	_, value, err := e.Evaluate(context.Background(), sum, nil, sumFn)
	if err != nil {
		t.Fatalf("first evaluate: %v", err)
	}
	if value.(int) != 3 {
		t.Fatalf("expected 3, got %v", value)
	}

	_, value2, err := e.Evaluate(context.Background(), sum, nil, sumFn)
	if err != nil {
		t.Fatalf("second evaluate: %v", err)
	}
	if value2.(int) != 3 {
		t.Fatalf("expected 3 on second evaluate, got %v", value2)
	}
	if sumRuns != 1 {
		t.Fatalf("expected sum body to run once, ran %d times", sumRuns)
	}
}

// TestCycle_FourNodeRing: four keys each requesting
// "(i+1) mod 4"; evaluating any of them must fail with CycleError.
func TestCycle_FourNodeRing(t *testing.T) {
	e := newTestEngine()
	var kts [4]intKeyType
	for i := 0; i < 4; i++ {
		kts[i] = intKeyType{id: string(rune('0' + i))}
		e.RegisterType(kts[i])
	}

	var body func(i int) Func
	body = func(i int) Func {
		return func(ctx context.Context, rc *RequestContext) (any, string, error) {
			next := (i + 1) % 4
			_, _, err := rc.Request(ctx, kts[next], nil, body(next))
			return 0, "int", err
		}
	}

	_, _, err := e.Evaluate(context.Background(), kts[1], nil, body(1))
	if err == nil {
		t.Fatal("expected cycle error, got nil")
	}
	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected *CycleError, got %T: %v", err, err)
	}
	// The cycle must be complete: every key on the ring once, in
	// request order, starting and ending with the same key.
	if len(cycleErr.Cycle) != 5 {
		t.Fatalf("expected 5 entries on the cycle, got %d: %v", len(cycleErr.Cycle), cycleErr.Cycle)
	}
	if cycleErr.Cycle[0] != cycleErr.Cycle[4] {
		t.Fatalf("cycle must start and end with the same key: %v", cycleErr.Cycle)
	}
	distinct := make(map[string]bool)
	for _, k := range cycleErr.Cycle[:4] {
		distinct[k] = true
	}
	if len(distinct) != 4 {
		t.Fatalf("expected all 4 ring keys on the cycle, got %v", cycleErr.Cycle)
	}
}

func TestEvaluate_UnregisteredTypeFails(t *testing.T) {
	e := newTestEngine()
	unregistered := intKeyType{id: "unknown"}
	_, _, err := e.Evaluate(context.Background(), unregistered, nil, func(ctx context.Context, rc *RequestContext) (any, string, error) {
		return 0, "int", nil
	})
	if err == nil {
		t.Fatal("expected error for unregistered key type")
	}
}

func TestEvaluate_CancelledCancellerShortCircuits(t *testing.T) {
	e := newTestEngine()
	kt := intKeyType{id: "cancellable"}
	e.RegisterType(kt)

	c := NewCanceller()
	c.Cancel(nil)

	_, _, err := e.EvaluateCancellable(context.Background(), kt, nil, func(ctx context.Context, rc *RequestContext) (any, string, error) {
		t.Fatal("body must not run once cancelled")
		return nil, "", nil
	}, c)
	var cancelled *CancelledError
	if !errors.As(err, &cancelled) {
		t.Fatalf("expected *CancelledError, got %T: %v", err, err)
	}
}
